/*
Copyright 2025 The KNV Proto Engine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package knv

// Sibling lists are intrusive and use a circular prev convention: the
// head's prev points at the last element, every other prev points at the
// actual predecessor, and the last next is nil. Append and last-lookup
// are O(1).

func listAppend(head **Node, n *Node) {
	n.next = nil
	if *head == nil {
		*head = n
		n.prev = n
		return
	}
	last := (*head).prev
	last.next = n
	n.prev = last
	(*head).prev = n
}

func listPrepend(head **Node, n *Node) {
	if *head == nil {
		*head = n
		n.prev = n
		n.next = nil
		return
	}
	old := *head
	n.prev = old.prev
	n.next = old
	old.prev = n
	*head = n
}

func listRemove(head **Node, n *Node) {
	if *head == n {
		if n.next == nil {
			*head = nil
		} else {
			n.next.prev = n.prev
			*head = n.next
		}
	} else {
		n.prev.next = n.next
		if n.next != nil {
			n.next.prev = n.prev
		} else {
			(*head).prev = n.prev
		}
	}
	n.next = nil
	n.prev = nil
}
