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

import (
	"fmt"
	"io"

	"github.com/knvproto/knvengine/embedded/wire"
)

func typeName(t wire.Type, composite bool) string {
	switch t {
	case wire.Bytes:
		if composite {
			return "Node"
		}
		return "String"
	case wire.Varint:
		return "Int"
	case wire.Fixed32:
		return "Int32"
	case wire.Fixed64:
		return "Int64"
	}
	return "Unknown"
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func (n *Node) printLeaf(w io.Writer, prefix string) {
	fmt.Fprintf(w, "%stag=%d, type=%s", prefix, n.tag, typeName(n.typ, false))
	if n.typ == wire.Bytes {
		fmt.Fprintf(w, ", length=%d, val=", len(n.val.str))
		if printable(n.val.str) {
			fmt.Fprintf(w, "%s\n", n.val.str)
		} else {
			fmt.Fprintf(w, "%X\n", n.val.str)
		}
	} else {
		fmt.Fprintf(w, ", size=%d, val=%d\n", fieldLength(n.tag, n.typ, n.val), n.val.i64)
	}
}

// Print dumps the tree in an indented human-readable form.
func (n *Node) Print(w io.Writer, prefix string) {
	if n.tag == 0 {
		fmt.Fprintf(w, "%s(invalid)\n", prefix)
		return
	}

	n.Expand()

	if n.childNum > 0 || (n.childNum >= 0 && n.metaHead != nil) {
		fmt.Fprintf(w, "%s[+] tag=%d, msg_size=%d\n", prefix, n.tag, n.EvaluateSize())
		for m := n.metaHead; m != nil; m = m.next {
			m.printLeaf(w, prefix+"    [m] ")
		}
		for c := n.childHead; c != nil; c = c.next {
			c.Print(w, prefix+"    ")
		}
		return
	}

	if err := n.fold(); err != nil {
		fmt.Fprintf(w, "%s(unfoldable: %v)\n", prefix, err)
		return
	}
	n.printLeaf(w, prefix)
}
