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

package protocol

import (
	"fmt"
	"io"
)

// Print dumps the decoded header summary and the full packet tree.
func (p *Protocol) Print(w io.Writer, prefix string) error {
	if !p.IsValid() {
		fmt.Fprintf(w, "%sinvalid protocol tree\n", prefix)
		return ErrInvalidProtocol
	}

	fmt.Fprintf(w, "%s[#] cmd=0x%x, subcmd=0x%x, seq=%d, retcode=%d, retmsg=%q\n",
		prefix, p.cmd, p.subcmd, p.seq, p.retcode, string(p.retmsg))
	if len(p.rspAddr) > 0 {
		fmt.Fprintf(w, "%s    rspaddr=%X\n", prefix, p.rspAddr)
	}
	if p.totalSplitCount > 0 {
		fmt.Fprintf(w, "%s    split=%d/%d\n", prefix, p.currSplitIndex, p.totalSplitCount)
	}

	p.tree.Print(w, prefix)
	return nil
}
