/*
   Copyright The Soci Snapshotter Authors.

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

package decom

import (
	"fmt"

	"github.com/awslabs/xz-decom/engine"
)

// DefaultBufferSize is the default capacity of the transfer buffer.
const DefaultBufferSize = 4096

// transferBuffer pairs the caller's input with a fixed size output window.
// The engine writes into the window; drain moves what it wrote to the
// accumulated output and rewinds the window.
type transferBuffer struct {
	engine.Buffer
}

func newTransferBuffer(in []byte, size int) *transferBuffer {
	return &transferBuffer{Buffer: engine.Buffer{In: in, Out: make([]byte, size)}}
}

// validate checks the cursor invariants after a step.
func (t *transferBuffer) validate() error {
	if t.InPos < 0 || t.InPos > len(t.In) {
		return fmt.Errorf("input cursor %d out of range [0, %d]", t.InPos, len(t.In))
	}
	if t.OutPos < 0 || t.OutPos > len(t.Out) {
		return fmt.Errorf("output cursor %d out of range [0, %d]", t.OutPos, len(t.Out))
	}
	return nil
}

// drain appends the bytes written since the last drain to acc.
func (t *transferBuffer) drain(acc []byte) []byte {
	acc = append(acc, t.Out[:t.OutPos]...)
	t.OutPos = 0
	return acc
}

// inputExhausted reports whether every input byte has been consumed.
func (t *transferBuffer) inputExhausted() bool {
	return t.InPos == len(t.In)
}
