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

package testutil

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ulikunitz/xz"
)

// HelloXZ is "hello" compressed by liblzma with a CRC32 check.
const HelloXZ = "fd377a585a0000016922de360200210116000000742fe5a301000468656c6c6f00" +
	"00000086a6103600011905bce8eccb9042990d010000000001595a"

// MustHex decodes a hex fixture.
func MustHex(t testing.TB, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex fixture: %v", err)
	}
	return b
}

// Check types accepted by CompressXZ.
const (
	CheckNone   = xz.None
	CheckCRC32  = xz.CRC32
	CheckCRC64  = xz.CRC64
	CheckSHA256 = xz.SHA256
)

// CompressXZ encodes data as a single .xz stream with a CRC64 check.
func CompressXZ(t testing.TB, data []byte) []byte {
	t.Helper()
	return CompressXZWithCheck(t, data, CheckCRC64)
}

// CompressXZWithCheck encodes data as a single .xz stream with the given
// check type.
func CompressXZWithCheck(t testing.TB, data []byte, check byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	cfg := xz.WriterConfig{CheckSum: check, NoCheckSum: check == CheckNone}
	w, err := cfg.NewWriter(&buf)
	if err != nil {
		t.Fatalf("failed to create xz writer: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("failed to compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish xz stream: %v", err)
	}
	return buf.Bytes()
}
