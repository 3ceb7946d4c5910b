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

package engine

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	// "hello" with a CRC32 check, as written by liblzma.
	helloCRC32 = "fd377a585a0000016922de360200210116000000742fe5a301000468656c6c6f00" +
		"00000086a6103600011905bce8eccb9042990d010000000001595a"
	helloCRC64 = "fd377a585a000004e6d6b4460200210116000000742fe5a301000468656c6c6f00" +
		"000000b137b9dbe5da1e9b00011d05b82d80af1fb6f37d010000000004595a"
	helloNone = "fd377a585a000000ff12d9410200210116000000742fe5a301000468656c6c6f00" +
		"00000000011505b0a7596706729e7a010000000000595a"
	// helloCRC32 relabelled with check ID 2, which has a 4 byte check field
	// that is not verified.
	helloCheck2 = "fd377a585a000002d373d7af0200210116000000742fe5a301000468656c6c6f00" +
		"00000086a6103600011905bce8eccb2a139094010000000002595a"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex fixture: %v", err)
	}
	return b
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return b
}

// decodeAll steps d until it returns something other than OK. Input is
// revealed inChunk bytes at a time and output is collected through a buffer
// of outSize bytes.
func decodeAll(t *testing.T, d *Decoder, in []byte, inChunk, outSize int) ([]byte, Status) {
	t.Helper()
	var result []byte
	out := make([]byte, outSize)
	b := &Buffer{Out: out}
	for {
		if b.InPos == len(b.In) && len(b.In) < len(in) {
			b.In = in[:min(len(b.In)+inChunk, len(in))]
		}
		st := d.Step(b)
		result = append(result, out[:b.OutPos]...)
		b.OutPos = 0
		if st != OK {
			return result, st
		}
	}
}

func TestInitTables(t *testing.T) {
	InitTables()
	InitTables()
	testCases := []struct {
		name string
		got  uint64
		want uint64
	}{
		{name: "crc32 check value", got: uint64(CRC32([]byte("123456789"), 0)), want: 0xcbf43926},
		{name: "crc64 check value", got: CRC64([]byte("123456789"), 0), want: 0x995dc9bbdf1939fa},
		{name: "crc32 empty", got: uint64(CRC32(nil, 0)), want: 0},
		{name: "crc32 incremental", got: uint64(CRC32([]byte("6789"), CRC32([]byte("12345"), 0))), want: 0xcbf43926},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("got %#x, want %#x", tc.got, tc.want)
			}
		})
	}
}

func TestDecodeHello(t *testing.T) {
	testCases := []struct {
		name      string
		stream    string
		checkType CheckID
	}{
		{name: "crc32", stream: helloCRC32, checkType: CheckCRC32},
		{name: "crc64", stream: helloCRC64, checkType: CheckCRC64},
		{name: "none", stream: helloNone, checkType: CheckNone},
	}
	for _, tc := range testCases {
		for _, outSize := range []int{1, 2, 4096} {
			t.Run(fmt.Sprintf("%s out=%d", tc.name, outSize), func(t *testing.T) {
				d, err := NewDecoder(ModeDynAlloc, 1<<26)
				if err != nil {
					t.Fatalf("failed to create decoder: %v", err)
				}
				defer d.Close()
				got, st := decodeAll(t, d, mustHex(t, tc.stream), 1<<20, outSize)
				if st != StreamEnd {
					t.Fatalf("unexpected status %v", st)
				}
				if diff := cmp.Diff([]byte("hello"), got); diff != "" {
					t.Fatalf("unexpected output (-want +got):\n%s", diff)
				}
				if d.Header().CheckType != tc.checkType {
					t.Fatalf("check type %v, want %v", d.Header().CheckType, tc.checkType)
				}
			})
		}
	}
}

func TestDecodeSmallOutputNeedsSeveralSteps(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	out := make([]byte, 2)
	b := &Buffer{In: mustHex(t, helloCRC32), Out: out}
	var got []byte
	var oks int
	for {
		st := d.Step(b)
		got = append(got, out[:b.OutPos]...)
		b.OutPos = 0
		if st == StreamEnd {
			break
		}
		if st != OK {
			t.Fatalf("unexpected status %v", st)
		}
		oks++
	}
	if oks < 2 {
		t.Fatalf("expected at least 2 OK steps, got %d", oks)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestDecodeFixtures(t *testing.T) {
	payload := readTestdata(t, "payload.bin")
	testCases := []struct {
		name      string
		fixture   string
		want      []byte
		checkType CheckID
	}{
		{name: "check none", fixture: "check-none.xz", want: payload, checkType: CheckNone},
		{name: "check crc32", fixture: "check-crc32.xz", want: payload, checkType: CheckCRC32},
		{name: "check crc64", fixture: "check-crc64.xz", want: payload, checkType: CheckCRC64},
		{name: "check sha256", fixture: "check-sha256.xz", want: payload, checkType: CheckSHA256},
		{name: "delta", fixture: "delta.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj x86", fixture: "bcj-x86.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj powerpc", fixture: "bcj-powerpc.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj ia64", fixture: "bcj-ia64.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj arm", fixture: "bcj-arm.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj armthumb", fixture: "bcj-armthumb.xz", want: payload, checkType: CheckCRC64},
		{name: "bcj sparc", fixture: "bcj-sparc.xz", want: payload, checkType: CheckCRC64},
		{name: "delta then x86", fixture: "delta-x86.xz", want: payload, checkType: CheckCRC32},
		{name: "stored chunks", fixture: "random.xz", want: readTestdata(t, "random.bin"), checkType: CheckCRC32},
		{name: "empty stream", fixture: "empty.xz", want: nil, checkType: CheckCRC64},
	}
	chunking := []struct {
		inChunk int
		outSize int
	}{
		{inChunk: 1 << 20, outSize: 1 << 20},
		{inChunk: 1 << 20, outSize: 4096},
		{inChunk: 1 << 20, outSize: 7},
		{inChunk: 1, outSize: 4096},
		{inChunk: 13, outSize: 29},
	}
	for _, tc := range testCases {
		in := readTestdata(t, tc.fixture)
		for _, c := range chunking {
			t.Run(fmt.Sprintf("%s in=%d out=%d", tc.name, c.inChunk, c.outSize), func(t *testing.T) {
				d, err := NewDecoder(ModeDynAlloc, 1<<26)
				if err != nil {
					t.Fatalf("failed to create decoder: %v", err)
				}
				defer d.Close()
				got, st := decodeAll(t, d, in, c.inChunk, c.outSize)
				if st != StreamEnd {
					t.Fatalf("unexpected status %v", st)
				}
				if diff := cmp.Diff(tc.want, got, cmp.Comparer(bytesEqual)); diff != "" {
					t.Fatalf("unexpected output (-want +got):\n%s", diff)
				}
				if d.Header().CheckType != tc.checkType {
					t.Fatalf("check type %v, want %v", d.Header().CheckType, tc.checkType)
				}
			})
		}
	}
}

// bytesEqual treats nil and empty as equal and keeps diffs of large
// payloads short.
func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

func TestPrealloc(t *testing.T) {
	payload := readTestdata(t, "payload.bin")
	d, err := NewDecoder(ModePrealloc, 8<<20)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	got, st := decodeAll(t, d, readTestdata(t, "check-crc64.xz"), 1<<20, 4096)
	if st != StreamEnd {
		t.Fatalf("unexpected status %v", st)
	}
	if !bytesEqual(payload, got) {
		t.Fatalf("output mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReset(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	for i, stream := range []string{helloCRC32, helloNone, helloCRC64} {
		if i > 0 {
			d.Reset()
			if d.Header().CheckType != checkUnset {
				t.Fatalf("check type %v after reset", d.Header().CheckType)
			}
		}
		got, st := decodeAll(t, d, mustHex(t, stream), 1<<20, 4096)
		if st != StreamEnd || string(got) != "hello" {
			t.Fatalf("stream %d: got %q with status %v", i, got, st)
		}
	}
}

func TestUnsupportedCheck(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	out := make([]byte, 4096)
	b := &Buffer{In: mustHex(t, helloCheck2), Out: out}
	if st := d.Step(b); st != UnsupportedCheck {
		t.Fatalf("got %v, want %v", st, UnsupportedCheck)
	}
	if b.InPos != streamHeaderSize {
		t.Fatalf("consumed %d bytes, want the stream header only", b.InPos)
	}
	if st := d.Step(b); st != StreamEnd {
		t.Fatalf("decoding after UnsupportedCheck: got %v, want %v", st, StreamEnd)
	}
	if got := string(out[:b.OutPos]); got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestStepErrors(t *testing.T) {
	hello := mustHex(t, helloCRC32)
	corrupt := func(off int) []byte {
		b := append([]byte(nil), hello...)
		b[off] ^= 0x01
		return b
	}
	testCases := []struct {
		name    string
		in      []byte
		dictMax uint32
		mode    Mode
		want    Status
	}{
		{name: "garbage", in: []byte("this is definitely not an xz stream"), want: FormatError},
		{name: "bad magic", in: corrupt(0), want: FormatError},
		{name: "stream header crc", in: corrupt(8), want: DataError},
		{name: "stream flags", in: func() []byte {
			b := append([]byte(nil), hello...)
			b[6] = 0x01
			return b
		}(), want: DataError},
		{name: "block header crc", in: corrupt(14), want: DataError},
		{name: "compressed data", in: corrupt(27), want: DataError},
		{name: "block check", in: corrupt(36), want: DataError},
		{name: "index", in: corrupt(41), want: DataError},
		{name: "footer magic", in: corrupt(len(hello) - 1), want: DataError},
		{name: "dictionary over limit", in: readTestdata(t, "dict-128m.xz"), want: MemlimitError},
		{name: "dictionary over small limit", in: hello, dictMax: 1 << 20, want: MemlimitError},
		{name: "prealloc dictionary over limit", in: hello, dictMax: 4096, mode: ModePrealloc, want: MemlimitError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dictMax := tc.dictMax
			if dictMax == 0 {
				dictMax = 1 << 26
			}
			d, err := NewDecoder(tc.mode, dictMax)
			if err != nil {
				t.Fatalf("failed to create decoder: %v", err)
			}
			defer d.Close()
			_, st := decodeAll(t, d, tc.in, 1<<20, 4096)
			if st != tc.want {
				t.Fatalf("got %v, want %v", st, tc.want)
			}
		})
	}
}

func TestBufErrorAfterTwoStalledSteps(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	b := &Buffer{In: mustHex(t, helloCRC32)[:30], Out: make([]byte, 4096)}
	if st := d.Step(b); st != OK {
		t.Fatalf("first step: got %v, want OK", st)
	}
	if st := d.Step(b); st != OK {
		t.Fatalf("first stalled step: got %v, want OK", st)
	}
	if st := d.Step(b); st != BufError {
		t.Fatalf("second stalled step: got %v, want %v", st, BufError)
	}
}

func TestEveryPrefixIsIncomplete(t *testing.T) {
	hello := mustHex(t, helloCRC32)
	for n := 0; n < len(hello); n++ {
		d, err := NewDecoder(ModeDynAlloc, 1<<26)
		if err != nil {
			t.Fatalf("failed to create decoder: %v", err)
		}
		b := &Buffer{In: hello[:n], Out: make([]byte, 4096)}
		st := d.Step(b)
		d.Close()
		if st != OK {
			t.Fatalf("prefix %d: got %v, want OK", n, st)
		}
		if b.InPos != n {
			t.Fatalf("prefix %d: consumed %d bytes", n, b.InPos)
		}
	}
}

func TestClosedDecoder(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	d.Close()
	d.Close()
	if !d.Closed() {
		t.Fatal("decoder not closed")
	}
	b := &Buffer{In: mustHex(t, helloCRC32), Out: make([]byte, 16)}
	if st := d.Step(b); st != DataError {
		t.Fatalf("got %v, want %v", st, DataError)
	}
	if b.InPos != 0 || b.OutPos != 0 {
		t.Fatalf("closed decoder moved cursors to %d/%d", b.InPos, b.OutPos)
	}
}

func TestNewDecoderErrors(t *testing.T) {
	if _, err := NewDecoder(Mode(42), 1<<26); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("got %v, want %v", err, ErrUnsupportedMode)
	}
}

func TestStepPanicsOnBadCursor(t *testing.T) {
	d, err := NewDecoder(ModeDynAlloc, 1<<26)
	if err != nil {
		t.Fatalf("failed to create decoder: %v", err)
	}
	defer d.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	d.Step(&Buffer{In: []byte{1}, InPos: 2})
}

func TestStatusStrings(t *testing.T) {
	testCases := []struct {
		status Status
		name   string
	}{
		{status: OK, name: "OK"},
		{status: StreamEnd, name: "STREAM_END"},
		{status: MemlimitError, name: "MEMLIMIT_ERROR"},
		{status: BufError, name: "BUF_ERROR"},
		{status: Status(99), name: "Status(99)"},
	}
	for _, tc := range testCases {
		if got := tc.status.String(); got != tc.name {
			t.Errorf("got %q, want %q", got, tc.name)
		}
	}
	if got, want := DataError.Error(), "xz: compressed data is corrupt (DATA_ERROR)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := fmt.Sprintf("%v", FormatError), "xz: file format was not recognized (FORMAT_ERROR)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := Status(99).Error(), "xz: unknown status 99"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
