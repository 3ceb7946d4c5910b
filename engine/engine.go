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

// Package engine implements a bounded-step .xz stream decoder.
//
// The decoder never reads or writes outside the windows it is handed: every call
// to Step consumes some prefix of Buffer.In[InPos:] and produces some prefix of
// Buffer.Out[OutPos:], then reports a Status. Driving the decoder to completion,
// collecting output and releasing the decoder are the caller's job.
//
// The implementation follows XZ Embedded: LZMA2 is the only compression filter,
// optionally preceded by Delta and BCJ filters; CRC32, CRC64 and SHA-256
// integrity checks are verified and other check types are skipped.
package engine

import (
	"errors"
	"fmt"
)

// Status is the outcome of one decoder step.
type Status int

const (
	// OK means more input or more output space is needed to continue.
	OK Status = iota
	// StreamEnd means the stream was decoded completely and its integrity
	// check (if supported) matched.
	StreamEnd
	// UnsupportedCheck means the stream uses an integrity check type this
	// decoder cannot verify. Decoding may continue by stepping again, in which
	// case the check field is skipped.
	UnsupportedCheck
	// MemError means allocating decoder memory failed.
	MemError
	// MemlimitError means the stream needs a bigger LZMA2 dictionary than the
	// limit given to NewDecoder.
	MemlimitError
	// FormatError means the stream magic bytes were not recognized.
	FormatError
	// OptionsError means the headers are valid but ask for something this
	// decoder does not support.
	OptionsError
	// DataError means the compressed data is corrupt.
	DataError
	// BufError means two consecutive steps could neither consume input nor
	// produce output.
	BufError
)

var statusMessages = map[Status]string{
	OK:               "everything is ok so far",
	StreamEnd:        "operation finished successfully",
	UnsupportedCheck: "integrity check type is not supported",
	MemError:         "allocating memory failed",
	MemlimitError:    "a bigger LZMA2 dictionary is needed than allowed by the dictionary limit",
	FormatError:      "file format was not recognized",
	OptionsError:     "compression options are not supported",
	DataError:        "compressed data is corrupt",
	BufError:         "cannot make any progress",
}

var statusNames = map[Status]string{
	OK:               "OK",
	StreamEnd:        "STREAM_END",
	UnsupportedCheck: "UNSUPPORTED_CHECK",
	MemError:         "MEM_ERROR",
	MemlimitError:    "MEMLIMIT_ERROR",
	FormatError:      "FORMAT_ERROR",
	OptionsError:     "OPTIONS_ERROR",
	DataError:        "DATA_ERROR",
	BufError:         "BUF_ERROR",
}

// String returns the short status name, e.g. "DATA_ERROR".
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error implements error so that a raw status can be carried as the cause of
// a higher level error.
func (s Status) Error() string {
	if m, ok := statusMessages[s]; ok {
		return fmt.Sprintf("xz: %s (%s)", m, s.String())
	}
	return fmt.Sprintf("xz: unknown status %d", int(s))
}

// Mode selects how the decoder allocates its dictionary.
type Mode int

const (
	// ModeDynAlloc allocates the dictionary once the block header has been
	// parsed, sized to what the stream asks for but never more than dictMax.
	ModeDynAlloc Mode = iota
	// ModePrealloc allocates a dictMax sized dictionary in NewDecoder.
	ModePrealloc
)

func (m Mode) String() string {
	switch m {
	case ModeDynAlloc:
		return "dynalloc"
	case ModePrealloc:
		return "prealloc"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var (
	// ErrUnsupportedMode is returned by NewDecoder for an unknown Mode.
	ErrUnsupportedMode = errors.New("unsupported decoder mode")
	// ErrAllocation is returned by NewDecoder when the preallocated
	// dictionary cannot be allocated.
	ErrAllocation = errors.New("cannot allocate decoder state")
)

// Buffer holds the input and output windows of one step.
//
// Only Out[OutPos:] and the two cursors are modified by Step. The cursors
// never decrease and never exceed the length of their slice.
type Buffer struct {
	In     []byte
	InPos  int
	Out    []byte
	OutPos int
}

func (b *Buffer) valid() bool {
	return b.InPos >= 0 && b.InPos <= len(b.In) &&
		b.OutPos >= 0 && b.OutPos <= len(b.Out)
}

// CheckID is the type of the integrity check of a stream.
type CheckID int

const (
	CheckNone   CheckID = 0x00
	CheckCRC32  CheckID = 0x01
	CheckCRC64  CheckID = 0x04
	CheckSHA256 CheckID = 0x0A
	checkMax    CheckID = 0x0F
	checkUnset  CheckID = -1
)

func (id CheckID) String() string {
	switch id {
	case CheckNone:
		return "None"
	case CheckCRC32:
		return "CRC32"
	case CheckCRC64:
		return "CRC64"
	case CheckSHA256:
		return "SHA256"
	case checkUnset:
		return "Unset"
	default:
		return fmt.Sprintf("Unknown(%d)", int(id))
	}
}

// Header holds what the decoder learned from the stream header.
type Header struct {
	CheckType CheckID
}

// Decoder is the state of one stream decode. It is not safe for concurrent use.
type Decoder struct {
	s *streamDecoder
}

// NewDecoder allocates a decoder. dictMax is the largest LZMA2 dictionary
// the decoder may use; LZMA2 dictionaries are 2^n or 2^n + 2^(n-1) bytes so
// other values only round the limit down.
//
// NewDecoder calls InitTables, so the checksum tables are ready by the time
// the decoder is stepped.
func NewDecoder(mode Mode, dictMax uint32) (*Decoder, error) {
	InitTables()
	d := &Decoder{}
	switch mode {
	case ModeDynAlloc:
		d.s = newStreamDecoder(dictMax, nil)
	case ModePrealloc:
		dict, err := allocDict(dictMax)
		if err != nil {
			return nil, err
		}
		d.s = newStreamDecoder(dictMax, dict)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedMode, mode)
	}
	return d, nil
}

// Step runs the decoder over b until it needs more input, runs out of output
// space, finishes the stream or hits an error.
//
// Step panics if the cursors of b are out of range.
func (d *Decoder) Step(b *Buffer) Status {
	if !b.valid() {
		panic(fmt.Sprintf("engine: buffer cursors out of range: in %d/%d out %d/%d",
			b.InPos, len(b.In), b.OutPos, len(b.Out)))
	}
	if d.s == nil {
		return DataError
	}
	return d.s.run(b)
}

// Reset prepares the decoder for a new stream without releasing its memory.
func (d *Decoder) Reset() {
	if d.s != nil {
		d.s.reset()
	}
}

// Header returns the stream header fields decoded so far.
func (d *Decoder) Header() Header {
	if d.s == nil {
		return Header{CheckType: checkUnset}
	}
	return d.s.header
}

// Close releases the dictionary and filter state. Steps after Close return
// DataError.
func (d *Decoder) Close() {
	d.s = nil
}

// Closed reports whether Close has been called.
func (d *Decoder) Closed() bool {
	return d.s == nil
}

// allocDict returns a dictionary buffer of size bytes. Sizes the runtime
// refuses to allocate are reported as ErrAllocation instead of a panic.
func allocDict(size uint32) (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf, err = nil, fmt.Errorf("%w: %d byte dictionary: %v", ErrAllocation, size, r)
		}
	}()
	if uint64(size) > uint64(maxInt) {
		return nil, fmt.Errorf("%w: %d byte dictionary exceeds address space", ErrAllocation, size)
	}
	return make([]byte, size), nil
}

const maxInt = int(^uint(0) >> 1)
