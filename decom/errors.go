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
	"errors"
	"fmt"

	"github.com/awslabs/xz-decom/engine"
)

// Kind is the class of a decompression failure. The set of kinds is closed.
type Kind int

const (
	// InitializationFailure means the decoder session could not be created.
	InitializationFailure Kind = iota + 1
	// InputExhausted means all input was consumed without the stream ending,
	// i.e. the input is truncated.
	InputExhausted
	// UnsupportedIntegrityCheck means the stream uses a check type the
	// decoder cannot verify.
	UnsupportedIntegrityCheck
	// AllocationFailure means the decoder could not allocate memory.
	AllocationFailure
	// DictionaryLimitExceeded means the stream needs a bigger dictionary
	// than allowed.
	DictionaryLimitExceeded
	// FormatNotRecognized means the input does not start with xz magic bytes.
	FormatNotRecognized
	// UnsupportedOptions means the headers ask for unsupported features.
	UnsupportedOptions
	// DataCorruption means the compressed data or an integrity check is bad.
	DataCorruption
	// NoProgress means the decoder could neither consume input nor produce
	// output.
	NoProgress
)

var kindNames = map[Kind]string{
	InitializationFailure:     "initialization failure",
	InputExhausted:            "input exhausted",
	UnsupportedIntegrityCheck: "unsupported integrity check",
	AllocationFailure:         "allocation failure",
	DictionaryLimitExceeded:   "dictionary limit exceeded",
	FormatNotRecognized:       "format not recognized",
	UnsupportedOptions:        "unsupported options",
	DataCorruption:            "data corruption",
	NoProgress:                "no progress",
}

// Summaries of the kinds that carry no cause.
var kindSummaries = map[Kind]string{
	InitializationFailure: "cannot create decoder",
	InputExhausted:        "reached end of input buffer",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Decompress for every failure.
//
// Cause is the raw engine.Status for failures reported by the decoder and
// nil for InitializationFailure and InputExhausted.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if s, ok := kindSummaries[e.Kind]; ok {
		return fmt.Sprintf("%s: %s", e.Kind, s)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err,
// ErrDataCorruption) holds whatever the cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is. They carry no cause.
var (
	ErrInitializationFailure     = &Error{Kind: InitializationFailure}
	ErrInputExhausted            = &Error{Kind: InputExhausted}
	ErrUnsupportedIntegrityCheck = &Error{Kind: UnsupportedIntegrityCheck}
	ErrAllocationFailure         = &Error{Kind: AllocationFailure}
	ErrDictionaryLimitExceeded   = &Error{Kind: DictionaryLimitExceeded}
	ErrFormatNotRecognized       = &Error{Kind: FormatNotRecognized}
	ErrUnsupportedOptions        = &Error{Kind: UnsupportedOptions}
	ErrDataCorruption            = &Error{Kind: DataCorruption}
	ErrNoProgress                = &Error{Kind: NoProgress}
)

// statusKinds maps every failure status of the engine to its kind.
var statusKinds = map[engine.Status]Kind{
	engine.UnsupportedCheck: UnsupportedIntegrityCheck,
	engine.MemError:         AllocationFailure,
	engine.MemlimitError:    DictionaryLimitExceeded,
	engine.FormatError:      FormatNotRecognized,
	engine.OptionsError:     UnsupportedOptions,
	engine.DataError:        DataCorruption,
	engine.BufError:         NoProgress,
}

// classify turns a failure status into an *Error carrying the status as
// its cause. Statuses outside the failure set are reported as corruption
// so that an unexpected code can never pass as success.
func classify(st engine.Status) *Error {
	k, ok := statusKinds[st]
	if !ok {
		k = DataCorruption
	}
	return &Error{Kind: k, Cause: st}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsTruncated reports whether err means the input ended early.
func IsTruncated(err error) bool {
	k, ok := KindOf(err)
	return ok && k == InputExhausted
}

// IsMalformed reports whether err means the input is not a valid stream
// this decoder can decode.
func IsMalformed(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case FormatNotRecognized, DataCorruption, UnsupportedOptions, UnsupportedIntegrityCheck, NoProgress:
		return true
	}
	return false
}

// IsResourceFailure reports whether err means decoding failed for lack of
// memory or decoder state rather than because of the input.
func IsResourceFailure(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case InitializationFailure, AllocationFailure, DictionaryLimitExceeded:
		return true
	}
	return false
}
