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
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/awslabs/xz-decom/engine"
	"github.com/awslabs/xz-decom/util/testutil"
)

// scriptedEngine hands out scriptedDecoders that replay a list of statuses.
type scriptedEngine struct {
	newErr     error
	breakOut   bool
	statuses   []engine.Status
	consume    int
	produce    int
	initCalls  int
	gotMode    engine.Mode
	gotDictMax uint32
	decoders   []*scriptedDecoder
}

func (e *scriptedEngine) InitTables() {
	e.initCalls++
}

func (e *scriptedEngine) NewDecoder(mode engine.Mode, dictMax uint32) (Decoder, error) {
	e.gotMode = mode
	e.gotDictMax = dictMax
	if e.newErr != nil {
		return nil, e.newErr
	}
	d := &scriptedDecoder{statuses: e.statuses, consume: e.consume, produce: e.produce, breakOut: e.breakOut}
	e.decoders = append(e.decoders, d)
	return d, nil
}

// scriptedDecoder consumes and produces a fixed number of bytes per step
// and returns the next scripted status. The last status repeats.
type scriptedDecoder struct {
	statuses []engine.Status
	consume  int
	produce  int
	breakOut bool
	steps    int
	closes   int
}

func (d *scriptedDecoder) Step(b *engine.Buffer) engine.Status {
	if d.closes > 0 {
		panic("step after close")
	}
	n := min(d.consume, len(b.In)-b.InPos)
	b.InPos += n
	for i := 0; i < d.produce && b.OutPos < len(b.Out); i++ {
		b.Out[b.OutPos] = 'x'
		b.OutPos++
	}
	if d.breakOut {
		b.OutPos = len(b.Out) + 1
	}
	st := d.statuses[min(d.steps, len(d.statuses)-1)]
	d.steps++
	return st
}

func (d *scriptedDecoder) Close() {
	d.closes++
}

// countingEngine wraps the real engine and records what its decoders do.
type countingEngine struct {
	decoders []*countingDecoder
}

func (e *countingEngine) InitTables() {
	engine.InitTables()
}

func (e *countingEngine) NewDecoder(mode engine.Mode, dictMax uint32) (Decoder, error) {
	d, err := xzEngine{}.NewDecoder(mode, dictMax)
	if err != nil {
		return nil, err
	}
	cd := &countingDecoder{Decoder: d}
	e.decoders = append(e.decoders, cd)
	return cd, nil
}

type countingDecoder struct {
	Decoder
	statuses []engine.Status
	closes   int
}

func (d *countingDecoder) Step(b *engine.Buffer) engine.Status {
	st := d.Decoder.Step(b)
	d.statuses = append(d.statuses, st)
	return st
}

func (d *countingDecoder) Close() {
	d.closes++
	d.Decoder.Close()
}

func (d *countingDecoder) count(st engine.Status) int {
	var n int
	for _, s := range d.statuses {
		if s == st {
			n++
		}
	}
	return n
}

func TestSessionDestroyedOnce(t *testing.T) {
	hello := testutil.MustHex(t, testutil.HelloXZ)
	testCases := []struct {
		name     string
		in       []byte
		wantErr  error
		wantKind Kind
	}{
		{name: "success", in: hello},
		{name: "truncated input", in: hello[:len(hello)-1], wantErr: ErrInputExhausted, wantKind: InputExhausted},
		{name: "empty input", in: nil, wantErr: ErrInputExhausted, wantKind: InputExhausted},
		{name: "engine failure", in: []byte("not an xz stream at all"), wantErr: ErrFormatNotRecognized, wantKind: FormatNotRecognized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e := &countingEngine{}
			d, err := New(WithEngine(e))
			if err != nil {
				t.Fatalf("failed to create decompressor: %v", err)
			}
			_, err = d.Decompress(context.Background(), tc.in)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("got error %v, want %v", err, tc.wantErr)
			}
			if k, _ := KindOf(err); tc.wantErr != nil && k != tc.wantKind {
				t.Fatalf("got kind %v, want %v", k, tc.wantKind)
			}
			if len(e.decoders) != 1 {
				t.Fatalf("created %d decoders, want 1", len(e.decoders))
			}
			if closes := e.decoders[0].closes; closes != 1 {
				t.Fatalf("decoder closed %d times, want 1", closes)
			}
		})
	}
}

func TestScriptedEngineFailures(t *testing.T) {
	testCases := []struct {
		status engine.Status
		kind   Kind
	}{
		{status: engine.UnsupportedCheck, kind: UnsupportedIntegrityCheck},
		{status: engine.MemError, kind: AllocationFailure},
		{status: engine.MemlimitError, kind: DictionaryLimitExceeded},
		{status: engine.FormatError, kind: FormatNotRecognized},
		{status: engine.OptionsError, kind: UnsupportedOptions},
		{status: engine.DataError, kind: DataCorruption},
		{status: engine.BufError, kind: NoProgress},
		{status: engine.Status(1234), kind: DataCorruption},
	}
	for _, tc := range testCases {
		t.Run(tc.status.String(), func(t *testing.T) {
			e := &scriptedEngine{
				statuses: []engine.Status{engine.OK, engine.OK, tc.status},
				consume:  1,
				produce:  3,
			}
			d, err := New(WithEngine(e), WithDictMax(1<<20))
			if err != nil {
				t.Fatalf("failed to create decompressor: %v", err)
			}
			out, err := d.Decompress(context.Background(), make([]byte, 10))
			if out != nil {
				t.Fatalf("got output %q on failure", out)
			}
			var xerr *Error
			if !errors.As(err, &xerr) {
				t.Fatalf("got %T (%v), want *Error", err, err)
			}
			if xerr.Kind != tc.kind {
				t.Fatalf("got kind %v, want %v", xerr.Kind, tc.kind)
			}
			if xerr.Cause != tc.status {
				t.Fatalf("got cause %v, want %v", xerr.Cause, tc.status)
			}
			if !errors.Is(err, tc.status) {
				t.Fatalf("errors.Is(err, %v) is false", tc.status)
			}
			if e.initCalls != 1 {
				t.Fatalf("InitTables called %d times, want 1", e.initCalls)
			}
			if e.gotMode != engine.ModeDynAlloc || e.gotDictMax != 1<<20 {
				t.Fatalf("decoder created with mode %v dictMax %d", e.gotMode, e.gotDictMax)
			}
			dec := e.decoders[0]
			if dec.steps != 3 {
				t.Fatalf("stepped %d times, want 3", dec.steps)
			}
			if dec.closes != 1 {
				t.Fatalf("decoder closed %d times, want 1", dec.closes)
			}
		})
	}
}

func TestScriptedEngineInitFailure(t *testing.T) {
	cause := errors.New("no memory for you")
	e := &scriptedEngine{newErr: cause}
	d, err := New(WithEngine(e))
	if err != nil {
		t.Fatalf("failed to create decompressor: %v", err)
	}
	_, err = d.Decompress(context.Background(), testutil.MustHex(t, testutil.HelloXZ))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("got %T (%v), want *Error", err, err)
	}
	if xerr.Kind != InitializationFailure || xerr.Cause != nil {
		t.Fatalf("got kind %v cause %v, want %v without cause", xerr.Kind, xerr.Cause, InitializationFailure)
	}
	if len(e.decoders) != 0 {
		t.Fatalf("created %d decoders", len(e.decoders))
	}
}

func TestScriptedEngineExhaustedInput(t *testing.T) {
	// The decoder keeps asking for input after consuming all of it.
	e := &scriptedEngine{statuses: []engine.Status{engine.OK}, consume: 4, produce: 1}
	d, err := New(WithEngine(e), WithBufferSize(2))
	if err != nil {
		t.Fatalf("failed to create decompressor: %v", err)
	}
	_, err = d.Decompress(context.Background(), make([]byte, 10))
	if !errors.Is(err, ErrInputExhausted) {
		t.Fatalf("got %v, want %v", err, ErrInputExhausted)
	}
	if errors.Unwrap(err) != nil {
		t.Fatalf("input exhausted carries cause %v", errors.Unwrap(err))
	}
	dec := e.decoders[0]
	// 4 + 4 + 2 bytes
	if dec.steps != 3 {
		t.Fatalf("stepped %d times, want 3", dec.steps)
	}
	if dec.closes != 1 {
		t.Fatalf("decoder closed %d times, want 1", dec.closes)
	}
}

func TestScriptedEngineOutputAccumulates(t *testing.T) {
	e := &scriptedEngine{
		statuses: []engine.Status{engine.OK, engine.OK, engine.OK, engine.StreamEnd},
		consume:  1,
		produce:  3,
	}
	d, err := New(WithEngine(e), WithBufferSize(2))
	if err != nil {
		t.Fatalf("failed to create decompressor: %v", err)
	}
	out, err := d.Decompress(context.Background(), make([]byte, 10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Each step fills the 2 byte buffer.
	if diff := cmp.Diff([]byte("xxxxxxxx"), out); diff != "" {
		t.Fatalf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestHelloSmallBufferNeedsSeveralContinues(t *testing.T) {
	e := &countingEngine{}
	d, err := New(WithEngine(e), WithBufferSize(2))
	if err != nil {
		t.Fatalf("failed to create decompressor: %v", err)
	}
	out, err := d.Decompress(context.Background(), testutil.MustHex(t, testutil.HelloXZ))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("got %q, want %q", out, "hello")
	}
	dec := e.decoders[0]
	if n := dec.count(engine.OK); n < 2 {
		t.Fatalf("got %d continue steps, want at least 2", n)
	}
	if n := dec.count(engine.StreamEnd); n != 1 {
		t.Fatalf("got %d complete steps, want 1", n)
	}
}

func TestSessionStepAfterTerminal(t *testing.T) {
	e := &scriptedEngine{statuses: []engine.Status{engine.StreamEnd}}
	s, err := newSession(e, DefaultDictMax)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	b := &engine.Buffer{}
	if _, ok := s.step(b).(stepComplete); !ok {
		t.Fatal("first step did not complete")
	}
	o, ok := s.step(b).(stepFailure)
	if !ok || o.status != engine.DataError {
		t.Fatalf("step after completion returned %#v", o)
	}
	s.Close()
	s.Close()
	if _, ok := s.step(b).(stepFailure); !ok {
		t.Fatal("step after close did not fail")
	}
	dec := e.decoders[0]
	if dec.steps != 1 || dec.closes != 1 {
		t.Fatalf("decoder stepped %d times and closed %d times", dec.steps, dec.closes)
	}
}

func TestToOutcome(t *testing.T) {
	testCases := []struct {
		status engine.Status
		want   outcome
	}{
		{status: engine.OK, want: stepContinue{}},
		{status: engine.StreamEnd, want: stepComplete{}},
		{status: engine.DataError, want: stepFailure{status: engine.DataError}},
		{status: engine.UnsupportedCheck, want: stepFailure{status: engine.UnsupportedCheck}},
	}
	for _, tc := range testCases {
		if got := toOutcome(tc.status); got != tc.want {
			t.Errorf("%v: got %#v, want %#v", tc.status, got, tc.want)
		}
	}
}

func TestTransferBuffer(t *testing.T) {
	tb := newTransferBuffer([]byte("abc"), 4)
	if err := tb.validate(); err != nil {
		t.Fatalf("fresh buffer invalid: %v", err)
	}
	copy(tb.Out, "wxyz")
	tb.OutPos = 3
	acc := tb.drain([]byte("pre-"))
	if string(acc) != "pre-wxy" {
		t.Fatalf("got %q", acc)
	}
	if tb.OutPos != 0 {
		t.Fatalf("cursor not reset: %d", tb.OutPos)
	}
	if tb.inputExhausted() {
		t.Fatal("input exhausted before any step")
	}
	tb.InPos = 3
	if !tb.inputExhausted() {
		t.Fatal("input not exhausted at end")
	}
	tb.OutPos = 5
	if err := tb.validate(); err == nil {
		t.Fatal("out of range cursor passed validation")
	}
}

func TestScriptedEngineBreaksCursors(t *testing.T) {
	for _, st := range []engine.Status{engine.OK, engine.StreamEnd} {
		t.Run(st.String(), func(t *testing.T) {
			e := &scriptedEngine{statuses: []engine.Status{st}, consume: 1, produce: 1, breakOut: true}
			d, err := New(WithEngine(e))
			if err != nil {
				t.Fatalf("failed to create decompressor: %v", err)
			}
			out, err := d.Decompress(context.Background(), []byte("abcdef"))
			if out != nil {
				t.Fatalf("got output %q from a broken decoder", out)
			}
			if !errors.Is(err, ErrDataCorruption) || !errors.Is(err, engine.DataError) {
				t.Fatalf("got %v, want data corruption caused by %v", err, engine.DataError)
			}
			if len(e.decoders) != 1 || e.decoders[0].closes != 1 {
				t.Fatalf("decoder not closed exactly once")
			}
			if e.decoders[0].steps != 1 {
				t.Fatalf("decoder stepped %d times after breaking its buffer", e.decoders[0].steps)
			}
		})
	}
}
