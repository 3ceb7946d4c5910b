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
	"github.com/awslabs/xz-decom/engine"
)

// Engine is the codec engine the driver runs on. The default is the
// engine package; tests substitute their own.
type Engine interface {
	// InitTables prepares process wide lookup tables. It must be safe to
	// call any number of times from any goroutine.
	InitTables()
	// NewDecoder creates a decoder for one stream.
	NewDecoder(mode engine.Mode, dictMax uint32) (Decoder, error)
}

// Decoder is one stream decoder created by an Engine.
type Decoder interface {
	// Step consumes some prefix of b.In[b.InPos:], produces some prefix of
	// b.Out[b.OutPos:] and reports how decoding went.
	Step(b *engine.Buffer) engine.Status
	// Close releases the decoder. It is called exactly once.
	Close()
}

type xzEngine struct{}

func (xzEngine) InitTables() {
	engine.InitTables()
}

func (xzEngine) NewDecoder(mode engine.Mode, dictMax uint32) (Decoder, error) {
	d, err := engine.NewDecoder(mode, dictMax)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// outcome is the result of one step as seen by the driver: exactly one of
// stepContinue, stepComplete or stepFailure.
type outcome interface {
	isOutcome()
}

// stepContinue means the decoder needs more input or output space.
type stepContinue struct{}

// stepComplete means the stream ended and its check matched.
type stepComplete struct{}

// stepFailure carries the raw status of a failed step.
type stepFailure struct {
	status engine.Status
}

func (stepContinue) isOutcome() {}
func (stepComplete) isOutcome() {}
func (stepFailure) isOutcome()  {}

func toOutcome(st engine.Status) outcome {
	switch st {
	case engine.OK:
		return stepContinue{}
	case engine.StreamEnd:
		return stepComplete{}
	default:
		return stepFailure{status: st}
	}
}

// session owns the decoder of one Decompress call.
type session struct {
	dec Decoder
	// done is set once a terminal outcome was seen; no step follows it.
	done  bool
	steps int
}

// newSession creates a decoder that allocates its dictionary when the
// block header says how big it must be, up to dictMax.
func newSession(e Engine, dictMax uint32) (*session, error) {
	dec, err := e.NewDecoder(engine.ModeDynAlloc, dictMax)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		return nil, ErrInitializationFailure
	}
	return &session{dec: dec}, nil
}

// step runs the decoder once. After a terminal outcome, or once the session
// is closed, it fails without touching the decoder.
func (s *session) step(b *engine.Buffer) outcome {
	if s.dec == nil || s.done {
		return stepFailure{status: engine.DataError}
	}
	s.steps++
	o := toOutcome(s.dec.Step(b))
	if _, ok := o.(stepContinue); !ok {
		s.done = true
	}
	return o
}

// Close releases the decoder. Later calls do nothing.
func (s *session) Close() {
	if s.dec == nil {
		return
	}
	s.dec.Close()
	s.dec = nil
}
