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

// Package decom decompresses complete .xz streams held in memory.
//
// A call drives the codec engine step by step through a fixed size transfer
// buffer, collects the output and returns it whole, or returns an *Error
// whose Kind says why decoding failed. Partial output is never returned.
// The decoder of a call is released exactly once before the call returns,
// whatever the outcome.
package decom

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/awslabs/xz-decom/engine"
	commonmetrics "github.com/awslabs/xz-decom/metrics/common"
	"github.com/awslabs/xz-decom/tracing"
)

// Decompressor decompresses whole streams with a fixed configuration. It is
// immutable and safe for concurrent use; every call gets its own decoder
// and transfer buffer.
type Decompressor struct {
	engine     Engine
	dictMax    uint32
	bufferSize int
	metrics    bool
}

var defaultDecompressor = &Decompressor{
	engine:     xzEngine{},
	dictMax:    DefaultDictMax,
	bufferSize: DefaultBufferSize,
}

// New returns a Decompressor. Invalid options wrap
// errdefs.ErrInvalidArgument.
func New(opts ...Option) (*Decompressor, error) {
	o := options{
		engine:     xzEngine{},
		dictMax:    DefaultDictMax,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.metrics {
		commonmetrics.Register()
	}
	return &Decompressor{
		engine:     o.engine,
		dictMax:    o.dictMax,
		bufferSize: o.bufferSize,
		metrics:    o.metrics,
	}, nil
}

// Decompress decodes in with the default dictionary limit and buffer size.
func Decompress(in []byte) ([]byte, error) {
	return defaultDecompressor.Decompress(context.Background(), in)
}

// Decompress decodes the single stream in. ctx only carries the logger and
// trace span; decoding is not cancellable.
func (d *Decompressor) Decompress(ctx context.Context, in []byte) ([]byte, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "decom.Decompress", attribute.Int("xz.in_bytes", len(in)))
	defer span.End()
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("call", xid.New().String()))

	out, steps, err := d.decompress(ctx, in)

	span.SetAttributes(attribute.Int("xz.steps", steps))
	if d.metrics {
		commonmetrics.IncOperationCount(commonmetrics.Decompress)
		commonmetrics.MeasureLatencyInMilliseconds(commonmetrics.Decompress, start)
		commonmetrics.ObserveSteps(commonmetrics.Decompress, steps)
		commonmetrics.AddBytesCount(commonmetrics.Decompress, commonmetrics.BytesIn, int64(len(in)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if d.metrics {
			k, _ := KindOf(err)
			commonmetrics.IncOperationFailureCount(commonmetrics.Decompress, k.String())
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int("xz.out_bytes", len(out)))
	if d.metrics {
		commonmetrics.AddBytesCount(commonmetrics.Decompress, commonmetrics.BytesOut, int64(len(out)))
	}
	log.G(ctx).WithField("in_bytes", len(in)).
		WithField("out_bytes", len(out)).
		WithField("steps", steps).
		WithField("duration", time.Since(start)).
		Debug("decompressed stream")
	return out, nil
}

// decompress is the step loop. It returns the number of steps taken along
// with the result.
func (d *Decompressor) decompress(ctx context.Context, in []byte) ([]byte, int, error) {
	d.engine.InitTables()
	s, err := newSession(d.engine, d.dictMax)
	if err != nil {
		log.G(ctx).WithError(err).Debug("failed to create decoder session")
		return nil, 0, &Error{Kind: InitializationFailure}
	}
	defer s.Close()
	log.G(ctx).WithField("dict_max", d.dictMax).
		WithField("buffer_size", d.bufferSize).
		Debug("created decoder session")

	tb := newTransferBuffer(in, d.bufferSize)
	fail := func(e *Error) ([]byte, int, error) {
		log.G(ctx).WithError(e).
			WithField("kind", e.Kind.String()).
			WithField("in_pos", tb.InPos).
			WithField("steps", s.steps).
			Debug("decompression failed")
		return nil, s.steps, e
	}

	var out []byte
	for {
		o := s.step(&tb.Buffer)
		if err := tb.validate(); err != nil {
			// The window cannot be trusted, so nothing is drained.
			log.G(ctx).WithError(err).Warn("decoder left buffer cursors out of range")
			return fail(classify(engine.DataError))
		}
		switch o := o.(type) {
		case stepContinue:
			out = tb.drain(out)
			if tb.inputExhausted() {
				return fail(&Error{Kind: InputExhausted})
			}
		case stepComplete:
			out = tb.drain(out)
			if out == nil {
				out = []byte{}
			}
			return out, s.steps, nil
		case stepFailure:
			return fail(classify(o.status))
		}
	}
}
