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

	"github.com/containerd/errdefs"
)

// DefaultDictMax is the default dictionary ceiling, 64 MiB.
const DefaultDictMax uint32 = 1 << 26

type options struct {
	engine     Engine
	dictMax    uint32
	bufferSize int
	metrics    bool
}

// Option configures a Decompressor.
type Option func(*options)

// WithDictMax sets the largest LZMA2 dictionary a stream may use. Streams
// asking for more fail with DictionaryLimitExceeded.
func WithDictMax(n uint32) Option {
	return func(o *options) {
		o.dictMax = n
	}
}

// WithBufferSize sets the capacity of the transfer buffer. It changes how
// many steps a call takes, not its result.
func WithBufferSize(n int) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithEngine replaces the codec engine.
func WithEngine(e Engine) Option {
	return func(o *options) {
		o.engine = e
	}
}

// WithMetrics registers and records the prometheus metrics of
// metrics/common.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metrics = enabled
	}
}

func (o *options) validate() error {
	if o.engine == nil {
		return fmt.Errorf("engine must not be nil: %w", errdefs.ErrInvalidArgument)
	}
	if o.dictMax == 0 {
		return fmt.Errorf("dictionary limit must be positive: %w", errdefs.ErrInvalidArgument)
	}
	if o.bufferSize < 1 {
		return fmt.Errorf("buffer size %d must be at least 1: %w", o.bufferSize, errdefs.ErrInvalidArgument)
	}
	return nil
}
