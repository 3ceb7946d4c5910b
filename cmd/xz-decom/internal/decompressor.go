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

package internal

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/awslabs/xz-decom/config"
	"github.com/awslabs/xz-decom/decom"
	"github.com/awslabs/xz-decom/engine"
	"github.com/urfave/cli/v3"
)

const (
	DictMaxFlag    = "dict-max"
	BufferSizeFlag = "buffer-size"

	// Stdin names standard input as a file argument.
	Stdin = "-"
)

// DecoderFlags tune the decompressor; unset flags fall back to the config file.
func DecoderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  DictMaxFlag,
			Usage: "largest LZMA2 dictionary to allow, e.g. 64MiB",
		},
		&cli.IntFlag{
			Name:  BufferSizeFlag,
			Usage: "size in bytes of the output transfer buffer",
		},
	}
}

// NewDecompressor builds a decompressor from the configuration in ctx and
// the decoder flags of cmd.
func NewDecompressor(ctx context.Context, cmd *cli.Command) (*decom.Decompressor, error) {
	opts := ConfigFrom(ctx).DecompressorOptions()
	if cmd.IsSet(DictMaxFlag) {
		n, err := config.ParseSize(cmd.String(DictMaxFlag))
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", DictMaxFlag, err)
		}
		opts = append(opts, decom.WithDictMax(n))
	}
	if cmd.IsSet(BufferSizeFlag) {
		opts = append(opts, decom.WithBufferSize(cmd.Int(BufferSizeFlag)))
	}
	return decom.New(opts...)
}

// ReadInput reads a whole file argument, or standard input for [Stdin].
func ReadInput(cmd *cli.Command, name string) ([]byte, error) {
	if name == Stdin {
		r := cmd.Root().Reader
		if r == nil {
			r = os.Stdin
		}
		return io.ReadAll(r)
	}
	return os.ReadFile(name)
}

// StreamCheck returns the integrity check named in the stream header of in,
// or "" when in does not start with a valid header.
func StreamCheck(in []byte) string {
	d, err := engine.NewDecoder(engine.ModeDynAlloc, decom.DefaultDictMax)
	if err != nil {
		return ""
	}
	defer d.Close()
	b := &engine.Buffer{In: in[:min(len(in), streamHeaderSize)], Out: nil}
	switch d.Step(b) {
	case engine.OK, engine.UnsupportedCheck:
		if b.InPos == streamHeaderSize {
			return d.Header().CheckType.String()
		}
	}
	return ""
}

const streamHeaderSize = 12
