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

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/awslabs/xz-decom/cmd/xz-decom/internal"
	"github.com/awslabs/xz-decom/decom"
	"github.com/opencontainers/go-digest"
	"github.com/urfave/cli/v3"
)

// StreamInfo is what the info command prints for each file.
type StreamInfo struct {
	File             string        `json:"file"`
	CompressedSize   int           `json:"compressed_size"`
	UncompressedSize int           `json:"uncompressed_size"`
	Check            string        `json:"check,omitempty"`
	Digest           digest.Digest `json:"digest,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorKind        string        `json:"error_kind,omitempty"`
}

// InfoCommand decompresses files in memory and prints a JSON description of
// each one. It fails if any file could not be decoded.
func InfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "describe .xz files",
		ArgsUsage: "[flags] <file.xz>...",
		Flags:     internal.DecoderFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return fmt.Errorf("at least one file needs to be specified")
			}
			d, err := internal.NewDecompressor(ctx, cmd)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.Root().Writer)
			enc.SetIndent("", "  ")
			failed := 0
			for _, name := range cmd.Args().Slice() {
				start := time.Now()
				in, err := internal.ReadInput(cmd, name)
				if err != nil {
					internal.ObserveFile(cmd.Name, start, err)
					return err
				}
				info := describe(ctx, d, name, in)
				if info.Error != "" {
					failed++
					err = fmt.Errorf("%s", info.Error)
				}
				internal.ObserveFile(cmd.Name, start, err)
				if err := enc.Encode(info); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be decoded", failed, cmd.NArg())
			}
			return nil
		},
	}
}

func describe(ctx context.Context, d *decom.Decompressor, name string, in []byte) StreamInfo {
	info := StreamInfo{
		File:           name,
		CompressedSize: len(in),
		Check:          internal.StreamCheck(in),
	}
	out, err := d.Decompress(ctx, in)
	if err != nil {
		info.Error = err.Error()
		if k, ok := decom.KindOf(err); ok {
			info.ErrorKind = k.String()
		}
		return info
	}
	info.UncompressedSize = len(out)
	info.Digest = digest.SHA256.FromBytes(out)
	return info
}
