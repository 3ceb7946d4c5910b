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
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/awslabs/xz-decom/cmd/xz-decom/internal"
	"github.com/containerd/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	outputFlag = "output"
	stdoutFlag = "stdout"
	forceFlag  = "force"

	xzSuffix = ".xz"
)

// DecompressCommand decompresses .xz files. Several files are decoded
// concurrently, up to the batch limit of the configuration.
func DecompressCommand() *cli.Command {
	return &cli.Command{
		Name:      "decompress",
		Aliases:   []string{"d"},
		Usage:     "decompress .xz files",
		ArgsUsage: "[flags] <file.xz>... (- or nothing reads standard input)",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    outputFlag,
				Aliases: []string{"o"},
				Usage:   "write the output of a single input to this file",
			},
			&cli.BoolFlag{
				Name:    stdoutFlag,
				Aliases: []string{"c"},
				Usage:   "write output to standard output, in argument order",
			},
			&cli.BoolFlag{
				Name:    forceFlag,
				Aliases: []string{"f"},
				Usage:   "overwrite existing output files",
			},
		}, internal.DecoderFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			inputs := cmd.Args().Slice()
			if len(inputs) == 0 {
				inputs = []string{internal.Stdin}
			}
			toStdout := cmd.Bool(stdoutFlag)
			output := cmd.String(outputFlag)
			if output != "" && (len(inputs) != 1 || toStdout) {
				return fmt.Errorf("--%s needs exactly one input and no --%s", outputFlag, stdoutFlag)
			}

			// An empty path sends that input to standard output.
			outPaths := make([]string, len(inputs))
			for i, in := range inputs {
				switch {
				case toStdout || (in == internal.Stdin && output == ""):
				case output != "":
					outPaths[i] = output
				default:
					p, err := outputPath(in)
					if err != nil {
						return err
					}
					outPaths[i] = p
				}
			}

			d, err := internal.NewDecompressor(ctx, cmd)
			if err != nil {
				return err
			}
			cfg := internal.ConfigFrom(ctx)

			var eg errgroup.Group
			eg.SetLimit(cfg.Batch.MaxConcurrency)
			results := make([][]byte, len(inputs))
			for i, in := range inputs {
				eg.Go(func() (err error) {
					start := time.Now()
					defer func() { internal.ObserveFile(cmd.Name, start, err) }()

					data, err := internal.ReadInput(cmd, in)
					if err != nil {
						return err
					}
					out, err := d.Decompress(log.WithLogger(ctx, log.G(ctx).WithField("file", in)), data)
					if err != nil {
						return fmt.Errorf("%s: %w", in, err)
					}
					if outPaths[i] == "" {
						results[i] = out
						return nil
					}
					return writeOutput(outPaths[i], out, cmd.Bool(forceFlag))
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}
			for i, out := range results {
				if outPaths[i] != "" {
					continue
				}
				if _, err := cmd.Root().Writer.Write(out); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func outputPath(in string) (string, error) {
	if !strings.HasSuffix(in, xzSuffix) || len(in) == len(xzSuffix) {
		return "", fmt.Errorf("%s: unknown suffix, expected %s (use --%s or --%s)", in, xzSuffix, outputFlag, stdoutFlag)
	}
	return strings.TrimSuffix(in, xzSuffix), nil
}

func writeOutput(path string, data []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s already exists (use --%s to overwrite): %w", path, forceFlag, err)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
