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
	"fmt"
	"time"

	"github.com/awslabs/xz-decom/cmd/xz-decom/internal"
	"github.com/containerd/log"
	"github.com/montanaflynn/stats"
	"github.com/urfave/cli/v3"
)

const runsFlag = "runs"

// BenchCommand decompresses one file repeatedly and reports latency
// statistics in milliseconds.
func BenchCommand() *cli.Command {
	return &cli.Command{
		Name:      "bench",
		Usage:     "measure decompression latency of a file",
		ArgsUsage: "[flags] <file.xz>",
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:  runsFlag,
				Usage: "number of timed runs; defaults to bench.runs of the config file",
			},
		}, internal.DecoderFlags()...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("exactly one file needs to be specified")
			}
			runs := internal.ConfigFrom(ctx).Bench.Runs
			if cmd.IsSet(runsFlag) {
				runs = cmd.Int(runsFlag)
			}
			if runs < 1 {
				return fmt.Errorf("--%s must be positive, got %d", runsFlag, runs)
			}
			name := cmd.Args().First()
			in, err := internal.ReadInput(cmd, name)
			if err != nil {
				return err
			}
			d, err := internal.NewDecompressor(ctx, cmd)
			if err != nil {
				return err
			}

			latencies := make(stats.Float64Data, 0, runs)
			var outSize int
			for i := 0; i < runs; i++ {
				start := time.Now()
				out, err := d.Decompress(ctx, in)
				internal.ObserveFile(cmd.Name, start, err)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				latencies = append(latencies, float64(time.Since(start).Microseconds())/1000)
				outSize = len(out)
			}
			r, err := summarize(latencies)
			if err != nil {
				return err
			}
			log.G(ctx).WithField("file", name).WithField("runs", runs).Debug("benchmark finished")
			fmt.Fprintf(cmd.Root().Writer, "file: %s\ncompressed: %d bytes\nuncompressed: %d bytes\nruns: %d\n", name, len(in), outSize, runs)
			fmt.Fprintf(cmd.Root().Writer, "mean: %.3f ms\nmedian: %.3f ms\np95: %.3f ms\nmin: %.3f ms\nmax: %.3f ms\nstddev: %.3f ms\n",
				r.mean, r.median, r.p95, r.min, r.max, r.stdDev)
			if r.mean > 0 {
				fmt.Fprintf(cmd.Root().Writer, "throughput: %.2f MiB/s\n", float64(outSize)/(1<<20)/(r.mean/1000))
			}
			return nil
		},
	}
}

type benchResult struct {
	mean, median, p95, min, max, stdDev float64
}

func summarize(latencies stats.Float64Data) (r benchResult, err error) {
	if r.mean, err = stats.Mean(latencies); err != nil {
		return r, err
	}
	if r.median, err = stats.Median(latencies); err != nil {
		return r, err
	}
	if r.p95, err = stats.Percentile(latencies, 95); err != nil {
		return r, err
	}
	if r.min, err = stats.Min(latencies); err != nil {
		return r, err
	}
	if r.max, err = stats.Max(latencies); err != nil {
		return r, err
	}
	if r.stdDev, err = stats.StandardDeviation(latencies); err != nil {
		return r, err
	}
	return r, nil
}
