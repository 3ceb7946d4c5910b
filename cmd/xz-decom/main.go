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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/awslabs/xz-decom/cmd/xz-decom/commands"
	"github.com/awslabs/xz-decom/cmd/xz-decom/commands/global"
	"github.com/awslabs/xz-decom/cmd/xz-decom/internal"
	"github.com/containerd/log"
	"github.com/urfave/cli/v3"
)

// Set with -ldflags "-X main.version=..."
var version = "dev"

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "xz-decom",
		Usage:   "decompress .xz streams",
		Flags:   global.Flags(),
		Version: version,
		Commands: []*cli.Command{
			commands.DecompressCommand(),
			commands.InfoCommand(),
			commands.BenchCommand(),
		},
		Before: internal.Setup,
		After: func(ctx context.Context, cmd *cli.Command) error {
			if err := internal.Shutdown(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("failed to shut down cleanly")
			}
			return nil
		},
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	if err := newApp().Run(ctx, os.Args); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "xz-decom: %v\n", err)
		os.Exit(1)
	}
	cancel()
}
