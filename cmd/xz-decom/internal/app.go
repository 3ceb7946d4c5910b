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
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/awslabs/xz-decom/cmd/xz-decom/commands/global"
	"github.com/awslabs/xz-decom/config"
	"github.com/awslabs/xz-decom/tracing"
	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

type configKey struct{}

// Setup loads the configuration named by the global flags, configures the
// logger and starts the metrics endpoint and tracer. The returned context
// carries the logger and the configuration. Shutdown must be called once the
// command has finished.
//
// All commands get their configuration through [ConfigFrom], so Setup must
// run as the root command's Before hook.
func Setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := config.NewConfigFromToml(cmd.String(global.ConfigFlag))
	if err != nil {
		return ctx, err
	}
	if cmd.IsSet(global.LogLevelFlag) {
		cfg.LogLevel = cmd.String(global.LogLevelFlag)
	}
	if cmd.IsSet(global.MetricsAddressFlag) {
		cfg.MetricsAddress = cmd.String(global.MetricsAddressFlag)
	}

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return ctx, fmt.Errorf("failed to prepare logger: %w", err)
	}
	logrus.SetLevel(lvl)
	if w := cmd.Root().ErrWriter; w != nil {
		logrus.SetOutput(w)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: log.RFC3339NanoFixed,
	})
	ctx = log.WithLogger(ctx, log.L)
	ctx = context.WithValue(ctx, configKey{}, cfg)

	shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	cleanup := []func(context.Context) error{shutdownTracing}

	// We need to consider both the existence of MetricsAddress as well as NoPrometheus flag not set
	if cfg.MetricsAddress != "" && !cfg.NoPrometheus {
		l, err := net.Listen("tcp", cfg.MetricsAddress)
		if err != nil {
			return ctx, fmt.Errorf("failed to get listener for metrics endpoint: %w", err)
		}
		registerMetrics()
		m := http.NewServeMux()
		m.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Handler: m}
		go func() {
			if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.G(ctx).WithError(err).Errorf("error on serving metrics on %q", cfg.MetricsAddress)
			}
		}()
		log.G(ctx).Infof("listen %q for metrics", l.Addr())
		cleanup = append(cleanup, srv.Shutdown)
	}
	shutdowns = cleanup
	return ctx, nil
}

var shutdowns []func(context.Context) error

// Shutdown stops what Setup started.
func Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, shutdowns[i](ctx))
	}
	shutdowns = nil
	return errors.Join(errs...)
}

// ConfigFrom returns the configuration loaded by Setup, or the defaults when
// Setup did not run.
func ConfigFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.NewConfig()
}
