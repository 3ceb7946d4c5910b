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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/xz-decom/decom"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	tests := []struct {
		name     string
		expected any
		actual   any
	}{
		{
			name:     "dict max",
			expected: uint32(decom.DefaultDictMax),
			actual:   cfg.DictMax,
		},
		{
			name:     "buffer size",
			expected: decom.DefaultBufferSize,
			actual:   cfg.BufferSize,
		},
		{
			name:     "log level",
			expected: defaultLogLevel,
			actual:   cfg.LogLevel,
		},
		{
			name:     "bench runs",
			expected: defaultBenchRuns,
			actual:   cfg.Bench.Runs,
		},
		{
			name:     "max concurrency",
			expected: defaultMaxConcurrency,
			actual:   cfg.Batch.MaxConcurrency,
		},
		{
			name:     "prometheus enabled",
			expected: false,
			actual:   cfg.NoPrometheus,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.expected != tc.actual {
				t.Fatalf("invalid default value. expected: %v. actual: %v", tc.expected, tc.actual)
			}
		})
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	return p
}

func TestNewConfigFromToml(t *testing.T) {
	p := writeConfig(t, `
dict_max = "8MiB"
buffer_size = 512
no_prometheus = true
metrics_address = "127.0.0.1:9090"
log_level = "debug"

[bench]
runs = 3

[batch]
max_concurrency = -1
`)
	cfg, err := NewConfigFromToml(p)
	require.NoError(t, err)
	require.Equal(t, uint32(8<<20), cfg.DictMax)
	require.Equal(t, 512, cfg.BufferSize)
	require.True(t, cfg.NoPrometheus)
	require.Equal(t, "127.0.0.1:9090", cfg.MetricsAddress)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3, cfg.Bench.Runs)
	require.Equal(t, -1, cfg.Batch.MaxConcurrency)
	require.Len(t, cfg.DecompressorOptions(), 3)

	_, err = decom.New(cfg.DecompressorOptions()...)
	require.NoError(t, err)
}

func TestNewConfigFromTomlPartial(t *testing.T) {
	cfg, err := NewConfigFromToml(writeConfig(t, `buffer_size = 1`))
	require.NoError(t, err)
	require.Equal(t, 1, cfg.BufferSize)
	require.Equal(t, uint32(defaultDictMax), cfg.DictMax)
	require.Equal(t, defaultBenchRuns, cfg.Bench.Runs)
}

func TestNewConfigFromTomlErrors(t *testing.T) {
	testCases := []struct {
		name       string
		content    string
		invalidArg bool
	}{
		{name: "bad dict size", content: `dict_max = "lots"`, invalidArg: true},
		{name: "dict size too big", content: `dict_max = "8GB"`, invalidArg: true},
		{name: "zero dict size", content: `dict_max = "0"`, invalidArg: true},
		{name: "negative buffer", content: `buffer_size = -1`, invalidArg: true},
		{name: "negative runs", content: "[bench]\nruns = -2", invalidArg: true},
		{name: "unknown key", content: `dictionary = 1`},
		{name: "not toml", content: `dict_max = `},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfigFromToml(writeConfig(t, tc.content))
			require.Error(t, err)
			if tc.invalidArg {
				require.True(t, errdefs.IsInvalidArgument(err), "got %v", err)
			}
		})
	}
}

func TestNewConfigFromTomlMissing(t *testing.T) {
	_, err := NewConfigFromToml(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseSize(t *testing.T) {
	testCases := []struct {
		in   string
		want uint32
	}{
		{in: "", want: defaultDictMax},
		{in: "4096", want: 4096},
		{in: "4096b", want: 4096},
		{in: "1kb", want: 1 << 10},
		{in: "1.5 MB", want: 3 << 19},
		{in: "64MiB", want: 1 << 26},
		{in: " 3gb ", want: 3 << 30},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSize(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
