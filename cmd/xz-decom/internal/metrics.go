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
	"sync"
	"time"

	metrics "github.com/docker/go-metrics"
)

const (
	resultOK     = "ok"
	resultFailed = "failed"
)

var (
	registerOnce sync.Once

	ns           = metrics.NewNamespace("xz", "cli", nil)
	filesCounter = ns.NewLabeledCounter("files", "The number of files processed by the CLI", "command", "result")
	fileTimer    = ns.NewLabeledTimer("file", "Time spent on a single file", "command")
)

// registerMetrics adds the CLI metrics to the registry served by
// metrics.Handler. It is called only when the endpoint is enabled.
func registerMetrics() {
	registerOnce.Do(func() {
		metrics.Register(ns)
	})
}

// ObserveFile records that command finished processing one file.
func ObserveFile(command string, start time.Time, err error) {
	result := resultOK
	if err != nil {
		result = resultFailed
	}
	filesCounter.WithValues(command, result).Inc()
	fileTimer.WithValues(command).UpdateSince(start)
}
