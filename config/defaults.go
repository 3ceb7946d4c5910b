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

import "github.com/awslabs/xz-decom/decom"

// Config (root) defaults
const (
	defaultLogLevel = "info"
)

// Decoder defaults
const (
	defaultDictMax = decom.DefaultDictMax
)

// BenchConfig defaults
const (
	defaultBenchRuns = 10
)

// BatchConfig defaults
const (
	// defaultMaxConcurrency is the maximum number of files decompressed at once
	defaultMaxConcurrency = 4
)
