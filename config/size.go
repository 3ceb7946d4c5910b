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
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

var (
	sizeRegex = regexp.MustCompile(`(?i)^\s*(\d+(\.\d+)?)(\s*(gib|mib|kib|gb|mb|kb|b)?)?\s*$`)

	unitMultipliers = map[string]float64{
		"":    1, // no unit specified, treat as bytes
		"b":   1,
		"kb":  1024,
		"kib": 1024,
		"mb":  1024 * 1024,
		"mib": 1024 * 1024,
		"gb":  1024 * 1024 * 1024,
		"gib": 1024 * 1024 * 1024,
	}
)

// ParseSize parses a dictionary size such as "64MB". The empty string
// selects the default. Sizes must fit the 32-bit dictionary limit.
func ParseSize(sizeStr string) (uint32, error) {
	if sizeStr == "" {
		return defaultDictMax, nil
	}

	matches := sizeRegex.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format %q: %w", sizeStr, errdefs.ErrInvalidArgument)
	}

	numStr, unitStr := matches[1], strings.ToLower(strings.TrimSpace(matches[4]))
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size number: %w", err)
	}

	multiplier, ok := unitMultipliers[unitStr]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q: %w", unitStr, errdefs.ErrInvalidArgument)
	}

	size := num * multiplier
	if size < 1 || size > math.MaxUint32 {
		return 0, fmt.Errorf("size %q out of range: %w", sizeStr, errdefs.ErrInvalidArgument)
	}
	return uint32(size), nil
}
