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

package engine

import (
	"hash/crc32"
	"hash/crc64"
	"sync"
)

var (
	tablesOnce sync.Once
	crc32Table *crc32.Table
	crc64Table *crc64.Table
)

// InitTables builds the CRC32 (IEEE) and CRC64 (ECMA-182) lookup tables used by
// the stream and block integrity checks. The tables are process wide and built
// once; later calls are no-ops. The result does not depend on any input, so
// calling InitTables any number of times from any goroutine is safe.
func InitTables() {
	tablesOnce.Do(func() {
		crc32Table = crc32.MakeTable(crc32.IEEE)
		crc64Table = crc64.MakeTable(crc64.ECMA)
	})
}

// CRC32 updates crc with data using the xz CRC32 polynomial.
func CRC32(data []byte, crc uint32) uint32 {
	InitTables()
	return crc32.Update(crc, crc32Table, data)
}

// CRC64 updates crc with data using the xz CRC64 polynomial.
func CRC64(data []byte, crc uint64) uint64 {
	InitTables()
	return crc64.Update(crc, crc64Table, data)
}
