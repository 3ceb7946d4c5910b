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

// deltaDecoder undoes the Delta filter: every output byte is the sum of the
// decoded byte and the output byte distance positions earlier.
type deltaDecoder struct {
	distance int
	pos      byte
	history  [256]byte
}

// reset takes the distance (1-256).
func (s *deltaDecoder) reset(distance int) Status {
	if distance < 1 || distance > 256 {
		return OptionsError
	}
	s.distance = distance
	s.pos = 0
	clear(s.history[:])
	return OK
}

func (s *deltaDecoder) run(b *Buffer, next chainFunc) Status {
	outStart := b.OutPos
	ret := next(b)
	for i := outStart; i < b.OutPos; i++ {
		b.Out[i] += s.history[byte(s.distance+int(s.pos))]
		s.history[s.pos] = b.Out[i]
		s.pos--
	}
	return ret
}
