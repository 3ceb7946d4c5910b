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

import "encoding/binary"

// bcjDecoder converts the absolute branch addresses written by a BCJ
// encoder back to the relative addresses of the original machine code.
//
// The filter needs to look a few bytes ahead, so up to 16 bytes of
// unfiltered output are held back in temp until more data arrives or the
// block ends. The last bytes of a block are left unfiltered.
type bcjDecoder struct {
	id filterID
	// ret is the last status of the next filter in the chain.
	ret Status
	// pos is the uncompressed offset of the next byte to filter.
	pos         uint32
	x86PrevMask uint32

	temp [16]byte
	// tempFiltered is how many leading bytes of temp are ready to be
	// flushed to the caller.
	tempFiltered int
	tempSize     int
}

// bcjAlignment is the instruction alignment of each BCJ filter; start
// offsets must be a multiple of it.
func bcjAlignment(id filterID) uint32 {
	switch id {
	case idBCJPowerPC, idBCJARM, idBCJSPARC:
		return 4
	case idBCJIA64:
		return 16
	case idBCJARMThumb:
		return 2
	default:
		return 1
	}
}

func (s *bcjDecoder) reset(id filterID, offset uint32) Status {
	switch id {
	case idBCJX86, idBCJPowerPC, idBCJIA64, idBCJARM, idBCJARMThumb, idBCJSPARC:
	default:
		return OptionsError
	}
	if offset%bcjAlignment(id) != 0 {
		return OptionsError
	}
	s.id = id
	s.ret = OK
	s.pos = offset
	s.x86PrevMask = 0
	s.tempFiltered = 0
	s.tempSize = 0
	return OK
}

func x86TestMSByte(b byte) bool {
	return b == 0x00 || b == 0xff
}

var (
	x86MaskToAllowed = [8]bool{true, true, true, false, true, false, false, false}
	x86MaskToBitNum  = [8]byte{0, 1, 2, 2, 3, 3, 3, 3}
)

func (s *bcjDecoder) x86(buf []byte) int {
	size := len(buf)
	if size <= 4 {
		return 0
	}
	size -= 4
	prevPos := -1
	prevMask := s.x86PrevMask
	var i int
	for i = 0; i < size; i++ {
		if buf[i]&0xfe != 0xe8 {
			continue
		}
		d := i - prevPos
		if d > 3 {
			prevMask = 0
		} else {
			prevMask = (prevMask << (d - 1)) & 7
			if prevMask != 0 {
				b := buf[i+4-int(x86MaskToBitNum[prevMask])]
				if !x86MaskToAllowed[prevMask] || x86TestMSByte(b) {
					prevPos = i
					prevMask = prevMask<<1 | 1
					continue
				}
			}
		}
		prevPos = i
		if !x86TestMSByte(buf[i+4]) {
			prevMask = prevMask<<1 | 1
			continue
		}
		src := binary.LittleEndian.Uint32(buf[i+1:])
		var dest uint32
		for {
			dest = src - (s.pos + uint32(i) + 5)
			if prevMask == 0 {
				break
			}
			j := uint32(x86MaskToBitNum[prevMask]) * 8
			if !x86TestMSByte(byte(dest >> (24 - j))) {
				break
			}
			src = dest ^ (1<<(32-j) - 1)
		}
		dest &= 0x01ffffff
		dest |= 0 - dest&0x01000000
		binary.LittleEndian.PutUint32(buf[i+1:], dest)
		i += 4
	}
	if d := i - prevPos; d > 3 {
		s.x86PrevMask = 0
	} else {
		s.x86PrevMask = prevMask << (d - 1)
	}
	return i
}

func (s *bcjDecoder) powerPC(buf []byte) int {
	size := len(buf) &^ 3
	var i int
	for i = 0; i < size; i += 4 {
		instr := binary.BigEndian.Uint32(buf[i:])
		if instr&0xfc000003 != 0x48000001 {
			continue
		}
		instr &= 0x03fffffc
		instr -= s.pos + uint32(i)
		instr &= 0x03fffffc
		instr |= 0x48000001
		binary.BigEndian.PutUint32(buf[i:], instr)
	}
	return i
}

var ia64BranchTable = [32]byte{
	0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
	4, 4, 6, 6, 0, 0, 7, 7,
	4, 4, 0, 0, 4, 4, 0, 0,
}

func (s *bcjDecoder) ia64(buf []byte) int {
	size := len(buf) &^ 15
	var i int
	for i = 0; i < size; i += 16 {
		mask := uint32(ia64BranchTable[buf[i]&0x1f])
		for slot, bitPos := uint32(0), uint32(5); slot < 3; slot, bitPos = slot+1, bitPos+41 {
			if (mask>>slot)&1 == 0 {
				continue
			}
			bytePos := i + int(bitPos>>3)
			bitRes := bitPos & 7
			var instr uint64
			for j := 0; j < 6; j++ {
				instr |= uint64(buf[bytePos+j]) << (8 * j)
			}
			norm := instr >> bitRes
			if (norm>>37)&0x0f != 0x05 || (norm>>9)&0x07 != 0 {
				continue
			}
			addr := uint32((norm >> 13) & 0x0fffff)
			addr |= (uint32(norm>>36) & 1) << 20
			addr <<= 4
			addr -= s.pos + uint32(i)
			addr >>= 4
			norm &^= uint64(0x8fffff) << 13
			norm |= uint64(addr&0x0fffff) << 13
			norm |= uint64(addr&0x100000) << (36 - 20)
			instr &= 1<<bitRes - 1
			instr |= norm << bitRes
			for j := 0; j < 6; j++ {
				buf[bytePos+j] = byte(instr >> (8 * j))
			}
		}
	}
	return i
}

func (s *bcjDecoder) arm(buf []byte) int {
	size := len(buf) &^ 3
	var i int
	for i = 0; i < size; i += 4 {
		if buf[i+3] != 0xeb {
			continue
		}
		addr := uint32(buf[i]) | uint32(buf[i+1])<<8 | uint32(buf[i+2])<<16
		addr <<= 2
		addr -= s.pos + uint32(i) + 8
		addr >>= 2
		buf[i] = byte(addr)
		buf[i+1] = byte(addr >> 8)
		buf[i+2] = byte(addr >> 16)
	}
	return i
}

func (s *bcjDecoder) armThumb(buf []byte) int {
	var i int
	for i = 0; i+4 <= len(buf); i += 2 {
		if buf[i+1]&0xf8 != 0xf0 || buf[i+3]&0xf8 != 0xf8 {
			continue
		}
		addr := uint32(buf[i+1]&0x07)<<19 | uint32(buf[i])<<11 |
			uint32(buf[i+3]&0x07)<<8 | uint32(buf[i+2])
		addr <<= 1
		addr -= s.pos + uint32(i) + 4
		addr >>= 1
		buf[i+1] = byte(0xf0 | (addr>>19)&0x07)
		buf[i] = byte(addr >> 11)
		buf[i+3] = byte(0xf8 | (addr>>8)&0x07)
		buf[i+2] = byte(addr)
		i += 2
	}
	return i
}

func (s *bcjDecoder) sparc(buf []byte) int {
	size := len(buf) &^ 3
	var i int
	for i = 0; i < size; i += 4 {
		instr := binary.BigEndian.Uint32(buf[i:])
		if instr>>22 != 0x100 && instr>>22 != 0x1ff {
			continue
		}
		instr <<= 2
		instr -= s.pos + uint32(i)
		instr >>= 2
		instr = (0x40000000 - instr&0x400000) | 0x40000000 | instr&0x3fffff
		binary.BigEndian.PutUint32(buf[i:], instr)
	}
	return i
}

// apply filters buf[*pos:size] and advances *pos past the filtered bytes.
func (s *bcjDecoder) apply(buf []byte, pos *int, size int) {
	buf = buf[*pos:size]
	var filtered int
	switch s.id {
	case idBCJX86:
		filtered = s.x86(buf)
	case idBCJPowerPC:
		filtered = s.powerPC(buf)
	case idBCJIA64:
		filtered = s.ia64(buf)
	case idBCJARM:
		filtered = s.arm(buf)
	case idBCJARMThumb:
		filtered = s.armThumb(buf)
	case idBCJSPARC:
		filtered = s.sparc(buf)
	}
	*pos += filtered
	s.pos += uint32(filtered)
}

// flush moves filtered bytes from temp to the output.
func (s *bcjDecoder) flush(b *Buffer) {
	n := min(s.tempFiltered, len(b.Out)-b.OutPos)
	copy(b.Out[b.OutPos:], s.temp[:n])
	b.OutPos += n
	s.tempFiltered -= n
	s.tempSize -= n
	copy(s.temp[:], s.temp[n:n+s.tempSize])
}

func (s *bcjDecoder) run(b *Buffer, next chainFunc) Status {
	if s.tempFiltered > 0 {
		s.flush(b)
		if s.tempFiltered > 0 {
			return OK
		}
		if s.ret == StreamEnd {
			return StreamEnd
		}
	}

	// Decode straight into the output when it has room for more than the
	// held back bytes.
	if s.tempSize < len(b.Out)-b.OutPos {
		outStart := b.OutPos
		copy(b.Out[b.OutPos:], s.temp[:s.tempSize])
		b.OutPos += s.tempSize
		s.ret = next(b)
		if s.ret != StreamEnd && s.ret != OK {
			return s.ret
		}
		s.apply(b.Out, &outStart, b.OutPos)
		// The unfiltered tail of a block is meant to stay unfiltered.
		if s.ret == StreamEnd {
			return StreamEnd
		}
		s.tempSize = b.OutPos - outStart
		b.OutPos -= s.tempSize
		copy(s.temp[:], b.Out[b.OutPos:b.OutPos+s.tempSize])
		// The next filter ran out of input before filling the output, so
		// decoding more into temp would not help either.
		if b.OutPos+s.tempSize < len(b.Out) {
			return OK
		}
	}

	// Too little output space left: decode into temp and flush what fits.
	if b.OutPos < len(b.Out) {
		out, outPos := b.Out, b.OutPos
		b.Out = s.temp[:]
		b.OutPos = s.tempSize
		s.ret = next(b)
		s.tempSize = b.OutPos
		b.Out, b.OutPos = out, outPos
		if s.ret != OK && s.ret != StreamEnd {
			return s.ret
		}
		s.apply(s.temp[:], &s.tempFiltered, s.tempSize)
		if s.ret == StreamEnd {
			s.tempFiltered = s.tempSize
		}
		s.flush(b)
		if s.tempFiltered > 0 {
			return OK
		}
	}
	return s.ret
}
