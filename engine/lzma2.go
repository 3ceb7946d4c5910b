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

// Range coder constants.
const (
	rcShiftBits         = 8
	rcTopBits           = 24
	rcTopValue          = 1 << rcTopBits
	rcBitModelTotalBits = 11
	rcBitModelTotal     = 1 << rcBitModelTotalBits
	rcMoveBits          = 5
	rcInitBytes         = 5
)

// lzmaInRequired is the number of input bytes that is always enough to
// decode one LZMA symbol plus the final normalization in lzmaMain.
const lzmaInRequired = 21

const (
	posStatesMax     = 1 << 4
	states           = 12
	litStates        = 7
	literalCoderSize = 0x300
	literalCodersMax = 1 << 4
	matchLenMin      = 2

	lenLowBits     = 3
	lenLowSymbols  = 1 << lenLowBits
	lenMidBits     = 3
	lenMidSymbols  = 1 << lenMidBits
	lenHighBits    = 8
	lenHighSymbols = 1 << lenHighBits

	distStates        = 4
	distSlotBits      = 6
	distSlots         = 1 << distSlotBits
	distModelStart    = 4
	distModelEnd      = 14
	fullDistancesBits = distModelEnd / 2
	fullDistances     = 1 << fullDistancesBits
	alignBits         = 4
	alignSize         = 1 << alignBits

	// lzmaPropsMax is the largest valid lc/lp/pb byte: (pb*5 + lp)*9 + lc.
	lzmaPropsMax = (4*5+4)*9 + 8
	// lzma2DictPropsMax limits the dictionary to 3 GiB.
	lzma2DictPropsMax = 39
)

// lzmaState tracks the kinds of the most recent symbols, oldest first.
type lzmaState uint32

const (
	stateLitLit lzmaState = iota
	stateMatchLitLit
	stateRepLitLit
	stateShortrepLitLit
	stateMatchLit
	stateRepLit
	stateShortrepLit
	stateLitMatch
	stateLitLongrep
	stateLitShortrep
	stateNonlitMatch
	stateNonlitRep
)

func (s *lzmaState) literal() {
	switch {
	case *s <= stateShortrepLitLit:
		*s = stateLitLit
	case *s <= stateLitShortrep:
		*s -= 3
	default:
		*s -= 6
	}
}

func (s *lzmaState) match() {
	if *s < litStates {
		*s = stateLitMatch
	} else {
		*s = stateNonlitMatch
	}
}

func (s *lzmaState) longRep() {
	if *s < litStates {
		*s = stateLitLongrep
	} else {
		*s = stateNonlitRep
	}
}

func (s *lzmaState) shortRep() {
	if *s < litStates {
		*s = stateLitShortrep
	} else {
		*s = stateNonlitRep
	}
}

func (s lzmaState) isLiteral() bool {
	return s < litStates
}

func distState(length uint32) uint32 {
	if length < distStates+matchLenMin {
		return length - matchLenMin
	}
	return distStates - 1
}

// dictionary is the LZ history buffer. These always hold:
//
//	start <= pos <= full <= end
//	pos <= limit <= end
//	end == size <= sizeMax
type dictionary struct {
	buf []byte
	// start is where output not yet flushed to the caller begins.
	start uint32
	pos   uint32
	// full is how much of buf holds valid history; distances beyond it are
	// corrupt input.
	full  uint32
	limit uint32
	end   uint32
	size  uint32
	// sizeMax is the ceiling given to NewDecoder.
	sizeMax uint32
	// prealloc is set when buf was allocated up front and must not grow.
	prealloc bool
}

func (d *dictionary) reset() {
	d.start = 0
	d.pos = 0
	d.limit = 0
	d.full = 0
}

// setLimit caps how much may be decoded before the next flush.
func (d *dictionary) setLimit(outMax int) {
	if d.end-d.pos <= uint32(outMax) {
		d.limit = d.end
	} else {
		d.limit = d.pos + uint32(outMax)
	}
}

func (d *dictionary) hasSpace() bool {
	return d.pos < d.limit
}

// get returns the byte dist+1 positions back, or zero while the dictionary
// is still empty.
func (d *dictionary) get(dist uint32) uint32 {
	offset := d.pos - dist - 1
	if dist >= d.pos {
		offset += d.end
	}
	if d.full > 0 {
		return uint32(d.buf[offset])
	}
	return 0
}

func (d *dictionary) put(b byte) {
	d.buf[d.pos] = b
	d.pos++
	if d.full < d.pos {
		d.full = d.pos
	}
}

// repeat copies up to *length bytes from dist+1 positions back. It returns
// false if dist points before the start of the history. *length is left at
// the number of bytes still to be copied once the limit is reached.
func (d *dictionary) repeat(length *uint32, dist uint32) bool {
	if dist >= d.full || dist >= d.size {
		return false
	}
	left := d.limit - d.pos
	if left > *length {
		left = *length
	}
	*length -= left
	back := d.pos - dist - 1
	if dist >= d.pos {
		back += d.end
	}
	for {
		d.buf[d.pos] = d.buf[back]
		d.pos++
		back++
		if back == d.end {
			back = 0
		}
		left--
		if left == 0 {
			break
		}
	}
	if d.full < d.pos {
		d.full = d.pos
	}
	return true
}

// uncompressed copies a stored chunk from input to both the dictionary and
// the output.
func (d *dictionary) uncompressed(b *Buffer, left *int) {
	for *left > 0 && b.InPos < len(b.In) && b.OutPos < len(b.Out) {
		n := len(b.In) - b.InPos
		if n > len(b.Out)-b.OutPos {
			n = len(b.Out) - b.OutPos
		}
		if n > int(d.end-d.pos) {
			n = int(d.end - d.pos)
		}
		if n > *left {
			n = *left
		}
		*left -= n
		copy(d.buf[d.pos:], b.In[b.InPos:b.InPos+n])
		d.pos += uint32(n)
		if d.full < d.pos {
			d.full = d.pos
		}
		if d.pos == d.end {
			d.pos = 0
		}
		copy(b.Out[b.OutPos:], b.In[b.InPos:b.InPos+n])
		d.start = d.pos
		b.OutPos += n
		b.InPos += n
	}
}

// flush moves newly decoded bytes to b.Out. setLimit guarantees they fit.
func (d *dictionary) flush(b *Buffer) int {
	n := int(d.pos - d.start)
	if d.pos == d.end {
		d.pos = 0
	}
	copy(b.Out[b.OutPos:], d.buf[d.start:d.start+uint32(n)])
	d.start = d.pos
	b.OutPos += n
	return n
}

// rangeDecoder reads from in, which is either the caller's input or the
// small temp buffer of the LZMA2 decoder.
type rangeDecoder struct {
	rng           uint32
	code          uint32
	initBytesLeft uint32
	in            []byte
	inPos         int
	inLimit       int
}

func (rc *rangeDecoder) reset() {
	rc.rng = ^uint32(0)
	rc.code = 0
	rc.initBytesLeft = rcInitBytes
}

// readInit consumes the five bytes that start every LZMA chunk. The first
// one is always ignored.
func (rc *rangeDecoder) readInit(b *Buffer) bool {
	for rc.initBytesLeft > 0 {
		if b.InPos == len(b.In) {
			return false
		}
		rc.code = rc.code<<8 + uint32(b.In[b.InPos])
		b.InPos++
		rc.initBytesLeft--
	}
	return true
}

func (rc *rangeDecoder) limitExceeded() bool {
	return rc.inPos > rc.inLimit
}

func (rc *rangeDecoder) isFinished() bool {
	return rc.code == 0
}

func (rc *rangeDecoder) normalize() {
	if rc.rng < rcTopValue {
		rc.rng <<= rcShiftBits
		rc.code = rc.code<<rcShiftBits + uint32(rc.in[rc.inPos])
		rc.inPos++
	}
}

func (rc *rangeDecoder) bit(prob *uint16) bool {
	rc.normalize()
	bound := (rc.rng >> rcBitModelTotalBits) * uint32(*prob)
	if rc.code < bound {
		rc.rng = bound
		*prob += (rcBitModelTotal - *prob) >> rcMoveBits
		return false
	}
	rc.rng -= bound
	rc.code -= bound
	*prob -= *prob >> rcMoveBits
	return true
}

// bittree decodes a symbol most significant bit first. The result still
// carries the leading 1, so callers subtract limit.
func (rc *rangeDecoder) bittree(probs []uint16, limit uint32) uint32 {
	symbol := uint32(1)
	for {
		if rc.bit(&probs[symbol-1]) {
			symbol = symbol<<1 + 1
		} else {
			symbol <<= 1
		}
		if symbol >= limit {
			return symbol
		}
	}
}

func (rc *rangeDecoder) bittreeReverse(probs []uint16, dest *uint32, limit uint32) {
	symbol := uint32(1)
	for i := uint32(0); i < limit; i++ {
		if rc.bit(&probs[symbol-1]) {
			symbol = symbol<<1 + 1
			*dest += 1 << i
		} else {
			symbol <<= 1
		}
	}
}

// direct decodes limit bits with fixed half probability.
func (rc *rangeDecoder) direct(dest *uint32, limit uint32) {
	for ; limit > 0; limit-- {
		rc.normalize()
		rc.rng >>= 1
		rc.code -= rc.rng
		mask := 0 - rc.code>>31
		rc.code += rc.rng & mask
		*dest = *dest<<1 + mask + 1
	}
}

type lengthDecoder struct {
	choice  uint16
	choice2 uint16
	low     [posStatesMax][lenLowSymbols]uint16
	mid     [posStatesMax][lenMidSymbols]uint16
	high    [lenHighSymbols]uint16
}

func (l *lengthDecoder) reset() {
	l.choice = rcBitModelTotal / 2
	l.choice2 = rcBitModelTotal / 2
	for i := range l.low {
		initProbs(l.low[i][:])
		initProbs(l.mid[i][:])
	}
	initProbs(l.high[:])
}

type lzmaDecoder struct {
	rep0, rep1, rep2, rep3 uint32
	state                  lzmaState
	// len is the part of the current match not yet copied into the
	// dictionary.
	len            uint32
	lc             uint32
	literalPosMask uint32
	posMask        uint32

	isMatch     [states][posStatesMax]uint16
	isRep       [states]uint16
	isRep0      [states]uint16
	isRep1      [states]uint16
	isRep2      [states]uint16
	isRep0Long  [states][posStatesMax]uint16
	distSlot    [distStates][distSlots]uint16
	distSpecial [fullDistances - distModelEnd]uint16
	distAlign   [alignSize]uint16
	matchLen    lengthDecoder
	repLen      lengthDecoder
	literal     [literalCodersMax][literalCoderSize]uint16
}

func initProbs(p []uint16) {
	for i := range p {
		p[i] = rcBitModelTotal / 2
	}
}

type lzma2Seq int

const (
	seqControl lzma2Seq = iota
	seqUncompressed1
	seqUncompressed2
	seqCompressed0
	seqCompressed1
	seqProperties
	seqLZMAPrepare
	seqLZMARun
	seqCopy
)

// lzma2Decoder decodes the LZMA2 chunk layer and the LZMA data inside it.
type lzma2Decoder struct {
	rc   rangeDecoder
	dict dictionary
	lzma lzmaDecoder

	sequence     lzma2Seq
	nextSequence lzma2Seq
	// uncompressed is what is left of the current chunk's output (2 MiB max).
	uncompressed int
	// compressed is what is left of the current chunk's input (64 KiB max).
	compressed    int
	needDictReset bool
	needProps     bool

	// temp carries input across steps when fewer than lzmaInRequired bytes
	// of the chunk are available.
	temp     [3 * lzmaInRequired]byte
	tempSize int
}

func newLZMA2Decoder(dictMax uint32, dict []byte) *lzma2Decoder {
	s := &lzma2Decoder{}
	s.dict.sizeMax = dictMax
	if dict != nil {
		s.dict.buf = dict
		s.dict.prealloc = true
	}
	return s
}

// reset parses the one byte LZMA2 filter property (the dictionary size) and
// prepares for a new block. The dictionary is allocated here in dynamic mode.
func (s *lzma2Decoder) reset(props byte) Status {
	if props > lzma2DictPropsMax {
		return OptionsError
	}
	s.dict.size = 2 + uint32(props&1)
	s.dict.size <<= props>>1 + 11
	if s.dict.size > s.dict.sizeMax {
		return MemlimitError
	}
	s.dict.end = s.dict.size
	if !s.dict.prealloc && uint32(len(s.dict.buf)) < s.dict.size {
		s.dict.buf = nil
		buf, err := allocDict(s.dict.size)
		if err != nil {
			return MemError
		}
		s.dict.buf = buf
	}
	s.lzma.len = 0
	s.sequence = seqControl
	s.compressed = 0
	s.uncompressed = 0
	s.needDictReset = true
	s.tempSize = 0
	return OK
}

func (s *lzma2Decoder) literalProbs() []uint16 {
	prevByte := s.dict.get(0)
	low := prevByte >> (8 - s.lzma.lc)
	high := (s.dict.pos & s.lzma.literalPosMask) << s.lzma.lc
	return s.lzma.literal[low+high][:]
}

func (s *lzma2Decoder) decodeLiteral() {
	probs := s.literalProbs()
	var symbol uint32
	if s.lzma.state.isLiteral() {
		symbol = s.rc.bittree(probs[1:], 0x100)
	} else {
		symbol = 1
		matchByte := s.dict.get(s.lzma.rep0) << 1
		offset := uint32(0x100)
		for symbol < 0x100 {
			matchBit := matchByte & offset
			matchByte <<= 1
			i := offset + matchBit + symbol
			if s.rc.bit(&probs[i]) {
				symbol = symbol<<1 + 1
				offset &= matchBit
			} else {
				symbol <<= 1
				offset &= ^matchBit
			}
		}
	}
	s.dict.put(byte(symbol))
	s.lzma.state.literal()
}

func (s *lzma2Decoder) decodeLen(l *lengthDecoder, posState uint32) {
	var probs []uint16
	var limit uint32
	switch {
	case !s.rc.bit(&l.choice):
		probs = l.low[posState][:]
		limit = lenLowSymbols
		s.lzma.len = matchLenMin
	case !s.rc.bit(&l.choice2):
		probs = l.mid[posState][:]
		limit = lenMidSymbols
		s.lzma.len = matchLenMin + lenLowSymbols
	default:
		probs = l.high[:]
		limit = lenHighSymbols
		s.lzma.len = matchLenMin + lenLowSymbols + lenMidSymbols
	}
	s.lzma.len += s.rc.bittree(probs[1:], limit) - limit
}

// decodeMatch decodes a new match; its distance ends up in rep0.
func (s *lzma2Decoder) decodeMatch(posState uint32) {
	s.lzma.state.match()
	s.lzma.rep3 = s.lzma.rep2
	s.lzma.rep2 = s.lzma.rep1
	s.lzma.rep1 = s.lzma.rep0
	s.decodeLen(&s.lzma.matchLen, posState)
	probs := s.lzma.distSlot[distState(s.lzma.len)][:]
	slot := s.rc.bittree(probs[1:], distSlots) - distSlots
	if slot < distModelStart {
		s.lzma.rep0 = slot
		return
	}
	limit := slot>>1 - 1
	s.lzma.rep0 = 2 + slot&1
	if slot < distModelEnd {
		s.lzma.rep0 <<= limit
		s.rc.bittreeReverse(s.lzma.distSpecial[s.lzma.rep0-slot:], &s.lzma.rep0, limit)
		return
	}
	s.rc.direct(&s.lzma.rep0, limit-alignBits)
	s.lzma.rep0 <<= alignBits
	s.rc.bittreeReverse(s.lzma.distAlign[1:], &s.lzma.rep0, alignBits)
}

// decodeRepMatch decodes a match at one of the four most recent distances
// and moves that distance to rep0.
func (s *lzma2Decoder) decodeRepMatch(posState uint32) {
	if !s.rc.bit(&s.lzma.isRep0[s.lzma.state]) {
		if !s.rc.bit(&s.lzma.isRep0Long[s.lzma.state][posState]) {
			s.lzma.state.shortRep()
			s.lzma.len = 1
			return
		}
	} else {
		var tmp uint32
		if !s.rc.bit(&s.lzma.isRep1[s.lzma.state]) {
			tmp = s.lzma.rep1
		} else {
			if !s.rc.bit(&s.lzma.isRep2[s.lzma.state]) {
				tmp = s.lzma.rep2
			} else {
				tmp = s.lzma.rep3
				s.lzma.rep3 = s.lzma.rep2
			}
			s.lzma.rep2 = s.lzma.rep1
		}
		s.lzma.rep1 = s.lzma.rep0
		s.lzma.rep0 = tmp
	}
	s.lzma.state.longRep()
	s.decodeLen(&s.lzma.repLen, posState)
}

// lzmaMain decodes symbols until the dictionary limit or the input limit is
// reached. It returns false on a distance that points outside the history.
func (s *lzma2Decoder) lzmaMain() bool {
	if s.dict.hasSpace() && s.lzma.len > 0 {
		s.dict.repeat(&s.lzma.len, s.lzma.rep0)
	}
	for s.dict.hasSpace() && !s.rc.limitExceeded() {
		posState := s.dict.pos & s.lzma.posMask
		if !s.rc.bit(&s.lzma.isMatch[s.lzma.state][posState]) {
			s.decodeLiteral()
			continue
		}
		if s.rc.bit(&s.lzma.isRep[s.lzma.state]) {
			s.decodeRepMatch(posState)
		} else {
			s.decodeMatch(posState)
		}
		if !s.dict.repeat(&s.lzma.len, s.lzma.rep0) {
			return false
		}
	}
	s.rc.normalize()
	return true
}

// lzmaReset resets the probabilities and the range decoder but keeps the
// dictionary.
func (s *lzma2Decoder) lzmaReset() {
	s.lzma.state = stateLitLit
	s.lzma.rep0 = 0
	s.lzma.rep1 = 0
	s.lzma.rep2 = 0
	s.lzma.rep3 = 0
	initProbs(s.lzma.isRep[:])
	initProbs(s.lzma.isRep0[:])
	initProbs(s.lzma.isRep1[:])
	initProbs(s.lzma.isRep2[:])
	initProbs(s.lzma.distSpecial[:])
	initProbs(s.lzma.distAlign[:])
	for i := range s.lzma.isMatch {
		initProbs(s.lzma.isMatch[i][:])
		initProbs(s.lzma.isRep0Long[i][:])
	}
	for i := range s.lzma.distSlot {
		initProbs(s.lzma.distSlot[i][:])
	}
	for i := range s.lzma.literal {
		initProbs(s.lzma.literal[i][:])
	}
	s.lzma.matchLen.reset()
	s.lzma.repLen.reset()
	s.rc.reset()
}

// lzmaProps decodes the lc/lp/pb byte of an LZMA chunk.
func (s *lzma2Decoder) lzmaProps(props byte) bool {
	if props > lzmaPropsMax {
		return false
	}
	pb := uint32(props / (9 * 5))
	props -= byte(pb * 9 * 5)
	lp := uint32(props / 9)
	lc := uint32(props - byte(lp*9))
	if lc+lp > 4 {
		return false
	}
	s.lzma.posMask = 1<<pb - 1
	s.lzma.literalPosMask = 1<<lp - 1
	s.lzma.lc = lc
	s.lzmaReset()
	return true
}

// decodeChunk decodes LZMA data of the current chunk.
//
// lzmaMain may read up to lzmaInRequired bytes past its input limit. While
// plenty of chunk input is available it decodes straight from b.In; the
// last few bytes of a step are copied into temp and decoded from there once
// the next step supplies more.
func (s *lzma2Decoder) decodeChunk(b *Buffer) bool {
	inAvail := len(b.In) - b.InPos
	if s.tempSize > 0 || s.compressed == 0 {
		tmp := 2*lzmaInRequired - s.tempSize
		if tmp > s.compressed-s.tempSize {
			tmp = s.compressed - s.tempSize
		}
		if tmp > inAvail {
			tmp = inAvail
		}
		copy(s.temp[s.tempSize:], b.In[b.InPos:b.InPos+tmp])
		switch {
		case s.tempSize+tmp == s.compressed:
			clear(s.temp[s.tempSize+tmp:])
			s.rc.inLimit = s.tempSize + tmp
		case s.tempSize+tmp < lzmaInRequired:
			s.tempSize += tmp
			b.InPos += tmp
			return true
		default:
			s.rc.inLimit = s.tempSize + tmp - lzmaInRequired
		}
		s.rc.in = s.temp[:]
		s.rc.inPos = 0
		if !s.lzmaMain() || s.rc.inPos > s.tempSize+tmp {
			return false
		}
		s.compressed -= s.rc.inPos
		if s.rc.inPos < s.tempSize {
			s.tempSize -= s.rc.inPos
			copy(s.temp[:], s.temp[s.rc.inPos:s.rc.inPos+s.tempSize])
			return true
		}
		b.InPos += s.rc.inPos - s.tempSize
		s.tempSize = 0
	}

	inAvail = len(b.In) - b.InPos
	if inAvail >= lzmaInRequired {
		s.rc.in = b.In
		s.rc.inPos = b.InPos
		if inAvail >= s.compressed+lzmaInRequired {
			s.rc.inLimit = b.InPos + s.compressed
		} else {
			s.rc.inLimit = len(b.In) - lzmaInRequired
		}
		if !s.lzmaMain() {
			return false
		}
		used := s.rc.inPos - b.InPos
		if used > s.compressed {
			return false
		}
		s.compressed -= used
		b.InPos = s.rc.inPos
	}

	inAvail = len(b.In) - b.InPos
	if inAvail < lzmaInRequired {
		if inAvail > s.compressed {
			inAvail = s.compressed
		}
		copy(s.temp[:], b.In[b.InPos:b.InPos+inAvail])
		s.tempSize = inAvail
		b.InPos += inAvail
	}
	return true
}

// run decodes the LZMA2 control layer and dispatches LZMA and stored chunks.
func (s *lzma2Decoder) run(b *Buffer) Status {
	for b.InPos < len(b.In) || s.sequence == seqLZMARun {
		switch s.sequence {
		case seqControl:
			// 0x00: end marker
			// 0x01: dictionary reset + stored chunk
			// 0x02: stored chunk
			// 0x80-0xFF: LZMA chunk; bits 5-6 select what to reset, bits 0-4
			// are bits 16-20 of the uncompressed size.
			ctrl := b.In[b.InPos]
			b.InPos++
			if ctrl == 0x00 {
				return StreamEnd
			}
			if ctrl >= 0xe0 || ctrl == 0x01 {
				s.needProps = true
				s.needDictReset = false
				s.dict.reset()
			} else if s.needDictReset {
				return DataError
			}
			if ctrl >= 0x80 {
				s.uncompressed = int(ctrl&0x1f) << 16
				s.sequence = seqUncompressed1
				switch {
				case ctrl >= 0xc0:
					// State is reset in seqProperties.
					s.needProps = false
					s.nextSequence = seqProperties
				case s.needProps:
					return DataError
				default:
					s.nextSequence = seqLZMAPrepare
					if ctrl >= 0xa0 {
						s.lzmaReset()
					}
				}
			} else {
				if ctrl > 0x02 {
					return DataError
				}
				s.sequence = seqCompressed0
				s.nextSequence = seqCopy
			}
		case seqUncompressed1:
			s.uncompressed += int(b.In[b.InPos]) << 8
			b.InPos++
			s.sequence = seqUncompressed2
		case seqUncompressed2:
			s.uncompressed += int(b.In[b.InPos]) + 1
			b.InPos++
			s.sequence = seqCompressed0
		case seqCompressed0:
			s.compressed = int(b.In[b.InPos]) << 8
			b.InPos++
			s.sequence = seqCompressed1
		case seqCompressed1:
			s.compressed += int(b.In[b.InPos]) + 1
			b.InPos++
			s.sequence = s.nextSequence
		case seqProperties:
			if !s.lzmaProps(b.In[b.InPos]) {
				return DataError
			}
			b.InPos++
			s.sequence = seqLZMAPrepare
			fallthrough
		case seqLZMAPrepare:
			if s.compressed < rcInitBytes {
				return DataError
			}
			if !s.rc.readInit(b) {
				return OK
			}
			s.compressed -= rcInitBytes
			s.sequence = seqLZMARun
			fallthrough
		case seqLZMARun:
			// The dictionary may fill up before the output does, so this
			// case can run several times without changing sequence.
			outMax := len(b.Out) - b.OutPos
			if outMax > s.uncompressed {
				outMax = s.uncompressed
			}
			s.dict.setLimit(outMax)
			if !s.decodeChunk(b) {
				return DataError
			}
			s.uncompressed -= s.dict.flush(b)
			switch {
			case s.uncompressed == 0:
				if s.compressed > 0 || s.lzma.len > 0 || !s.rc.isFinished() {
					return DataError
				}
				s.rc.reset()
				s.sequence = seqControl
			case b.OutPos == len(b.Out) ||
				(b.InPos == len(b.In) && s.tempSize < s.compressed):
				return OK
			}
		case seqCopy:
			s.dict.uncompressed(b, &s.compressed)
			if s.compressed > 0 {
				return OK
			}
			s.sequence = seqControl
		}
	}
	return OK
}
