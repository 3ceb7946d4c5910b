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
	"bytes"
	_ "crypto/sha256" // registers SHA-256 for go-digest
	"encoding/binary"
	"hash"
	"hash/crc32"
	"hash/crc64"

	"github.com/opencontainers/go-digest"
)

const (
	streamHeaderSize = 12
	headerMagic      = "\xfd7zXZ\x00"
	footerMagic      = "YZ"
	blockHeaderMax   = 1024
)

// vli is a variable-length integer of the container format: up to 63 bits,
// little-endian base-128.
type vli uint64

const (
	vliUnknown  vli = ^vli(0)
	vliBytesMax     = 9
)

type filterID byte

const (
	idDelta       filterID = 0x03
	idBCJX86      filterID = 0x04
	idBCJPowerPC  filterID = 0x05
	idBCJIA64     filterID = 0x06
	idBCJARM      filterID = 0x07
	idBCJARMThumb filterID = 0x08
	idBCJSPARC    filterID = 0x09
	idLZMA2       filterID = 0x21
)

// chainFunc runs one filter of a block and everything after it.
type chainFunc func(b *Buffer) Status

type streamSeq int

const (
	seqStreamHeader streamSeq = iota
	seqBlockStart
	seqBlockHeader
	seqBlockUncompress
	seqBlockPadding
	seqBlockCheck
	seqIndex
	seqIndexPadding
	seqIndexCRC32
	seqStreamFooter
)

type indexSeq int

const (
	seqIndexCount indexSeq = iota
	seqIndexUnpadded
	seqIndexUncompressed
)

// Size of the check field for each check ID.
var checkSizes = [checkMax + 1]int{
	0,
	4, 4, 4,
	8, 8, 8,
	16, 16, 16,
	32, 32, 32,
	64, 64, 64,
}

// recordHash accumulates the block sizes. The sizes seen while decoding
// blocks and the sizes listed in the index must hash to the same value.
type recordHash struct {
	unpadded     vli
	uncompressed vli
	h            hash.Hash
}

func newRecordHash() recordHash {
	return recordHash{h: digest.SHA256.Hash()}
}

func (r *recordHash) add(unpadded, uncompressed vli) {
	r.unpadded += unpadded
	r.uncompressed += uncompressed
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.unpadded))
	binary.LittleEndian.PutUint64(buf[8:], uint64(r.uncompressed))
	r.h.Write(buf[:])
}

func (r *recordHash) reset() {
	r.unpadded = 0
	r.uncompressed = 0
	r.h.Reset()
}

// streamDecoder decodes the .xz container: stream header, blocks, index and
// stream footer. Block data goes through the filter chain built from each
// block header.
type streamDecoder struct {
	sequence streamSeq
	// pos is the position inside a VLI or a check field.
	pos int
	vli vli
	// inStart and outStart are the buffer positions at the start of the
	// current run, used to measure block and index sizes.
	inStart  int
	outStart int

	header Header
	// indexCRC covers the index field.
	indexCRC hash.Hash32
	crc32    hash.Hash
	crc64    hash.Hash
	sha256   hash.Hash
	// check is the block check hash for the stream's check type, or nil
	// when the check is not verified.
	check hash.Hash

	// allowBufError is set after a run that made no progress; a second
	// one in a row returns BufError.
	allowBufError bool

	blockHeader struct {
		// compressed and uncompressed are vliUnknown when the block header
		// does not store them.
		compressed   vli
		uncompressed vli
		size         int
	}
	block struct {
		compressed   vli
		uncompressed vli
		count        vli
		hash         recordHash
	}
	index struct {
		sequence indexSeq
		// size excludes the index CRC32.
		size  vli
		count vli
		hash  recordHash
	}

	// temp holds the stream header, a block header or the stream footer
	// until it is complete.
	temp struct {
		pos int
		buf []byte
		arr [blockHeaderMax]byte
	}

	chain  chainFunc
	lzma2  *lzma2Decoder
	deltas []*deltaDecoder
	bcjs   []*bcjDecoder
	// number of deltas and bcjs used by the current block
	deltasUsed int
	bcjsUsed   int
}

func newStreamDecoder(dictMax uint32, dict []byte) *streamDecoder {
	s := &streamDecoder{
		indexCRC: crc32.New(crc32Table),
		lzma2:    newLZMA2Decoder(dictMax, dict),
	}
	s.block.hash = newRecordHash()
	s.index.hash = newRecordHash()
	s.reset()
	return s
}

func (s *streamDecoder) reset() {
	s.sequence = seqStreamHeader
	s.allowBufError = false
	s.pos = 0
	s.indexCRC.Reset()
	s.check = nil
	s.header = Header{CheckType: checkUnset}
	s.block.compressed = 0
	s.block.uncompressed = 0
	s.block.count = 0
	s.block.hash.reset()
	s.index.sequence = seqIndexCount
	s.index.size = 0
	s.index.count = 0
	s.index.hash.reset()
	s.temp.pos = 0
	s.temp.buf = s.temp.arr[:streamHeaderSize]
	s.chain = nil
	s.deltasUsed = 0
	s.bcjsUsed = 0
}

// run wraps decode with the no-progress detection. A caller is allowed to
// step once without progress (it may have been waiting to refill input);
// the second such step in a row returns BufError so truncated input cannot
// make a caller loop forever.
func (s *streamDecoder) run(b *Buffer) Status {
	inStart, outStart := b.InPos, b.OutPos
	ret := s.decode(b)
	if ret == OK && inStart == b.InPos && outStart == b.OutPos {
		if s.allowBufError {
			ret = BufError
		}
		s.allowBufError = true
	} else {
		s.allowBufError = false
	}
	return ret
}

// fillTemp copies input into temp.buf. It returns true once temp.buf is
// full.
func (s *streamDecoder) fillTemp(b *Buffer) bool {
	n := copy(s.temp.buf[s.temp.pos:], b.In[b.InPos:])
	b.InPos += n
	s.temp.pos += n
	if s.temp.pos == len(s.temp.buf) {
		s.temp.pos = 0
		return true
	}
	return false
}

// decodeVLI continues decoding a VLI from in[*inPos:]. It returns StreamEnd
// once the integer is complete.
func (s *streamDecoder) decodeVLI(in []byte, inPos *int) Status {
	if s.pos == 0 {
		s.vli = 0
	}
	for *inPos < len(in) {
		c := in[*inPos]
		*inPos++
		s.vli |= vli(c&0x7f) << s.pos
		if c&0x80 == 0 {
			// Non-minimal encodings are invalid.
			if c == 0 && s.pos != 0 {
				return DataError
			}
			s.pos = 0
			return StreamEnd
		}
		s.pos += 7
		if s.pos == 7*vliBytesMax {
			return DataError
		}
	}
	return OK
}

// decodeBlock runs the filter chain and checks the observed sizes against
// the ones stored in the block header.
func (s *streamDecoder) decodeBlock(b *Buffer) Status {
	s.inStart = b.InPos
	s.outStart = b.OutPos
	ret := s.chain(b)
	s.block.compressed += vli(b.InPos - s.inStart)
	s.block.uncompressed += vli(b.OutPos - s.outStart)
	// Observed sizes are always below vliUnknown.
	if s.block.compressed > s.blockHeader.compressed ||
		s.block.uncompressed > s.blockHeader.uncompressed {
		return DataError
	}
	if s.check != nil {
		s.check.Write(b.Out[s.outStart:b.OutPos])
	}
	if ret != StreamEnd {
		return ret
	}
	if s.blockHeader.compressed != vliUnknown &&
		s.blockHeader.compressed != s.block.compressed {
		return DataError
	}
	if s.blockHeader.uncompressed != vliUnknown &&
		s.blockHeader.uncompressed != s.block.uncompressed {
		return DataError
	}
	unpadded := vli(s.blockHeader.size) + s.block.compressed +
		vli(checkSizes[s.header.CheckType])
	s.block.hash.add(unpadded, s.block.uncompressed)
	s.block.count++
	return StreamEnd
}

// indexUpdate adds the index bytes consumed in this run to the index size
// and CRC32.
func (s *streamDecoder) indexUpdate(b *Buffer) {
	used := b.In[s.inStart:b.InPos]
	s.index.size += vli(len(used))
	s.indexCRC.Write(used)
}

// decodeIndex decodes the number of records and the records of the index.
// Padding and CRC32 are handled by decode.
func (s *streamDecoder) decodeIndex(b *Buffer) Status {
	for {
		ret := s.decodeVLI(b.In, &b.InPos)
		if ret != StreamEnd {
			s.indexUpdate(b)
			return ret
		}
		switch s.index.sequence {
		case seqIndexCount:
			s.index.count = s.vli
			if s.index.count != s.block.count {
				return DataError
			}
			s.index.sequence = seqIndexUnpadded
		case seqIndexUnpadded:
			s.index.hash.unpadded += s.vli
			s.index.sequence = seqIndexUncompressed
		case seqIndexUncompressed:
			// unpadded was already advanced by the previous field.
			s.index.hash.add(0, s.vli)
			s.index.count--
			s.index.sequence = seqIndexUnpadded
		}
		if s.index.count == 0 {
			return StreamEnd
		}
	}
}

// validateCRC32 compares the next bytes of input with the little-endian
// index CRC32.
func (s *streamDecoder) validateCRC32(b *Buffer) Status {
	var sum [4]byte
	binary.LittleEndian.PutUint32(sum[:], s.indexCRC.Sum32())
	for s.pos < len(sum) {
		if b.InPos == len(b.In) {
			return OK
		}
		if sum[s.pos] != b.In[b.InPos] {
			return DataError
		}
		b.InPos++
		s.pos++
	}
	s.indexCRC.Reset()
	s.pos = 0
	return StreamEnd
}

// validateCheck compares the next bytes of input with the block check.
// CRCs are stored little-endian, SHA-256 in its natural byte order.
func (s *streamDecoder) validateCheck(b *Buffer) Status {
	sum := s.check.Sum(nil)
	if s.header.CheckType == CheckCRC32 || s.header.CheckType == CheckCRC64 {
		for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
			sum[i], sum[j] = sum[j], sum[i]
		}
	}
	for s.pos < len(sum) {
		if b.InPos == len(b.In) {
			return OK
		}
		if sum[s.pos] != b.In[b.InPos] {
			return DataError
		}
		b.InPos++
		s.pos++
	}
	s.check.Reset()
	s.pos = 0
	return StreamEnd
}

// skipCheck skips a check field that is not verified. It returns true once
// the whole field has been skipped.
func (s *streamDecoder) skipCheck(b *Buffer) bool {
	for s.pos < checkSizes[s.header.CheckType] {
		if b.InPos == len(b.In) {
			return false
		}
		b.InPos++
		s.pos++
	}
	s.pos = 0
	return true
}

func (s *streamDecoder) decodeStreamHeader() Status {
	buf := s.temp.buf
	if string(buf[:len(headerMagic)]) != headerMagic {
		return FormatError
	}
	flags := buf[len(headerMagic) : len(headerMagic)+2]
	if crc32.Checksum(flags, crc32Table) != binary.LittleEndian.Uint32(buf[len(headerMagic)+2:]) {
		return DataError
	}
	if flags[0] != 0 {
		return OptionsError
	}
	// Unknown check IDs up to checkMax are allowed; the check field is
	// then skipped after UnsupportedCheck has been reported.
	s.header.CheckType = CheckID(flags[1])
	if s.header.CheckType > checkMax {
		return OptionsError
	}
	switch s.header.CheckType {
	case CheckNone:
		return OK
	case CheckCRC32:
		if s.crc32 == nil {
			s.crc32 = crc32.New(crc32Table)
		}
		s.check = s.crc32
	case CheckCRC64:
		if s.crc64 == nil {
			s.crc64 = crc64.New(crc64Table)
		}
		s.check = s.crc64
	case CheckSHA256:
		if s.sha256 == nil {
			s.sha256 = digest.SHA256.Hash()
		}
		s.check = s.sha256
	default:
		return UnsupportedCheck
	}
	s.check.Reset()
	return OK
}

func (s *streamDecoder) decodeStreamFooter() Status {
	buf := s.temp.buf
	if string(buf[10:10+len(footerMagic)]) != footerMagic {
		return DataError
	}
	if crc32.Checksum(buf[4:10], crc32Table) != binary.LittleEndian.Uint32(buf) {
		return DataError
	}
	// Backward size counts the index CRC32 too, but index.size does not,
	// so there is no -1 here.
	if s.index.size>>2 != vli(binary.LittleEndian.Uint32(buf[4:])) {
		return DataError
	}
	if buf[8] != 0 || CheckID(buf[9]) != s.header.CheckType {
		return DataError
	}
	return StreamEnd
}

type filterSpec struct {
	id    filterID
	props uint32
}

// decodeBlockHeader parses the block header in temp and builds the filter
// chain for the block.
func (s *streamDecoder) decodeBlockHeader() Status {
	crc := binary.LittleEndian.Uint32(s.temp.buf[len(s.temp.buf)-4:])
	s.temp.buf = s.temp.buf[:len(s.temp.buf)-4]
	buf := s.temp.buf
	if crc32.Checksum(buf, crc32Table) != crc {
		return DataError
	}
	s.temp.pos = 2

	flags := buf[1]
	if flags&0x3c != 0 {
		return OptionsError
	}
	if flags&0x40 != 0 {
		if s.decodeVLI(buf, &s.temp.pos) != StreamEnd {
			return DataError
		}
		// The block must stay below 2^63 bytes including its header,
		// and compressed size must be non-zero.
		if s.vli >= 1<<63-8 || s.vli == 0 {
			return DataError
		}
		s.blockHeader.compressed = s.vli
	} else {
		s.blockHeader.compressed = vliUnknown
	}
	if flags&0x80 != 0 {
		if s.decodeVLI(buf, &s.temp.pos) != StreamEnd {
			return DataError
		}
		s.blockHeader.uncompressed = s.vli
	} else {
		s.blockHeader.uncompressed = vliUnknown
	}

	filters := make([]filterSpec, int(flags&0x03)+1)
	last := len(filters) - 1
	for i := 0; i < last; i++ {
		// Filter flags are at least two bytes.
		if len(buf)-s.temp.pos < 2 {
			return DataError
		}
		id := filterID(buf[s.temp.pos])
		propsSize := buf[s.temp.pos+1]
		s.temp.pos += 2
		switch id {
		case idDelta:
			if propsSize != 0x01 {
				return OptionsError
			}
			if len(buf)-s.temp.pos < 1 {
				return DataError
			}
			// The property byte is the distance minus one.
			filters[i] = filterSpec{id: id, props: uint32(buf[s.temp.pos])}
			s.temp.pos++
		case idBCJX86, idBCJPowerPC, idBCJIA64, idBCJARM, idBCJARMThumb, idBCJSPARC:
			var offset uint32
			switch propsSize {
			case 0x00:
			case 0x04:
				if len(buf)-s.temp.pos < 4 {
					return DataError
				}
				offset = binary.LittleEndian.Uint32(buf[s.temp.pos:])
				s.temp.pos += 4
			default:
				return OptionsError
			}
			filters[i] = filterSpec{id: id, props: offset}
		default:
			return OptionsError
		}
	}

	// The last filter must be LZMA2 with a one byte property.
	if len(buf)-s.temp.pos < 2 {
		return DataError
	}
	if filterID(buf[s.temp.pos]) != idLZMA2 {
		return OptionsError
	}
	s.temp.pos++
	if buf[s.temp.pos] != 0x01 {
		return OptionsError
	}
	s.temp.pos++
	if len(buf)-s.temp.pos < 1 {
		return DataError
	}
	filters[last] = filterSpec{id: idLZMA2, props: uint32(buf[s.temp.pos])}
	s.temp.pos++

	if ret := s.buildChain(filters); ret != OK {
		return ret
	}

	// The rest is header padding.
	for ; s.temp.pos < len(buf); s.temp.pos++ {
		if buf[s.temp.pos] != 0x00 {
			return OptionsError
		}
	}
	s.temp.pos = 0
	s.block.compressed = 0
	s.block.uncompressed = 0
	return OK
}

// buildChain resets the filters of a block and links them from LZMA2
// backwards. Filter state is reused across blocks.
func (s *streamDecoder) buildChain(filters []filterSpec) Status {
	s.deltasUsed = 0
	s.bcjsUsed = 0
	last := len(filters) - 1
	if ret := s.lzma2.reset(byte(filters[last].props)); ret != OK {
		return ret
	}
	lz := s.lzma2
	s.chain = lz.run
	for i := last - 1; i >= 0; i-- {
		next := s.chain
		switch f := filters[i]; f.id {
		case idDelta:
			if s.deltasUsed == len(s.deltas) {
				s.deltas = append(s.deltas, &deltaDecoder{})
			}
			delta := s.deltas[s.deltasUsed]
			s.deltasUsed++
			if ret := delta.reset(int(f.props) + 1); ret != OK {
				return ret
			}
			s.chain = func(b *Buffer) Status { return delta.run(b, next) }
		default:
			if s.bcjsUsed == len(s.bcjs) {
				s.bcjs = append(s.bcjs, &bcjDecoder{})
			}
			bcj := s.bcjs[s.bcjsUsed]
			s.bcjsUsed++
			if ret := bcj.reset(f.id, f.props); ret != OK {
				return ret
			}
			s.chain = func(b *Buffer) Status { return bcj.run(b, next) }
		}
	}
	return OK
}

// decode advances through the container sequence as far as b allows.
func (s *streamDecoder) decode(b *Buffer) Status {
	// Remember where this run started in case it is in the middle of the
	// index.
	s.inStart = b.InPos
	for {
		switch s.sequence {
		case seqStreamHeader:
			if !s.fillTemp(b) {
				return OK
			}
			// Decoding can continue after UnsupportedCheck, so move on
			// before looking at the header.
			s.sequence = seqBlockStart
			if ret := s.decodeStreamHeader(); ret != OK {
				return ret
			}
			fallthrough
		case seqBlockStart:
			if b.InPos == len(b.In) {
				return OK
			}
			// A zero byte starts the index.
			if b.In[b.InPos] == 0 {
				s.inStart = b.InPos
				b.InPos++
				s.sequence = seqIndex
				continue
			}
			s.blockHeader.size = (int(b.In[b.InPos]) + 1) * 4
			s.temp.buf = s.temp.arr[:s.blockHeader.size]
			s.temp.pos = 0
			s.sequence = seqBlockHeader
			fallthrough
		case seqBlockHeader:
			if !s.fillTemp(b) {
				return OK
			}
			if ret := s.decodeBlockHeader(); ret != OK {
				return ret
			}
			s.sequence = seqBlockUncompress
			fallthrough
		case seqBlockUncompress:
			if ret := s.decodeBlock(b); ret != StreamEnd {
				return ret
			}
			s.sequence = seqBlockPadding
			fallthrough
		case seqBlockPadding:
			// Compressed data plus padding is a multiple of four. The
			// compressed size is not needed after this, so it counts the
			// padding.
			for s.block.compressed&3 != 0 {
				if b.InPos == len(b.In) {
					return OK
				}
				if b.In[b.InPos] != 0 {
					return DataError
				}
				b.InPos++
				s.block.compressed++
			}
			s.sequence = seqBlockCheck
			fallthrough
		case seqBlockCheck:
			if s.check != nil {
				if ret := s.validateCheck(b); ret != StreamEnd {
					return ret
				}
			} else if !s.skipCheck(b) {
				return OK
			}
			s.sequence = seqBlockStart
		case seqIndex:
			if ret := s.decodeIndex(b); ret != StreamEnd {
				return ret
			}
			s.sequence = seqIndexPadding
			fallthrough
		case seqIndexPadding:
			for (s.index.size+vli(b.InPos-s.inStart))&3 != 0 {
				if b.InPos == len(b.In) {
					s.indexUpdate(b)
					return OK
				}
				if b.In[b.InPos] != 0 {
					return DataError
				}
				b.InPos++
			}
			s.indexUpdate(b)
			if !bytes.Equal(s.block.hash.h.Sum(nil), s.index.hash.h.Sum(nil)) {
				return DataError
			}
			s.sequence = seqIndexCRC32
			fallthrough
		case seqIndexCRC32:
			if ret := s.validateCRC32(b); ret != StreamEnd {
				return ret
			}
			s.temp.buf = s.temp.arr[:streamHeaderSize]
			s.sequence = seqStreamFooter
			fallthrough
		case seqStreamFooter:
			if !s.fillTemp(b) {
				return OK
			}
			return s.decodeStreamFooter()
		}
	}
}
