package flux

import (
	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// Commodore group code recording: each 4-bit nibble maps to a 5-bit code
// chosen so that no code starts or ends with two zeros and none contains
// three consecutive zeros.
var cbmGCREncode = [16]byte{
	0x0A, 0x0B, 0x12, 0x13, 0x0E, 0x0F, 0x16, 0x17,
	0x09, 0x19, 0x1A, 0x1B, 0x0D, 0x1D, 0x1E, 0x15,
}

var cbmGCRDecode = func() [32]int8 {
	var table [32]int8
	for i := range table {
		table[i] = -1
	}
	for nibble, code := range cbmGCREncode {
		table[code] = int8(nibble)
	}
	return table
}()

const (
	cbmHeaderBlockID = 0x08
	cbmDataBlockID   = 0x07
	cbmSyncBits      = 40
	cbmHeaderGap     = 9
	cbmSectorGap     = 8
	fillBadGCR       = 0x00
)

// cbmEncodeBytes appends the GCR expansion of data to the stream: every
// 4 bytes become 5 on the surface.
func cbmEncodeBytes(bs *Bitstream, data []byte) {
	for _, b := range data {
		bs.AppendBits(uint64(cbmGCREncode[b>>4]), 5)
		bs.AppendBits(uint64(cbmGCREncode[b&0x0F]), 5)
	}
}

func cbmWriteSync(bs *Bitstream) {
	for i := 0; i < cbmSyncBits; i++ {
		bs.AppendBit(1)
	}
}

func cbmWriteGap(bs *Bitstream, n int) {
	for i := 0; i < n; i++ {
		bs.AppendBits(0x55, 8)
	}
}

// EncodeGCRCommodore lays out a 1541-style GCR track. Each sector gets a
// header block carrying the disk ID and track/sector address, then a data
// block with an XOR checksum. Track numbers are 1-based on the surface.
func EncodeGCRCommodore(track int, sectors []uft.Sector, diskID [2]byte) (*Bitstream, error) {
	bs := NewBitstream(80000)
	for i := range sectors {
		sec := &sectors[i]
		data := sec.Data
		if data == nil {
			data = make([]byte, 256)
		}
		if len(data) != 256 {
			return nil, uerrors.ErrInvalidParam.WithMessage("Commodore GCR sectors are 256 bytes")
		}

		hdrChecksum := sec.ID.Sector ^ byte(track) ^ diskID[0] ^ diskID[1]
		header := []byte{
			cbmHeaderBlockID, hdrChecksum, sec.ID.Sector, byte(track),
			diskID[1], diskID[0], 0x0F, 0x0F,
		}
		cbmWriteSync(bs)
		cbmEncodeBytes(bs, header)
		cbmWriteGap(bs, cbmHeaderGap)

		checksum := byte(0)
		for _, b := range data {
			checksum ^= b
		}
		block := make([]byte, 0, 260)
		block = append(block, cbmDataBlockID)
		block = append(block, data...)
		block = append(block, checksum, 0x00, 0x00)
		cbmWriteSync(bs)
		cbmEncodeBytes(bs, block)
		cbmWriteGap(bs, cbmSectorGap)
	}
	return bs, nil
}

// cbmScanner reads GCR-coded bytes from a bitstream, resynchronizing on
// sync runs.
type cbmScanner struct {
	bs  *Bitstream
	pos int
}

// nextSync advances past the next run of 10 or more set bits and stops on
// the first zero bit after it. Returns false at end of stream.
func (s *cbmScanner) nextSync() bool {
	run := 0
	for s.pos < s.bs.Length {
		if s.bs.Bit(s.pos) == 1 {
			run++
			s.pos++
			continue
		}
		if run >= 10 {
			return true
		}
		run = 0
		s.pos++
	}
	return false
}

// readByte decodes two 5-bit GCR groups into one byte.
func (s *cbmScanner) readByte() (byte, bool) {
	var nibbles [2]byte
	for n := 0; n < 2; n++ {
		code := 0
		for i := 0; i < 5; i++ {
			if s.pos >= s.bs.Length {
				return 0, false
			}
			code = code<<1 | s.bs.Bit(s.pos)
			s.pos++
		}
		decoded := cbmGCRDecode[code]
		if decoded < 0 {
			return 0, false
		}
		nibbles[n] = byte(decoded)
	}
	return nibbles[0]<<4 | nibbles[1], true
}

func (s *cbmScanner) readBytes(buf []byte) bool {
	for i := range buf {
		b, ok := s.readByte()
		if !ok {
			return false
		}
		buf[i] = b
	}
	return true
}

// ScanGCRCommodore decodes every sector on a Commodore GCR track. Data
// blocks with a failing XOR checksum are kept with status SectorCRCError;
// headers whose own checksum fails are skipped.
func ScanGCRCommodore(bs *Bitstream) []uft.Sector {
	var sectors []uft.Sector
	s := &cbmScanner{bs: bs}
	for s.nextSync() {
		var header [8]byte
		if !s.readBytes(header[:]) {
			continue
		}
		if header[0] != cbmHeaderBlockID {
			continue
		}
		if header[1] != header[2]^header[3]^header[4]^header[5] {
			continue
		}
		sector := uft.Sector{
			ID: uft.SectorID{
				Cylinder: header[3] - 1,
				Sector:   header[2],
				SizeCode: 1,
			},
			Status: uft.SectorMissing,
		}

		if !s.nextSync() {
			sectors = append(sectors, sector)
			break
		}
		var block [258]byte
		if !s.readBytes(block[:]) || block[0] != cbmDataBlockID {
			sectors = append(sectors, sector)
			continue
		}
		checksum := byte(0)
		for _, b := range block[1:257] {
			checksum ^= b
		}
		sector.Data = append([]byte(nil), block[1:257]...)
		if checksum == block[257] {
			sector.Status = uft.SectorOK
		} else {
			sector.Status = uft.SectorCRCError
		}
		sectors = append(sectors, sector)
	}
	return sectors
}

// Apple II 6-and-2 encoding. 256 data bytes expand to 342 six-bit values
// plus an XOR checksum, each written as one of 64 disk nibbles.
var appleGCREncode = [64]byte{
	0x96, 0x97, 0x9A, 0x9B, 0x9D, 0x9E, 0x9F, 0xA6,
	0xA7, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF, 0xB2, 0xB3,
	0xB4, 0xB5, 0xB6, 0xB7, 0xB9, 0xBA, 0xBB, 0xBC,
	0xBD, 0xBE, 0xBF, 0xCB, 0xCD, 0xCE, 0xCF, 0xD3,
	0xD6, 0xD7, 0xD9, 0xDA, 0xDB, 0xDC, 0xDD, 0xDE,
	0xDF, 0xE5, 0xE6, 0xE7, 0xE9, 0xEA, 0xEB, 0xEC,
	0xED, 0xEE, 0xEF, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6,
	0xF7, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD, 0xFE, 0xFF,
}

var appleGCRDecode = func() [256]int16 {
	var table [256]int16
	for i := range table {
		table[i] = -1
	}
	for v, nibble := range appleGCREncode {
		table[nibble] = int16(v)
	}
	return table
}()

// swap2 reverses a 2-bit pair; the 6-and-2 scheme stores the low bits of
// each byte bit-reversed in the auxiliary block.
var swap2 = [4]byte{0, 2, 1, 3}

const (
	appleAddressPrologue = 0xD5AA96
	appleDataPrologue    = 0xD5AAAD
	appleEpilogue1       = 0xDE
	appleEpilogue2       = 0xAA
	appleEpilogue3       = 0xEB
	appleSelfSyncBytes   = 16
)

func appleWriteByte(bs *Bitstream, b byte) {
	bs.AppendBits(uint64(b), 8)
}

// appleWriteSelfSync writes a run of 10-bit self-sync nibbles (FF followed
// by two zero bits).
func appleWriteSelfSync(bs *Bitstream, n int) {
	for i := 0; i < n; i++ {
		bs.AppendBits(0xFF, 8)
		bs.AppendBits(0, 2)
	}
}

// appleWrite44 writes one byte in 4-and-4 odd/even encoding.
func appleWrite44(bs *Bitstream, b byte) {
	appleWriteByte(bs, (b>>1)|0xAA)
	appleWriteByte(bs, b|0xAA)
}

// EncodeGCRApple lays out a DOS 3.3 order 16-sector track: for each sector
// an address field (volume, track, sector, checksum in 4-and-4) and a
// 6-and-2 coded data field.
func EncodeGCRApple(volume, track int, sectors []uft.Sector) (*Bitstream, error) {
	bs := NewBitstream(60000)
	appleWriteSelfSync(bs, 40)
	for i := range sectors {
		sec := &sectors[i]
		data := sec.Data
		if data == nil {
			data = make([]byte, 256)
		}
		if len(data) != 256 {
			return nil, uerrors.ErrInvalidParam.WithMessage("Apple GCR sectors are 256 bytes")
		}

		appleWriteByte(bs, 0xD5)
		appleWriteByte(bs, 0xAA)
		appleWriteByte(bs, 0x96)
		appleWrite44(bs, byte(volume))
		appleWrite44(bs, byte(track))
		appleWrite44(bs, sec.ID.Sector)
		appleWrite44(bs, byte(volume)^byte(track)^sec.ID.Sector)
		appleWriteByte(bs, appleEpilogue1)
		appleWriteByte(bs, appleEpilogue2)
		appleWriteByte(bs, appleEpilogue3)

		appleWriteSelfSync(bs, 8)

		appleWriteByte(bs, 0xD5)
		appleWriteByte(bs, 0xAA)
		appleWriteByte(bs, 0xAD)
		var aux [86]byte
		for j := 0; j < 86; j++ {
			v := swap2[data[j]&3]
			v |= swap2[data[j+86]&3] << 2
			if j+172 < 256 {
				v |= swap2[data[j+172]&3] << 4
			}
			aux[j] = v
		}
		last := byte(0)
		for j := 85; j >= 0; j-- {
			appleWriteByte(bs, appleGCREncode[aux[j]^last])
			last = aux[j]
		}
		for j := 0; j < 256; j++ {
			v := data[j] >> 2
			appleWriteByte(bs, appleGCREncode[v^last])
			last = v
		}
		appleWriteByte(bs, appleGCREncode[last])
		appleWriteByte(bs, appleEpilogue1)
		appleWriteByte(bs, appleEpilogue2)
		appleWriteByte(bs, appleEpilogue3)

		appleWriteSelfSync(bs, appleSelfSyncBytes)
	}
	return bs, nil
}

// appleScanner reads whole disk nibbles; Apple hardware discards leading
// zero bits, so reading skips zeros until the high bit lands.
type appleScanner struct {
	bs  *Bitstream
	pos int
}

func (s *appleScanner) readNibble() (byte, bool) {
	b := byte(0)
	for s.pos < s.bs.Length {
		b = b<<1 | byte(s.bs.Bit(s.pos))
		s.pos++
		if b&0x80 != 0 {
			return b, true
		}
	}
	return 0, false
}

func (s *appleScanner) read44() (byte, bool) {
	hi, ok := s.readNibble()
	if !ok {
		return 0, false
	}
	lo, ok := s.readNibble()
	if !ok {
		return 0, false
	}
	return (hi<<1 | 1) & lo, true
}

// scanPrologue advances to just past the next D5 AA xx prologue, returning
// the third byte.
func (s *appleScanner) scanPrologue() (byte, bool) {
	window := uint32(0)
	for {
		nib, ok := s.readNibble()
		if !ok {
			return 0, false
		}
		window = window<<8 | uint32(nib)
		if window&0xFFFF00 == 0xD5AA00 {
			return byte(window), true
		}
	}
}

// ScanGCRApple decodes every sector of a 6-and-2 coded track. The address
// checksum gates the sector; a failing data checksum keeps the payload with
// status SectorCRCError.
func ScanGCRApple(bs *Bitstream) []uft.Sector {
	var sectors []uft.Sector
	s := &appleScanner{bs: bs}
	for {
		tag, ok := s.scanPrologue()
		if !ok {
			return sectors
		}
		if tag != 0x96 {
			continue
		}
		volume, ok1 := s.read44()
		track, ok2 := s.read44()
		secNum, ok3 := s.read44()
		checksum, ok4 := s.read44()
		if !(ok1 && ok2 && ok3 && ok4) {
			return sectors
		}
		if volume^track^secNum != checksum {
			continue
		}
		sector := uft.Sector{
			ID: uft.SectorID{
				Cylinder: track,
				Sector:   secNum,
				SizeCode: 1,
			},
			Status: uft.SectorMissing,
		}

		tag, ok = s.scanPrologue()
		if !ok || tag != 0xAD {
			sectors = append(sectors, sector)
			if !ok {
				return sectors
			}
			continue
		}

		var aux [86]byte
		var data [256]byte
		last := byte(0)
		bad := false
		for j := 85; j >= 0 && !bad; j-- {
			nib, ok := s.readNibble()
			if !ok {
				return append(sectors, sector)
			}
			v := appleGCRDecode[nib]
			if v < 0 {
				bad = true
				break
			}
			aux[j] = byte(v) ^ last
			last = aux[j]
		}
		for j := 0; j < 256 && !bad; j++ {
			nib, ok := s.readNibble()
			if !ok {
				return append(sectors, sector)
			}
			v := appleGCRDecode[nib]
			if v < 0 {
				bad = true
				break
			}
			data[j] = (byte(v) ^ last) << 2
			last = byte(v) ^ last
		}
		if bad {
			sectors = append(sectors, sector)
			continue
		}
		sumNib, ok := s.readNibble()
		if !ok {
			return append(sectors, sector)
		}
		sumOK := appleGCRDecode[sumNib] >= 0 && byte(appleGCRDecode[sumNib]) == last

		for j := 0; j < 86; j++ {
			data[j] |= swap2[aux[j]&3]
			data[j+86] |= swap2[(aux[j]>>2)&3]
			if j+172 < 256 {
				data[j+172] |= swap2[(aux[j]>>4)&3]
			}
		}
		sector.Data = append([]byte(nil), data[:]...)
		if sumOK {
			sector.Status = uft.SectorOK
		} else {
			sector.Status = uft.SectorCRCError
		}
		sectors = append(sectors, sector)
	}
}
