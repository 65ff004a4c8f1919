package flux

import (
	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// IBM track format constants. The raw 16-bit words are the on-surface
// clock/data interleave of the special mark bytes: A1 with a missing clock
// is 0x4489, C2 is 0x5224. FM marks carry their nonstandard clock inline.
const (
	mfmSyncA1 = 0x4489
	mfmSyncC2 = 0x5224

	markIDAM        = 0xFE
	markDAM         = 0xFB
	markDAMDeleted  = 0xF8
	markIndex       = 0xFC

	fmRawIDAM        = 0xF57E // FE with clock C7
	fmRawDAM         = 0xF56F // FB with clock C7
	fmRawDAMDeleted  = 0xF56A // F8 with clock C7

	// Canonical gap fill and lengths for a double-density IBM track.
	gapByteMFM   = 0x4E
	gapByteFM    = 0xFF
	presyncBytes = 12
	gap1Bytes    = 50
	gap2Bytes    = 22
	gap3Bytes    = 54
	fillBadMFM   = 0xF6
)

// mfmCRCSeed is the CCITT value after the three A1 sync bytes.
var mfmCRCSeed = CRC16(crcInit, []byte{0xA1, 0xA1, 0xA1})

// mfmSyncTriple is the 48-bit raw pattern of three consecutive A1 syncs.
const mfmSyncTriple = uint64(mfmSyncA1)<<32 | uint64(mfmSyncA1)<<16 | uint64(mfmSyncA1)

// EncodeMFMByte appends one data byte to the stream in MFM clock/data
// interleave. lastBit is the final data bit previously written; the updated
// value is returned.
func EncodeMFMByte(bs *Bitstream, b byte, lastBit int) int {
	for i := 7; i >= 0; i-- {
		data := int(b>>uint(i)) & 1
		clock := 0
		if lastBit == 0 && data == 0 {
			clock = 1
		}
		bs.AppendBit(clock)
		bs.AppendBit(data)
		lastBit = data
	}
	return lastBit
}

// appendMFMSync appends one A1 sync byte with its missing clock bit.
func appendMFMSync(bs *Bitstream) {
	bs.AppendBits(mfmSyncA1, 16)
}

// EncodeFMByte appends one data byte with standard FM clocking (every clock
// bit set).
func EncodeFMByte(bs *Bitstream, b byte) {
	for i := 7; i >= 0; i-- {
		bs.AppendBit(1)
		bs.AppendBit(int(b>>uint(i)) & 1)
	}
}

// appendFMRaw appends a raw 16-bit FM cell pattern (used for address marks
// with nonstandard clocks).
func appendFMRaw(bs *Bitstream, raw uint16) {
	bs.AppendBits(uint64(raw), 16)
}

// ScanMFM scans a raw MFM bitstream for IDAM/DAM pairs and returns the
// decoded sectors. Sectors whose data CRC fails are returned with status
// SectorCRCError and their payload retained; ID fields whose CRC fails are
// skipped entirely. Weak-bit positions recorded on the stream are projected
// into per-sector weak masks.
func ScanMFM(bs *Bitstream) []uft.Sector {
	var sectors []uft.Sector
	r := NewBitReader(bs)
	history := uint64(0)

	weakSet := make(map[int]bool, len(bs.WeakBits))
	for _, pos := range bs.WeakBits {
		weakSet[pos] = true
	}

	for {
		bit, ok := r.ReadHalfBit()
		if !ok {
			return sectors
		}
		history = history<<1 | uint64(bit)
		if history&0xFFFFFFFFFFFF != mfmSyncTriple {
			continue
		}
		mark, ok := r.ReadDataByte()
		if !ok {
			return sectors
		}
		if mark != markIDAM {
			continue
		}
		sector, ok := readMFMSector(r, weakSet)
		if ok {
			sectors = append(sectors, sector)
		}
	}
}

// readMFMSector parses the ID field after an IDAM and, when the header
// checks out, the following data field.
func readMFMSector(r *BitReader, weakSet map[int]bool) (uft.Sector, bool) {
	var hdr [6]byte
	for i := range hdr {
		b, ok := r.ReadDataByte()
		if !ok {
			return uft.Sector{}, false
		}
		hdr[i] = b
	}
	crc := CRC16Byte(mfmCRCSeed, markIDAM)
	crc = CRC16(crc, hdr[:4])
	if crc != uint16(hdr[4])<<8|uint16(hdr[5]) {
		return uft.Sector{}, false
	}

	sector := uft.Sector{
		ID: uft.SectorID{
			Cylinder: hdr[0],
			Head:     hdr[1],
			Sector:   hdr[2],
			SizeCode: hdr[3] & 0x03,
		},
		Status: uft.SectorMissing,
	}

	// The DAM must follow within gap2 plus slack; scanning further would
	// steal the next sector's data field.
	mark, found := scanForMark(r, (gap2Bytes+16)*16)
	if !found {
		return sector, true
	}
	if mark != markDAM && mark != markDAMDeleted {
		return sector, true
	}

	size := sector.ID.SizeBytes()
	data := make([]byte, size)
	dataStartBit := r.Pos()
	for i := 0; i < size; i++ {
		b, ok := r.ReadDataByte()
		if !ok {
			return sector, true
		}
		data[i] = b
	}
	var crcBytes [2]byte
	for i := range crcBytes {
		b, ok := r.ReadDataByte()
		if !ok {
			return sector, true
		}
		crcBytes[i] = b
	}

	dataCRC := CRC16Byte(mfmCRCSeed, mark)
	dataCRC = CRC16(dataCRC, data)
	sector.Data = data
	switch {
	case dataCRC != uint16(crcBytes[0])<<8|uint16(crcBytes[1]):
		sector.Status = uft.SectorCRCError
	case mark == markDAMDeleted:
		sector.Status = uft.SectorDeleted
	default:
		sector.Status = uft.SectorOK
	}

	if len(weakSet) > 0 {
		mask := weakMaskForRange(weakSet, dataStartBit, size)
		if mask != nil {
			sector.WeakMask = mask
			if sector.Status == uft.SectorOK {
				sector.Status = uft.SectorWeak
			}
		}
	}
	return sector, true
}

// weakMaskForRange builds a one-bit-per-data-byte mask for the data field
// beginning at startBit, or nil if no weak bits land inside it.
func weakMaskForRange(weakSet map[int]bool, startBit, sizeBytes int) []byte {
	var mask []byte
	for i := 0; i < sizeBytes; i++ {
		byteStart := startBit + i*16
		weak := false
		for b := byteStart; b < byteStart+16; b++ {
			if weakSet[b] {
				weak = true
				break
			}
		}
		if weak {
			if mask == nil {
				mask = make([]byte, (sizeBytes+7)/8)
			}
			mask[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return mask
}

// scanForMark searches for the next A1 A1 A1 <mark> within the given number
// of half-bits.
func scanForMark(r *BitReader, limit int) (byte, bool) {
	history := uint64(0)
	for consumed := 0; consumed < limit; consumed++ {
		bit, ok := r.ReadHalfBit()
		if !ok {
			return 0, false
		}
		history = history<<1 | uint64(bit)
		if history&0xFFFFFFFFFFFF == mfmSyncTriple {
			mark, ok := r.ReadDataByte()
			return mark, ok
		}
	}
	return 0, false
}

// ScanFM scans an FM bitstream for sectors. FM marks are matched on their
// raw 16-bit cell patterns since the nonstandard clock is what distinguishes
// a mark from a plain data byte.
func ScanFM(bs *Bitstream) []uft.Sector {
	var sectors []uft.Sector
	r := NewBitReader(bs)
	history := uint32(0)
	for {
		bit, ok := r.ReadHalfBit()
		if !ok {
			return sectors
		}
		history = history<<1 | uint32(bit)
		if uint16(history) != fmRawIDAM {
			continue
		}
		sector, ok := readFMSector(r)
		if ok {
			sectors = append(sectors, sector)
		}
	}
}

func readFMSector(r *BitReader) (uft.Sector, bool) {
	var hdr [6]byte
	for i := range hdr {
		b, ok := r.ReadDataByte()
		if !ok {
			return uft.Sector{}, false
		}
		hdr[i] = b
	}
	crc := CRC16Byte(crcInit, markIDAM)
	crc = CRC16(crc, hdr[:4])
	if crc != uint16(hdr[4])<<8|uint16(hdr[5]) {
		return uft.Sector{}, false
	}
	sector := uft.Sector{
		ID: uft.SectorID{
			Cylinder: hdr[0],
			Head:     hdr[1],
			Sector:   hdr[2],
			SizeCode: hdr[3] & 0x03,
		},
		Status: uft.SectorMissing,
	}

	history := uint32(0)
	mark := byte(0)
	found := false
	for consumed := 0; consumed < (gap2Bytes+16)*16; consumed++ {
		bit, ok := r.ReadHalfBit()
		if !ok {
			return sector, true
		}
		history = history<<1 | uint32(bit)
		if uint16(history) == fmRawDAM {
			mark, found = markDAM, true
			break
		}
		if uint16(history) == fmRawDAMDeleted {
			mark, found = markDAMDeleted, true
			break
		}
	}
	if !found {
		return sector, true
	}

	size := sector.ID.SizeBytes()
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		b, ok := r.ReadDataByte()
		if !ok {
			return sector, true
		}
		data[i] = b
	}
	var crcBytes [2]byte
	for i := range crcBytes {
		b, ok := r.ReadDataByte()
		if !ok {
			return sector, true
		}
		crcBytes[i] = b
	}
	dataCRC := CRC16Byte(crcInit, mark)
	dataCRC = CRC16(dataCRC, data)
	sector.Data = data
	switch {
	case dataCRC != uint16(crcBytes[0])<<8|uint16(crcBytes[1]):
		sector.Status = uft.SectorCRCError
	case mark == markDAMDeleted:
		sector.Status = uft.SectorDeleted
	default:
		sector.Status = uft.SectorOK
	}
	return sector, true
}

// EncodeTrackMFM lays out a full double-density IBM track: gap 1, then for
// each sector a presync run, IDAM, gap 2, presync, DAM, payload, CRC and
// gap 3, closed by gap filler. Sectors are written in the order given, which
// is how interleave is expressed.
func EncodeTrackMFM(sectors []uft.Sector) (*Bitstream, error) {
	bs := NewBitstream(200000)
	last := 0

	writeGap := func(n int) {
		for i := 0; i < n; i++ {
			last = EncodeMFMByte(bs, gapByteMFM, last)
		}
	}
	writePresync := func() {
		for i := 0; i < presyncBytes; i++ {
			last = EncodeMFMByte(bs, 0x00, last)
		}
	}

	writeGap(gap1Bytes)
	for i := range sectors {
		sec := &sectors[i]
		if sec.Data != nil && len(sec.Data) != sec.ID.SizeBytes() {
			return nil, uerrors.ErrInvalidParam.WithMessage("sector payload disagrees with its size code")
		}

		writePresync()
		for s := 0; s < 3; s++ {
			appendMFMSync(bs)
		}
		last = 1
		last = EncodeMFMByte(bs, markIDAM, last)
		hdr := []byte{sec.ID.Cylinder, sec.ID.Head, sec.ID.Sector, sec.ID.SizeCode}
		crc := CRC16Byte(mfmCRCSeed, markIDAM)
		crc = CRC16(crc, hdr)
		for _, b := range append(hdr, byte(crc>>8), byte(crc)) {
			last = EncodeMFMByte(bs, b, last)
		}
		writeGap(gap2Bytes)

		data := sec.Data
		if data == nil {
			// Unrecoverable source sector: canonical bad fill.
			data = make([]byte, sec.ID.SizeBytes())
			for j := range data {
				data[j] = fillBadMFM
			}
		}
		mark := byte(markDAM)
		if sec.Status == uft.SectorDeleted {
			mark = markDAMDeleted
		}
		writePresync()
		for s := 0; s < 3; s++ {
			appendMFMSync(bs)
		}
		last = 1
		last = EncodeMFMByte(bs, mark, last)
		dataCRC := CRC16Byte(mfmCRCSeed, mark)
		dataCRC = CRC16(dataCRC, data)
		for _, b := range data {
			last = EncodeMFMByte(bs, b, last)
		}
		last = EncodeMFMByte(bs, byte(dataCRC>>8), last)
		last = EncodeMFMByte(bs, byte(dataCRC), last)
		writeGap(gap3Bytes)
	}
	writeGap(gap1Bytes)
	return bs, nil
}

// EncodeTrackFM lays out a single-density FM track with the same structure
// as EncodeTrackMFM but FM clocking and 0xFF gap fill.
func EncodeTrackFM(sectors []uft.Sector) (*Bitstream, error) {
	bs := NewBitstream(100000)

	writeGap := func(n int) {
		for i := 0; i < n; i++ {
			EncodeFMByte(bs, gapByteFM)
		}
	}
	writePresync := func() {
		for i := 0; i < 6; i++ {
			EncodeFMByte(bs, 0x00)
		}
	}

	writeGap(gap1Bytes / 2)
	for i := range sectors {
		sec := &sectors[i]
		if sec.Data != nil && len(sec.Data) != sec.ID.SizeBytes() {
			return nil, uerrors.ErrInvalidParam.WithMessage("sector payload disagrees with its size code")
		}

		writePresync()
		appendFMRaw(bs, fmRawIDAM)
		hdr := []byte{sec.ID.Cylinder, sec.ID.Head, sec.ID.Sector, sec.ID.SizeCode}
		crc := CRC16Byte(crcInit, markIDAM)
		crc = CRC16(crc, hdr)
		for _, b := range append(hdr, byte(crc>>8), byte(crc)) {
			EncodeFMByte(bs, b)
		}
		writeGap(gap2Bytes / 2)

		data := sec.Data
		if data == nil {
			data = make([]byte, sec.ID.SizeBytes())
			for j := range data {
				data[j] = fillBadMFM
			}
		}
		mark := byte(markDAM)
		raw := uint16(fmRawDAM)
		if sec.Status == uft.SectorDeleted {
			mark = markDAMDeleted
			raw = fmRawDAMDeleted
		}
		writePresync()
		appendFMRaw(bs, raw)
		dataCRC := CRC16Byte(crcInit, mark)
		dataCRC = CRC16(dataCRC, data)
		for _, b := range data {
			EncodeFMByte(bs, b)
		}
		EncodeFMByte(bs, byte(dataCRC>>8))
		EncodeFMByte(bs, byte(dataCRC))
		writeGap(gap3Bytes / 2)
	}
	writeGap(gap1Bytes / 2)
	return bs, nil
}
