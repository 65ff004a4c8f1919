package formats

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
)

// PCE sector (PSI) and raw-flux (PRI) images: a tiny magic-and-version
// header followed by a typed chunk stream. PSI chunks carry track headers,
// individual sectors and their weak masks; PRI replaces the sector chunks
// with flux data in the sampler wire encoding. A weak chunk is accepted only
// after a sector chunk, so the PRI writer emits none.
//
// A write-mode PSI is flushed to stable storage before close returns; a
// crash after Save cannot lose the chunk stream.
const (
	psiMagic = "PSI\x1A"
	priMagic = "PRI\x1A"

	chunkEnd    = 0
	chunkTrack  = 1
	chunkSector = 2
	chunkFlux   = 3
	chunkWeak   = 4
)

type psiPlugin struct {
	flux bool
}

func (p psiPlugin) Name() string {
	if p.flux {
		return "pri"
	}
	return "psi"
}

func (p psiPlugin) Formats() []uft.Format {
	if p.flux {
		return []uft.Format{uft.FormatPRI}
	}
	return []uft.Format{uft.FormatPSI}
}

func (p psiPlugin) Capabilities() uft.Capabilities {
	caps := uft.CapRead | uft.CapWrite | uft.CapWeak
	if p.flux {
		caps |= uft.CapFlux | uft.CapMultiRev
	}
	return caps
}

func (p psiPlugin) magic() string {
	if p.flux {
		return priMagic
	}
	return psiMagic
}

func (p psiPlugin) Probe(data []byte) float32 {
	if len(data) >= 6 && bytes.HasPrefix(data, []byte(p.magic())) {
		return 0.95
	}
	return 0
}

func (p psiPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "bad chunk-stream magic")
	}

	format := uft.FormatPSI
	encoding := uft.EncodingMFM
	if p.flux {
		format = uft.FormatPRI
		encoding = uft.EncodingRaw
	}
	geometry := uft.Geometry{
		Cylinders: 84, Heads: 2, SectorsPerTrack: 18,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: encoding,
	}
	img := uft.NewDiskImage(format, geometry)

	var current *uft.Track
	offset := 6
	for {
		if offset+5 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "chunk stream not terminated")
		}
		chunkType := data[offset]
		size := int(binary.LittleEndian.Uint32(data[offset+1 : offset+5]))
		offset += 5
		if offset+size > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "chunk payload truncated")
		}
		payload := data[offset : offset+size]
		offset += size

		switch chunkType {
		case chunkEnd:
			markReadOnly(img, readOnly)
			return img, nil
		case chunkTrack:
			if len(payload) < 2 {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "track chunk too short")
			}
			track, err := img.EnsureTrack(int(payload[0]), int(payload[1]))
			if err != nil {
				return nil, err
			}
			current = track
		case chunkSector:
			if current == nil {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "sector chunk before any track")
			}
			if len(payload) < 5 {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "sector chunk too short")
			}
			sector := uft.Sector{
				ID: uft.SectorID{
					Cylinder: payload[0],
					Head:     payload[1],
					Sector:   payload[2],
					SizeCode: payload[3] & 0x03,
				},
				Status: uft.SectorStatus(payload[4]),
			}
			if len(payload) > 5 {
				sector.Data = append([]byte(nil), payload[5:]...)
			}
			current.Sectors = append(current.Sectors, sector)
		case chunkFlux:
			if current == nil {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "flux chunk before any track")
			}
			if len(payload) < 4 {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "flux chunk too short")
			}
			samples, indexTimes, err := flux.DecodeStream(payload[4:])
			if err != nil {
				return nil, err
			}
			current.Flux = &uft.FluxTrack{
				SampleFreqHz: binary.LittleEndian.Uint32(payload[0:4]),
				Samples:      samples,
				IndexTimes:   indexTimes,
				Revolutions:  uint8(len(indexTimes)),
			}
		case chunkWeak:
			if current == nil || len(current.Sectors) == 0 {
				return nil, uerrors.ErrFormat.AtOffset(int64(offset-size), "weak chunk before any sector")
			}
			last := &current.Sectors[len(current.Sectors)-1]
			last.WeakMask = append([]byte(nil), payload...)
			if last.Status == uft.SectorOK {
				last.Status = uft.SectorWeak
			}
		default:
			return nil, uerrors.ErrFormat.AtOffset(int64(offset-size-5), "unknown chunk type")
		}
	}
}

func (p psiPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}

	var out bytes.Buffer
	out.WriteString(p.magic())
	binary.Write(&out, binary.LittleEndian, uint16(0))

	writeChunk := func(chunkType byte, payload []byte) {
		out.WriteByte(chunkType)
		binary.Write(&out, binary.LittleEndian, uint32(len(payload)))
		out.Write(payload)
	}

	for _, track := range img.Tracks {
		if track == nil {
			continue
		}
		if len(track.Sectors) == 0 && track.Flux == nil {
			continue
		}
		writeChunk(chunkTrack, []byte{byte(track.Cylinder), byte(track.Head)})
		if p.flux && track.Flux != nil {
			payload := make([]byte, 4)
			binary.LittleEndian.PutUint32(payload, track.Flux.SampleFreqHz)
			payload = append(payload, flux.EncodeStream(track.Flux.Samples, track.Flux.IndexTimes)...)
			writeChunk(chunkFlux, payload)
		}
		if !p.flux {
			for i := range track.Sectors {
				sec := &track.Sectors[i]
				payload := []byte{
					sec.ID.Cylinder, sec.ID.Head, sec.ID.Sector, sec.ID.SizeCode,
					byte(sec.Status),
				}
				payload = append(payload, sectorPayload(sec, img.Geometry.Encoding)...)
				writeChunk(chunkSector, payload)
				if sec.WeakMask != nil {
					writeChunk(chunkWeak, sec.WeakMask)
				}
			}
		}
	}
	writeChunk(chunkEnd, nil)

	// Write and flush: close of a write-mode image must persist it.
	f, err := os.Create(path)
	if err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	if _, err := f.Write(out.Bytes()); err != nil {
		f.Close()
		return uerrors.ErrIo.WrapError(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return uerrors.ErrIo.WrapError(err)
	}
	if err := f.Close(); err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	return nil
}

func init() {
	uft.RegisterPlugin(psiPlugin{flux: false})
	uft.RegisterPlugin(psiPlugin{flux: true})
}
