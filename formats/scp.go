package formats

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// SuperCard Pro flux images. The file is a track-offset table over
// per-track blocks, each holding one or more revolutions of 16-bit
// big-endian tick counts at 25ns resolution; a zero word extends the next
// count by 65536 ticks.
const (
	scpMagic        = "SCP"
	scpMaxTracks    = 168
	scpHeaderSize   = 0x10
	scpBaseFreqHz   = 40000000
	scpTrackSigSize = 4
)

type scpPlugin struct{}

func (scpPlugin) Name() string          { return "scp" }
func (scpPlugin) Formats() []uft.Format { return []uft.Format{uft.FormatSCP} }
func (scpPlugin) Capabilities() uft.Capabilities {
	return uft.CapRead | uft.CapWrite | uft.CapFlux | uft.CapMultiRev
}

func (scpPlugin) Probe(data []byte) float32 {
	if len(data) < scpHeaderSize+scpMaxTracks*4 {
		return 0
	}
	if !bytes.HasPrefix(data, []byte(scpMagic)) {
		return 0
	}
	revolutions := data[5]
	if revolutions < 1 || revolutions > 5 {
		return 0
	}
	return 0.95
}

func (p scpPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	data, err := readImageFile(path)
	if err != nil {
		return nil, err
	}
	if p.Probe(data) == 0 {
		return nil, uerrors.ErrFormat.AtOffset(0, "not an SCP flux image")
	}
	revolutions := int(data[5])
	startTrack := int(data[6])
	endTrack := int(data[7])
	heads := data[9]
	resolution := int(data[10])
	sampleFreq := uint32(scpBaseFreqHz / (resolution + 1))

	sides := 2
	if heads == 1 || heads == 2 {
		sides = 1
	}

	cylinders := endTrack/sides + 1
	geometry := uft.Geometry{
		Cylinders: cylinders, Heads: sides, SectorsPerTrack: 18,
		BytesPerSector: 512, FirstSectorID: 1, Encoding: uft.EncodingMFM,
	}
	img := uft.NewDiskImage(uft.FormatSCP, geometry)
	img.Metadata["revolutions"] = fmt.Sprintf("%d", revolutions)

	for trackNum := startTrack; trackNum <= endTrack && trackNum < scpMaxTracks; trackNum++ {
		tableOffset := scpHeaderSize + trackNum*4
		offset := binary.LittleEndian.Uint32(data[tableOffset : tableOffset+4])
		if offset == 0 {
			continue
		}
		if int(offset)+scpTrackSigSize+revolutions*12 > len(data) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "track header truncated")
		}
		block := data[offset:]
		if !bytes.HasPrefix(block, []byte("TRK")) {
			return nil, uerrors.ErrFormat.AtOffset(int64(offset), "missing TRK signature")
		}

		fluxTrack := &uft.FluxTrack{
			SampleFreqHz: sampleFreq,
			Revolutions:  uint8(revolutions),
		}
		var totalTicks uint64
		for rev := 0; rev < revolutions; rev++ {
			revHdr := block[scpTrackSigSize+rev*12:]
			indexTime := binary.LittleEndian.Uint32(revHdr[0:4])
			fluxCount := binary.LittleEndian.Uint32(revHdr[4:8])
			dataOffset := binary.LittleEndian.Uint32(revHdr[8:12])

			fluxData := data[int(offset)+int(dataOffset):]
			if len(fluxData) < int(fluxCount)*2 {
				return nil, uerrors.ErrFormat.AtOffset(
					int64(offset)+int64(dataOffset), "revolution data truncated")
			}
			pending := uint32(0)
			for i := 0; i < int(fluxCount); i++ {
				word := binary.BigEndian.Uint16(fluxData[i*2 : i*2+2])
				if word == 0 {
					pending += 65536
					continue
				}
				sample := pending + uint32(word)
				pending = 0
				fluxTrack.Samples = append(fluxTrack.Samples, sample)
				totalTicks += uint64(sample)
			}
			fluxTrack.IndexTimes = append(fluxTrack.IndexTimes, uint32(totalTicks))
			_ = indexTime
		}

		cyl := trackNum / sides
		head := trackNum % sides
		track, err := img.EnsureTrack(cyl, head)
		if err != nil {
			return nil, err
		}
		track.Flux = fluxTrack
		track.Encoding = uft.EncodingRaw
	}
	markReadOnly(img, readOnly)
	return img, nil
}

func (scpPlugin) Save(img *uft.DiskImage, path string) error {
	if img.Metadata["read-only"] == "true" {
		return uerrors.ErrReadOnly.WithMessage("image was opened read-only")
	}
	g := img.Geometry
	sides := g.Heads

	revolutions := 1
	var anyFreq uint32 = scpBaseFreqHz
	for _, track := range img.Tracks {
		if track != nil && track.Flux != nil {
			if int(track.Flux.Revolutions) > revolutions {
				revolutions = int(track.Flux.Revolutions)
			}
			anyFreq = track.Flux.SampleFreqHz
		}
	}
	resolution := scpBaseFreqHz/int(anyFreq) - 1
	if resolution < 0 {
		resolution = 0
	}

	header := make([]byte, scpHeaderSize+scpMaxTracks*4)
	copy(header, scpMagic)
	header[3] = 0x19 // creator version
	header[4] = 0x80 // disk type: other
	header[5] = byte(revolutions)
	header[6] = 0
	endTrack := g.Cylinders*sides - 1
	header[7] = byte(endTrack)
	header[8] = 0x01 // flags: index-synchronized
	if sides == 1 {
		header[9] = 1
	}
	header[10] = byte(resolution)

	var body []byte
	base := len(header)
	for trackNum := 0; trackNum <= endTrack && trackNum < scpMaxTracks; trackNum++ {
		cyl := trackNum / sides
		head := trackNum % sides
		track := img.Track(cyl, head)
		if track == nil || track.Flux == nil {
			continue
		}
		fluxTrack := track.Flux

		// Split samples into revolutions on the index boundaries.
		type revSpan struct {
			samples   []uint32
			indexTime uint32
		}
		var spans []revSpan
		if len(fluxTrack.IndexTimes) > 1 {
			var ticks uint64
			start := 0
			for _, limit := range fluxTrack.IndexTimes {
				var span revSpan
				for i := start; i < len(fluxTrack.Samples); i++ {
					if ticks+uint64(fluxTrack.Samples[i]) > uint64(limit) {
						break
					}
					ticks += uint64(fluxTrack.Samples[i])
					span.samples = append(span.samples, fluxTrack.Samples[i])
					start = i + 1
				}
				span.indexTime = limit
				spans = append(spans, span)
			}
		} else {
			var total uint64
			for _, s := range fluxTrack.Samples {
				total += uint64(s)
			}
			spans = []revSpan{{samples: fluxTrack.Samples, indexTime: uint32(total)}}
		}

		trackHeader := make([]byte, scpTrackSigSize+len(spans)*12)
		copy(trackHeader, "TRK")
		trackHeader[3] = byte(trackNum)

		var fluxBytes []byte
		dataStart := len(trackHeader)
		for rev, span := range spans {
			hdr := trackHeader[scpTrackSigSize+rev*12:]
			binary.LittleEndian.PutUint32(hdr[0:4], span.indexTime)
			wordCount := 0
			startLen := len(fluxBytes)
			for _, sample := range span.samples {
				for sample > 65535 {
					fluxBytes = append(fluxBytes, 0, 0)
					wordCount++
					sample -= 65536
				}
				var word [2]byte
				binary.BigEndian.PutUint16(word[:], uint16(sample))
				fluxBytes = append(fluxBytes, word[:]...)
				wordCount++
			}
			binary.LittleEndian.PutUint32(hdr[4:8], uint32(wordCount))
			binary.LittleEndian.PutUint32(hdr[8:12], uint32(dataStart+startLen))
		}

		offset := base + len(body)
		binary.LittleEndian.PutUint32(header[scpHeaderSize+trackNum*4:], uint32(offset))
		body = append(body, trackHeader...)
		body = append(body, fluxBytes...)
	}

	out := append(header, body...)
	// The header checksum covers everything after the first 16 bytes.
	var sum uint32
	for _, b := range out[scpHeaderSize:] {
		sum += uint32(b)
	}
	binary.LittleEndian.PutUint32(out[12:16], sum)
	return writeImageFile(path, out)
}

func init() {
	uft.RegisterPlugin(scpPlugin{})
}
