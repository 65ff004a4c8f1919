// Package greaseweazle drives a Greaseweazle flux sampler over its serial
// protocol: framed [opcode, length, params...] commands answered by a
// two-byte [echo, ack], with flux data streamed in the variable-length
// sample encoding.
package greaseweazle

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
	"github.com/floppykit/uft/flux"
	"github.com/floppykit/uft/hal"
)

// Command opcodes.
const (
	CmdGetInfo       = 0
	CmdSeek          = 2
	CmdHead          = 3
	CmdSetParams     = 4
	CmdGetParams     = 5
	CmdMotor         = 6
	CmdReadFlux      = 7
	CmdWriteFlux     = 8
	CmdGetFluxStatus = 9
	CmdGetIndexTimes = 10
	CmdSelect        = 12
	CmdDeselect      = 13
	CmdSetBusType    = 14
	CmdReset         = 16
	CmdEraseFlux     = 17
	CmdGetPin        = 20
)

// Ack codes.
const (
	AckOK = iota
	AckBadCommand
	AckNoIndex
	AckNoTrack0
	AckFluxOverflow
	AckFluxUnderflow
	AckWriteProtected
	AckNoUnit
	AckNoBus
	AckBadUnit
)

// Bus types.
const (
	BusNone = iota
	BusIBMPC
	BusShugart
)

const (
	defaultSampleFreqHz = 24000000
	writeProtectPin     = 28
)

// port is the subset of the serial transport the driver uses, separated so
// tests can substitute a scripted fake.
type port interface {
	io.ReadWriter
	Close() error
	SetReadTimeout(time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(bool) error
	SetRTS(bool) error
}

// Device is a Greaseweazle adapter.
type Device struct {
	port   port
	params hal.Params
	info   hal.DeviceInfo
	unit   int
}

// Open connects to a Greaseweazle on the given serial path: 115200 8N1,
// DTR and RTS asserted, buffers purged, then the GetInfo handshake with
// cold-start recovery.
func Open(path string, params hal.Params) (hal.Adapter, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, uerrors.ErrOpenFailed.WrapError(err)
	}
	return openOnPort(p, params)
}

func openOnPort(p port, params hal.Params) (hal.Adapter, error) {
	dev := &Device{port: p, params: params}
	if err := p.SetReadTimeout(time.Duration(params.USBTimeoutMs) * time.Millisecond); err != nil {
		p.Close()
		return nil, uerrors.ErrIo.WrapError(err)
	}
	if err := p.SetDTR(true); err != nil {
		p.Close()
		return nil, uerrors.ErrIo.WrapError(err)
	}
	if err := p.SetRTS(true); err != nil {
		p.Close()
		return nil, uerrors.ErrIo.WrapError(err)
	}
	p.ResetInputBuffer()
	p.ResetOutputBuffer()

	info, err := dev.handshake()
	if err != nil {
		p.Close()
		return nil, err
	}
	dev.info = info
	return dev, nil
}

// handshake probes firmware identity. Firmware v0.x wants a bare GetInfo;
// v1.x takes a subindex byte. A timed-out first attempt gets one DTR
// toggle for cold-start recovery before the encodings are retried.
func (dev *Device) handshake() (hal.DeviceInfo, error) {
	encodings := [][]byte{
		{CmdGetInfo, 3, 0}, // with subindex
		{CmdGetInfo, 2},    // without
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		for _, cmd := range encodings {
			payload, err := dev.command(cmd, 32)
			if err == nil {
				return parseFirmwareInfo(payload), nil
			}
			lastErr = err
		}
		// Cold start: toggle DTR, purge, try again.
		dev.port.SetDTR(false)
		time.Sleep(50 * time.Millisecond)
		dev.port.SetDTR(true)
		dev.port.ResetInputBuffer()
		dev.port.ResetOutputBuffer()
	}
	return hal.DeviceInfo{}, uerrors.ErrNotConnected.WrapError(lastErr)
}

func parseFirmwareInfo(payload []byte) hal.DeviceInfo {
	info := hal.DeviceInfo{
		FirmwareMajor: int(payload[0]),
		FirmwareMinor: int(payload[1]),
		MaxCommand:    int(payload[3]),
		SampleFreqHz:  binary.LittleEndian.Uint32(payload[4:8]),
	}
	if info.SampleFreqHz == 0 {
		info.SampleFreqHz = defaultSampleFreqHz
	}
	switch payload[8] {
	case 1:
		info.Model = "Greaseweazle F1"
	case 4:
		info.Model = "Greaseweazle V4"
	case 7:
		info.Model = "Greaseweazle F7"
	default:
		info.Model = fmt.Sprintf("Greaseweazle (model %d)", payload[8])
	}
	return info
}

// command sends a framed command, validates the echo/ack pair, and reads
// `responseLen` payload bytes.
func (dev *Device) command(cmd []byte, responseLen int) ([]byte, error) {
	if _, err := dev.port.Write(cmd); err != nil {
		return nil, uerrors.ErrIo.WrapError(err)
	}
	var ack [2]byte
	if _, err := io.ReadFull(dev.port, ack[:]); err != nil {
		return nil, uerrors.ErrTimeout.WrapError(err)
	}
	if ack[0] != cmd[0] {
		return nil, uerrors.ErrProtocol.WithMessage(fmt.Sprintf(
			"command echo 0x%02x does not match opcode 0x%02x (ack 0x%02x)",
			ack[0], cmd[0], ack[1]))
	}
	if err := ackError(ack[1]); err != nil {
		return nil, err
	}
	if responseLen == 0 {
		return nil, nil
	}
	payload := make([]byte, responseLen)
	if _, err := io.ReadFull(dev.port, payload); err != nil {
		return nil, uerrors.ErrTimeout.WrapError(err)
	}
	return payload, nil
}

func ackError(code byte) error {
	switch code {
	case AckOK:
		return nil
	case AckNoIndex:
		return uerrors.ErrNoIndex
	case AckNoTrack0:
		return uerrors.ErrNoTrack0
	case AckFluxOverflow:
		return uerrors.ErrOverflow
	case AckFluxUnderflow:
		return uerrors.ErrUnderflow
	case AckWriteProtected:
		return uerrors.ErrWriteProtected
	case AckNoBus, AckNoUnit, AckBadUnit:
		return uerrors.ErrNotConnected.WithMessage(fmt.Sprintf("ack code %d", code))
	default:
		return uerrors.ErrProtocol.WithMessage(fmt.Sprintf("ack code %d", code))
	}
}

// recover purges buffers, resets the device, and re-probes identity; the
// documented way out of an indeterminate post-timeout state.
func (dev *Device) recover() error {
	dev.port.ResetInputBuffer()
	dev.port.ResetOutputBuffer()
	if _, err := dev.command([]byte{CmdReset, 2}, 0); err != nil {
		return err
	}
	info, err := dev.handshake()
	if err != nil {
		return err
	}
	dev.info = info
	return nil
}

// Info implements hal.Adapter.
func (dev *Device) Info() hal.DeviceInfo { return dev.info }

// SelectDrive implements hal.Adapter: IBM PC bus, then unit select.
func (dev *Device) SelectDrive(unit int) error {
	if unit != 0 && unit != 1 {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("unit %d is not 0 or 1", unit))
	}
	if _, err := dev.command([]byte{CmdSetBusType, 3, BusIBMPC}, 0); err != nil {
		return err
	}
	if _, err := dev.command([]byte{CmdSelect, 3, byte(unit)}, 0); err != nil {
		return err
	}
	dev.unit = unit
	return nil
}

// Motor implements hal.Adapter, waiting out the spin-up delay on ON.
func (dev *Device) Motor(on bool) error {
	state := byte(0)
	if on {
		state = 1
	}
	if _, err := dev.command([]byte{CmdMotor, 4, byte(dev.unit), state}, 0); err != nil {
		return err
	}
	if on {
		time.Sleep(time.Duration(dev.params.MotorDelayMs) * time.Millisecond)
	}
	return nil
}

// Seek implements hal.Adapter with the settle delay applied.
func (dev *Device) Seek(cylinder int) error {
	if cylinder < 0 || cylinder > 0xFF {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("cylinder %d out of range", cylinder))
	}
	if _, err := dev.command([]byte{CmdSeek, 3, byte(cylinder)}, 0); err != nil {
		return err
	}
	time.Sleep(time.Duration(dev.params.SettleDelayMs) * time.Millisecond)
	return nil
}

// SelectHead implements hal.Adapter.
func (dev *Device) SelectHead(head int) error {
	if head != 0 && head != 1 {
		return uerrors.ErrInvalidParam.WithMessage(fmt.Sprintf("head %d is not 0 or 1", head))
	}
	_, err := dev.command([]byte{CmdHead, 3, byte(head)}, 0)
	return err
}

// ReadFlux implements hal.Adapter: request revolutions, stream the sample
// encoding until its terminator, then collect status and index times.
func (dev *Device) ReadFlux(revolutions int) (*uft.FluxTrack, error) {
	if revolutions < 1 {
		revolutions = 1
	}
	cmd := make([]byte, 8)
	cmd[0] = CmdReadFlux
	cmd[1] = 8
	binary.LittleEndian.PutUint32(cmd[2:6], 0) // no tick budget; index-terminated
	binary.LittleEndian.PutUint16(cmd[6:8], uint16(revolutions+1))
	if _, err := dev.command(cmd, 0); err != nil {
		return nil, err
	}

	raw, err := dev.readStream()
	if err != nil {
		dev.recover()
		return nil, err
	}
	if _, err := dev.command([]byte{CmdGetFluxStatus, 2}, 0); err != nil {
		return nil, err
	}

	samples, indexTimes, err := flux.DecodeStream(raw)
	if err != nil {
		return nil, err
	}
	if len(indexTimes) < revolutions {
		return nil, uerrors.ErrNoIndex.WithMessage(fmt.Sprintf(
			"wanted %d revolutions, saw %d index pulses", revolutions, len(indexTimes)))
	}
	return &uft.FluxTrack{
		SampleFreqHz: dev.info.SampleFreqHz,
		Samples:      samples,
		IndexTimes:   indexTimes,
		Revolutions:  uint8(len(indexTimes)),
	}, nil
}

// readStream consumes bytes until the stream terminator, keeping the
// terminator in the returned buffer for the decoder. The encoding is
// parsed just enough to know how many bytes each element occupies, so a
// zero byte inside a control payload cannot fake the terminator.
func (dev *Device) readStream() ([]byte, error) {
	var out []byte
	next := func(n int) ([]byte, error) {
		start := len(out)
		out = append(out, make([]byte, n)...)
		if _, err := io.ReadFull(dev.port, out[start:]); err != nil {
			return nil, uerrors.ErrTimeout.WrapError(err)
		}
		return out[start:], nil
	}
	for {
		head, err := next(1)
		if err != nil {
			return nil, err
		}
		switch b := head[0]; {
		case b == 0:
			op, err := next(1)
			if err != nil {
				return nil, err
			}
			switch op[0] {
			case 0:
				if _, err := next(1); err != nil {
					return nil, err
				}
				return out, nil
			case 1, 2: // index / space marker: 32-bit payload
				if _, err := next(4); err != nil {
					return nil, err
				}
			default:
				return nil, uerrors.ErrProtocol.WithMessage(
					fmt.Sprintf("unknown stream opcode 0x%02x", op[0]))
			}
		case b <= 249:
			// single-byte sample
		case b <= 254:
			if _, err := next(1); err != nil {
				return nil, err
			}
		default:
			if _, err := next(2); err != nil {
				return nil, err
			}
		}
	}
}

// WriteFlux implements hal.Adapter. The drive's write-protect pin is
// checked first; pin 28 reads low on protected media.
func (dev *Device) WriteFlux(track *uft.FluxTrack) error {
	if track == nil || len(track.Samples) == 0 {
		return uerrors.ErrInvalidParam.WithMessage("empty flux track")
	}
	protected, err := dev.writeProtected()
	if err == nil && protected {
		return uerrors.ErrWriteProtected
	}

	cmd := []byte{CmdWriteFlux, 4, 1, 1} // cue and terminate at index
	if _, err := dev.command(cmd, 0); err != nil {
		return err
	}
	stream := flux.EncodeStream(track.Samples, nil)
	if _, err := dev.port.Write(stream); err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	// The device acks the whole stream once it drains.
	var ack [1]byte
	if _, err := io.ReadFull(dev.port, ack[:]); err != nil {
		return uerrors.ErrTimeout.WrapError(err)
	}
	if _, err := dev.command([]byte{CmdGetFluxStatus, 2}, 0); err != nil {
		return err
	}
	return nil
}

func (dev *Device) writeProtected() (bool, error) {
	payload, err := dev.command([]byte{CmdGetPin, 3, writeProtectPin}, 1)
	if err != nil {
		return false, err
	}
	return payload[0] == 0, nil
}

// Close deselects and releases the port. Safe on a partially opened
// device.
func (dev *Device) Close() error {
	if dev.port == nil {
		return nil
	}
	dev.command([]byte{CmdDeselect, 2}, 0)
	err := dev.port.Close()
	dev.port = nil
	if err != nil {
		return uerrors.ErrIo.WrapError(err)
	}
	return nil
}

func init() {
	hal.RegisterAdapter("gw", Open)
}
