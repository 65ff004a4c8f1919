package greaseweazle

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floppykit/uft"
	"github.com/floppykit/uft/flux"
	"github.com/floppykit/uft/hal"
)

// fakePort scripts the device side of the protocol: every Write is parsed
// as one command and the canned response is queued for the next Reads.
type fakePort struct {
	response  bytes.Buffer
	commands  [][]byte
	fluxData  []byte
	protected bool
}

func (f *fakePort) Write(p []byte) (int, error) {
	cmd := append([]byte(nil), p...)
	f.commands = append(f.commands, cmd)
	opcode := cmd[0]
	// Echo and ack.
	f.response.WriteByte(opcode)
	f.response.WriteByte(AckOK)
	switch opcode {
	case CmdGetInfo:
		payload := make([]byte, 32)
		payload[0] = 1 // fw major
		payload[1] = 3 // fw minor
		payload[3] = 21
		binary.LittleEndian.PutUint32(payload[4:8], 40000000)
		payload[8] = 7 // F7
		f.response.Write(payload)
	case CmdReadFlux:
		f.response.Write(f.fluxData)
	case CmdGetPin:
		if f.protected {
			f.response.WriteByte(0)
		} else {
			f.response.WriteByte(1)
		}
	case CmdWriteFlux:
		// ack already queued; the post-stream ack byte is queued when the
		// stream arrives, which this fake treats as part of Write too.
	}
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.response.Len() == 0 {
		return 0, io.EOF
	}
	return f.response.Read(p)
}

func (f *fakePort) Close() error                        { return nil }
func (f *fakePort) SetReadTimeout(time.Duration) error  { return nil }
func (f *fakePort) ResetInputBuffer() error             { return nil }
func (f *fakePort) ResetOutputBuffer() error            { return nil }
func (f *fakePort) SetDTR(bool) error                   { return nil }
func (f *fakePort) SetRTS(bool) error                   { return nil }

func newFakeDevice(t *testing.T, port *fakePort) *Device {
	t.Helper()
	adapter, err := openOnPort(port, hal.DefaultParams())
	require.NoError(t, err)
	return adapter.(*Device)
}

func TestHandshakeParsesFirmware(t *testing.T) {
	port := &fakePort{}
	dev := newFakeDevice(t, port)

	info := dev.Info()
	assert.Equal(t, 1, info.FirmwareMajor)
	assert.Equal(t, 3, info.FirmwareMinor)
	assert.EqualValues(t, 40000000, info.SampleFreqHz)
	assert.Equal(t, "Greaseweazle F7", info.Model)
}

func TestSelectDriveSetsBusThenUnit(t *testing.T) {
	port := &fakePort{}
	dev := newFakeDevice(t, port)
	port.commands = nil

	require.NoError(t, dev.SelectDrive(0))
	require.Len(t, port.commands, 2)
	assert.Equal(t, []byte{CmdSetBusType, 3, BusIBMPC}, port.commands[0])
	assert.Equal(t, []byte{CmdSelect, 3, 0}, port.commands[1])

	assert.Error(t, dev.SelectDrive(5))
}

func TestSeekFrame(t *testing.T) {
	port := &fakePort{}
	dev := newFakeDevice(t, port)
	dev.params.SettleDelayMs = 0
	port.commands = nil

	require.NoError(t, dev.Seek(40))
	assert.Equal(t, []byte{CmdSeek, 3, 40}, port.commands[0])
}

func TestReadFluxDecodesStream(t *testing.T) {
	samples := []uint32{100, 250, 500, 1500, 70000}
	indexes := []uint32{36000, 72350}

	port := &fakePort{fluxData: flux.EncodeStream(samples, indexes)}
	dev := newFakeDevice(t, port)
	port.commands = nil

	track, err := dev.ReadFlux(2)
	require.NoError(t, err)
	assert.Equal(t, samples, track.Samples)
	assert.Equal(t, indexes, track.IndexTimes)
	assert.EqualValues(t, 40000000, track.SampleFreqHz)

	// The read command asks the firmware for one extra index so the last
	// revolution is complete.
	readCmd := port.commands[0]
	assert.EqualValues(t, CmdReadFlux, readCmd[0])
	assert.EqualValues(t, 3, binary.LittleEndian.Uint16(readCmd[6:8]))
}

func TestReadFluxReportsMissingIndex(t *testing.T) {
	port := &fakePort{fluxData: flux.EncodeStream([]uint32{100, 100}, nil)}
	dev := newFakeDevice(t, port)

	_, err := dev.ReadFlux(2)
	assert.Error(t, err)
}

func TestWriteFluxRefusedWhenProtected(t *testing.T) {
	port := &fakePort{protected: true}
	dev := newFakeDevice(t, port)

	err := dev.WriteFlux(&uft.FluxTrack{
		SampleFreqHz: 40000000,
		Samples:      []uint32{100, 200},
	})
	assert.Error(t, err)
}
