// Package hal is the hardware abstraction layer over floppy samplers. It
// defines the adapter interface drivers implement, the session parameters
// shared by all of them, and retrying track/disk operations on top of a
// single adapter.
//
// The library is single-threaded by design: one adapter is owned by one
// caller, commands are strictly ordered, and every call carries a timeout.
package hal

import (
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// DeviceInfo describes a connected sampler.
type DeviceInfo struct {
	Model           string
	FirmwareMajor   int
	FirmwareMinor   int
	SampleFreqHz    uint32
	MaxCommand      int
}

// Params are the session knobs. Zero values select the defaults.
type Params struct {
	// MotorDelayMs is the spin-up wait after motor on.
	MotorDelayMs int
	// SettleDelayMs is the head-settle wait after a seek.
	SettleDelayMs int
	// USBTimeoutMs bounds every individual command.
	USBTimeoutMs int
	// Retries is how many times recoverable errors are retried.
	Retries int
}

// DefaultParams returns the documented defaults.
func DefaultParams() Params {
	return Params{
		MotorDelayMs:  500,
		SettleDelayMs: 15,
		USBTimeoutMs:  3000,
		Retries:       3,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.MotorDelayMs == 0 {
		p.MotorDelayMs = d.MotorDelayMs
	}
	if p.SettleDelayMs == 0 {
		p.SettleDelayMs = d.SettleDelayMs
	}
	if p.USBTimeoutMs == 0 {
		p.USBTimeoutMs = d.USBTimeoutMs
	}
	if p.Retries == 0 {
		p.Retries = d.Retries
	}
	return p
}

// Adapter is the device driver interface. Implementations own their
// transport exclusively and are not safe for concurrent use.
type Adapter interface {
	// Info returns the device identity probed at open.
	Info() DeviceInfo
	// SelectDrive picks unit 0 or 1 and prepares the bus.
	SelectDrive(unit int) error
	// Motor switches the selected drive's spindle.
	Motor(on bool) error
	// Seek moves to the given cylinder.
	Seek(cylinder int) error
	// SelectHead picks side 0 or 1.
	SelectHead(head int) error
	// ReadFlux captures the given number of revolutions of the current
	// track.
	ReadFlux(revolutions int) (*uft.FluxTrack, error)
	// WriteFlux replays a flux track onto the current track. Refused when
	// the drive reports write protection.
	WriteFlux(track *uft.FluxTrack) error
	// Close releases the drive and transport. Safe to call on a partially
	// initialized adapter.
	Close() error
}

// OpenFunc opens an adapter on a device path. Drivers register themselves
// by scheme so CLI-tool-backed devices can plug in alongside native serial
// drivers.
type OpenFunc func(path string, params Params) (Adapter, error)

var adapterSchemes = map[string]OpenFunc{}

// RegisterAdapter binds a scheme ("gw", "scp", ...) to a driver.
func RegisterAdapter(scheme string, open OpenFunc) {
	adapterSchemes[scheme] = open
}

// Open resolves "scheme:path" to a registered driver; a bare path uses the
// Greaseweazle driver.
func Open(spec string, params Params) (Adapter, error) {
	scheme, path := "gw", spec
	for s := range adapterSchemes {
		prefix := s + ":"
		if len(spec) > len(prefix) && spec[:len(prefix)] == prefix {
			scheme, path = s, spec[len(prefix):]
			break
		}
	}
	open, ok := adapterSchemes[scheme]
	if !ok {
		return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
			"no adapter registered for scheme %q", scheme))
	}
	return open(path, params.withDefaults())
}

// Session drives a selected unit through an adapter with retry and delay
// policy applied.
type Session struct {
	adapter Adapter
	params  Params
	motorOn bool
	// lastCylinder remembers the last seek so positioning on the same
	// cylinder again skips the seek.
	lastCylinder int
}

// NewSession wraps an adapter, selects the unit and leaves the motor off.
func NewSession(adapter Adapter, unit int, params Params) (*Session, error) {
	params = params.withDefaults()
	if err := adapter.SelectDrive(unit); err != nil {
		return nil, err
	}
	return &Session{adapter: adapter, params: params, lastCylinder: -1}, nil
}

// retry runs op up to Retries+1 times, retrying only recoverable error
// kinds.
func (s *Session) retry(op func() error) error {
	var err error
	for attempt := 0; attempt <= s.params.Retries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
	}
	return err
}

func isRetryable(err error) bool {
	for _, kind := range []uerrors.UftError{
		uerrors.ErrTimeout, uerrors.ErrIo, uerrors.ErrCRCMismatch,
		uerrors.ErrNoIndex, uerrors.ErrOverflow,
	} {
		if stderrors.Is(err, kind) {
			return true
		}
	}
	return false
}

// ReadTrack runs the documented sequence: motor on and spun up, seek with
// settle, head select, then a flux read of the requested revolutions.
func (s *Session) ReadTrack(cylinder, head, revolutions int) (*uft.FluxTrack, error) {
	if err := s.position(cylinder, head); err != nil {
		return nil, err
	}
	var track *uft.FluxTrack
	err := s.retry(func() error {
		var readErr error
		track, readErr = s.adapter.ReadFlux(revolutions)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	return track, nil
}

// WriteTrack seeks, settles, and replays flux.
func (s *Session) WriteTrack(cylinder, head int, track *uft.FluxTrack) error {
	if err := s.position(cylinder, head); err != nil {
		return err
	}
	return s.retry(func() error {
		return s.adapter.WriteFlux(track)
	})
}

func (s *Session) position(cylinder, head int) error {
	if !s.motorOn {
		if err := s.adapter.Motor(true); err != nil {
			return err
		}
		s.motorOn = true
	}
	if s.lastCylinder != cylinder {
		if err := s.adapter.Seek(cylinder); err != nil {
			return err
		}
		s.lastCylinder = cylinder
	}
	return s.adapter.SelectHead(head)
}

// ReadDisk reads every track of the geometry into a new image as raw
// flux; tracks are not decoded. An error that survives the retries aborts
// the read and returns the image with the tracks read so far.
func (s *Session) ReadDisk(geometry uft.Geometry, revolutions int) (*uft.DiskImage, error) {
	img := uft.NewDiskImage(uft.FormatAuto, geometry)
	for cyl := 0; cyl < geometry.Cylinders; cyl++ {
		for head := 0; head < geometry.Heads; head++ {
			fluxTrack, err := s.ReadTrack(cyl, head, revolutions)
			if err != nil {
				return img, err
			}
			track, trackErr := img.EnsureTrack(cyl, head)
			if trackErr != nil {
				return img, trackErr
			}
			track.Flux = fluxTrack
			track.Encoding = uft.EncodingRaw
		}
	}
	return img, nil
}

// Close stops the motor and closes the adapter, reporting every failure.
func (s *Session) Close() error {
	var errs *multierror.Error
	if s.motorOn {
		if err := s.adapter.Motor(false); err != nil {
			errs = multierror.Append(errs, err)
		}
		s.motorOn = false
	}
	if err := s.adapter.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
