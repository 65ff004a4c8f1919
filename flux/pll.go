package flux

import (
	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// DecoderParams tunes the software phase-locked loop that recovers a
// bitstream from flux transition intervals.
type DecoderParams struct {
	// NominalBitPeriodNs is the target time per bit cell. MFM HD is about
	// 1000ns per raw cell, DD about 2000ns.
	NominalBitPeriodNs float64
	// Gain is the damping factor in [0, 1] controlling how quickly the
	// recovered clock follows drift.
	Gain float64
	// WindowPct is the acceptance window around the cell center, as a
	// percentage of the period.
	WindowPct float64
	// Adaptive decays the gain over runs of clean cells and spikes it after
	// a missed one.
	Adaptive bool
	// IndexSync aligns the start of the bitstream to the first index pulse.
	IndexSync bool
}

// DefaultDecoderParams returns the parameters used for double-density MFM.
func DefaultDecoderParams() DecoderParams {
	return DecoderParams{
		NominalBitPeriodNs: 2000,
		Gain:               0.2,
		WindowPct:          25,
		Adaptive:           true,
		IndexSync:          true,
	}
}

const (
	pllMinPeriodRatio = 0.5
	pllMaxPeriodRatio = 1.5
	pllAdaptiveFloor  = 0.05
	pllAdaptiveDecay  = 0.99
)

// DecodeBits runs the PLL over a flux track and produces the recovered raw
// bitstream. One bit is emitted per cell: 1 where a transition landed inside
// the cell's window, 0 for each empty cell. Transitions that fall outside
// the window but inside the cell are recorded as weak bits; transitions more
// than a cell late are treated as clock slip.
//
// The decoder is deterministic: PLL state starts fresh for every call.
func DecodeBits(track *uft.FluxTrack, params DecoderParams) (*Bitstream, error) {
	if track == nil || len(track.Samples) == 0 {
		return nil, uerrors.ErrInvalidParam.WithMessage("empty flux track")
	}
	if track.SampleFreqHz == 0 {
		return nil, uerrors.ErrInvalidParam.WithMessage("flux track has no sample frequency")
	}
	if params.Gain < 0 || params.Gain > 1 {
		return nil, uerrors.ErrInvalidParam.WithMessage("PLL gain must be in [0, 1]")
	}

	tickNs := 1e9 / float64(track.SampleFreqHz)
	nominal := params.NominalBitPeriodNs
	period := nominal
	gain := params.Gain
	window := params.WindowPct / 100.0

	samples := track.Samples
	start := 0
	var startTicks uint64
	if params.IndexSync && len(track.IndexTimes) > 0 {
		// Skip samples wholly before the first index pulse so bit 0 of the
		// stream lines up with the index.
		first := uint64(track.IndexTimes[0])
		var acc uint64
		for start < len(samples) && acc+uint64(samples[start]) < first {
			acc += uint64(samples[start])
			start++
		}
		startTicks = acc
	}

	bs := NewBitstream(len(samples) * 4)

	// Revolution boundaries are translated from tick offsets to bit offsets
	// as the decode crosses them.
	nextIndex := 0
	for nextIndex < len(track.IndexTimes) &&
		uint64(track.IndexTimes[nextIndex]) <= startTicks {
		nextIndex++
	}

	ticks := startTicks
	// Phase offset of the current cell boundary relative to the last
	// transition, in nanoseconds.
	phase := 0.0
	for i := start; i < len(samples); i++ {
		interval := float64(samples[i])*tickNs + phase

		for nextIndex < len(track.IndexTimes) &&
			uint64(track.IndexTimes[nextIndex]) <= ticks {
			bs.RevolutionStarts = append(bs.RevolutionStarts, bs.Length)
			nextIndex++
		}
		ticks += uint64(samples[i])

		cells := int(interval/period + 0.5)
		if cells < 1 {
			// Transition crowded inside the previous cell: unstable media or
			// noise. Flag the previous bit as weak and resynchronize.
			if bs.Length > 0 {
				bs.WeakBits = append(bs.WeakBits, bs.Length-1)
			}
			phase = 0
			if params.Adaptive {
				gain = params.Gain
			}
			continue
		}

		offCenter := interval - float64(cells)*period
		inWindow := offCenter >= -period*window && offCenter <= period*window

		for c := 0; c < cells-1; c++ {
			bs.AppendBit(0)
		}
		bs.AppendBit(1)
		if !inWindow {
			if offCenter > period*window && offCenter > period/2 {
				// More than half a cell late: clock slip. Absorb a whole
				// extra cell instead of dragging the PLL.
				bs.AppendBit(0)
				offCenter -= period
			} else {
				bs.WeakBits = append(bs.WeakBits, bs.Length-1)
			}
			if params.Adaptive {
				gain = params.Gain
			}
		} else if params.Adaptive {
			gain *= pllAdaptiveDecay
			if gain < params.Gain*pllAdaptiveFloor {
				gain = params.Gain * pllAdaptiveFloor
			}
		}

		// Track drift: adjust the period toward the observed cell time and
		// carry the residual phase into the next interval.
		period += gain * (offCenter / float64(cells))
		if period < nominal*pllMinPeriodRatio {
			period = nominal * pllMinPeriodRatio
		} else if period > nominal*pllMaxPeriodRatio {
			period = nominal * pllMaxPeriodRatio
		}
		// Measuring the next interval from this transition implicitly snaps
		// the cell grid to it; adding back half the residual trusts the
		// transition only partially.
		phase = offCenter * 0.5
	}

	if bs.Length == 0 {
		return nil, uerrors.ErrFormat.WithMessage("no bit cells recovered from flux")
	}
	return bs, nil
}

// FluxParams tunes the flux serializer used when writing tracks back to
// media or flux containers.
type FluxParams struct {
	// BitPeriodNs is the cell time to emit.
	BitPeriodNs float64
	// SampleFreqHz is the tick rate of the target sampler.
	SampleFreqHz uint32
	// JitterPct dithers each transition by up to this percentage of the
	// period to mimic genuine media. Zero writes exact timing.
	JitterPct float64
}

// EncodeFlux serializes a raw bitstream into flux transitions at the nominal
// cell rate. Runs of zero cells simply lengthen the gap between transitions,
// so an explicit no-flux band is written as the corresponding run of zero
// bits. The jitter source is a small deterministic LCG so encoding stays
// reproducible.
func EncodeFlux(bs *Bitstream, params FluxParams) (*uft.FluxTrack, error) {
	if params.SampleFreqHz == 0 || params.BitPeriodNs <= 0 {
		return nil, uerrors.ErrInvalidParam.WithMessage("flux serializer needs a cell period and sample rate")
	}
	ticksPerNs := float64(params.SampleFreqHz) / 1e9
	cellTicks := params.BitPeriodNs * ticksPerNs

	track := &uft.FluxTrack{
		SampleFreqHz: params.SampleFreqHz,
		Revolutions:  1,
	}

	rng := uint32(0x2545F491)
	jitter := func() float64 {
		if params.JitterPct == 0 {
			return 0
		}
		rng = rng*1664525 + 1013904223
		unit := float64(rng>>8)/float64(1<<24)*2 - 1
		return unit * params.JitterPct / 100 * cellTicks
	}

	run := 0
	var ticks uint64
	for pos := 0; pos < bs.Length; pos++ {
		run++
		if bs.Bit(pos) == 0 {
			continue
		}
		exact := float64(run)*cellTicks + jitter()
		sample := uint32(exact + 0.5)
		if sample == 0 {
			sample = 1
		}
		track.Samples = append(track.Samples, sample)
		ticks += uint64(sample)
		run = 0
	}
	for _, rev := range bs.RevolutionStarts {
		track.IndexTimes = append(track.IndexTimes,
			uint32(float64(rev)*cellTicks+0.5))
	}
	if n := len(track.IndexTimes); n > 1 {
		track.Revolutions = uint8(n)
	}
	return track, nil
}
