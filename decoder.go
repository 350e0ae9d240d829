// Package ky040 decodes the two-phase quadrature signal of a KY-040 style
// rotary encoder into discrete detent steps.
//
// A decoder consumes combined 2-bit CLK/DT samples (bit 1 carries CLK, bit 0
// carries DT) and matches them against the only two valid step sequences. A
// sample that does not fit the running sequence is ignored until the lines
// return to the resting pattern, which filters contact bounce without extra
// timers or debounce windows. The decoder can be driven from line edge
// events, with SetState called in the event handler and CheckRotation called
// wherever results are consumed, or by polling through GetRotation, which
// samples the lines itself.
//
// SetState is a single atomic store and safe to call from any goroutine,
// including gpiocdev event handlers. CheckRotation, GetAndResetLastRotation
// and ReadyForSleep are serialized by an internal mutex.
package ky040

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// LineReader reports the current level of a single input line, 0 for low and
// 1 for high. *gpiocdev.Line satisfies it.
type LineReader interface {
	Value() (int, error)
}

// ErrNoLineReader is returned by GetRotation on a decoder that was built
// without line readers.
var ErrNoLineReader = errors.New("ky040: line reader not configured")

const (
	// SampleIdle is the resting sample with CLK and DT both high. It closes
	// every valid sequence and is the only sample that cancels a broken one.
	SampleIdle byte = 0b11

	// sampleNone marks a decoder that has not stored a sample yet. It can
	// never equal a real 2-bit sample.
	sampleNone byte = 0xFF

	sequenceSteps = 4
)

// DefaultSleepThreshold is the quiet time after a sequence start before
// ReadyForSleep reports true.
const DefaultSleepThreshold = 150 * time.Millisecond

// The two valid step sequences, starting from the first change out of the
// resting state. Entry i is the sample expected at sequence position i.
var (
	sequenceCW  = [sequenceSteps]byte{0b01, 0b00, 0b10, SampleIdle}
	sequenceCCW = [sequenceSteps]byte{0b10, 0b00, 0b01, SampleIdle}
)

// Decoder tracks the CLK/DT sample stream of one encoder.
//
// The zero value is not usable, use NewDecoder.
type Decoder struct {
	clk LineReader
	dt  LineReader

	// Latest combined sample. Written by SetState, possibly from an event
	// handler, and read by CheckRotation.
	state atomic.Uint32

	mu         sync.Mutex
	prev       byte     // last sample CheckRotation acted on
	direction  Rotation // current sequence hypothesis, RotationIdle when none
	step       int      // next expected sequence position, 0..3
	lastResult Rotation // latched completed step for GetAndResetLastRotation
	seqStart   uint32   // ms timestamp of the most recent sequence start

	threshold uint32        // sleep gate in ms
	now       func() uint32 // monotonic ms counter, replaceable in tests
}

// DecoderOption adjusts decoder construction.
type DecoderOption func(*Decoder)

// WithSleepThreshold replaces DefaultSleepThreshold as the quiet time before
// ReadyForSleep reports true. Durations of zero or below keep the default.
func WithSleepThreshold(d time.Duration) DecoderOption {
	return func(dec *Decoder) {
		if d > 0 {
			dec.threshold = uint32(d.Milliseconds())
		}
	}
}

// NewDecoder builds a decoder for the given CLK and DT lines. Either reader
// may be nil when samples arrive through SetState instead of GetRotation.
// Lines without external pull up resistors must be requested with pull up
// bias, the resting level of both phases is high.
func NewDecoder(clk, dt LineReader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		clk:        clk,
		dt:         dt,
		prev:       SampleIdle,
		direction:  RotationIdle,
		lastResult: RotationIdle,
		threshold:  uint32(DefaultSleepThreshold.Milliseconds()),
		now:        millisSince(time.Now()),
	}
	d.state.Store(uint32(sampleNone))
	for _, opt := range opts {
		opt(d)
	}
	d.seqStart = d.now()
	return d
}

// millisSince returns a millisecond counter that wraps like a 32 bit tick
// register.
func millisSince(start time.Time) func() uint32 {
	return func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}
}

// SetState stores a combined CLK/DT sample, bit 1 CLK and bit 0 DT. It is a
// single atomic store and safe to call from a line event handler. The sample
// is not classified until the next CheckRotation call; samples overwritten
// between calls are lost.
func (d *Decoder) SetState(sample byte) {
	d.state.Store(uint32(sample))
}

// State returns the most recently stored sample, or 0xFF before the first
// SetState or GetRotation call.
func (d *Decoder) State() byte {
	return byte(d.state.Load())
}

// CheckRotation classifies the stored sample against the running step
// sequence. It returns RotationClockwise or RotationCounterClockwise exactly
// when the sample completes a full sequence, RotationActive while a sequence
// advances, and RotationIdle otherwise. A completed direction is additionally
// latched for GetAndResetLastRotation.
//
// A sample that does not fit the running sequence stalls it. The decoder
// resets only once the lines are back at the resting pattern, so bounce in
// the middle of a turn cannot open a phantom sequence in the opposite
// direction.
func (d *Decoder) CheckRotation() Rotation {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := RotationIdle
	sample := byte(d.state.Load())

	if sample != d.prev {
		if d.step == 0 {
			// First change out of rest. Each sequence is identified by its
			// first sample.
			if sample == sequenceCW[0] {
				d.direction = RotationClockwise
				d.step = 1
				d.seqStart = d.now()
			}
			if sample == sequenceCCW[0] {
				d.direction = RotationCounterClockwise
				d.step = 1
				d.seqStart = d.now()
			}
		} else {
			seq := &sequenceCW
			if d.direction == RotationCounterClockwise {
				seq = &sequenceCCW
			}
			switch {
			case sample == seq[d.step]:
				d.step++
				if d.step >= sequenceSteps {
					result = d.direction
					d.lastResult = result
					d.direction = RotationIdle
					d.step = 0
				} else {
					result = RotationActive
				}
			case sample == SampleIdle:
				// Broken sequence and the lines are back at rest.
				d.direction = RotationIdle
				d.step = 0
			}
		}
		d.prev = sample
	}

	// Keep seqStart close enough to now that the unsigned difference in
	// ReadyForSleep stays meaningful after the counter wraps.
	if now := d.now(); now-d.seqStart > d.threshold {
		d.seqStart = now - d.threshold - 1
	}

	return result
}

// GetAndResetLastRotation returns the most recent completed step and clears
// the latch, so every completed step is observed at most once. It returns
// RotationIdle when no step completed since the previous call. A step
// completing before the prior one was collected replaces it.
func (d *Decoder) GetAndResetLastRotation() Rotation {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := d.lastResult
	d.lastResult = RotationIdle
	return result
}

// ReadyForSleep reports whether the sleep threshold has passed since the
// most recent sequence start. While it is false a step may be in flight and
// sampling should not pause. The start timestamp is read under the decoder
// lock, the clock comparison happens outside it.
func (d *Decoder) ReadyForSleep() bool {
	d.mu.Lock()
	start := d.seqStart
	d.mu.Unlock()
	return d.now()-start > d.threshold
}

// GetRotation samples both lines, stores the combined result and classifies
// it like CheckRotation. A failed read leaves the stored sample unchanged
// and returns RotationIdle with the error.
func (d *Decoder) GetRotation() (Rotation, error) {
	if d.clk == nil || d.dt == nil {
		return RotationIdle, ErrNoLineReader
	}
	clk, err := d.clk.Value()
	if err != nil {
		return RotationIdle, fmt.Errorf("read clk: %w", err)
	}
	dt, err := d.dt.Value()
	if err != nil {
		return RotationIdle, fmt.Errorf("read dt: %w", err)
	}
	d.SetState(levelBit(clk)<<1 | levelBit(dt))
	return d.CheckRotation(), nil
}

// levelBit folds a line level into one bit, any non zero level counts as
// high.
func levelBit(v int) byte {
	if v != 0 {
		return 1
	}
	return 0
}
