package ky040

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	ms uint32
}

func (c *fakeClock) millis() uint32 { return c.ms }

func (c *fakeClock) advance(d time.Duration) { c.ms += uint32(d.Milliseconds()) }

func newTestDecoder(c *fakeClock, opts ...DecoderOption) *Decoder {
	d := NewDecoder(nil, nil, opts...)
	d.now = c.millis
	d.seqStart = c.millis()
	return d
}

type fakeLine struct {
	level int
	err   error
}

func (l *fakeLine) Value() (int, error) { return l.level, l.err }

// feed stores each sample and classifies it, checking the result per sample.
func feed(t *testing.T, d *Decoder, c *fakeClock, samples []byte, want []Rotation) {
	t.Helper()
	for i, s := range samples {
		c.advance(10 * time.Millisecond)
		d.SetState(s)
		if got := d.CheckRotation(); got != want[i] {
			t.Errorf("sample %d (%02b): expected %v, got %v", i, s, want[i], got)
		}
	}
}

func TestDecoder_CheckRotation_ClockwiseSequence(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	feed(t, d, clk, []byte{0b11, 0b01, 0b00, 0b10, 0b11},
		[]Rotation{RotationIdle, RotationIdle, RotationActive, RotationActive, RotationClockwise})

	if got := d.GetAndResetLastRotation(); got != RotationClockwise {
		t.Errorf("expected latched clockwise, got %v", got)
	}
}

func TestDecoder_CheckRotation_CounterClockwiseSequence(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	feed(t, d, clk, []byte{0b11, 0b10, 0b00, 0b01, 0b11},
		[]Rotation{RotationIdle, RotationIdle, RotationActive, RotationActive, RotationCounterClockwise})

	if got := d.GetAndResetLastRotation(); got != RotationCounterClockwise {
		t.Errorf("expected latched counterclockwise, got %v", got)
	}
}

func TestDecoder_CheckRotation_RepeatedSampleIsIdle(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	d.SetState(0b01)
	if got := d.CheckRotation(); got != RotationIdle {
		t.Fatalf("expected idle on sequence start, got %v", got)
	}
	for i := 0; i < 3; i++ {
		clk.advance(time.Millisecond)
		if got := d.CheckRotation(); got != RotationIdle {
			t.Errorf("repeat %d: expected idle, got %v", i, got)
		}
	}

	// The sequence is still live and completes normally.
	feed(t, d, clk, []byte{0b00, 0b10, 0b11},
		[]Rotation{RotationActive, RotationActive, RotationClockwise})
}

func TestDecoder_CheckRotation_IgnoresNonStartSample(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	// 00 opens neither sequence, nothing starts until a real first sample.
	feed(t, d, clk, []byte{0b00, 0b01}, []Rotation{RotationIdle, RotationIdle})
	feed(t, d, clk, []byte{0b00, 0b10, 0b11},
		[]Rotation{RotationActive, RotationActive, RotationClockwise})
}

func TestDecoder_CheckRotation_GlitchStallsSequence(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	// Clockwise sequence under way.
	feed(t, d, clk, []byte{0b01, 0b00}, []Rotation{RotationIdle, RotationActive})

	// Bounce to a sample that fits neither the next position nor rest. The
	// sequence neither advances nor resets.
	clk.advance(time.Millisecond)
	d.SetState(0b01)
	if got := d.CheckRotation(); got != RotationIdle {
		t.Errorf("expected idle on glitch, got %v", got)
	}
	if d.direction != RotationClockwise || d.step != 2 {
		t.Fatalf("expected stalled clockwise sequence at position 2, got direction=%v step=%d", d.direction, d.step)
	}

	// The expected sample still completes the step.
	feed(t, d, clk, []byte{0b10, 0b11}, []Rotation{RotationActive, RotationClockwise})
}

func TestDecoder_CheckRotation_ResetsOnlyAtRest(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	// Counter-clockwise under way, then the lines bounce straight back to
	// rest. The broken sequence is abandoned without a completed step.
	feed(t, d, clk, []byte{0b10, 0b00}, []Rotation{RotationIdle, RotationActive})
	clk.advance(time.Millisecond)
	d.SetState(0b11)
	if got := d.CheckRotation(); got != RotationIdle {
		t.Errorf("expected idle on reset, got %v", got)
	}
	if d.direction != RotationIdle || d.step != 0 {
		t.Fatalf("expected abandoned sequence, got direction=%v step=%d", d.direction, d.step)
	}
	if got := d.GetAndResetLastRotation(); got != RotationIdle {
		t.Errorf("expected no latched step, got %v", got)
	}

	// A fresh sequence starts cleanly afterwards.
	feed(t, d, clk, []byte{0b10, 0b00, 0b01, 0b11},
		[]Rotation{RotationIdle, RotationActive, RotationActive, RotationCounterClockwise})
}

func TestDecoder_GetAndResetLastRotation_DeliversOnce(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	feed(t, d, clk, []byte{0b01, 0b00, 0b10, 0b11},
		[]Rotation{RotationIdle, RotationActive, RotationActive, RotationClockwise})

	if got := d.GetAndResetLastRotation(); got != RotationClockwise {
		t.Errorf("expected clockwise, got %v", got)
	}
	if got := d.GetAndResetLastRotation(); got != RotationIdle {
		t.Errorf("expected idle after drain, got %v", got)
	}
}

func TestDecoder_GetAndResetLastRotation_KeepsLatestStep(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	feed(t, d, clk, []byte{0b01, 0b00, 0b10, 0b11},
		[]Rotation{RotationIdle, RotationActive, RotationActive, RotationClockwise})
	feed(t, d, clk, []byte{0b10, 0b00, 0b01, 0b11},
		[]Rotation{RotationIdle, RotationActive, RotationActive, RotationCounterClockwise})

	// Only the newest completed step is retained, there is no queue.
	if got := d.GetAndResetLastRotation(); got != RotationCounterClockwise {
		t.Errorf("expected counterclockwise, got %v", got)
	}
	if got := d.GetAndResetLastRotation(); got != RotationIdle {
		t.Errorf("expected idle after drain, got %v", got)
	}
}

func TestDecoder_ReadyForSleep_GatesAfterSequenceStart(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	clk.advance(200 * time.Millisecond)
	if !d.ReadyForSleep() {
		t.Fatal("expected ready for sleep while at rest")
	}

	d.SetState(0b01)
	d.CheckRotation()
	if d.ReadyForSleep() {
		t.Error("expected not ready right after a sequence start")
	}

	clk.advance(150 * time.Millisecond)
	if d.ReadyForSleep() {
		t.Error("expected not ready at exactly the threshold")
	}
	clk.advance(time.Millisecond)
	if !d.ReadyForSleep() {
		t.Error("expected ready once the threshold passed")
	}
}

func TestDecoder_ReadyForSleep_CustomThreshold(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk, WithSleepThreshold(300*time.Millisecond))

	d.SetState(0b01)
	d.CheckRotation()
	clk.advance(151 * time.Millisecond)
	if d.ReadyForSleep() {
		t.Error("expected not ready below the configured threshold")
	}
	clk.advance(150 * time.Millisecond)
	if !d.ReadyForSleep() {
		t.Error("expected ready past the configured threshold")
	}
}

func TestDecoder_ReadyForSleep_SteadyIdlePollingStaysReady(t *testing.T) {
	clk := &fakeClock{}
	d := newTestDecoder(clk)

	// Let the construction timestamp age past the threshold first.
	clk.advance(151 * time.Millisecond)
	if !d.ReadyForSleep() {
		t.Fatal("expected ready before the idle hold")
	}

	// Polling an unchanged resting sample must not re-arm the gate, even
	// though every call refreshes the clamped timestamp.
	d.SetState(0b11)
	for i := 0; i < 20; i++ {
		clk.advance(10 * time.Millisecond)
		if got := d.CheckRotation(); got != RotationIdle {
			t.Fatalf("poll %d: expected idle, got %v", i, got)
		}
		if !d.ReadyForSleep() {
			t.Errorf("poll %d: expected still ready for sleep", i)
		}
	}
}

func TestDecoder_ReadyForSleep_CounterWrap(t *testing.T) {
	clk := &fakeClock{ms: ^uint32(0) - 5}
	d := newTestDecoder(clk)

	// Sequence starts just below the counter maximum.
	d.SetState(0b01)
	d.CheckRotation()

	// 10ms later the counter has wrapped past zero, the elapsed time is
	// still far below the threshold.
	clk.advance(10 * time.Millisecond)
	if d.ReadyForSleep() {
		t.Error("expected not ready shortly after a start across the wrap")
	}

	clk.advance(150 * time.Millisecond)
	if !d.ReadyForSleep() {
		t.Error("expected ready once the threshold passed across the wrap")
	}
}

func TestDecoder_GetRotation_PolledClockwiseStep(t *testing.T) {
	clkLine := &fakeLine{level: 1}
	dtLine := &fakeLine{level: 1}
	c := &fakeClock{}
	d := NewDecoder(clkLine, dtLine)
	d.now = c.millis
	d.seqStart = c.millis()

	steps := []struct {
		clk, dt int
		want    Rotation
	}{
		{1, 1, RotationIdle},
		{0, 1, RotationIdle},
		{0, 0, RotationActive},
		{1, 0, RotationActive},
		{1, 1, RotationClockwise},
	}
	for i, s := range steps {
		c.advance(5 * time.Millisecond)
		clkLine.level = s.clk
		dtLine.level = s.dt
		got, err := d.GetRotation()
		if err != nil {
			t.Fatalf("step %d: unexpected error: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: expected %v, got %v", i, s.want, got)
		}
	}
	if got := d.State(); got != SampleIdle {
		t.Errorf("expected stored sample %02b, got %02b", SampleIdle, got)
	}
}

func TestDecoder_GetRotation_ReadErrorKeepsSample(t *testing.T) {
	clkLine := &fakeLine{level: 1}
	dtLine := &fakeLine{level: 1}
	d := NewDecoder(clkLine, dtLine)

	if _, err := d.GetRotation(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.State(); got != SampleIdle {
		t.Fatalf("expected stored sample %02b, got %02b", SampleIdle, got)
	}

	dtLine.err = errors.New("line closed")
	got, err := d.GetRotation()
	if err == nil {
		t.Fatal("expected an error")
	}
	if got != RotationIdle {
		t.Errorf("expected idle result on error, got %v", got)
	}
	if st := d.State(); st != SampleIdle {
		t.Errorf("expected stored sample unchanged, got %02b", st)
	}
}

func TestDecoder_GetRotation_WithoutLines(t *testing.T) {
	d := NewDecoder(nil, nil)
	if _, err := d.GetRotation(); !errors.Is(err, ErrNoLineReader) {
		t.Errorf("expected ErrNoLineReader, got %v", err)
	}
}

func TestRotation_String(t *testing.T) {
	cases := map[Rotation]string{
		RotationIdle:             "idle",
		RotationActive:           "active",
		RotationClockwise:        "clockwise",
		RotationCounterClockwise: "counterclockwise",
	}
	for r, want := range cases {
		if got := r.String(); got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}

func TestRotation_Step(t *testing.T) {
	if got := RotationClockwise.Step(); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := RotationCounterClockwise.Step(); got != -1 {
		t.Errorf("expected -1, got %d", got)
	}
	if got := RotationIdle.Step(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := RotationActive.Step(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

// Just verifies there are no data races under -race, the interleaving is not
// deterministic.
func TestDecoder_ConcurrentAccess(t *testing.T) {
	d := NewDecoder(nil, nil)
	samples := []byte{0b01, 0b00, 0b10, 0b11}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			d.SetState(samples[i%len(samples)])
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			d.CheckRotation()
			d.ReadyForSleep()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			d.GetAndResetLastRotation()
			d.State()
		}
	}()
	wg.Wait()
}
