package main

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/warthog618/go-gpiocdev"

	ky040 "github.com/codingABI/ky040-go"
)

// gpioInput decodes a quadrature encoder from character-device GPIO edge
// events. CLK and DT are requested with both-edge event handlers so every
// level change resamples the pair, which is what the decoder's bounce
// handling expects. The optional switch line uses kernel debouncing.
type gpioInput struct {
	decoder *ky040.Decoder
	events  chan<- Event
	logger  *slog.Logger

	clk *gpiocdev.Line
	dt  *gpiocdev.Line
	sw  *gpiocdev.Line

	// Edge events can arrive while the lines are still being requested,
	// before the decoder exists. Handlers drop events until ready is set.
	ready atomic.Bool
}

// startGPIOInput requests the encoder lines and begins delivering events.
// Close releases the lines.
func startGPIOInput(cfg GPIOConfig, sleepThreshold, buttonDebounce time.Duration, events chan<- Event, logger *slog.Logger) (*gpioInput, error) {
	g := &gpioInput{
		events: events,
		logger: logger,
	}

	encoderOpts := func(handler func(gpiocdev.LineEvent)) []gpiocdev.LineReqOption {
		opts := []gpiocdev.LineReqOption{
			gpiocdev.AsInput,
			gpiocdev.WithBothEdges,
			gpiocdev.WithEventHandler(handler),
		}
		if cfg.PullUp {
			opts = append(opts, gpiocdev.WithPullUp)
		}
		return opts
	}

	var err error
	g.clk, err = gpiocdev.RequestLine(cfg.Chip, cfg.CLKLine, encoderOpts(g.handleEdge)...)
	if err != nil {
		return nil, fmt.Errorf("request clk line %d: %w", cfg.CLKLine, err)
	}

	g.dt, err = gpiocdev.RequestLine(cfg.Chip, cfg.DTLine, encoderOpts(g.handleEdge)...)
	if err != nil {
		g.Close()
		return nil, fmt.Errorf("request dt line %d: %w", cfg.DTLine, err)
	}

	if cfg.SWLine >= 0 {
		swOpts := []gpiocdev.LineReqOption{
			gpiocdev.AsInput,
			gpiocdev.WithBothEdges,
			gpiocdev.WithDebounce(buttonDebounce),
			gpiocdev.WithEventHandler(g.handleButton),
		}
		if cfg.PullUp {
			swOpts = append(swOpts, gpiocdev.WithPullUp)
		}
		g.sw, err = gpiocdev.RequestLine(cfg.Chip, cfg.SWLine, swOpts...)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("request sw line %d: %w", cfg.SWLine, err)
		}
	}

	g.decoder = ky040.NewDecoder(g.clk, g.dt, ky040.WithSleepThreshold(sleepThreshold))
	g.ready.Store(true)

	logger.Info("gpio input started",
		"chip", cfg.Chip,
		"clk", cfg.CLKLine,
		"dt", cfg.DTLine,
		"sw", cfg.SWLine,
		"pull_up", cfg.PullUp)
	return g, nil
}

// Decoder exposes the decoder for the sleep gate probe.
func (g *gpioInput) Decoder() *ky040.Decoder { return g.decoder }

// handleEdge resamples both lines on any edge and feeds the decoder. The
// event's own level is not trusted alone; the pair is what matters.
func (g *gpioInput) handleEdge(gpiocdev.LineEvent) {
	if !g.ready.Load() {
		return
	}

	clk, err := g.clk.Value()
	if err != nil {
		g.logger.Warn("read clk line failed", "error", err)
		return
	}
	dt, err := g.dt.Value()
	if err != nil {
		g.logger.Warn("read dt line failed", "error", err)
		return
	}

	g.decoder.SetState(encoderSample(clk, dt))

	switch g.decoder.CheckRotation() {
	case ky040.RotationClockwise:
		g.sendStep(1)
	case ky040.RotationCounterClockwise:
		g.sendStep(-1)
	}
}

func (g *gpioInput) handleButton(evt gpiocdev.LineEvent) {
	if !g.ready.Load() {
		return
	}

	// With a pull-up the switch line is active low.
	pressed := evt.Type == gpiocdev.LineEventFallingEdge

	select {
	case g.events <- ButtonChanged{Pressed: pressed}:
	default:
		g.logger.Warn("event queue full, dropping button change")
	}
}

func (g *gpioInput) sendStep(direction int) {
	select {
	case g.events <- RotationStep{Direction: direction}:
	default:
		g.logger.Warn("event queue full, dropping rotation step")
	}
}

// Close releases all requested lines. Safe to call after a partial start.
func (g *gpioInput) Close() {
	g.ready.Store(false)

	if g.clk != nil {
		_ = g.clk.Close()
	}
	if g.dt != nil {
		_ = g.dt.Close()
	}
	if g.sw != nil {
		_ = g.sw.Close()
	}
}

// encoderSample packs CLK into bit 1 and DT into bit 0.
func encoderSample(clk, dt int) byte {
	var s byte
	if clk != 0 {
		s |= 0b10
	}
	if dt != 0 {
		s |= 0b01
	}
	return s
}
