package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	ky040 "github.com/codingABI/ky040-go"
)

// rpioLine adapts a memory-mapped GPIO pin to the decoder's line reader.
type rpioLine struct {
	pin rpio.Pin
}

func (l rpioLine) Value() (int, error) {
	return int(l.pin.Read()), nil
}

// openRPIOLines maps the GPIO registers and configures the encoder pins as
// inputs. cleanup must be called once the lines are no longer used; it
// unmaps the registers.
func openRPIOLines(cfg GPIOConfig) (clk, dt, sw ky040.LineReader, cleanup func(), err error) {
	if err := rpio.Open(); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open gpio memory: %w", err)
	}

	prep := func(n int) rpioLine {
		pin := rpio.Pin(n)
		pin.Input()
		if cfg.PullUp {
			pin.PullUp()
		}
		return rpioLine{pin: pin}
	}

	clk = prep(cfg.CLKLine)
	dt = prep(cfg.DTLine)
	if cfg.SWLine >= 0 {
		sw = prep(cfg.SWLine)
	}

	return clk, dt, sw, func() { _ = rpio.Close() }, nil
}

// pollInput samples the encoder lines on a fixed interval. Unlike the edge
// backend it consumes completed rotations through the latch, draining at
// most one step per tick.
type pollInput struct {
	decoder *ky040.Decoder
	sw      ky040.LineReader
	events  chan<- Event
	logger  *slog.Logger

	interval time.Duration
	cleanup  func()

	swPressed bool
	swKnown   bool
}

func newPollInput(cfg GPIOConfig, sleepThreshold, interval time.Duration, events chan<- Event, logger *slog.Logger) (*pollInput, error) {
	clk, dt, sw, cleanup, err := openRPIOLines(cfg)
	if err != nil {
		return nil, err
	}

	p := &pollInput{
		decoder:  ky040.NewDecoder(clk, dt, ky040.WithSleepThreshold(sleepThreshold)),
		sw:       sw,
		events:   events,
		logger:   logger,
		interval: interval,
		cleanup:  cleanup,
	}

	logger.Info("poll input started",
		"clk", cfg.CLKLine,
		"dt", cfg.DTLine,
		"sw", cfg.SWLine,
		"pull_up", cfg.PullUp,
		"interval", interval)
	return p, nil
}

// Decoder exposes the decoder for the sleep gate probe.
func (p *pollInput) Decoder() *ky040.Decoder { return p.decoder }

// Run polls until ctx is canceled or a line read fails.
func (p *pollInput) Run(ctx context.Context) error {
	defer p.cleanup()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(); err != nil {
				return err
			}
		}
	}
}

func (p *pollInput) tick() error {
	if _, err := p.decoder.GetRotation(); err != nil {
		return fmt.Errorf("sample encoder: %w", err)
	}

	if dir := p.decoder.GetAndResetLastRotation().Step(); dir != 0 {
		select {
		case p.events <- RotationStep{Direction: dir}:
		default:
			p.logger.Warn("event queue full, dropping rotation step")
		}
	}

	if p.sw != nil {
		level, err := p.sw.Value()
		if err != nil {
			return fmt.Errorf("sample switch: %w", err)
		}
		pressed := level == 0 // active low with pull-up

		if !p.swKnown {
			// First read establishes the baseline without emitting.
			p.swKnown = true
			p.swPressed = pressed
		} else if pressed != p.swPressed {
			p.swPressed = pressed
			select {
			case p.events <- ButtonChanged{Pressed: pressed}:
			default:
				p.logger.Warn("event queue full, dropping button change")
			}
		}
	}

	return nil
}
