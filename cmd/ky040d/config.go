package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Input backend names accepted in input.backend.
const (
	BackendGPIOCdev = "gpiocdev"
	BackendRPIO     = "rpio"
	BackendEvdev    = "evdev"
)

// Config is the top-level YAML configuration for the ky040d daemon.
//
// The config file is the primary configuration surface; flags exist for small
// overrides and for environments where a file is awkward. Defaults and
// validation are centralized here so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Encoder input configuration
	Input InputConfig `yaml:"input"`

	// IPC configuration (consumed by ky040-ctl)
	IPC IPCConfig `yaml:"ipc"`

	// Websocket state feed configuration
	WS WSConfig `yaml:"ws"`

	// Outbound webhook notifications
	Notify NotifyConfig `yaml:"notify"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	// Backend selects how encoder samples reach the daemon: "gpiocdev"
	// (edge events through the character device), "rpio" (polled
	// memory-mapped GPIO) or "evdev" (kernel rotary-encoder and gpio-keys
	// devices).
	Backend string `yaml:"backend"`

	// SleepThresholdMS is the decoder quiet time before the sleep gate
	// opens. Only the gpiocdev and rpio backends run a decoder.
	SleepThresholdMS int `yaml:"sleep_threshold_ms"`

	GPIO  GPIOConfig  `yaml:"gpio"`
	Evdev EvdevConfig `yaml:"evdev"`
}

type GPIOConfig struct {
	Chip    string `yaml:"chip"`
	CLKLine int    `yaml:"clk_line"`
	DTLine  int    `yaml:"dt_line"`

	// SWLine is the push button offset. -1 disables the button.
	SWLine int `yaml:"sw_line"`

	// PullUp requests pull-up bias on all lines. KY-040 boards carry their
	// own resistors on CLK and DT but usually not on SW.
	PullUp bool `yaml:"pull_up"`

	// PollIntervalMS is the sampling cadence of the rpio backend.
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// ButtonDebounceMS is the gpiocdev debounce period for the button line.
	ButtonDebounceMS int `yaml:"button_debounce_ms"`
}

type EvdevConfig struct {
	Device string `yaml:"device"`

	// ButtonKeyCode is the EV_KEY code the push button reports.
	ButtonKeyCode int `yaml:"button_key_code"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type WSConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`

	// SendBuf is the per-client send queue; clients that stay full are
	// evicted. BroadcastBuf is the reducer-to-broadcaster queue.
	SendBuf      int `yaml:"send_buf"`
	BroadcastBuf int `yaml:"broadcast_buf"`
}

type NotifyConfig struct {
	// RotationURL and ButtonURL receive a JSON POST per completed step or
	// button change. Empty URLs disable the respective notification.
	RotationURL string `yaml:"rotation_url"`
	ButtonURL   string `yaml:"button_url"`
	TimeoutMS   int    `yaml:"timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
// Keep this aligned with constants.go.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Backend:          BackendGPIOCdev,
			SleepThresholdMS: defaultSleepThresholdMS,
			GPIO: GPIOConfig{
				Chip:             "gpiochip0",
				CLKLine:          17,
				DTLine:           18,
				SWLine:           -1,
				PullUp:           true,
				PollIntervalMS:   defaultPollIntervalMS,
				ButtonDebounceMS: defaultButtonDebounceMS,
			},
			Evdev: EvdevConfig{
				Device:        "/dev/input/event0",
				ButtonKeyCode: KEY_ENTER,
			},
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/ky040d.sock",
		},
		WS: WSConfig{
			Listen:       "127.0.0.1:8791",
			Path:         "/ws/state",
			SendBuf:      defaultWSSendBuf,
			BroadcastBuf: defaultWSBroadcastBuf,
		},
		Notify: NotifyConfig{
			TimeoutMS: defaultNotifyTimeoutMS,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file.
//
// Unknown fields are rejected (helps catch typos) and trailing documents are
// an error. Values absent from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace and comments may follow the document. Anything else,
	// decodable or not, is a second document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries optional overrides applied on top of a loaded config.
// Flags pass pointers; a nil pointer means "not set on the command line".
// main.go decides which flags exist.
type FlagOverrides struct {
	Backend     *string
	GPIOChip    *string
	CLKLine     *int
	DTLine      *int
	SWLine      *int
	EvdevDevice *string

	IPCSocketPath *string
	WSListen      *string

	LogLevel *string
}

// Apply merges the overrides into cfg. Non-nil pointers are applied even when
// they carry a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Backend != nil {
		cfg.Input.Backend = *o.Backend
	}
	if o.GPIOChip != nil {
		cfg.Input.GPIO.Chip = *o.GPIOChip
	}
	if o.CLKLine != nil {
		cfg.Input.GPIO.CLKLine = *o.CLKLine
	}
	if o.DTLine != nil {
		cfg.Input.GPIO.DTLine = *o.DTLine
	}
	if o.SWLine != nil {
		cfg.Input.GPIO.SWLine = *o.SWLine
	}
	if o.EvdevDevice != nil {
		cfg.Input.Evdev.Device = *o.EvdevDevice
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.WSListen != nil {
		cfg.WS.Listen = *o.WSListen
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	switch c.Input.Backend {
	case BackendGPIOCdev, BackendRPIO:
		if c.Input.GPIO.Chip == "" {
			return errors.New("input.gpio.chip must not be empty")
		}
		if c.Input.GPIO.CLKLine < 0 || c.Input.GPIO.DTLine < 0 {
			return errors.New("input.gpio.clk_line and input.gpio.dt_line must be >= 0")
		}
		if c.Input.GPIO.CLKLine == c.Input.GPIO.DTLine {
			return errors.New("input.gpio.clk_line and input.gpio.dt_line must differ")
		}
		if c.Input.GPIO.SWLine >= 0 &&
			(c.Input.GPIO.SWLine == c.Input.GPIO.CLKLine || c.Input.GPIO.SWLine == c.Input.GPIO.DTLine) {
			return errors.New("input.gpio.sw_line must differ from clk_line and dt_line")
		}
		if c.Input.Backend == BackendRPIO {
			if c.Input.GPIO.PollIntervalMS <= 0 || c.Input.GPIO.PollIntervalMS > 100 {
				return errors.New("input.gpio.poll_interval_ms must be between 1 and 100")
			}
		}
		if c.Input.GPIO.ButtonDebounceMS < 0 {
			return errors.New("input.gpio.button_debounce_ms must be >= 0")
		}
	case BackendEvdev:
		if c.Input.Evdev.Device == "" {
			return errors.New("input.evdev.device must not be empty")
		}
		if c.Input.Evdev.ButtonKeyCode <= 0 {
			return errors.New("input.evdev.button_key_code must be > 0")
		}
	default:
		return fmt.Errorf("input.backend must be %q, %q or %q", BackendGPIOCdev, BackendRPIO, BackendEvdev)
	}

	if c.Input.SleepThresholdMS <= 0 {
		return errors.New("input.sleep_threshold_ms must be > 0")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.WS.Listen == "" {
		return errors.New("ws.listen must not be empty")
	}
	if !strings.HasPrefix(c.WS.Path, "/") {
		return errors.New("ws.path must start with /")
	}
	if c.WS.SendBuf <= 0 {
		return errors.New("ws.send_buf must be > 0")
	}
	if c.WS.BroadcastBuf <= 0 {
		return errors.New("ws.broadcast_buf must be > 0")
	}

	if c.Notify.TimeoutMS <= 0 {
		return errors.New("notify.timeout_ms must be > 0")
	}
	for _, u := range []string{c.Notify.RotationURL, c.Notify.ButtonURL} {
		if u == "" {
			continue
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("notify url %q must be http(s)", u)
		}
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// SleepThreshold returns input.sleep_threshold_ms as a duration.
func (c *Config) SleepThreshold() time.Duration {
	return time.Duration(c.Input.SleepThresholdMS) * time.Millisecond
}

// PollInterval returns input.gpio.poll_interval_ms as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Input.GPIO.PollIntervalMS) * time.Millisecond
}

// ButtonDebounce returns input.gpio.button_debounce_ms as a duration.
func (c *Config) ButtonDebounce() time.Duration {
	return time.Duration(c.Input.GPIO.ButtonDebounceMS) * time.Millisecond
}

// NotifyTimeout returns notify.timeout_ms as a duration.
func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutMS) * time.Millisecond
}

// ExpandPath expands a leading "~" in a path using $HOME. Handy for the
// config and socket paths.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && p[1] == '/' {
		return filepath.Join(home, p[2:])
	}
	return p
}
