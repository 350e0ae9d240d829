package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func printVersion() {
	fmt.Printf("ky040d v%s\n", version)
	fmt.Println("KY-040 rotary encoder daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  ky040d [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that decodes a KY-040 rotary encoder (and its push button) into")
	fmt.Println("  a running position counter, exposed over a unix IPC socket and a")
	fmt.Println("  websocket state feed. Rotation and button changes can additionally be")
	fmt.Println("  posted to webhook URLs.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (flags override file values)")
	fmt.Println()
	fmt.Println("  -backend string")
	fmt.Println("        Input backend: gpiocdev|rpio|evdev (default \"gpiocdev\")")
	fmt.Println()
	fmt.Println("  -gpio-chip string")
	fmt.Println("        GPIO chip for the gpiocdev backend (default \"gpiochip0\")")
	fmt.Println()
	fmt.Println("  -clk-line int")
	fmt.Println("        GPIO line offset of the encoder CLK pin (default 17)")
	fmt.Println()
	fmt.Println("  -dt-line int")
	fmt.Println("        GPIO line offset of the encoder DT pin (default 18)")
	fmt.Println()
	fmt.Println("  -sw-line int")
	fmt.Println("        GPIO line offset of the push button, -1 disables it (default -1)")
	fmt.Println()
	fmt.Println("  -evdev-device string")
	fmt.Println("        Input device for the evdev backend (default \"/dev/input/event0\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default \"/tmp/ky040d.sock\")\n")
	fmt.Println()
	fmt.Println("  -ws-listen string")
	fmt.Println("        Listen address of the websocket state feed (default \"127.0.0.1:8791\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults (gpiocdev backend, CLK=17 DT=18)")
	fmt.Println("  ky040d")
	fmt.Println()
	fmt.Println("  # Different pins, button enabled")
	fmt.Println("  ky040d -clk-line 5 -dt-line 6 -sw-line 13")
	fmt.Println()
	fmt.Println("  # Polled backend at 1ms, config file for the rest")
	fmt.Println("  ky040d -config /etc/ky040d.yaml -backend rpio")
	fmt.Println()
	fmt.Println("  # Kernel rotary-encoder device")
	fmt.Println("  ky040d -backend evdev -evdev-device /dev/input/event3")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - gpiocdev needs access to /dev/gpiochipN (gpio group or root)")
	fmt.Println("  - rpio needs access to /dev/gpiomem")
	fmt.Println("  - evdev needs read access to the input device ('input' group or root)")
	fmt.Println()
}

func main() {
	// Check for version/help flags early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		backend     = flag.String("backend", BackendGPIOCdev, "Input backend: gpiocdev|rpio|evdev")
		gpioChip    = flag.String("gpio-chip", "gpiochip0", "GPIO chip for the gpiocdev backend")
		clkLine     = flag.Int("clk-line", 17, "GPIO line offset of the encoder CLK pin")
		dtLine      = flag.Int("dt-line", 18, "GPIO line offset of the encoder DT pin")
		swLine      = flag.Int("sw-line", -1, "GPIO line offset of the push button (-1 disables)")
		evdevDevice = flag.String("evdev-device", "/dev/input/event0", "Input device for the evdev backend")
		ipcSocket   = flag.String("ipc-socket", "/tmp/ky040d.sock", "Unix domain socket path for IPC")
		wsListen    = flag.String("ws-listen", "127.0.0.1:8791", "Listen address of the websocket state feed")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	// Flags passed on the command line win over the config file. flag.Visit
	// only sees flags that were actually set.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "backend":
			ov.Backend = backend
		case "gpio-chip":
			ov.GPIOChip = gpioChip
		case "clk-line":
			ov.CLKLine = clkLine
		case "dt-line":
			ov.DTLine = dtLine
		case "sw-line":
			ov.SWLine = swLine
		case "evdev-device":
			ov.EvdevDevice = evdevDevice
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocket
		case "ws-listen":
			ov.WSListen = wsListen
		case "log-level":
			ov.LogLevel = logLevelStr
		}
	})
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

// run wires the input backend, daemon loop, IPC and websocket servers
// together and blocks until a signal arrives or a component fails.
func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	events := make(chan Event, 64)
	broadcasts := make(chan StateBroadcast, cfg.WS.BroadcastBuf)

	// sleepReady stays nil for backends without a decoder; the IPC status
	// response then omits the sleep gate.
	var sleepReady func() bool

	switch cfg.Input.Backend {
	case BackendGPIOCdev:
		gi, err := startGPIOInput(cfg.Input.GPIO, cfg.SleepThreshold(), cfg.ButtonDebounce(), events, logger)
		if err != nil {
			return err
		}
		defer gi.Close()
		sleepReady = gi.Decoder().ReadyForSleep

	case BackendRPIO:
		pi, err := newPollInput(cfg.Input.GPIO, cfg.SleepThreshold(), cfg.PollInterval(), events, logger)
		if err != nil {
			return err
		}
		sleepReady = pi.Decoder().ReadyForSleep
		g.Go(func() error { return pi.Run(ctx) })

	case BackendEvdev:
		g.Go(func() error { return runEvdevInput(ctx, cfg.Input.Evdev, events, logger) })
	}

	state := NewDaemonState(cfg.Input.Backend, time.Now())
	notifier := NewWebhookNotifier(cfg.NotifyTimeout())

	ws := NewServer(logger, events, ServerConfig{
		Hub: HubConfig{SendBuf: cfg.WS.SendBuf, BroadcastBuf: cfg.WS.BroadcastBuf},
	})
	hub := ws.Hub()

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(ctx, hub, broadcasts, logger)
		return nil
	})
	g.Go(func() error { return runWSServer(ctx, cfg.WS, ws, logger) })
	g.Go(func() error {
		return runIPCServer(ctx, ExpandPath(cfg.IPC.SocketPath), events, sleepReady, logger)
	})
	g.Go(func() error {
		runDaemon(ctx, events, broadcasts, notifier, cfg.Notify, state, logger)
		return nil
	})

	logger.Info("ky040d started",
		"version", version,
		"backend", cfg.Input.Backend,
		"ipc_socket", cfg.IPC.SocketPath,
		"ws_listen", cfg.WS.Listen,
		"ws_path", cfg.WS.Path)

	return g.Wait()
}
