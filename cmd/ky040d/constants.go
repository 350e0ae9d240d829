package main

// Linux input event types and codes (from <linux/input.h>)
const (
	EV_KEY = 0x01
	EV_REL = 0x02

	// Default gpio-keys code for the encoder push button
	KEY_ENTER = 28

	// Rotary encoder relative axis codes
	REL_DIAL  = 0x07
	REL_WHEEL = 0x08
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
	evValueRepeat  = 2
)

// Daemon configuration defaults
const (
	defaultSleepThresholdMS = 150 // Decoder quiet time before the sleep gate opens (ms)

	defaultPollIntervalMS   = 1  // rpio backend sampling cadence (ms)
	defaultButtonDebounceMS = 10 // gpiocdev debounce period for the button line (ms)

	defaultWSSendBuf      = 32 // Per-client websocket send queue
	defaultWSBroadcastBuf = 64 // Reducer-to-broadcaster queue

	defaultNotifyTimeoutMS = 2000 // Outbound webhook POST timeout (ms)
)
