package usbdev

import "errors"

var (
	// ErrNotConfigured is returned when the host deconfigured or reset the
	// device during a transfer.
	ErrNotConfigured = errors.New("device not configured")

	// ErrRetriesExhausted is returned by Read when the poll budget ran out
	// before the buffer was filled.
	ErrRetriesExhausted = errors.New("read retries exhausted")

	// ErrWaitExhausted is returned when a hardware flag did not change within
	// the configured wait limit.
	ErrWaitExhausted = errors.New("hardware flag wait exhausted")

	// ErrEndpointHalted is returned by the simulator when the host addresses a
	// disabled endpoint.
	ErrEndpointHalted = errors.New("endpoint halted")
)
