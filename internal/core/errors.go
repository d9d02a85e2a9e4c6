// Package core defines sentinel errors and the frame type shared by the capture path.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is.
var (
	// Ring errors
	ErrOutOfSpace      = errors.New("rawring: out of buffer space")
	ErrRecordTooLarge  = errors.New("rawring: record larger than segment")
	ErrInvalidCapacity = errors.New("rawring: invalid buffer capacity")

	// Listener errors
	ErrInvalidListener   = errors.New("rawring: invalid listener id")
	ErrAlreadyRegistered = errors.New("rawring: listener already registered")
	ErrNoFreeSlot        = errors.New("rawring: no free listener slot")
	ErrListenerNotFound  = errors.New("rawring: listener not found")
	ErrListenerKilled    = errors.New("rawring: listener killed")
	ErrSilentlyRejected  = errors.New("rawring: request from force-killed listener")

	// Wire format errors
	ErrCorruptRecord = errors.New("rawring: corrupt record")

	// Buffer and source errors
	ErrBufferNotFound = errors.New("rawring: buffer not found")
	ErrBufferExists   = errors.New("rawring: buffer already exists")
	ErrBufferStopped  = errors.New("rawring: buffer stopped")
	ErrSourceNotFound = errors.New("rawring: unknown source type")

	// Configuration errors
	ErrConfigInvalid = errors.New("rawring: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("rawring: daemon not running")
)
