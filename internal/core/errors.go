// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test with errors.Is.
var (
	// Parse errors: drop the packet or message, log, continue.
	ErrParse            = errors.New("srte: parse error")
	ErrPacketTooShort   = errors.New("srte: packet too short")
	ErrUnsupportedProto = errors.New("srte: unsupported protocol")

	// Path table errors
	ErrTableFull = errors.New("srte: path table full")
	ErrCorrupted = errors.New("srte: path table invariant violated")

	// Path assignment errors
	ErrNoAlternative = errors.New("srte: no alternative path")
	ErrNoPath        = errors.New("srte: no path known")

	// Socket create/connect/option failures
	ErrTransport = errors.New("srte: transport error")

	// Notification trailer or receive length mismatch
	ErrProtocolInconsistency = errors.New("srte: protocol inconsistency")

	// Configuration errors
	ErrConfigInvalid = errors.New("srte: invalid configuration")
)
