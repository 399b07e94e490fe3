package core

import (
	"errors"
)

// Error classes. Subsystems wrap or unwrap to one of these so callers can
// branch with errors.Is without knowing the concrete error type.
var (
	// ErrParse is returned for malformed or inconsistent render graph descriptions.
	ErrParse = errors.New("parse error")
	// ErrResourceNotReady means a pass input has not been uploaded yet. The pass is skipped for the frame.
	ErrResourceNotReady = errors.New("resource not ready")
	// ErrConfiguration covers missing techniques, unregistered passes and invalid settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrResourceExhausted is returned when a fixed-capacity pool, queue or staging ring is full.
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrInvalidHandle     = errors.New("invalid handle")
	ErrResourceBusy      = errors.New("resource busy")
	ErrTimeout           = errors.New("timed out")
	ErrShutdown          = errors.New("shutting down")
)
