package domain

import "errors"

var (
	ErrNegativeLevel      = errors.New("water level must be >= 0")
	ErrMissingTimestamp   = errors.New("snapshot timestamp is required")
	ErrMissingMachine     = errors.New("machine id is required")
	ErrUnknownMachine     = errors.New("unknown machine")
	ErrInvalidGranularity = errors.New("invalid granularity")
	ErrInvalidMode        = errors.New("invalid aggregation mode")
	ErrNoTelemetry        = errors.New("telemetry source returned no point")
)
