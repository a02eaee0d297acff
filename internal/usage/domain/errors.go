package domain

import "errors"

var (
	ErrInvalidSessionID    = errors.New("invalid_session_id")
	ErrInvalidTimestamp    = errors.New("invalid_timestamp")
	ErrInvalidModel        = errors.New("invalid_model")
	ErrInvalidSourceFormat = errors.New("invalid_source_format")
	ErrInvalidTokens       = errors.New("invalid_tokens")
	ErrInvalidCost         = errors.New("invalid_cost")
)
