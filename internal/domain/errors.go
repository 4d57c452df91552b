package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrTerminalJob      = errors.New("job already terminal")
	ErrProviderFailure  = errors.New("provider failure")
	ErrUnsupportedKind  = errors.New("job kind not supported by provider")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrMissingProvider  = errors.New("provider not configured")
	ErrDuplicateVariant = errors.New("duplicate variant")
)
