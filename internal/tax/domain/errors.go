package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMissingOSSRate = errors.New("missing_oss_rate")
	ErrInvalidProfile = errors.New("invalid_tax_profile")
)

// ConfigurationError marks a gap in the seller's tax tables. It is fatal
// to the affected transaction but never to the batch.
type ConfigurationError struct {
	Country string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no OSS rate configured for destination %s", e.Country)
}

func (e *ConfigurationError) Unwrap() error { return ErrMissingOSSRate }
