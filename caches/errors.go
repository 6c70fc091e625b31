package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

// Is reports ValidationError as ErrValidation so callers can match on the
// sentinel without knowing the reason.
func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrCacheItemExpired = errors.New("cache item expired")
	ErrNoCacheItem      = errors.New("no value found in cache")
	ErrValidation       = errors.New("validation failed")
)
