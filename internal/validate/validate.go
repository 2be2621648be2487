// Package validate provides struct-tag validation of job payloads and
// action parameters before they reach a handler (SPEC_FULL.md §4.13).
package validate

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/ashford-core/ashford-core/internal/domain"
)

var (
	once sync.Once
	v    *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() { v = validator.New() })
	return v
}

// Struct validates payload against its `validate` tags, returning a
// single error naming every failing field so callers can classify it
// Fatal in one step (spec.md §4.9: validation is never retryable).
func Struct(payload any) error {
	if err := instance().Struct(payload); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("payload validation failed: %s: %w", verrs.Error(), domain.ErrInvalidArgument)
		}
		return fmt.Errorf("payload validation failed: %w: %w", err, domain.ErrInvalidArgument)
	}
	return nil
}
