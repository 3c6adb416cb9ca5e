package shared

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError_Is(t *testing.T) {
	t.Run("derived error matches sentinel", func(t *testing.T) {
		err := ErrNotFound.WithMessage("customer %q not found", "c1")

		assert.True(t, errors.Is(err, ErrNotFound))
		assert.False(t, errors.Is(err, ErrAlreadyExists))
		assert.Equal(t, `customer "c1" not found`, err.Error())
		assert.Equal(t, "NOT_FOUND", err.Code)
	})

	t.Run("wrapped error matches sentinel", func(t *testing.T) {
		err := fmt.Errorf("update: %w", ErrInvalidInput.WithMessage("bad field"))

		assert.ErrorIs(t, err, ErrInvalidInput)

		var domainErr *DomainError
		assert.True(t, errors.As(err, &domainErr))
		assert.Equal(t, "INVALID_INPUT", domainErr.Code)
	})

	t.Run("non domain target", func(t *testing.T) {
		assert.False(t, ErrNotFound.Is(errors.New("NOT_FOUND")))
	})
}
