package pgadapter_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/taskqueue"
)

// TestErrorWrappingPattern verifies the PATTERN pgadapter's queries must
// follow when wrapping a sentinel error around an underlying pgx/driver
// error: fmt.Errorf("%w: %w", ...), never "%w: %v", so both
// errors.Is(err, taskqueue.ErrJobNotFound) and the original cause survive.
func TestErrorWrappingPattern(t *testing.T) {
	t.Run("incorrect pattern loses the underlying error", func(t *testing.T) {
		cause := errors.New("pgx: no rows in result set")

		broken := fmt.Errorf("%w: %v", taskqueue.ErrJobNotFound, cause)

		assert.True(t, errors.Is(broken, taskqueue.ErrJobNotFound))
		assert.False(t, errors.Is(broken, cause), "the %v verb stringifies cause instead of chaining it")
	})

	t.Run("correct pattern preserves both", func(t *testing.T) {
		cause := errors.New("pgx: no rows in result set")

		wrapped := fmt.Errorf("%w: %w", taskqueue.ErrJobNotFound, cause)

		require.True(t, errors.Is(wrapped, taskqueue.ErrJobNotFound))
		require.True(t, errors.Is(wrapped, cause))
	})
}
