package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{Initial: time.Millisecond, Max: 2 * time.Millisecond, Timeout: time.Second}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoGivesUpAfterTimeout(t *testing.T) {
	boom := errors.New("unreachable")
	err := Do(context.Background(), Config{Initial: time.Millisecond, Max: time.Millisecond, Timeout: 20 * time.Millisecond}, func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestDoStopsOnPermanent(t *testing.T) {
	attempts := 0
	boom := errors.New("bad credentials")
	err := Do(context.Background(), Config{Initial: time.Millisecond, Timeout: time.Second}, func(context.Context) error {
		attempts++
		return Permanent(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Config{Initial: time.Millisecond, Timeout: time.Second}, func(context.Context) error {
		return errors.New("down")
	})
	assert.Error(t, err)
}
