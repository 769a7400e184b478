package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_SucceedsAfterRetry(t *testing.T) {
	var seen []int
	var retried []int
	p := Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		OnRetry:   func(attempt int, _ error) { retried = append(retried, attempt) },
	}

	err := p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, []int{1}, retried)
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("facilitator down")
	calls := 0
	err := Policy{Attempts: 2, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, calls)
}

func TestPolicy_PermanentStops(t *testing.T) {
	sentinel := errors.New("rejected")
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return Permanent(sentinel)
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{}.Do(context.Background(), func(int) error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: time.Hour}.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_Shorthand(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls == 3 {
			return nil
		}
		return errors.New("again")
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.Nil(t, Permanent(nil))
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
