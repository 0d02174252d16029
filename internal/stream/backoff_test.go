package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantBackoff(t *testing.T) {
	t.Parallel()

	b := Constant{Delay: DefaultReconnectDelay}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, b.Next(attempt))
	}
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		initial time.Duration
		max     time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", initial: time.Second, max: time.Minute, attempt: 1, want: time.Second},
		{name: "second attempt doubles", initial: time.Second, max: time.Minute, attempt: 2, want: 2 * time.Second},
		{name: "fourth attempt", initial: time.Second, max: time.Minute, attempt: 4, want: 8 * time.Second},
		{name: "capped at max", initial: time.Second, max: 10 * time.Second, attempt: 6, want: 10 * time.Second},
		{name: "zero attempt treated as first", initial: time.Second, max: time.Minute, attempt: 0, want: time.Second},
		{name: "no max", initial: time.Second, attempt: 3, want: 4 * time.Second},
		{name: "zero initial", initial: 0, max: time.Minute, attempt: 3, want: 0},
		{name: "huge attempt saturates", initial: time.Second, max: time.Hour, attempt: 200, want: time.Hour},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := NewExponential(tt.initial, tt.max, false)
			assert.Equal(t, tt.want, b.Next(tt.attempt))
		})
	}
}

func TestExponentialBackoffJitterStaysWithinQuarter(t *testing.T) {
	t.Parallel()

	b := NewExponential(100*time.Millisecond, time.Second, true)
	for i := 0; i < 200; i++ {
		got := b.Next(2)
		assert.GreaterOrEqual(t, got, 200*time.Millisecond)
		assert.Less(t, got, 250*time.Millisecond)
	}
}

func TestNewBackoff(t *testing.T) {
	t.Parallel()

	b, err := NewBackoff("", 5*time.Second, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, Constant{Delay: 5 * time.Second}, b)

	b, err = NewBackoff(PolicyConstant, time.Second, time.Minute, true)
	require.NoError(t, err)
	assert.Equal(t, time.Second, b.Next(9))

	b, err = NewBackoff(PolicyExponential, time.Second, time.Minute, false)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, b.Next(3))

	_, err = NewBackoff("fibonacci", time.Second, time.Minute, false)
	assert.ErrorContains(t, err, `unknown reconnect policy "fibonacci"`)
}
