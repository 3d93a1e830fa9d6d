package retry

import (
	"context"
	stderr "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/datacache/pkg/errors"
)

func fastConfig() Config {
	config := DefaultConfig()
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_SuccessFirstAttempt(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_SuccessAfterRetries(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 5
	retryer := New(config)

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeFetchFailed, "upstream unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryer_NonRetryableReturnedAsIs(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	original := errors.NewError(errors.ErrCodeInvalidArgument, "bad type")
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return original
	})

	assert.Same(t, original, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryer_PlainErrorsNotRetriedByDefault(t *testing.T) {
	retryer := New(fastConfig())

	attempts := 0
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return stderr.New("boom")
	})

	require.EqualError(t, err, "boom")
	assert.Equal(t, 1, attempts)
}

func TestRetryer_MaxAttemptsExceeded(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	last := errors.NewError(errors.ErrCodeStorageRead, "disk unavailable")
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.HasCode(err, errors.ErrCodeRetryExhausted))
	assert.ErrorIs(t, err, last)
}

func TestRetryer_CustomPredicate(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 4
	config.Retryable = Always
	retryer := New(config)

	var attempts int32
	err := retryer.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return stderr.New("network down")
	})

	assert.True(t, errors.HasCode(err, errors.ErrCodeRetryExhausted))
	assert.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestAlwaysSkipsContextErrors(t *testing.T) {
	assert.True(t, Always(stderr.New("x")))
	assert.False(t, Always(context.Canceled))
	assert.False(t, Always(context.DeadlineExceeded))
}

func TestRetryer_ContextCancellation(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 10
	config.InitialDelay = time.Second
	config.MaxDelay = time.Second
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := retryer.WithOnRetry(func(int, error, time.Duration) { cancel() }).
		Do(ctx, func(ctx context.Context) error {
			attempts++
			return errors.NewError(errors.ErrCodeFetchFailed, "upstream unavailable")
		})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryer_AlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New(fastConfig()).Do(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})

	assert.False(t, called)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 4
	config.InitialDelay = time.Millisecond
	config.MaxDelay = time.Second
	config.Multiplier = 2.0

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_ = New(config).Do(context.Background(), func(ctx context.Context) error {
		return errors.NewError(errors.ErrCodeFetchFailed, "upstream unavailable")
	})

	assert.Equal(t, []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
	}, delays)
}

func TestRetryer_CalculateDelay(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 1, 100 * time.Millisecond},
		{"second retry", 2, 200 * time.Millisecond},
		{"third retry", 3, 400 * time.Millisecond},
		{"capped", 10, time.Second},
	}

	r := New(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.calculateDelay(tt.attempt))
		})
	}
}

func TestRetryer_JitterStaysInBounds(t *testing.T) {
	r := New(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		d := r.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	config := fastConfig()
	config.MaxAttempts = 3

	calls := 0
	var lastAttempt int
	var lastErr error
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		calls++
		lastAttempt = attempt
		lastErr = err
	}

	testErr := errors.NewError(errors.ErrCodeFetchFailed, "upstream unavailable")
	_ = New(config).Do(context.Background(), func(ctx context.Context) error {
		return testErr
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, lastAttempt)
	assert.Same(t, testErr, lastErr)
}

func TestRetryer_WithMaxAttempts(t *testing.T) {
	original := New(DefaultConfig())
	modified := original.WithMaxAttempts(7)

	assert.Equal(t, 7, modified.MaxAttempts())
	assert.Equal(t, 3, original.MaxAttempts())
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, 3, r.config.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, r.config.InitialDelay)
	assert.Equal(t, 30*time.Second, r.config.MaxDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
}

func TestDoValue(t *testing.T) {
	config := fastConfig()
	config.Retryable = Always
	r := New(config)

	attempts := 0
	v, err := DoValue(context.Background(), r, func(ctx context.Context) ([]string, error) {
		attempts++
		if attempts == 1 {
			return nil, stderr.New("flaky")
		}
		return []string{"caixa 1"}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"caixa 1"}, v)
	assert.Equal(t, 2, attempts)
}

func BenchmarkRetryer_Success(b *testing.B) {
	retryer := New(DefaultConfig())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = retryer.Do(ctx, func(ctx context.Context) error {
			return nil
		})
	}
}
