package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "castroom/pkg/errors"
)

var (
	errTestError    = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
	errRetryable    = errors.New("retryable error")
)

func fastConfig(maxAttempts int) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) }

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry calls = %v, want [1 2]", retries)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(2), func() error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (1 + 2 retries), got: %d", attempts)
	}
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := fastConfig(5)
	cfg.NonRetryableErrors = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errNonRetryable
	})

	if !errors.Is(err, ErrNotRetryable) || !errors.Is(err, errNonRetryable) {
		t.Errorf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_RetryableListIsExclusive(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryableErrors = []error{errRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return errRetryable
		}
		return errTestError
	})

	if !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Expected ErrNotRetryable, got: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got: %d", attempts)
	}
}

func TestRetry_AppErrorsMatchByCode(t *testing.T) {
	cfg := fastConfig(5)
	cfg.NonRetryableErrors = []error{&apperrors.AppError{Code: apperrors.ErrCodeRoomFull}}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return apperrors.NewNetworkError("timeout", errTestError)
		}
		return apperrors.NewRoomFullError(2)
	})

	if !apperrors.HasCode(err, apperrors.ErrCodeRoomFull) {
		t.Errorf("Expected ROOM_FULL, got: %v", err)
	}
	if attempts != 2 {
		t.Errorf("network errors must be retried, room full must not; attempts = %d", attempts)
	}
}

func TestRetry_RetryIf(t *testing.T) {
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return apperrors.HasCode(err, apperrors.ErrCodeNetwork) }

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return apperrors.NewTrackEndedError("gone")
	})

	if err == nil || attempts != 1 {
		t.Errorf("RetryIf should stop TRACK_ENDED after one attempt, got %d attempts", attempts)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, cfg, func() error { return errTestError })

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got: %v", err)
	}
	if !errors.Is(err, errTestError) {
		t.Errorf("last error should be preserved, got: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Retry did not stop on cancellation")
	}
}

func TestRetry_Disabled(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), Config{Enabled: false, MaxAttempts: 5}, func() error {
		attempts++
		return errTestError
	})

	if err != errTestError {
		t.Errorf("Expected raw error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTestError
		}
		return "ok", nil
	})

	if err != nil || got != "ok" {
		t.Errorf("RetryWithResult() = %q, %v", got, err)
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := calculateDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Jitter = true
	for i := 0; i < 50; i++ {
		got := calculateDelay(cfg, 1)
		if got < 150*time.Millisecond || got > 250*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-25%% of 200ms", got)
		}
	}
}
