package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOnce(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   error
	}{
		{"first call succeeds", 0, 1, nil},
		{"retry succeeds", 1, 2, nil},
		{"both fail", 5, 2, errBoom},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Once(context.Background(), time.Millisecond, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errBoom
				}
				return nil
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestOnce_CanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Once(ctx, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
}
