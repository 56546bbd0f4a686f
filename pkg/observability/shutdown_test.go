package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestShutdownRunsInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), time.Second)

	var order []string
	for _, name := range []string{"store", "audit", "http"} {
		name := name
		sm.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := sm.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if strings.Join(order, ",") != "http,audit,store" {
		t.Errorf("order = %v", order)
	}
}

func TestShutdownCollectsErrorsAndContinues(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), time.Second)

	ran := false
	sm.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	sm.Register("second", func(context.Context) error {
		return errors.New("flush failed")
	})

	err := sm.Shutdown(context.Background())
	if err == nil || !strings.Contains(err.Error(), "second: flush failed") {
		t.Fatalf("err = %v", err)
	}
	if !ran {
		t.Error("steps after a failure should still run")
	}
}

func TestShutdownOnce(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), time.Second)

	calls := 0
	sm.Register("count", func(context.Context) error {
		calls++
		return nil
	})

	_ = sm.Shutdown(context.Background())
	_ = sm.Shutdown(context.Background())

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestShutdownIgnoresParentCancellation(t *testing.T) {
	sm := NewShutdownManager(NewLogger(ErrorLevel, &bytes.Buffer{}), time.Second)

	var stepErr error
	sm.Register("check", func(ctx context.Context) error {
		stepErr = ctx.Err()
		return nil
	})

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sm.Shutdown(parent); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if stepErr != nil {
		t.Errorf("step saw cancelled context: %v", stepErr)
	}
}
