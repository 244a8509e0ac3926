package logging

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextFallsBackToGlobal(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	FromContext(context.Background()).Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("entries = %d", logs.Len())
	}
}

func TestContextWithLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := ContextWithLogger(context.Background(), zap.New(core).With(zap.String("order_id", "o1")))

	FromContext(ctx).Info("stage_retry")
	e := logs.All()[0]
	if e.Message != "stage_retry" || e.ContextMap()["order_id"] != "o1" {
		t.Fatalf("entry = %+v", e)
	}
	if ContextWithLogger(ctx, nil) != ctx {
		t.Fatal("nil logger should leave ctx untouched")
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New(Options{Service: "svc", Level: "loud"}); err == nil {
		t.Fatal("want error for unknown level")
	}
	l, err := New(Options{Service: "svc", Env: "test", Level: "debug"})
	if err != nil {
		t.Fatal(err)
	}
	if !l.Core().Enabled(zap.DebugLevel) {
		t.Fatal("debug level not applied")
	}
}
