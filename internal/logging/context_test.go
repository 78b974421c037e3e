package logging

import (
	"bytes"
	"context"
	"testing"
)

func TestRunIDCtx(t *testing.T) {
	ctx := WithRunIDCtx(context.Background(), "run-7")
	if got := RunIDFromCtx(ctx); got != "run-7" {
		t.Errorf("RunIDFromCtx = %q", got)
	}
	if got := RunIDFromCtx(context.Background()); got != "" {
		t.Errorf("expected empty run ID, got %q", got)
	}
}

func TestFromCtxUsesAttachedLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Output: &buf}).WithJob("purge")
	ctx := WithRunIDCtx(WithLoggerCtx(context.Background(), l), "run-9")

	FromCtx(ctx).Info("hello")
	e := decodeEntry(t, &buf)
	if e.Job != "purge" || e.RunID != "run-9" {
		t.Errorf("entry = %+v", e)
	}
}

func TestFromCtxKeepsLoggerRunID(t *testing.T) {
	l := New(Config{}).WithRunID("own")
	ctx := WithRunIDCtx(WithLoggerCtx(context.Background(), l), "ctx")
	if got := FromCtx(ctx).RunID(); got != "own" {
		t.Errorf("RunID = %q, want own", got)
	}
}

func TestFromCtxFallsBackToGlobal(t *testing.T) {
	var buf bytes.Buffer
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })
	ConfigureTo(&buf, "info", "json")

	FromCtx(WithRunIDCtx(context.Background(), "g")).Info("x")
	e := decodeEntry(t, &buf)
	if e.RunID != "g" {
		t.Errorf("RunID = %q", e.RunID)
	}
	if LoggerFromCtx(context.Background()) != nil {
		t.Error("expected nil logger for bare context")
	}
}
