package log

import (
	"strings"
	"testing"
)

func newCapturedSlog(t *testing.T, level Level) (*strings.Builder, Logger) {
	t.Helper()
	var buf strings.Builder
	logger := NewLogger(
		WithLevel(level),
		WithFormatter(&TextFormatter{}),
		WithOutput(NewWriterOutput(&buf)),
	)
	return &buf, logger
}

func TestSlogBridgeWritesThroughPipeline(t *testing.T) {
	buf, logger := newCapturedSlog(t, DebugLevel)
	sl := NewSlogLogger(logger)

	sl.Info("compaction done", "table", "events", "bytes", 42)

	out := buf.String()
	if !strings.Contains(out, "INFO compaction done") {
		t.Fatalf("message missing: %q", out)
	}
	if !strings.Contains(out, "table=events") || !strings.Contains(out, "bytes=42") {
		t.Fatalf("attrs missing: %q", out)
	}
}

func TestSlogBridgeRespectsLevel(t *testing.T) {
	buf, logger := newCapturedSlog(t, ErrorLevel)
	sl := NewSlogLogger(logger)

	sl.Info("quiet please")
	if buf.Len() != 0 {
		t.Fatalf("info leaked through error level: %q", buf.String())
	}
	sl.Error("boom")
	if !strings.Contains(buf.String(), "ERROR boom") {
		t.Fatalf("error missing: %q", buf.String())
	}
}

func TestSlogBridgeCarriesBaseFields(t *testing.T) {
	buf, logger := newCapturedSlog(t, DebugLevel)
	sl := NewSlogLogger(logger.WithComponent("storage")).With("shard", 3)

	sl.Warn("slow write")

	out := buf.String()
	if !strings.Contains(out, "component=storage") || !strings.Contains(out, "shard=3") {
		t.Fatalf("fields missing: %q", out)
	}
}
