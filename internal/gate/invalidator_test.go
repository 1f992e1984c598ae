package gate

import (
	"context"
	"testing"
)

func TestKey(t *testing.T) {
	if got := Key("s-1", "p-9"); got != "gate:s-1:p-9" {
		t.Fatalf("unexpected key: %s", got)
	}
}

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	rec.Invalidate(context.Background(), "s-1", "p-1")
	rec.Invalidate(context.Background(), "s-1", "p-2")

	if !rec.Seen("s-1", "p-1") || !rec.Seen("s-1", "p-2") {
		t.Fatalf("expected both pairs recorded, got %v", rec.Pairs)
	}
	if rec.Seen("s-2", "p-1") {
		t.Fatal("unexpected pair recorded")
	}
}
