package worker

import (
	"context"
	"testing"
	"time"
)

func TestChannelEnqueuePullTestModeSynthesizesReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := NewChannel(4)
	if err := c.EnqueuePull(ctx, "rec-1", PullRequest{Pulltag: "latest"}, true); err != nil {
		t.Fatalf("EnqueuePull: %v", err)
	}

	select {
	case ev := <-c.StatusEvents():
		if ev.State != StateReady {
			t.Errorf("expected READY event, got %v", ev.State)
		}
		if ev.Response == nil || ev.Response.ID != "rec-1" {
			t.Errorf("expected response for rec-1, got %+v", ev.Response)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for synthesized event")
	}
}

func TestChannelEnqueuePullNonTestModeIsNoop(t *testing.T) {
	c := NewChannel(1)
	if err := c.EnqueuePull(context.Background(), "rec-1", PullRequest{}, false); err != nil {
		t.Fatalf("EnqueuePull: %v", err)
	}
	select {
	case ev := <-c.StatusEvents():
		t.Fatalf("expected no event in non-test mode, got %+v", ev)
	default:
	}
}

func TestChannelStopSentinel(t *testing.T) {
	c := NewChannel(1)
	c.Stop()
	ev := <-c.StatusEvents()
	if !ev.IsStop {
		t.Errorf("expected stop sentinel, got %+v", ev)
	}
}
