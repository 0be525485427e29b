package metrics

import (
	"context"
	"testing"
	"time"
)

func TestTimerObserveDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(1 * time.Millisecond)
	if timer.Duration() <= 0 {
		t.Error("expected positive duration")
	}
	timer.ObserveDuration(PollDuration)
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("unexpected error stopping metrics server: %v", err)
	}
}
