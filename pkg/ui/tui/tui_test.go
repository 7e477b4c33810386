package tui

import (
	"strings"
	"testing"
	"time"
)

func TestMessagesBeforeStartReachModel(t *testing.T) {
	screen := NewTUI(2, 0)

	done := make(chan struct{})
	go func() {
		screen.LogInfo("Resuming from %s at %s", "checkpoint", "2024-05-01_12:00:00_UTC")
		screen.WorkerStarted("xw:0", "alice")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observer calls blocked before the dashboard started")
	}

	if _, ok := screen.model.workers["xw:0"]; !ok {
		t.Error("Expected worker xw:0 in the model")
	}
	found := false
	for _, msg := range screen.model.logMessages {
		if strings.Contains(msg.Message, "Resuming from checkpoint") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the resume line in the run log, got %v", screen.model.logMessages)
	}
}
