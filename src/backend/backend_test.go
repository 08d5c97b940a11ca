package backend

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

func TestDirectControllerDeliversOutput(t *testing.T) {
	a := New(nil, testLogger())
	ctrl, err := a.Start(context.Background(), Spec{
		Backend: DirectPTY,
		Command: "/bin/sh",
		Args:    []string{"-c", "echo hello"},
		Cols:    80,
		Rows:    24,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	var got strings.Builder
	timeout := time.After(5 * time.Second)
	detached := false
	for !detached {
		select {
		case ev, ok := <-ctrl.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case EventOutput:
				got.Write(ev.Data)
			case EventDetached:
				detached = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}

	if !strings.Contains(got.String(), "hello") {
		t.Errorf("output = %q, want to contain %q", got.String(), "hello")
	}
}

func TestCaptureReturnsLastNLines(t *testing.T) {
	a := New(nil, testLogger())
	ctrl, err := a.Start(context.Background(), Spec{
		Backend: DirectPTY,
		Command: "/bin/sh",
		Args:    []string{"-c", "printf 'one\\ntwo\\nthree\\n'"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	// Drain until detached so the capture buffer is populated.
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case _, ok := <-ctrl.Events():
			if !ok {
				break loop
			}
		case <-timeout:
			t.Fatal("timed out")
		}
	}
	out := ctrl.Capture(2)
	if !strings.Contains(string(out), "two") || !strings.Contains(string(out), "three") {
		t.Errorf("Capture(2) = %q, want last two lines", out)
	}
}
