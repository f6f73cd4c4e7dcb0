package testutil

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a debug-level logger whose output is attached to t.
// Output written after the test finishes is dropped.
func TestLogger(t testing.TB) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(testWriter{t: t})
	logger.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
