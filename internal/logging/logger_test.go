package logging

import "testing"

func TestNewDefaultsToInfoStdout(t *testing.T) {
	logger, closer, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer != nil {
		t.Fatalf("expected nil closer for stdout output")
	}
	if !logger.Core().Enabled(0) { // InfoLevel == 0
		t.Fatalf("expected info level enabled by default")
	}
	if logger.Core().Enabled(-1) { // DebugLevel == -1
		t.Fatalf("expected debug level disabled by default")
	}
}

func TestNewFileOutputReturnsCloser(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := New(Config{Level: "debug", Output: dir + "/gateway.log"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()
	if closer == nil {
		t.Fatalf("expected non-nil closer for file output")
	}
	logger.Debug("hello")
}
