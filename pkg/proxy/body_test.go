package proxy

import (
	"io"
	"strings"
	"testing"
)

func TestCleanupBodyFiresOnceOnEOF(t *testing.T) {
	var fired int
	b := newCleanupBody(io.NopCloser(strings.NewReader("hello")), func() { fired++ })

	buf := make([]byte, 16)
	for {
		_, err := b.Read(buf)
		if err != nil {
			break
		}
	}

	if fired != 1 {
		t.Fatalf("cleanup fired %d times after EOF, want 1", fired)
	}

	// A subsequent Close must not fire again.
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("cleanup fired %d times after Close following EOF, want 1", fired)
	}
}

func TestCleanupBodyFiresOnceOnDropBeforeEOF(t *testing.T) {
	var fired int
	b := newCleanupBody(io.NopCloser(strings.NewReader("hello world")), func() { fired++ })

	buf := make([]byte, 2)
	if _, err := b.Read(buf); err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if fired != 0 {
		t.Fatalf("cleanup fired before stream completed or was closed")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("cleanup fired %d times after drop-close, want 1", fired)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if fired != 1 {
		t.Fatalf("cleanup fired %d times after second Close, want 1", fired)
	}
}
