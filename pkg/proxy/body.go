package proxy

import (
	"io"
	"sync"
)

// cleanupBody wraps a response body so a one-shot cleanup closure fires
// exactly once: on end-of-stream (Read returning io.EOF) or on Close,
// whichever happens first. httputil.ReverseProxy always closes the
// response body it copies from, even on client disconnect, so Close is the
// drop path and EOF-during-copy is the normal-completion path; sync.Once
// collapses them into a single guaranteed invocation.
type cleanupBody struct {
	rc      io.ReadCloser
	once    sync.Once
	cleanup func()
}

func newCleanupBody(rc io.ReadCloser, cleanup func()) *cleanupBody {
	return &cleanupBody{rc: rc, cleanup: cleanup}
}

func (b *cleanupBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == io.EOF {
		b.fire()
	}
	return n, err
}

func (b *cleanupBody) Close() error {
	b.fire()
	return b.rc.Close()
}

func (b *cleanupBody) fire() {
	b.once.Do(b.cleanup)
}
