package executor

import (
	"bytes"
	"sync"
)

const maxTailBytes = 16 << 10

// tailBuffer keeps the last few lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	lines int
	buf   []byte
}

func newTailBuffer(lines int) *tailBuffer {
	if lines <= 0 {
		lines = 20
	}
	return &tailBuffer{lines: lines}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if n := bytes.Count(t.buf, []byte{'\n'}); n > t.lines {
		idx := 0
		for drop := n - t.lines; drop > 0; drop-- {
			idx += bytes.IndexByte(t.buf[idx:], '\n') + 1
		}
		t.buf = append([]byte(nil), t.buf[idx:]...)
	}
	if len(t.buf) > maxTailBytes {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-maxTailBytes:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
