package jobs

import "sync"

// outputBufferCap is how much child output we keep for failure logs.
const outputBufferCap = 12000

// rollingBuffer keeps the last outputBufferCap bytes written to it. Child
// stdout and stderr share one buffer, so writes are locked.
type rollingBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *rollingBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= outputBufferCap {
		b.buf = append(b.buf[:0], p[len(p)-outputBufferCap:]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - outputBufferCap; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *rollingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Tail returns up to n trailing bytes.
func (b *rollingBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) <= n {
		return string(b.buf)
	}
	return string(b.buf[len(b.buf)-n:])
}
