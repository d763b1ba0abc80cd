package tasklog

// Batcher collects lines and hands them to flush once size lines are buffered. It bounds the number
// of writes made for chatty processes. A Batcher is not safe for concurrent use.
type Batcher struct {
	size  int
	flush func(lines []string)
	buf   []string
}

func NewBatcher(size int, flush func(lines []string)) *Batcher {
	if size < 1 {
		size = 1
	}
	return &Batcher{size: size, flush: flush, buf: make([]string, 0, size)}
}

// Add buffers a line, flushing when the batch is full
func (b *Batcher) Add(line string) {
	b.buf = append(b.buf, line)
	if len(b.buf) >= b.size {
		b.Flush()
	}
}

// Flush hands over whatever is buffered. It is a no-op on an empty buffer.
func (b *Batcher) Flush() {
	if len(b.buf) == 0 {
		return
	}
	lines := b.buf
	b.buf = make([]string, 0, b.size)
	b.flush(lines)
}

// Pending is the number of buffered lines not yet flushed
func (b *Batcher) Pending() int {
	return len(b.buf)
}
