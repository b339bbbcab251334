package runner

import "fmt"

// boundedBuffer keeps the head and tail of whatever is written to it so a
// chatty worker cannot grow diagnostics without limit while the interesting
// start and end of the stream survive truncation.
type boundedBuffer struct {
	limit   int
	head    []byte
	tail    []byte
	dropped int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	if limit < 64 {
		limit = 64
	}
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	headCap := b.limit / 2
	tailCap := b.limit - headCap
	n := len(p)

	if len(b.head) < headCap {
		take := headCap - len(b.head)
		if take > len(p) {
			take = len(p)
		}
		b.head = append(b.head, p[:take]...)
		p = p[take:]
	}
	if len(p) > 0 {
		b.tail = append(b.tail, p...)
		if over := len(b.tail) - tailCap; over > 0 {
			b.dropped += over
			b.tail = append(b.tail[:0], b.tail[over:]...)
		}
	}
	return n, nil
}

func (b *boundedBuffer) String() string {
	if b.dropped == 0 {
		return string(b.head) + string(b.tail)
	}
	return fmt.Sprintf("%s...(%d bytes dropped)...%s", b.head, b.dropped, b.tail)
}
