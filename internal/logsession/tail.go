package logsession

import (
	"encoding/binary"
	"sync"

	"github.com/smallnest/ringbuffer"
)

const frameHeader = 4

// Tail keeps the most recent lines of a stream inside a fixed byte budget.
// Lines are stored as length-prefixed frames; the oldest frames are evicted
// to make room for new ones.
type Tail struct {
	mu sync.Mutex
	rb *ringbuffer.RingBuffer
}

// NewTail creates a tail holding at most size bytes of framed lines
func NewTail(size int) *Tail {
	if size < frameHeader*2 {
		size = frameHeader * 2
	}
	return &Tail{rb: ringbuffer.New(size).SetBlocking(false)}
}

// Push appends a line, evicting older lines as needed. Lines larger than the
// tail are truncated to fit.
func (t *Tail) Push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	data := []byte(line)
	if max := t.rb.Capacity() - frameHeader; len(data) > max {
		data = data[len(data)-max:]
	}

	required := frameHeader + len(data)
	for t.rb.Free() < required {
		if !t.dropOldest() {
			t.rb.Reset()
			break
		}
	}

	header := make([]byte, frameHeader)
	binary.LittleEndian.PutUint32(header, uint32(len(data)))
	if _, err := t.rb.Write(header); err != nil {
		t.rb.Reset()
		return
	}
	if _, err := t.rb.Write(data); err != nil {
		t.rb.Reset()
	}
}

// dropOldest discards the oldest frame
func (t *Tail) dropOldest() bool {
	if t.rb.IsEmpty() {
		return false
	}

	header := make([]byte, frameHeader)
	n, err := t.rb.Read(header)
	if err != nil || n != frameHeader {
		return false
	}

	size := int(binary.LittleEndian.Uint32(header))
	if size == 0 {
		return true
	}
	skip := make([]byte, size)
	n, err = t.rb.Read(skip)
	return err == nil && n == size
}

// Lines returns the retained lines, oldest first
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return decodeFrames(t.rb.Bytes(nil))
}

// Last returns the most recent line
func (t *Tail) Last() (string, bool) {
	lines := t.Lines()
	if len(lines) == 0 {
		return "", false
	}
	return lines[len(lines)-1], true
}

// Len returns the number of retained lines
func (t *Tail) Len() int {
	return len(t.Lines())
}

func decodeFrames(buf []byte) []string {
	var lines []string
	for len(buf) >= frameHeader {
		size := int(binary.LittleEndian.Uint32(buf[:frameHeader]))
		buf = buf[frameHeader:]
		if size > len(buf) {
			break
		}
		lines = append(lines, string(buf[:size]))
		buf = buf[size:]
	}
	return lines
}
