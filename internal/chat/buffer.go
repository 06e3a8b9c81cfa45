package chat

import "sync"

// DefaultBufferSize is the number of recent messages retained per room.
const DefaultBufferSize = 50

// BufferedMessage is a recent message kept for authorship checks.
type BufferedMessage struct {
	ID      string
	Sender  string
	Content string
	Ts      int64
	Deleted bool
}

// MessageBuffer stores the last N messages per room in memory.
// It is goroutine-safe and uses a ring buffer internally.
type MessageBuffer struct {
	mu      sync.RWMutex
	size    int
	buffers map[string]*ringBuffer // roomID -> ring buffer
}

// ringBuffer is a fixed-size circular buffer of BufferedMessage.
type ringBuffer struct {
	items []BufferedMessage
	pos   int
	count int
}

// NewMessageBuffer creates a MessageBuffer holding size messages per room.
// A size of zero or less uses DefaultBufferSize.
func NewMessageBuffer(size int) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &MessageBuffer{
		size:    size,
		buffers: make(map[string]*ringBuffer),
	}
}

// Add appends a message to the room's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (mb *MessageBuffer) Add(roomID string, msg BufferedMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		rb = &ringBuffer{
			items: make([]BufferedMessage, mb.size),
		}
		mb.buffers[roomID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % mb.size
	if rb.count < mb.size {
		rb.count++
	}
}

// Get returns the buffered messages for a room in chronological order
// (oldest first). Returns an empty slice if the room has no buffer.
func (mb *MessageBuffer) Get(roomID string) []BufferedMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return []BufferedMessage{}
	}

	result := make([]BufferedMessage, rb.count)
	start := (rb.pos - rb.count + mb.size) % mb.size
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%mb.size]
	}
	return result
}

// Find returns a buffered message by id.
func (mb *MessageBuffer) Find(roomID, msgID string) (BufferedMessage, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if rb, ok := mb.buffers[roomID]; ok {
		if i := rb.indexOf(msgID); i >= 0 {
			return rb.items[i], true
		}
	}
	return BufferedMessage{}, false
}

// Update applies fn to a buffered message in place. It reports whether the
// message was found.
func (mb *MessageBuffer) Update(roomID, msgID string, fn func(*BufferedMessage)) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	rb, ok := mb.buffers[roomID]
	if !ok {
		return false
	}
	i := rb.indexOf(msgID)
	if i < 0 {
		return false
	}
	fn(&rb.items[i])
	return true
}

func (rb *ringBuffer) indexOf(msgID string) int {
	size := len(rb.items)
	start := (rb.pos - rb.count + size) % size
	for i := 0; i < rb.count; i++ {
		idx := (start + i) % size
		if rb.items[idx].ID == msgID {
			return idx
		}
	}
	return -1
}

// Remove deletes the buffer for a room (called when the room goes away).
func (mb *MessageBuffer) Remove(roomID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	delete(mb.buffers, roomID)
}

// Len returns the number of rooms with a buffer.
func (mb *MessageBuffer) Len() int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.buffers)
}
