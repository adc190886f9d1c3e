package question

import "sync"

// Buffer is the ordered, append-only store of questions detected during the
// current listening session. It is cleared explicitly when a session ends.
// All methods are safe for concurrent use.
type Buffer struct {
	mu        sync.Mutex
	questions []DetectedQuestion
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds questions in detection order.
func (b *Buffer) Append(qs ...DetectedQuestion) {
	if len(qs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.questions = append(b.questions, qs...)
}

// List returns a copy of all buffered questions, oldest first.
func (b *Buffer) List() []DetectedQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DetectedQuestion, len(b.questions))
	copy(out, b.questions)
	return out
}

// Len reports the number of buffered questions.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.questions)
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.questions = nil
}
