package ipc

import (
	"sync"
	"sync/atomic"

	"anyos/internal/errs"
)

// MaxMessagePayload is the fixed payload cap per message.
const MaxMessagePayload = 256

// Message is one queued message: sender_tid, type, payload<=256B.
type Message struct {
	SenderTid uint64
	Type      uint32
	Payload   []byte
}

// MessageQueue is a bounded deque of Message; send fails when full; receive
// is non-blocking by default.
type MessageQueue struct {
	ID       uint64
	Capacity int

	mu   sync.Mutex
	msgs []Message
}

func newMessageQueue(id uint64, capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MessageQueue{ID: id, Capacity: capacity}
}

// Send appends a message, failing with QuotaExceeded if the queue is full
// and with InvalidArgument if the payload exceeds MaxMessagePayload.
func (q *MessageQueue) Send(senderTid uint64, msgType uint32, payload []byte) error {
	if len(payload) > MaxMessagePayload {
		return errs.New(errs.InvalidArgument, "msgq_send: payload too large")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) >= q.Capacity {
		return errs.New(errs.QuotaExceeded, "msgq_send: queue full")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	q.msgs = append(q.msgs, Message{SenderTid: senderTid, Type: msgType, Payload: cp})
	return nil
}

// Recv pops the oldest message, non-blocking: returns (Message{}, false) if
// empty rather than waiting.
func (q *MessageQueue) Recv() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return Message{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

// Len reports the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// MsgQRegistry is the global message-queue table.
type MsgQRegistry struct {
	mu     sync.Mutex
	byID   map[uint64]*MessageQueue
	nextID atomic.Uint64
}

// NewMsgQRegistry constructs an empty registry.
func NewMsgQRegistry() *MsgQRegistry {
	return &MsgQRegistry{byID: make(map[uint64]*MessageQueue)}
}

// Create allocates a new bounded message queue.
func (r *MsgQRegistry) Create(capacity int) *MessageQueue {
	id := r.nextID.Add(1)
	q := newMessageQueue(id, capacity)
	r.mu.Lock()
	r.byID[id] = q
	r.mu.Unlock()
	return q
}

// Lookup resolves a queue by id.
func (r *MsgQRegistry) Lookup(id uint64) (*MessageQueue, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.byID[id]
	return q, ok
}

// Close removes a queue from the registry.
func (r *MsgQRegistry) Close(id uint64) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}
