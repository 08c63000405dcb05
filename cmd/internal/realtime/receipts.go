package realtime

import (
	"sync"
	"time"

	v1 "beacon/shared/contracts/push/v1"
)

// Receipt is the client acknowledgement of a delivered envelope.
type Receipt struct {
	MessageID    string
	ConnectionID string
	UserID       string
	Status       v1.AckStatus
	Error        string
	At           time.Time
}

// Receipts correlates client acks with senders that asked for them.
// Delivery is at-least-once: the first ack for an id wins, later duplicates
// (other devices, redelivery) are ignored.
type Receipts struct {
	ttl time.Duration

	mu      sync.Mutex
	waiters map[string]*receiptWaiter
}

type receiptWaiter struct {
	ch    chan Receipt
	timer *time.Timer
}

// NewReceipts constructs a Receipts table. Waiters expire after ttl.
func NewReceipts(ttl time.Duration) *Receipts {
	if ttl <= 0 {
		ttl = defaultReceiptTTL
	}
	return &Receipts{ttl: ttl, waiters: make(map[string]*receiptWaiter)}
}

// Register returns a channel that yields the first receipt for messageID.
// The channel is closed without a value when the waiter expires or is cancelled.
func (r *Receipts) Register(messageID string) <-chan Receipt {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.waiters[messageID]; ok {
		return w.ch
	}
	w := &receiptWaiter{ch: make(chan Receipt, 1)}
	w.timer = time.AfterFunc(r.ttl, func() { r.Cancel(messageID) })
	r.waiters[messageID] = w
	return w.ch
}

// Resolve delivers rc to the waiter for rc.MessageID, if any.
func (r *Receipts) Resolve(rc Receipt) bool {
	r.mu.Lock()
	w, ok := r.waiters[rc.MessageID]
	if ok {
		delete(r.waiters, rc.MessageID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	w.timer.Stop()
	w.ch <- rc
	close(w.ch)
	return true
}

// Cancel drops the waiter for messageID.
func (r *Receipts) Cancel(messageID string) {
	r.mu.Lock()
	w, ok := r.waiters[messageID]
	if ok {
		delete(r.waiters, messageID)
	}
	r.mu.Unlock()
	if ok {
		w.timer.Stop()
		close(w.ch)
	}
}

// Pending returns the number of outstanding waiters.
func (r *Receipts) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
