package collector

import "sync"

// Tracker is C6: a per-session map of pending delivery-IDs to parcel
// keys, plus the allSent flag. One Tracker is owned exclusively by
// one session; nothing here is shared across sessions. Even though no
// concurrency is externally visible from a single session's point of
// view, this implementation serializes the three operations with a
// mutex so the delivery and ACK directions can run as genuinely
// concurrent goroutines, sharing the tracker safely.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]string // deliveryId -> parcelKey
	allSent bool
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]string)}
}

// AddPendingAck records that deliveryId was just sent for parcelKey
// and is awaiting acknowledgement.
func (t *Tracker) AddPendingAck(deliveryID, parcelKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[deliveryID] = parcelKey
}

// PopPendingParcelKey removes and returns the parcel key for
// deliveryId, or ("", false) if deliveryId is unknown to this
// session.
func (t *Tracker) PopPendingParcelKey(deliveryID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.pending[deliveryID]
	if ok {
		delete(t.pending, deliveryID)
	}
	return key, ok
}

// MarkAllParcelsDelivered records that the delivery-side stream has
// ended; no more entries will be added to the tracker afterward.
func (t *Tracker) MarkAllParcelsDelivered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allSent = true
}

// IsComplete reports whether the delivery stream has ended and every
// parcel it sent has since been acked.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allSent && len(t.pending) == 0
}
