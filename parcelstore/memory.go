package parcelstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store, used by tests and by the collector/
// courier packages' own in-process wiring: a mutex-guarded map, the
// same shape as a conventional in-memory store implementation.
type Memory struct {
	mu        sync.RWMutex
	parcels   map[string]Parcel
	pendingAC map[string]PCA // keyed by a synthetic composite key

	subsMu sync.Mutex
	subs   []*memoryKeyStream
}

// NewMemory returns an empty in-memory parcel store.
func NewMemory() *Memory {
	return &Memory{
		parcels:   make(map[string]Parcel),
		pendingAC: make(map[string]PCA),
	}
}

func (m *Memory) StreamActiveBoundForEndpoints(ctx context.Context, addresses []string, keepAlive bool) (KeyStream, error) {
	addrSet := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		addrSet[a] = true
	}

	stream := &memoryKeyStream{
		store:     m,
		addrSet:   addrSet,
		keepAlive: keepAlive,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	m.mu.RLock()
	for key, p := range m.parcels {
		if p.Direction == FromInternetToEndpoint && addrSet[p.RecipientAddress] && !p.expired(time.Now()) {
			stream.backlog = append(stream.backlog, key)
		}
	}
	m.mu.RUnlock()

	if keepAlive {
		m.subsMu.Lock()
		m.subs = append(m.subs, stream)
		m.subsMu.Unlock()
	}

	return stream, nil
}

func (m *Memory) Retrieve(ctx context.Context, key string, direction Direction) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.parcels[key]
	if !ok || p.Direction != direction {
		return nil, nil
	}
	return p.Serialized, nil
}

func (m *Memory) Delete(ctx context.Context, key string, direction Direction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.parcels[key]; ok && p.Direction == direction {
		delete(m.parcels, key)
	}
	return nil
}

func (m *Memory) StoreEndpointBound(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error) {
	key := uuid.NewString()

	m.mu.Lock()
	m.parcels[key] = Parcel{
		Key:              key,
		Serialized:       serialized,
		RecipientAddress: recipientAddress,
		CreatedAt:        time.Now(),
		TTL:              ttl,
		Direction:        TowardsInternet,
	}
	m.mu.Unlock()

	m.notifySubscribers(recipientAddress)
	return key, nil
}

func (m *Memory) StoreReceivedParcel(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error) {
	key := uuid.NewString()

	m.mu.Lock()
	m.parcels[key] = Parcel{
		Key:              key,
		Serialized:       serialized,
		RecipientAddress: recipientAddress,
		CreatedAt:        time.Now(),
		TTL:              ttl,
		Direction:        FromInternetToEndpoint,
	}
	m.mu.Unlock()

	m.notifySubscribers(recipientAddress)
	return key, nil
}

func (m *Memory) notifySubscribers(recipientAddress string) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	alive := m.subs[:0]
	for _, s := range m.subs {
		select {
		case <-s.done:
			continue
		default:
		}
		if s.addrSet[recipientAddress] {
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
		alive = append(alive, s)
	}
	m.subs = alive
}

func (m *Memory) ListInternetBound(ctx context.Context) ([]ListedParcel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ListedParcel
	for key, p := range m.parcels {
		if p.Direction == TowardsInternet {
			out = append(out, ListedParcel{Key: key, ExpiresAt: p.CreatedAt.Add(p.TTL)})
		}
	}
	return out, nil
}

func (m *Memory) DeleteInternetBoundFromACK(ctx context.Context, ack PCA) error {
	return m.Delete(ctx, ack.ParcelID, TowardsInternet)
}

func (m *Memory) SavePendingACK(ctx context.Context, ack PCA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingAC[ackKey(ack)] = ack
	return nil
}

func (m *Memory) PendingACKs(ctx context.Context) ([]PCA, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PCA, 0, len(m.pendingAC))
	for _, ack := range m.pendingAC {
		out = append(out, ack)
	}
	return out, nil
}

func (m *Memory) ShipPendingACK(ctx context.Context, ack PCA) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingAC, ackKey(ack))
	return nil
}

func (m *Memory) Close() error { return nil }

func ackKey(ack PCA) string {
	return fmt.Sprintf("%s|%s|%s", ack.SenderPrivateAddress, ack.RecipientAddress, ack.ParcelID)
}

// memoryKeyStream is the KeyStream returned for keepAlive
// subscriptions: it first drains a point-in-time backlog, then waits
// on new-parcel notifications.
type memoryKeyStream struct {
	store     *Memory
	addrSet   map[string]bool
	keepAlive bool

	mu      sync.Mutex
	backlog []string

	notify chan struct{}
	done   chan struct{}
	closed bool
}

func (s *memoryKeyStream) Next(ctx context.Context) (string, bool, error) {
	for {
		s.mu.Lock()
		if len(s.backlog) > 0 {
			key := s.backlog[0]
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
			return key, true, nil
		}
		s.mu.Unlock()

		if !s.keepAlive {
			return "", false, nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-s.done:
			return "", false, nil
		case <-s.notify:
			s.refillFromStore()
		}
	}
}

func (s *memoryKeyStream) refillFromStore() {
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.store.parcels {
		if p.Direction == FromInternetToEndpoint && s.addrSet[p.RecipientAddress] && !p.expired(now) {
			s.backlog = append(s.backlog, key)
		}
	}
}

func (s *memoryKeyStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
