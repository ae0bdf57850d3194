// Package parcelstore implements C1, the parcel store: blob CRUD
// keyed by an opaque parcel key, indexed by recipient address and
// direction, plus the Parcel Collection ACK (PCA) bookkeeping table
// that backs the courier sync driver's delivery phase.
package parcelstore

import (
	"context"
	"time"
)

// Direction tags which way a parcel is travelling.
type Direction string

const (
	// TowardsInternet is an outbound parcel, originated locally and
	// bound for the public gateway.
	TowardsInternet Direction = "TOWARDS_INTERNET"
	// FromInternetToEndpoint is an inbound parcel, received from the
	// public gateway or a courier and bound for a local endpoint.
	FromInternetToEndpoint Direction = "FROM_INTERNET_TO_ENDPOINT"
)

// Parcel is an opaque authenticated byte blob routed between
// endpoints. The gateway never inspects Serialized; it only stores,
// indexes, and forwards it.
type Parcel struct {
	Key              string
	Serialized       []byte
	SenderCertChain  [][]byte
	RecipientAddress string
	CreatedAt        time.Time
	TTL              time.Duration
	Direction        Direction
}

func (p Parcel) expired(now time.Time) bool {
	return now.After(p.CreatedAt.Add(p.TTL))
}

// PCA is a Parcel Collection ACK: proof that an Internet-bound
// parcel was collected by its endpoint, kept until it is shipped out
// in a cargo. ExpiresAt carries the original parcel's expiry date, so
// the deliver phase can tag the PCA message it ships with the same
// expiry the parcel itself had.
type PCA struct {
	SenderPrivateAddress string
	RecipientAddress     string
	ParcelID             string
	ExpiresAt            time.Time
}

// ListedParcel is one element of the lazy listInternetBound sequence:
// a parcel key paired with its expiry date, used by the courier
// driver to tag outbound message-set entries.
type ListedParcel struct {
	Key       string
	ExpiresAt time.Time
}

// Store is C1's consumed interface:
//
//	streamActiveBoundForEndpoints, retrieve, delete, storeEndpointBound,
//	listInternetBound, deleteInternetBoundFromACK.
//
// Implementations must make delete and storeEndpointBound atomic per
// key, and delete (both variants) idempotent.
type Store interface {
	// StreamActiveBoundForEndpoints returns parcel keys for active,
	// unexpired parcels addressed to any of addresses, in enumeration
	// order. When keepAlive is true the returned sequence does not
	// terminate on its own; the caller cancels it via the Cancel
	// method on the returned KeyStream.
	StreamActiveBoundForEndpoints(ctx context.Context, addresses []string, keepAlive bool) (KeyStream, error)

	// Retrieve fetches a parcel's serialized bytes by key and
	// direction. A nil, nil return means the key was not found (it
	// raced a deletion); this is not an error.
	Retrieve(ctx context.Context, key string, direction Direction) ([]byte, error)

	// Delete removes a parcel by key and direction. Idempotent: a
	// second call for an already-deleted key is a no-op, not an
	// error.
	Delete(ctx context.Context, key string, direction Direction) error

	// StoreEndpointBound persists an outbound (endpoint-originated)
	// parcel and mints its parcel key.
	StoreEndpointBound(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error)

	// StoreReceivedParcel persists an inbound parcel the courier
	// sync driver just collected from a cargo, bound for a local
	// endpoint, and mints its parcel key.
	StoreReceivedParcel(ctx context.Context, serialized []byte, recipientAddress string, ttl time.Duration) (string, error)

	// ListInternetBound returns Internet-bound (TowardsInternet)
	// parcel keys with their expiry dates, for the courier driver's
	// deliver phase.
	ListInternetBound(ctx context.Context) ([]ListedParcel, error)

	// DeleteInternetBoundFromACK deletes the Internet-bound parcel a
	// PCA refers to. Idempotent.
	DeleteInternetBoundFromACK(ctx context.Context, ack PCA) error

	// SavePendingACK records a PCA for a freshly collected parcel;
	// it remains until shipped out in a cargo (ShipPendingACK).
	SavePendingACK(ctx context.Context, ack PCA) error

	// PendingACKs lists every PCA row not yet shipped, for the
	// deliver phase's message stream.
	PendingACKs(ctx context.Context) ([]PCA, error)

	// ShipPendingACK removes a PCA row. The courier driver calls it as
	// soon as the cargo carrying the PCA has been sent, before any
	// acknowledgement of that cargo is read.
	ShipPendingACK(ctx context.Context, ack PCA) error

	Close() error
}

// KeyStream is a pull-based, cancellable lazy sequence of parcel
// keys, per the "lazy sequences with cancellation" design note: the
// consumer can stop pulling without draining the tail.
type KeyStream interface {
	// Next blocks until a key is available, the stream is exhausted
	// (ok=false), or ctx is done.
	Next(ctx context.Context) (key string, ok bool, err error)
	// Cancel releases the stream's resources. Safe to call from any
	// goroutine, any number of times.
	Cancel()
}
