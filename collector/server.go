// Package collector implements C5 and C6: the parcel collection
// server's WebSocket session state machine and its per-session
// delivery tracker. The upgrade/connection-tracking/deadline shape
// (gorilla/websocket upgrade, connection tracking, read/write
// deadlines) is generalized from a single request/response exchange
// to a long-lived, two-directional streaming session.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaynet/gateway-core/handshake"
	"github.com/relaynet/gateway-core/internal/logger"
	"github.com/relaynet/gateway-core/internal/metrics"
	"github.com/relaynet/gateway-core/keystore"
	"github.com/relaynet/gateway-core/parcelstore"
)

// StreamingModeHeader is the inbound request header selecting
// keep-alive vs. close-on-drain mode. Only the exact literal
// StreamingModeCloseUponCompletion means close-on-drain; any other
// value, or the header's absence, means keep-alive. This is
// deliberately not parsed as a boolean.
const (
	StreamingModeHeader              = "x-relaynet-streaming-mode"
	StreamingModeCloseUponCompletion = "close-upon-completion"
)

// SessionState is one node of the collection session's state machine.
type SessionState int

const (
	StateHandshaking SessionState = iota
	StateStreaming
	StateAwaitingFinalAcks
	StateComplete
	StateClosed
)

// WebSocket close codes used by this session.
const (
	CloseNormal       = websocket.CloseNormalClosure // 1000
	CloseCannotAccept = 1008                          // CANNOT_ACCEPT
)

// Server is C5: an http.Handler that upgrades to a WebSocket
// connection and runs one session per connection.
type Server struct {
	store    parcelstore.Store
	keyStore keystore.Store
	log      logger.Logger
	upgrader websocket.Upgrader

	connMu sync.RWMutex
	conns  map[*websocket.Conn]bool
}

// NewServer builds a parcel collection server backed by store and
// keyStore.
func NewServer(store parcelstore.Store, keyStore keystore.Store, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Server{
		store:    store,
		keyStore: keyStore,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// Handler returns the http.Handler that upgrades inbound requests
// and runs the session state machine over them.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
			return
		}

		s.trackConn(conn, true)
		defer s.trackConn(conn, false)
		defer conn.Close()

		keepAlive := r.Header.Get(StreamingModeHeader) != StreamingModeCloseUponCompletion

		metrics.CollectorSessionsActive.Inc()
		defer metrics.CollectorSessionsActive.Dec()

		s.runSession(r.Context(), conn, keepAlive)
	})
}

func (s *Server) trackConn(conn *websocket.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = true
	} else {
		delete(s.conns, conn)
	}
}

// Close closes every tracked connection with a normal close frame.
func (s *Server) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	s.conns = make(map[*websocket.Conn]bool)
	return nil
}

func (s *Server) runSession(ctx context.Context, conn *websocket.Conn, keepAlive bool) {
	state := StateHandshaking

	result, err := handshake.RunServer(ctx, wsFrameConn{conn}, s.keyStore)
	if err != nil {
		metrics.HandshakesCompleted.WithLabelValues(outcomeForHandshakeErr(err)).Inc()
		s.log.Info("handshake failed, closing session", logger.Error(err))
		s.closeWith(conn, CloseCannotAccept, err.Error())
		return
	}
	metrics.HandshakesCompleted.WithLabelValues("ok").Inc()
	state = StateStreaming

	tracker := NewTracker()
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	closeOnce := sync.Once{}
	var closeCode int
	var closeReason string
	doClose := func(code int, reason string) {
		closeOnce.Do(func() {
			closeCode, closeReason = code, reason
			cancel()
			// Unblock the ACK reader, whose read has no deadline of its own.
			_ = conn.SetReadDeadline(time.Now())
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		s.runDelivery(sessCtx, conn, tracker, result.EndpointPrivateAddresses, keepAlive, doClose)
	}()
	go func() {
		defer wg.Done()
		// The ACK side also returns on transport close; ending the
		// session context then stops a keep-alive delivery stream.
		defer cancel()
		s.runAcks(sessCtx, conn, tracker, doClose)
	}()
	wg.Wait()

	if closeCode == 0 {
		closeCode, closeReason = CloseNormal, ""
	}
	state = stateForClose(closeCode)
	s.log.Debug("session ended", logger.Int("state", int(state)), logger.Int("closeCode", closeCode))

	outcome := "normal"
	if closeCode != CloseNormal {
		outcome = "cannot_accept"
	}
	metrics.CollectorSessionsClosed.WithLabelValues(outcome).Inc()

	s.closeWith(conn, closeCode, closeReason)
}

func stateForClose(code int) SessionState {
	if code == CloseNormal {
		return StateComplete
	}
	return StateClosed
}

func outcomeForHandshakeErr(err error) string {
	switch {
	case errors.Is(err, handshake.ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, handshake.ErrNoSignatures), errors.Is(err, handshake.ErrInvalidSignature):
		return "unauthorized"
	default:
		return "error"
	}
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// runDelivery is the server->client direction: subscribe to the
// parcel store for the authenticated endpoints, mint a delivery-ID
// per parcel, track it, and send it. When the delivery stream ends
// (non-keepAlive exhaustion), mark allSent and close if already
// complete.
func (s *Server) runDelivery(ctx context.Context, conn *websocket.Conn, tracker *Tracker, addresses []string, keepAlive bool, doClose func(int, string)) {
	stream, err := s.store.StreamActiveBoundForEndpoints(ctx, addresses, keepAlive)
	if err != nil {
		s.log.Error("failed to open parcel stream", logger.Error(err))
		doClose(int(CloseCannotAccept), "internal error opening parcel stream")
		return
	}
	defer stream.Cancel()

	for {
		key, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // session ending for another reason
			}
			s.log.Error("parcel stream error", logger.Error(err))
			return
		}
		if !ok {
			break
		}

		serialized, err := s.store.Retrieve(ctx, key, parcelstore.FromInternetToEndpoint)
		if err != nil {
			s.log.Error("failed to retrieve parcel", logger.String("key", key), logger.Error(err))
			continue
		}
		if serialized == nil {
			// Raced deletion between enumeration and retrieval: skip
			// silently edge case.
			s.log.Debug("parcel vanished before retrieval, skipping", logger.String("key", key))
			continue
		}

		deliveryID := uuid.NewString()
		tracker.AddPendingAck(deliveryID, key)

		if err := writeParcelDelivery(ctx, conn, deliveryID, serialized); err != nil {
			// Transport closed mid-send: do not delete this parcel;
			// its ACK was never observed.
			s.log.Debug("transport closed mid-send", logger.Error(err))
			return
		}
		metrics.ParcelsDelivered.WithLabelValues(string(parcelstore.FromInternetToEndpoint)).Inc()
	}

	tracker.MarkAllParcelsDelivered()
	if tracker.IsComplete() {
		doClose(int(CloseNormal), "")
	}
}

// runAcks is the client->server direction: read raw delivery-ID text
// frames, resolve them in the tracker, and delete the underlying
// parcel. An unknown ID closes the session.
func (s *Server) runAcks(ctx context.Context, conn *websocket.Conn, tracker *Tracker, doClose func(int, string)) {
	for {
		deliveryID, err := readAckFrame(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			return // transport closed
		}

		key, ok := tracker.PopPendingParcelKey(deliveryID)
		if !ok {
			doClose(int(CloseCannotAccept), "Unknown delivery id "+deliveryID)
			return
		}

		if err := s.store.Delete(ctx, key, parcelstore.FromInternetToEndpoint); err != nil {
			s.log.Error("failed to delete acked parcel", logger.String("key", key), logger.Error(err))
			continue
		}
		metrics.ParcelsAcked.Inc()

		if tracker.IsComplete() {
			doClose(int(CloseNormal), "")
			return
		}
	}
}
