package handshake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaynet/gateway-core/keystore"
)

// FrameConn is the minimal transport this package needs: write one
// outbound binary frame, read exactly one inbound binary frame. The
// collector package's websocket connection satisfies this directly;
// tests use an in-memory fake.
type FrameConn interface {
	WriteBinary(ctx context.Context, data []byte) error
	ReadBinary(ctx context.Context) ([]byte, error)
}

// RunServer runs the full C4 handshake over conn: generate and send
// a Challenge, read exactly one Response frame, verify it against
// store's node certificates, and return the verified endpoint
// private addresses.
//
// Any of a malformed response
// frame, zero signatures, or an invalid signature is reported as the
// same error class (errors.Is against ErrMalformedResponse,
// ErrNoSignatures, ErrInvalidSignature as appropriate); the caller
// maps that to a WebSocket close with code CANNOT_ACCEPT (1008).
// Reads other than this single handshake frame are never attempted
// by this function.
func RunServer(ctx context.Context, conn FrameConn, store keystore.Store) (Result, error) {
	challenge, err := NewChallenge()
	if err != nil {
		return Result{}, fmt.Errorf("generate challenge: %w", err)
	}

	challengeBytes, err := json.Marshal(challenge)
	if err != nil {
		return Result{}, fmt.Errorf("serialize challenge: %w", err)
	}
	if err := conn.WriteBinary(ctx, challengeBytes); err != nil {
		return Result{}, fmt.Errorf("write challenge: %w", err)
	}

	respBytes, err := conn.ReadBinary(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read handshake response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return Result{}, ErrMalformedResponse
	}

	certs, err := store.FetchNodeCertificates(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch node certificates: %w", err)
	}

	return Verify(challenge, resp, certs)
}
