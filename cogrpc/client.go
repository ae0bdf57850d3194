// Package cogrpc is a WebSocket implementation of courier.CogRPCClient,
// the courier sync driver's consumed transport. It mirrors the
// collector package's own wsFrameConn idiom: gorilla/websocket
// connections carrying a small JSON envelope per frame, one
// connection per RPC (collectCargo, deliverCargo) rather than a
// single multiplexed channel.
package cogrpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaynet/gateway-core/courier"
)

// frameDeadline bounds every individual frame read/write against a
// stalled courier connection.
const frameDeadline = 30 * time.Second

// frameType tags every JSON envelope exchanged over a cogrpc
// connection.
type frameType string

const (
	frameCCA   frameType = "cca"
	frameCargo frameType = "cargo"
	frameAck   frameType = "ack"
	frameDone  frameType = "done"
)

type frame struct {
	Type    frameType `json:"type"`
	Cargo   []byte    `json:"cargo,omitempty"`
	LocalID string    `json:"localId,omitempty"`
}

// Client dials a courier's cogrpc WebSocket endpoint for a single RPC.
type Client struct {
	dialer  *websocket.Dialer
	baseURL string

	collectConn *websocket.Conn
	deliverConn *websocket.Conn
}

// New builds a Client against baseURL, e.g. "https://198.51.100.1:21473".
func New(baseURL string) *Client {
	return &Client{
		dialer:  &websocket.Dialer{HandshakeTimeout: frameDeadline, TLSClientConfig: &tls.Config{}},
		baseURL: baseURL,
	}
}

// NewFactory adapts New into a courier.ClientFactory.
func NewFactory() courier.ClientFactory {
	return func(ctx context.Context, addr string) (courier.CogRPCClient, error) {
		return New(addr), nil
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse courier address %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported courier address scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// CollectCargo dials the collect endpoint, sends the serialized CCA
// as the opening frame, and returns a stream of the cargoes the
// courier hands back.
func (c *Client) CollectCargo(ctx context.Context, ccaSerialized []byte) (courier.CargoStream, error) {
	wsURL, err := c.wsURL("/v1/collect")
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial collect endpoint: %w", err)
	}
	c.collectConn = conn

	if err := writeFrame(conn, frame{Type: frameCCA, Cargo: ccaSerialized}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CCA: %w", err)
	}

	return &cargoStream{conn: conn}, nil
}

// DeliverCargo dials the deliver endpoint and returns a sink that
// streams cargoes to the courier and drains its acks.
func (c *Client) DeliverCargo(ctx context.Context) (courier.CargoSink, error) {
	wsURL, err := c.wsURL("/v1/deliver")
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial deliver endpoint: %w", err)
	}
	c.deliverConn = conn

	return &cargoSink{conn: conn}, nil
}

// Close tears down whichever connections CollectCargo/DeliverCargo
// opened on this Client.
func (c *Client) Close() error {
	var errs []error
	if c.collectConn != nil {
		errs = append(errs, c.collectConn.Close())
	}
	if c.deliverConn != nil {
		errs = append(errs, c.deliverConn.Close())
	}
	return errors.Join(errs...)
}

type cargoStream struct {
	conn *websocket.Conn
}

// Next reads the next cargo frame, returning ok=false once the
// courier sends its done frame (collection is exhausted).
func (s *cargoStream) Next(ctx context.Context) ([]byte, bool, error) {
	f, err := readFrame(ctx, s.conn)
	if err != nil {
		return nil, false, err
	}
	if f.Type == frameDone {
		return nil, false, nil
	}
	if f.Type != frameCargo {
		return nil, false, fmt.Errorf("cogrpc: expected a cargo frame, got %q", f.Type)
	}
	return f.Cargo, true, nil
}

type cargoSink struct {
	conn *websocket.Conn
}

// Send writes one sealed cargo frame, tagged with localID so the
// courier's eventual ack can be matched back to it.
func (s *cargoSink) Send(ctx context.Context, cargo []byte, localID string) error {
	return writeFrameCtx(ctx, s.conn, frame{Type: frameCargo, Cargo: cargo, LocalID: localID})
}

// CloseSend signals the courier that no more cargoes are coming,
// without closing the underlying connection: NextAck still needs it
// to drain pending acks.
func (s *cargoSink) CloseSend() error {
	return writeFrame(s.conn, frame{Type: frameDone})
}

// NextAck reads the next ack frame, returning ok=false once the
// courier closes the connection (every ack has been sent).
func (s *cargoSink) NextAck(ctx context.Context) (string, bool, error) {
	f, err := readFrame(ctx, s.conn)
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return "", false, nil
		}
		return "", false, err
	}
	if f.Type == frameDone {
		return "", false, nil
	}
	if f.Type != frameAck {
		return "", false, fmt.Errorf("cogrpc: expected an ack frame, got %q", f.Type)
	}
	return f.LocalID, true, nil
}

func writeFrame(conn *websocket.Conn, f frame) error {
	return writeFrameCtx(context.Background(), conn, f)
}

func writeFrameCtx(ctx context.Context, conn *websocket.Conn, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadlineFrom(ctx)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func readFrame(ctx context.Context, conn *websocket.Conn) (frame, error) {
	if err := conn.SetReadDeadline(deadlineFrom(ctx)); err != nil {
		return frame{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("unmarshal cogrpc frame: %w", err)
	}
	return f, nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(frameDeadline)
}
