package collector

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaynet/gateway-core/handshake"
)

// frameDeadline bounds every individual read/write against a stalled
// or malicious peer; it is not the session lifetime.
const frameDeadline = 30 * time.Second

// wsFrameConn adapts a *websocket.Conn to handshake.FrameConn so the
// handshake package stays transport-agnostic, treating the handshake
// as running over a generic framed duplex channel rather than
// specifically a WebSocket.
type wsFrameConn struct {
	conn *websocket.Conn
}

var _ handshake.FrameConn = wsFrameConn{}

func (w wsFrameConn) WriteBinary(ctx context.Context, data []byte) error {
	if err := w.conn.SetWriteDeadline(deadlineFrom(ctx, frameDeadline)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w wsFrameConn) ReadBinary(ctx context.Context) ([]byte, error) {
	if err := w.conn.SetReadDeadline(deadlineFrom(ctx, frameDeadline)); err != nil {
		return nil, err
	}
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, errors.New("collector: expected a binary frame during handshake")
	}
	return data, nil
}

func deadlineFrom(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

// ParcelDelivery is the JSON envelope sent on the delivery direction
// of a streaming session: a delivery-ID the endpoint must echo back
// verbatim on the ACK direction, plus the RAMF-serialized parcel.
type ParcelDelivery struct {
	DeliveryID string `json:"deliveryId"`
	Parcel     []byte `json:"parcelSerialized"`
}

func writeParcelDelivery(ctx context.Context, conn *websocket.Conn, deliveryID string, serialized []byte) error {
	payload, err := json.Marshal(ParcelDelivery{DeliveryID: deliveryID, Parcel: serialized})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(deadlineFrom(ctx, frameDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

// readAckFrame reads one ACK frame: a text frame whose entire body is
// the delivery-ID being acknowledged. The ACK direction carries no
// JSON envelope, unlike the delivery direction.
//
// The parcel collection session has no server-side inactivity
// timeout: it terminates on transport close, not on idle time. So
// unlike the delivery direction's write, this read carries no
// fallback deadline; only an explicit context deadline bounds it.
func readAckFrame(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	if msgType != websocket.TextMessage {
		return "", errors.New("collector: expected a text frame on the ACK direction")
	}
	return string(data), nil
}
