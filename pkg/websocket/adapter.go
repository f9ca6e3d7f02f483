package websocket

import "context"

// Conn is a minimal interface for a WebSocket connection.
type Conn interface {
	// Read blocks until the next data message arrives, the connection fails or ctx is done.
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer creates new connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ControlEncoder builds subscribe payloads.
// Implementations should write into dst and return a slice backed by dst.
type ControlEncoder interface {
	EncodeSubscribe(dst []byte, requestID uint64, streams []string) (MessageType, []byte, error)
}
