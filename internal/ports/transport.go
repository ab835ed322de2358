package ports

import "context"

// CloseNormal is the normal-closure code; every other code is abnormal.
const CloseNormal = 1000

// CloseAbnormal is reported when the transport dropped without a close
// frame.
const CloseAbnormal = 1006

// Transport opens message-stream connections for the live channel.
type Transport interface {
	Dial(ctx context.Context, mineID string) (Conn, error)
}

// Conn is one open message-stream connection. ReadMessage blocks until a
// text frame arrives or the connection ends; when it ends the returned
// error carries the close code (see CloseCode).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
	Alive() bool
}

// CloseCoder is implemented by errors that know the close code of the
// connection that produced them.
type CloseCoder interface {
	CloseCode() int
}
