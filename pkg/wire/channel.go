// Package wire is the connection fabric between the broker and a backend,
// and between a client and the broker. Both legs use the same Channel/Call
// shape; only the transport underneath differs (HBI over TCP in production,
// an in-process call during tests).
package wire

import "context"

// Call is one request/reply conversation on a Channel: an inline-argument
// send phase, an optional bulk-data send phase, then a symmetric receive
// side, matching the shape of an HBI posting conversation (SendCode and
// SendData, then StartRecv/RecvObj/RecvData).
type Call interface {
	// SendArgs writes the inline argument list for this call.
	SendArgs(args ...interface{}) error
	// SendData writes a bulk-data payload following SendArgs, for calls that
	// carry a buffer (e.g. WRITE).
	SendData(buf []byte) error
	// StartRecv switches the conversation from sending to receiving. It must
	// be called exactly once, after the last Send call and before any Recv
	// call.
	StartRecv() error
	// RecvArgs decodes the inline reply values into dest, which must be
	// pointers.
	RecvArgs(dest ...interface{}) error
	// RecvData reads a bulk-data reply payload into buf (e.g. READ), which
	// must already be sized to the expected length.
	RecvData(buf []byte) error
	// Close ends the conversation. It is always safe to call, including
	// after a failed Send/Recv, and must be called exactly once per Call.
	Close() error
}

// Channel opens Calls against a single remote endpoint: a backend connection
// from the broker's side, or the broker from a client's side.
type Channel interface {
	// NewCall opens a conversation for the named operation (the client
	// request surface or backend request surface method name, e.g. "Walk"
	// or "Read").
	NewCall(ctx context.Context, method string) (Call, error)
	// Close tears down the channel. Outstanding Calls become invalid.
	Close() error
}
