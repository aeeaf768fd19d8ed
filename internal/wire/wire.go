// Package wire holds the request/reply shapes shared across the request
// channel (C5), dispatcher (C7), worker pool (C8) and publisher (C9), so
// none of those packages needs to import another's internals just to pass
// a request along (§6 "Wire protocol").
package wire

import "context"

// OuterEnvelope is the wire envelope described in §6: enc/version/id plus
// a load that is either ciphertext (enc=="aes") or an already-clear
// mapping (enc=="clear").
type OuterEnvelope struct {
	Enc     string      `json:"enc"`
	Version int         `json:"version"`
	ID      string      `json:"id,omitempty"`
	Load    interface{} `json:"load"`
}

// Request is a decoded inbound request ready for routing: the outer
// envelope plus its decrypted inner load as a generic mapping.
type Request struct {
	Outer OuterEnvelope
	Load  map[string]interface{}
	Nonce string // extracted per §4.5 step 7, echoed on ReplySend
}

// ReplyMode selects how the request channel packages a handler's result,
// matching the three "inheritance-style payload modes" in §9.
type ReplyMode string

const (
	// ReplySendClear returns ret unencrypted.
	ReplySendClear ReplyMode = "send_clear"
	// ReplySend AES-encrypts ret under the cluster secret, echoing Nonce.
	ReplySend ReplyMode = "send"
	// ReplySendPrivate RSA-wraps a fresh per-reply key to a specific
	// minion's accepted public key and AES-encrypts ret under it.
	ReplySendPrivate ReplyMode = "send_private"
)

// HandlerOptions carries the reply-mode selection and, for
// ReplySendPrivate, which minion's key to wrap to and under which result
// field name (§4.5's "dictkey").
type HandlerOptions struct {
	Fun    ReplyMode
	Key    string
	Target string
}

// HandlerResult is what a registered command handler returns: the
// command's result value plus how the channel should package it.
type HandlerResult struct {
	Ret     interface{}
	Options HandlerOptions
}

// Handler is the registry's command implementation signature (§9
// "dynamic dispatch ... replace with an explicit registry").
type Handler func(ctx context.Context, req Request) (HandlerResult, error)
