// Package noise implements NoiseSessions (spec §4.5): a per-peer
// handshake state machine producing authenticated symmetric sessions. The
// exact byte layout is left to this package per spec §9's open question
// ("treat as opaque and delegate to a chosen authenticated-key-exchange
// library, so long as the wire format is stable"); it is built directly on
// golang.org/x/crypto's curve25519/chacha20poly1305/hkdf primitives, the
// same family of building blocks the teacher's go.mod already pins.
package noise

// State is one arm of the handshake state machine (spec §4.5).
type State int

const (
	StateUninitialized State = iota
	StateHandshakeOut1       // initiator sent message 1, awaiting message 2
	StateHandshakeOut2       // initiator received message 2, sent confirmation
	StateHandshakeIn1        // responder received message 1, sent message 2
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshakeOut1:
		return "handshake_out_1"
	case StateHandshakeOut2:
		return "handshake_out_2"
	case StateHandshakeIn1:
		return "handshake_in_1"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type role int

const (
	roleNone role = iota
	roleInitiator
	roleResponder
)
