package noise

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.Noise)

// ErrNotEstablished is returned by Encrypt/Decrypt outside State Established.
var ErrNotEstablished = errors.New("noise: session not established")

// ErrReplay is returned by Decrypt when the counter does not strictly
// increase (spec §4.5, §8 property 7).
var ErrReplay = errors.New("noise: replayed or reordered counter")

// Sessions is NoiseSessions (spec §4.5). One Sessions instance is shared by
// the engine across every peer.
type Sessions struct {
	mu sync.Mutex

	localStaticPriv [32]byte
	localStaticPub  [32]byte

	peers   map[packet.PeerID]*session
	timeout time.Duration
}

// New constructs a Sessions manager from the engine's static X25519
// keypair. handshakeTimeout is spec §6.4 handshake_timeout_ms (default
// 10s): a handshake that stalls past it reverts to Uninitialized.
func New(staticPriv, staticPub [32]byte, handshakeTimeout time.Duration) *Sessions {
	return &Sessions{
		localStaticPriv: staticPriv,
		localStaticPub:  staticPub,
		peers:           make(map[packet.PeerID]*session),
		timeout:         handshakeTimeout,
	}
}

// GenerateStaticKeypair creates a fresh X25519 identity keypair, used once
// at MeshCore construction.
func GenerateStaticKeypair() (priv, pub [32]byte, err error) {
	return newEphemeralKeypair()
}

func (s *Sessions) sessionFor(id packet.PeerID) *session {
	sess, ok := s.peers[id]
	if !ok {
		sess = &session{state: StateUninitialized}
		s.peers[id] = sess
	}
	if sess.state != StateUninitialized && sess.state != StateEstablished && sess.state != StateFailed {
		if time.Since(sess.startedAt) > s.timeout {
			logger.Warn("handshake stalled, resetting", "peer", id.String())
			sess.state = StateUninitialized
		}
	}
	return sess
}

// State returns the peer's current handshake state.
func (s *Sessions) State(id packet.PeerID) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionFor(id).state
}

// HasEstablished reports whether the session with id is Established.
func (s *Sessions) HasEstablished(id packet.PeerID) bool {
	return s.State(id) == StateEstablished
}

// Reset forces a peer's session back to Uninitialized (spec §4.5: "Any ->
// Failed -> Uninitialized on explicit reset").
func (s *Sessions) Reset(id packet.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, id)
}

// StaticPubFor returns the peer's remote static public key, once known
// (available from message 1/2 onward, not only once Established).
func (s *Sessions) StaticPubFor(id packet.PeerID) ([32]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.peers[id]
	if !ok || sess.remoteStaticPub == ([32]byte{}) {
		return [32]byte{}, false
	}
	return sess.remoteStaticPub, true
}

// Initiate starts a handshake as the initiator, only valid from
// Uninitialized or Failed (spec §4.5).
func (s *Sessions) Initiate(id packet.PeerID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionFor(id)
	if sess.state != StateUninitialized && sess.state != StateFailed {
		return nil, nil
	}
	priv, pub, err := newEphemeralKeypair()
	if err != nil {
		return nil, errors.Wrap(err, "generate ephemeral keypair")
	}
	sess.role = roleInitiator
	sess.localEphemeralPriv = priv
	sess.localEphemeralPub = pub
	sess.state = StateHandshakeOut1
	sess.startedAt = time.Now()
	s.peers[id] = sess
	return encodeMessage1(pub, s.localStaticPub), nil
}

// Process advances the state machine with an inbound handshake message and
// returns a reply to send, if the protocol step requires one (spec §4.5).
func (s *Sessions) Process(id packet.PeerID, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionFor(id)

	switch sess.state {
	case StateUninitialized, StateFailed:
		return s.processAsResponderMessage1(sess, payload)
	case StateHandshakeOut1:
		return s.processAsInitiatorMessage2(sess, payload)
	case StateHandshakeIn1:
		return s.processAsResponderMessage3(sess, payload)
	case StateHandshakeOut2, StateEstablished:
		// Unexpected extra handshake traffic once keys are derived; ignore
		// rather than fail an otherwise-healthy session.
		return nil, nil
	default:
		return nil, nil
	}
}

func (s *Sessions) processAsResponderMessage1(sess *session, payload []byte) ([]byte, error) {
	remoteEphemeral, remoteStatic, err := decodeMessage1(payload)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	priv, pub, err := newEphemeralKeypair()
	if err != nil {
		sess.state = StateFailed
		return nil, errors.Wrap(err, "generate ephemeral keypair")
	}

	eeDH, err := dh(priv, remoteEphemeral)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	// es from the responder's perspective: responder's static priv with
	// initiator's ephemeral pub, equal to the initiator's es =
	// DH(i_ephemeral, r_static) once both sides hold the same two points.
	esDH, err := dh(s.localStaticPriv, remoteEphemeral)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	seDH, err := dh(priv, remoteStatic)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}

	c2r, r2c, confirmKey, err := deriveKeys(eeDH, esDH, seDH)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}

	sess.role = roleResponder
	sess.localEphemeralPriv = priv
	sess.localEphemeralPub = pub
	sess.remoteEphemeralPub = remoteEphemeral
	sess.remoteStaticPub = remoteStatic
	sess.sendKey = r2c
	sess.recvKey = c2r
	sess.confirmKey = confirmKey
	sess.state = StateHandshakeIn1
	sess.startedAt = time.Now()

	confirm, err := sealConfirm(confirmKey, 0, sess.transcript())
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	return encodeMessage2(pub, s.localStaticPub, confirm), nil
}

func (s *Sessions) processAsInitiatorMessage2(sess *session, payload []byte) ([]byte, error) {
	remoteEphemeral, remoteStatic, confirm, err := decodeMessage2(payload)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}

	eeDH, err := dh(sess.localEphemeralPriv, remoteEphemeral)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	esDH, err := dh(sess.localEphemeralPriv, remoteStatic)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	seDH, err := dh(s.peerStaticPriv(), remoteEphemeral)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	// X25519 DH is symmetric (DH(a_priv,b_pub) == DH(b_priv,a_pub)), so
	// esDH/seDH above already equal the responder's esDH/seDH from
	// processAsResponderMessage1 without any reordering.

	c2r, r2c, confirmKey, err := deriveKeys(eeDH, esDH, seDH)
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}

	sess.remoteEphemeralPub = remoteEphemeral
	sess.remoteStaticPub = remoteStatic

	if err := openConfirm(confirmKey, 0, sess.transcript(), confirm); err != nil {
		sess.state = StateFailed
		return nil, errors.Wrap(err, "handshake confirmation mismatch")
	}

	sess.sendKey = c2r
	sess.recvKey = r2c
	sess.confirmKey = confirmKey
	sess.state = StateEstablished

	final, err := sealConfirm(confirmKey, 1, sess.transcript())
	if err != nil {
		sess.state = StateFailed
		return nil, err
	}
	return encodeMessage3(final), nil
}

func (s *Sessions) processAsResponderMessage3(sess *session, payload []byte) ([]byte, error) {
	if err := openConfirm(sess.confirmKey, 1, sess.transcript(), payload); err != nil {
		sess.state = StateFailed
		return nil, errors.Wrap(err, "final handshake confirmation mismatch")
	}
	sess.state = StateEstablished
	return nil, nil
}

// peerStaticPriv exists only so processAsInitiatorMessage2 reads clearly;
// the initiator always signs with the engine's own static key.
func (s *Sessions) peerStaticPriv() [32]byte {
	return s.localStaticPriv
}

// Encrypt seals plaintext for id, only valid once Established. Each call
// increments the session's send counter (spec §4.5).
func (s *Sessions) Encrypt(id packet.PeerID, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.peers[id]
	if !ok || sess.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	ct, err := seal(sess.sendKey, sess.sendCounter, plaintext)
	if err != nil {
		return nil, err
	}
	sess.sendCounter++
	return ct, nil
}

// Decrypt opens ciphertext from id, only valid once Established. Receive
// counters must be strictly increasing; a replayed or reordered counter is
// rejected (spec §4.5, §8 property 7).
func (s *Sessions) Decrypt(id packet.PeerID, ciphertext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.peers[id]
	if !ok || sess.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	pt, counter, err := open(sess.recvKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if sess.recvCounter != 0 && counter <= sess.recvCounter {
		return nil, ErrReplay
	}
	if sess.recvCounter == 0 && counter == 0 && sess.sawFirstRecv {
		return nil, ErrReplay
	}
	sess.recvCounter = counter
	sess.sawFirstRecv = true
	return pt, nil
}
