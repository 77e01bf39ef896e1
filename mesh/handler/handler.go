// Package handler implements MessageHandler (spec §4.7): per-type payload
// handling once Security and FragmentManager have already cleared a
// packet.
package handler

import (
	"crypto/ed25519"
	"time"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/fragment"
	"github.com/bitchat-mesh/mesh/mesh/gossip"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/peer"
	"github.com/bitchat-mesh/mesh/mesh/security"
)

var logger = meshlog.NewModuleLogger(meshlog.Handler)

// BitchatMessage is delivered to the host delegate (spec §6.3
// on_message_received).
type BitchatMessage struct {
	Sender    string
	Content   string
	IsPrivate bool
	Channel   string
	ID        string
}

// NoiseCodec is the subset of mesh/noise.Sessions the handler drives
// directly to decrypt NOISE_ENCRYPTED payloads and seal auto-acks.
type NoiseCodec interface {
	Encrypt(id packet.PeerID, plaintext []byte) ([]byte, error)
	Decrypt(id packet.PeerID, ciphertext []byte) ([]byte, error)
}

// Delegate is the upward host/UI contract (spec §6.3).
type Delegate interface {
	OnMessageReceived(msg BitchatMessage)
	OnChannelLeave(channelName string, from packet.PeerID)
	OnPeerLeft(from packet.PeerID)
	OnDeliveryAck(msgID string, from packet.PeerID)
	OnReadReceipt(msgID string, from packet.PeerID)
	IsFavorite(id packet.PeerID) bool
	// DecryptChannelMessage opens a channel-sealed MESSAGE payload (spec
	// §6.3): the delegate holds the passphrase/key material, not the
	// handler. ok is false if the delegate has no key for channelName or
	// decryption fails.
	DecryptChannelMessage(data []byte, channelName string) (string, bool)
}

// Result is what a single Handle call produces: at most one delivery to the
// host, any packets the handler must send as a direct side effect (a
// handshake reply, an auto DELIVERED ack), and a reassembled packet that
// must re-enter the dispatcher pipeline from the top.
type Result struct {
	Message         *BitchatMessage
	Outbound        []*packet.Packet
	Reassembled     *packet.Packet
	NewVerifiedPeer *packet.PeerID
}

// Handler is MessageHandler (spec §4.7).
type Handler struct {
	peers   *peer.Registry
	sec     *security.Security
	noise   NoiseCodec
	frag    *fragment.Manager
	sync    *gossip.Sync
	delegate Delegate
	localID packet.PeerID
}

// New constructs a Handler.
func New(peers *peer.Registry, sec *security.Security, noise NoiseCodec, frag *fragment.Manager, gsync *gossip.Sync, delegate Delegate, localID packet.PeerID) *Handler {
	return &Handler{peers: peers, sec: sec, noise: noise, frag: frag, sync: gsync, delegate: delegate, localID: localID}
}

// Handle dispatches p by type (spec §4.7's table). Every MESSAGE, ANNOUNCE,
// and FRAGMENT_* seen on a broadcast path is also fed to GossipSync.
func (h *Handler) Handle(p *packet.Packet) (*Result, error) {
	switch {
	case p.Type == packet.TypeAnnounce:
		return h.handleAnnounce(p)
	case p.Type == packet.TypeMessage:
		return h.handleMessage(p)
	case p.Type == packet.TypeFileTransfer:
		return h.handleFileBroadcast(p)
	case p.Type == packet.TypeLeave:
		return h.handleLeave(p)
	case packet.IsNoiseHandshake(p.Type):
		return h.handleHandshake(p)
	case p.Type == packet.TypeNoiseEncrypted:
		return h.handleNoiseEncrypted(p)
	case packet.IsFragment(p.Type):
		return h.handleFragment(p)
	case p.Type == packet.TypeRequestSync:
		h.sync.HandleRequestSync(p.SenderID, p.Payload)
		return &Result{}, nil
	default:
		logger.Debug("unhandled packet type", "type", p.Type)
		return &Result{}, nil
	}
}

func (h *Handler) handleAnnounce(p *packet.Packet) (*Result, error) {
	ia, err := packet.DecodeIdentityAnnouncement(p.Payload)
	if err != nil {
		return nil, err
	}
	verified := p.Signature != nil && ed25519.Verify(ia.SigningPub[:], packet.ToBinaryDataForSigning(p), p.Signature[:])
	isNew := h.peers.UpdatePeerInfo(p.SenderID, ia.Nickname, ia.NoisePub, ia.SigningPub, verified)
	if verified {
		h.peers.StoreFingerprint(p.SenderID, ia.SigningPub)
	}
	if p.IsBroadcast() {
		h.sync.OnPublicPacketSeen(p)
	}
	if isNew {
		// First verified announce from this peer_id: kick off the initial
		// gossip filter exchange (spec §4.8) and tell the dispatcher so
		// MeshCore can drain any store-and-forward backlog for it.
		h.sync.OnNewPeerDirect(p.SenderID)
		return &Result{NewVerifiedPeer: &p.SenderID}, nil
	}
	return &Result{}, nil
}

func (h *Handler) handleMessage(p *packet.Packet) (*Result, error) {
	msg, err := h.decodeBroadcastMessage(p)
	if err != nil {
		return nil, err
	}
	if p.IsBroadcast() {
		h.sync.OnPublicPacketSeen(p)
	}
	return &Result{Message: msg}, nil
}

func (h *Handler) handleFileBroadcast(p *packet.Packet) (*Result, error) {
	msg, err := h.decodeBroadcastMessage(p)
	if err != nil {
		return nil, err
	}
	if p.IsBroadcast() {
		h.sync.OnPublicPacketSeen(p)
	}
	return &Result{Message: msg}, nil
}

// decodeBroadcastMessage splits a MESSAGE/FILE_TRANSFER payload and, for a
// channel-sealed one, asks the delegate to open it under the right key
// (spec §6.3 decrypt_channel_message). A channel message the delegate can't
// open is delivered with empty content rather than raw ciphertext.
func (h *Handler) decodeBroadcastMessage(p *packet.Packet) (*BitchatMessage, error) {
	channelName, body, isChannel, err := DecodeMessagePayload(p.Payload)
	if err != nil {
		return nil, err
	}
	content := string(body)
	if isChannel {
		content = ""
		if h.delegate != nil {
			if plain, ok := h.delegate.DecryptChannelMessage(body, channelName); ok {
				content = plain
			}
		}
	}
	return &BitchatMessage{
		Sender:  h.nicknameFor(p.SenderID),
		Content: content,
		Channel: channelName,
	}, nil
}

func (h *Handler) handleLeave(p *packet.Packet) (*Result, error) {
	channelName := string(p.Payload)
	if channelName != "" {
		h.peers.LeaveChannel(channelName, p.SenderID)
		if h.delegate != nil {
			h.delegate.OnChannelLeave(channelName, p.SenderID)
		}
	} else {
		h.peers.RemovePeer(p.SenderID)
		if h.delegate != nil {
			h.delegate.OnPeerLeft(p.SenderID)
		}
	}
	return &Result{}, nil
}

func (h *Handler) handleHandshake(p *packet.Packet) (*Result, error) {
	reply, err := h.sec.ProcessHandshake(p.SenderID, p.Payload, h.localID)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return &Result{}, nil
	}
	return &Result{Outbound: []*packet.Packet{reply}}, nil
}

func (h *Handler) handleNoiseEncrypted(p *packet.Packet) (*Result, error) {
	plain, err := h.noise.Decrypt(p.SenderID, p.Payload)
	if err != nil {
		return nil, err
	}
	inner, err := packet.DecodeNoisePayload(plain)
	if err != nil {
		return nil, err
	}
	switch inner.Type {
	case packet.NoiseInnerPrivateMessage:
		return h.handlePrivateMessage(p, inner)
	case packet.NoiseInnerDelivered:
		msgID, err := DecodeAckPayload(inner.Data)
		if err != nil {
			return nil, err
		}
		if h.delegate != nil {
			h.delegate.OnDeliveryAck(msgID, p.SenderID)
		}
		return &Result{}, nil
	case packet.NoiseInnerReadReceipt:
		msgID, err := DecodeAckPayload(inner.Data)
		if err != nil {
			return nil, err
		}
		if h.delegate != nil {
			h.delegate.OnReadReceipt(msgID, p.SenderID)
		}
		return &Result{}, nil
	case packet.NoiseInnerFileTransfer:
		return &Result{Message: &BitchatMessage{
			Sender:    h.nicknameFor(p.SenderID),
			Content:   string(inner.Data),
			IsPrivate: true,
		}}, nil
	default:
		logger.Debug("unhandled noise payload type", "type", inner.Type)
		return &Result{}, nil
	}
}

func (h *Handler) handlePrivateMessage(p *packet.Packet, inner *packet.NoisePayload) (*Result, error) {
	msgID, content, err := decodePrivateMessagePayload(inner.Data)
	if err != nil {
		return nil, err
	}
	msg := BitchatMessage{Sender: h.nicknameFor(p.SenderID), Content: content, IsPrivate: true, ID: msgID}

	ack, err := h.buildAck(p.SenderID, msgID)
	if err != nil {
		logger.Warn("build delivery ack failed", "peer", p.SenderID.String(), "err", err)
		return &Result{Message: &msg}, nil
	}
	return &Result{Message: &msg, Outbound: []*packet.Packet{ack}}, nil
}

func (h *Handler) buildAck(recipient packet.PeerID, msgID string) (*packet.Packet, error) {
	inner := packet.EncodeNoisePayload(&packet.NoisePayload{Type: packet.NoiseInnerDelivered, Data: EncodeAckPayload(msgID)})
	ct, err := h.noise.Encrypt(recipient, inner)
	if err != nil {
		return nil, err
	}
	return &packet.Packet{
		Version:     packet.CurrentVersion,
		Type:        packet.TypeNoiseEncrypted,
		TTL:         0,
		Timestamp:   packet.TimestampNow(time.Now()),
		SenderID:    h.localID,
		RecipientID: &recipient,
		Payload:     ct,
	}, nil
}

func (h *Handler) handleFragment(p *packet.Packet) (*Result, error) {
	if p.IsBroadcast() {
		h.sync.OnPublicPacketSeen(p)
	}
	reassembled, err := h.frag.HandleFragment(p)
	if err != nil {
		return nil, err
	}
	if reassembled == nil {
		return &Result{}, nil
	}
	return &Result{Reassembled: reassembled}, nil
}

func (h *Handler) nicknameFor(id packet.PeerID) string {
	if info, ok := h.peers.Get(id); ok && info.Nickname != "" {
		return info.Nickname
	}
	return id.String()
}
