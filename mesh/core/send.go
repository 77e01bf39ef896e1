package core

import (
	"crypto/ed25519"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/pkg/errors"

	"github.com/bitchat-mesh/mesh/mesh/channel"
	"github.com/bitchat-mesh/mesh/mesh/handler"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/transport"
)

// newPacket builds an unsigned packet with the engine's current timestamp
// and max_ttl, addressed to recipient (nil for broadcast).
func (c *Core) newPacket(typ uint8, payload []byte, recipient *packet.PeerID) *packet.Packet {
	return &packet.Packet{
		Version:     packet.CurrentVersion,
		Type:        typ,
		TTL:         c.cfg.MaxTTL,
		Timestamp:   packet.TimestampNow(time.Now()),
		SenderID:    c.identity.ID,
		RecipientID: recipient,
		Payload:     payload,
	}
}

// sign attaches an Ed25519 signature over ToBinaryDataForSigning(p), per
// MeshCore's signing policy (spec §4.11): every outbound packet of type
// other than NOISE_ENCRYPTED is signed before broadcast.
func (c *Core) sign(p *packet.Packet) {
	if p.Type == packet.TypeNoiseEncrypted {
		return
	}
	sig := ed25519.Sign(c.identity.SigningKey, packet.ToBinaryDataForSigning(p))
	var s packet.Signature
	copy(s[:], sig)
	p.Signature = &s
}

// transportList returns the currently registered transports, snapshotted
// under the read lock so callers can iterate without holding it.
func (c *Core) transportList() []transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]transport.Transport, 0, len(c.transports))
	for _, t := range c.transports {
		out = append(out, t)
	}
	return out
}

// broadcast fans p out to every transport except the one identified by
// relayAddress (spec §4.9 item 3, §4.11).
func (c *Core) broadcast(p *packet.Packet, relayAddress string) {
	c.sign(p)
	for _, t := range c.transportList() {
		t.Broadcast(transport.RoutedPacket{Packet: p, RelayAddress: relayAddress})
	}
}

// sendToPeer tries every registered transport in registration order,
// falling back to the next on no-route (spec §4.11 "fallback").
func (c *Core) sendToPeer(id packet.PeerID, p *packet.Packet) bool {
	for _, t := range c.transportList() {
		if t.SendToPeer(id, p) {
			return true
		}
	}
	return false
}

func (c *Core) sendToPeerSigned(id packet.PeerID, p *packet.Packet) error {
	c.sign(p)
	if !c.sendToPeer(id, p) {
		return errors.New("no route to peer")
	}
	return nil
}

// SendAnnounce broadcasts this node's identity (spec §4.11 send_announce,
// every AnnounceInterval).
func (c *Core) SendAnnounce() {
	nickname := ""
	if nn, ok := c.delegate.GetNickname(); ok {
		nickname = nn
	}
	ia := &packet.IdentityAnnouncement{
		Nickname:   nickname,
		NoisePub:   c.identity.NoisePub,
		SigningPub: [32]byte(c.identity.SigningPub[:32]),
	}
	payload, err := packet.EncodeIdentityAnnouncement(ia)
	if err != nil {
		logger.Warn("encode announce failed", "err", err)
		return
	}
	p := c.newPacket(packet.TypeAnnounce, payload, nil)
	c.broadcast(p, "")
}

// SendAnnouncementTo sends the identity announcement directly to id rather
// than broadcasting (spec §4.11 send_announcement_to).
func (c *Core) SendAnnouncementTo(id packet.PeerID) bool {
	nickname := ""
	if nn, ok := c.delegate.GetNickname(); ok {
		nickname = nn
	}
	ia := &packet.IdentityAnnouncement{Nickname: nickname, NoisePub: c.identity.NoisePub, SigningPub: [32]byte(c.identity.SigningPub[:32])}
	payload, err := packet.EncodeIdentityAnnouncement(ia)
	if err != nil {
		return false
	}
	p := c.newPacket(packet.TypeAnnounce, payload, &id)
	c.sign(p)
	return c.sendToPeer(id, p)
}

func (c *Core) sendLeave(channelName string) {
	p := c.newPacket(packet.TypeLeave, []byte(channelName), nil)
	c.broadcast(p, "")
}

// SendMessage broadcasts a public MESSAGE, fragmenting it first if its
// payload exceeds FragmentThreshold (spec §4.3, §4.11 send_message). Use
// SendChannelMessage instead when content belongs to a passphrase-gated
// channel.
func (c *Core) SendMessage(content string) error {
	p := c.newPacket(packet.TypeMessage, handler.EncodePlainMessage([]byte(content)), nil)
	return c.sendFragmentedBroadcast(p)
}

// SendChannelMessage seals content under key and broadcasts it as a public
// MESSAGE carrying channelName alongside the ciphertext, so any receiver can
// pick the matching key before calling delegate.DecryptChannelMessage (spec
// §4.11 send_message's channel argument, §6.3).
func (c *Core) SendChannelMessage(content, channelName string, key [32]byte) error {
	sealed, err := channel.SealChannelMessage(key, []byte(content))
	if err != nil {
		return errors.Wrap(err, "seal channel message")
	}
	p := c.newPacket(packet.TypeMessage, handler.EncodeChannelMessage(channelName, sealed), nil)
	return c.sendFragmentedBroadcast(p)
}

func (c *Core) sendFragmentedBroadcast(p *packet.Packet) error {
	if len(p.Payload) <= c.cfg.FragmentThreshold {
		c.broadcast(p, "")
		return nil
	}
	frags, err := c.frag.CreateFragments(p)
	if err != nil {
		return errors.Wrap(err, "fragment outbound packet")
	}
	for i, f := range frags {
		c.broadcast(f, "")
		if i < len(frags)-1 {
			time.Sleep(20 * time.Millisecond)
		}
	}
	return nil
}

// SendPrivate sends content as a NOISE_ENCRYPTED PRIVATE_MESSAGE to
// recipient, establishing a handshake first if none exists, or caching it
// for later delivery via StoreForward if recipient is an offline favorite
// (spec §4.11 send_private, §4.6).
func (c *Core) SendPrivate(content string, recipient packet.PeerID, messageID string) (string, error) {
	if messageID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return "", errors.Wrap(err, "generate message id")
		}
		messageID = id
	}

	if !c.noise.HasEstablished(recipient) {
		init, err := c.noise.Initiate(recipient)
		if err != nil {
			return messageID, errors.Wrap(err, "initiate handshake")
		}
		if init != nil {
			p := c.newPacket(packet.TypeNoiseHandshakeInit, init, &recipient)
			c.sign(p)
			c.sendToPeer(recipient, p)
		}
		return messageID, errors.New("no session yet, handshake initiated; resend once established")
	}

	inner := packet.EncodeNoisePayload(&packet.NoisePayload{
		Type: packet.NoiseInnerPrivateMessage,
		Data: handler.EncodePrivateMessagePayload(messageID, content),
	})
	ct, err := c.noise.Encrypt(recipient, inner)
	if err != nil {
		return messageID, errors.Wrap(err, "encrypt private message")
	}

	p := c.newPacket(packet.TypeNoiseEncrypted, ct, &recipient)
	if !c.sendToPeer(recipient, p) {
		if c.store != nil && c.delegate.IsFavorite(recipient) {
			if cacheErr := c.store.Cache(p); cacheErr != nil {
				logger.Warn("cache offline private message failed", "peer", recipient.String(), "err", cacheErr)
			}
		}
	}
	return messageID, nil
}

// SendReadReceipt notifies recipient that msgID has been read (spec §4.11
// send_read_receipt).
func (c *Core) SendReadReceipt(msgID string, recipient packet.PeerID) error {
	inner := packet.EncodeNoisePayload(&packet.NoisePayload{Type: packet.NoiseInnerReadReceipt, Data: handler.EncodeAckPayload(msgID)})
	ct, err := c.noise.Encrypt(recipient, inner)
	if err != nil {
		return errors.Wrap(err, "encrypt read receipt")
	}
	p := c.newPacket(packet.TypeNoiseEncrypted, ct, &recipient)
	if !c.sendToPeer(recipient, p) {
		return errors.New("no route to peer")
	}
	return nil
}

// SendFileBroadcast sends file as a public FILE_TRANSFER, fragmenting as
// needed (spec §4.11 send_file_broadcast).
func (c *Core) SendFileBroadcast(file []byte) error {
	p := c.newPacket(packet.TypeFileTransfer, handler.EncodePlainMessage(file), nil)
	return c.sendFragmentedBroadcast(p)
}

// SendFilePrivate sends file to recipient over the peer's Noise session
// (spec §4.11 send_file_private).
func (c *Core) SendFilePrivate(recipient packet.PeerID, file []byte) error {
	inner := packet.EncodeNoisePayload(&packet.NoisePayload{Type: packet.NoiseInnerFileTransfer, Data: file})
	ct, err := c.noise.Encrypt(recipient, inner)
	if err != nil {
		return errors.Wrap(err, "encrypt private file")
	}
	p := c.newPacket(packet.TypeNoiseEncrypted, ct, &recipient)
	if !c.sendToPeer(recipient, p) {
		return errors.New("no route to peer")
	}
	return nil
}

// CancelFileTransfer asks every registered transport to cancel a chunked
// transfer in progress (spec §4.11 cancel_file_transfer).
func (c *Core) CancelFileTransfer(transferID string) bool {
	transports := c.transportList()
	ok := false
	for _, t := range transports {
		if t.CancelTransfer(transferID) {
			ok = true
		}
	}
	return ok
}
