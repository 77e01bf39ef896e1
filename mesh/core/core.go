// Package core implements MeshCore (spec §4.11): the component that owns
// every other component, the set of active transports, and the host
// delegate, and exposes the engine's public send/receive surface.
package core

import (
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/pkg/errors"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/config"
	"github.com/bitchat-mesh/mesh/mesh/dispatch"
	"github.com/bitchat-mesh/mesh/mesh/fragment"
	"github.com/bitchat-mesh/mesh/mesh/gossip"
	"github.com/bitchat-mesh/mesh/mesh/handler"
	"github.com/bitchat-mesh/mesh/mesh/noise"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/peer"
	"github.com/bitchat-mesh/mesh/mesh/relay"
	"github.com/bitchat-mesh/mesh/mesh/security"
	"github.com/bitchat-mesh/mesh/mesh/storeforward"
	"github.com/bitchat-mesh/mesh/mesh/transport"
)

var logger = meshlog.NewModuleLogger(meshlog.Core)

// Delegate is the upward host/UI contract (spec §6.3). It composes
// handler.Delegate (the subset MessageHandler drives directly) with the
// operations only MeshCore itself needs.
type Delegate interface {
	handler.Delegate
	security.Delegate
	OnPeerRemoved(id packet.PeerID)
	OnPeerListUpdated(ids []packet.PeerID)
	GetNickname() (string, bool)
}

// Identity is the local node's long-term key material.
type Identity struct {
	ID         packet.PeerID
	SigningPub ed25519.PublicKey
	SigningKey ed25519.PrivateKey
	NoisePub   [32]byte
	NoisePriv  [32]byte
}

// Core is MeshCore (spec §4.11).
type Core struct {
	cfg      config.Config
	identity Identity
	delegate Delegate

	peers    *peer.Registry
	frag     *fragment.Manager
	noise    *noise.Sessions
	sec      *security.Security
	store    *storeforward.Store
	gsync    *gossip.Sync
	relay    *relay.Engine
	handler  *handler.Handler
	disp     *dispatch.Dispatcher

	mu         sync.RWMutex
	transports map[string]transport.Transport
	started    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup // periodic tasks (announce loop)
	bgWg       sync.WaitGroup // background jobs (store-forward drains)
}

// New wires every component together exactly as spec §4.11 describes the
// Security.validate → MessageHandler/FragmentManager → RelayEngine
// pipeline, but does not start periodic tasks; call Start for that.
func New(cfg config.Config, identity Identity, delegate Delegate) (*Core, error) {
	peers := peer.New(cfg.StalePeer, delegate)

	seen := security.NewSeenSet(cfg.SeenCapacity)
	noiseSessions := noise.New(identity.NoisePriv, identity.NoisePub, cfg.HandshakeTimeout)

	var avoid *security.AvoidList
	store, err := storeforward.Open(cfg.DataDir, cfg.StoreForwardMax, cfg.StoreForwardTTL, delegate.IsFavorite)
	if err != nil {
		return nil, errors.Wrap(err, "open store-and-forward database")
	}
	if cfg.DataDir != "" {
		avoid, err = security.NewPersistentAvoidList(cfg.AvoidTTL, store.DB())
		if err != nil {
			return nil, errors.Wrap(err, "load avoid list")
		}
	} else {
		avoid = security.NewAvoidList(cfg.AvoidTTL)
	}

	sec := security.New(seen, cfg.MessageMaxClockSkew, peers, noiseSessions, avoid, delegate)
	fragMgr := fragment.New(cfg.FragmentTimeout)
	relayEngine := relay.New(cfg, peers)

	c := &Core{
		cfg:        cfg,
		identity:   identity,
		delegate:   delegate,
		peers:      peers,
		frag:       fragMgr,
		noise:      noiseSessions,
		sec:        sec,
		store:      store,
		relay:      relayEngine,
		transports: make(map[string]transport.Transport),
	}

	gsync, err := gossip.New(cfg.SeenCapacity, cfg.GCSTargetFPR, cfg.GCSMaxBytes, (*gossipTransport)(c))
	if err != nil {
		return nil, errors.Wrap(err, "construct gossip sync")
	}
	c.gsync = gsync
	c.handler = handler.New(peers, sec, noiseSessions, fragMgr, gsync, delegate, identity.ID)
	c.disp = dispatch.New(sec, peers, c.handler, relayEngine, identity.ID, c.onOutcome)
	return c, nil
}

// gossipTransport adapts Core to gossip.Transport without exposing Core's
// full API to the gossip package.
type gossipTransport Core

func (g *gossipTransport) SendRequestSync(id packet.PeerID, filter []byte) error {
	c := (*Core)(g)
	p := c.newPacket(packet.TypeRequestSync, filter, &id)
	return c.sendToPeerSigned(id, p)
}

func (g *gossipTransport) SendPacket(id packet.PeerID, p *packet.Packet) error {
	c := (*Core)(g)
	if !c.sendToPeer(id, p) {
		return errors.New("no route to peer")
	}
	return nil
}

// AddTransport registers t, keyed by its own id, as an active link MeshCore
// can broadcast over or address a peer through.
func (c *Core) AddTransport(t transport.Transport) {
	c.mu.Lock()
	c.transports[t.ID()] = t
	c.mu.Unlock()
}

// RemoveTransport deregisters a transport by id.
func (c *Core) RemoveTransport(id string) {
	c.mu.Lock()
	delete(c.transports, id)
	c.mu.Unlock()
}

// Start begins periodic announcement and garbage collection, and publishes
// this Core as the process-wide Holder (spec §9's MeshServiceHolder
// redesign).
func (c *Core) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.peers.RunGC(c.cfg.CleanupInterval)
	c.frag.RunGC(c.cfg.FragmentTimeout)
	if c.store != nil {
		c.store.RunGC(c.cfg.CleanupInterval)
	}

	c.wg.Add(1)
	go c.announceLoop()

	setHolder(c)
	logger.Info("mesh core started", "id", c.identity.ID.String())
}

func (c *Core) announceLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.AnnounceInterval)
	defer ticker.Stop()
	c.SendAnnounce()
	for {
		select {
		case <-ticker.C:
			c.SendAnnounce()
		case <-c.stopCh:
			return
		}
	}
}

// Stop signals periodic tasks, sends a LEAVE, drains the dispatcher
// (deadline 200 ms), calls CancelTransfer("") on each transport, and clears
// the Holder. Transports are not closed: the Transport interface has no
// close operation. The Core is not reusable afterward (spec §4.11, §5).
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	transports := make([]transport.Transport, 0, len(c.transports))
	for _, t := range c.transports {
		transports = append(transports, t)
	}
	c.mu.Unlock()

	c.sendLeave("")
	c.wg.Wait()
	c.disp.Stop()
	c.bgWg.Wait()
	c.peers.Stop()
	c.frag.Stop()
	if c.store != nil {
		c.store.Stop()
		_ = c.store.Close()
	}

	for _, t := range transports {
		_ = t.CancelTransfer("")
	}

	clearHolder(c)
	logger.Info("mesh core stopped")
}

// ProcessIncoming is the transport entry point (spec §4.11
// process_incoming): frames a transport received are handed here for
// dispatch, carrying the originating relay address for loop avoidance.
func (c *Core) ProcessIncoming(p *packet.Packet, relayAddress string) {
	c.disp.Submit(&dispatch.Inbound{Packet: p, RelayAddr: relayAddress})
}

// onOutcome is invoked by the dispatcher from a per-peer worker once a
// packet has been fully processed: it forwards deliveries to the host
// delegate and fans out whatever the pipeline produced.
func (c *Core) onOutcome(from packet.PeerID, out dispatch.Outcome) {
	if out.Message != nil && c.delegate != nil {
		c.delegate.OnMessageReceived(*out.Message)
	}
	for _, p := range out.Outbound {
		c.sendToPeer(*p.RecipientID, p)
	}
	if out.Relay != nil {
		c.broadcast(out.Relay, out.RelayAddr)
	}
	if out.NewVerifiedPeer != nil {
		c.onNewVerifiedPeer(*out.NewVerifiedPeer)
	}
}

// onNewVerifiedPeer drains any store-and-forward backlog cached for this
// peer while it was offline, spacing deliveries ~100 ms apart (spec §4.6,
// §4.11, §8 property 9, scenario S5).
func (c *Core) onNewVerifiedPeer(id packet.PeerID) {
	if c.store == nil {
		return
	}
	c.bgWg.Add(1)
	go func() {
		defer c.bgWg.Done()
		err := c.store.DrainTo(id, func(p *packet.Packet) error {
			if !c.sendToPeer(id, p) {
				return errors.New("no route to peer")
			}
			return nil
		})
		if err != nil {
			logger.Warn("store-forward drain failed", "peer", id.String(), "err", err)
		}
	}()
}
