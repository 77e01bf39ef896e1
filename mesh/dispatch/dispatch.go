// Package dispatch implements PacketDispatcher (spec §4.10): per-peer
// serialized inbound processing, giving per-source ordering while letting
// different peers' work run in parallel.
package dispatch

import (
	"sync"
	"time"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/handler"
	"github.com/bitchat-mesh/mesh/mesh/packet"
	"github.com/bitchat-mesh/mesh/mesh/peer"
	"github.com/bitchat-mesh/mesh/mesh/relay"
	"github.com/bitchat-mesh/mesh/mesh/security"
)

var logger = meshlog.NewModuleLogger(meshlog.Dispatch)

// Inbound is one frame arriving off a transport, carrying the link it
// arrived on for loop avoidance (spec §4.9 relay_address).
type Inbound struct {
	Packet    *packet.Packet
	RelayAddr string
}

// Outcome is what processing one Inbound produced, for the caller (MeshCore)
// to act on: a delivery to the UI delegate, any packets to send as a direct
// reply, and a packet to relay onward.
type Outcome struct {
	Message         *handler.BitchatMessage
	Outbound        []*packet.Packet
	Relay           *packet.Packet
	RelayAddr       string // link Relay arrived on; must not be re-sent down it
	NewVerifiedPeer *packet.PeerID
}

// queueDepth bounds each per-peer channel; a slow consumer applies
// backpressure to that peer's link without blocking other peers.
const queueDepth = 64

type peerQueue struct {
	ch   chan *Inbound
	done chan struct{}
}

// Dispatcher is PacketDispatcher (spec §4.10).
type Dispatcher struct {
	mu     sync.Mutex
	queues map[packet.PeerID]*peerQueue
	wg     sync.WaitGroup

	sec     *security.Security
	peers   *peer.Registry
	handler *handler.Handler
	relay   *relay.Engine
	localID packet.PeerID

	onOutcome func(from packet.PeerID, out Outcome)

	closed bool
}

// New constructs a Dispatcher. onOutcome is called once per processed
// packet, from the per-peer worker goroutine, with whatever the pipeline
// produced.
func New(sec *security.Security, peers *peer.Registry, h *handler.Handler, relayEngine *relay.Engine, localID packet.PeerID, onOutcome func(from packet.PeerID, out Outcome)) *Dispatcher {
	return &Dispatcher{
		queues:    make(map[packet.PeerID]*peerQueue),
		sec:       sec,
		peers:     peers,
		handler:   h,
		relay:     relayEngine,
		localID:   localID,
		onOutcome: onOutcome,
	}
}

// Submit enqueues in for processing on its sender's serialized queue,
// creating the queue on first contact. It blocks if that peer's queue is
// full (backpressure), and is a no-op once Stop has been called.
func (d *Dispatcher) Submit(in *Inbound) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[in.Packet.SenderID]
	if !ok {
		q = &peerQueue{ch: make(chan *Inbound, queueDepth), done: make(chan struct{})}
		d.queues[in.Packet.SenderID] = q
		d.wg.Add(1)
		go d.worker(in.Packet.SenderID, q)
	}
	d.mu.Unlock()
	q.ch <- in
}

func (d *Dispatcher) worker(id packet.PeerID, q *peerQueue) {
	defer d.wg.Done()
	for {
		select {
		case in, ok := <-q.ch:
			if !ok {
				return
			}
			d.process(in)
		case <-q.done:
			return
		}
	}
}

func (d *Dispatcher) process(in *Inbound) {
	verdict := d.sec.Validate(in.Packet, d.localID)
	if verdict != security.Accept {
		return
	}

	res, err := d.handler.Handle(in.Packet)
	if err != nil {
		logger.Warn("handler failed", "peer", in.Packet.SenderID.String(), "type", in.Packet.Type, "err", err)
		return
	}

	d.peers.UpdateLastSeen(in.Packet.SenderID)

	out := Outcome{Outbound: res.Outbound, NewVerifiedPeer: res.NewVerifiedPeer}
	if res.Message != nil {
		out.Message = res.Message
	}
	if res.Reassembled != nil {
		// A completed fragment set re-enters the pipeline from the top as
		// though it had just arrived whole, on the same peer's queue so
		// ordering is preserved.
		d.Submit(&Inbound{Packet: res.Reassembled, RelayAddr: in.RelayAddr})
	}

	// Relay eligibility runs unconditionally, independent of reassembly: a
	// completing fragment frame still needs to propagate to the next hop,
	// same as any other accepted packet (spec §4.10).
	if d.relay != nil {
		if relayed, ok := d.relay.ShouldRelay(in.Packet, d.localID); ok {
			out.Relay = relayed
			out.RelayAddr = in.RelayAddr
		}
	}

	if d.onOutcome != nil {
		d.onOutcome(in.Packet.SenderID, out)
	}
}

// Stop drains every per-peer queue (spec §4.10, §5 "deadline 200 ms") and
// cancels the workers. Once stopped, Submit becomes a no-op.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := make([]*peerQueue, 0, len(d.queues))
	for _, q := range d.queues {
		queues = append(queues, q)
	}
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		for _, q := range queues {
			for len(q.ch) > 0 {
				time.Sleep(time.Millisecond)
			}
			close(q.done)
		}
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(200 * time.Millisecond):
		logger.Warn("dispatcher shutdown deadline exceeded, forcing stop")
		for _, q := range queues {
			select {
			case <-q.done:
			default:
				close(q.done)
			}
		}
	}
}
