// Package fragment implements FragmentManager (spec §4.3): splitting
// oversize outbound packets and reassembling inbound fragment frames.
package fragment

import (
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	meshlog "github.com/bitchat-mesh/mesh/internal/log"
	"github.com/bitchat-mesh/mesh/mesh/packet"
)

var logger = meshlog.NewModuleLogger(meshlog.Fragment)

type inFlightSet struct {
	originalType uint8
	total        uint16
	parts        map[uint16][]byte
	firstSeen    time.Time
}

// Manager is FragmentManager (spec §4.3).
type Manager struct {
	mu      sync.Mutex
	sets    map[packet.FragmentID]*inFlightSet
	timeout time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Manager. timeout is fragment_timeout_ms (spec §6.4,
// default 30s).
func New(timeout time.Duration) *Manager {
	return &Manager{
		sets:    make(map[packet.FragmentID]*inFlightSet),
		timeout: timeout,
		stopCh:  make(chan struct{}),
	}
}

// RunGC starts the periodic sweep (spec §4.3 "GC every 10 s").
func (m *Manager) RunGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.gc()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the GC loop. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) gc() {
	cutoff := time.Now().Add(-m.timeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, set := range m.sets {
		if set.firstSeen.Before(cutoff) {
			delete(m.sets, id)
			logger.Debug("fragment set expired", "total", set.total, "have", len(set.parts))
		}
	}
}

// CreateFragments splits encoded into fragments if it exceeds
// packet.FragmentThreshold, keeping the original's ttl and sender_id on
// every fragment (spec §4.3). It returns nil, nil if fragmentation isn't
// needed.
func (m *Manager) CreateFragments(p *packet.Packet) ([]*packet.Packet, error) {
	encoded, err := packet.Encode(p)
	if err != nil {
		return nil, err
	}
	if len(encoded) <= packet.FragmentThreshold {
		return nil, nil
	}

	total := (len(p.Payload) + packet.MaxFragmentSize - 1) / packet.MaxFragmentSize
	fragID, err := randomFragmentID()
	if err != nil {
		return nil, err
	}

	frames := make([]*packet.Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * packet.MaxFragmentSize
		end := start + packet.MaxFragmentSize
		if end > len(p.Payload) {
			end = len(p.Payload)
		}
		frame := &packet.FragmentFrame{
			FragmentID:   fragID,
			Index:        uint16(i),
			Total:        uint16(total),
			OriginalType: p.Type,
			Data:         p.Payload[start:end],
		}
		frameType := packet.TypeFragmentContinue
		switch i {
		case 0:
			frameType = packet.TypeFragmentStart
		case total - 1:
			frameType = packet.TypeFragmentEnd
		}
		frames = append(frames, &packet.Packet{
			Version:   packet.CurrentVersion,
			Type:      frameType,
			TTL:       p.TTL,
			Timestamp: p.Timestamp,
			SenderID:  p.SenderID,
			Payload:   packet.EncodeFragment(frame),
		})
	}
	return frames, nil
}

// HandleFragment stores one fragment; once the set holds total distinct
// indexes it reassembles parts 0..total-1 and returns the original packet.
// An out-of-range index still counts toward total, so a set can reach that
// count while missing an index in range; such a set is discarded. A frame
// whose total differs from its set's total also discards the set (spec §4.3).
func (m *Manager) HandleFragment(p *packet.Packet) (*packet.Packet, error) {
	frame, err := packet.DecodeFragment(p.Payload)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	set, ok := m.sets[frame.FragmentID]
	if !ok {
		set = &inFlightSet{
			originalType: frame.OriginalType,
			total:        frame.Total,
			parts:        make(map[uint16][]byte),
			firstSeen:    time.Now(),
		}
		m.sets[frame.FragmentID] = set
	}
	if set.total != frame.Total {
		delete(m.sets, frame.FragmentID)
		m.mu.Unlock()
		return nil, nil
	}
	set.parts[frame.Index] = append([]byte(nil), frame.Data...)
	complete := len(set.parts) == int(set.total)
	var reassembled []byte
	if complete {
		reassembled = make([]byte, 0, int(set.total)*packet.MaxFragmentSize)
		for i := uint16(0); i < set.total; i++ {
			part, ok := set.parts[i]
			if !ok {
				// Missing an index at completion is fatal for this set.
				delete(m.sets, frame.FragmentID)
				m.mu.Unlock()
				return nil, nil
			}
			reassembled = append(reassembled, part...)
		}
		delete(m.sets, frame.FragmentID)
	}
	m.mu.Unlock()

	if !complete {
		return nil, nil
	}
	return &packet.Packet{
		Version:     p.Version,
		Type:        set.originalType,
		TTL:         p.TTL,
		Timestamp:   p.Timestamp,
		SenderID:    p.SenderID,
		RecipientID: p.RecipientID,
		Payload:     reassembled,
	}, nil
}

func randomFragmentID() (packet.FragmentID, error) {
	var id packet.FragmentID
	b, err := uuid.GenerateRandomBytes(8)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}
