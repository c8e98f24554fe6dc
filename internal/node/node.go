// Package node implements the NodeManager: the boundary between the
// ServerManager and the LoRa radio transceiver driver (§4.4). The driver
// itself is out of scope; this package only defines and speaks the ZeroMQ
// frame boundary toward it (transceiver.go, frame.go) and manages the
// per-uplink session bookkeeping the ServerManager correlates against.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agsys/lorawan-gateway-core/internal/protocol"
	"github.com/google/uuid"
)

var (
	ErrNotInitialized = errors.New("node: not initialized")
	ErrAlreadyRunning = errors.New("node: already running")
	ErrNotRunning     = errors.New("node: not running")
	ErrUnknownSession = errors.New("node: unknown session handle")
)

// UplinkOutcome is the notification vocabulary the ServerManager feeds back
// into NodeManager via SessionEvent (§4.4).
type UplinkOutcome int

const (
	OutcomeAccepted UplinkOutcome = iota
	OutcomeRejected
	OutcomeProgressing
	OutcomeSent
	OutcomeFailed
)

func (o UplinkOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "UPLINK_ACCEPTED"
	case OutcomeRejected:
		return "UPLINK_REJECTED"
	case OutcomeProgressing:
		return "UPLINK_PROGRESSING"
	case OutcomeSent:
		return "UPLINK_SENT"
	case OutcomeFailed:
		return "UPLINK_FAILED"
	default:
		return "UNKNOWN"
	}
}

// LoraSessionPacket is the transient delivery envelope NodeManager hands to
// the ServerManager for every accepted uplink (§3).
type LoraSessionPacket struct {
	Packet        *protocol.LoraPacket
	Info          *protocol.LoraPacketInfo
	SessionHandle uuid.UUID
	SessionID     uint64
}

// session tracks the state NodeManager must keep until the terminal
// UPLINK_SENT/UPLINK_FAILED notification arrives.
type session struct {
	id     uint64
	packet *protocol.LoraPacket // nulled once UPLINK_PROGRESSING is observed
}

// Manager is the NodeManager implementation.
type Manager struct {
	mu          sync.Mutex
	initialized bool
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	tr *transceiver

	sink func(LoraSessionPacket)

	nextSessionID atomic.Uint64
	sessions      map[uuid.UUID]*session
	sessionsMu    sync.Mutex
}

// New constructs an unattached, uninitialized NodeManager.
func New() *Manager {
	return &Manager{sessions: make(map[uuid.UUID]*session)}
}

// Attach registers the direct-notification sink the ServerManager's
// NodeManager-facing task uses to receive LoraSessionPacket deliveries. Must
// be called before Start.
func (m *Manager) Attach(sink func(LoraSessionPacket)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Initialize dials the transceiver boundary.
func (m *Manager) Initialize(ctx context.Context, cfg TransceiverConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return fmt.Errorf("node: %w", ErrAlreadyRunning)
	}
	tr := newTransceiver(cfg)
	if err := tr.dial(ctx); err != nil {
		return err
	}
	tr.onUplink = m.handleUplink
	m.tr = tr
	m.initialized = true
	return nil
}

// Start begins draining uplink events from the transceiver.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.running {
		return ErrAlreadyRunning
	}
	if m.sink == nil {
		return fmt.Errorf("node: Start called before Attach")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tr.run(runCtx)
	}()
	return nil
}

// Stop halts the event loop and closes the transceiver sockets.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.tr.close()
	return nil
}

// handleUplink is the transceiver callback: it allocates a session, stores
// the borrowed packet, and notifies the ServerManager directly.
func (m *Manager) handleUplink(pkt *protocol.LoraPacket, info *protocol.LoraPacketInfo) {
	handle := uuid.New()
	id := m.nextSessionID.Add(1)

	m.sessionsMu.Lock()
	m.sessions[handle] = &session{id: id, packet: pkt}
	m.sessionsMu.Unlock()

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	sink(LoraSessionPacket{Packet: pkt, Info: info, SessionHandle: handle, SessionID: id})
}

// SessionEvent is the ingress by which the ServerManager reports uplink
// outcomes back to NodeManager (§4.4's contract toward the radio side). On
// OutcomeProgressing the borrowed LoraPacket pointer is released, per the
// invariant that it must not be dereferenced afterward. On OutcomeSent or
// OutcomeFailed the session itself is forgotten.
func (m *Manager) SessionEvent(handle uuid.UUID, outcome UplinkOutcome) error {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()

	s, ok := m.sessions[handle]
	if !ok {
		if outcome == OutcomeRejected {
			// A rejection can arrive for a session NodeManager never
			// tracked (pool exhaustion before a slot existed); nothing to
			// release.
			return nil
		}
		return ErrUnknownSession
	}

	switch outcome {
	case OutcomeProgressing:
		s.packet = nil
	case OutcomeSent, OutcomeFailed, OutcomeRejected:
		delete(m.sessions, handle)
	}
	return nil
}

// Downlink hands pkt to the transceiver for scheduled transmission. immediate
// selects transmit-now versus transmit-at-timestamp semantics; the
// ServerManager always passes false, so downlinks are scheduled at the
// timestamp the Network Server specified.
func (m *Manager) Downlink(pkt *protocol.LoraPacket, immediate bool) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	return m.tr.sendDownlink(pkt, immediate)
}

// PendingSessions reports the number of uplinks awaiting a terminal outcome,
// for tests and diagnostics.
func (m *Manager) PendingSessions() int {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return len(m.sessions)
}
