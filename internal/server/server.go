// Package server implements the ServerManager: the orchestrator that
// correlates uplink sessions handed up by NodeManager with the ProtocolEngine
// and the active Connector, and routes decoded downlinks and heartbeats the
// other way (§4.5). It is built from three cooperating goroutines, mirroring
// the three-task design of internal/engine's original property-controller
// loop: a main task that owns all ServerUpMessage state transitions, a
// NodeManager-facing handler invoked directly from NodeManager's own
// goroutine, and a connector-facing task that drains whichever connector is
// currently active.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agsys/lorawan-gateway-core/internal/connector"
	"github.com/agsys/lorawan-gateway-core/internal/metrics"
	"github.com/agsys/lorawan-gateway-core/internal/node"
	"github.com/agsys/lorawan-gateway-core/internal/pool"
	"github.com/agsys/lorawan-gateway-core/internal/protocol"
)

var (
	ErrNotRunning          = errors.New("server: not running")
	ErrNoConnector         = errors.New("server: no connector configured")
	ErrAllConnectorsFailed = errors.New("server: every configured connector failed its handshake")
)

// Manager is the ServerManager implementation.
type Manager struct {
	mu    sync.Mutex
	state State
	cfg   Config

	engine *protocol.Engine
	pool   *pool.Pool[*upMessage]
	hbMsg  *upMessage // dedicated heartbeat object, slot id protocol.HeartbeatSlotID

	connectors []*connector.Descriptor
	activeIdx  int // index into connectors, -1 if none active

	node *node.Manager

	mainCh  chan mainEvent
	connCh  chan connEvent
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	heartbeatTick time.Duration
}

// connEvent wraps a connector.Event with the descriptor that emitted it. The
// connector-facing task reads connector.Event values straight from the
// active connector and does not use connEvent or connCh.
type connEvent struct {
	desc *connector.Descriptor
	ev   connector.Event
}

// New constructs a ServerManager bound to nodeMgr. Call Initialize then
// Start to bring it up.
func New(cfg Config, nodeMgr *node.Manager) *Manager {
	if cfg.UpMessagePoolSize <= 0 {
		cfg.UpMessagePoolSize = 16
	}
	if cfg.UpMessagePoolSize > int(protocol.HeartbeatSlotID) {
		cfg.UpMessagePoolSize = int(protocol.HeartbeatSlotID)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	m := &Manager{
		state:         StateCreating,
		cfg:           cfg,
		pool:          pool.New[*upMessage](cfg.UpMessagePoolSize),
		hbMsg:         &upMessage{slotID: protocol.HeartbeatSlotID},
		node:          nodeMgr,
		activeIdx:     -1,
		mainCh:        make(chan mainEvent, 64),
		connCh:        make(chan connEvent, 64),
		heartbeatTick: time.Second,
	}
	for _, c := range cfg.Connectors {
		m.connectors = append(m.connectors, connector.NewDescriptor(c.Name, c.Conn))
	}
	m.state = StateCreated
	metrics.UpMessagePoolCapacity.Set(float64(cfg.UpMessagePoolSize))
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Initialize constructs the ProtocolEngine, then tries each configured
// connector in order until one completes its handshake (Initialize, Start,
// and a forced-heartbeat SendReceive round trip), and marks it active (§4.5).
func (m *Manager) Initialize(ctx context.Context) error {
	if len(m.connectors) == 0 {
		m.setState(StateError)
		return ErrNoConnector
	}

	gatewayID := protocol.DeriveGatewayID(m.cfg.GatewayMAC)
	m.engine = protocol.NewEngine(protocol.Config{
		Version:         m.cfg.ProtocolVersion,
		GatewayID:       gatewayID,
		HeartbeatPeriod: m.cfg.HeartbeatPeriod,
	})

	for i, d := range m.connectors {
		settings := m.cfg.Connectors[i].Settings
		settings.GatewayMAC = m.cfg.GatewayMAC
		if err := d.Conn.Initialize(ctx, settings); err != nil {
			log.Printf("server: connector %s failed to initialize: %v", d.Name, err)
			continue
		}
		if err := d.Conn.Start(ctx); err != nil {
			log.Printf("server: connector %s failed to start: %v", d.Name, err)
			continue
		}
		res, err := m.engine.BuildUplinkMessage(protocol.BuildUplinkRequest{Kind: protocol.UplinkHeartbeat, ForceHeartbeat: true})
		if err != nil || !res.Built {
			log.Printf("server: connector %s handshake build failed: %v", d.Name, err)
			d.Conn.Stop(ctx)
			continue
		}
		reply, err := d.Conn.SendReceive(ctx, res.Payload, m.cfg.CommandTimeout)
		if err != nil {
			log.Printf("server: connector %s handshake round trip failed: %v", d.Name, err)
			m.engine.ProcessSessionEvent(protocol.SessionEventCanceled, res.CompositeID)
			d.Conn.Stop(ctx)
			continue
		}
		result := m.engine.ProcessServerMessage(reply)
		if result.Code != protocol.SessionUplinkTerminated {
			log.Printf("server: connector %s handshake rejected: %v", d.Name, result.Code)
			d.Conn.Stop(ctx)
			continue
		}
		m.engine.ProcessSessionEvent(protocol.SessionEventReleased, result.CompositeID)
		d.SetActive(true)
		m.activeIdx = i
		metrics.ActiveConnector.WithLabelValues(d.Name).Set(1)
		log.Printf("server: connector %s active after handshake", d.Name)
		break
	}

	if m.activeIdx < 0 {
		m.setState(StateError)
		return ErrAllConnectorsFailed
	}

	m.setState(StateInitialized)
	return nil
}

// Start wires itself to NodeManager and launches the main and
// connector-facing tasks.
func (m *Manager) Start(ctx context.Context) error {
	if m.State() != StateInitialized {
		return fmt.Errorf("server: Start called from state %v", m.State())
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.node.Attach(m.handleUplinkFromNode)

	m.wg.Add(2)
	go m.mainTask(runCtx)
	go m.connectorFacingTask(runCtx)

	m.setState(StateRunning)
	return nil
}

// Stop halts both tasks and tears down every connector.
func (m *Manager) Stop(ctx context.Context) error {
	if m.State() != StateRunning {
		return ErrNotRunning
	}
	m.setState(StateStopping)
	m.cancel()
	m.wg.Wait()
	for _, d := range m.connectors {
		d.Conn.Stop(ctx)
	}
	m.setState(StateTerminated)
	return nil
}

// handleUplinkFromNode is the NodeManager-facing task (§4.5): it runs
// directly on the goroutine NodeManager calls it from, validates RUNNING,
// acquires a ServerUpMessage slot, and tells NodeManager whether the uplink
// was accepted before handing the slot id to the main task.
func (m *Manager) handleUplinkFromNode(sp node.LoraSessionPacket) {
	if m.State() != StateRunning {
		m.node.SessionEvent(sp.SessionHandle, node.OutcomeRejected)
		metrics.UplinkOutcomes.WithLabelValues("rejected_not_running").Inc()
		return
	}

	idx, err := m.pool.Acquire()
	if err != nil {
		// Saturation by pending sends only: reject and stay RUNNING. See
		// DESIGN.md for why the ERROR transition is unreachable here.
		m.node.SessionEvent(sp.SessionHandle, node.OutcomeRejected)
		metrics.UplinkOutcomes.WithLabelValues("rejected_pool_exhausted").Inc()
		return
	}

	msg := &upMessage{
		slotID:        uint16(idx),
		state:         UpMessageCreated,
		packet:        sp.Packet,
		info:          sp.Info,
		sessionHandle: sp.SessionHandle,
		sessionID:     sp.SessionID,
	}
	m.pool.Set(idx, msg)
	m.pool.MarkReady(idx)
	metrics.UpMessagePoolInUse.Set(float64(m.pool.InUse()))

	m.node.SessionEvent(sp.SessionHandle, node.OutcomeAccepted)
	metrics.UplinkOutcomes.WithLabelValues("accepted").Inc()

	select {
	case m.mainCh <- mainEvent{kind: evUplinkReceived, slotID: uint16(idx)}:
	default:
		log.Printf("server: main task inbox full, dropping slot %d", idx)
	}
}

// getMessage resolves a slot id to its upMessage, routing the reserved
// heartbeat slot to the dedicated object instead of the pool.
func (m *Manager) getMessage(slotID uint16) (*upMessage, bool) {
	if slotID == protocol.HeartbeatSlotID {
		return m.hbMsg, true
	}
	return m.pool.Get(int(slotID))
}

// mainTask owns every ServerUpMessage state transition and the idle-time
// heartbeat poll (§4.5).
func (m *Manager) mainTask(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.mainCh:
			m.handleMainEvent(ev)
		case <-ticker.C:
			m.pollHeartbeat()
		}
	}
}

func (m *Manager) handleMainEvent(ev mainEvent) {
	switch ev.kind {
	case evUplinkReceived:
		m.onUplinkReceived(ev.slotID)
	case evUplinkPrepared:
		m.onUplinkPrepared(ev.slotID)
	case evUplinkSent:
		m.onUplinkOutcome(ev.compositeID, protocol.SessionEventSent)
	case evUplinkSendFailed:
		m.onUplinkOutcome(ev.compositeID, protocol.SessionEventSendFailed)
	case evUplinkTerminated:
		m.onUplinkTerminated(ev.compositeID, ev.sessionCode)
	}
}

func (m *Manager) onUplinkReceived(slotID uint16) {
	msg, ok := m.getMessage(slotID)
	if !ok {
		return
	}
	res, err := m.engine.BuildUplinkMessage(protocol.BuildUplinkRequest{
		Kind:   protocol.UplinkLoRaData,
		SlotID: slotID,
		Packet: msg.packet,
		Info:   msg.info,
	})
	if err != nil || !res.Built {
		log.Printf("server: slot %d failed to build uplink message: %v", slotID, err)
		m.finishUplink(msg, node.OutcomeFailed)
		return
	}
	msg.compositeID = res.CompositeID
	msg.payload = res.Payload
	msg.state = UpMessagePrepared

	// The borrowed LoraPacket pointer must not be dereferenced past this
	// point; NodeManager releases it on OutcomeProgressing.
	m.node.SessionEvent(msg.sessionHandle, node.OutcomeProgressing)
	msg.packet = nil
	msg.info = nil

	select {
	case m.mainCh <- mainEvent{kind: evUplinkPrepared, slotID: slotID}:
	default:
		log.Printf("server: main task inbox full, dropping prepared slot %d", slotID)
	}
}

func (m *Manager) onUplinkPrepared(slotID uint16) {
	msg, ok := m.getMessage(slotID)
	if !ok {
		return
	}
	d := m.activeDescriptor()
	if d == nil {
		m.finishUplink(msg, node.OutcomeFailed)
		return
	}
	msg.state = UpMessageSending
	msg.connectorName = d.Name
	if err := d.Conn.Send(context.Background(), msg.compositeID, msg.payload); err != nil {
		log.Printf("server: connector %s rejected slot %d: %v", d.Name, slotID, err)
		m.onUplinkOutcome(msg.compositeID, protocol.SessionEventSendFailed)
	}
}

func (m *Manager) onUplinkOutcome(compositeID uint32, event protocol.SessionEvent) {
	code := m.engine.ProcessSessionEvent(event, compositeID)
	slotID, _ := protocol.DecomposeID(compositeID)
	msg, ok := m.getMessage(slotID)
	if !ok {
		return
	}
	switch {
	case code == protocol.SessionUplinkProgressing:
		msg.state = UpMessageSent
	case code.IsUplinkSessionEvent():
		m.terminate(msg, code)
	default:
		log.Printf("server: slot %d session event %v produced %v", slotID, event, code)
	}
}

func (m *Manager) onUplinkTerminated(compositeID uint32, code protocol.SessionCode) {
	slotID, _ := protocol.DecomposeID(compositeID)
	msg, ok := m.getMessage(slotID)
	if !ok {
		return
	}
	m.terminate(msg, code)
}

// terminate reports the terminal outcome to NodeManager (skipped for the
// heartbeat slot, which NodeManager never hears about), releases the
// transaction, and frees the pool slot.
func (m *Manager) terminate(msg *upMessage, code protocol.SessionCode) {
	outcome := node.OutcomeSent
	if code == protocol.SessionUplinkFailed {
		outcome = node.OutcomeFailed
	}
	if msg.slotID != protocol.HeartbeatSlotID {
		m.finishUplink(msg, outcome)
	}
	m.engine.ProcessSessionEvent(protocol.SessionEventReleased, msg.compositeID)
	if outcome == node.OutcomeSent {
		metrics.UplinkOutcomes.WithLabelValues("sent").Inc()
	} else {
		metrics.UplinkOutcomes.WithLabelValues("failed").Inc()
	}
}

// finishUplink reports outcome to NodeManager and releases the pool slot.
// Must not be called for the heartbeat object.
func (m *Manager) finishUplink(msg *upMessage, outcome node.UplinkOutcome) {
	m.node.SessionEvent(msg.sessionHandle, outcome)
	msg.state = UpMessageTerminated
	if outcome == node.OutcomeFailed {
		msg.state = UpMessageFailed
	}
	if outcome == node.OutcomeSent {
		metrics.UplinkOutcomes.WithLabelValues("sent").Inc()
	} else {
		metrics.UplinkOutcomes.WithLabelValues("failed").Inc()
	}
	m.pool.Release(int(msg.slotID))
	metrics.UpMessagePoolInUse.Set(float64(m.pool.InUse()))
}

// pollHeartbeat asks the engine whether a keepalive is due and, if so, sends
// it over the active connector without ever touching NodeManager or the
// ServerUpMessage pool.
func (m *Manager) pollHeartbeat() {
	res, err := m.engine.BuildUplinkMessage(protocol.BuildUplinkRequest{Kind: protocol.UplinkHeartbeat})
	if err != nil {
		log.Printf("server: heartbeat build error: %v", err)
		return
	}
	if !res.Built {
		return
	}
	d := m.activeDescriptor()
	if d == nil {
		return
	}
	m.hbMsg.compositeID = res.CompositeID
	m.hbMsg.state = UpMessageSending
	if err := d.Conn.Send(context.Background(), res.CompositeID, res.Payload); err != nil {
		log.Printf("server: heartbeat send failed on %s: %v", d.Name, err)
		m.engine.ProcessSessionEvent(protocol.SessionEventSendFailed, res.CompositeID)
		return
	}
	metrics.HeartbeatsSent.Inc()
}

// connectorFacingTask drains whichever connector is currently active,
// forwarding SERVERMSG_EVENT occurrences to the main task as-is and decoding
// DOWNLINK_RECEIVED payloads through the ProtocolEngine directly, since
// decoding does not touch ServerUpMessage state (§4.5).
func (m *Manager) connectorFacingTask(ctx context.Context) {
	defer m.wg.Done()
	for {
		d := m.activeDescriptor()
		if d == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.Conn.Events():
			if !ok {
				continue
			}
			m.handleConnectorEvent(d, ev)
		}
	}
}

func (m *Manager) handleConnectorEvent(d *connector.Descriptor, ev connector.Event) {
	switch ev.Kind {
	case connector.EventServerMsg:
		kind := evUplinkSent
		if ev.Outcome == connector.OutcomeSendFailed {
			kind = evUplinkSendFailed
		}
		select {
		case m.mainCh <- mainEvent{kind: kind, compositeID: ev.CompositeID}:
		default:
			log.Printf("server: main task inbox full, dropping server-msg event")
		}

	case connector.EventDownlinkReceived:
		result := m.engine.ProcessServerMessage(ev.Downlink.Data)
		if err := d.Conn.DownlinkReceived(ev.Downlink.LocalID); err != nil {
			log.Printf("server: failed to release downlink slot %d: %v", ev.Downlink.LocalID, err)
		}
		switch {
		case result.Code.IsUplinkSessionEvent():
			select {
			case m.mainCh <- mainEvent{kind: evUplinkTerminated, compositeID: result.CompositeID, sessionCode: result.Code}:
			default:
				log.Printf("server: main task inbox full, dropping terminated event")
			}
		case result.Code == protocol.SessionDownlinkPrepared:
			if err := m.node.Downlink(result.DownlinkPacket, false); err != nil {
				log.Printf("server: failed to forward downlink to node manager: %v", err)
				return
			}
			metrics.DownlinksDelivered.Inc()
		default:
			log.Printf("server: connector %s delivered malformed server message: %v", d.Name, result.Code)
		}
	}
}

func (m *Manager) activeDescriptor() *connector.Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeIdx < 0 || m.activeIdx >= len(m.connectors) {
		return nil
	}
	return m.connectors[m.activeIdx]
}

// PoolInUse reports how many ServerUpMessage slots are currently allocated,
// for tests and diagnostics.
func (m *Manager) PoolInUse() int {
	return m.pool.InUse()
}
