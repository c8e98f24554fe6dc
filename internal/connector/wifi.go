package connector

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/agsys/lorawan-gateway-core/internal/pool"
)

// WifiConfig configures a WifiConnector.
type WifiConfig struct {
	DownlinkPoolSize int // fixed capacity of the receive-side message pool
	CommandTimeout   time.Duration
}

// DefaultWifiConfig returns sane defaults for a WifiConnector.
func DefaultWifiConfig() WifiConfig {
	return WifiConfig{DownlinkPoolSize: 8, CommandTimeout: 5 * time.Second}
}

// WifiConnector is the reference ConnectorItf implementation: a Wi-Fi
// network assumed already joined by the host, carrying UDP datagrams to the
// configured Network Server. It owns one receive task (reads datagrams into
// a fixed downlink pool and emits events). Commands run on the caller's
// goroutine; Initialize, Start and Stop are serialized by cmdMu.
type WifiConnector struct {
	cfg WifiConfig

	mu        sync.Mutex
	state     State
	substate  ConnSubstate
	settings  Settings
	conn      *net.UDPConn
	serverUDP *net.UDPAddr

	events  chan Event
	pool    *pool.Pool[*DownlinkMessage]
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// cmdMu serializes public commands so reentry while one is pending is
	// rejected, per §5's command/done pairing.
	cmdMu sync.Mutex
}

// NewWifiConnector constructs a WifiConnector in the CREATED state.
func NewWifiConnector(cfg WifiConfig) *WifiConnector {
	if cfg.DownlinkPoolSize <= 0 {
		cfg.DownlinkPoolSize = 8
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	return &WifiConnector{
		cfg:    cfg,
		state:  StateCreated,
		events: make(chan Event, 64),
		pool:   pool.New[*DownlinkMessage](cfg.DownlinkPoolSize),
	}
}

func (w *WifiConnector) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WifiConnector) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *WifiConnector) Substate() ConnSubstate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.substate
}

func (w *WifiConnector) setSubstate(s ConnSubstate) {
	w.mu.Lock()
	w.substate = s
	w.mu.Unlock()
}

// Initialize resolves the Network Server address and, if configured,
// performs the SNTP-style clock sync retry documented in SPEC_FULL.md (ten
// attempts at two-second spacing). A resolve failure is fatal: the
// connector moves to ERROR.
func (w *WifiConnector) Initialize(ctx context.Context, settings Settings) error {
	if !w.cmdMu.TryLock() {
		return ErrCommandPending
	}
	defer w.cmdMu.Unlock()

	if w.State() != StateCreated {
		return ErrNotInitialized
	}

	w.setSubstate(SubstateConnectingNetwork)
	w.settings = settings

	addr := fmt.Sprintf("%s:%d", settings.NetworkServerURL, settings.NetworkServerPort)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		w.setState(StateError)
		return fmt.Errorf("connector: resolve network server: %w", err)
	}
	w.serverUDP = udpAddr
	w.setSubstate(SubstateNetworkConnected)

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		w.setState(StateError)
		return fmt.Errorf("connector: open udp socket: %w", err)
	}
	w.conn = conn

	if settings.SNTPServerURL != "" {
		w.syncClock(ctx, settings)
	}

	w.setSubstate(SubstateConnectingServer)
	w.setState(StateInitialized)
	return nil
}

// syncClock simulates the SNTP retry cap: up to 10 attempts at 2s spacing.
// The host clock itself is not slewed here (that collaborator is out of
// scope); this only bounds how long Initialize waits before giving up.
func (w *WifiConnector) syncClock(ctx context.Context, settings Settings) {
	const maxAttempts = 10
	const retryDelay = 2 * time.Second
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := net.ResolveUDPAddr("udp", settings.SNTPServerURL); err == nil {
			return
		}
		log.Printf("connector: sntp sync attempt %d/%d failed", attempt+1, maxAttempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
	log.Printf("connector: sntp sync abandoned after %d attempts, proceeding with local clock", maxAttempts)
}

// Start begins the connector's receive task.
func (w *WifiConnector) Start(ctx context.Context) error {
	if !w.cmdMu.TryLock() {
		return ErrCommandPending
	}
	defer w.cmdMu.Unlock()

	st := w.State()
	if st != StateInitialized && st != StateIdle {
		return ErrNotInitialized
	}

	w.stopCh = make(chan struct{})
	w.setState(StateRunning)
	w.setSubstate(SubstateServerConnected)

	w.wg.Add(1)
	go w.receiveLoop(ctx)
	return nil
}

// Stop halts the receive task and closes the socket.
func (w *WifiConnector) Stop(ctx context.Context) error {
	if !w.cmdMu.TryLock() {
		return ErrCommandPending
	}
	defer w.cmdMu.Unlock()

	if w.State() != StateRunning {
		return ErrNotRunning
	}
	w.setState(StateStopping)
	close(w.stopCh)
	if w.conn != nil {
		w.conn.Close()
	}
	w.wg.Wait()
	w.setState(StateTerminated)
	w.setSubstate(SubstateDisconnected)
	return nil
}

// Send transmits payload asynchronously. Acceptance (nil error) only means
// the datagram was handed to the socket; outcome is reported later as an
// EventServerMsg.
func (w *WifiConnector) Send(ctx context.Context, compositeID uint32, payload []byte) error {
	if w.State() != StateRunning {
		return ErrNotRunning
	}
	deadline := w.settings.SendTimeout
	if deadline <= 0 {
		deadline = w.cfg.CommandTimeout
	}
	w.conn.SetWriteDeadline(time.Now().Add(deadline))
	_, err := w.conn.WriteToUDP(payload, w.serverUDP)
	outcome := OutcomeSent
	if err != nil {
		outcome = OutcomeSendFailed
	}
	w.emit(Event{Kind: EventServerMsg, CompositeID: compositeID, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("connector: send failed: %w", err)
	}
	return nil
}

// SendReceive performs the single synchronous handshake probe (§4.2): send
// payload, then block for one reply with the given timeout.
func (w *WifiConnector) SendReceive(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	if w.conn == nil || w.serverUDP == nil {
		return nil, ErrNotInitialized
	}
	w.conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := w.conn.WriteToUDP(payload, w.serverUDP); err != nil {
		return nil, fmt.Errorf("connector: handshake send: %w", err)
	}
	buf := make([]byte, 2048)
	w.conn.SetReadDeadline(time.Now().Add(timeout))
	n, _, err := w.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, fmt.Errorf("connector: handshake receive: %w", err)
	}
	return buf[:n], nil
}

// DownlinkReceived releases a downlink pool slot. Once released, the local
// id may be reused by a future Acquire.
func (w *WifiConnector) DownlinkReceived(localID int) error {
	return w.pool.Release(localID)
}

// Events returns the channel the ServerManager's connector-facing task
// drains.
func (w *WifiConnector) Events() <-chan Event {
	return w.events
}

func (w *WifiConnector) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		log.Printf("connector: event queue full, dropping %v", ev.Kind)
	}
}

// receiveLoop reads datagrams with a bounded timeout so it observes
// termination at the next iteration, per §5's cancellation model.
func (w *WifiConnector) receiveLoop(ctx context.Context) {
	defer w.wg.Done()
	buf := make([]byte, 2048)
	recvTimeout := w.settings.RecvTimeout
	if recvTimeout <= 0 {
		recvTimeout = 2 * time.Second
	}
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		w.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, _, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-w.stopCh:
				return
			default:
			}
			continue
		}

		idx, err := w.pool.Acquire()
		if err != nil {
			log.Printf("connector: downlink pool exhausted, dropping datagram")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		msg := &DownlinkMessage{LocalID: idx, ReceivedAt: time.Now(), Data: data}
		w.pool.Set(idx, msg)
		w.pool.MarkReady(idx)
		w.emit(Event{Kind: EventDownlinkReceived, Downlink: msg})
	}
}

var _ Itf = (*WifiConnector)(nil)
