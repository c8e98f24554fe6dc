package server

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/agsys/lorawan-gateway-core/internal/connector"
	"github.com/agsys/lorawan-gateway-core/internal/node"
	"github.com/agsys/lorawan-gateway-core/internal/protocol"
	"github.com/go-zeromq/zmq4"
)

// fakeConnector is a minimal in-memory connector.Itf used to exercise the
// ServerManager without opening real sockets.
type fakeConnector struct {
	mu     sync.Mutex
	state  connector.State
	events chan connector.Event
	sent   [][]byte
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{state: connector.StateCreated, events: make(chan connector.Event, 16)}
}

func (f *fakeConnector) Initialize(ctx context.Context, settings connector.Settings) error {
	f.mu.Lock()
	f.state = connector.StateInitialized
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) Start(ctx context.Context) error {
	f.mu.Lock()
	f.state = connector.StateRunning
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.state = connector.StateTerminated
	f.mu.Unlock()
	return nil
}

func (f *fakeConnector) Send(ctx context.Context, compositeID uint32, payload []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, payload)
	f.mu.Unlock()
	f.events <- connector.Event{Kind: connector.EventServerMsg, CompositeID: compositeID, Outcome: connector.OutcomeSent}
	return nil
}

// SendReceive answers the handshake probe with a PUSH_ACK matching the
// request's token, emulating a cooperative Network Server test double.
func (f *fakeConnector) SendReceive(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	token := binary.BigEndian.Uint16(payload[1:3])
	return protocol.EncodeAck(payload[0], token), nil
}

func (f *fakeConnector) DownlinkReceived(localID int) error { return nil }

func (f *fakeConnector) Events() <-chan connector.Event { return f.events }

func (f *fakeConnector) State() connector.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnector) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

var _ connector.Itf = (*fakeConnector)(nil)

// fakeDriver stands in for the out-of-scope radio driver, identical in
// shape to node's own test double, so the ServerManager can be driven
// end-to-end through a real node.Manager.
type fakeDriver struct {
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
}

func startFakeDriver(t *testing.T, eventURL, cmdURL string) *fakeDriver {
	t.Helper()
	ctx := context.Background()

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(eventURL); err != nil {
		t.Fatalf("listen event: %v", err)
	}
	rep := zmq4.NewRep(ctx)
	if err := rep.Listen(cmdURL); err != nil {
		t.Fatalf("listen cmd: %v", err)
	}
	d := &fakeDriver{eventSock: pub, cmdSock: rep}
	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			ack := make([]byte, 5)
			if len(msg.Frames) == 2 && len(msg.Frames[1]) >= 4 {
				copy(ack[0:4], msg.Frames[1][0:4])
			}
			rep.Send(zmq4.NewMsgFrom(ack))
		}
	}()
	return d
}

func (d *fakeDriver) publishUplink(frame []byte) error {
	return d.eventSock.Send(zmq4.NewMsgFrom([]byte("up"), frame))
}

func (d *fakeDriver) close() {
	d.eventSock.Close()
	d.cmdSock.Close()
}

func newTestNodeManager(t *testing.T, eventURL, cmdURL string) *node.Manager {
	t.Helper()
	m := node.New()
	if err := m.Initialize(context.Background(), node.TransceiverConfig{EventURL: eventURL, CommandURL: cmdURL}); err != nil {
		t.Fatalf("node Initialize: %v", err)
	}
	return m
}

func TestServerManagerHandshakeSelectsConnector(t *testing.T) {
	nodeMgr := newTestNodeManager(t, "inproc://srv-test-events-1", "inproc://srv-test-cmd-1")
	fc := newFakeConnector()
	cfg := Config{
		ProtocolVersion:   1,
		HeartbeatPeriod:   time.Minute,
		UpMessagePoolSize: 4,
		CommandTimeout:    time.Second,
		Connectors:        []ConnectorConfig{{Name: "primary", Conn: fc, Settings: connector.Settings{}}},
	}
	sm := New(cfg, nodeMgr)
	if err := sm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if sm.State() != StateInitialized {
		t.Fatalf("state = %v; want INITIALIZED", sm.State())
	}
	if d := sm.activeDescriptor(); d == nil || d.Name != "primary" {
		t.Fatalf("expected primary connector to be active")
	}
}

func TestServerManagerUplinkRoundTrip(t *testing.T) {
	eventURL, cmdURL := "inproc://srv-test-events-2", "inproc://srv-test-cmd-2"
	driver := startFakeDriver(t, eventURL, cmdURL)
	defer driver.close()

	nodeMgr := newTestNodeManager(t, eventURL, cmdURL)
	fc := newFakeConnector()
	cfg := Config{
		ProtocolVersion:   1,
		HeartbeatPeriod:   time.Minute,
		UpMessagePoolSize: 4,
		CommandTimeout:    time.Second,
		Connectors:        []ConnectorConfig{{Name: "primary", Conn: fc, Settings: connector.Settings{}}},
	}
	sm := New(cfg, nodeMgr)
	if err := sm.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sm.Start(context.Background()); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer sm.Stop(context.Background())
	if err := nodeMgr.Start(context.Background()); err != nil {
		t.Fatalf("node Start: %v", err)
	}
	defer nodeMgr.Stop()

	time.Sleep(100 * time.Millisecond) // sub/pub slow-joiner

	frame := uplinkFrameForTest(42, []byte{0xAA, 0xBB})
	if err := driver.publishUplink(frame); err != nil {
		t.Fatalf("publishUplink: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for fc.lastSent() == nil {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for connector to receive the uplink")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sent := fc.lastSent()
	token := binary.BigEndian.Uint16(sent[1:3])
	ack := protocol.EncodeAck(sent[0], token)
	fc.events <- connector.Event{Kind: connector.EventDownlinkReceived, Downlink: &connector.DownlinkMessage{LocalID: 0, Data: ack}}

	deadline = time.After(2 * time.Second)
	for sm.PoolInUse() != 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the uplink session to terminate")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// uplinkFrameForTest builds a minimal wire frame matching internal/node's
// private framing, duplicated here since that encoder is unexported.
func uplinkFrameForTest(tmst uint32, payload []byte) []byte {
	buf := make([]byte, 25+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], tmst)
	binary.BigEndian.PutUint32(buf[4:8], 0)     // chan
	buf[8] = 7                                  // sf
	binary.BigEndian.PutUint32(buf[9:13], 125000) // bw
	buf[13] = 1                                 // cr 4/5
	binary.BigEndian.PutUint32(buf[14:18], 0)   // rssi
	binary.BigEndian.PutUint32(buf[18:22], 0)   // snr bits
	buf[22] = 1                                 // crc ok
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(payload)))
	copy(buf[25:], payload)
	return buf
}
