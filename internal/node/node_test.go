package node

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/agsys/lorawan-gateway-core/internal/protocol"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
)

// fakeTransceiverDriver stands in for the out-of-scope radio driver: it
// binds the two sockets NodeManager dials and answers downlink commands
// with a fixed OK ack, letting tests drive uplink/downlink traffic without a
// real transceiver.
type fakeTransceiverDriver struct {
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
}

func startFakeDriver(t *testing.T, eventURL, cmdURL string) *fakeTransceiverDriver {
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

	d := &fakeTransceiverDriver{eventSock: pub, cmdSock: rep}
	go func() {
		for {
			msg, err := rep.Recv()
			if err != nil {
				return
			}
			if len(msg.Frames) == 0 {
				continue
			}
			var reply zmq4.Msg
			switch string(msg.Frames[0]) {
			case "down":
				dlID := binary.BigEndian.Uint32(msg.Frames[1][0:4])
				ack := make([]byte, txAckLen)
				binary.BigEndian.PutUint32(ack[0:4], dlID)
				ack[4] = byte(TxAckOK)
				reply = zmq4.NewMsgFrom(ack)
			default:
				reply = zmq4.NewMsgFrom([]byte{})
			}
			rep.Send(reply)
		}
	}()
	return d
}

func (d *fakeTransceiverDriver) publishUplink(pkt *protocol.LoraPacket, info *protocol.LoraPacketInfo) error {
	frame := marshalUplinkFrame(pkt, info)
	return d.eventSock.Send(zmq4.NewMsgFrom([]byte("up"), frame))
}

func (d *fakeTransceiverDriver) close() {
	d.eventSock.Close()
	d.cmdSock.Close()
}

func TestNodeManagerDeliversUplinkSession(t *testing.T) {
	eventURL := "inproc://node-test-events"
	cmdURL := "inproc://node-test-cmd"
	driver := startFakeDriver(t, eventURL, cmdURL)
	defer driver.close()

	m := New()
	ctx := context.Background()
	if err := m.Initialize(ctx, TransceiverConfig{EventURL: eventURL, CommandURL: cmdURL}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	delivered := make(chan LoraSessionPacket, 1)
	m.Attach(func(sp LoraSessionPacket) { delivered <- sp })

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Give the SUB socket time to complete its subscription handshake
	// before the first publish, a known slow-joiner quirk of pub/sub.
	time.Sleep(100 * time.Millisecond)

	pkt := &protocol.LoraPacket{TimestampMs: 42, Data: []byte{0x40, 0x01, 0x02, 0x03}}
	info := &protocol.LoraPacketInfo{Channel: 18, SpreadingFactor: 7, Bandwidth: 125000, CodingRate: "4/5", CRCOk: true}
	if err := driver.publishUplink(pkt, info); err != nil {
		t.Fatalf("publishUplink: %v", err)
	}

	select {
	case sp := <-delivered:
		if string(sp.Packet.Data) != string(pkt.Data) {
			t.Fatalf("payload mismatch: got %v want %v", sp.Packet.Data, pkt.Data)
		}
		if sp.Info.SpreadingFactor != 7 {
			t.Fatalf("spreading factor = %d; want 7", sp.Info.SpreadingFactor)
		}
		if m.PendingSessions() != 1 {
			t.Fatalf("expected one pending session")
		}
		if err := m.SessionEvent(sp.SessionHandle, OutcomeProgressing); err != nil {
			t.Fatalf("SessionEvent progressing: %v", err)
		}
		if err := m.SessionEvent(sp.SessionHandle, OutcomeSent); err != nil {
			t.Fatalf("SessionEvent sent: %v", err)
		}
		if m.PendingSessions() != 0 {
			t.Fatalf("expected session to be forgotten after terminal outcome")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for uplink session delivery")
	}
}

func TestSessionEventOnUnknownHandleErrors(t *testing.T) {
	m := New()
	if err := m.SessionEvent(uuid.New(), OutcomeSent); err == nil {
		t.Fatalf("expected error for unknown session handle")
	}
}
