package node

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/agsys/lorawan-gateway-core/internal/protocol"
	"github.com/go-zeromq/zmq4"
)

// TransceiverConfig points the NodeManager at the out-of-scope radio
// driver's ZeroMQ boundary: a SUB socket carrying uplink frame events and a
// REQ socket carrying downlink transmit commands, following the
// Concentratord IPC shape.
type TransceiverConfig struct {
	EventURL   string
	CommandURL string
}

// transceiver owns the two ZeroMQ sockets and translates between their wire
// frames and this package's LoraPacket/LoraPacketInfo types. It has no
// knowledge of sessions, slots, or the ServerManager; that correlation lives
// in NodeManager.
type transceiver struct {
	cfg TransceiverConfig

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	cmdMu     sync.Mutex

	downlinkID atomic.Uint32

	onUplink func(*protocol.LoraPacket, *protocol.LoraPacketInfo)
}

func newTransceiver(cfg TransceiverConfig) *transceiver {
	return &transceiver{cfg: cfg}
}

// dial opens both sockets. Failure here is fatal to NodeManager.Initialize.
func (t *transceiver) dial(ctx context.Context) error {
	t.eventSock = zmq4.NewSub(ctx)
	if err := t.eventSock.Dial(t.cfg.EventURL); err != nil {
		return fmt.Errorf("node: dial event socket: %w", err)
	}
	if err := t.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("node: subscribe event socket: %w", err)
	}

	t.cmdSock = zmq4.NewReq(ctx)
	if err := t.cmdSock.Dial(t.cfg.CommandURL); err != nil {
		t.eventSock.Close()
		return fmt.Errorf("node: dial command socket: %w", err)
	}
	return nil
}

func (t *transceiver) close() {
	if t.eventSock != nil {
		t.eventSock.Close()
	}
	if t.cmdSock != nil {
		t.cmdSock.Close()
	}
}

// fetchGatewayMAC asks the driver for its hardware address. Nothing in this
// repository calls it; the gateway MAC comes from the bootstrap configuration.
func (t *transceiver) fetchGatewayMAC() ([6]byte, error) {
	var mac [6]byte
	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	msg := zmq4.NewMsgFrom([]byte("gateway_mac"), nil)
	if err := t.cmdSock.Send(msg); err != nil {
		return mac, fmt.Errorf("node: send gateway_mac command: %w", err)
	}
	resp, err := t.cmdSock.Recv()
	if err != nil {
		return mac, fmt.Errorf("node: receive gateway_mac response: %w", err)
	}
	if len(resp.Frames) == 0 || len(resp.Frames[0]) != 6 {
		return mac, fmt.Errorf("node: malformed gateway_mac response")
	}
	copy(mac[:], resp.Frames[0])
	return mac, nil
}

// sendDownlink schedules pkt for transmission and waits for the driver's
// acknowledgment, mirroring the single round-trip SendReceive pattern
// connectors use for their handshake.
func (t *transceiver) sendDownlink(pkt *protocol.LoraPacket, immediate bool) error {
	id := t.downlinkID.Add(1)
	data := marshalDownlinkFrame(id, pkt, immediate)

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	msg := zmq4.NewMsgFrom([]byte("down"), data)
	if err := t.cmdSock.Send(msg); err != nil {
		return fmt.Errorf("node: send downlink command: %w", err)
	}
	resp, err := t.cmdSock.Recv()
	if err != nil {
		return fmt.Errorf("node: receive downlink ack: %w", err)
	}
	if len(resp.Frames) == 0 {
		return fmt.Errorf("node: empty downlink ack")
	}
	dlID, status, err := unmarshalTxAck(resp.Frames[0])
	if err != nil {
		return err
	}
	if dlID != id {
		return fmt.Errorf("node: downlink ack id mismatch: got %d want %d", dlID, id)
	}
	if status != TxAckOK {
		return fmt.Errorf("node: downlink rejected by transceiver: status %d", status)
	}
	return nil
}

// run drains the event socket until ctx is canceled, dispatching uplink
// frames to onUplink. Non-uplink event types (e.g. stats) are dropped
// without logging; this gateway core has no consumer for them.
func (t *transceiver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := t.eventSock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 2 {
			continue
		}
		eventType := string(msg.Frames[0])
		if eventType != "up" {
			continue
		}
		pkt, info, err := unmarshalUplinkFrame(msg.Frames[1])
		if err != nil {
			log.Printf("node: dropping malformed uplink frame: %v", err)
			continue
		}
		if t.onUplink != nil {
			t.onUplink(pkt, info)
		}
	}
}
