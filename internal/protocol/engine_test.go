package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func testEngine() *Engine {
	return NewEngine(Config{
		Version:         1,
		GatewayID:       DeriveGatewayID([6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}),
		HeartbeatPeriod: 30 * time.Second,
	})
}

func TestDeriveGatewayIDInsertsFFFE(t *testing.T) {
	id := DeriveGatewayID([6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	want := [8]byte{0xAA, 0xBB, 0xCC, 0xFF, 0xFE, 0xDD, 0xEE, 0xFF}
	if id != want {
		t.Fatalf("DeriveGatewayID = %x; want %x", id, want)
	}
	if got := GatewayIDToken(id); got != "AABBCCFFFEDDEEFF" {
		t.Fatalf("GatewayIDToken = %q", got)
	}
}

func TestBuildUplinkLoRaDataRoundTrip(t *testing.T) {
	e := testEngine()
	pkt := &LoraPacket{TimestampMs: 1234, Data: []byte{0x40, 0x01, 0x02, 0x03}}
	info := &LoraPacketInfo{Channel: 18, SpreadingFactor: 7, Bandwidth: 125000, CodingRate: "4/5", CRCOk: true}

	res, err := e.BuildUplinkMessage(BuildUplinkRequest{Kind: UplinkLoRaData, SlotID: 3, Packet: pkt, Info: info})
	if err != nil {
		t.Fatalf("BuildUplinkMessage: %v", err)
	}
	if !res.Built {
		t.Fatalf("expected LORADATA to always build")
	}
	slotID, token := DecomposeID(res.CompositeID)
	if slotID != 3 {
		t.Fatalf("slot id round-trip = %d; want 3", slotID)
	}
	if res.Payload[0] != 1 {
		t.Fatalf("version byte = %d; want 1", res.Payload[0])
	}
	if res.Payload[3] != IdentifierPush {
		t.Fatalf("identifier byte = %#x; want PUSH", res.Payload[3])
	}

	ack := EncodeAck(1, token)
	serverRes := e.ProcessServerMessage(ack)
	if serverRes.Code != SessionUplinkTerminated {
		t.Fatalf("ack result = %v; want UPLINKSESSION_TERMINATED", serverRes.Code)
	}
	if serverRes.CompositeID != res.CompositeID {
		t.Fatalf("composite id mismatch: got %#x want %#x", serverRes.CompositeID, res.CompositeID)
	}
}

func TestHeartbeatRespectsPeriodUnlessForced(t *testing.T) {
	e := testEngine()

	res, err := e.BuildUplinkMessage(BuildUplinkRequest{Kind: UplinkHeartbeat})
	if err != nil {
		t.Fatalf("BuildUplinkMessage: %v", err)
	}
	if res.Built {
		t.Fatalf("heartbeat should not be due immediately without force")
	}

	res, err = e.BuildUplinkMessage(BuildUplinkRequest{Kind: UplinkHeartbeat, ForceHeartbeat: true})
	if err != nil {
		t.Fatalf("BuildUplinkMessage forced: %v", err)
	}
	if !res.Built {
		t.Fatalf("forced heartbeat must always build")
	}
	slotID, _ := DecomposeID(res.CompositeID)
	if slotID != HeartbeatSlotID {
		t.Fatalf("heartbeat slot id = %#x; want %#x", slotID, HeartbeatSlotID)
	}
}

func TestLateAckAfterReleaseIsRejected(t *testing.T) {
	e := testEngine()
	pkt := &LoraPacket{TimestampMs: 1, Data: []byte{0xAA}}
	res, _ := e.BuildUplinkMessage(BuildUplinkRequest{Kind: UplinkLoRaData, SlotID: 1, Packet: pkt})
	_, token := DecomposeID(res.CompositeID)

	if code := e.ProcessSessionEvent(SessionEventReleased, res.CompositeID); code != SessionErrorOK {
		t.Fatalf("release = %v; want SESSIONERROR_OK", code)
	}

	ack := EncodeAck(1, token)
	dup := e.ProcessServerMessage(ack)
	if dup.Code != SessionErrorTransaction {
		t.Fatalf("duplicate ack after release = %v; want SESSIONERROR_TRANSACTION", dup.Code)
	}
	if e.PendingTransactions() != 0 {
		t.Fatalf("expected no pending transactions after release")
	}
}

func TestProcessServerMessageTooShortIsMalformed(t *testing.T) {
	e := testEngine()
	res := e.ProcessServerMessage([]byte{0x01})
	if res.Code != SessionErrorMessage {
		t.Fatalf("short frame result = %v; want SESSIONERROR_MESSAGE", res.Code)
	}
}

func TestPullRespProducesDownlinkPacket(t *testing.T) {
	e := testEngine()
	payload := pullRespPayload{Txpk: txpk{Tmst: 555, Data: "qrs="}}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame := encodeAck(1, 0x0708, IdentifierPullResp)
	frame = append(frame, body...)

	res := e.ProcessServerMessage(frame)
	if res.Code != SessionDownlinkPrepared {
		t.Fatalf("pull-resp result = %v; want DOWNLINKSESSION_PREPARED", res.Code)
	}
	if res.DownlinkPacket == nil || res.DownlinkPacket.TimestampMs != 555 {
		t.Fatalf("downlink packet not decoded correctly: %+v", res.DownlinkPacket)
	}
}
