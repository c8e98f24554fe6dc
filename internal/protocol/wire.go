package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Packet identifiers for the reference Semtech-style wire protocol (§6).
const (
	IdentifierPush      byte = 0x00 // uplink PUSH carrying LoRa data
	IdentifierPushAck   byte = 0x01 // server's acknowledgment of a PUSH
	IdentifierHeartbeat byte = 0x02 // bodiless keepalive PUSH
	IdentifierPullResp  byte = 0x03 // server-initiated downlink
)

// headerLen is version(1) + token(2) + identifier(1) + gateway id(8).
const headerLen = 12

// ackLen is version(1) + token(2) + identifier(1); acks carry no gateway id
// or payload.
const ackLen = 4

// DeriveGatewayID expands a 6-byte hardware MAC address into the 8-byte
// gateway identifier used as protocol identity, by splicing in the
// well-known FFFE marker at the midpoint (the standard EUI-48→EUI-64
// expansion LoRaWAN gateways use).
func DeriveGatewayID(mac [6]byte) [8]byte {
	var id [8]byte
	id[0], id[1], id[2] = mac[0], mac[1], mac[2]
	id[3], id[4] = 0xFF, 0xFE
	id[5], id[6], id[7] = mac[3], mac[4], mac[5]
	return id
}

// GatewayIDToken renders the 8-byte gateway id as the fixed 16-character
// upper-case ASCII-hex token LoraServerSettings carries.
func GatewayIDToken(id [8]byte) string {
	return fmt.Sprintf("%016X", hexUint64(id))
}

func hexUint64(id [8]byte) uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// encodeHeader builds the 12-byte push header shared by data and heartbeat
// uplinks.
func encodeHeader(version byte, token uint16, identifier byte, gatewayID [8]byte) []byte {
	buf := make([]byte, headerLen)
	buf[0] = version
	binary.BigEndian.PutUint16(buf[1:3], token)
	buf[3] = identifier
	copy(buf[4:12], gatewayID[:])
	return buf
}

// encodeAck builds the 4-byte acknowledgment frame.
func encodeAck(version byte, token uint16, identifier byte) []byte {
	buf := make([]byte, ackLen)
	buf[0] = version
	binary.BigEndian.PutUint16(buf[1:3], token)
	buf[3] = identifier
	return buf
}

// decodeFrameHeader parses the common version/token/identifier prefix every
// frame (ack, push, or pull-resp) starts with.
func decodeFrameHeader(data []byte) (version byte, token uint16, identifier byte, rest []byte, err error) {
	if len(data) < ackLen {
		return 0, 0, 0, nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}
	version = data[0]
	token = binary.BigEndian.Uint16(data[1:3])
	identifier = data[3]
	return version, token, identifier, data[4:], nil
}

// rxpk is one received-packet record of a PUSH_DATA JSON body, following
// the field names the Semtech packet-forwarder protocol defines.
type rxpk struct {
	Tmst uint32  `json:"tmst"`
	Chan uint32  `json:"chan"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI int32   `json:"rssi"`
	LSNR float32 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"` // base64
	Stat int     `json:"stat"` // CRC status: 1 ok, -1 fail, 0 unknown
}

type pushDataPayload struct {
	Rxpk []rxpk `json:"rxpk"`
}

// txpk is the server-initiated downlink record of a PULL_RESP JSON body.
type txpk struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	Data string  `json:"data"` // base64
	Size int     `json:"size"`
}

type pullRespPayload struct {
	Txpk txpk `json:"txpk"`
}

func datrString(sf uint8, bwHz uint32) string {
	return fmt.Sprintf("SF%dBW%d", sf, bwHz/1000)
}

func encodeRxpk(p *LoraPacket, info *LoraPacketInfo) rxpk {
	r := rxpk{
		Tmst: p.TimestampMs,
		Size: len(p.Data),
		Data: base64.StdEncoding.EncodeToString(p.Data),
	}
	if info != nil {
		r.Chan = info.Channel
		r.Datr = datrString(info.SpreadingFactor, info.Bandwidth)
		r.Codr = info.CodingRate
		r.RSSI = info.RSSI
		r.LSNR = info.SNR
		if info.CRCOk {
			r.Stat = 1
		} else {
			r.Stat = -1
		}
	}
	return r
}

func decodePullResp(data []byte) (*LoraPacket, error) {
	var payload pullRespPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed pull-resp json: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(payload.Txpk.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed pull-resp data: %w", err)
	}
	return &LoraPacket{TimestampMs: payload.Txpk.Tmst, Data: raw}, nil
}

func gatewayIDBytesFromToken(token string) ([8]byte, error) {
	var id [8]byte
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) != 8 {
		return id, fmt.Errorf("invalid gateway id token %q", token)
	}
	copy(id[:], raw)
	return id, nil
}
