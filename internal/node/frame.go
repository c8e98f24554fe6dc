package node

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/agsys/lorawan-gateway-core/internal/protocol"
)

// This file defines the wire format exchanged with the external radio
// transceiver boundary over the ZeroMQ sockets opened in transceiver.go.
// The LoRa PHY/MAC driver itself is out of scope; what follows is the frame
// layout the NodeManager expects that driver to speak, modeled on the
// ChirpStack Concentratord event/command split.

// codingRateCode maps the handful of coding rates this gateway supports to
// a single wire byte.
func codingRateCode(cr string) byte {
	switch cr {
	case "4/6":
		return 2
	case "4/7":
		return 3
	case "4/8":
		return 4
	default:
		return 1 // "4/5"
	}
}

func codingRateString(code byte) string {
	switch code {
	case 2:
		return "4/6"
	case 3:
		return "4/7"
	case 4:
		return "4/8"
	default:
		return "4/5"
	}
}

// uplinkFrameHeaderLen is the fixed portion preceding the variable-length payload:
// tmst(4) chan(4) sf(1) bw(4) cr(1) rssi(4) snr(4) crc(1) len(2) = 25.
const uplinkFrameHeaderLen = 25

// marshalUplinkFrame is only used by test doubles that simulate the radio
// driver; the real driver on the other end of the socket produces this
// layout independently.
func marshalUplinkFrame(pkt *protocol.LoraPacket, info *protocol.LoraPacketInfo) []byte {
	buf := make([]byte, uplinkFrameHeaderLen+len(pkt.Data))
	binary.BigEndian.PutUint32(buf[0:4], pkt.TimestampMs)
	if info != nil {
		binary.BigEndian.PutUint32(buf[4:8], info.Channel)
		buf[8] = info.SpreadingFactor
		binary.BigEndian.PutUint32(buf[9:13], info.Bandwidth)
		buf[13] = codingRateCode(info.CodingRate)
		binary.BigEndian.PutUint32(buf[14:18], uint32(info.RSSI))
		binary.BigEndian.PutUint32(buf[18:22], math.Float32bits(info.SNR))
		if info.CRCOk {
			buf[22] = 1
		}
	}
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(pkt.Data)))
	copy(buf[25:], pkt.Data)
	return buf
}

// unmarshalUplinkFrame decodes a frame produced by the radio driver into a
// LoraPacket/LoraPacketInfo pair.
func unmarshalUplinkFrame(data []byte) (*protocol.LoraPacket, *protocol.LoraPacketInfo, error) {
	if len(data) < uplinkFrameHeaderLen {
		return nil, nil, fmt.Errorf("node: uplink frame too short: %d bytes", len(data))
	}
	tmst := binary.BigEndian.Uint32(data[0:4])
	info := &protocol.LoraPacketInfo{
		Channel:         binary.BigEndian.Uint32(data[4:8]),
		SpreadingFactor: data[8],
		Bandwidth:       binary.BigEndian.Uint32(data[9:13]),
		CodingRate:      codingRateString(data[13]),
		RSSI:            int32(binary.BigEndian.Uint32(data[14:18])),
		SNR:             math.Float32frombits(binary.BigEndian.Uint32(data[18:22])),
		CRCOk:           data[22] != 0,
	}
	length := binary.BigEndian.Uint16(data[23:25])
	if int(length) > len(data)-uplinkFrameHeaderLen {
		return nil, nil, fmt.Errorf("node: uplink frame length mismatch")
	}
	payload := make([]byte, length)
	copy(payload, data[uplinkFrameHeaderLen:uplinkFrameHeaderLen+int(length)])
	return &protocol.LoraPacket{TimestampMs: tmst, Data: payload}, info, nil
}

// downlinkFrameHeaderLen fixed portion: id(4) tmst(4) immediate(1) len(2) = 11.
const downlinkFrameHeaderLen = 11

// marshalDownlinkFrame encodes a scheduling command for the radio driver:
// when to transmit (tmst, or immediately) and what.
func marshalDownlinkFrame(downlinkID uint32, pkt *protocol.LoraPacket, immediate bool) []byte {
	buf := make([]byte, downlinkFrameHeaderLen+len(pkt.Data))
	binary.BigEndian.PutUint32(buf[0:4], downlinkID)
	binary.BigEndian.PutUint32(buf[4:8], pkt.TimestampMs)
	if immediate {
		buf[8] = 1
	}
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(pkt.Data)))
	copy(buf[11:], pkt.Data)
	return buf
}

// txAckLen: id(4) status(1) = 5.
const txAckLen = 5

// TxAckStatus mirrors the small status vocabulary a transceiver reports for
// a scheduled transmission.
type TxAckStatus byte

const (
	TxAckOK TxAckStatus = iota
	TxAckTooLate
	TxAckQueueFull
	TxAckInternalError
)

func unmarshalTxAck(data []byte) (downlinkID uint32, status TxAckStatus, err error) {
	if len(data) < txAckLen {
		return 0, 0, fmt.Errorf("node: tx ack too short: %d bytes", len(data))
	}
	return binary.BigEndian.Uint32(data[0:4]), TxAckStatus(data[4]), nil
}
