// Package protocol implements the ProtocolEngine: the codec and session
// state machine that sits between the ServerManager and a concrete LoRaWAN
// Network Server wire protocol. The reference variant implemented here is
// the Semtech-style UDP packet-forwarder protocol: a short binary header
// followed by a JSON payload for data-bearing messages.
package protocol

import "fmt"

// HeartbeatSlotID is the reserved ServerManager slot id used for the
// heartbeat message. It never collides with a packet-bearing slot because
// the ServerManager caps its ServerUpMessage pool at 0xFF slots, so pool
// indices stay below 0xFF.
const HeartbeatSlotID uint16 = 0xFF

// UplinkKind selects which wire message BuildUplinkMessage should attempt
// to produce.
type UplinkKind int

const (
	// UplinkHeartbeat asks the engine for a keepalive datagram; it may
	// decline if the configured period has not yet elapsed.
	UplinkHeartbeat UplinkKind = iota
	// UplinkLoRaData asks the engine to encode a received LoRa packet.
	UplinkLoRaData
)

func (k UplinkKind) String() string {
	switch k {
	case UplinkHeartbeat:
		return "HEARTBEAT"
	case UplinkLoRaData:
		return "LORADATA"
	default:
		return fmt.Sprintf("UplinkKind(%d)", int(k))
	}
}

// SessionEvent is the event vocabulary ProcessSessionEvent accepts, mirroring
// NETWORKSERVERPROTOCOL_SESSIONEVENT_* from the reference implementation.
type SessionEvent int

const (
	SessionEventSent SessionEvent = iota
	SessionEventSendFailed
	SessionEventCanceled
	SessionEventReleased
)

func (e SessionEvent) String() string {
	switch e {
	case SessionEventSent:
		return "SENT"
	case SessionEventSendFailed:
		return "SENDFAILED"
	case SessionEventCanceled:
		return "CANCELED"
	case SessionEventReleased:
		return "RELEASED"
	default:
		return fmt.Sprintf("SessionEvent(%d)", int(e))
	}
}

// SessionCode is the result vocabulary returned by ProcessServerMessage and
// ProcessSessionEvent. The three groups (uplink session, downlink session,
// session error) are distinguished by a nibble each, matching the bitmask
// classification the reference header uses so a caller can test which
// family a code belongs to without a big switch.
type SessionCode uint16

const (
	SessionUplinkProgressing SessionCode = 0x0001
	SessionUplinkTerminated  SessionCode = 0x0003
	SessionUplinkFailed      SessionCode = 0x0004

	SessionDownlinkPrepared SessionCode = 0x0010

	SessionErrorOK          SessionCode = 0x1000
	SessionErrorMessage     SessionCode = 0x2000
	SessionErrorTransaction SessionCode = 0x3000
)

// IsUplinkSessionEvent reports whether code belongs to the uplink family.
func (c SessionCode) IsUplinkSessionEvent() bool { return c&0x000F != 0 }

// IsDownlinkSessionEvent reports whether code belongs to the downlink family.
func (c SessionCode) IsDownlinkSessionEvent() bool { return c&0x00F0 != 0 }

// IsSessionError reports whether code is one of the SessionError* values.
func (c SessionCode) IsSessionError() bool { return c&0xF000 != 0 }

func (c SessionCode) String() string {
	switch c {
	case SessionUplinkProgressing:
		return "UPLINKSESSION_PROGRESSING"
	case SessionUplinkTerminated:
		return "UPLINKSESSION_TERMINATED"
	case SessionUplinkFailed:
		return "UPLINKSESSION_FAILED"
	case SessionDownlinkPrepared:
		return "DOWNLINKSESSION_PREPARED"
	case SessionErrorOK:
		return "SESSIONERROR_OK"
	case SessionErrorMessage:
		return "SESSIONERROR_MESSAGE"
	case SessionErrorTransaction:
		return "SESSIONERROR_TRANSACTION"
	default:
		return fmt.Sprintf("SessionCode(0x%04X)", uint16(c))
	}
}

// LoraPacketInfo carries the radio metadata attached to a received LoRa
// packet: channel, modulation parameters, and link quality.
type LoraPacketInfo struct {
	Channel         uint32
	SpreadingFactor uint8
	Bandwidth       uint32 // Hz
	CodingRate      string // e.g. "4/5"
	RSSI            int32
	SNR             float32
	CRCOk           bool
}

// LoraPacket is the physical-layer capture handed up from the radio
// boundary: a timestamp and the raw bytes.
type LoraPacket struct {
	TimestampMs uint32
	Data        []byte
}

// ComposeID packs a ServerManager slot id and an engine transaction token
// into the single cross-component identifier the protocol engine and
// ServerManager pass back and forth. High 16 bits are the slot id, low 16
// bits are the token.
func ComposeID(slotID, token uint16) uint32 {
	return uint32(slotID)<<16 | uint32(token)
}

// DecomposeID is the inverse of ComposeID.
func DecomposeID(id uint32) (slotID, token uint16) {
	return uint16(id >> 16), uint16(id)
}
