package server

import (
	"time"

	"github.com/agsys/lorawan-gateway-core/internal/connector"
	"github.com/agsys/lorawan-gateway-core/internal/protocol"
	"github.com/google/uuid"
)

// State is the ServerManager's lifecycle state (§4.5).
type State int

const (
	StateCreating State = iota
	StateCreated
	StateInitialized
	StateIdle
	StateRunning
	StateStopping
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StateCreated:
		return "CREATED"
	case StateInitialized:
		return "INITIALIZED"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateTerminated:
		return "TERMINATED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// UpMessageState is a ServerUpMessage slot's state within its lifecycle
// (§3).
type UpMessageState int

const (
	UpMessageCreated UpMessageState = iota
	UpMessagePrepared
	UpMessageSending
	UpMessageSent
	UpMessageTerminated
	UpMessageFailed
)

func (s UpMessageState) String() string {
	switch s {
	case UpMessageCreated:
		return "CREATED"
	case UpMessagePrepared:
		return "PREPARED"
	case UpMessageSending:
		return "SENDING"
	case UpMessageSent:
		return "SENT"
	case UpMessageTerminated:
		return "TERMINATED"
	case UpMessageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// upMessage is a slot in the fixed ServerUpMessage pool, or the dedicated
// heartbeat object (slot id protocol.HeartbeatSlotID, held outside the
// pool and reused indefinitely).
type upMessage struct {
	slotID        uint16
	state         UpMessageState
	compositeID   uint32
	connectorName string
	payload       []byte

	// Borrowed from the NodeManager. packet is nulled once UPLINK_PROGRESSING
	// is emitted, per the invariant in §3.
	packet        *protocol.LoraPacket
	info          *protocol.LoraPacketInfo
	sessionHandle uuid.UUID
	sessionID     uint64
}

// mainEventKind tags the union of events the ServerManager main task
// consumes from its FIFO inbox (§4.5).
type mainEventKind int

const (
	evUplinkReceived mainEventKind = iota
	evUplinkPrepared
	evUplinkSent
	evUplinkSendFailed
	evUplinkTerminated
)

type mainEvent struct {
	kind        mainEventKind
	slotID      uint16
	compositeID uint32
	sessionCode protocol.SessionCode
}

// Config aggregates the LoraServerSettings the ServerManager is initialized
// with (§3, §6).
type Config struct {
	ProtocolVersion   byte
	GatewayMAC        [6]byte
	HeartbeatPeriod   time.Duration
	UpMessagePoolSize int
	CommandTimeout    time.Duration
	Connectors        []ConnectorConfig
}

// ConnectorConfig names one configured, already-constructed connector and
// the settings to initialize it with. Connectors are tried in slice order
// during handshake/failover (§4.5).
type ConnectorConfig struct {
	Name     string
	Conn     connector.Itf
	Settings connector.Settings
}
