package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBufferTooSmall is returned by BuildUplinkMessage when a caller-supplied
// maximum message length would be exceeded.
var ErrBufferTooSmall = errors.New("protocol: encoded message exceeds max length")

// Config configures a new Engine.
type Config struct {
	Version         byte
	GatewayID       [8]byte
	HeartbeatPeriod time.Duration // 0 disables the heartbeat schedule
}

// transaction is an in-flight protocol exchange, keyed by its token in
// Engine.transactions.
type transaction struct {
	token  uint16
	slotID uint16
	kind   UplinkKind
	state  SessionCode
}

// Engine implements the ProtocolEngine contract for the reference
// Semtech-style UDP packet-forwarder variant. It is safe for concurrent use:
// every exported method takes the same mutex, and each critical section is
// short, so any ServerManager task may call it directly.
type Engine struct {
	mu sync.Mutex

	version   byte
	gatewayID [8]byte
	period    time.Duration

	lastUplink   time.Time
	nextToken    uint16
	transactions map[uint16]*transaction

	now func() time.Time
}

// NewEngine constructs a ProtocolEngine for the given settings.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		version:      cfg.Version,
		gatewayID:    cfg.GatewayID,
		period:       cfg.HeartbeatPeriod,
		transactions: make(map[uint16]*transaction),
		now:          time.Now,
	}
}

// NewEngineFromToken builds an Engine from the ASCII-hex gateway id token
// carried in LoraServerSettings rather than the raw 8-byte identifier.
func NewEngineFromToken(version byte, gatewayIDToken string, heartbeatPeriod time.Duration) (*Engine, error) {
	id, err := gatewayIDBytesFromToken(gatewayIDToken)
	if err != nil {
		return nil, err
	}
	return NewEngine(Config{Version: version, GatewayID: id, HeartbeatPeriod: heartbeatPeriod}), nil
}

// BuildUplinkRequest parameterizes BuildUplinkMessage.
type BuildUplinkRequest struct {
	Kind           UplinkKind
	SlotID         uint16
	ForceHeartbeat bool
	Packet         *LoraPacket
	Info           *LoraPacketInfo
	MaxLength      int // 0 means unbounded
}

// BuildUplinkResult is returned by BuildUplinkMessage.
type BuildUplinkResult struct {
	Built       bool
	CompositeID uint32
	Payload     []byte
}

// BuildUplinkMessage encodes an outbound message. For UplinkHeartbeat it
// returns Built=false without allocating a transaction when the configured
// period has not yet elapsed and ForceHeartbeat is not set. For
// UplinkLoRaData it always builds, unless MaxLength would be exceeded.
func (e *Engine) BuildUplinkMessage(req BuildUplinkRequest) (BuildUplinkResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	switch req.Kind {
	case UplinkHeartbeat:
		due := req.ForceHeartbeat
		if !due && e.period > 0 {
			if e.lastUplink.IsZero() {
				// Nothing sent yet: the period starts counting at this poll.
				e.lastUplink = now
			} else {
				due = now.Sub(e.lastUplink) >= e.period
			}
		}
		if !due {
			return BuildUplinkResult{}, nil
		}
		token := e.allocToken()
		e.transactions[token] = &transaction{token: token, slotID: HeartbeatSlotID, kind: UplinkHeartbeat, state: SessionUplinkProgressing}
		payload := encodeHeader(e.version, token, IdentifierHeartbeat, e.gatewayID)
		if req.MaxLength > 0 && len(payload) > req.MaxLength {
			delete(e.transactions, token)
			return BuildUplinkResult{}, ErrBufferTooSmall
		}
		e.lastUplink = now
		return BuildUplinkResult{Built: true, CompositeID: ComposeID(HeartbeatSlotID, token), Payload: payload}, nil

	case UplinkLoRaData:
		if req.Packet == nil {
			return BuildUplinkResult{}, fmt.Errorf("protocol: LORADATA build requires a packet")
		}
		token := e.allocToken()
		header := encodeHeader(e.version, token, IdentifierPush, e.gatewayID)
		body, err := marshalRxpk(req.Packet, req.Info)
		if err != nil {
			return BuildUplinkResult{}, err
		}
		payload := append(header, body...)
		if req.MaxLength > 0 && len(payload) > req.MaxLength {
			return BuildUplinkResult{}, ErrBufferTooSmall
		}
		e.transactions[token] = &transaction{token: token, slotID: req.SlotID, kind: UplinkLoRaData, state: SessionUplinkProgressing}
		e.lastUplink = now
		return BuildUplinkResult{Built: true, CompositeID: ComposeID(req.SlotID, token), Payload: payload}, nil

	default:
		return BuildUplinkResult{}, fmt.Errorf("protocol: unknown uplink kind %v", req.Kind)
	}
}

func marshalRxpk(p *LoraPacket, info *LoraPacketInfo) ([]byte, error) {
	payload := pushDataPayload{Rxpk: []rxpk{encodeRxpk(p, info)}}
	return json.Marshal(payload)
}

// allocToken returns the next free token, skipping any currently open
// transaction. Must be called with e.mu held.
func (e *Engine) allocToken() uint16 {
	for {
		t := e.nextToken
		e.nextToken++
		if _, busy := e.transactions[t]; !busy {
			return t
		}
	}
}

// ServerMessageResult is returned by ProcessServerMessage.
type ServerMessageResult struct {
	Code           SessionCode
	CompositeID    uint32
	DownlinkPacket *LoraPacket
}

// ProcessServerMessage decodes a datagram received from the Network Server.
func (e *Engine) ProcessServerMessage(data []byte) ServerMessageResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, token, identifier, rest, err := decodeFrameHeader(data)
	if err != nil {
		return ServerMessageResult{Code: SessionErrorMessage}
	}

	switch identifier {
	case IdentifierPushAck:
		tx, ok := e.transactions[token]
		if !ok {
			return ServerMessageResult{Code: SessionErrorTransaction}
		}
		tx.state = SessionUplinkTerminated
		return ServerMessageResult{Code: SessionUplinkTerminated, CompositeID: ComposeID(tx.slotID, tx.token)}

	case IdentifierPullResp:
		pkt, err := decodePullResp(rest)
		if err != nil {
			return ServerMessageResult{Code: SessionErrorMessage}
		}
		return ServerMessageResult{Code: SessionDownlinkPrepared, DownlinkPacket: pkt}

	default:
		return ServerMessageResult{Code: SessionErrorMessage}
	}
}

// ProcessSessionEvent advances the transaction named by compositeID and
// returns its resulting state. RELEASED frees the transaction; any event
// against an already-released or unknown composite id reports
// SessionErrorTransaction.
func (e *Engine) ProcessSessionEvent(event SessionEvent, compositeID uint32) SessionCode {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, token := DecomposeID(compositeID)
	tx, ok := e.transactions[token]
	if !ok {
		return SessionErrorTransaction
	}

	switch event {
	case SessionEventSent:
		// The datagram left the connector; the reference variant still
		// awaits a PUSH_ACK before the uplink session can terminate.
		tx.state = SessionUplinkProgressing
		return SessionUplinkProgressing
	case SessionEventSendFailed, SessionEventCanceled:
		tx.state = SessionUplinkFailed
		return SessionUplinkFailed
	case SessionEventReleased:
		delete(e.transactions, token)
		return SessionErrorOK
	default:
		return SessionErrorMessage
	}
}

// EncodeAck builds the acknowledgment frame a Network Server test double (or
// a symmetrical engine on the other end) would reply with for the given
// request token.
func EncodeAck(version byte, token uint16) []byte {
	return encodeAck(version, token, IdentifierPushAck)
}

// PendingTransactions returns the number of open transactions, for tests and
// diagnostics.
func (e *Engine) PendingTransactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transactions)
}
