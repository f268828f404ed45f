// Package engine is the boundary between the softphone and the SIP telephony engine.
//
// The controller talks to an Engine through commands and receives asynchronous
// notifications through an Observer. Signaling, transactions, SDP negotiation and
// RTP are owned by the implementation; callers only see call and media state.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidState is returned when a command is issued in the wrong library state
	ErrInvalidState = errors.New("engine is not in the required state")
	// ErrCallNotFound is returned for unknown call IDs
	ErrCallNotFound = errors.New("call not found")
	// ErrCodecNotFound is returned when a codec priority names an unsupported codec
	ErrCodecNotFound = errors.New("codec not found")
)

// State is the library lifecycle state
type State int

const (
	StateNull State = iota
	StateCreated
	StateInit
	StateStarting
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateCreated:
		return "CREATED"
	case StateInit:
		return "INIT"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// InvState is the INVITE session state of a call
type InvState int

const (
	InvNull InvState = iota
	InvCalling
	InvIncoming
	InvEarly
	InvConnecting
	InvConfirmed
	InvDisconnected
)

func (s InvState) String() string {
	switch s {
	case InvNull:
		return "NULL"
	case InvCalling:
		return "CALLING"
	case InvIncoming:
		return "INCOMING"
	case InvEarly:
		return "EARLY"
	case InvConnecting:
		return "CONNECTING"
	case InvConfirmed:
		return "CONFIRMED"
	case InvDisconnected:
		return "DISCONNCTD"
	default:
		return "UNKNOWN"
	}
}

// Role tells whether the local side placed or received the call
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

// MediaType of a media line
type MediaType int

const (
	MediaAudio MediaType = iota
	MediaVideo
	MediaUnknown
)

// MediaStatus of a media line
type MediaStatus int

const (
	MediaStatusNone MediaStatus = iota
	MediaStatusActive
	MediaStatusLocalHold
	MediaStatusRemoteHold
	MediaStatusError
)

// InvalidID marks an absent window or media index
const InvalidID = -1

// CallMediaInfo describes one media line of a call
type CallMediaInfo struct {
	Index  int
	Type   MediaType
	Status MediaStatus
	Codec  string
	// VideoIncomingWindowID is InvalidID unless incoming video is rendered
	VideoIncomingWindowID int
}

// CallInfo is a point-in-time view of a call
type CallInfo struct {
	ID             string
	Role           Role
	LocalURI       string
	RemoteURI      string
	State          InvState
	StateText      string
	LastStatusCode int
	LastReason     string
	Media          []CallMediaInfo
	ConnectedAt    time.Time
}

// MediaEventType identifies a media event
type MediaEventType int

const (
	MediaEventFormatChanged MediaEventType = iota + 1
)

// MediaEvent is delivered through Observer.OnCallMediaEvent
type MediaEvent struct {
	CallID     string
	MediaIndex int
	Type       MediaEventType
	NewWidth   int
	NewHeight  int
}

// EndpointConfig configures the library at Init
type EndpointConfig struct {
	UserAgent  string
	RTPPortMin int
	RTPPortMax int
	// PublicHost is advertised in Contact and SDP; empty means autodetect
	PublicHost string
}

// TransportConfig describes a listening transport
type TransportConfig struct {
	Network string // udp or tcp
	Host    string
	Port    int // 0 picks an ephemeral port
}

// AccountConfig describes the SIP account to register
type AccountConfig struct {
	IDURI          string
	RegistrarURI   string
	Username       string
	Password       string
	Realm          string // "*" accepts any realm
	RegisterExpiry time.Duration
	ICEEnabled     bool
}

// Observer receives engine notifications. Calls arrive on engine goroutines.
type Observer interface {
	OnIncomingCall(info CallInfo)
	OnCallState(info CallInfo)
	OnCallMediaState(info CallInfo)
	OnCallMediaEvent(info CallInfo, ev MediaEvent)
	OnLog(msg string)
}

// Engine is the command surface of the telephony engine
type Engine interface {
	SetObserver(o Observer)
	State() State

	Create() error
	Init(cfg EndpointConfig) error
	CreateTransport(cfg TransportConfig) error
	CreateAccount(ctx context.Context, cfg AccountConfig) error
	Start(ctx context.Context) error
	Destroy() error

	SetCodecPriority(codecID string, priority int) error

	MakeCall(ctx context.Context, dstURI string) (string, error)
	Answer(callID string, statusCode int) error
	Hangup(callID string, statusCode int) error
	HangupAll() error
	SetTransmit(callID string, mediaIndex int, enabled bool) error
	CallInfo(callID string) (CallInfo, error)
}
