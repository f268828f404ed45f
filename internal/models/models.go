// Package models defines the domain models for the softphone
package models

import (
	"time"
)

// LoginRequest is the JSON body sent to the login endpoint
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by the login endpoint
type LoginResponse struct {
	Token          string         `json:"token"`
	SipData        SipData        `json:"sipData"`
	AsteriskServer AsteriskServer `json:"asteriskServer"`
}

// SipData carries the SIP account issued by the login endpoint
type SipData struct {
	Account   string `json:"account"`
	Password  string `json:"password"`
	Extension string `json:"extension"`
}

// AsteriskServer describes the PBX the account lives on
type AsteriskServer struct {
	NotificatorName string `json:"notificatorName"`
	ServerName      string `json:"serverName"`
	ServerPort      int    `json:"serverPort"`
	ServerWeb       string `json:"serverWeb"`
}

// Credentials is the SIP identity used to start the telephony engine.
// It is a value type; once handed to the controller it is not modified.
type Credentials struct {
	Domain    string `json:"domain"`
	User      string `json:"user"`
	Secret    string `json:"-"` // Never expose the SIP secret
	IDURI     string `json:"id_uri"`
	Extension string `json:"extension"`
}

// Preferences holds the last-used login pair
type Preferences struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginState represents the progress of a login attempt
type LoginState string

const (
	LoginStateIdle    LoginState = "idle"
	LoginStateLoading LoginState = "loading"
	LoginStateSuccess LoginState = "success"
	LoginStateError   LoginState = "error"
)

// LibraryState represents the lifecycle of the telephony session
type LibraryState string

const (
	LibraryUninitialized LibraryState = "uninitialized"
	LibraryInitialized   LibraryState = "initialized"
	LibraryRunning       LibraryState = "running"
	LibraryStopped       LibraryState = "stopped"
)

// CallState represents the projected state of a call
type CallState string

const (
	CallStateNone         CallState = "none"
	CallStateIncoming     CallState = "incoming"
	CallStateConnecting   CallState = "connecting"
	CallStateEarly        CallState = "early"
	CallStateActive       CallState = "active"
	CallStateDisconnected CallState = "disconnected"
)

// MediaStatus represents the status of the call's audio media
type MediaStatus string

const (
	MediaNone       MediaStatus = "none"
	MediaActive     MediaStatus = "active"
	MediaLocalHold  MediaStatus = "local_hold"
	MediaRemoteHold MediaStatus = "remote_hold"
	MediaError      MediaStatus = "error"
)

// CallDirection represents whether a call is inbound or outbound
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallDescriptor is the projected state of the current call
type CallDescriptor struct {
	CallID         string        `json:"call_id"`
	State          CallState     `json:"state"`
	StateText      string        `json:"state_text"`
	Direction      CallDirection `json:"direction"`
	LocalURI       string        `json:"local_uri"`
	RemoteURI      string        `json:"remote_uri"`
	MediaStatus    MediaStatus   `json:"media_status"`
	LastStatusCode int           `json:"last_status_code,omitempty"`
	LastReason     string        `json:"last_reason,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CallStatus represents the state of a call in the call history
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusRejected  CallStatus = "rejected"
)

// CallLog represents a call detail record (CDR)
type CallLog struct {
	ID              string        `json:"id" db:"id"`
	CallID          string        `json:"call_id" db:"call_id"`
	Account         string        `json:"account" db:"account"`
	Direction       CallDirection `json:"direction" db:"direction"`
	LocalURI        string        `json:"local_uri" db:"local_uri"`
	RemoteURI       string        `json:"remote_uri" db:"remote_uri"`
	Status          CallStatus    `json:"status" db:"status"`
	InitiatedAt     time.Time     `json:"initiated_at" db:"initiated_at"`
	RingingAt       *time.Time    `json:"ringing_at,omitempty" db:"ringing_at"`
	AnsweredAt      *time.Time    `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int          `json:"duration_seconds,omitempty" db:"duration_seconds"`
	HangupCause     *string       `json:"hangup_cause,omitempty" db:"hangup_cause"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}
