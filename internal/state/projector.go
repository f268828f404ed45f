// Package state projects engine callbacks into observable view state
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/models"
)

// DefaultMaxLogEntries bounds the event log when no limit is configured
const DefaultMaxLogEntries = 500

// Snapshot is a consistent copy of the view state
type Snapshot struct {
	Version       uint64                 `json:"version"`
	LibraryState  models.LibraryState    `json:"library_state"`
	LibraryStatus string                 `json:"library_status"`
	Call          *models.CallDescriptor `json:"call,omitempty"`
	LastCall      *models.CallDescriptor `json:"last_call,omitempty"`
	Muted         bool                   `json:"muted"`
	Speaker       bool                   `json:"speaker"`
	Logs          []string               `json:"logs"`
}

// Projector holds the view state and fans out snapshots to subscribers
type Projector struct {
	mu      sync.Mutex
	maxLogs int
	now     func() time.Time

	version       uint64
	libraryState  models.LibraryState
	libraryStatus string
	call          *models.CallDescriptor
	lastCall      *models.CallDescriptor
	muted         bool
	speaker       bool
	logs          []string

	subs   map[int]chan Snapshot
	nextID int
}

// NewProjector creates a projector keeping at most maxLogs log lines
func NewProjector(maxLogs int) *Projector {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogEntries
	}
	return &Projector{
		maxLogs:      maxLogs,
		now:          time.Now,
		libraryState: models.LibraryUninitialized,
		logs:         []string{},
		subs:         make(map[int]chan Snapshot),
	}
}

// Snapshot returns the current state
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Projector) snapshotLocked() Snapshot {
	s := Snapshot{
		Version:       p.version,
		LibraryState:  p.libraryState,
		LibraryStatus: p.libraryStatus,
		Muted:         p.muted,
		Speaker:       p.speaker,
		Logs:          append([]string(nil), p.logs...),
	}
	if s.Logs == nil {
		s.Logs = []string{}
	}
	s.Call = copyDescriptor(p.call)
	s.LastCall = copyDescriptor(p.lastCall)
	return s
}

// Subscribe returns a channel receiving a snapshot after every change, starting
// with the current state. A slow reader skips intermediate snapshots but always
// gets the latest one. cancel closes the channel.
func (p *Projector) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Snapshot, 1)
	ch <- p.snapshotLocked()
	p.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// publishLocked bumps the version and offers the new snapshot to every subscriber
func (p *Projector) publishLocked() {
	p.version++
	snap := p.snapshotLocked()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// drop the stale snapshot and replace it
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (p *Projector) appendLocked(line string) {
	p.logs = append(p.logs, line)
	if over := len(p.logs) - p.maxLogs; over > 0 {
		p.logs = append([]string(nil), p.logs[over:]...)
	}
}

// AppendLog adds a line to the event log
func (p *Projector) AppendLog(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendLocked(line)
	p.publishLocked()
}

// ClearLogs empties the event log
func (p *Projector) ClearLogs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = []string{}
	p.publishLocked()
}

// SetLibrary records the library state and its status line, which is also logged
func (p *Projector) SetLibrary(state models.LibraryState, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.libraryState = state
	if status != "" {
		p.libraryStatus = status
		p.appendLocked(status)
	}
	p.publishLocked()
}

// SetMuted records the microphone state
func (p *Projector) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted == muted {
		return
	}
	p.muted = muted
	p.publishLocked()
}

// IncomingCall shows a new incoming call
func (p *Projector) IncomingCall(info engine.CallInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.call = p.describe(info)
	p.lastCall = p.call
	p.appendLocked("Incoming call")
	p.publishLocked()
}

// CallState replaces the call descriptor with the reported state. A
// disconnected call moves to LastCall and leaves no current call.
func (p *Projector) CallState(info engine.CallInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d := p.describe(info)
	p.lastCall = d
	p.appendLocked("Call State: " + info.StateText)
	if info.State == engine.InvDisconnected {
		if info.LastReason != "" {
			p.appendLocked(fmt.Sprintf("Call ended: %d %s", info.LastStatusCode, info.LastReason))
		}
		p.call = nil
		p.speaker = false
		p.muted = false
	} else {
		p.call = d
	}
	p.publishLocked()
}

// MediaState turns the speaker on when any audio stream flows
func (p *Projector) MediaState(info engine.CallInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.call != nil && p.call.CallID == info.ID {
		p.call.MediaStatus = mediaStatus(info)
		p.call.UpdatedAt = p.now()
	}
	if AudioFlowing(info) {
		p.speaker = true
		p.muted = false
	}
	p.publishLocked()
}

// MediaEvent logs a format change of active incoming video
func (p *Projector) MediaEvent(info engine.CallInfo, ev engine.MediaEvent) {
	if ev.Type != engine.MediaEventFormatChanged {
		return
	}
	if ev.MediaIndex < 0 || ev.MediaIndex >= len(info.Media) {
		return
	}
	m := info.Media[ev.MediaIndex]
	if m.Type != engine.MediaVideo || m.Status != engine.MediaStatusActive || m.VideoIncomingWindowID == engine.InvalidID {
		return
	}

	p.AppendLog(fmt.Sprintf("Got remote video format change = %dx%d", ev.NewWidth, ev.NewHeight))
}

func copyDescriptor(d *models.CallDescriptor) *models.CallDescriptor {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

func (p *Projector) describe(info engine.CallInfo) *models.CallDescriptor {
	return &models.CallDescriptor{
		CallID:         info.ID,
		State:          CallState(info.State),
		StateText:      info.StateText,
		Direction:      direction(info.Role),
		LocalURI:       info.LocalURI,
		RemoteURI:      info.RemoteURI,
		MediaStatus:    mediaStatus(info),
		LastStatusCode: info.LastStatusCode,
		LastReason:     info.LastReason,
		UpdatedAt:      p.now(),
	}
}

// CallState maps an INVITE session state onto the view's call state
func CallState(s engine.InvState) models.CallState {
	switch s {
	case engine.InvIncoming:
		return models.CallStateIncoming
	case engine.InvCalling, engine.InvConnecting:
		return models.CallStateConnecting
	case engine.InvEarly:
		return models.CallStateEarly
	case engine.InvConfirmed:
		return models.CallStateActive
	case engine.InvDisconnected:
		return models.CallStateDisconnected
	default:
		return models.CallStateNone
	}
}

// AudioFlowing reports whether any audio line is active or held by the remote
func AudioFlowing(info engine.CallInfo) bool {
	for _, m := range info.Media {
		if m.Type == engine.MediaAudio && (m.Status == engine.MediaStatusActive || m.Status == engine.MediaStatusRemoteHold) {
			return true
		}
	}
	return false
}

func mediaStatus(info engine.CallInfo) models.MediaStatus {
	for _, m := range info.Media {
		if m.Type != engine.MediaAudio {
			continue
		}
		switch m.Status {
		case engine.MediaStatusActive:
			return models.MediaActive
		case engine.MediaStatusLocalHold:
			return models.MediaLocalHold
		case engine.MediaStatusRemoteHold:
			return models.MediaRemoteHold
		case engine.MediaStatusError:
			return models.MediaError
		}
	}
	return models.MediaNone
}

func direction(r engine.Role) models.CallDirection {
	if r == engine.RoleCallee {
		return models.CallDirectionInbound
	}
	return models.CallDirectionOutbound
}
