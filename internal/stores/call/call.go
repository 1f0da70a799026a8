// Package call is the domain store for the voice/video call lifecycle and
// the ICE configuration handed to the WebRTC layer.
package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gxo-labs/chatstate/internal/config"
	"github.com/gxo-labs/chatstate/internal/state"
	"github.com/gxo-labs/chatstate/internal/stores"
	cserrors "github.com/gxo-labs/chatstate/pkg/chatstate/v1/errors"
	csevents "github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	csstate "github.com/gxo-labs/chatstate/pkg/chatstate/v1/state"
)

const Name = "call"

// Status is a call lifecycle state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusOutgoing   Status = "outgoing"
	StatusIncoming   Status = "incoming"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// transitions lists the allowed next states. ended is terminal for the call
// but a new call may start from it.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusOutgoing, StatusIncoming},
	StatusOutgoing:   {StatusConnecting, StatusEnded},
	StatusIncoming:   {StatusConnecting, StatusEnded},
	StatusConnecting: {StatusActive, StatusEnded},
	StatusActive:     {StatusEnded},
	StatusEnded:      {StatusIdle, StatusOutgoing, StatusIncoming},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// End reasons recorded by the store itself.
const (
	ReasonHangup   = "hangup"
	ReasonRejected = "rejected"
)

// Preferences are the persisted call defaults.
type Preferences struct {
	StartMuted     bool `json:"startMuted"`
	StartCameraOff bool `json:"startCameraOff"`
}

// State is the typed view of the call tree.
type State struct {
	Status      Status      `json:"status"`
	CallID      string      `json:"callId"`
	PeerID      string      `json:"peerId"`
	Video       bool        `json:"video"`
	Muted       bool        `json:"muted"`
	CameraOff   bool        `json:"cameraOff"`
	StartedAt   *time.Time  `json:"startedAt"`
	EndReason   string      `json:"endReason,omitempty"`
	ICEServers  []ICEServer `json:"iceServers"`
	Preferences Preferences `json:"preferences"`
}

// Ended is the payload of call:ended.
type Ended struct {
	CallID   string        `json:"callId"`
	PeerID   string        `json:"peerId"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
}

// DefaultState is the idle state.
func DefaultState() State {
	return State{Status: StatusIdle, ICEServers: []ICEServer{}}
}

// Options configure ICE servers.
type Options struct {
	STUNURLs      []string
	TURNURLs      []string
	CredentialTTL time.Duration
}

// OptionsFromConfig reads the call section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		STUNURLs:      cfg.GetSTUNURLs(),
		TURNURLs:      cfg.GetTURNURLs(),
		CredentialTTL: cfg.GetCredentialTTL(),
	}
}

// Store is the call domain store.
type Store struct {
	*stores.Base
	opts Options
}

// New creates the call store.
func New(deps stores.Deps, opts Options) *Store {
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = config.DefaultCredentialTTL
	}
	return &Store{
		Base: stores.NewBase(Name, deps, stores.DefaultTree(DefaultState()), "preferences"),
		opts: opts,
	}
}

// Init loads persisted call preferences.
func (s *Store) Init(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		return err
	}
	err := s.Update(func(tx *state.Tx) error {
		var p Preferences
		if _, err := tx.GetInto("preferences", &p); err != nil {
			return tx.Set("preferences", Preferences{})
		}
		return nil
	}, csstate.WithPersist(false))
	if err != nil {
		return cserrors.NewInitializationError(Name, err)
	}
	return nil
}

// Clear returns to idle and forgets preferences.
func (s *Store) Clear() {
	s.Restore(stores.DefaultTree(DefaultState()))
}

// Destroy drops every subscriber.
func (s *Store) Destroy(context.Context) error {
	s.Teardown()
	return nil
}

// Current decodes the whole tree.
func (s *Store) Current() State {
	st := DefaultState()
	if err := state.Decode(s.Snapshot(), &st); err != nil {
		s.Log.Warnf("Failed to decode call state: %v", err)
	}
	return st
}

// Status returns the lifecycle state.
func (s *Store) Status() Status {
	v, _ := s.Get("status")
	str, _ := v.(string)
	return Status(str)
}

// StartCall places a call to peerID.
func (s *Store) StartCall(peerID string, video bool) (string, error) {
	if peerID == "" {
		return "", cserrors.NewValidationError("peer id cannot be empty", nil)
	}
	callID := uuid.NewString()
	err := s.transition(StatusOutgoing, func(tx *state.Tx, _ State) error {
		return s.begin(tx, callID, peerID, video)
	})
	if err != nil {
		return "", err
	}
	return callID, nil
}

// ReceiveCall records an incoming call and emits call:incoming.
func (s *Store) ReceiveCall(callID, peerID string, video bool) error {
	if callID == "" || peerID == "" {
		return cserrors.NewValidationError("call id and peer id are required", nil)
	}
	err := s.transition(StatusIncoming, func(tx *state.Tx, _ State) error {
		return s.begin(tx, callID, peerID, video)
	})
	if err != nil {
		return err
	}
	s.Emit(csevents.CallIncoming, s.Current())
	return nil
}

// Accept answers an incoming call.
func (s *Store) Accept() error {
	if st := s.Status(); st != StatusIncoming {
		return s.invalid(st, StatusConnecting)
	}
	return s.transition(StatusConnecting, nil)
}

// Answered records that the peer answered an outgoing call.
func (s *Store) Answered() error {
	if st := s.Status(); st != StatusOutgoing {
		return s.invalid(st, StatusConnecting)
	}
	return s.transition(StatusConnecting, nil)
}

// Connected records that media is flowing and emits call:started.
func (s *Store) Connected() error {
	now := s.Deps.Scheduler.Now()
	err := s.transition(StatusActive, func(tx *state.Tx, _ State) error {
		return tx.Set("startedAt", now)
	})
	if err != nil {
		return err
	}
	s.Emit(csevents.CallStarted, s.Current())
	return nil
}

// Reject declines an incoming call.
func (s *Store) Reject() error {
	if st := s.Status(); st != StatusIncoming {
		return s.invalid(st, StatusEnded)
	}
	return s.End(ReasonRejected)
}

// End finishes the current call and emits call:ended.
func (s *Store) End(reason string) error {
	if reason == "" {
		reason = ReasonHangup
	}
	now := s.Deps.Scheduler.Now()
	var ended Ended
	err := s.transition(StatusEnded, func(tx *state.Tx, prev State) error {
		ended = Ended{CallID: prev.CallID, PeerID: prev.PeerID, Reason: reason}
		if prev.StartedAt != nil {
			ended.Duration = now.Sub(*prev.StartedAt)
		}
		return tx.Set("endReason", reason)
	})
	if err != nil {
		return err
	}
	s.Emit(csevents.CallEnded, ended)
	return nil
}

// Dismiss returns an ended call to idle.
func (s *Store) Dismiss() error {
	return s.transition(StatusIdle, func(tx *state.Tx, _ State) error {
		return s.resetCall(tx)
	})
}

// ToggleMute flips the microphone during a call.
func (s *Store) ToggleMute() (bool, error) { return s.toggle("muted") }

// ToggleCamera flips the camera during a call.
func (s *Store) ToggleCamera() (bool, error) { return s.toggle("cameraOff") }

// SetPreferences stores the call defaults.
func (s *Store) SetPreferences(p Preferences) error {
	return s.Update(func(tx *state.Tx) error { return tx.Set("preferences", p) })
}

func (s *Store) toggle(field string) (bool, error) {
	var value bool
	err := s.Update(func(tx *state.Tx) error {
		var st Status
		_, _ = tx.GetInto("status", &st)
		if st == StatusIdle || st == StatusEnded {
			return fmt.Errorf("%w: cannot toggle %s while %s", cserrors.ErrInvalidTransition, field, st)
		}
		_, _ = tx.GetInto(field, &value)
		value = !value
		return tx.Set(field, value)
	}, csstate.WithPersist(false))
	return value, err
}

// transition moves to next if allowed, running apply in the same mutation.
func (s *Store) transition(next Status, apply func(tx *state.Tx, prev State) error) error {
	return s.Update(func(tx *state.Tx) error {
		prev := DefaultState()
		if err := state.Decode(txSnapshot(tx), &prev); err != nil {
			return err
		}
		if !CanTransition(prev.Status, next) {
			return s.invalid(prev.Status, next)
		}
		if apply != nil {
			if err := apply(tx, prev); err != nil {
				return err
			}
		}
		return tx.Set("status", next)
	}, csstate.WithPersist(false))
}

func (s *Store) begin(tx *state.Tx, callID, peerID string, video bool) error {
	var prefs Preferences
	_, _ = tx.GetInto("preferences", &prefs)
	if err := s.resetCall(tx); err != nil {
		return err
	}
	_ = tx.Set("callId", callID)
	_ = tx.Set("peerId", peerID)
	_ = tx.Set("video", video)
	_ = tx.Set("muted", prefs.StartMuted)
	return tx.Set("cameraOff", !video || prefs.StartCameraOff)
}

func (s *Store) resetCall(tx *state.Tx) error {
	_ = tx.Set("callId", "")
	_ = tx.Set("peerId", "")
	_ = tx.Set("video", false)
	_ = tx.Set("muted", false)
	_ = tx.Set("cameraOff", false)
	_ = tx.Set("startedAt", nil)
	return tx.Delete("endReason")
}

func (s *Store) invalid(from, to Status) error {
	return fmt.Errorf("%w: call cannot move from %s to %s", cserrors.ErrInvalidTransition, from, to)
}

// txSnapshot returns the current status fields of the transaction tree.
func txSnapshot(tx *state.Tx) map[string]interface{} {
	out := make(map[string]interface{})
	for _, key := range []string{"status", "callId", "peerId", "startedAt"} {
		if v, ok := tx.Get(key); ok {
			out[key] = v
		}
	}
	return out
}
