// Package session models the lifecycle of an access grant: the pure
// state machine, the intake operations, and the reconciliation jobs
// that drive grants from the device's observed facts.
package session

import (
	"errors"
	"fmt"

	"github.com/vpnwarden/vpnwarden/internal/notify"
)

// ErrInvalidTransition is returned when an operation is attempted from
// a state that forbids it. It is surfaced to the caller, never retried.
var ErrInvalidTransition = errors.New("invalid grant state")

// Status is the lifecycle state of a grant.
type Status string

const (
	StatusRequested    Status = "requested"
	StatusConnected    Status = "connected"
	StatusConfirmed    Status = "confirmed"
	StatusActive       Status = "active"
	StatusReminderSent Status = "reminder_sent"
	StatusExpired      Status = "expired"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether the status ends the lifecycle. Terminal
// grants are retained for audit until the retention sweep removes them.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDisconnected
}

// NonTerminalStatuses lists every state the reconciliation loop tracks.
var NonTerminalStatuses = []Status{
	StatusRequested,
	StatusConnected,
	StatusConfirmed,
	StatusActive,
	StatusReminderSent,
}

// Event is an observed fact or caller operation fed to the machine.
type Event int

const (
	// EventSeenActive: the device reports the grant's identity with a
	// live connection.
	EventSeenActive Event = iota
	// EventLapsed: the identity has not been reported active for
	// longer than the grace window.
	EventLapsed
	// EventConfirmYes / EventConfirmNo: the grantee answered the
	// confirmation prompt.
	EventConfirmYes
	EventConfirmNo
	// EventConfirmTimeout: no confirmation reply arrived within the
	// configured timeout.
	EventConfirmTimeout
	// EventExpired: expires-at has passed.
	EventExpired
	// EventManualDisconnect: explicit disconnect from intake or the
	// chat front end.
	EventManualDisconnect
	// EventReminderDue: expiry falls within the look-ahead window.
	EventReminderDue
	// EventExtend: the grantee asked to extend the session.
	EventExtend
)

// Effect is a device- or store-side action the transition demands.
type Effect int

const (
	EffectEnableRule Effect = iota
	EffectDisableRule
	EffectDisableIdentity
	EffectTerminateConnections
	EffectSetExpiry
	EffectClearReminder
)

// Cause labels the transition in the audit trail. Confirmation timeout
// and an explicit "no" both disconnect, but stay distinguishable here.
type Cause string

const (
	CauseObservedConnect Cause = "observed-connect"
	CauseAutoConfirmed   Cause = "auto-confirmed"
	CauseConfirmedYes    Cause = "confirmed-yes"
	CauseConfirmedNo     Cause = "confirmed-no"
	CauseConfirmTimeout  Cause = "confirm-timeout"
	CauseGraceElapsed    Cause = "grace-elapsed"
	CauseExpired         Cause = "expired"
	CauseManual          Cause = "manual-disconnect"
	CauseResurrected     Cause = "resurrected"
	CauseReminder        Cause = "reminder"
	CauseExtended        Cause = "extended"
)

// Input is the full context a transition decision needs. The machine
// stays pure: wall-clock comparisons (grace window, confirmation
// timeout, expiry, anti-flap age) happen in the caller, which encodes
// their result in the event or the flags here.
type Input struct {
	Status Status
	Event  Event

	// RequireConfirmation is the effective setting for the grantee
	// (per-grantee override, else the global default).
	RequireConfirmation bool

	// Resurrectable marks a disconnected grant created recently enough
	// for anti-flap promotion back to tracking.
	Resurrectable bool
}

// Outcome is the computed transition.
type Outcome struct {
	Status  Status
	Effects []Effect
	Cause   Cause
	Notify  string // notification template key, empty for none
	Changed bool   // false: no-op, nothing to persist or apply
}

var (
	revokeEffects = []Effect{EffectDisableRule, EffectDisableIdentity, EffectTerminateConnections}
	expireEffects = []Effect{EffectDisableRule, EffectDisableIdentity}
	grantEffects  = []Effect{EffectEnableRule, EffectSetExpiry}
)

func noop(s Status) Outcome { return Outcome{Status: s} }

// Next computes the transition for one grant. Observation events never
// fail; they no-op when the state does not care. Caller operations
// (confirmation, extension, manual disconnect) return
// ErrInvalidTransition when the state forbids them.
func Next(in Input) (Outcome, error) {
	switch in.Event {
	case EventSeenActive:
		return seenActive(in), nil

	case EventLapsed:
		switch in.Status {
		case StatusConnected, StatusConfirmed, StatusActive, StatusReminderSent:
			return Outcome{
				Status:  StatusDisconnected,
				Effects: revokeEffects,
				Cause:   CauseGraceElapsed,
				Notify:  notify.TemplateDisconnected,
				Changed: true,
			}, nil
		}
		return noop(in.Status), nil

	case EventConfirmYes:
		if in.Status != StatusConnected {
			return noop(in.Status), fmt.Errorf("confirm from %s: %w", in.Status, ErrInvalidTransition)
		}
		return Outcome{
			Status:  StatusActive,
			Effects: grantEffects,
			Cause:   CauseConfirmedYes,
			Notify:  notify.TemplateConfirmed,
			Changed: true,
		}, nil

	case EventConfirmNo:
		if in.Status != StatusConnected {
			return noop(in.Status), fmt.Errorf("confirm from %s: %w", in.Status, ErrInvalidTransition)
		}
		return Outcome{
			Status:  StatusDisconnected,
			Effects: revokeEffects,
			Cause:   CauseConfirmedNo,
			Notify:  notify.TemplateDisconnected,
			Changed: true,
		}, nil

	case EventConfirmTimeout:
		if in.Status != StatusConnected {
			return noop(in.Status), nil
		}
		return Outcome{
			Status:  StatusDisconnected,
			Effects: revokeEffects,
			Cause:   CauseConfirmTimeout,
			Notify:  notify.TemplateDisconnected,
			Changed: true,
		}, nil

	case EventExpired:
		// Expiry wins from any non-terminal state, whichever job
		// notices first.
		if in.Status.Terminal() {
			return noop(in.Status), nil
		}
		return Outcome{
			Status:  StatusExpired,
			Effects: expireEffects,
			Cause:   CauseExpired,
			Notify:  notify.TemplateExpired,
			Changed: true,
		}, nil

	case EventManualDisconnect:
		if in.Status.Terminal() {
			return noop(in.Status), fmt.Errorf("disconnect from %s: %w", in.Status, ErrInvalidTransition)
		}
		return Outcome{
			Status:  StatusDisconnected,
			Effects: revokeEffects,
			Cause:   CauseManual,
			Notify:  notify.TemplateDisconnected,
			Changed: true,
		}, nil

	case EventReminderDue:
		switch in.Status {
		case StatusConfirmed, StatusActive:
			return Outcome{
				Status:  StatusReminderSent,
				Cause:   CauseReminder,
				Notify:  notify.TemplateReminder,
				Changed: true,
			}, nil
		}
		return noop(in.Status), nil

	case EventExtend:
		switch in.Status {
		case StatusActive, StatusReminderSent:
			return Outcome{
				Status:  StatusActive,
				Effects: []Effect{EffectSetExpiry, EffectClearReminder},
				Cause:   CauseExtended,
				Changed: true,
			}, nil
		}
		return noop(in.Status), fmt.Errorf("extend from %s: %w", in.Status, ErrInvalidTransition)
	}

	return noop(in.Status), fmt.Errorf("unknown event %d", in.Event)
}

// seenActive handles the one event whose outcome depends on the most
// state: the device reporting a live connection for the identity.
func seenActive(in Input) Outcome {
	switch in.Status {
	case StatusRequested:
		if in.RequireConfirmation {
			return Outcome{
				Status:  StatusConnected,
				Cause:   CauseObservedConnect,
				Notify:  notify.TemplateConfirmationRequired,
				Changed: true,
			}
		}
		return Outcome{
			Status:  StatusActive,
			Effects: grantEffects,
			Cause:   CauseAutoConfirmed,
			Notify:  notify.TemplateConfirmed,
			Changed: true,
		}

	case StatusConnected:
		if in.RequireConfirmation {
			// Waiting for the grantee's reply; the caller tracks the
			// confirmation timeout separately.
			return noop(in.Status)
		}
		return Outcome{
			Status:  StatusActive,
			Effects: grantEffects,
			Cause:   CauseAutoConfirmed,
			Notify:  notify.TemplateConfirmed,
			Changed: true,
		}

	case StatusConfirmed:
		// Normally transient; finish the chain if a crash left it
		// persisted.
		return Outcome{
			Status:  StatusActive,
			Effects: grantEffects,
			Cause:   CauseConfirmedYes,
			Changed: true,
		}

	case StatusDisconnected:
		if in.Resurrectable {
			return Outcome{
				Status:  StatusConnected,
				Cause:   CauseResurrected,
				Changed: true,
			}
		}
		return noop(in.Status)
	}

	// ACTIVE, REMINDER_SENT, EXPIRED: nothing to do beyond the
	// caller's liveness bookkeeping.
	return noop(in.Status)
}
