package session

import (
	"errors"
	"testing"

	"github.com/vpnwarden/vpnwarden/internal/notify"
)

func hasEffect(out Outcome, e Effect) bool {
	for _, got := range out.Effects {
		if got == e {
			return true
		}
	}
	return false
}

func TestSeenActiveTransitions(t *testing.T) {
	tests := []struct {
		name           string
		in             Input
		wantStatus     Status
		wantChanged    bool
		wantNotify     string
		wantEnableRule bool
	}{
		{
			name:        "requested with confirmation waits connected",
			in:          Input{Status: StatusRequested, Event: EventSeenActive, RequireConfirmation: true},
			wantStatus:  StatusConnected,
			wantChanged: true,
			wantNotify:  notify.TemplateConfirmationRequired,
		},
		{
			name:           "requested without confirmation goes straight active",
			in:             Input{Status: StatusRequested, Event: EventSeenActive},
			wantStatus:     StatusActive,
			wantChanged:    true,
			wantNotify:     notify.TemplateConfirmed,
			wantEnableRule: true,
		},
		{
			name:        "connected pending confirmation stays put",
			in:          Input{Status: StatusConnected, Event: EventSeenActive, RequireConfirmation: true},
			wantStatus:  StatusConnected,
			wantChanged: false,
		},
		{
			name:           "connected auto-confirms when requirement dropped",
			in:             Input{Status: StatusConnected, Event: EventSeenActive},
			wantStatus:     StatusActive,
			wantChanged:    true,
			wantNotify:     notify.TemplateConfirmed,
			wantEnableRule: true,
		},
		{
			name:           "confirmed finishes the chain",
			in:             Input{Status: StatusConfirmed, Event: EventSeenActive},
			wantStatus:     StatusActive,
			wantChanged:    true,
			wantEnableRule: true,
		},
		{
			name:        "active is a no-op",
			in:          Input{Status: StatusActive, Event: EventSeenActive},
			wantStatus:  StatusActive,
			wantChanged: false,
		},
		{
			name:        "recent disconnected resurrects to connected",
			in:          Input{Status: StatusDisconnected, Event: EventSeenActive, Resurrectable: true},
			wantStatus:  StatusConnected,
			wantChanged: true,
		},
		{
			name:        "old disconnected stays terminal",
			in:          Input{Status: StatusDisconnected, Event: EventSeenActive},
			wantStatus:  StatusDisconnected,
			wantChanged: false,
		},
		{
			name:        "expired stays terminal",
			in:          Input{Status: StatusExpired, Event: EventSeenActive, Resurrectable: true},
			wantStatus:  StatusExpired,
			wantChanged: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Next(tt.in)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if out.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", out.Status, tt.wantStatus)
			}
			if out.Changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", out.Changed, tt.wantChanged)
			}
			if out.Notify != tt.wantNotify {
				t.Errorf("notify = %q, want %q", out.Notify, tt.wantNotify)
			}
			if hasEffect(out, EffectEnableRule) != tt.wantEnableRule {
				t.Errorf("enable-rule effect = %v, want %v", !tt.wantEnableRule, tt.wantEnableRule)
			}
			if tt.wantEnableRule && !hasEffect(out, EffectSetExpiry) {
				t.Error("activation must set expiry")
			}
		})
	}
}

func TestConfirmationReplies(t *testing.T) {
	out, err := Next(Input{Status: StatusConnected, Event: EventConfirmYes, RequireConfirmation: true})
	if err != nil {
		t.Fatalf("confirm yes: %v", err)
	}
	if out.Status != StatusActive || out.Cause != CauseConfirmedYes {
		t.Errorf("confirm yes = %s/%s, want active/confirmed-yes", out.Status, out.Cause)
	}

	out, err = Next(Input{Status: StatusConnected, Event: EventConfirmNo, RequireConfirmation: true})
	if err != nil {
		t.Fatalf("confirm no: %v", err)
	}
	if out.Status != StatusDisconnected || out.Cause != CauseConfirmedNo {
		t.Errorf("confirm no = %s/%s, want disconnected/confirmed-no", out.Status, out.Cause)
	}
	if !hasEffect(out, EffectDisableIdentity) || !hasEffect(out, EffectDisableRule) || !hasEffect(out, EffectTerminateConnections) {
		t.Errorf("confirm no must revoke fully, got %v", out.Effects)
	}

	// Replies only make sense while the prompt is pending.
	for _, status := range []Status{StatusRequested, StatusActive, StatusExpired, StatusDisconnected} {
		if _, err := Next(Input{Status: status, Event: EventConfirmYes}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("confirm from %s: err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestConfirmTimeoutIsDistinguishedFromNo(t *testing.T) {
	out, err := Next(Input{Status: StatusConnected, Event: EventConfirmTimeout, RequireConfirmation: true})
	if err != nil {
		t.Fatalf("confirm timeout: %v", err)
	}
	if out.Status != StatusDisconnected {
		t.Fatalf("status = %s, want disconnected", out.Status)
	}
	if out.Cause != CauseConfirmTimeout {
		t.Errorf("cause = %s, want %s", out.Cause, CauseConfirmTimeout)
	}
	// Same outcome from a non-pending state is a silent no-op, not an
	// error: the timeout check runs on every pass.
	out, err = Next(Input{Status: StatusActive, Event: EventConfirmTimeout})
	if err != nil || out.Changed {
		t.Errorf("timeout on active: changed=%v err=%v, want no-op", out.Changed, err)
	}
}

func TestLapseAndExpiry(t *testing.T) {
	for _, status := range []Status{StatusConnected, StatusConfirmed, StatusActive, StatusReminderSent} {
		out, err := Next(Input{Status: status, Event: EventLapsed})
		if err != nil {
			t.Fatalf("lapse from %s: %v", status, err)
		}
		if out.Status != StatusDisconnected || out.Cause != CauseGraceElapsed {
			t.Errorf("lapse from %s = %s/%s", status, out.Status, out.Cause)
		}
		if !hasEffect(out, EffectTerminateConnections) {
			t.Errorf("lapse from %s must force-terminate", status)
		}
	}

	// A grant never seen connected cannot lapse.
	out, _ := Next(Input{Status: StatusRequested, Event: EventLapsed})
	if out.Changed {
		t.Error("lapse from requested must be a no-op")
	}

	for _, status := range NonTerminalStatuses {
		out, err := Next(Input{Status: status, Event: EventExpired})
		if err != nil {
			t.Fatalf("expire from %s: %v", status, err)
		}
		if out.Status != StatusExpired {
			t.Errorf("expire from %s = %s", status, out.Status)
		}
		// Expiry disables but never force-terminates.
		if hasEffect(out, EffectTerminateConnections) {
			t.Errorf("expire from %s must not force-terminate", status)
		}
		if !hasEffect(out, EffectDisableIdentity) {
			t.Errorf("expire from %s must disable the identity", status)
		}
	}
}

func TestManualDisconnect(t *testing.T) {
	out, err := Next(Input{Status: StatusActive, Event: EventManualDisconnect})
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if out.Status != StatusDisconnected || out.Cause != CauseManual {
		t.Errorf("disconnect = %s/%s", out.Status, out.Cause)
	}
	for _, status := range []Status{StatusExpired, StatusDisconnected} {
		if _, err := Next(Input{Status: status, Event: EventManualDisconnect}); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("disconnect from %s: err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestReminderAndExtend(t *testing.T) {
	for _, status := range []Status{StatusConfirmed, StatusActive} {
		out, err := Next(Input{Status: status, Event: EventReminderDue})
		if err != nil {
			t.Fatalf("reminder from %s: %v", status, err)
		}
		if out.Status != StatusReminderSent || out.Notify != notify.TemplateReminder {
			t.Errorf("reminder from %s = %s notify=%q", status, out.Status, out.Notify)
		}
		if len(out.Effects) != 0 {
			t.Errorf("reminder must not touch the device, got %v", out.Effects)
		}
	}
	out, _ := Next(Input{Status: StatusConnected, Event: EventReminderDue})
	if out.Changed {
		t.Error("reminder before activation must be a no-op")
	}

	for _, status := range []Status{StatusActive, StatusReminderSent} {
		out, err := Next(Input{Status: status, Event: EventExtend})
		if err != nil {
			t.Fatalf("extend from %s: %v", status, err)
		}
		if out.Status != StatusActive {
			t.Errorf("extend from %s = %s, want active", status, out.Status)
		}
		if !hasEffect(out, EffectSetExpiry) || !hasEffect(out, EffectClearReminder) {
			t.Errorf("extend effects = %v", out.Effects)
		}
	}
	if _, err := Next(Input{Status: StatusRequested, Event: EventExtend}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("extend from requested: err = %v, want ErrInvalidTransition", err)
	}
}
