package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

type applyOptions struct {
	// revokeOnly suppresses force-termination of live connections.
	revokeOnly bool
	// expiresAt overrides the computed expiry for EffectSetExpiry.
	expiresAt time.Time
}

// applyOutcome runs a transition's device effects, persists the new
// status with its audit row, and raises the notification. Device
// effects run before the status is written: if one fails the grant
// stays put and the next reconciliation pass retries. A missing device
// record counts as already in the desired state.
func (s *Service) applyOutcome(ctx context.Context, grant *store.Grant, grantee *store.Grantee, out Outcome, opts applyOptions) (*store.Grant, error) {
	if !out.Changed {
		return grant, nil
	}

	expiresAt := opts.expiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(s.grantDuration(grantee))
	}

	for _, effect := range out.Effects {
		if err := s.applyEffect(ctx, grant, grantee, effect, opts, expiresAt); err != nil {
			return nil, fmt.Errorf("apply %s to grant %s: %w", out.Cause, grant.ID, err)
		}
	}

	updated, err := s.store.ApplyTransition(grant.ID, string(out.Status), string(out.Cause), "")
	if err != nil {
		return nil, err
	}
	s.log.Info("grant transition",
		"grant", grant.ID, "grantee", grantee.Name,
		"from", grant.Status, "to", out.Status, "cause", out.Cause)

	if out.Notify != "" {
		if err := s.notifier.Notify(ctx, grantee.ID, out.Notify, s.notifyContext(grantee, updated)); err != nil {
			s.log.Warn("notification failed", "grantee", grantee.Name, "template", out.Notify, "error", err)
		}
	}
	return updated, nil
}

func (s *Service) applyEffect(ctx context.Context, grant *store.Grant, grantee *store.Grantee, effect Effect, opts applyOptions, expiresAt time.Time) error {
	switch effect {
	case EffectEnableRule:
		return s.setRule(ctx, grant, grantee, false)

	case EffectDisableRule:
		return s.setRule(ctx, grant, grantee, true)

	case EffectDisableIdentity:
		err := s.dev.SetIdentityDisabled(ctx, grant.Identity, true)
		if errors.Is(err, routeros.ErrNotFound) {
			return nil
		}
		return err

	case EffectTerminateConnections:
		if opts.revokeOnly {
			return nil
		}
		return s.dev.TerminateConnections(ctx, grant.Identity)

	case EffectSetExpiry:
		return s.store.SetExpiry(grant.ID, expiresAt)

	case EffectClearReminder:
		return s.store.ClearReminder(grant.ID)
	}
	return fmt.Errorf("unknown effect %d", effect)
}

// setRule toggles the grantee's bound rule, resolved by its comment.
// No bound comment means no rule effect; a comment that resolves to
// nothing on the device is logged and skipped, since the binding is a
// weak reference with no device-side integrity.
func (s *Service) setRule(ctx context.Context, grant *store.Grant, grantee *store.Grantee, disabled bool) error {
	if grantee.RuleComment == "" {
		return nil
	}
	ref := grant.RuleRef
	if ref == "" {
		rule, err := s.dev.FindRuleByComment(ctx, grantee.RuleComment)
		if errors.Is(err, routeros.ErrNotFound) {
			s.log.Warn("bound rule missing on device", "grantee", grantee.Name, "comment", grantee.RuleComment)
			return nil
		}
		if err != nil {
			return err
		}
		ref = rule.Ref
		if serr := s.store.SetRuleRef(grant.ID, ref); serr != nil {
			return serr
		}
	}
	err := s.dev.SetRuleDisabled(ctx, ref, disabled)
	if errors.Is(err, routeros.ErrNotFound) {
		s.log.Warn("bound rule vanished on device", "grantee", grantee.Name, "ref", ref)
		return nil
	}
	return err
}

// notifyContext builds the placeholder map the gateway renders
// templates from.
func (s *Service) notifyContext(grantee *store.Grantee, grant *store.Grant) map[string]string {
	now := s.now()
	c := map[string]string{
		"grantee_name":    grantee.Name,
		"device_identity": grant.Identity,
		"current_time":    now.Format(time.RFC3339),
	}
	if grant.DeviceConnID != "" {
		c["device_conn_id"] = grant.DeviceConnID
	}
	if grant.ExpiresAt != nil {
		c["expires_at"] = grant.ExpiresAt.Format(time.RFC3339)
		remaining := grant.ExpiresAt.Sub(now).Hours()
		if remaining < 0 {
			remaining = 0
		}
		c["hours_remaining"] = strconv.FormatFloat(remaining, 'f', 1, 64)
	}
	return c
}
