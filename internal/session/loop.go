package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// antiFlapWindow bounds resurrection: a DISCONNECTED grant created
// within this window is promoted back to CONNECTED when its identity
// reappears, instead of a new grant being created. Older grants are
// left untouched.
const antiFlapWindow = 24 * time.Hour

// CheckConnections is the core reconciliation pass: query the device
// once, then drive every tracked grant from the observed facts. A
// device-query failure aborts the whole pass with no mutation; a
// single grant's failure is logged and skipped.
func (s *Service) CheckConnections(ctx context.Context) error {
	p := s.params()
	now := s.now()

	grants, err := s.store.OpenGrants()
	if err != nil {
		return fmt.Errorf("connection check: %w", err)
	}
	conns, src, err := s.dev.ListActiveConnections(ctx)
	if err != nil {
		return fmt.Errorf("connection check: %w", err)
	}
	s.log.Debug("connection check", "grants", len(grants), "connections", len(conns), "source", src)

	active := make(map[string]routeros.Connection, len(conns))
	for _, c := range conns {
		if c.Active {
			active[c.Name] = c
		}
	}

	tracked := make(map[string]bool, len(grants))
	for i := range grants {
		grant := &grants[i]
		tracked[grant.Identity] = true
		if err := s.reconcileGrant(ctx, grant, active, p); err != nil {
			s.log.Error("grant reconcile failed", "grant", grant.ID, "error", err)
		}
	}

	// Identities reporting active with no tracked grant: anti-flap
	// resurrection of a recent DISCONNECTED grant.
	for name := range active {
		if tracked[name] {
			continue
		}
		if err := s.resurrect(ctx, name, now); err != nil {
			s.log.Error("resurrection failed", "identity", name, "error", err)
		}
	}
	return nil
}

func (s *Service) reconcileGrant(ctx context.Context, grant *store.Grant, active map[string]routeros.Connection, p Params) error {
	grantee, err := s.store.GetGrantee(grant.GranteeID)
	if err != nil {
		return err
	}
	now := s.now()
	requireConfirm := s.requireConfirmation(grantee)

	conn, seen := active[grant.Identity]
	if seen {
		if grant.DeviceConnID != conn.Ref && conn.Ref != "" {
			if err := s.store.SetDeviceConn(grant.ID, conn.Ref); err != nil {
				return err
			}
			grant.DeviceConnID = conn.Ref
		}
		if err := s.store.TouchSeen(grant.ID); err != nil {
			return err
		}
	}

	event, ok := s.classify(grant, seen, requireConfirm, p, now)
	if !ok {
		return nil
	}
	out, err := Next(Input{
		Status:              Status(grant.Status),
		Event:               event,
		RequireConfirmation: requireConfirm,
	})
	if err != nil {
		return err
	}
	_, err = s.applyOutcome(ctx, grant, grantee, out, applyOptions{})
	return err
}

// classify turns wall-clock facts into the machine event for one
// grant. The machine itself stays clock-free.
func (s *Service) classify(grant *store.Grant, seen, requireConfirm bool, p Params, now time.Time) (Event, bool) {
	if seen {
		// Confirmation timeout applies even while the device still
		// reports the identity: silence, not absence, is what expires
		// the prompt.
		if grant.Status == string(StatusConnected) && requireConfirm &&
			grant.ConnectedAt != nil && now.Sub(*grant.ConnectedAt) > p.ConfirmTimeout {
			return EventConfirmTimeout, true
		}
		return EventSeenActive, true
	}

	switch Status(grant.Status) {
	case StatusConnected:
		if requireConfirm && grant.ConnectedAt != nil && now.Sub(*grant.ConnectedAt) > p.ConfirmTimeout {
			return EventConfirmTimeout, true
		}
		fallthrough
	case StatusConfirmed, StatusActive, StatusReminderSent:
		last := grant.LastSeenAt
		if last == nil {
			last = grant.ConnectedAt
		}
		if last != nil && now.Sub(*last) > p.GraceWindow() {
			return EventLapsed, true
		}
	}
	return 0, false
}

func (s *Service) resurrect(ctx context.Context, identity string, now time.Time) error {
	grant, err := s.store.LatestGrantForIdentity(identity)
	if errors.Is(err, store.ErrNotFound) {
		return nil // never granted; not ours to track
	}
	if err != nil {
		return err
	}
	if grant.Status != string(StatusDisconnected) || now.Sub(grant.CreatedAt) > antiFlapWindow {
		return nil
	}
	grantee, err := s.store.GetGrantee(grant.GranteeID)
	if err != nil {
		return err
	}
	out, err := Next(Input{
		Status:        Status(grant.Status),
		Event:         EventSeenActive,
		Resurrectable: true,
	})
	if err != nil || !out.Changed {
		return err
	}
	if err := s.store.TouchSeen(grant.ID); err != nil {
		return err
	}
	_, err = s.applyOutcome(ctx, grant, grantee, out, applyOptions{})
	return err
}

// CheckExpiry expires overdue grants, backfills missing expiry from
// the grantee's configured duration, and raises reminders for grants
// entering the look-ahead window. Runs on its own slower cadence.
func (s *Service) CheckExpiry(ctx context.Context) error {
	p := s.params()
	now := s.now()

	grants, err := s.store.OpenGrants()
	if err != nil {
		return fmt.Errorf("expiry check: %w", err)
	}
	for i := range grants {
		grant := &grants[i]
		grantee, err := s.store.GetGrantee(grant.GranteeID)
		if err != nil {
			s.log.Error("expiry check failed", "grant", grant.ID, "error", err)
			continue
		}

		if grant.ExpiresAt == nil {
			// Every open grant keeps its identity enabled, so every
			// open grant needs a deadline; a crash between activation
			// and the expiry write, or a request nobody ever connects
			// to, leaves a hole we close here.
			base := grant.CreatedAt
			if grant.ConfirmedAt != nil {
				base = *grant.ConfirmedAt
			} else if grant.ConnectedAt != nil {
				base = *grant.ConnectedAt
			}
			expires := base.Add(s.grantDuration(grantee))
			if err := s.store.SetExpiry(grant.ID, expires); err != nil {
				s.log.Error("expiry backfill failed", "grant", grant.ID, "error", err)
				continue
			}
			grant.ExpiresAt = &expires
			s.log.Warn("expiry backfilled", "grant", grant.ID, "expires_at", expires)
		}

		var event Event
		switch {
		case !grant.ExpiresAt.After(now):
			event = EventExpired
		case grant.ReminderSentAt == nil && p.ReminderLead > 0 &&
			grant.ExpiresAt.Sub(now) <= p.ReminderLead:
			event = EventReminderDue
		default:
			continue
		}
		out, err := Next(Input{Status: Status(grant.Status), Event: event})
		if err != nil {
			s.log.Error("expiry transition failed", "grant", grant.ID, "error", err)
			continue
		}
		if _, err := s.applyOutcome(ctx, grant, grantee, out, applyOptions{}); err != nil {
			s.log.Error("expiry apply failed", "grant", grant.ID, "error", err)
		}
	}
	return nil
}

// Sweep deletes terminal grants whose last update fell outside the
// retention window. Runs daily.
func (s *Service) Sweep(ctx context.Context) error {
	p := s.params()
	cutoff := s.now().Add(-p.Retention)
	n, err := s.store.DeleteTerminalBefore(cutoff)
	if err != nil {
		return fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		s.log.Info("retention sweep", "deleted", n, "cutoff", cutoff)
	}
	return nil
}
