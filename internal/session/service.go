package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vpnwarden/vpnwarden/internal/notify"
	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// Intake errors surfaced to the administrative API.
var (
	ErrNotApproved     = errors.New("grantee not approved")
	ErrNoIdentity      = errors.New("no device identity bound")
	ErrIdentityUnbound = errors.New("device identity not bound to grantee")
)

// Device is the adapter capability surface the session layer uses.
type Device interface {
	SetIdentityDisabled(ctx context.Context, name string, disabled bool) error
	FindRuleByComment(ctx context.Context, comment string) (routeros.Rule, error)
	SetRuleDisabled(ctx context.Context, ref string, disabled bool) error
	ListActiveConnections(ctx context.Context) ([]routeros.Connection, routeros.Source, error)
	TerminateConnections(ctx context.Context, name string) error
	SystemIdentity(ctx context.Context) (string, error)
	Health() routeros.Health
}

// Params are the runtime knobs every job reads at iteration start. The
// provider merges config-file values with store settings, so updates
// apply without restart.
type Params struct {
	PollInterval        time.Duration
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
	DefaultDuration     time.Duration
	ReminderLead        time.Duration
	Retention           time.Duration
}

// GraceWindow is how long an identity may go unreported before the
// grant counts as lapsed: double the poll interval, floored at 30s so
// a single missed poll never drops a session.
func (p Params) GraceWindow() time.Duration {
	g := 2 * p.PollInterval
	if g < 30*time.Second {
		g = 30 * time.Second
	}
	return g
}

// Service owns every grant mutation: the intake operations here and
// the reconciliation jobs in loop.go.
type Service struct {
	store    *store.Store
	dev      Device
	notifier notify.Notifier
	log      *slog.Logger
	params   func() Params
	now      func() time.Time
}

// NewService wires a session service.
func NewService(st *store.Store, dev Device, n notify.Notifier, params func() Params, log *slog.Logger) *Service {
	if n == nil {
		n = notify.Nop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    st,
		dev:      dev,
		notifier: n,
		log:      log,
		params:   params,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Test hook.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) requireConfirmation(g *store.Grantee) bool {
	if g.RequireConfirmation != nil {
		return *g.RequireConfirmation
	}
	return s.params().RequireConfirmation
}

func (s *Service) grantDuration(g *store.Grantee) time.Duration {
	if g.DurationHours > 0 {
		return time.Duration(g.DurationHours) * time.Hour
	}
	return s.params().DefaultDuration
}

// RequestGrant opens a new grant for the grantee. Fail-closed: the
// device identity is enabled first, and the grant only exists once the
// device accepted that; a persistence failure best-effort reverts the
// enable.
func (s *Service) RequestGrant(ctx context.Context, granteeID, deviceIdentity string) (*store.Grant, error) {
	grantee, err := s.store.GetGrantee(granteeID)
	if err != nil {
		return nil, err
	}
	if !grantee.Approved {
		return nil, fmt.Errorf("grantee %q: %w", grantee.Name, ErrNotApproved)
	}
	identity, err := pickIdentity(grantee, deviceIdentity)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.OpenGrantForGrantee(granteeID); err == nil {
		return nil, store.ErrGrantOpen
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := s.dev.SetIdentityDisabled(ctx, identity, false); err != nil {
		return nil, fmt.Errorf("enable identity: %w", err)
	}

	grant, err := s.store.CreateGrant(granteeID, identity)
	if err != nil {
		if derr := s.dev.SetIdentityDisabled(ctx, identity, true); derr != nil {
			s.log.Error("revert identity enable failed", "identity", identity, "error", derr)
		}
		return nil, err
	}
	s.log.Info("grant requested", "grant", grant.ID, "grantee", grantee.Name, "identity", identity)
	return grant, nil
}

func pickIdentity(g *store.Grantee, requested string) (string, error) {
	if requested == "" {
		if len(g.Identities) == 0 {
			return "", fmt.Errorf("grantee %q: %w", g.Name, ErrNoIdentity)
		}
		return g.Identities[0], nil
	}
	for _, id := range g.Identities {
		if id == requested {
			return requested, nil
		}
	}
	return "", fmt.Errorf("identity %q: %w", requested, ErrIdentityUnbound)
}

// RecordConfirmation applies the grantee's confirmation reply.
func (s *Service) RecordConfirmation(ctx context.Context, grantID string, confirmed bool) (*store.Grant, error) {
	grant, grantee, err := s.loadPair(grantID)
	if err != nil {
		return nil, err
	}
	event := EventConfirmNo
	if confirmed {
		event = EventConfirmYes
	}
	out, err := Next(Input{
		Status:              Status(grant.Status),
		Event:               event,
		RequireConfirmation: s.requireConfirmation(grantee),
	})
	if err != nil {
		return nil, err
	}
	return s.applyOutcome(ctx, grant, grantee, out, applyOptions{})
}

// DisconnectGrant revokes a grant. With force, any live device
// connection is dropped too; revoke-only leaves it to lapse at the
// device's own pace.
func (s *Service) DisconnectGrant(ctx context.Context, grantID string, force bool) error {
	grant, grantee, err := s.loadPair(grantID)
	if err != nil {
		return err
	}
	out, err := Next(Input{Status: Status(grant.Status), Event: EventManualDisconnect})
	if err != nil {
		return err
	}
	_, err = s.applyOutcome(ctx, grant, grantee, out, applyOptions{revokeOnly: !force})
	return err
}

// ExtendGrant pushes expiry out by the given hours (the grantee's
// configured duration when zero) and returns the session to ACTIVE.
func (s *Service) ExtendGrant(ctx context.Context, grantID string, hours int) (*store.Grant, error) {
	grant, grantee, err := s.loadPair(grantID)
	if err != nil {
		return nil, err
	}
	out, err := Next(Input{Status: Status(grant.Status), Event: EventExtend})
	if err != nil {
		return nil, err
	}
	duration := s.grantDuration(grantee)
	if hours > 0 {
		duration = time.Duration(hours) * time.Hour
	}
	return s.applyOutcome(ctx, grant, grantee, out, applyOptions{expiresAt: s.now().Add(duration)})
}

// DeviceHealth reports the adapter's last-known device state without a
// device round-trip.
func (s *Service) DeviceHealth() routeros.Health {
	return s.dev.Health()
}

// TestDevice verifies device reachability by fetching the system
// identity resource, and reports current adapter health.
func (s *Service) TestDevice(ctx context.Context) (string, routeros.Health, error) {
	name, err := s.dev.SystemIdentity(ctx)
	return name, s.dev.Health(), err
}

func (s *Service) loadPair(grantID string) (*store.Grant, *store.Grantee, error) {
	grant, err := s.store.GetGrant(grantID)
	if err != nil {
		return nil, nil, err
	}
	grantee, err := s.store.GetGrantee(grant.GranteeID)
	if err != nil {
		return nil, nil, err
	}
	return grant, grantee, nil
}
