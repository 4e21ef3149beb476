package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vpnwarden/vpnwarden/internal/notify"
	"github.com/vpnwarden/vpnwarden/internal/routeros"
	"github.com/vpnwarden/vpnwarden/internal/store"
)

// fakeDevice is an in-memory Device with scriptable failures.
type fakeDevice struct {
	mu sync.Mutex

	identityDisabled map[string]bool
	rules            map[string]routeros.Rule // keyed by comment
	ruleDisabled     map[string]bool          // keyed by ref
	conns            []routeros.Connection
	terminated       []string

	enableErr error
	listErr   error
	ruleErr   error
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		identityDisabled: map[string]bool{},
		rules:            map[string]routeros.Rule{},
		ruleDisabled:     map[string]bool{},
	}
}

func (d *fakeDevice) SetIdentityDisabled(ctx context.Context, name string, disabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enableErr != nil {
		return d.enableErr
	}
	d.identityDisabled[name] = disabled
	return nil
}

func (d *fakeDevice) FindRuleByComment(ctx context.Context, comment string) (routeros.Rule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ruleErr != nil {
		return routeros.Rule{}, d.ruleErr
	}
	r, ok := d.rules[comment]
	if !ok {
		return routeros.Rule{}, fmt.Errorf("comment %q: %w", comment, routeros.ErrNotFound)
	}
	return r, nil
}

func (d *fakeDevice) SetRuleDisabled(ctx context.Context, ref string, disabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ruleDisabled[ref] = disabled
	return nil
}

func (d *fakeDevice) ListActiveConnections(ctx context.Context) ([]routeros.Connection, routeros.Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, "", d.listErr
	}
	out := make([]routeros.Connection, len(d.conns))
	copy(out, d.conns)
	return out, routeros.SourceUserManager, nil
}

func (d *fakeDevice) TerminateConnections(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminated = append(d.terminated, name)
	var kept []routeros.Connection
	for _, c := range d.conns {
		if c.Name != name {
			kept = append(kept, c)
		}
	}
	d.conns = kept
	return nil
}

func (d *fakeDevice) SystemIdentity(ctx context.Context) (string, error) {
	return "router-lab", nil
}

func (d *fakeDevice) Health() routeros.Health {
	return routeros.Health{Reachable: true}
}

func (d *fakeDevice) connect(identity, ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, routeros.Connection{Ref: ref, Name: identity, Active: true})
}

func (d *fakeDevice) disconnect(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []routeros.Connection
	for _, c := range d.conns {
		if c.Name != identity {
			kept = append(kept, c)
		}
	}
	d.conns = kept
}

func (d *fakeDevice) disabled(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identityDisabled[identity]
}

// recordingNotifier captures template keys in delivery order.
type recordingNotifier struct {
	mu        sync.Mutex
	templates []string
}

func (n *recordingNotifier) Notify(ctx context.Context, granteeID, template string, c map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.templates = append(n.templates, template)
	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.templates))
	copy(out, n.templates)
	return out
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type harness struct {
	svc      *Service
	store    *store.Store
	dev      *fakeDevice
	notifier *recordingNotifier
	params   Params

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dev:      newFakeDevice(),
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		params: Params{
			PollInterval:        time.Minute,
			RequireConfirmation: false,
			ConfirmTimeout:      300 * time.Second,
			DefaultDuration:     24 * time.Hour,
			ReminderLead:        time.Hour,
			Retention:           30 * 24 * time.Hour,
		},
	}
	clock := func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.now
	}
	st, err := store.OpenWithClock(filepath.Join(t.TempDir(), "grants.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h.store = st
	h.svc = NewService(st, h.dev, h.notifier, func() Params { return h.params }, nil).WithClock(clock)
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) grantee(t *testing.T, name, identity string) *store.Grantee {
	t.Helper()
	g, err := h.store.CreateGrantee(name, true, 24)
	require.NoError(t, err)
	require.NoError(t, h.store.BindIdentity(g.ID, identity))
	g, err = h.store.GetGrantee(g.ID)
	require.NoError(t, err)
	return g
}

func (h *harness) status(t *testing.T, grantID string) string {
	t.Helper()
	g, err := h.store.GetGrant(grantID)
	require.NoError(t, err)
	return g.Status
}

func TestRequestGrantEnablesIdentityFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")
	h.dev.identityDisabled["vpn-alice"] = true

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	require.Equal(t, string(StatusRequested), grant.Status)
	require.Nil(t, grant.ExpiresAt)
	require.False(t, h.dev.disabled("vpn-alice"))

	// Only one open grant per grantee.
	_, err = h.svc.RequestGrant(ctx, g.ID, "")
	require.ErrorIs(t, err, store.ErrGrantOpen)
}

func TestRequestGrantFailClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")
	h.dev.enableErr = fmt.Errorf("dial: %w", routeros.ErrUnreachable)

	_, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.ErrorIs(t, err, routeros.ErrUnreachable)

	// Device refused, so no grant record may exist.
	_, err = h.store.OpenGrantForGrantee(g.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequestGrantRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unapproved, err := h.store.CreateGrantee("mallory", false, 24)
	require.NoError(t, err)
	_, err = h.svc.RequestGrant(ctx, unapproved.ID, "")
	require.ErrorIs(t, err, ErrNotApproved)

	bare, err := h.store.CreateGrantee("carol", true, 24)
	require.NoError(t, err)
	_, err = h.svc.RequestGrant(ctx, bare.ID, "")
	require.ErrorIs(t, err, ErrNoIdentity)

	g := h.grantee(t, "alice", "vpn-alice")
	_, err = h.svc.RequestGrant(ctx, g.ID, "vpn-somebody-else")
	require.ErrorIs(t, err, ErrIdentityUnbound)
}

func TestAutoConfirmFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")
	require.NoError(t, h.store.SetRuleComment(g.ID, "access for alice"))
	h.dev.rules["access for alice"] = routeros.Rule{Ref: "*A", Comment: "access for alice", Disabled: true}

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)

	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	got, err := h.store.GetGrant(grant.ID)
	require.NoError(t, err)
	require.Equal(t, string(StatusActive), got.Status)
	require.Equal(t, "*C1", got.DeviceConnID)
	require.Equal(t, "*A", got.RuleRef)
	require.NotNil(t, got.ExpiresAt)
	require.WithinDuration(t, h.clock().Add(24*time.Hour), *got.ExpiresAt, time.Second)
	require.False(t, h.dev.ruleDisabled["*A"])
	require.Equal(t, []string{notify.TemplateConfirmed}, h.notifier.sent())

	// Re-running the pass is a no-op.
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))
	require.Len(t, h.notifier.sent(), 1)
}

func TestConfirmationFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.params.RequireConfirmation = true
	g := h.grantee(t, "hana", "vpn-hana")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)

	h.dev.connect("vpn-hana", "*C2")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusConnected), h.status(t, grant.ID))
	require.Equal(t, []string{notify.TemplateConfirmationRequired}, h.notifier.sent())

	// Pending confirmation holds across passes.
	h.advance(time.Minute)
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusConnected), h.status(t, grant.ID))

	got, err := h.svc.RecordConfirmation(ctx, grant.ID, true)
	require.NoError(t, err)
	require.Equal(t, string(StatusActive), got.Status)
	require.NotNil(t, got.ExpiresAt)
}

func TestConfirmationDeclined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.params.RequireConfirmation = true
	g := h.grantee(t, "hana", "vpn-hana")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-hana", "*C2")
	require.NoError(t, h.svc.CheckConnections(ctx))

	got, err := h.svc.RecordConfirmation(ctx, grant.ID, false)
	require.NoError(t, err)
	require.Equal(t, string(StatusDisconnected), got.Status)
	require.True(t, h.dev.disabled("vpn-hana"))
	require.Contains(t, h.dev.terminated, "vpn-hana")

	// The audit trail records the explicit refusal.
	events, err := h.store.AuditForGrant(grant.ID)
	require.NoError(t, err)
	require.Equal(t, string(CauseConfirmedNo), events[len(events)-1].Cause)
}

func TestConfirmationTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.params.RequireConfirmation = true
	g := h.grantee(t, "hana", "vpn-hana")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-hana", "*C2")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusConnected), h.status(t, grant.ID))

	// Still connected, but silent past the timeout.
	h.advance(301 * time.Second)
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusDisconnected), h.status(t, grant.ID))
	require.True(t, h.dev.disabled("vpn-hana"))

	events, err := h.store.AuditForGrant(grant.ID)
	require.NoError(t, err)
	require.Equal(t, string(CauseConfirmTimeout), events[len(events)-1].Cause)
}

func TestPerGranteeConfirmationOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.params.RequireConfirmation = true
	g := h.grantee(t, "alice", "vpn-alice")
	no := false
	require.NoError(t, h.store.SetRequireConfirmation(g.ID, &no))

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))
}

func TestGraceWindowLapse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))

	h.dev.disconnect("vpn-alice")

	// Inside the grace window (2x poll) nothing happens.
	h.advance(90 * time.Second)
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))

	// Past it, the grant lapses and access is revoked.
	h.advance(time.Minute)
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusDisconnected), h.status(t, grant.ID))
	require.True(t, h.dev.disabled("vpn-alice"))
}

func TestDeviceFailureAbortsPassWithoutMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))

	// An unreachable device must not count as everyone-lapsed.
	h.dev.listErr = fmt.Errorf("dial: %w", routeros.ErrUnreachable)
	h.advance(time.Hour)
	err = h.svc.CheckConnections(ctx)
	require.ErrorIs(t, err, routeros.ErrUnreachable)
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))
}

func TestAntiFlapResurrection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	require.NoError(t, h.svc.DisconnectGrant(ctx, grant.ID, false))
	require.Equal(t, string(StatusDisconnected), h.status(t, grant.ID))
	h.dev.disconnect("vpn-alice")

	// The identity reappears an hour later: the existing grant is
	// promoted back instead of a new one being created.
	h.advance(time.Hour)
	h.dev.identityDisabled["vpn-alice"] = false
	h.dev.connect("vpn-alice", "*C9")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusConnected), h.status(t, grant.ID))

	events, err := h.store.AuditForGrant(grant.ID)
	require.NoError(t, err)
	require.Equal(t, string(CauseResurrected), events[len(events)-1].Cause)
}

func TestResurrectionWindowExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.NoError(t, h.svc.DisconnectGrant(ctx, grant.ID, false))
	h.dev.disconnect("vpn-alice")

	// A reappearance outside the anti-flap window stays untracked.
	h.advance(25 * time.Hour)
	h.dev.connect("vpn-alice", "*C9")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusDisconnected), h.status(t, grant.ID))
}

func TestManualDisconnectForce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	require.NoError(t, h.svc.DisconnectGrant(ctx, grant.ID, true))
	require.True(t, h.dev.disabled("vpn-alice"))
	require.Contains(t, h.dev.terminated, "vpn-alice")

	// Terminal grants refuse another disconnect.
	err = h.svc.DisconnectGrant(ctx, grant.ID, true)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestManualDisconnectRevokeOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	require.NoError(t, h.svc.DisconnectGrant(ctx, grant.ID, false))
	require.True(t, h.dev.disabled("vpn-alice"))
	require.Empty(t, h.dev.terminated)
}

func TestExpiryAndReminder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	// Outside the look-ahead window: nothing raised.
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))

	// 23.5h in, expiry is 30m away: reminder, exactly once.
	h.advance(23*time.Hour + 30*time.Minute)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusReminderSent), h.status(t, grant.ID))
	require.Contains(t, h.notifier.sent(), notify.TemplateReminder)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusReminderSent), h.status(t, grant.ID))

	// Past expiry: session ends with identity and rule revoked, but
	// live connections are left to lapse on their own.
	h.advance(time.Hour)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusExpired), h.status(t, grant.ID))
	require.True(t, h.dev.disabled("vpn-alice"))
	require.Empty(t, h.dev.terminated)
}

func TestExpiryBackfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.params.RequireConfirmation = true
	g := h.grantee(t, "hana", "vpn-hana")

	// A CONNECTED grant awaiting confirmation carries no expiry yet; the
	// expiry job must still bound it from the connect time.
	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-hana", "*C2")
	require.NoError(t, h.svc.CheckConnections(ctx))
	connectedAt := h.clock()

	got, err := h.store.GetGrant(grant.ID)
	require.NoError(t, err)
	require.Nil(t, got.ExpiresAt)

	require.NoError(t, h.svc.CheckExpiry(ctx))
	got, err = h.store.GetGrant(grant.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	require.WithinDuration(t, connectedAt.Add(24*time.Hour), *got.ExpiresAt, time.Second)

	// A grant nobody ever connects to is bounded from its request
	// time; left unbounded it would hold the identity enabled forever.
	grant2, err := h.svc.RequestGrant(ctx, h.grantee(t, "bob", "vpn-bob").ID, "")
	require.NoError(t, err)
	requestedAt := h.clock()
	require.NoError(t, h.svc.CheckExpiry(ctx))
	got2, err := h.store.GetGrant(grant2.ID)
	require.NoError(t, err)
	require.NotNil(t, got2.ExpiresAt)
	require.WithinDuration(t, requestedAt.Add(24*time.Hour), *got2.ExpiresAt, time.Second)
	require.False(t, h.dev.disabled("vpn-bob"))

	h.advance(25 * time.Hour)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusExpired), h.status(t, grant2.ID))
	require.True(t, h.dev.disabled("vpn-bob"))
}

func TestExtendGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))

	h.advance(23*time.Hour + 30*time.Minute)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusReminderSent), h.status(t, grant.ID))

	got, err := h.svc.ExtendGrant(ctx, grant.ID, 4)
	require.NoError(t, err)
	require.Equal(t, string(StatusActive), got.Status)
	require.WithinDuration(t, h.clock().Add(4*time.Hour), *got.ExpiresAt, time.Second)
	require.Nil(t, got.ReminderSentAt)

	// A fresh reminder fires for the extended window.
	h.advance(3*time.Hour + 30*time.Minute)
	require.NoError(t, h.svc.CheckExpiry(ctx))
	require.Equal(t, string(StatusReminderSent), h.status(t, grant.ID))

	// Extension is refused before activation.
	grant2, err := h.svc.RequestGrant(ctx, h.grantee(t, "bob", "vpn-bob").ID, "")
	require.NoError(t, err)
	_, err = h.svc.ExtendGrant(ctx, grant2.ID, 2)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMissingRuleIsSkippedNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")
	require.NoError(t, h.store.SetRuleComment(g.ID, "no such comment"))

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))
}

func TestGraceWindowFloor(t *testing.T) {
	p := Params{PollInterval: 5 * time.Second}
	require.Equal(t, 30*time.Second, p.GraceWindow())
	p.PollInterval = time.Minute
	require.Equal(t, 2*time.Minute, p.GraceWindow())
}

func TestSweepRemovesOldTerminalGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	require.NoError(t, h.svc.DisconnectGrant(ctx, grant.ID, true))

	require.NoError(t, h.svc.Sweep(ctx))
	_, err = h.store.GetGrant(grant.ID)
	require.NoError(t, err, "grant within retention must survive")

	h.advance(31 * 24 * time.Hour)
	require.NoError(t, h.svc.Sweep(ctx))
	_, err = h.store.GetGrant(grant.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTestDevice(t *testing.T) {
	h := newHarness(t)
	name, health, err := h.svc.TestDevice(context.Background())
	require.NoError(t, err)
	require.Equal(t, "router-lab", name)
	require.True(t, health.Reachable)
}

func TestNotifierFailureDoesNotBlockTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.notifier = notify.Func(func(context.Context, string, string, map[string]string) error {
		return errors.New("gateway down")
	})
	g := h.grantee(t, "alice", "vpn-alice")

	grant, err := h.svc.RequestGrant(ctx, g.ID, "")
	require.NoError(t, err)
	h.dev.connect("vpn-alice", "*C1")
	require.NoError(t, h.svc.CheckConnections(ctx))
	require.Equal(t, string(StatusActive), h.status(t, grant.ID))
}
