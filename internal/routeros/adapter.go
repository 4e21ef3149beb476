package routeros

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Health is the adapter's last-known view of the device, surfaced to
// the administrative API and the reconciliation loop.
type Health struct {
	Reachable   bool      `json:"reachable"`
	LastError   string    `json:"last_error,omitempty"`
	LastContact time.Time `json:"last_contact,omitempty"`
	// Warning is set when a listing was served by a fallback path,
	// which usually means the device runs an older feature set.
	Warning string `json:"warning,omitempty"`
}

// Adapter exposes the device capability surface over any transport.
// Listings that have a legacy equivalent try the primary capability
// path first and fall back to the older one; the serving path is
// reported so callers can surface a warning without failing.
type Adapter struct {
	t   transport
	log *slog.Logger

	mu     sync.Mutex
	health Health
}

// NewAdapter wraps a transport.
func NewAdapter(t transport, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{t: t, log: log}
}

// Close releases the underlying transport.
func (a *Adapter) Close() error { return a.t.Close() }

// Health returns the last-known device state.
func (a *Adapter) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.health
}

func (a *Adapter) observe(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if errors.Is(err, ErrUnreachable) {
		a.health.Reachable = false
		a.health.LastError = err.Error()
		return
	}
	a.health.Reachable = true
	a.health.LastContact = time.Now()
	if err == nil {
		a.health.LastError = ""
	}
}

func (a *Adapter) warn(msg string) {
	a.mu.Lock()
	a.health.Warning = msg
	a.mu.Unlock()
}

// listWithFallback runs the explicit fallback chain for a listing: the
// primary path serves unless it fails or comes back empty, in which
// case the legacy path is tried.
func (a *Adapter) listWithFallback(ctx context.Context, what, primary, fallback string) ([]Record, Source, error) {
	recs, perr := a.t.List(ctx, primary)
	a.observe(perr)
	if perr == nil && len(recs) > 0 {
		return recs, SourceUserManager, nil
	}
	if perr != nil && errors.Is(perr, ErrUnreachable) {
		return nil, "", perr
	}

	frecs, ferr := a.t.List(ctx, fallback)
	a.observe(ferr)
	if ferr == nil {
		if perr != nil {
			a.warn(fmt.Sprintf("%s served by legacy path %s", what, fallback))
			a.log.Warn("capability fallback", "what", what, "path", fallback, "reason", perr.Error())
		}
		return frecs, SourcePPP, nil
	}
	if perr != nil {
		return nil, "", fmt.Errorf("%s: %w", what, perr)
	}
	// Primary succeeded but empty and the legacy path failed; report
	// the empty primary result rather than the fallback error.
	return recs, SourceUserManager, nil
}

// ListIdentities lists access identities, preferring the user-manager
// database and falling back to PPP secrets.
func (a *Adapter) ListIdentities(ctx context.Context) ([]Identity, Source, error) {
	recs, src, err := a.listWithFallback(ctx, "identity listing", pathUserManagerUser, pathPPPSecret)
	if err != nil {
		return nil, src, err
	}
	identities := make([]Identity, 0, len(recs))
	for _, rec := range recs {
		disabled, _ := rec.Bool("disabled")
		identities = append(identities, Identity{
			Ref:      rec.Ref(),
			Name:     rec["name"],
			Profile:  rec["profile"],
			Disabled: disabled,
			Comment:  rec["comment"],
		})
	}
	return identities, src, nil
}

// identityPath returns the tree path that carries the named identity,
// together with its record.
func (a *Adapter) findIdentity(ctx context.Context, name string) (Record, string, error) {
	for _, path := range []string{pathUserManagerUser, pathPPPSecret} {
		recs, err := a.t.List(ctx, path)
		a.observe(err)
		if err != nil {
			if errors.Is(err, ErrUnsupported) {
				continue
			}
			return nil, "", err
		}
		for _, rec := range recs {
			if rec["name"] == name {
				return rec, path, nil
			}
		}
	}
	return nil, "", fmt.Errorf("identity %q: %w", name, ErrNotFound)
}

// CreateIdentity creates an access identity. The secret never appears
// in errors or logs.
func (a *Adapter) CreateIdentity(ctx context.Context, name, secret, profile string) error {
	attrs := map[string]string{"name": name, "password": secret}
	if profile != "" {
		attrs["profile"] = profile
	}
	err := a.t.Add(ctx, pathUserManagerUser, attrs)
	a.observe(err)
	if errors.Is(err, ErrUnsupported) {
		err = a.t.Add(ctx, pathPPPSecret, attrs)
		a.observe(err)
		if err == nil {
			a.warn("identity created via legacy path " + pathPPPSecret)
		}
	}
	if err != nil {
		return fmt.Errorf("create identity %q: %w", name, err)
	}
	return nil
}

// DeleteIdentity removes an access identity by name.
func (a *Adapter) DeleteIdentity(ctx context.Context, name string) error {
	rec, path, err := a.findIdentity(ctx, name)
	if err != nil {
		return err
	}
	if err := a.t.Remove(ctx, path, rec.Ref()); err != nil {
		a.observe(err)
		return fmt.Errorf("delete identity %q: %w", name, err)
	}
	a.observe(nil)
	return nil
}

// SetIdentityDisabled toggles an access identity by name.
func (a *Adapter) SetIdentityDisabled(ctx context.Context, name string, disabled bool) error {
	rec, path, err := a.findIdentity(ctx, name)
	if err != nil {
		return err
	}
	attrs := map[string]string{"disabled": deviceBool(disabled)}
	if err := a.t.Set(ctx, path, rec.Ref(), attrs); err != nil {
		a.observe(err)
		return fmt.Errorf("set identity %q disabled=%v: %w", name, disabled, err)
	}
	a.observe(nil)
	return nil
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	Chain   string
	Comment string // exact match
}

// ListRules lists packet-filter rules, filtered client-side so all
// three dialects behave identically.
func (a *Adapter) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	recs, err := a.t.List(ctx, pathFirewallFilter)
	a.observe(err)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]Rule, 0, len(recs))
	for _, rec := range recs {
		if filter.Chain != "" && rec["chain"] != filter.Chain {
			continue
		}
		if filter.Comment != "" && rec["comment"] != filter.Comment {
			continue
		}
		disabled, _ := rec.Bool("disabled")
		rules = append(rules, Rule{
			Ref:      rec.Ref(),
			Chain:    rec["chain"],
			Action:   rec["action"],
			Disabled: disabled,
			Comment:  rec["comment"],
		})
	}
	return rules, nil
}

// FindRuleByComment resolves the weak comment reference to a concrete
// rule. The comment has no referential integrity on the device; the
// store enforces its uniqueness among grantees at write time.
func (a *Adapter) FindRuleByComment(ctx context.Context, comment string) (Rule, error) {
	rules, err := a.ListRules(ctx, RuleFilter{Comment: comment})
	if err != nil {
		return Rule{}, err
	}
	if len(rules) == 0 {
		return Rule{}, fmt.Errorf("rule with comment %q: %w", comment, ErrNotFound)
	}
	return rules[0], nil
}

// SetRuleDisabled toggles a packet-filter rule by device reference.
func (a *Adapter) SetRuleDisabled(ctx context.Context, ref string, disabled bool) error {
	err := a.t.Set(ctx, pathFirewallFilter, ref, map[string]string{"disabled": deviceBool(disabled)})
	a.observe(err)
	if err != nil {
		return fmt.Errorf("set rule %s disabled=%v: %w", ref, disabled, err)
	}
	return nil
}

// ListActiveConnections reports live connections, preferring
// user-manager sessions and falling back to the PPP active table. A
// record counts as active only when its source states so explicitly:
// user-manager sessions carry an active field, and presence in the PPP
// active table is itself that statement.
func (a *Adapter) ListActiveConnections(ctx context.Context) ([]Connection, Source, error) {
	recs, src, err := a.listWithFallback(ctx, "session listing", pathUserManagerSession, pathPPPActive)
	if err != nil {
		return nil, src, err
	}
	conns := make([]Connection, 0, len(recs))
	for _, rec := range recs {
		name := rec["user"]
		if name == "" {
			name = rec["name"]
		}
		if name == "" {
			continue
		}
		active := src == SourcePPP
		if src == SourceUserManager {
			active, _ = rec.Bool("active")
		}
		conns = append(conns, Connection{
			Ref:    rec.Ref(),
			Name:   name,
			Active: active,
			Source: src,
		})
	}
	return conns, src, nil
}

// TerminateConnections force-drops every live connection belonging to
// an identity. Absence of connections is success.
func (a *Adapter) TerminateConnections(ctx context.Context, name string) error {
	recs, err := a.t.List(ctx, pathPPPActive)
	a.observe(err)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil
		}
		return fmt.Errorf("terminate %q: %w", name, err)
	}
	for _, rec := range recs {
		if rec["name"] != name {
			continue
		}
		if err := a.t.Remove(ctx, pathPPPActive, rec.Ref()); err != nil {
			a.observe(err)
			if errors.Is(err, ErrNotFound) {
				continue // raced with a natural disconnect
			}
			return fmt.Errorf("terminate %q: %w", name, err)
		}
	}
	a.observe(nil)
	return nil
}

// SystemIdentity fetches the device name; used as the connectivity
// test.
func (a *Adapter) SystemIdentity(ctx context.Context) (string, error) {
	recs, err := a.t.List(ctx, pathSystemIdentity)
	a.observe(err)
	if err != nil {
		return "", fmt.Errorf("system identity: %w", err)
	}
	if len(recs) == 0 {
		return "", nil
	}
	return recs[0]["name"], nil
}

func deviceBool(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
