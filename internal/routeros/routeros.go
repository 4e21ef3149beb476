// Package routeros talks to a RouterOS-family device over one of three
// dialects: an interactive SSH shell, the REST API, or the binary API
// protocol. All three address the same configuration tree; transport
// selection is a per-device configuration choice.
package routeros

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by all transports. Callers classify with
// errors.Is; transports wrap them with operation detail.
var (
	// ErrUnreachable covers network and authentication failures. The
	// wrapped detail never contains credential material.
	ErrUnreachable = errors.New("device unreachable")

	// ErrNotFound means the addressed identity, rule or connection does
	// not exist on the device.
	ErrNotFound = errors.New("no such item")

	// ErrUnsupported means the device firmware does not provide the
	// requested capability path.
	ErrUnsupported = errors.New("feature unsupported")
)

// Identity is a device-side access account. Enabling it allows a
// connection to be established with its credentials.
type Identity struct {
	Ref      string // device record reference (".id" or print index)
	Name     string
	Profile  string
	Disabled bool
	Comment  string
}

// Rule is a packet-filter rule on the device. Rules are bound to
// grantees only through their free-text comment.
type Rule struct {
	Ref      string
	Chain    string
	Action   string
	Disabled bool
	Comment  string
}

// Connection is one live connection record as reported by the device.
// Active is only true when the serving endpoint states it explicitly;
// the adapter never infers activity from an ambiguous record.
type Connection struct {
	Ref    string // device-side connection id
	Name   string // identity name the connection belongs to
	Active bool
	Source Source // which endpoint reported this record
}

// Source identifies which capability path served a listing.
type Source string

const (
	SourceUserManager Source = "user-manager"
	SourcePPP         Source = "ppp"
)

// Record is one semi-structured device record: string keys to string
// values, exactly as the device reports them. The parser and the REST
// and binary transports all normalize into this shape.
type Record map[string]string

// Ref returns the record reference the device accepts in follow-up
// commands.
func (r Record) Ref() string { return r[".id"] }

// Bool reads a boolean-like field. The device emits yes/no, true/false,
// enabled/disabled and 0/1 depending on dialect and firmware age.
func (r Record) Bool(key string) (bool, error) {
	v, ok := r[key]
	if !ok {
		return false, fmt.Errorf("field %q absent", key)
	}
	return ParseDeviceBool(v)
}

// ParseDeviceBool normalizes the device's boolean spellings to a strict
// boolean.
func ParseDeviceBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "enabled", "1":
		return true, nil
	case "no", "false", "disabled", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// transport executes primitive operations against the device's
// configuration tree. Each dialect implements this once; the Adapter
// layers the capability surface, fallback chains and error
// classification on top.
type transport interface {
	// List returns every record under a tree path, e.g.
	// "/user-manager/user".
	List(ctx context.Context, path string) ([]Record, error)

	// Add creates a record under path with the given attributes.
	Add(ctx context.Context, path string, attrs map[string]string) error

	// Set updates attributes of the record addressed by ref.
	Set(ctx context.Context, path, ref string, attrs map[string]string) error

	// Remove deletes the record addressed by ref.
	Remove(ctx context.Context, path, ref string) error

	Close() error
}

// Tree paths shared by all dialects.
const (
	pathUserManagerUser    = "/user-manager/user"
	pathUserManagerSession = "/user-manager/session"
	pathPPPSecret          = "/ppp/secret"
	pathPPPActive          = "/ppp/active"
	pathFirewallFilter     = "/ip/firewall/filter"
	pathSystemIdentity     = "/system/identity"
)
