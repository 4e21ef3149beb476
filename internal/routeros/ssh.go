package routeros

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConfig configures the shell transport.
type SSHConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM-encoded; takes precedence over Password
	Timeout    time.Duration
}

// SSHTransport speaks the interactive shell dialect over SSH. Commands
// are issued one session at a time; the device's tabular output is fed
// through ParsePrintOutput.
type SSHTransport struct {
	cfg SSHConfig

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHTransport creates a shell transport. The connection is
// established lazily on first use and re-established after failures.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ssh transport: host required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("ssh transport: username required")
	}
	if cfg.Password == "" && len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("ssh transport: password or private key required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SSHTransport{cfg: cfg}, nil
}

// authMethods builds the auth chain. Password auth comes first; some
// device firmware rejects plain password auth and accepts the same
// credential only through keyboard-interactive, so that handshake is
// kept as the fallback.
func (t *SSHTransport) authMethods() ([]ssh.AuthMethod, error) {
	if len(t.cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(t.cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	password := t.cfg.Password
	answerAll := func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(answerAll),
	}, nil
}

func (t *SSHTransport) connect() (*ssh.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return t.client, nil
	}

	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	conf := &ssh.ClientConfig{
		User:            t.cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.cfg.Timeout,
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	client, err := ssh.Dial("tcp", addr, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: ssh dial %s: connect failed", ErrUnreachable, addr)
	}
	t.client = client
	return client, nil
}

func (t *SSHTransport) dropClient() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// exec runs one command in a fresh session and returns its combined
// output. The shell routes errors inconsistently, so stderr is folded
// into the scanned output.
func (t *SSHTransport) exec(ctx context.Context, command string) (string, error) {
	client, err := t.connect()
	if err != nil {
		return "", err
	}
	session, err := client.NewSession()
	if err != nil {
		t.dropClient()
		return "", fmt.Errorf("%w: open session: %v", ErrUnreachable, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	timeout := time.NewTimer(t.cfg.Timeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		t.dropClient()
		return "", fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case <-timeout.C:
		t.dropClient()
		return "", fmt.Errorf("%w: command timed out", ErrUnreachable)
	case r := <-done:
		if r.err != nil {
			// A remote non-zero exit still carries parseable output;
			// only treat it as transport failure when there is none.
			if len(r.out) == 0 {
				t.dropClient()
				return "", fmt.Errorf("%w: exec: %v", ErrUnreachable, r.err)
			}
		}
		return string(r.out), nil
	}
}

// commandBase translates a tree path into the shell command prefix:
// "/user-manager/user" becomes "/user-manager user".
func commandBase(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return "/" + trimmed
	}
	last := len(parts) - 1
	return "/" + strings.Join(parts[:last], " ") + " " + parts[last]
}

// List implements transport.
func (t *SSHTransport) List(ctx context.Context, path string) ([]Record, error) {
	out, err := t.exec(ctx, commandBase(path)+" print detail without-paging")
	if err != nil {
		return nil, err
	}
	return ParsePrintOutput(out)
}

// Add implements transport.
func (t *SSHTransport) Add(ctx context.Context, path string, attrs map[string]string) error {
	cmd := commandBase(path) + " add" + renderAttrs(attrs)
	out, err := t.exec(ctx, cmd)
	if err != nil {
		return err
	}
	return checkShellOutput(out)
}

// Set implements transport. The shell dialect has dedicated
// enable/disable verbs, which older firmware requires for toggling.
func (t *SSHTransport) Set(ctx context.Context, path, ref string, attrs map[string]string) error {
	base := commandBase(path)
	rest := make(map[string]string, len(attrs))
	for k, v := range attrs {
		rest[k] = v
	}
	if disabled, ok := rest["disabled"]; ok {
		delete(rest, "disabled")
		verb := "enable"
		if b, err := ParseDeviceBool(disabled); err == nil && b {
			verb = "disable"
		}
		out, err := t.exec(ctx, fmt.Sprintf("%s %s numbers=%s", base, verb, ref))
		if err != nil {
			return err
		}
		if err := checkShellOutput(out); err != nil {
			return err
		}
	}
	if len(rest) == 0 {
		return nil
	}
	out, err := t.exec(ctx, fmt.Sprintf("%s set numbers=%s%s", base, ref, renderAttrs(rest)))
	if err != nil {
		return err
	}
	return checkShellOutput(out)
}

// Remove implements transport.
func (t *SSHTransport) Remove(ctx context.Context, path, ref string) error {
	out, err := t.exec(ctx, fmt.Sprintf("%s remove numbers=%s", commandBase(path), ref))
	if err != nil {
		return err
	}
	return checkShellOutput(out)
}

// Close implements transport.
func (t *SSHTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	return err
}

// renderAttrs renders attribute words in stable order with shell
// quoting.
func renderAttrs(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteShellValue(attrs[k]))
	}
	return b.String()
}

// checkShellOutput scans mutation output for failure phrases. Mutations
// normally produce no output at all.
func checkShellOutput(out string) error {
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, phrase := range failurePhrases {
			if strings.Contains(lower, phrase) {
				return classifyShellError(trimmed)
			}
		}
	}
	return nil
}
