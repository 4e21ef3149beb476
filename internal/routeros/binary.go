package routeros

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// BinaryConfig configures the binary API transport (the vendor's RPC
// protocol, default port 8728).
type BinaryConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// BinaryTransport speaks the length-prefixed word protocol. A sentence
// is a command word, attribute words and a terminating empty word;
// replies are !re records followed by !done, or a !trap error.
type BinaryTransport struct {
	cfg BinaryConfig

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

// NewBinaryTransport creates a binary API transport. The connection is
// established and logged in lazily on first use.
func NewBinaryTransport(cfg BinaryConfig) (*BinaryTransport, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("binary transport: host required")
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("binary transport: username required")
	}
	if cfg.Port == 0 {
		cfg.Port = 8728
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &BinaryTransport{cfg: cfg}, nil
}

// writeWord writes one length-prefixed word.
func writeWord(conn net.Conn, word string) error {
	n := len(word)
	var prefix []byte
	switch {
	case n < 0x80:
		prefix = []byte{byte(n)}
	case n < 0x4000:
		v := uint32(n) | 0x8000
		prefix = []byte{byte(v >> 8), byte(v)}
	case n < 0x200000:
		v := uint32(n) | 0xC00000
		prefix = []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	case n < 0x10000000:
		v := uint32(n) | 0xE0000000
		prefix = []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		prefix = []byte{0xF0, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
	if _, err := conn.Write(prefix); err != nil {
		return err
	}
	_, err := conn.Write([]byte(word))
	return err
}

// readWord reads one length-prefixed word.
func readWord(rd *bufio.Reader) (string, error) {
	b, err := rd.ReadByte()
	if err != nil {
		return "", err
	}
	var n uint32
	switch {
	case b&0x80 == 0:
		n = uint32(b)
	case b&0xC0 == 0x80:
		n = uint32(b) & 0x3F
		n, err = extendLength(rd, n, 1)
	case b&0xE0 == 0xC0:
		n = uint32(b) & 0x1F
		n, err = extendLength(rd, n, 2)
	case b&0xF0 == 0xE0:
		n = uint32(b) & 0x0F
		n, err = extendLength(rd, n, 3)
	default:
		n, err = extendLength(rd, 0, 4)
	}
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	for read := 0; read < int(n); {
		m, err := rd.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += m
	}
	return string(buf), nil
}

func extendLength(rd *bufio.Reader, n uint32, extra int) (uint32, error) {
	for i := 0; i < extra; i++ {
		b, err := rd.ReadByte()
		if err != nil {
			return 0, err
		}
		n = n<<8 | uint32(b)
	}
	return n, nil
}

func writeSentence(conn net.Conn, words []string) error {
	for _, w := range words {
		if err := writeWord(conn, w); err != nil {
			return err
		}
	}
	return writeWord(conn, "")
}

func readSentence(rd *bufio.Reader) ([]string, error) {
	var words []string
	for {
		w, err := readWord(rd)
		if err != nil {
			return nil, err
		}
		if w == "" {
			return words, nil
		}
		words = append(words, w)
	}
}

func (t *BinaryTransport) connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	dialer := net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: connect failed", ErrUnreachable, addr)
	}
	t.conn = conn
	t.rd = bufio.NewReader(conn)
	if err := t.login(); err != nil {
		t.dropLocked()
		return err
	}
	return nil
}

// login performs the plain post-6.43 login, falling back to the legacy
// MD5 challenge when the device answers with =ret=.
func (t *BinaryTransport) login() error {
	if err := writeSentence(t.conn, []string{
		"/login",
		"=name=" + t.cfg.Username,
		"=password=" + t.cfg.Password,
	}); err != nil {
		return fmt.Errorf("%w: login write: %v", ErrUnreachable, err)
	}
	reply, err := readSentence(t.rd)
	if err != nil {
		return fmt.Errorf("%w: login read: %v", ErrUnreachable, err)
	}
	if len(reply) == 0 {
		return fmt.Errorf("%w: empty login reply", ErrUnreachable)
	}
	switch reply[0] {
	case "!done":
		for _, w := range reply[1:] {
			if strings.HasPrefix(w, "=ret=") {
				return t.challengeLogin(strings.TrimPrefix(w, "=ret="))
			}
		}
		return nil
	case "!trap":
		return fmt.Errorf("%w: authentication rejected", ErrUnreachable)
	}
	return fmt.Errorf("%w: unexpected login reply %q", ErrUnreachable, reply[0])
}

// challengeLogin answers the pre-6.43 challenge: md5(0x00 + password +
// challenge), hex-encoded with a "00" prefix.
func (t *BinaryTransport) challengeLogin(retHex string) error {
	challenge, err := hex.DecodeString(retHex)
	if err != nil {
		return fmt.Errorf("%w: malformed login challenge", ErrUnreachable)
	}
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(t.cfg.Password))
	h.Write(challenge)
	response := "00" + hex.EncodeToString(h.Sum(nil))
	if err := writeSentence(t.conn, []string{
		"/login",
		"=name=" + t.cfg.Username,
		"=response=" + response,
	}); err != nil {
		return fmt.Errorf("%w: login write: %v", ErrUnreachable, err)
	}
	reply, err := readSentence(t.rd)
	if err != nil {
		return fmt.Errorf("%w: login read: %v", ErrUnreachable, err)
	}
	if len(reply) == 0 || reply[0] != "!done" {
		return fmt.Errorf("%w: authentication rejected", ErrUnreachable)
	}
	return nil
}

func (t *BinaryTransport) dropLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.rd = nil
	}
}

// run sends one command sentence and collects the reply records.
func (t *BinaryTransport) run(ctx context.Context, words []string) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetDeadline(deadline)
	defer t.conn.SetDeadline(time.Time{})

	if err := writeSentence(t.conn, words); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: write: %v", ErrUnreachable, err)
	}

	var records []Record
	var trapErr error
	for {
		reply, err := readSentence(t.rd)
		if err != nil {
			t.dropLocked()
			return nil, fmt.Errorf("%w: read: %v", ErrUnreachable, err)
		}
		if len(reply) == 0 {
			continue
		}
		switch reply[0] {
		case "!re":
			records = append(records, attrWords(reply[1:]))
		case "!done":
			// Failed commands are terminated by !done too; stopping at
			// the trap would leave it buffered and desync every reply
			// that follows.
			if trapErr != nil {
				return nil, trapErr
			}
			return records, nil
		case "!trap":
			if trapErr == nil {
				trapErr = classifyTrap(attrWords(reply[1:]))
			}
		case "!fatal":
			// The device closes the connection after !fatal.
			t.dropLocked()
			return nil, fmt.Errorf("%w: fatal: %s", ErrUnreachable, strings.Join(reply[1:], " "))
		}
	}
}

// attrWords decodes "=key=value" words into a Record.
func attrWords(words []string) Record {
	rec := make(Record, len(words))
	for _, w := range words {
		if !strings.HasPrefix(w, "=") {
			continue
		}
		kv := strings.SplitN(w[1:], "=", 2)
		if len(kv) == 2 {
			rec[kv[0]] = kv[1]
		}
	}
	return rec
}

// classifyTrap maps a !trap reply onto the error taxonomy using its
// message attribute.
func classifyTrap(rec Record) error {
	msg := rec["message"]
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such item"):
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(lower, "no such command"),
		strings.Contains(lower, "unknown command"),
		strings.Contains(lower, "syntax error"):
		return fmt.Errorf("%w: %s", ErrUnsupported, msg)
	case strings.Contains(lower, "invalid user name or password"),
		strings.Contains(lower, "not logged in"):
		return fmt.Errorf("%w: authentication rejected", ErrUnreachable)
	}
	if msg == "" {
		return fmt.Errorf("device error: trap without message")
	}
	return fmt.Errorf("device error: %s", msg)
}

// List implements transport.
func (t *BinaryTransport) List(ctx context.Context, path string) ([]Record, error) {
	return t.run(ctx, []string{path + "/print"})
}

// Add implements transport.
func (t *BinaryTransport) Add(ctx context.Context, path string, attrs map[string]string) error {
	words := []string{path + "/add"}
	words = append(words, renderAttrWords(attrs)...)
	_, err := t.run(ctx, words)
	return err
}

// Set implements transport.
func (t *BinaryTransport) Set(ctx context.Context, path, ref string, attrs map[string]string) error {
	words := []string{path + "/set", "=.id=" + ref}
	words = append(words, renderAttrWords(attrs)...)
	_, err := t.run(ctx, words)
	return err
}

// Remove implements transport.
func (t *BinaryTransport) Remove(ctx context.Context, path, ref string) error {
	_, err := t.run(ctx, []string{path + "/remove", "=.id=" + ref})
	return err
}

// Close implements transport.
func (t *BinaryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropLocked()
	return nil
}

func renderAttrWords(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	words := make([]string, 0, len(keys))
	for _, k := range keys {
		words = append(words, "="+k+"="+attrs[k])
	}
	return words
}
