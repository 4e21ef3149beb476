package routeros

import (
	"fmt"
	"strconv"
	"strings"
)

// The shell does not reliably route command errors to stderr, so
// failures are detected by matching known phrases in the primary
// output. Any match is a failure, never a record.
var failurePhrases = []string{
	"failure:",
	"syntax error",
	"bad command name",
	"no such item",
	"expected end of command",
	"input does not match any value of",
	"invalid user name or password",
}

// classifyShellError maps a matched failure line onto the adapter's
// error taxonomy.
func classifyShellError(line string) error {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "no such item"):
		return fmt.Errorf("%w: %s", ErrNotFound, strings.TrimSpace(line))
	case strings.Contains(l, "bad command name"),
		strings.Contains(l, "syntax error"),
		strings.Contains(l, "expected end of command"),
		strings.Contains(l, "input does not match any value of"):
		return fmt.Errorf("%w: %s", ErrUnsupported, strings.TrimSpace(line))
	case strings.Contains(l, "invalid user name or password"):
		// Auth detail stays out of the message beyond the phrase itself.
		return fmt.Errorf("%w: authentication rejected", ErrUnreachable)
	}
	return fmt.Errorf("device error: %s", strings.TrimSpace(line))
}

// defaultFlagLegend is used when the output carries no Flags: header.
var defaultFlagLegend = map[byte]string{
	'X': "disabled",
	'A': "active",
	'D': "dynamic",
	'I': "invalid",
	'R': "running",
}

// parseFlagLegend reads a "Flags: X - disabled, A - active" header into
// a letter-to-field map.
func parseFlagLegend(line string) map[byte]string {
	legend := make(map[byte]string)
	body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Flags:"))
	for _, part := range strings.Split(body, ",") {
		kv := strings.SplitN(part, "-", 2)
		if len(kv) != 2 {
			continue
		}
		letter := strings.TrimSpace(kv[0])
		name := strings.TrimSpace(kv[1])
		if len(letter) == 1 && name != "" {
			legend[letter[0]] = name
		}
	}
	if len(legend) == 0 {
		return defaultFlagLegend
	}
	return legend
}

// ParsePrintOutput parses the line-oriented output of a "print detail"
// command. Records are introduced by a numeric index optionally
// followed by single-letter status flags, then key=value pairs that may
// continue on indented lines. A free-text comment attaches either
// inline after a ";;;" marker or from the ";;;" line immediately
// preceding the record.
func ParsePrintOutput(output string) ([]Record, error) {
	legend := defaultFlagLegend

	var (
		records []Record
		current Record
		pending string // comment from a preceding ;;; line
	)
	flush := func() {
		if current != nil {
			records = append(records, current)
			current = nil
		}
	}

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, phrase := range failurePhrases {
			if strings.Contains(strings.ToLower(trimmed), phrase) {
				return nil, classifyShellError(trimmed)
			}
		}
		if strings.HasPrefix(trimmed, "Flags:") {
			legend = parseFlagLegend(trimmed)
			continue
		}
		if strings.HasPrefix(trimmed, ";;;") {
			// Comment line annotating the record that follows.
			pending = strings.TrimSpace(strings.TrimPrefix(trimmed, ";;;"))
			continue
		}

		if idx, rest, ok := splitRecordStart(trimmed); ok {
			flush()
			current = Record{".id": strconv.Itoa(idx)}
			if pending != "" {
				current["comment"] = pending
				pending = ""
			}
			rest = applyFlags(rest, legend, current)
			if err := scanPairs(rest, current); err != nil {
				return nil, err
			}
			continue
		}

		if current == nil {
			// Noise before the first record (column headers and the
			// like); ignore it.
			continue
		}
		if err := scanPairs(trimmed, current); err != nil {
			return nil, err
		}
	}
	flush()
	return records, nil
}

// splitRecordStart reports whether the line opens a new record, and if
// so returns the numeric index and the remainder of the line.
func splitRecordStart(line string) (int, string, bool) {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, "", false
	}
	if i < len(line) && line[i] != ' ' && line[i] != '\t' {
		// Something like "0abc" or a bare "123=x" token.
		return 0, "", false
	}
	idx, err := strconv.Atoi(line[:i])
	if err != nil {
		return 0, "", false
	}
	return idx, strings.TrimLeft(line[i:], " \t"), true
}

// applyFlags consumes leading single-letter status flags and records
// them as boolean fields per the legend. Explicit key=value fields set
// later win over flag-derived values.
func applyFlags(rest string, legend map[byte]string, rec Record) string {
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return rest
		}
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			end = len(rest)
		}
		token := rest[:end]
		if strings.ContainsRune(token, '=') || strings.HasPrefix(token, ";;;") {
			return rest
		}
		for j := 0; j < len(token); j++ {
			if _, ok := legend[token[j]]; !ok {
				return rest
			}
		}
		for j := 0; j < len(token); j++ {
			rec[legend[token[j]]] = "true"
		}
		rest = rest[end:]
	}
}

// scanPairs reads key=value pairs from a line fragment into rec.
// Values are unquoted tokens or double-quoted strings with backslash
// escaping. A ";;;" marker outside quotes ends the pairs; the remainder
// is the record's inline comment.
func scanPairs(s string, rec Record) error {
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil
		}
		if strings.HasPrefix(s[i:], ";;;") {
			rec["comment"] = strings.TrimSpace(s[i+3:])
			return nil
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ' ' && s[i] != '\t' {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			// Flag-style bare word in the middle of a record line;
			// the device emits these for some output kinds. Skip it.
			continue
		}
		key := s[start:i]
		i++ // consume '='

		var value string
		if i < len(s) && s[i] == '"' {
			i++
			var b strings.Builder
			for i < len(s) {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					i++
					switch s[i] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					default:
						b.WriteByte(s[i])
					}
					i++
					continue
				}
				if c == '"' {
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			value = b.String()
		} else {
			start = i
			for i < len(s) && s[i] != ' ' && s[i] != '\t' {
				i++
			}
			value = s[start:i]
		}
		if key != "" {
			rec[key] = value
		}
	}
	return nil
}

// quoteShellValue renders a value for inclusion in a shell command,
// quoting and escaping so the device reads it back verbatim.
func quoteShellValue(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '"', '\\', '$', '`':
			b.WriteByte('\\')
			b.WriteByte(v[i])
		default:
			b.WriteByte(v[i])
		}
	}
	b.WriteByte('"')
	return b.String()
}
