package message

import (
	"fmt"
	"strings"
)

// The serializer escapes every character that has structural meaning on
// the wire so arbitrary parameter values round-trip exactly.
const (
	escBackslash = `\\`
	escSemicolon = `\;`
	escEquals    = `\=`
	escNewline   = `\n`
	escReturn    = `\r`
)

// Marshal renders the message as one protocol line (without the
// trailing newline) and caches the result until the next mutation.
func (m *Message) Marshal() (string, error) {
	if m.cached != "" {
		return m.cached, nil
	}
	if err := validToken(m.command); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	var b strings.Builder
	if m.Addressed() {
		for _, part := range []string{m.fromServer, m.fromService, m.toServer, m.toService} {
			if err := validAddressPart(part); err != nil {
				return "", fmt.Errorf("marshal %s: %w", m.command, err)
			}
		}
		b.WriteString(m.fromServer)
		b.WriteByte(':')
		b.WriteString(m.fromService)
		b.WriteByte('>')
		b.WriteString(m.toServer)
		b.WriteByte(':')
		b.WriteString(m.toService)
		b.WriteByte(' ')
	}
	b.WriteString(m.command)
	if len(m.params) > 0 {
		b.WriteByte(' ')
		for i, name := range m.ParamNames() {
			if err := validParamName(name); err != nil {
				return "", fmt.Errorf("marshal %s: %w", m.command, err)
			}
			if i > 0 {
				b.WriteByte(';')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(escapeValue(m.params[name]))
		}
	}
	m.cached = b.String()
	return m.cached, nil
}

// Parse decodes one protocol line. It never panics; a malformed line
// yields a nil message and a descriptive error the caller must check.
func Parse(line string) (*Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, fmt.Errorf("parse: empty line")
	}

	m := &Message{}
	rest := line

	head := rest
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		head = rest[:sp]
	}
	if gt := strings.IndexByte(head, '>'); gt >= 0 {
		from, to := head[:gt], head[gt+1:]
		var err error
		if m.fromServer, m.fromService, err = splitAddress(from); err != nil {
			return nil, fmt.Errorf("parse: source address %q: %w", from, err)
		}
		if m.toServer, m.toService, err = splitAddress(to); err != nil {
			return nil, fmt.Errorf("parse: destination address %q: %w", to, err)
		}
		rest = rest[len(head):]
		if !strings.HasPrefix(rest, " ") {
			return nil, fmt.Errorf("parse: address block without command")
		}
		rest = rest[1:]
	}

	m.command = rest
	if sp := strings.IndexByte(rest, ' '); sp >= 0 {
		m.command = rest[:sp]
		rest = rest[sp+1:]
	} else {
		rest = ""
	}
	if err := validToken(m.command); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if rest != "" {
		m.params = make(map[string]string)
		for _, segment := range splitParams(rest) {
			eq := strings.IndexByte(segment, '=')
			if eq <= 0 {
				return nil, fmt.Errorf("parse %s: malformed parameter %q", m.command, segment)
			}
			name := segment[:eq]
			if err := validParamName(name); err != nil {
				return nil, fmt.Errorf("parse %s: %w", m.command, err)
			}
			if _, dup := m.params[name]; dup {
				return nil, fmt.Errorf("parse %s: duplicate parameter %q", m.command, name)
			}
			value, err := unescapeValue(segment[eq+1:])
			if err != nil {
				return nil, fmt.Errorf("parse %s: parameter %q: %w", m.command, name, err)
			}
			m.params[name] = value
		}
	}

	m.cached = line
	return m, nil
}

// splitParams separates the parameter blob on unescaped semicolons.
func splitParams(blob string) []string {
	var segments []string
	var b strings.Builder
	escaped := false
	for i := 0; i < len(blob); i++ {
		c := blob[i]
		switch {
		case escaped:
			b.WriteByte('\\')
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ';':
			segments = append(segments, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	if escaped {
		b.WriteByte('\\')
	}
	segments = append(segments, b.String())
	return segments
}

func escapeValue(v string) string {
	if !strings.ContainsAny(v, "\\;=\n\r") {
		return v
	}
	var b strings.Builder
	b.Grow(len(v) + 4)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			b.WriteString(escBackslash)
		case ';':
			b.WriteString(escSemicolon)
		case '=':
			b.WriteString(escEquals)
		case '\n':
			b.WriteString(escNewline)
		case '\r':
			b.WriteString(escReturn)
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

func unescapeValue(v string) (string, error) {
	if !strings.ContainsRune(v, '\\') {
		return v, nil
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(v) {
			return "", fmt.Errorf("dangling escape")
		}
		switch v[i] {
		case '\\':
			b.WriteByte('\\')
		case ';':
			b.WriteByte(';')
		case '=':
			b.WriteByte('=')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("unknown escape %q", `\`+string(v[i]))
		}
	}
	return b.String(), nil
}

func splitAddress(addr string) (server, service string, err error) {
	colon := strings.IndexByte(addr, ':')
	if colon < 0 {
		return "", "", fmt.Errorf("missing ':'")
	}
	server, service = addr[:colon], addr[colon+1:]
	if err := validAddressPart(server); err != nil {
		return "", "", err
	}
	if err := validAddressPart(service); err != nil {
		return "", "", err
	}
	return server, service, nil
}

func validToken(command string) error {
	if command == "" {
		return fmt.Errorf("missing command")
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		if c >= 'A' && c <= 'Z' {
			continue
		}
		if i > 0 && (c == '_' || (c >= '0' && c <= '9')) {
			continue
		}
		return fmt.Errorf("invalid command token %q", command)
	}
	return nil
}

func validParamName(name string) error {
	if name == "" {
		return fmt.Errorf("empty parameter name")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		if i > 0 && c >= '0' && c <= '9' {
			continue
		}
		return fmt.Errorf("invalid parameter name %q", name)
	}
	return nil
}

func validAddressPart(part string) error {
	if part == Broadcast {
		return nil
	}
	if strings.ContainsAny(part, ":>\\;= \n\r") {
		return fmt.Errorf("invalid address component %q", part)
	}
	return nil
}
