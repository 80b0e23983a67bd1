package smartrest

import (
	"strings"
)

const (
	separator = ','
	quote     = '"'
)

// Encode renders m as a single frame: "<id>,<value>,<value>...".
//
// A value is quoted when it contains the separator, a quote, CR, LF or TAB,
// or when it starts or ends with a space. Embedded quotes are doubled.
// Trailing separators and spaces are trimmed from the assembled frame.
func Encode(m Message) string {
	var b strings.Builder
	b.WriteString(m.ID)
	for _, v := range m.Values {
		b.WriteByte(separator)
		writeValue(&b, v)
	}
	return strings.TrimRight(b.String(), ", ")
}

func writeValue(b *strings.Builder, v string) {
	if !needsQuoting(v) {
		b.WriteString(v)
		return
	}
	b.WriteByte(quote)
	b.WriteString(strings.ReplaceAll(v, `"`, `""`))
	b.WriteByte(quote)
}

func needsQuoting(v string) bool {
	if v == "" {
		return false
	}
	if strings.ContainsAny(v, ",\"\r\n\t") {
		return true
	}
	return v[0] == ' ' || v[len(v)-1] == ' '
}

// Decode parses payload as one frame. The first field is the message id and
// the remaining fields are the values. Quoted fields are unescaped; unquoted
// fields are taken verbatim, so frames from peers that never quote decode as
// a plain comma split. Decode never fails: an empty payload yields a message
// with an empty id, which callers must treat as not dispatchable.
func Decode(topic string, payload []byte) Message {
	fields := splitFields(string(payload))
	if len(fields) == 0 {
		return Message{Topic: topic}
	}
	msg := Message{Topic: topic, ID: fields[0]}
	if len(fields) > 1 {
		msg.Values = fields[1:]
	}
	return msg
}

// DecodeAll splits payload into frames on line breaks outside quoted fields
// and decodes each non-empty line.
func DecodeAll(topic string, payload []byte) []Message {
	lines := splitLines(string(payload))
	out := make([]Message, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, Decode(topic, []byte(line)))
	}
	return out
}

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	var (
		fields []string
		field  strings.Builder
		quoted bool
		start  = true
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted:
			if c != quote {
				field.WriteByte(c)
				continue
			}
			if i+1 < len(s) && s[i+1] == quote {
				field.WriteByte(quote)
				i++
				continue
			}
			quoted = false
		case c == separator:
			fields = append(fields, field.String())
			field.Reset()
			start = true
			continue
		case c == quote && start:
			quoted = true
		default:
			field.WriteByte(c)
		}
		start = false
	}
	return append(fields, field.String())
}

func splitLines(s string) []string {
	var (
		lines  []string
		quoted bool
		begin  int
		start  = true
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quoted {
			if c == quote {
				if i+1 < len(s) && s[i+1] == quote {
					i++
					continue
				}
				quoted = false
			}
			continue
		}
		switch c {
		case quote:
			quoted = start
		case separator:
			start = true
			continue
		case '\n':
			lines = append(lines, strings.TrimSuffix(s[begin:i], "\r"))
			begin = i + 1
			start = true
			continue
		}
		start = false
	}
	if begin < len(s) {
		lines = append(lines, strings.TrimSuffix(s[begin:], "\r"))
	}
	return lines
}
