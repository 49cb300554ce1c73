package protocol

import (
	"fmt"
	"strings"
)

// MaxParams caps decoded parameters; anything beyond is folded into the last.
const MaxParams = 32

// Message is one decoded protocol line.
type Message struct {
	Tags    map[string]string
	Command string
	Params  []string
}

// Parser decodes one framed line. Implementations must not retain raw.
type Parser interface {
	Decode(raw string) (Message, error)
}

// LineParser implements the default grammar:
//
//	[@key=value;key2 ]COMMAND [param]... [:trailing param with spaces]
type LineParser struct{}

func (LineParser) Decode(raw string) (Message, error) {
	var msg Message
	rest := strings.TrimLeft(raw, " ")
	if rest == "" {
		return msg, fmt.Errorf("%w: empty line", ErrDecode)
	}

	if rest[0] == '@' {
		tags, after, found := strings.Cut(rest[1:], " ")
		if !found {
			return msg, fmt.Errorf("%w: tags without command", ErrDecode)
		}
		msg.Tags = parseTags(tags)
		rest = strings.TrimLeft(after, " ")
	}

	cmd, rest, _ := strings.Cut(rest, " ")
	if cmd == "" || !validCommand(cmd) {
		return msg, fmt.Errorf("%w: invalid command %q", ErrDecode, cmd)
	}
	msg.Command = cmd

	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			break
		}
		if rest[0] == ':' || len(msg.Params) == MaxParams-1 {
			msg.Params = append(msg.Params, strings.TrimPrefix(rest, ":"))
			break
		}
		var p string
		p, rest, _ = strings.Cut(rest, " ")
		msg.Params = append(msg.Params, p)
	}
	return msg, nil
}

func validCommand(cmd string) bool {
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		if k == "" {
			continue
		}
		tags[k] = unescapeTag(v)
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(`\:`, ";", `\s`, " ", `\\`, `\`, `\r`, "\r", `\n`, "\n")

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return tagUnescaper.Replace(v)
}
