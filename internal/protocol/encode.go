package protocol

import "strings"

// Reply formats a numeric reply:
//
//	<code> <target> [params...] :<text>\r\n
//
// An empty target becomes "*".
func Reply(code Code, target string, params []string, text string) []byte {
	var b strings.Builder
	b.Grow(16 + len(target) + len(text))
	b.WriteString(code.String())
	b.WriteByte(' ')
	if target == "" {
		target = "*"
	}
	b.WriteString(target)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(sanitizeParam(p))
	}
	b.WriteString(" :")
	b.WriteString(sanitizeText(text))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Line formats a server-originated command line such as PING or MESSAGE.
func Line(command string, params []string, trailing string) []byte {
	var b strings.Builder
	b.WriteString(command)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(sanitizeParam(p))
	}
	b.WriteString(" :")
	b.WriteString(sanitizeText(trailing))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeParam(p string) string {
	if p == "" {
		return "*"
	}
	p = strings.TrimLeft(p, ":")
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\r', '\n', 0:
			return '_'
		}
		return r
	}, p)
}

func sanitizeText(s string) string {
	if !strings.ContainsAny(s, "\r\n\x00") {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', 0:
			return ' '
		}
		return r
	}, s)
}
