package irc

import (
	"regexp"
	"strings"

	"irc-dnsbl/pkg/dnsbl"
)

// Server notices as sent by charybdis-family ircds to opers with the
// +c (local) or +F (far) snomask.
var (
	connectRe = regexp.MustCompile(`^\*\*\* Notice -- Client connecting: (\S+) \(([^@\s]+)@(\S+)\) \[([^\]]*)\] \{[^}]*\}(?: <([^>]*)>)? \[(.*)\]$`)
	farConnRe = regexp.MustCompile(`^\*\*\* Notice -- Client connecting at (\S+): (\S+) \(([^@\s]+)@(\S+)\) \[([^\]]*)\] \{[^}]*\} \[(.*)\]$`)
	exitRe    = regexp.MustCompile(`^\*\*\* Notice -- Client exiting(?: at \S+)?: (\S+) \(([^@\s]+)@(\S+)\) \[(.*)\] \[([^\]]*)\]$`)
	nickRe    = regexp.MustCompile(`^\*\*\* Notice -- Nick change: From (\S+) to (\S+) \[([^\]]*)\]$`)
)

// ParseConnect extracts the client announced by a connect notice. The
// returned client has no ID yet.
func ParseConnect(text string) (dnsbl.Client, bool) {
	if m := connectRe.FindStringSubmatch(text); m != nil {
		return dnsbl.Client{
			Nick:     m[1],
			User:     m[2],
			Host:     m[3],
			IP:       m[4],
			Server:   m[5],
			RealName: m[6],
		}, true
	}
	if m := farConnRe.FindStringSubmatch(text); m != nil {
		return dnsbl.Client{
			Server:   m[1],
			Nick:     m[2],
			User:     m[3],
			Host:     m[4],
			IP:       m[5],
			RealName: m[6],
		}, true
	}
	return dnsbl.Client{}, false
}

// ParseExit returns the nick from a client exit notice
func ParseExit(text string) (string, bool) {
	m := exitRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ParseNickChange returns the old and new nick from a nick change notice
func ParseNickChange(text string) (from, to string, ok bool) {
	m := nickRe.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// isInternal reports whether c belongs to one of the services servers
func isInternal(c dnsbl.Client, internal map[string]struct{}) bool {
	for _, name := range []string{c.Host, c.Server} {
		if name == "" {
			continue
		}
		if _, ok := internal[strings.ToLower(name)]; ok {
			return true
		}
	}
	return false
}
