package dnsbl

import (
	"fmt"
	"strings"
)

// Action is the response to a confirmed listing
type Action int

const (
	// ActionNone disables blacklist checks on connect
	ActionNone Action = iota
	// ActionLog records the listing in the service log
	ActionLog
	// ActionNotify logs and tells the client which blacklist lists it
	ActionNotify
	// ActionKline logs, notifies and bans the client's user@host
	ActionKline
)

func (a Action) String() string {
	switch a {
	case ActionLog:
		return "log"
	case ActionNotify:
		return "notify"
	case ActionKline:
		return "kline"
	default:
		return "none"
	}
}

// ParseAction parses an action name. "snoop" is accepted as an alias of "log".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return ActionNone, nil
	case "log", "snoop":
		return ActionLog, nil
	case "notify":
		return ActionNotify, nil
	case "kline":
		return ActionKline, nil
	default:
		return ActionNone, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
