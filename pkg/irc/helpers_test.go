package irc

import (
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
)

func ircmsgLine(t *testing.T, line string) ircmsg.Message {
	t.Helper()
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		t.Fatalf("ParseLine(%q): %v", line, err)
	}
	return msg
}
