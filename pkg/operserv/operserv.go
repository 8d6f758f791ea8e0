// Package operserv implements the operator commands of the DNSBL service:
// SET DNSBLACTION, DNSBLEXEMPT, DNSBLSCAN, INFO and HELP.
package operserv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/logging"
)

// Source identifies who sent a command
type Source struct {
	Nick     string
	Hostmask string
	// Privileged is set once the sender is known to be an IRC operator
	Privileged bool
}

// ClientLookup finds connected clients by nick
type ClientLookup interface {
	ByNick(nick string) (dnsbl.Client, bool)
}

// Committer persists the exemption list
type Committer interface {
	Commit(ctx context.Context) error
}

// Service dispatches operator commands to the engine
type Service struct {
	engine  *dnsbl.Engine
	clients ClientLookup
	db      Committer
	logger  *logging.Logger
}

type handler func(ctx context.Context, src Source, args []string) []string

// New creates the command service. db may be nil.
func New(engine *dnsbl.Engine, clients ClientLookup, db Committer, logger *logging.Logger) *Service {
	return &Service{
		engine:  engine,
		clients: clients,
		db:      db,
		logger:  logger.WithComponent("operserv"),
	}
}

const bold = "\x02"

func b(s string) string { return bold + s + bold }

// Dispatch runs one command line and returns the reply lines
func (s *Service) Dispatch(ctx context.Context, src Source, line string) []string {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	if !src.Privileged {
		s.logger.Warn("Denied command from unprivileged user", "source", src.Hostmask, "command", strings.ToUpper(args[0]))
		return []string{"Access denied."}
	}

	var h handler
	switch strings.ToUpper(args[0]) {
	case "SET":
		if len(args) > 1 && strings.EqualFold(args[1], "DNSBLACTION") {
			h, args = s.setAction, args[1:]
		}
	case "DNSBLEXEMPT":
		h = s.exempt
	case "DNSBLSCAN":
		h = s.scan
	case "INFO":
		h = s.info
	case "HELP":
		h = s.help
	}
	if h == nil {
		return []string{fmt.Sprintf("Invalid command. Use %s for a command listing.", b("HELP"))}
	}
	return h(ctx, src, args[1:])
}

func (s *Service) setAction(ctx context.Context, src Source, args []string) []string {
	if len(args) < 1 {
		return []string{
			"Insufficient parameters for " + b("SET DNSBLACTION") + ".",
			"Syntax: SET DNSBLACTION <NONE|LOG|NOTIFY|KLINE>",
		}
	}
	action, err := dnsbl.ParseAction(args[0])
	if err != nil {
		return []string{"Invalid action given."}
	}

	s.engine.SetAction(action)
	s.logger.Audit(ctx, src.Hostmask, "SET:DNSBLACTION", "action", action.String())
	return []string{"DNSBLACTION successfully set to " + b(action.String())}
}

func (s *Service) exempt(ctx context.Context, src Source, args []string) []string {
	syntax := "Syntax: DNSBLEXEMPT ADD|DEL|LIST [ip] [reason]"
	if len(args) < 1 {
		return []string{"Insufficient parameters for " + b("DNSBLEXEMPT") + ".", syntax}
	}

	switch strings.ToUpper(args[0]) {
	case "ADD":
		if len(args) < 3 {
			return []string{
				"Insufficient parameters for " + b("DNSBLEXEMPT ADD") + ".",
				"Syntax: DNSBLEXEMPT ADD <ip> <reason>",
			}
		}
		ip, reason := args[1], strings.Join(args[2:], " ")
		ex, err := s.engine.AddExemption(ctx, ip, reason, src.Nick)
		switch {
		case errors.Is(err, dnsbl.ErrAlreadyExists):
			return []string{b(ip) + " has already been entered into the DNSBL exempts list."}
		case err != nil:
			return []string{"Invalid parameters for " + b("DNSBLEXEMPT ADD") + "."}
		}
		s.commit(ctx)
		s.logger.Audit(ctx, src.Hostmask, "DNSBL:EXEMPT:ADD", "ip", ex.IP, "reason", ex.Reason)
		return []string{"You have added " + b(ex.IP) + " to the DNSBL exempts list."}

	case "DEL":
		if len(args) < 2 {
			return []string{
				"Insufficient parameters for " + b("DNSBLEXEMPT DEL") + ".",
				"Syntax: DNSBLEXEMPT DEL <ip>",
			}
		}
		ex, err := s.engine.RemoveExemption(ctx, args[1])
		if err != nil {
			return []string{"IP " + b(args[1]) + " not found in DNSBL Exempt database."}
		}
		s.commit(ctx)
		s.logger.Audit(ctx, src.Hostmask, "DNSBL:EXEMPT:DEL", "ip", ex.IP)
		return []string{"DNSBL Exempt IP " + b(ex.IP) + " has been deleted."}

	case "LIST":
		var out []string
		for ex := range s.engine.Exemptions().All() {
			out = append(out, fmt.Sprintf("IP: %s, Reason: %s (%s - %s)",
				b(ex.IP), b(ex.Reason), ex.Creator, ex.Created.UTC().Format("2006-01-02 15:04:05")))
		}
		s.logger.Audit(ctx, src.Hostmask, "DNSBL:EXEMPT:LIST")
		return append(out, "End of list.")
	}

	return []string{"Invalid parameters for " + b("DNSBLEXEMPT") + ".", syntax}
}

func (s *Service) scan(ctx context.Context, src Source, args []string) []string {
	if len(args) < 1 {
		return []string{
			"Insufficient parameters for " + b("DNSBLSCAN") + ".",
			"Syntax: DNSBLSCAN <nickname>",
		}
	}
	nick := args[0]
	c, ok := s.clients.ByNick(nick)
	if !ok {
		return []string{fmt.Sprintf("User %s is not on the network, you cannot scan them.", b(nick))}
	}

	n, err := s.engine.Scan(ctx, c)
	switch {
	case errors.Is(err, dnsbl.ErrExempt):
		return []string{fmt.Sprintf("%s (%s) is exempt from DNSBL checks.", b(c.Nick), c.IP)}
	case errors.Is(err, dnsbl.ErrUnsupportedAddress):
		return []string{fmt.Sprintf("%s has no IPv4 address to scan.", b(c.Nick))}
	case err != nil:
		return []string{fmt.Sprintf("Could not scan %s: %v", b(c.Nick), err)}
	}

	s.logger.Audit(ctx, src.Hostmask, "DNSBL:SCAN", "nick", c.Nick, "ip", c.IP, "queries", n)
	return []string{fmt.Sprintf("%s has been scanned.", c.Nick)}
}

func (s *Service) info(ctx context.Context, src Source, _ []string) []string {
	st := s.engine.Status()
	out := []string{"Action taken when a user is on a DNSBL: " + st.Action.String()}
	for _, z := range st.Zones {
		out = append(out, fmt.Sprintf("Using Blacklist: %s (%d hits)", z.Suffix, z.Hits))
	}
	out = append(out,
		fmt.Sprintf("DNSBL exemptions: %d", st.Exemptions),
		fmt.Sprintf("Lookups in flight: %d", st.InFlight),
	)
	return out
}

func (s *Service) help(_ context.Context, _ Source, _ []string) []string {
	return []string{
		"DNSBL commands:",
		b("SET DNSBLACTION") + " <none|log|notify|kline> - Changes what happens to a user when they hit a DNSBL.",
		b("DNSBLEXEMPT") + " ADD <ip> <reason> | DEL <ip> | LIST - Manage the list of IPs exempt from DNSBL checking.",
		b("DNSBLSCAN") + " <nickname> - Manually scan if a user is in a DNSBL.",
		b("INFO") + " - Shows the DNSBL configuration.",
	}
}

func (s *Service) commit(ctx context.Context) {
	if s.db == nil {
		return
	}
	if err := s.db.Commit(ctx); err != nil {
		s.logger.Error("Failed to commit exemptions", "error", err)
	}
}
