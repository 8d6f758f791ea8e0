// Package irc connects the DNSBL service to the network as an oper. It
// follows client connections through server notices, executes notices
// and K-lines on behalf of the engine and relays operator commands.
package irc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/clients"
	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/operserv"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"
)

// OperCacheTTL bounds how long a WHOIS confirmation of operator status
// is trusted. The server does not tell us when an oper deopers.
const OperCacheTTL = 5 * time.Minute

// sender is the part of the connection used to talk to the server
type sender interface {
	Send(command string, params ...string) error
	CurrentNick() string
}

// Bot is the service's IRC connection
type Bot struct {
	conn     *ircevent.Connection
	out      sender
	cfg      *config.IRCConfig
	registry *clients.Registry
	logger   *logging.Logger
	internal map[string]struct{}
	now      func() time.Time

	mu       sync.Mutex
	ctx      context.Context
	engine   *dnsbl.Engine
	commands *operserv.Service
	ready    bool
	// opers caches WHOIS-confirmed operators by client session. Entries
	// die with the session, on nick change and after OperCacheTTL.
	opers map[dnsbl.ClientID]operEntry
	// pending holds commands waiting for a WHOIS reply, by folded nick
	pending map[string]*pendingCommand
}

type pendingCommand struct {
	hostmask string
	message  string
	client   dnsbl.ClientID
	tracked  bool
}

type operEntry struct {
	hostmask string
	expires  time.Time
}

// New creates the bot. Bind must be called before Run.
func New(cfg *config.IRCConfig, registry *clients.Registry, logger *logging.Logger) *Bot {
	b := &Bot{
		cfg:      cfg,
		registry: registry,
		logger:   logger.WithComponent("irc"),
		internal: make(map[string]struct{}),
		ctx:      context.Background(),
		now:      time.Now,
		opers:    make(map[dnsbl.ClientID]operEntry),
		pending:  make(map[string]*pendingCommand),
	}
	for _, s := range cfg.InternalServers {
		b.internal[strings.ToLower(s)] = struct{}{}
	}

	b.conn = &ircevent.Connection{
		Server:      fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		Nick:        cfg.Nick,
		User:        cfg.Username,
		RealName:    cfg.RealName,
		Password:    cfg.Password,
		QuitMessage: "Shutting down",
		UseTLS:      cfg.TLS,
		TLSConfig:   &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}, //nolint:gosec // operator opt-in
	}
	b.out = b.conn
	b.registerHandlers()
	return b
}

// Bind connects the bot to the engine it reports to and the command
// service it relays to.
func (b *Bot) Bind(engine *dnsbl.Engine, commands *operserv.Service) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.engine = engine
	b.commands = commands
}

func (b *Bot) registerHandlers() {
	b.conn.AddCallback("376", b.onConnect)
	b.conn.AddCallback("422", b.onConnect) // no MOTD
	b.conn.AddCallback("381", b.onOper)    // RPL_YOUREOPER
	b.conn.AddCallback("NOTICE", b.onNotice)
	b.conn.AddCallback("PRIVMSG", b.onPrivmsg)
	b.conn.AddCallback("313", b.onWhoisOper) // RPL_WHOISOPERATOR
	b.conn.AddCallback("318", b.onWhoisEnd)  // RPL_ENDOFWHOIS
}

// Run connects and processes events until ctx is cancelled
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	if err := b.conn.Connect(); err != nil {
		return fmt.Errorf("connect to %s: %w", b.conn.Server, err)
	}
	b.logger.Info("Connected to IRC server", "server", b.conn.Server, "tls", b.cfg.TLS)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			b.conn.Quit()
		case <-done:
		}
	}()

	b.conn.Loop()
	return nil
}

// Ready reports whether registration and oper-up have completed
func (b *Bot) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Notice sends a notice to nick
func (b *Bot) Notice(_ context.Context, nick, message string) error {
	if err := b.out.Send("NOTICE", nick, message); err != nil {
		return fmt.Errorf("notice %s: %w", nick, err)
	}
	return nil
}

// HostBan K-lines user@host for duration, rounded up to whole minutes
func (b *Bot) HostBan(_ context.Context, user, host, reason string, duration time.Duration) error {
	if user == "" || host == "" {
		return errors.New("kline: empty user or host")
	}
	minutes := int((duration + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	mask := user + "@" + host
	if err := b.out.Send("KLINE", strconv.Itoa(minutes), mask, reason); err != nil {
		return fmt.Errorf("kline %s: %w", mask, err)
	}
	return nil
}

func (b *Bot) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *Bot) onConnect(_ ircmsg.Message) {
	if b.cfg.OperName != "" && b.cfg.OperPass != "" {
		if err := b.out.Send("OPER", b.cfg.OperName, b.cfg.OperPass); err != nil {
			b.logger.Error("Failed to send OPER", "error", err)
		}
		return
	}
	b.logger.Warn("No oper credentials configured, connection notices will not be received")
}

func (b *Bot) onOper(_ ircmsg.Message) {
	if err := b.out.Send("MODE", b.out.CurrentNick(), "+s", b.cfg.Snomask); err != nil {
		b.logger.Error("Failed to set snomask", "error", err)
	}

	b.mu.Lock()
	b.ready = true
	b.mu.Unlock()

	b.logger.Info("Opered up", "snomask", b.cfg.Snomask)
}

func (b *Bot) onNotice(e ircmsg.Message) {
	// server notices come from a server name, never a nick!user@host
	if len(e.Params) < 2 || strings.Contains(e.Source, "!") {
		return
	}
	b.handleServerNotice(e.Params[1])
}

func (b *Bot) handleServerNotice(text string) {
	b.mu.Lock()
	engine := b.engine
	b.mu.Unlock()
	if engine == nil {
		return
	}
	ctx := b.context()

	if c, ok := ParseConnect(text); ok {
		c.Internal = isInternal(c, b.internal)
		c, replaced := b.registry.Connect(c)
		if replaced != nil {
			engine.ClientExited(replaced.ID)
			b.forgetOper(replaced.ID)
		}
		if err := engine.ClientConnected(ctx, c); err != nil {
			b.logger.Debug("Client not checked", "nick", c.Nick, "ip", c.IP, "error", err)
		}
		return
	}

	if nick, ok := ParseExit(text); ok {
		if c, ok := b.registry.Exit(nick); ok {
			engine.ClientExited(c.ID)
			b.forgetOper(c.ID)
		}
		return
	}

	if from, to, ok := ParseNickChange(text); ok {
		if c, ok := b.registry.Rename(from, to); ok {
			engine.ClientRenamed(c.ID, to)
			b.forgetOper(c.ID)
		}
	}
}

func (b *Bot) onPrivmsg(e ircmsg.Message) {
	if len(e.Params) < 2 {
		return
	}
	if !strings.EqualFold(e.Params[0], b.out.CurrentNick()) {
		return
	}
	nuh, err := e.NUH()
	if err != nil {
		return
	}
	b.handlePrivmsg(e.Nick(), nuh.Canonical(), e.Params[1])
}

func (b *Bot) forgetOper(id dnsbl.ClientID) {
	b.mu.Lock()
	delete(b.opers, id)
	b.mu.Unlock()
}

func (b *Bot) handlePrivmsg(nick, hostmask, message string) {
	c, tracked := b.registry.ByNick(nick)

	b.mu.Lock()
	isOper := false
	if e, ok := b.opers[c.ID]; ok && tracked {
		if e.hostmask == hostmask && b.now().Before(e.expires) {
			isOper = true
		} else {
			delete(b.opers, c.ID)
		}
	}
	if !isOper {
		b.pending[clients.Fold(nick)] = &pendingCommand{
			hostmask: hostmask,
			message:  message,
			client:   c.ID,
			tracked:  tracked,
		}
	}
	b.mu.Unlock()

	if isOper {
		b.runCommand(nick, hostmask, message, true)
		return
	}
	if err := b.out.Send("WHOIS", nick); err != nil {
		b.logger.Warn("Failed to send WHOIS", "nick", nick, "error", err)
	}
}

func (b *Bot) onWhoisOper(e ircmsg.Message) {
	// 313 <me> <nick> :is an IRC operator
	if len(e.Params) < 2 {
		return
	}
	b.whoisOper(e.Params[1])
}

func (b *Bot) whoisOper(nick string) {
	key := clients.Fold(nick)

	b.mu.Lock()
	p := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()

	// only cache for the session that sent the command
	if p != nil && p.tracked {
		if c, ok := b.registry.ByNick(nick); ok && c.ID == p.client {
			b.mu.Lock()
			b.opers[c.ID] = operEntry{hostmask: p.hostmask, expires: b.now().Add(OperCacheTTL)}
			b.mu.Unlock()
		}
	}

	if p != nil {
		b.runCommand(nick, p.hostmask, p.message, true)
	}
}

func (b *Bot) onWhoisEnd(e ircmsg.Message) {
	// 318 <me> <nick> :End of /WHOIS list
	if len(e.Params) < 2 {
		return
	}
	b.whoisEnd(e.Params[1])
}

func (b *Bot) whoisEnd(nick string) {
	key := clients.Fold(nick)

	b.mu.Lock()
	p := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()

	// still pending: no 313 arrived, so the sender is not an oper
	if p != nil {
		b.runCommand(nick, p.hostmask, p.message, false)
	}
}

func (b *Bot) runCommand(nick, hostmask, message string, privileged bool) {
	b.mu.Lock()
	commands := b.commands
	b.mu.Unlock()
	if commands == nil {
		return
	}

	src := operserv.Source{Nick: nick, Hostmask: hostmask, Privileged: privileged}
	for _, line := range commands.Dispatch(b.context(), src, message) {
		if err := b.out.Send("NOTICE", nick, line); err != nil {
			b.logger.Warn("Failed to send reply", "nick", nick, "error", err)
			return
		}
	}
}
