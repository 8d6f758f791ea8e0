// Package dnsbl checks connecting IRC clients against DNS blacklists.
//
// The Engine owns the zone registry, the exemption list, the response
// action and the table of in-flight queries. Lookups complete on resolver
// goroutines; every state transition is serialized by the engine lock so
// the engine behaves like a single event loop, and effects on the IRC
// network run after the transition is recorded, outside the lock.
package dnsbl

import (
	"context"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/resolver"
	"irc-dnsbl/pkg/telemetry"

	"github.com/miekg/dns"
)

const (
	// DefaultKlineDuration is the ban length used by ActionKline
	DefaultKlineDuration = 24 * time.Hour
	// DefaultKlineReason is the ban reason used by ActionKline
	DefaultKlineReason = "Banned (DNS Blacklist)"
	// GarbageWarnInterval limits warnings about malformed answers per zone
	GarbageWarnInterval = time.Hour
)

// Resolver performs asynchronous A lookups. done is called exactly once,
// from any goroutine, possibly before Lookup returns.
type Resolver interface {
	Lookup(ctx context.Context, name string, qtype uint16, done func(resolver.Reply))
}

// Host carries out actions on the IRC network
type Host interface {
	// Notice sends a notice from the service to nick
	Notice(ctx context.Context, nick, message string) error
	// HostBan bans user@host network-wide for duration
	HostBan(ctx context.Context, user, host, reason string, duration time.Duration) error
}

// SkipRules decides whether a connecting client is checked at all
type SkipRules interface {
	// Match returns the name of the first rule matching c
	Match(c Client) (string, bool)
}

// Throttle limits how often one address triggers a lookup pass
type Throttle interface {
	Allow(key string) bool
}

// Options configures the response policy
type Options struct {
	Action        Action
	KlineDuration time.Duration
	KlineReason   string
}

// QueryID identifies one in-flight query
type QueryID uint64

type query struct {
	client  ClientID
	zone    string
	started time.Time
}

type clientState struct {
	client  Client
	queries map[string]QueryID // lower-cased zone -> query
	handled bool
	klined  bool
}

// response is a policy decision taken under the lock and executed after it
type response struct {
	action Action
	client Client
	zone   string
	ban    bool
}

// Status summarizes the engine for operators
type Status struct {
	Action         Action `json:"action"`
	Zones          []Zone `json:"zones"`
	Exemptions     int    `json:"exemptions"`
	InFlight       int    `json:"in_flight"`
	TrackedClients int    `json:"tracked_clients"`
}

// Engine dispatches blacklist lookups and applies the response policy
type Engine struct {
	zones      *Zones
	exemptions *Exemptions
	resolver   Resolver
	host       Host
	logger     *logging.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time

	mu            sync.Mutex
	action        Action
	klineDuration time.Duration
	klineReason   string
	skip          SkipRules
	throttle      Throttle
	nextID        QueryID
	inflight      map[QueryID]*query
	clients       map[ClientID]*clientState
}

// NewEngine creates an engine. metrics may be nil.
func NewEngine(opts Options, zones *Zones, exemptions *Exemptions, res Resolver, host Host, logger *logging.Logger, metrics *telemetry.Metrics) *Engine {
	e := &Engine{
		zones:      zones,
		exemptions: exemptions,
		resolver:   res,
		host:       host,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		action:     opts.Action,
		inflight:   make(map[QueryID]*query),
		clients:    make(map[ClientID]*clientState),
	}
	e.SetKlinePolicy(opts.KlineDuration, opts.KlineReason)
	return e
}

// Zones returns the zone registry
func (e *Engine) Zones() *Zones { return e.zones }

// Exemptions returns the exemption list
func (e *Engine) Exemptions() *Exemptions { return e.exemptions }

// Action returns the current response action
func (e *Engine) Action() Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.action
}

// SetAction changes the response action. Queries already in flight use
// the action in effect when their answer arrives.
func (e *Engine) SetAction(a Action) {
	e.mu.Lock()
	prev := e.action
	e.action = a
	e.mu.Unlock()

	if prev != a {
		e.logger.Info("DNSBL action changed", "from", prev.String(), "to", a.String())
	}
}

// SetKlinePolicy sets the ban length and reason, falling back to the defaults
func (e *Engine) SetKlinePolicy(duration time.Duration, reason string) {
	if duration <= 0 {
		duration = DefaultKlineDuration
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultKlineReason
	}
	e.mu.Lock()
	e.klineDuration = duration
	e.klineReason = reason
	e.mu.Unlock()
}

// SetSkipRules replaces the skip rules; nil disables them
func (e *Engine) SetSkipRules(rules SkipRules) {
	e.mu.Lock()
	e.skip = rules
	e.mu.Unlock()
}

// SetThrottle replaces the per-address throttle; nil disables it
func (e *Engine) SetThrottle(t Throttle) {
	e.mu.Lock()
	e.throttle = t
	e.mu.Unlock()
}

// AddExemption exempts ip and keeps the exemption gauge current
func (e *Engine) AddExemption(ctx context.Context, ip, reason, creator string) (Exemption, error) {
	ex, err := e.exemptions.Add(ip, reason, creator)
	if err != nil {
		return ex, err
	}
	e.metrics.AddExemptions(ctx, 1)
	e.logger.Info("DNSBL exemption added", "ip", ex.IP, "creator", ex.Creator, "reason", ex.Reason)
	return ex, nil
}

// RemoveExemption removes the exemption for ip
func (e *Engine) RemoveExemption(ctx context.Context, ip string) (Exemption, error) {
	ex, err := e.exemptions.Remove(ip)
	if err != nil {
		return ex, err
	}
	e.metrics.AddExemptions(ctx, -1)
	e.logger.Info("DNSBL exemption removed", "ip", ex.IP)
	return ex, nil
}

// ClientConnected checks a newly connected client. Internal clients,
// exempt addresses, clients matched by a skip rule and throttled
// addresses are not checked, nor is anyone while the action is none.
func (e *Engine) ClientConnected(ctx context.Context, c Client) error {
	e.mu.Lock()
	action, skip, throttle := e.action, e.skip, e.throttle
	e.mu.Unlock()

	switch {
	case c.Internal:
		e.metrics.RecordSkip(ctx, "internal")
		return nil
	case action == ActionNone:
		e.metrics.RecordSkip(ctx, "disabled")
		return nil
	case e.exemptions.IsExempt(c.IP):
		e.metrics.RecordSkip(ctx, "exempt")
		e.logger.Debug("Skipping exempt client", "nick", c.Nick, "ip", c.IP)
		return nil
	}

	if skip != nil {
		if rule, ok := skip.Match(c); ok {
			e.metrics.RecordSkip(ctx, "rule")
			e.logger.Debug("Skipping client matched by rule", "nick", c.Nick, "ip", c.IP, "rule", rule)
			return nil
		}
	}

	if throttle != nil && !throttle.Allow(c.IP) {
		e.metrics.RecordSkip(ctx, "throttled")
		e.logger.Debug("Skipping throttled address", "nick", c.Nick, "ip", c.IP)
		return nil
	}

	_, err := e.dispatch(ctx, c, false)
	return err
}

// Scan checks c on operator request, whatever the action, skip rules and
// throttle say. It returns the number of queries dispatched; zones that
// already have a query in flight for c are not queried again.
func (e *Engine) Scan(ctx context.Context, c Client) (int, error) {
	if e.exemptions.IsExempt(c.IP) {
		return 0, ErrExempt
	}
	return e.dispatch(ctx, c, true)
}

// ClientExited forgets a client. Answers still outstanding for it are
// discarded when they arrive.
func (e *Engine) ClientExited(id ClientID) {
	e.mu.Lock()
	st, ok := e.clients[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	cancelled := e.retire(st)
	delete(e.clients, id)
	e.mu.Unlock()

	e.metrics.AddInFlight(context.Background(), -int64(cancelled))
	if cancelled > 0 {
		e.logger.Debug("Dropped in-flight queries of exiting client", "nick", st.client.Nick, "queries", cancelled)
	}
}

// ClientRenamed updates the nick used for notices to a tracked client
func (e *Engine) ClientRenamed(id ClientID, nick string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.clients[id]; ok {
		st.client.Nick = nick
	}
}

// InFlight returns the number of outstanding queries
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Status returns a snapshot for reporting
func (e *Engine) Status() Status {
	zones := e.zones.snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Action:         e.action,
		Zones:          zones,
		Exemptions:     e.exemptions.Len(),
		InFlight:       len(e.inflight),
		TrackedClients: len(e.clients),
	}
}

type pendingQuery struct {
	id   QueryID
	name string
	zone string
}

func (e *Engine) dispatch(ctx context.Context, c Client, rescan bool) (int, error) {
	rev, err := reverseOctets(c.IP)
	if err != nil {
		return 0, err
	}

	now := e.now()

	e.mu.Lock()
	st := e.clients[c.ID]
	if st == nil {
		st = &clientState{queries: make(map[string]QueryID)}
		e.clients[c.ID] = st
	}
	st.client = c
	if rescan {
		st.handled = false
	}

	var pending []pendingQuery
	for zone := range e.zones.All() {
		key := strings.ToLower(zone.Suffix)
		if _, busy := st.queries[key]; busy {
			continue
		}
		e.nextID++
		id := e.nextID
		e.inflight[id] = &query{client: c.ID, zone: zone.Suffix, started: now}
		st.queries[key] = id
		pending = append(pending, pendingQuery{id: id, name: rev + "." + zone.Suffix, zone: zone.Suffix})
	}
	e.gc(c.ID, st)
	e.mu.Unlock()

	if len(pending) == 0 {
		return 0, nil
	}

	e.metrics.AddInFlight(ctx, int64(len(pending)))
	e.logger.Debug("Checking client against DNS blacklists", "nick", c.Nick, "ip", c.IP, "zones", len(pending))

	// answers must outlive the event that triggered the check
	lookupCtx := context.WithoutCancel(ctx)
	dispatched := 0
	for _, p := range pending {
		// a cached hit from an earlier zone may already have settled the client
		if !e.live(p.id) {
			continue
		}
		e.metrics.RecordLookup(ctx, p.zone)
		id := p.id
		e.resolver.Lookup(lookupCtx, p.name, dns.TypeA, func(reply resolver.Reply) {
			e.complete(lookupCtx, id, reply)
		})
		dispatched++
	}
	return dispatched, nil
}

func (e *Engine) live(id QueryID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

type verdict int

const (
	verdictMiss verdict = iota
	verdictHit
	verdictGarbage
	verdictError
)

// classify applies the DNSBL convention: only the first address counts,
// and it lists the client when it lies in 127.0.0.0/8.
func classify(reply resolver.Reply) verdict {
	if reply.Err != nil {
		return verdictError
	}
	if len(reply.Addrs) == 0 {
		return verdictMiss
	}
	if v4 := reply.Addrs[0].To4(); v4 != nil && v4[0] == 127 {
		return verdictHit
	}
	return verdictGarbage
}

func (e *Engine) complete(ctx context.Context, id QueryID, reply resolver.Reply) {
	now := e.now()

	e.mu.Lock()
	q, ok := e.inflight[id]
	if !ok {
		e.mu.Unlock()
		e.metrics.RecordLateAnswer(ctx)
		e.logger.Debug("Discarding answer for retired query", "query", id)
		return
	}
	delete(e.inflight, id)
	retired := 1

	st := e.clients[q.client]
	if st == nil {
		e.mu.Unlock()
		e.metrics.AddInFlight(ctx, -1)
		return
	}
	delete(st.queries, strings.ToLower(q.zone))
	client := st.client

	v := classify(reply)
	var (
		resp    *response
		warn    bool
		dropped bool
	)
	switch v {
	case verdictGarbage:
		warn = e.zones.warnDue(q.zone, now, GarbageWarnInterval)
	case verdictHit:
		if st.handled {
			dropped = true
			break
		}
		st.handled = true
		e.zones.recordHit(q.zone)
		retired += e.retire(st)
		resp = e.decide(st, q.zone)
	}
	e.gc(q.client, st)
	e.mu.Unlock()

	e.metrics.AddInFlight(ctx, -int64(retired))
	e.metrics.ObserveLookup(ctx, q.zone, now.Sub(q.started))

	switch v {
	case verdictError:
		e.metrics.RecordResolverError(ctx, q.zone)
		e.logger.Debug("DNS blacklist query failed", "zone", q.zone, "ip", client.IP, "error", reply.Err)
	case verdictGarbage:
		e.metrics.RecordGarbage(ctx, q.zone)
		if warn {
			e.logger.Warn("Garbage reply from DNS blacklist",
				"zone", q.zone,
				"answer", reply.Addrs[0].String(),
				"error", ErrMalformedAnswer,
			)
		}
	case verdictHit:
		e.metrics.RecordHit(ctx, q.zone)
		if dropped {
			e.logger.Debug("Ignoring further listing for handled client", "nick", client.Nick, "zone", q.zone)
		}
	}

	if resp != nil {
		e.respond(ctx, *resp)
	}
}

// retire drops every in-flight query of st and returns how many there were.
// Must be called with the lock held.
func (e *Engine) retire(st *clientState) int {
	n := len(st.queries)
	for key, id := range st.queries {
		delete(e.inflight, id)
		delete(st.queries, key)
	}
	return n
}

// gc forgets a client with nothing in flight and no ban on record.
// Must be called with the lock held.
func (e *Engine) gc(id ClientID, st *clientState) {
	if len(st.queries) == 0 && !st.klined {
		delete(e.clients, id)
	}
}

// decide picks the response to a hit. Must be called with the lock held.
func (e *Engine) decide(st *clientState, zone string) *response {
	r := &response{action: e.action, client: st.client, zone: zone}
	if r.action == ActionKline {
		if st.klined {
			return nil
		}
		st.klined = true
		r.ban = true
	}
	return r
}

func (e *Engine) respond(ctx context.Context, r response) {
	if r.action == ActionNone {
		return
	}
	e.metrics.RecordAction(ctx, r.action.String())

	c := r.client
	attrs := []any{
		"nick", c.Nick,
		"user", c.User,
		"host", c.Host,
		"real_name", c.RealName,
		"ip", c.IP,
		"zone", r.zone,
	}
	if r.ban {
		e.logger.Info("K-lining client listed in DNS blacklist", attrs...)
	} else {
		e.logger.Info("Client listed in DNS blacklist", attrs...)
	}

	if r.action == ActionLog {
		return
	}

	if e.host == nil {
		return
	}

	msg := "Your IP address " + c.IP + " is listed in DNS Blacklist " + r.zone
	if err := e.host.Notice(ctx, c.Nick, msg); err != nil {
		e.logger.Warn("Failed to notify listed client", "nick", c.Nick, "error", err)
	}

	if !r.ban {
		return
	}

	e.mu.Lock()
	duration, reason := e.klineDuration, e.klineReason
	e.mu.Unlock()

	if err := e.host.HostBan(ctx, c.User, c.Host, reason, duration); err != nil {
		e.logger.Error("Failed to ban listed client",
			"user", c.User,
			"host", c.Host,
			"error", err,
		)
	}
}
