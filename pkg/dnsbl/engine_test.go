package dnsbl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/resolver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver holds lookups until the test answers them. Names listed in
// immediate are answered before Lookup returns.
type fakeResolver struct {
	mu        sync.Mutex
	pending   map[string]func(resolver.Reply)
	queried   []string
	immediate map[string]resolver.Reply
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		pending:   make(map[string]func(resolver.Reply)),
		immediate: make(map[string]resolver.Reply),
	}
}

func (f *fakeResolver) Lookup(_ context.Context, name string, _ uint16, done func(resolver.Reply)) {
	f.mu.Lock()
	f.queried = append(f.queried, name)
	if reply, ok := f.immediate[name]; ok {
		f.mu.Unlock()
		done(reply)
		return
	}
	f.pending[name] = done
	f.mu.Unlock()
}

func (f *fakeResolver) reply(t *testing.T, name string, reply resolver.Reply) {
	t.Helper()
	f.mu.Lock()
	done, ok := f.pending[name]
	delete(f.pending, name)
	f.mu.Unlock()
	require.True(t, ok, "no pending lookup for %s", name)
	done(reply)
}

func (f *fakeResolver) answer(t *testing.T, name string, addrs ...string) {
	t.Helper()
	var reply resolver.Reply
	for _, a := range addrs {
		reply.Addrs = append(reply.Addrs, net.ParseIP(a))
	}
	f.reply(t, name, reply)
}

func (f *fakeResolver) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queried...)
}

func (f *fakeResolver) pendingNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.pending))
	for n := range f.pending {
		names = append(names, n)
	}
	return names
}

type ban struct {
	user, host, reason string
	duration           time.Duration
}

type fakeHost struct {
	mu      sync.Mutex
	notices []string
	bans    []ban
}

func (h *fakeHost) Notice(_ context.Context, nick, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, nick+": "+message)
	return nil
}

func (h *fakeHost) HostBan(_ context.Context, user, host, reason string, duration time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bans = append(h.bans, ban{user, host, reason, duration})
	return nil
}

type fixture struct {
	engine   *Engine
	resolver *fakeResolver
	host     *fakeHost
	logs     *bytes.Buffer
	clock    *time.Time
}

func newFixture(t *testing.T, action Action, zones ...string) *fixture {
	t.Helper()
	f := &fixture{
		resolver: newFakeResolver(),
		host:     &fakeHost{},
		logs:     &bytes.Buffer{},
	}
	now := time.Unix(1700000000, 0)
	f.clock = &now
	f.engine = NewEngine(
		Options{Action: action},
		NewZones(zones...),
		NewExemptions(),
		f.resolver,
		f.host,
		logging.NewWriter(f.logs, "debug"),
		nil,
	)
	f.engine.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) count(msg string) int {
	return strings.Count(f.logs.String(), msg)
}

func testClient(id ClientID, ip string) Client {
	return Client{
		ID:       id,
		Nick:     fmt.Sprintf("nick%d", id),
		User:     "user",
		Host:     "host.example.net",
		RealName: "Real Name",
		IP:       ip,
	}
}

func TestKlineScenario(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test", "bl2.test")
	ctx := context.Background()

	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
	assert.Equal(t, []string{"4.3.2.1.bl.test", "4.3.2.1.bl2.test"}, f.resolver.queries())
	assert.Equal(t, 2, f.engine.InFlight())

	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	require.Len(t, f.host.bans, 1)
	assert.Equal(t, ban{"user", "host.example.net", DefaultKlineReason, DefaultKlineDuration}, f.host.bans[0])
	assert.Equal(t, []string{"nick1: Your IP address 1.2.3.4 is listed in DNS Blacklist bl.test"}, f.host.notices)
	assert.Equal(t, 1, f.count("K-lining client listed in DNS blacklist"))
	assert.Equal(t, 0, f.engine.InFlight(), "remaining queries are invalidated on a hit")

	// the second zone answers positive afterwards
	f.resolver.answer(t, "4.3.2.1.bl2.test", "127.0.0.3")
	assert.Len(t, f.host.bans, 1)
	assert.Len(t, f.host.notices, 1)
	assert.Equal(t, 1, f.count("K-lining client listed in DNS blacklist"))

	zones := f.engine.Status().Zones
	assert.Equal(t, uint64(1), zones[0].Hits)
	assert.Equal(t, uint64(0), zones[1].Hits)
}

func TestExactlyOneActionForManyPositiveZones(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d zones", n), func(t *testing.T) {
			var zones []string
			for i := 0; i < n; i++ {
				zones = append(zones, fmt.Sprintf("bl%d.test", i))
			}
			f := newFixture(t, ActionNotify, zones...)
			require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(7, "192.0.2.10")))

			names := f.resolver.pendingNames()
			rand.New(rand.NewSource(int64(n))).Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
			for _, name := range names {
				f.resolver.answer(t, name, "127.0.0.2")
			}

			assert.Len(t, f.host.notices, 1)
			assert.Equal(t, 1, f.count("Client listed in DNS blacklist"))
			assert.Zero(t, f.engine.InFlight())
		})
	}
}

func TestSynchronousHitStopsDispatch(t *testing.T) {
	f := newFixture(t, ActionKline, "a.test", "b.test", "c.test")
	f.resolver.immediate["4.3.2.1.a.test"] = resolver.Reply{Addrs: []net.IP{net.ParseIP("127.0.0.2")}}

	n, err := f.engine.Scan(context.Background(), testClient(1, "1.2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"4.3.2.1.a.test"}, f.resolver.queries())
	assert.Len(t, f.host.bans, 1)
	assert.Zero(t, f.engine.InFlight())
}

func TestExemptClientIssuesNoQueries(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test", "bl2.test")
	ctx := context.Background()
	_, err := f.engine.AddExemption(ctx, "1.2.3.4", "trusted bouncer", "oper")
	require.NoError(t, err)

	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
	assert.Empty(t, f.resolver.queries())

	_, err = f.engine.Scan(ctx, testClient(1, "1.2.3.4"))
	assert.ErrorIs(t, err, ErrExempt)
	assert.Empty(t, f.resolver.queries())
}

func TestActionNone(t *testing.T) {
	f := newFixture(t, ActionNone, "bl.test")
	ctx := context.Background()

	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
	assert.Empty(t, f.resolver.queries(), "no checks while the action is none")

	n, err := f.engine.Scan(ctx, testClient(1, "1.2.3.4"))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	assert.Empty(t, f.host.bans)
	assert.Empty(t, f.host.notices)
	assert.Zero(t, f.count("listed in DNS blacklist"))
	assert.Zero(t, f.engine.InFlight())
}

func TestActionLog(t *testing.T) {
	f := newFixture(t, ActionLog, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	assert.Empty(t, f.host.bans)
	assert.Empty(t, f.host.notices)
	assert.Equal(t, 1, f.count("Client listed in DNS blacklist"))
	assert.Contains(t, f.logs.String(), "real_name=\"Real Name\"")
}

func TestActionNotify(t *testing.T) {
	f := newFixture(t, ActionNotify, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	assert.Empty(t, f.host.bans)
	assert.Len(t, f.host.notices, 1)
	assert.Equal(t, 1, f.count("Client listed in DNS blacklist"))
}

func TestGarbageReply(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test")
	ctx := context.Background()

	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
	f.resolver.answer(t, "4.3.2.1.bl.test", "10.0.0.1")

	assert.Zero(t, f.engine.InFlight())
	assert.Empty(t, f.host.bans)
	assert.Empty(t, f.host.notices)
	assert.Equal(t, 1, f.count("Garbage reply from DNS blacklist"))

	// within the hour: no new warning
	*f.clock = f.clock.Add(30 * time.Minute)
	require.NoError(t, f.engine.ClientConnected(ctx, testClient(2, "1.2.3.5")))
	f.resolver.answer(t, "5.3.2.1.bl.test", "10.0.0.1")
	assert.Equal(t, 1, f.count("Garbage reply from DNS blacklist"))

	*f.clock = f.clock.Add(31 * time.Minute)
	require.NoError(t, f.engine.ClientConnected(ctx, testClient(3, "1.2.3.6")))
	f.resolver.answer(t, "6.3.2.1.bl.test", "10.0.0.1")
	assert.Equal(t, 2, f.count("Garbage reply from DNS blacklist"))
}

func TestOnlyFirstAddressCounts(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))
	f.resolver.answer(t, "4.3.2.1.bl.test", "10.0.0.1", "127.0.0.2")

	assert.Empty(t, f.host.bans)
}

func TestNegativeAndFailedAnswers(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test", "bl2.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))

	f.resolver.answer(t, "4.3.2.1.bl.test")
	assert.Equal(t, 1, f.engine.InFlight())

	f.resolver.reply(t, "4.3.2.1.bl2.test", resolver.Reply{Err: errors.New("timeout")})
	assert.Zero(t, f.engine.InFlight())
	assert.Empty(t, f.host.bans)
	assert.Zero(t, f.engine.Status().TrackedClients)
}

func TestDisconnectInvalidatesQueries(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test", "bl2.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))
	require.Equal(t, 2, f.engine.InFlight())

	f.engine.ClientExited(1)
	assert.Zero(t, f.engine.InFlight())

	assert.NotPanics(t, func() {
		f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
		f.resolver.answer(t, "4.3.2.1.bl2.test", "127.0.0.2")
	})
	assert.Empty(t, f.host.bans)
	assert.Empty(t, f.host.notices)
	assert.Equal(t, 2, f.count("Discarding answer for retired query"))

	// exiting twice is harmless
	f.engine.ClientExited(1)
}

func TestNoDuplicateInFlightPerZone(t *testing.T) {
	f := newFixture(t, ActionLog, "bl.test")
	ctx := context.Background()

	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
	n, err := f.engine.Scan(ctx, testClient(1, "1.2.3.4"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.resolver.queries(), 1)
	assert.Equal(t, 1, f.engine.InFlight())
}

func TestKlineIsStickyPerSession(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test")
	ctx := context.Background()
	c := testClient(1, "1.2.3.4")

	require.NoError(t, f.engine.ClientConnected(ctx, c))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	require.Len(t, f.host.bans, 1)

	n, err := f.engine.Scan(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	assert.Len(t, f.host.bans, 1)
	assert.Len(t, f.host.notices, 1)

	// a new session may be banned again
	f.engine.ClientExited(1)
	c.ID = 2
	require.NoError(t, f.engine.ClientConnected(ctx, c))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	assert.Len(t, f.host.bans, 2)
}

func TestRescanAfterHitActsAgain(t *testing.T) {
	f := newFixture(t, ActionNotify, "bl.test")
	ctx := context.Background()
	c := testClient(1, "1.2.3.4")

	require.NoError(t, f.engine.ClientConnected(ctx, c))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	_, err := f.engine.Scan(ctx, c)
	require.NoError(t, err)
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	assert.Len(t, f.host.notices, 2)
}

func TestSkippedClients(t *testing.T) {
	ctx := context.Background()

	t.Run("internal", func(t *testing.T) {
		f := newFixture(t, ActionKline, "bl.test")
		c := testClient(1, "1.2.3.4")
		c.Internal = true
		require.NoError(t, f.engine.ClientConnected(ctx, c))
		assert.Empty(t, f.resolver.queries())
	})

	t.Run("skip rule", func(t *testing.T) {
		f := newFixture(t, ActionKline, "bl.test")
		f.engine.SetSkipRules(ruleFunc(func(c Client) (string, bool) {
			return "cloud", strings.HasSuffix(c.Host, ".example.net")
		}))
		require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
		assert.Empty(t, f.resolver.queries())
		assert.Equal(t, 1, f.count("Skipping client matched by rule"))

		// manual scans ignore skip rules
		n, err := f.engine.Scan(ctx, testClient(1, "1.2.3.4"))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("throttle", func(t *testing.T) {
		f := newFixture(t, ActionKline, "bl.test")
		allowed := 1
		f.engine.SetThrottle(throttleFunc(func(string) bool {
			allowed--
			return allowed >= 0
		}))
		require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))
		require.NoError(t, f.engine.ClientConnected(ctx, testClient(2, "1.2.3.4")))
		assert.Len(t, f.resolver.queries(), 1)
	})
}

type ruleFunc func(Client) (string, bool)

func (f ruleFunc) Match(c Client) (string, bool) { return f(c) }

type throttleFunc func(string) bool

func (f throttleFunc) Allow(key string) bool { return f(key) }

func TestUnsupportedAddress(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test")
	ctx := context.Background()

	err := f.engine.ClientConnected(ctx, testClient(1, "2001:db8::1"))
	assert.ErrorIs(t, err, ErrUnsupportedAddress)

	_, err = f.engine.Scan(ctx, testClient(2, "not-an-ip"))
	assert.ErrorIs(t, err, ErrUnsupportedAddress)
	assert.Empty(t, f.resolver.queries())
	assert.Zero(t, f.engine.Status().TrackedClients)
}

func TestMappedIPv4Address(t *testing.T) {
	f := newFixture(t, ActionLog, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "::ffff:1.2.3.4")))
	assert.Equal(t, []string{"4.3.2.1.bl.test"}, f.resolver.queries())
}

func TestEmptyRegistryIsNoop(t *testing.T) {
	f := newFixture(t, ActionKline)
	n, err := f.engine.Scan(context.Background(), testClient(1, "1.2.3.4"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.resolver.queries())
	assert.Zero(t, f.engine.Status().TrackedClients)
}

func TestActionChangeAppliesToPendingAnswers(t *testing.T) {
	f := newFixture(t, ActionLog, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))

	f.engine.SetAction(ActionKline)
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	assert.Len(t, f.host.bans, 1)
}

func TestRenamedClientIsNotifiedUnderNewNick(t *testing.T) {
	f := newFixture(t, ActionNotify, "bl.test")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))

	f.engine.ClientRenamed(1, "newnick")
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")
	require.Len(t, f.host.notices, 1)
	assert.True(t, strings.HasPrefix(f.host.notices[0], "newnick: "))
}

func TestKlinePolicy(t *testing.T) {
	f := newFixture(t, ActionKline, "bl.test")
	f.engine.SetKlinePolicy(2*time.Hour, "Open proxy")
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))
	f.resolver.answer(t, "4.3.2.1.bl.test", "127.0.0.2")

	require.Len(t, f.host.bans, 1)
	assert.Equal(t, 2*time.Hour, f.host.bans[0].duration)
	assert.Equal(t, "Open proxy", f.host.bans[0].reason)

	f.engine.SetKlinePolicy(0, " ")
	assert.Equal(t, DefaultKlineDuration, f.engine.klineDuration)
	assert.Equal(t, DefaultKlineReason, f.engine.klineReason)
}

func TestConcurrentAnswers(t *testing.T) {
	var zones []string
	for i := 0; i < 20; i++ {
		zones = append(zones, fmt.Sprintf("bl%d.test", i))
	}
	f := newFixture(t, ActionKline, zones...)
	require.NoError(t, f.engine.ClientConnected(context.Background(), testClient(1, "1.2.3.4")))

	names := f.resolver.pendingNames()
	var wg sync.WaitGroup
	for _, name := range names {
		f.resolver.mu.Lock()
		done := f.resolver.pending[name]
		f.resolver.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			done(resolver.Reply{Addrs: []net.IP{net.ParseIP("127.0.0.2")}})
		}()
	}
	wg.Wait()

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	assert.Len(t, f.host.bans, 1)
	assert.Len(t, f.host.notices, 1)
	assert.Zero(t, f.engine.InFlight())
}

func TestStatus(t *testing.T) {
	f := newFixture(t, ActionNotify, "bl.test", "bl2.test")
	ctx := context.Background()
	_, err := f.engine.AddExemption(ctx, "192.0.2.1", "staff", "oper")
	require.NoError(t, err)
	require.NoError(t, f.engine.ClientConnected(ctx, testClient(1, "1.2.3.4")))

	st := f.engine.Status()
	assert.Equal(t, ActionNotify, st.Action)
	assert.Len(t, st.Zones, 2)
	assert.Equal(t, 1, st.Exemptions)
	assert.Equal(t, 2, st.InFlight)
	assert.Equal(t, 1, st.TrackedClients)

	_, err = f.engine.RemoveExemption(ctx, "192.0.2.1")
	require.NoError(t, err)
	_, err = f.engine.RemoveExemption(ctx, "192.0.2.1")
	assert.ErrorIs(t, err, ErrNotFound)
}
