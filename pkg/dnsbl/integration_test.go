package dnsbl_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"irc-dnsbl/pkg/api"
	"irc-dnsbl/pkg/cache"
	"irc-dnsbl/pkg/clients"
	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/logging"
	"irc-dnsbl/pkg/operserv"
	"irc-dnsbl/pkg/resolver"
	"irc-dnsbl/pkg/storage"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listings maps query names to the A record the test zone returns
var listings = map[string]net.IP{
	"4.3.2.1.bl.test.":  net.IPv4(127, 0, 0, 2),
	"4.3.2.1.bl2.test.": net.IPv4(127, 0, 0, 3),
	"8.7.6.5.bl.test.":  net.IPv4(10, 0, 0, 1),
}

func startBlacklistServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		if ip, ok := listings[strings.ToLower(q.Name)]; ok && q.Qtype == mdns.TypeA {
			m.Answer = append(m.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 300},
				A:   ip.To4(),
			})
		} else {
			m.Rcode = mdns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("blacklist server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

type recordingHost struct {
	mu      sync.Mutex
	notices []string
	bans    []string
}

func (h *recordingHost) Notice(_ context.Context, nick, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, nick+": "+message)
	return nil
}

func (h *recordingHost) HostBan(_ context.Context, user, host, reason string, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bans = append(h.bans, user+"@"+host+" "+reason)
	return nil
}

func (h *recordingHost) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notices), len(h.bans)
}

type stack struct {
	engine   *dnsbl.Engine
	host     *recordingHost
	registry *clients.Registry
	db       *storage.Database
	logger   *logging.Logger
}

func newStack(t *testing.T, action dnsbl.Action, dbPath string) *stack {
	t.Helper()
	logger := logging.NewWriter(io.Discard, "error")

	answers, err := cache.New(&config.CacheConfig{
		Enabled:     true,
		MaxEntries:  100,
		MinTTL:      time.Second,
		MaxTTL:      time.Hour,
		NegativeTTL: time.Minute,
	}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = answers.Close() })

	res, err := resolver.New(&config.ResolverConfig{
		Upstreams:     []string{startBlacklistServer(t)},
		Net:           "udp",
		Timeout:       2 * time.Second,
		MaxConcurrent: 8,
	}, answers, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Close() })

	backend, err := storage.NewSQLiteBackend(&storage.Config{
		Backend:     storage.BackendSQLite,
		Path:        dbPath,
		BusyTimeout: 5000,
		WALMode:     true,
	})
	require.NoError(t, err)
	db := storage.NewDatabase(backend, logger.Logger)
	t.Cleanup(func() { _ = db.Close() })

	exemptions := dnsbl.NewExemptions()
	exemptions.Attach(db)
	_, err = db.Load(context.Background())
	require.NoError(t, err)

	host := &recordingHost{}
	engine := dnsbl.NewEngine(dnsbl.Options{
		Action:        action,
		KlineDuration: 24 * time.Hour,
		KlineReason:   "Listed in a DNS blacklist",
	}, dnsbl.NewZones("bl.test", "bl2.test"), exemptions, res, host, logger, nil)

	return &stack{engine: engine, host: host, registry: clients.NewRegistry(), db: db, logger: logger}
}

func (s *stack) connect(t *testing.T, nick, ip string) dnsbl.Client {
	t.Helper()
	c, _ := s.registry.Connect(dnsbl.Client{Nick: nick, User: "~" + nick, Host: ip, IP: ip})
	require.NoError(t, s.engine.ClientConnected(context.Background(), c))
	return c
}

func (s *stack) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return s.engine.InFlight() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TestIntegration_KlineOverResolver runs a listed client through a real
// resolver and checks it is banned once although two zones list it
func TestIntegration_KlineOverResolver(t *testing.T) {
	s := newStack(t, dnsbl.ActionKline, filepath.Join(t.TempDir(), "services.db"))

	s.connect(t, "listed", "1.2.3.4")
	s.connect(t, "clean", "9.9.9.9")
	s.connect(t, "garbage", "5.6.7.8")

	require.Eventually(t, func() bool {
		notices, bans := s.host.counts()
		return notices == 1 && bans == 1
	}, 5*time.Second, 10*time.Millisecond)
	s.settle(t)

	notices, bans := s.host.counts()
	assert.Equal(t, 1, notices)
	assert.Equal(t, 1, bans)
	assert.Contains(t, s.host.bans[0], "~listed@1.2.3.4")

	var hits uint64
	for z := range s.engine.Zones().All() {
		hits += z.Hits
	}
	assert.Equal(t, uint64(1), hits)
}

// TestIntegration_ExemptionsPersist adds an exemption through the command
// service, reopens the database and checks the client is not looked up
func TestIntegration_ExemptionsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.db")
	ctx := context.Background()

	s := newStack(t, dnsbl.ActionNotify, path)
	commands := operserv.New(s.engine, s.registry, s.db, s.logger)
	src := operserv.Source{Nick: "oper", Hostmask: "oper!o@staff", Privileged: true}

	reply := commands.Dispatch(ctx, src, "DNSBLEXEMPT ADD 1.2.3.4 trusted bouncer")
	require.Len(t, reply, 1)
	assert.Contains(t, reply[0], "You have added")
	require.NoError(t, s.db.Close())

	reopened := newStack(t, dnsbl.ActionNotify, path)
	require.True(t, reopened.engine.Exemptions().IsExempt("1.2.3.4"))
	ex := reopened.engine.Exemptions()
	for e := range ex.All() {
		assert.Equal(t, "trusted bouncer", e.Reason)
		assert.Equal(t, "oper", e.Creator)
	}

	reopened.connect(t, "bouncer", "1.2.3.4")
	reopened.settle(t)
	notices, _ := reopened.host.counts()
	assert.Zero(t, notices)
}

// TestIntegration_APIScan triggers a manual scan over HTTP
func TestIntegration_APIScan(t *testing.T) {
	s := newStack(t, dnsbl.ActionNone, filepath.Join(t.TempDir(), "services.db"))
	s.connect(t, "Listed", "1.2.3.4")
	s.settle(t)

	srv := httptest.NewServer(api.New(&api.Config{
		Engine:  s.engine,
		Clients: s.registry,
		DB:      s.db,
		Logger:  s.logger,
		Version: "test",
	}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/action", strings.NewReader(`{"action":"notify"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/scan/listed", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		notices, _ := s.host.counts()
		return notices == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, s.host.notices[0], "Listed: Your IP address 1.2.3.4 is listed in DNS Blacklist")
}
