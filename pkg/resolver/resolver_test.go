package resolver

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"irc-dnsbl/pkg/cache"
	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestLogger() *logging.Logger {
	return logging.NewWriter(io.Discard, "error")
}

// startTestServer runs an in-process DNS server answering with handler
func startTestServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("test DNS server did not start")
	}
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

// blacklistHandler lists 1.2.3.4 in bl.test and answers NXDOMAIN otherwise
func blacklistHandler(queries *atomic.Int32) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if queries != nil {
			queries.Add(1)
		}
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		switch q.Name {
		case "4.3.2.1.bl.test.":
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.IPv4(127, 0, 0, 2).To4(),
			})
		case "9.9.9.9.bl.test.":
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
				A:   net.IPv4(10, 0, 0, 1).To4(),
			})
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	}
}

func servfailHandler(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeServerFailure)
	_ = w.WriteMsg(m)
}

func testConfig(upstreams ...string) *config.ResolverConfig {
	return &config.ResolverConfig{
		Upstreams:     upstreams,
		Net:           "udp",
		Timeout:       2 * time.Second,
		MaxConcurrent: 4,
	}
}

func newTestResolver(t *testing.T, cfg *config.ResolverConfig, answers *cache.Cache) *Resolver {
	t.Helper()
	r, err := New(cfg, answers, getTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_ResolvConf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\nnameserver 2001:db8::53\n"), 0600))

	cfg := testConfig()
	cfg.ResolvConf = path
	r := newTestResolver(t, cfg, nil)

	assert.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:53"}, r.Upstreams())
}

func TestNew_Unavailable(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.conf")
	require.NoError(t, os.WriteFile(empty, []byte("search example.net\n"), 0600))

	for _, path := range []string{filepath.Join(dir, "missing.conf"), empty} {
		cfg := testConfig()
		cfg.ResolvConf = path
		_, err := New(cfg, nil, getTestLogger())
		assert.ErrorIs(t, err, ErrUnavailable, path)
	}
}

func TestWithPort(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1":       "192.0.2.1:53",
		"192.0.2.1:5353":  "192.0.2.1:5353",
		"2001:db8::1":     "[2001:db8::1]:53",
		"[2001:db8::1]":   "[2001:db8::1]:53",
		"[2001:db8::1]:5": "[2001:db8::1]:5",
	}
	for in, want := range tests {
		assert.Equal(t, want, withPort(in, "53"), in)
	}
}

func TestResolve(t *testing.T) {
	addr := startTestServer(t, blacklistHandler(nil))
	r := newTestResolver(t, testConfig(addr), nil)
	ctx := context.Background()

	listed := r.Resolve(ctx, "4.3.2.1.bl.test", dns.TypeA)
	require.NoError(t, listed.Err)
	require.Len(t, listed.Addrs, 1)
	assert.True(t, listed.Addrs[0].Equal(net.IPv4(127, 0, 0, 2)))
	assert.Equal(t, 300*time.Second, listed.TTL)

	clean := r.Resolve(ctx, "8.3.2.1.bl.test", dns.TypeA)
	require.NoError(t, clean.Err)
	assert.Empty(t, clean.Addrs)
}

func TestResolve_FallsBackToNextUpstream(t *testing.T) {
	bad := startTestServer(t, servfailHandler)
	good := startTestServer(t, blacklistHandler(nil))
	r := newTestResolver(t, testConfig(bad, good), nil)

	reply := r.Resolve(context.Background(), "4.3.2.1.bl.test", dns.TypeA)
	require.NoError(t, reply.Err)
	assert.Len(t, reply.Addrs, 1)
}

func TestResolve_AllUpstreamsFail(t *testing.T) {
	bad := startTestServer(t, servfailHandler)
	r := newTestResolver(t, testConfig(bad), nil)

	reply := r.Resolve(context.Background(), "4.3.2.1.bl.test", dns.TypeA)
	assert.Error(t, reply.Err)
	assert.Empty(t, reply.Addrs)
}

func TestLookup_Async(t *testing.T) {
	addr := startTestServer(t, blacklistHandler(nil))
	r := newTestResolver(t, testConfig(addr), nil)

	replies := make(chan Reply, 1)
	r.Lookup(context.Background(), "9.9.9.9.bl.test", dns.TypeA, func(rep Reply) { replies <- rep })

	select {
	case rep := <-replies:
		require.NoError(t, rep.Err)
		require.Len(t, rep.Addrs, 1)
		assert.True(t, rep.Addrs[0].Equal(net.IPv4(10, 0, 0, 1)))
	case <-time.After(5 * time.Second):
		t.Fatal("lookup did not complete")
	}
}

func TestLookup_CachedAnswerIsSynchronous(t *testing.T) {
	var queries atomic.Int32
	addr := startTestServer(t, blacklistHandler(&queries))

	answers, err := cache.New(&config.CacheConfig{
		Enabled:     true,
		MaxEntries:  10,
		MinTTL:      time.Second,
		MaxTTL:      time.Hour,
		NegativeTTL: time.Minute,
	}, getTestLogger(), nil)
	require.NoError(t, err)
	defer func() { _ = answers.Close() }()

	r := newTestResolver(t, testConfig(addr), answers)
	ctx := context.Background()

	first := r.Resolve(ctx, "4.3.2.1.bl.test", dns.TypeA)
	require.NoError(t, first.Err)

	var got *Reply
	r.Lookup(ctx, "4.3.2.1.bl.test", dns.TypeA, func(rep Reply) { got = &rep })
	require.NotNil(t, got, "cached answer should be delivered before Lookup returns")
	assert.Len(t, got.Addrs, 1)
	assert.Equal(t, int32(1), queries.Load())
}

func TestLookup_AfterClose(t *testing.T) {
	addr := startTestServer(t, blacklistHandler(nil))
	r, err := New(testConfig(addr), nil, getTestLogger())
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	var got Reply
	r.Lookup(context.Background(), "4.3.2.1.bl.test", dns.TypeA, func(rep Reply) { got = rep })
	assert.ErrorIs(t, got.Err, ErrClosed)
}

func TestReplyFrom_FiltersRecordType(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("4.3.2.1.bl.test.", dns.TypeA)
	m.Answer = []dns.RR{
		&dns.CNAME{Hdr: dns.RR_Header{Name: "4.3.2.1.bl.test.", Rrtype: dns.TypeCNAME, Ttl: 60}, Target: "x.bl.test."},
		&dns.A{Hdr: dns.RR_Header{Name: "x.bl.test.", Rrtype: dns.TypeA, Ttl: 30}, A: net.IPv4(127, 0, 0, 4).To4()},
	}

	reply := replyFrom(m, dns.TypeA)
	require.Len(t, reply.Addrs, 1)
	assert.Equal(t, 30*time.Second, reply.TTL)

	m.Rcode = dns.RcodeNameError
	assert.Empty(t, replyFrom(m, dns.TypeA).Addrs)
}
