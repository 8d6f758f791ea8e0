// Package resolver performs the asynchronous DNS lookups behind the
// blacklist checks. Queries go to the configured upstreams (or the
// nameservers of resolv.conf) and may be answered from the answer cache.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/cache"
	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/logging"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnavailable is returned by New when no nameserver can be used
	ErrUnavailable = errors.New("resolver unavailable")

	// ErrClosed is delivered to lookups issued after Close
	ErrClosed = errors.New("resolver closed")
)

// Reply is the outcome of one lookup. An empty Addrs with a nil Err is a
// negative answer (NXDOMAIN or no records of the requested type).
type Reply struct {
	Addrs []net.IP
	TTL   time.Duration
	Err   error
}

// Resolver issues DNS queries through miekg/dns
type Resolver struct {
	logger    *logging.Logger
	cache     *cache.Cache
	client    *dns.Client
	sem       *semaphore.Weighted
	upstreams []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New creates a resolver. With no configured upstreams the nameservers of
// cfg.ResolvConf are used; if that yields none, ErrUnavailable is returned.
// answers may be nil.
func New(cfg *config.ResolverConfig, answers *cache.Cache, logger *logging.Logger) (*Resolver, error) {
	upstreams, err := upstreamsFor(cfg)
	if err != nil {
		return nil, err
	}

	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		logger:    logger,
		cache:     answers,
		client:    &dns.Client{Net: cfg.Net, Timeout: cfg.Timeout},
		sem:       semaphore.NewWeighted(maxConcurrent),
		upstreams: upstreams,
		ctx:       ctx,
		cancel:    cancel,
	}

	logger.Info("DNS resolver initialized",
		"upstreams", upstreams,
		"net", cfg.Net,
		"timeout", cfg.Timeout,
		"max_concurrent", maxConcurrent,
	)
	return r, nil
}

func upstreamsFor(cfg *config.ResolverConfig) ([]string, error) {
	var upstreams []string
	for _, u := range cfg.Upstreams {
		if u = strings.TrimSpace(u); u != "" {
			upstreams = append(upstreams, withPort(u, "53"))
		}
	}
	if len(upstreams) > 0 {
		return upstreams, nil
	}

	cc, err := dns.ClientConfigFromFile(cfg.ResolvConf)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, cfg.ResolvConf, err)
	}
	for _, server := range cc.Servers {
		upstreams = append(upstreams, net.JoinHostPort(server, cc.Port))
	}
	if len(upstreams) == 0 {
		return nil, fmt.Errorf("%w: no nameservers in %s", ErrUnavailable, cfg.ResolvConf)
	}
	return upstreams, nil
}

func withPort(addr, port string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), port)
}

// Lookup resolves name asynchronously and calls done exactly once with the
// result, possibly before Lookup returns when the answer is cached.
func (r *Resolver) Lookup(ctx context.Context, name string, qtype uint16, done func(Reply)) {
	if msg := r.cache.Get(ctx, name, qtype); msg != nil {
		done(replyFrom(msg, qtype))
		return
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		done(Reply{Err: ErrClosed})
		return
	}
	r.wg.Add(1)
	r.mu.RUnlock()

	go func() {
		defer r.wg.Done()
		done(r.Resolve(ctx, name, qtype))
	}()
}

// Resolve performs a blocking lookup bounded by the concurrency limit
func (r *Resolver) Resolve(ctx context.Context, name string, qtype uint16) Reply {
	// stop waiting when either the caller or the resolver gives up
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Reply{Err: fmt.Errorf("resolve %s: %w", name, err)}
	}
	defer r.sem.Release(1)

	msg, err := r.exchange(ctx, name, qtype)
	if err != nil {
		return Reply{Err: err}
	}
	r.cache.Set(ctx, msg)
	return replyFrom(msg, qtype)
}

// exchange tries each upstream in turn (RFC 1035 §7.2) until one gives an
// authoritative outcome: NOERROR or NXDOMAIN.
func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for idx, upstream := range r.upstreams {
		in, rtt, err := r.client.ExchangeContext(ctx, m, upstream)
		if err != nil {
			lastErr = err
			r.logger.Debug("DNS query attempt failed",
				"name", name,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		switch in.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			r.logger.Debug("DNS query answered",
				"name", name,
				"upstream", upstream,
				"rcode", dns.RcodeToString[in.Rcode],
				"answers", len(in.Answer),
				"rtt", rtt,
			)
			return in, nil
		default:
			lastErr = fmt.Errorf("upstream %s answered %s", upstream, dns.RcodeToString[in.Rcode])
		}
	}

	return nil, fmt.Errorf("resolve %s via %d upstreams: %w", name, len(r.upstreams), lastErr)
}

func replyFrom(msg *dns.Msg, qtype uint16) Reply {
	var reply Reply
	if msg.Rcode == dns.RcodeNameError {
		return reply
	}

	var minTTL uint32
	for _, rr := range msg.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				ip = v.A
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				ip = v.AAAA
			}
		}
		if ip == nil {
			continue
		}
		if ttl := rr.Header().Ttl; len(reply.Addrs) == 0 || ttl < minTTL {
			minTTL = ttl
		}
		reply.Addrs = append(reply.Addrs, ip)
	}
	reply.TTL = time.Duration(minTTL) * time.Second
	return reply
}

// Upstreams returns the nameservers in use
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}

// Close cancels outstanding lookups and waits for their callbacks
func (r *Resolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
