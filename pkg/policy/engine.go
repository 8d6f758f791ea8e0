// Package policy evaluates operator-written expressions against connecting
// clients. Rules are compiled with expr; a client matching any enabled
// rule is not checked against the blacklists.
package policy

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"irc-dnsbl/pkg/config"
	"irc-dnsbl/pkg/dnsbl"
	"irc-dnsbl/pkg/logging"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Context is the environment a rule is evaluated in
type Context struct {
	Time     time.Time
	Nick     string
	User     string
	Host     string
	IP       string
	RealName string
	Server   string
	Hour     int
	Minute   int
	Weekday  int
}

// NewContext builds the evaluation environment for c at the current time
func NewContext(c dnsbl.Client) Context {
	return newContextAt(c, time.Now())
}

func newContextAt(c dnsbl.Client, now time.Time) Context {
	return Context{
		Time:     now,
		Nick:     c.Nick,
		User:     c.User,
		Host:     c.Host,
		IP:       c.IP,
		RealName: c.RealName,
		Server:   c.Server,
		Hour:     now.Hour(),
		Minute:   now.Minute(),
		Weekday:  int(now.Weekday()),
	}
}

// Rule is a named skip rule
type Rule struct {
	program *vm.Program
	Name    string
	Logic   string
	Enabled bool
}

// Engine holds compiled rules in evaluation order
type Engine struct {
	logger *logging.Logger
	rules  []*Rule
	mu     sync.RWMutex
}

// NewEngine creates an empty engine. logger may be nil.
func NewEngine(logger *logging.Logger) *Engine {
	return &Engine{logger: logger}
}

// FromConfig compiles every configured skip rule
func FromConfig(rules []config.SkipRule, logger *logging.Logger) (*Engine, error) {
	e := NewEngine(logger)
	for i, r := range rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i+1)
		}
		if err := e.AddRule(&Rule{Name: name, Logic: r.Logic, Enabled: true}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddRule compiles rule and appends it
func (e *Engine) AddRule(rule *Rule) error {
	program, err := expr.Compile(rule.Logic, compileOptions()...)
	if err != nil {
		return fmt.Errorf("compile rule %q: %w", rule.Name, err)
	}
	rule.program = program

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, rule)
	return nil
}

// RemoveRule removes the first rule called name
func (e *Engine) RemoveRule(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Name == name {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Evaluate returns the first enabled rule matching ctx
func (e *Engine) Evaluate(ctx Context) (bool, *Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		if !r.Enabled || r.program == nil {
			continue
		}
		out, err := expr.Run(r.program, ctx)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("Skip rule evaluation failed", "rule", r.Name, "error", err)
			}
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return true, r
		}
	}
	return false, nil
}

// Match reports the name of the first rule matching c
func (e *Engine) Match(c dnsbl.Client) (string, bool) {
	matched, rule := e.Evaluate(NewContext(c))
	if !matched {
		return "", false
	}
	return rule.Name, true
}

// GetRules returns a copy of the rule list
func (e *Engine) GetRules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Count returns the number of rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Clear removes every rule
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}

func compileOptions() []expr.Option {
	return []expr.Option{
		expr.Env(Context{}),
		expr.AsBool(),
		expr.Function("MaskMatch", func(params ...any) (any, error) {
			return MaskMatch(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("HostEndsWith", func(params ...any) (any, error) {
			return HostEndsWith(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("IPInCIDR", func(params ...any) (any, error) {
			return IPInCIDR(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("IPEquals", func(params ...any) (any, error) {
			return IPEquals(params[0].(string), params[1].(string)), nil
		}, new(func(string, string) bool)),
		expr.Function("Regex", func(params ...any) (any, error) {
			return Regex(params[0].(string), params[1].(string))
		}, new(func(string, string) (bool, error))),
		expr.Function("InTimeRange", func(params ...any) (any, error) {
			return InTimeRange(params[0].(int), params[1].(int), params[2].(int), params[3].(int), params[4].(int), params[5].(int)), nil
		}, new(func(int, int, int, int, int, int) bool)),
	}
}

// MaskMatch matches s against an IRC wildcard mask where '*' matches any
// run of characters and '?' any single character. Case is ignored.
func MaskMatch(s, mask string) bool {
	ok, err := Regex(s, maskPattern(mask))
	return err == nil && ok
}

// maskPattern translates an IRC wildcard mask into an anchored regular
// expression.
func maskPattern(mask string) string {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range mask {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

// HostEndsWith reports whether host is domain or a name under it
func HostEndsWith(host, domain string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain = strings.ToLower(strings.Trim(domain, "."))
	return host == domain || strings.HasSuffix(host, "."+domain)
}

// IPInCIDR reports whether ip lies in cidr
func IPInCIDR(ip, cidr string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return false
	}
	return prefix.Contains(addr.Unmap())
}

// IPEquals compares two addresses after parsing, so "::ffff:1.2.3.4"
// equals "1.2.3.4".
func IPEquals(a, b string) bool {
	x, err := netip.ParseAddr(a)
	if err != nil {
		return false
	}
	y, err := netip.ParseAddr(b)
	if err != nil {
		return false
	}
	return x.Unmap() == y.Unmap()
}

var (
	regexCache   = make(map[string]*regexp.Regexp)
	regexCacheMu sync.RWMutex
)

// Regex matches s against pattern, case-insensitively
func Regex(s, pattern string) (bool, error) {
	regexCacheMu.RLock()
	re, ok := regexCache[pattern]
	regexCacheMu.RUnlock()

	if !ok {
		var err error
		re, err = regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		regexCacheMu.Lock()
		regexCache[pattern] = re
		regexCacheMu.Unlock()
	}
	return re.MatchString(s), nil
}

// InTimeRange reports whether hour:minute lies in [start, end). Ranges
// that wrap midnight are supported.
func InTimeRange(hour, minute, startHour, startMinute, endHour, endMinute int) bool {
	now := hour*60 + minute
	start := startHour*60 + startMinute
	end := endHour*60 + endMinute
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}
