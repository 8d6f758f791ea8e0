package dnsbl

import (
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"irc-dnsbl/pkg/storage"
)

// ExemptionRowType tags exemption rows in the services database
const ExemptionRowType = "BLE"

// Exemption excuses one IP address from blacklist checks. Addresses are
// compared as literal strings; there is no CIDR matching.
type Exemption struct {
	IP      string    `json:"ip"`
	Created time.Time `json:"created"`
	Creator string    `json:"creator"`
	Reason  string    `json:"reason"`
}

// Exemptions is the persisted exemption list, kept in insertion order
type Exemptions struct {
	mu   sync.RWMutex
	list []Exemption
	now  func() time.Time
}

// NewExemptions returns an empty list
func NewExemptions() *Exemptions {
	return &Exemptions{now: time.Now}
}

// Add exempts ip. The creation time is the current time, truncated to the
// second as it is stored.
func (e *Exemptions) Add(ip, reason, creator string) (Exemption, error) {
	ip = strings.TrimSpace(ip)
	reason = strings.TrimSpace(reason)
	if ip == "" {
		return Exemption{}, fmt.Errorf("%w: ip address required", ErrInvalidInput)
	}
	// a leading ':' cannot be stored as a middle row field
	if _, err := netip.ParseAddr(ip); err != nil || strings.HasPrefix(ip, ":") {
		return Exemption{}, fmt.Errorf("%w: invalid ip address %q", ErrInvalidInput, ip)
	}
	if reason == "" {
		return Exemption{}, fmt.Errorf("%w: reason required", ErrInvalidInput)
	}
	if strings.ContainsFunc(reason, unicode.IsControl) {
		return Exemption{}, fmt.Errorf("%w: reason contains control characters", ErrInvalidInput)
	}
	creator = sanitizeCreator(creator)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.indexOf(ip) >= 0 {
		return Exemption{}, fmt.Errorf("%w: %s", ErrAlreadyExists, ip)
	}

	ex := Exemption{
		IP:      ip,
		Created: e.now().Truncate(time.Second),
		Creator: creator,
		Reason:  reason,
	}
	e.list = append(e.list, ex)
	return ex, nil
}

// Remove deletes the exemption for ip and returns it
func (e *Exemptions) Remove(ip string) (Exemption, error) {
	ip = strings.TrimSpace(ip)

	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexOf(ip)
	if i < 0 {
		return Exemption{}, fmt.Errorf("%w: %s", ErrNotFound, ip)
	}
	removed := e.list[i]
	e.list = slices.Delete(e.list, i, i+1)
	return removed, nil
}

// IsExempt reports whether ip is on the list
func (e *Exemptions) IsExempt(ip string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.indexOf(ip) >= 0
}

// All yields a snapshot of the exemptions in insertion order
func (e *Exemptions) All() iter.Seq[Exemption] {
	e.mu.RLock()
	snapshot := slices.Clone(e.list)
	e.mu.RUnlock()
	return slices.Values(snapshot)
}

// Len returns the number of exemptions
func (e *Exemptions) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.list)
}

// indexOf must be called with the lock held
func (e *Exemptions) indexOf(ip string) int {
	return slices.IndexFunc(e.list, func(ex Exemption) bool {
		return strings.EqualFold(ex.IP, ip)
	})
}

// Serialize returns one database row per exemption:
// ip, unix timestamp, creator, reason.
func (e *Exemptions) Serialize() []storage.Row {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rows := make([]storage.Row, 0, len(e.list))
	for _, ex := range e.list {
		rows = append(rows, storage.Row{
			Type: ExemptionRowType,
			Fields: []string{
				ex.IP,
				strconv.FormatInt(ex.Created.Unix(), 10),
				ex.Creator,
				ex.Reason,
			},
		})
	}
	return rows
}

// Deserialize restores one exemption from a database row
func (e *Exemptions) Deserialize(row storage.Row) error {
	if !strings.EqualFold(row.Type, ExemptionRowType) {
		return fmt.Errorf("%w: row type %q", ErrInvalidInput, row.Type)
	}
	if len(row.Fields) < 4 {
		return fmt.Errorf("%w: exemption row has %d fields, want 4", ErrInvalidInput, len(row.Fields))
	}

	ip := row.Fields[0]
	if ip == "" {
		return fmt.Errorf("%w: exemption row without ip", ErrInvalidInput)
	}
	ts, err := strconv.ParseInt(row.Fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: exemption timestamp %q", ErrInvalidInput, row.Fields[1])
	}
	reason := strings.Join(row.Fields[3:], " ")

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.indexOf(ip) >= 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, ip)
	}
	e.list = append(e.list, Exemption{
		IP:      ip,
		Created: time.Unix(ts, 0),
		Creator: sanitizeCreator(row.Fields[2]),
		Reason:  reason,
	})
	return nil
}

// RowStore is the part of the services database the exemption list uses
type RowStore interface {
	RegisterTypeHandler(typ string, fn storage.RowHandler)
	AddWriteHook(fn storage.WriteHook)
}

// Attach registers the list with db so it is restored on load and
// written on every commit.
func (e *Exemptions) Attach(db RowStore) {
	db.RegisterTypeHandler(ExemptionRowType, e.Deserialize)
	db.AddWriteHook(e.Serialize)
}

// sanitizeCreator makes the creator storable as a single word
func sanitizeCreator(creator string) string {
	creator = strings.Join(strings.Fields(creator), "_")
	if creator == "" || strings.HasPrefix(creator, ":") {
		return "*"
	}
	return creator
}
