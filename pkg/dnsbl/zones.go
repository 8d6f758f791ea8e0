package dnsbl

import (
	"iter"
	"strings"
	"sync"
	"time"
)

// MaxZoneLength bounds a zone suffix so that the longest query name,
// "255.255.255.255.<zone>", still fits in a 253 byte DNS name.
const MaxZoneLength = 253 - len("255.255.255.255.")

// Zone is a configured DNS blacklist
type Zone struct {
	Suffix     string    `json:"suffix"`
	Hits       uint64    `json:"hits"`
	LastWarned time.Time `json:"last_warned,omitzero"`
}

// Zones is the registry of blacklist zones, kept in configuration order
type Zones struct {
	mu   sync.RWMutex
	list []*Zone
}

// NewZones returns a registry holding suffixes
func NewZones(suffixes ...string) *Zones {
	z := &Zones{}
	for _, s := range suffixes {
		z.Add(s)
	}
	return z
}

func normalizeZone(suffix string) string {
	suffix = strings.TrimSuffix(strings.TrimSpace(suffix), ".")
	if len(suffix) > MaxZoneLength {
		suffix = suffix[:MaxZoneLength]
	}
	return suffix
}

// Add appends suffix. Adding a zone that is already present only resets
// its warning timestamp.
func (z *Zones) Add(suffix string) {
	suffix = normalizeZone(suffix)
	if suffix == "" {
		return
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	if zone := z.find(suffix); zone != nil {
		zone.LastWarned = time.Time{}
		return
	}
	z.list = append(z.list, &Zone{Suffix: suffix})
}

// Clear removes every zone
func (z *Zones) Clear() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.list = nil
}

// Replace rebuilds the registry from suffixes
func (z *Zones) Replace(suffixes []string) {
	fresh := NewZones(suffixes...)

	z.mu.Lock()
	defer z.mu.Unlock()
	z.list = fresh.list
}

// All yields a snapshot of the zones in registry order. Each call starts
// a new pass.
func (z *Zones) All() iter.Seq[Zone] {
	return func(yield func(Zone) bool) {
		for _, zone := range z.snapshot() {
			if !yield(zone) {
				return
			}
		}
	}
}

// Len returns the number of zones
func (z *Zones) Len() int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return len(z.list)
}

func (z *Zones) snapshot() []Zone {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]Zone, len(z.list))
	for i, zone := range z.list {
		out[i] = *zone
	}
	return out
}

// find must be called with the lock held
func (z *Zones) find(suffix string) *Zone {
	for _, zone := range z.list {
		if strings.EqualFold(zone.Suffix, suffix) {
			return zone
		}
	}
	return nil
}

func (z *Zones) recordHit(suffix string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if zone := z.find(suffix); zone != nil {
		zone.Hits++
	}
}

// warnDue reports whether a garbage reply from suffix should be logged,
// and if so stamps the zone so the next warning waits for interval.
func (z *Zones) warnDue(suffix string, now time.Time, interval time.Duration) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	zone := z.find(suffix)
	if zone == nil {
		return false
	}
	if !zone.LastWarned.IsZero() && now.Sub(zone.LastWarned) < interval {
		return false
	}
	zone.LastWarned = now
	return true
}
