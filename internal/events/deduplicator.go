package events

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// Deduplicator suppresses an event when the same consumer received an
// identical event of the same type as its previous one. Entries expire after
// the TTL so a repeat is delivered again eventually.
type Deduplicator struct {
	cache *cache.Cache

	seen       atomic.Uint64
	suppressed atomic.Uint64
}

// NewDeduplicator creates a deduplicator whose entries live for ttl.
func NewDeduplicator(ttl time.Duration) *Deduplicator {
	return &Deduplicator{cache: cache.New(ttl, 2*ttl)}
}

// ShouldProcess reports whether event should reach consumer.
func (d *Deduplicator) ShouldProcess(consumer string, event Event) bool {
	if d == nil {
		return true
	}
	fp, ok := fingerprint(event)
	if !ok {
		return true
	}
	d.seen.Add(1)

	key := consumer + "/" + string(event.Type())
	if last, found := d.cache.Get(key); found && last.(string) == fp {
		d.cache.SetDefault(key, fp)
		d.suppressed.Add(1)
		return false
	}
	d.cache.SetDefault(key, fp)
	return true
}

// Stats returns how many events were checked and how many were suppressed.
func (d *Deduplicator) Stats() (seen, suppressed uint64) {
	return d.seen.Load(), d.suppressed.Load()
}

func fingerprint(event Event) (string, bool) {
	switch e := event.(type) {
	case AudioStateEvent:
		return e.New.String(), true
	case AudioModeEvent:
		return fmt.Sprintf("%s/%s", e.State, e.Mode), true
	case BluetoothDevicesEvent:
		return fmt.Sprint(e.Devices), true
	case ErrorEvent:
		return fmt.Sprintf("%s/%s/%s", e.GetComponent(), e.GetCategory(), e.GetMessage()), true
	default:
		return "", false
	}
}
