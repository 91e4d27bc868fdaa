// Package pending tracks device requests that are waiting for their
// completion callback. A request that outlives the table timeout is logged
// and counted when it is swept; its completion is still honoured if it
// arrives later.
package pending

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/cv2x/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

// Table maps request ids to in-flight operations.
type Table struct {
	name    string
	timeout time.Duration
	cache   *cache.Cache // request id → *entry
}

type entry struct {
	op      string
	started time.Time
	done    atomic.Bool
}

// New creates a table. name labels log records and metrics, e.g. "tx" or
// "rx". A non-positive timeout means DefaultTimeout.
func New(name string, timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &Table{
		name:    name,
		timeout: timeout,
		cache:   cache.New(timeout, timeout/2),
	}
	t.cache.OnEvicted(t.evicted)
	return t
}

// Add records id as pending for op.
func (t *Table) Add(id, op string) {
	t.cache.SetDefault(id, &entry{op: op, started: time.Now()})
}

// Done marks id completed and returns how long it was pending. ok is false if
// id is unknown or already past its deadline.
func (t *Table) Done(id string) (time.Duration, bool) {
	v, found := t.cache.Get(id)
	if !found {
		return 0, false
	}
	e := v.(*entry)
	e.done.Store(true)
	t.cache.Delete(id)
	return time.Since(e.started), true
}

// Len returns the number of tracked requests, including expired ones that
// have not been swept yet.
func (t *Table) Len() int {
	return t.cache.ItemCount()
}

// Reset drops every entry without reporting expiry.
func (t *Table) Reset() {
	t.cache.Flush()
}

func (t *Table) evicted(id string, v any) {
	e := v.(*entry)
	if e.done.Load() {
		return
	}
	metrics.RequestsExpiredTotal.WithLabelValues(t.name, e.op).Inc()
	slog.Warn("device request outlived its deadline",
		"table", t.name, "request_id", id, "op", e.op,
		"timeout", t.timeout, "pending", time.Since(e.started))
}
