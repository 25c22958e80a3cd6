package health

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/whistle/internal/metrics"
)

// loopbackStale is how long a loopback resolution result stays valid.
const loopbackStale = 5 * time.Minute

const (
	categoryRuntimeStopped   = "RUNTIME_STOPPED"
	categoryWorkersSaturated = "WORKERS_SATURATED"
	categoryLoopbackPending  = "LOOPBACK_PENDING"
	categoryLoopbackStale    = "LOOPBACK_STALE"
	categoryLoopbackBroken   = "LOOPBACK_UNRESOLVED"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness of the probe service.
type Checker struct {
	metrics *metrics.Store
	workers int
	running func() bool

	mu           sync.RWMutex
	lastLoopback time.Time
	loopbackErr  string
	lookupNetIP  func(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NewChecker constructs a readiness checker. running reports whether the probe
// runtime still accepts work; workers is the pool size used to detect saturation.
func NewChecker(store *metrics.Store, workers int, running func() bool) *Checker {
	if running == nil {
		running = func() bool { return true }
	}
	return &Checker{
		metrics:     store,
		workers:     workers,
		running:     running,
		lookupNetIP: net.DefaultResolver.LookupNetIP,
	}
}

// ObserveLoopback records the outcome of a loopback resolution check.
func (c *Checker) ObserveLoopback(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLoopback = ts
	if err != nil {
		c.loopbackErr = err.Error()
		return
	}
	c.loopbackErr = ""
}

// CheckLoopback resolves "localhost" and records whether every answer is a
// loopback address. Send probes depend on that name.
func (c *Checker) CheckLoopback(ctx context.Context, now time.Time) error {
	addrs, err := c.lookupNetIP(ctx, "ip", "localhost")
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for localhost")
	}
	if err == nil {
		for _, a := range addrs {
			if !a.IsLoopback() {
				err = fmt.Errorf("localhost resolves to non-loopback %s", a)
				break
			}
		}
	}
	c.ObserveLoopback(now, err)
	return err
}

// Ready evaluates all readiness conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	if !c.running() {
		reasons = append(reasons, "probe runtime not running")
		appendCategory(categoryRuntimeStopped, severityCritical)
	}

	if c.metrics != nil && c.workers > 0 {
		snap := c.metrics.Snapshot()
		if snap.ActiveProbes >= int64(c.workers) {
			reasons = append(reasons, "all probe workers busy")
			appendCategory(categoryWorkersSaturated, severityWarning)
		}
	}

	c.mu.RLock()
	last := c.lastLoopback
	loopbackErr := c.loopbackErr
	c.mu.RUnlock()

	switch {
	case last.IsZero():
		reasons = append(reasons, "loopback resolution not yet checked")
		appendCategory(categoryLoopbackPending, severityInfo)
	case loopbackErr != "":
		reasons = append(reasons, fmt.Sprintf("loopback resolution failing: %s", loopbackErr))
		appendCategory(categoryLoopbackBroken, severityCritical)
	case now.Sub(last) > loopbackStale:
		reasons = append(reasons, fmt.Sprintf("loopback check stale (%s)", now.Sub(last).Round(time.Second)))
		appendCategory(categoryLoopbackStale, severityWarning)
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
