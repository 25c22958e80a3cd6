package health

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/whistle/internal/metrics"
	"github.com/pingsantohq/whistle/pkg/types"
)

func TestCheckerReadyConditions(t *testing.T) {
	store := metrics.NewStore()
	running := true
	checker := NewChecker(store, 1, func() bool { return running })

	now := time.Unix(1000, 0).UTC()
	ready, reasons := checker.Ready(now)
	if ready {
		t.Fatalf("expected not ready before loopback check")
	}
	if len(reasons) != 1 || reasons[0] != "loopback resolution not yet checked" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap := store.Snapshot()
	if snap.Ready || snap.NotReadyTransitions != 1 {
		t.Fatalf("unexpected readiness snapshot %+v", snap)
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryLoopbackPending, severityInfo) {
		t.Fatalf("expected LOOPBACK_PENDING category, got %+v", snap.ReadyCategories)
	}

	checker.ObserveLoopback(now, nil)
	ready, _ = checker.Ready(now)
	if !ready {
		t.Fatalf("expected ready after loopback check")
	}
	snap = store.Snapshot()
	if !snap.Ready || snap.ReadyReason != "" || len(snap.ReadyCategories) != 0 {
		t.Fatalf("expected healthy snapshot, got %+v", snap)
	}

	// A busy pool is a warning.
	store.Record(types.Event{Type: types.EventProbeStarted, Mode: "tcp-listen"})
	ready, reasons = checker.Ready(now)
	if ready || reasons[0] != "all probe workers busy" {
		t.Fatalf("expected saturation, got %v", reasons)
	}
	if snap = store.Snapshot(); snap.NotReadyTransitions != 2 {
		t.Fatalf("expected second not-ready transition, got %d", snap.NotReadyTransitions)
	}
	store.Record(types.Event{Type: types.EventProbeFinished, Mode: "tcp-listen"})

	// Repeated not-ready evaluations do not count as new transitions.
	stale := now.Add(loopbackStale + time.Second)
	ready, reasons = checker.Ready(stale)
	if ready || !strings.HasPrefix(reasons[0], "loopback check stale") {
		t.Fatalf("expected stale reason, got %v", reasons)
	}
	checker.ObserveLoopback(stale, errors.New("resolver down"))
	ready, reasons = checker.Ready(stale)
	if ready || reasons[0] != "loopback resolution failing: resolver down" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	snap = store.Snapshot()
	if snap.NotReadyTransitions != 2 {
		t.Fatalf("expected transitions to stay at 2, got %d", snap.NotReadyTransitions)
	}
	if !containsCategoryWithSeverity(snap.ReadyCategories, categoryLoopbackBroken, severityCritical) {
		t.Fatalf("expected LOOPBACK_UNRESOLVED category, got %+v", snap.ReadyCategories)
	}

	checker.ObserveLoopback(stale, nil)
	running = false
	ready, reasons = checker.Ready(stale)
	if ready || reasons[0] != "probe runtime not running" {
		t.Fatalf("expected stopped runtime, got %v", reasons)
	}
}

func TestCheckLoopback(t *testing.T) {
	checker := NewChecker(nil, 0, nil)
	now := time.Unix(3000, 0).UTC()

	checker.lookupNetIP = func(context.Context, string, string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("::1")}, nil
	}
	if err := checker.CheckLoopback(context.Background(), now); err != nil {
		t.Fatalf("expected loopback ok, got %v", err)
	}
	if ready, reasons := checker.Ready(now); !ready {
		t.Fatalf("expected ready, got %v", reasons)
	}

	checker.lookupNetIP = func(context.Context, string, string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("10.1.2.3")}, nil
	}
	err := checker.CheckLoopback(context.Background(), now)
	if err == nil || !strings.Contains(err.Error(), "non-loopback 10.1.2.3") {
		t.Fatalf("expected non-loopback error, got %v", err)
	}
	if ready, _ := checker.Ready(now); ready {
		t.Fatalf("expected not ready after failed loopback check")
	}
}

func containsCategoryWithSeverity(categories []metrics.ReadinessCategory, name, severity string) bool {
	for _, c := range categories {
		if c.Name == name && c.Severity == severity {
			return true
		}
	}
	return false
}
