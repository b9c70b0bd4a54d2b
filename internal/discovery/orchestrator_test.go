package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/muurk/shadectl/internal/hub"
	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/registry"
)

// scanResult is one scripted answer for a destination
type scanResult struct {
	replies []hub.DiscoveryReply
	err     error
}

// fakeClient returns scripted discovery results per destination IP. Results
// for a destination are consumed in order; the last one repeats.
type fakeClient struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string][]scanResult
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		calls:   make(map[string]int),
		scripts: make(map[string][]scanResult),
	}
}

func (f *fakeClient) script(destIP string, results ...scanResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[destIP] = results
}

func (f *fakeClient) callCount(destIP string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[destIP]
}

func (f *fakeClient) QueryDeviceList(ctx context.Context, dest *net.UDPAddr) ([]hub.DiscoveryReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip := dest.IP.String()
	i := f.calls[ip]
	f.calls[ip]++
	script := f.scripts[ip]
	if len(script) == 0 {
		return nil, hub.ErrNoReply
	}
	if i >= len(script) {
		i = len(script) - 1
	}
	r := script[i]
	return r.replies, r.err
}

func replyFrom(addr, hubMAC, token string, devices ...protocol.DeviceRecord) hub.DiscoveryReply {
	return hub.DiscoveryReply{
		Addr: addr,
		Ack: &protocol.DeviceListAck{
			MAC:       hubMAC,
			FwVersion: "1.0.4",
			Token:     token,
			Devices:   devices,
		},
	}
}

func newTestOrchestrator(client HubClient, rec *registry.Reconciler, hubs []string) *Orchestrator {
	o := NewOrchestrator(client, rec, hubs)
	o.RescanInterval = 20 * time.Millisecond
	o.NewBackoff = func() Backoff { return &FixedBackoff{Delay: 5 * time.Millisecond} }
	return o
}

// waitFor polls until cond returns true or the deadline passes
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestScanReconcilesDevicesAndSkipsBridge(t *testing.T) {
	client := newFakeClient()
	client.script("192.168.1.100", scanResult{replies: []hub.DiscoveryReply{
		replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8",
			protocol.DeviceRecord{MAC: "AABBCCDDEE00", DeviceType: protocol.DeviceTypeBridge},
			protocol.DeviceRecord{MAC: "AABBCCDDEE01", DeviceType: protocol.DeviceTypeRadioMotor},
			protocol.DeviceRecord{MAC: "AABBCCDDEE02", DeviceType: protocol.DeviceTypeWiFiCurtain},
		),
	}})

	rec := registry.NewReconciler([]string{"192.168.1.100"}, nil)
	o := newTestOrchestrator(client, rec, []string{"192.168.1.100"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	ok := waitFor(t, time.Second, func() bool {
		return len(rec.Entries()) == 2
	})
	if !ok {
		t.Fatalf("len(Entries()) = %d, want 2 (bridge excluded)", len(rec.Entries()))
	}

	for _, e := range rec.Entries() {
		if e.MAC == "AABBCCDDEE00" {
			t.Error("bridge record was reconciled as a device")
		}
		if e.Identity != registry.Identity(e.MAC) {
			t.Errorf("entry %s has identity %q, want derived identity", e.MAC, e.Identity)
		}
	}
}

func TestScanFailureSchedulesRetry(t *testing.T) {
	client := newFakeClient()
	client.script("192.168.1.100",
		scanResult{err: hub.ErrNoReply},
		scanResult{err: errors.New("network is unreachable")},
		scanResult{replies: []hub.DiscoveryReply{
			replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8",
				protocol.DeviceRecord{MAC: "AABBCCDDEE01", DeviceType: protocol.DeviceTypeRadioMotor},
			),
		}},
	)

	rec := registry.NewReconciler([]string{"192.168.1.100"}, nil)
	o := newTestOrchestrator(client, rec, []string{"192.168.1.100"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	// The first two attempts fail; the loop must keep retrying until the
	// third answers.
	ok := waitFor(t, time.Second, func() bool {
		return len(rec.Entries()) == 1
	})
	if !ok {
		t.Fatal("device never reconciled after transient scan failures")
	}
	if n := client.callCount("192.168.1.100"); n < 3 {
		t.Errorf("call count = %d, want at least 3 (two failures plus success)", n)
	}
}

func TestMulticastFallbackWhenNoHubsConfigured(t *testing.T) {
	client := newFakeClient()
	// Both hubs answer the one multicast query.
	client.script("238.0.0.18", scanResult{replies: []hub.DiscoveryReply{
		replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8",
			protocol.DeviceRecord{MAC: "AABBCCDDEE01", DeviceType: protocol.DeviceTypeRadioMotor},
		),
		replyFrom("192.168.1.101", "AABBCCDDFF00", "ffeeddccbbaa9988",
			protocol.DeviceRecord{MAC: "AABBCCDDFF01", DeviceType: protocol.DeviceTypeWiFiCurtain},
		),
	}})

	rec := registry.NewReconciler(nil, nil)
	o := newTestOrchestrator(client, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	ok := waitFor(t, time.Second, func() bool {
		return len(rec.Entries()) == 2
	})
	if !ok {
		t.Fatalf("len(Entries()) = %d, want 2 from multicast replies", len(rec.Entries()))
	}
	if client.callCount("192.168.1.100") != 0 {
		t.Error("unicast query sent despite empty hub list")
	}
}

func TestStaleRemovalWaitsForAllHubs(t *testing.T) {
	staleMAC := "AABBCCDD0000"
	cached := []registry.Entry{{
		Identity:   registry.Identity(staleMAC),
		MAC:        staleMAC,
		DeviceType: protocol.DeviceTypeRadioMotor,
		HubAddr:    "192.168.1.101",
	}}

	client := newFakeClient()
	client.script("192.168.1.100", scanResult{replies: []hub.DiscoveryReply{
		replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8",
			protocol.DeviceRecord{MAC: "AABBCCDDEE01", DeviceType: protocol.DeviceTypeRadioMotor},
		),
	}})
	// .101 is down for the first several attempts, then recovers with an
	// empty device list (the stale device really is gone).
	client.script("192.168.1.101",
		scanResult{err: hub.ErrNoReply},
		scanResult{err: hub.ErrNoReply},
		scanResult{err: hub.ErrNoReply},
		scanResult{replies: []hub.DiscoveryReply{
			replyFrom("192.168.1.101", "AABBCCDDFF00", "ffeeddccbbaa9988"),
		}},
	)

	hubs := []string{"192.168.1.100", "192.168.1.101"}
	rec := registry.NewReconciler(hubs, nil)
	o := newTestOrchestrator(client, rec, hubs)
	o.LoadCache(cached)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	hasStale := func() bool {
		for _, e := range rec.Entries() {
			if e.MAC == staleMAC {
				return true
			}
		}
		return false
	}

	// While .101 is still failing, the stale entry must survive every
	// cycle of the healthy hub.
	waitFor(t, 100*time.Millisecond, func() bool {
		return client.callCount("192.168.1.100") >= 2
	})
	if !hasStale() {
		t.Fatal("stale entry removed before all hubs completed a scan")
	}

	// Once .101 answers, the gate opens and the entry goes.
	ok := waitFor(t, time.Second, func() bool {
		return !hasStale()
	})
	if !ok {
		t.Fatal("stale entry not removed after all hubs scanned")
	}
}

func TestHubFailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.script("192.168.1.100", scanResult{replies: []hub.DiscoveryReply{
		replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8",
			protocol.DeviceRecord{MAC: "AABBCCDDEE01", DeviceType: protocol.DeviceTypeRadioMotor},
		),
	}})
	// .101 never answers.

	hubs := []string{"192.168.1.100", "192.168.1.101"}
	rec := registry.NewReconciler(hubs, nil)
	o := newTestOrchestrator(client, rec, hubs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	ok := waitFor(t, time.Second, func() bool {
		return len(rec.Entries()) == 1
	})
	if !ok {
		t.Fatal("healthy hub's devices never reconciled while the other hub is down")
	}

	ok = waitFor(t, time.Second, func() bool {
		return client.callCount("192.168.1.101") >= 2
	})
	if !ok {
		t.Error("unreachable hub is not being retried")
	}
}

func TestStatusSnapshot(t *testing.T) {
	client := newFakeClient()
	client.script("192.168.1.100", scanResult{replies: []hub.DiscoveryReply{
		replyFrom("192.168.1.100", "AABBCCDDEE00", "a1b2c3d4e5f6a7b8"),
	}})

	rec := registry.NewReconciler([]string{"192.168.1.100"}, nil)
	o := newTestOrchestrator(client, rec, []string{"192.168.1.100"})

	before := o.Status()
	if len(before) != 1 || before[0].State != StatePending {
		t.Fatalf("initial status = %+v, want one pending hub", before)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	ok := waitFor(t, time.Second, func() bool {
		st := o.Status()
		return len(st) == 1 && st[0].State == StateSucceeded
	})
	if !ok {
		t.Fatalf("status = %+v, want succeeded", o.Status())
	}
}

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff()
	if got := b.Next(); got != DefaultRetryDelay {
		t.Errorf("Next() = %v, want %v", got, DefaultRetryDelay)
	}
	// Delay never grows.
	if got := b.Next(); got != DefaultRetryDelay {
		t.Errorf("second Next() = %v, want %v", got, DefaultRetryDelay)
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{Initial: time.Second, Max: 5 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i+1, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}
