package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/hub"
	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/registry"
	"github.com/muurk/shadectl/internal/transport"
)

// DefaultRescanInterval is how long a hub that answered successfully rests
// before its next scan. Rescans keep the registry converged when devices
// are paired or unpaired without restarting the daemon.
const DefaultRescanInterval = 5 * time.Minute

// HubClient is the protocol surface the orchestrator drives. Implemented by
// *hub.Client; tests substitute a scripted fake.
type HubClient interface {
	QueryDeviceList(ctx context.Context, dest *net.UDPAddr) ([]hub.DiscoveryReply, error)
}

// ScanState is one hub's position in the scan lifecycle
type ScanState int

const (
	// StatePending means the hub has not been scanned yet this run
	StatePending ScanState = iota
	// StateScanning means a discovery query is in flight
	StateScanning
	// StateSucceeded means the last scan produced at least one reply
	StateSucceeded
	// StateFailed means the last scan failed and a retry is scheduled
	StateFailed
)

func (s ScanState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateScanning:
		return "scanning"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HubStatus is a snapshot of one hub's scan progress
type HubStatus struct {
	Addr     string
	State    ScanState
	Attempts int
	LastErr  error
	LastScan time.Time
}

// Orchestrator runs the discovery loop: it scans every configured hub,
// feeds replies through the reconciler, and keeps retrying unreachable hubs
// on a fixed schedule. One hub being down never blocks or aborts the others;
// each hub progresses through its own state machine independently.
//
// Startup is two-phase: LoadCache seeds the reconciler from persisted state
// before any packet is sent, then Run starts the network loops. The split
// keeps identity recovery deterministic regardless of which hub answers
// first.
type Orchestrator struct {
	client     HubClient
	reconciler *registry.Reconciler
	hubs       []string

	// RescanInterval is the rest period after a successful scan
	RescanInterval time.Duration

	// NewBackoff builds the retry policy applied to one hub's failures.
	// Defaults to a fixed 5-second delay.
	NewBackoff func() Backoff

	mu     sync.Mutex
	status map[string]*HubStatus
}

// NewOrchestrator creates an orchestrator for the given hub addresses. An
// empty address list switches discovery to the multicast group: one query
// per cycle, answered by every hub on the segment.
func NewOrchestrator(client HubClient, reconciler *registry.Reconciler, hubs []string) *Orchestrator {
	status := make(map[string]*HubStatus, len(hubs))
	for _, h := range hubs {
		status[h] = &HubStatus{Addr: h, State: StatePending}
	}
	return &Orchestrator{
		client:         client,
		reconciler:     reconciler,
		hubs:           hubs,
		RescanInterval: DefaultRescanInterval,
		NewBackoff:     func() Backoff { return NewFixedBackoff() },
		status:         status,
	}
}

// LoadCache seeds the reconciler with persisted entries. Call before Run.
func (o *Orchestrator) LoadCache(entries []registry.Entry) {
	o.reconciler.LoadCached(entries)
}

// Run executes scan cycles until the context is cancelled. It blocks; run
// it in its own goroutine. Scan failures are absorbed into the retry
// schedule and never surface as a return value - the only way out is
// cancellation.
func (o *Orchestrator) Run(ctx context.Context) {
	if len(o.hubs) == 0 {
		logging.Info("No hubs configured, discovering via multicast group")
		o.runMulticast(ctx)
		return
	}

	var wg sync.WaitGroup
	for _, addr := range o.hubs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			o.runHub(ctx, addr)
		}(addr)
	}
	wg.Wait()
}

// runHub drives one hub's state machine until cancellation
func (o *Orchestrator) runHub(ctx context.Context, addr string) {
	backoff := o.NewBackoff()
	for {
		o.setScanning(addr)
		err := o.scanHub(ctx, addr)

		var delay time.Duration
		if err != nil {
			o.setFailed(addr, err)
			delay = backoff.Next()
			logging.Warn("Hub scan failed, retry scheduled",
				zap.String("hub", addr),
				zap.Duration("retry_in", delay),
				zap.Error(err))
		} else {
			o.setSucceeded(addr)
			backoff.Reset()
			delay = o.RescanInterval
			o.finishCycle()
		}

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// runMulticast drives the fallback loop: exactly one multicast query per
// cycle, every hub on the segment may answer it
func (o *Orchestrator) runMulticast(ctx context.Context) {
	backoff := o.NewBackoff()
	for {
		replies, err := o.client.QueryDeviceList(ctx, transport.MulticastAddr())

		var delay time.Duration
		if err != nil {
			delay = backoff.Next()
			logging.Warn("Multicast discovery failed, retry scheduled",
				zap.Duration("retry_in", delay),
				zap.Error(err))
		} else {
			for i := range replies {
				o.ingest(&replies[i])
				o.reconciler.MarkScanned(replies[i].Addr)
			}
			backoff.Reset()
			delay = o.RescanInterval
			o.finishCycle()
		}

		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// scanHub queries one hub and reconciles every device it reports
func (o *Orchestrator) scanHub(ctx context.Context, addr string) error {
	replies, err := o.client.QueryDeviceList(ctx, transport.HubAddr(addr))
	if err != nil {
		return err
	}
	for i := range replies {
		o.ingest(&replies[i])
	}
	// Mark the configured address, which is what stale removal is gated on.
	o.reconciler.MarkScanned(addr)
	return nil
}

// ingest reconciles every non-bridge record in one discovery reply
func (o *Orchestrator) ingest(reply *hub.DiscoveryReply) {
	ack := reply.Ack
	for _, rec := range ack.Devices {
		if rec.IsBridge() {
			continue
		}
		o.reconciler.Reconcile(registry.ExtendedDeviceRecord{
			Record:    rec,
			Identity:  registry.Identity(rec.MAC),
			HubAddr:   reply.Addr,
			FwVersion: ack.FwVersion,
			Token:     ack.Token,
		})
	}
	logging.Debug("Discovery reply reconciled",
		zap.String("hub", reply.Addr),
		zap.String("fw", ack.FwVersion),
		zap.Int("devices", len(ack.Devices)))
}

// finishCycle runs the stale-removal pass. The reconciler refuses the pass
// until every configured hub has completed a scan, so calling it after every
// successful cycle is safe.
func (o *Orchestrator) finishCycle() {
	o.reconciler.RemoveStale()
}

// Status returns a snapshot of every hub's scan progress
func (o *Orchestrator) Status() []HubStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]HubStatus, 0, len(o.status))
	for _, s := range o.status {
		out = append(out, *s)
	}
	return out
}

func (o *Orchestrator) setScanning(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status[addr]
	s.State = StateScanning
	s.Attempts++
	s.LastScan = time.Now()
}

func (o *Orchestrator) setSucceeded(addr string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status[addr]
	s.State = StateSucceeded
	s.LastErr = nil
}

func (o *Orchestrator) setFailed(addr string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status[addr]
	s.State = StateFailed
	s.LastErr = err
}

// sleepCtx waits for the duration or the context, whichever ends first.
// Returns false when the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
