package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/protocol"
)

// ExtendedDeviceRecord is everything the accessory layer needs to represent
// and control one covering: the discovery record itself plus the owning
// hub's address, firmware version, and current session token.
type ExtendedDeviceRecord struct {
	Record    protocol.DeviceRecord
	Identity  string
	HubAddr   string
	FwVersion string
	Token     string
}

// Entry is one reconciled device as held (and persisted) by the registry
type Entry struct {
	Identity   string
	MAC        string
	DeviceType string
	HubAddr    string
	FwVersion  string
	LastSeen   time.Time
}

// Notifier is the boundary to the external accessory layer. Implementations
// map devices onto the host ecosystem's accessory model. Calls are made from
// the orchestrator's goroutine and must not block for long.
type Notifier interface {
	// DeviceAdded fires when a device with no cached identity is discovered
	DeviceAdded(rec ExtendedDeviceRecord)
	// DeviceUpdated fires when a cached device is re-discovered, possibly
	// with new attributes (firmware version, hub address, token)
	DeviceUpdated(rec ExtendedDeviceRecord)
	// DeviceRemoved fires when a cached identity is confirmed stale and
	// should be deregistered from the host ecosystem
	DeviceRemoved(identity string)
}

// Reconciler matches discovered devices against the previously cached set by
// stable identity so that identities stay stable across restarts and no
// physical device ever gets a duplicate. It also tracks which hubs have
// completed a scan this run, because unclaimed cache entries may only be
// removed once every configured hub has reported - a device reachable
// through a hub that merely hasn't answered yet must not be deleted.
type Reconciler struct {
	mu        sync.Mutex
	entries   map[string]*Entry // keyed by identity
	unclaimed map[string]bool   // cached identities not yet seen live this run
	scanned   map[string]bool   // hub address -> completed at least one scan
	hubs      []string          // all hub addresses that must report
	notifier  Notifier
}

// NewReconciler creates a reconciler gating stale removal on the given hub
// addresses. The notifier receives add/update/remove callbacks; it may be
// nil for a pure dry run.
func NewReconciler(hubs []string, notifier Notifier) *Reconciler {
	scanned := make(map[string]bool, len(hubs))
	for _, h := range hubs {
		scanned[h] = false
	}
	return &Reconciler{
		entries:   make(map[string]*Entry),
		unclaimed: make(map[string]bool),
		scanned:   scanned,
		hubs:      hubs,
		notifier:  notifier,
	}
}

// LoadCached seeds the reconciler with the identities recovered from the
// persisted cache. Must be called before any Reconcile call; every loaded
// entry starts unclaimed and stays that way until live discovery confirms
// it.
func (r *Reconciler) LoadCached(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range entries {
		e := entries[i]
		r.entries[e.Identity] = &e
		r.unclaimed[e.Identity] = true
	}
	logging.Info("Device cache loaded", zap.Int("entries", len(entries)))
}

// Reconcile processes one discovered device. A device matching a cached
// identity claims it (the entry's attributes are refreshed in place); a
// device with no cached identity becomes a new entry and is announced to the
// notifier. Re-running reconciliation for an unchanged device is idempotent
// and never creates a duplicate identity.
func (r *Reconciler) Reconcile(rec ExtendedDeviceRecord) {
	r.mu.Lock()

	entry, known := r.entries[rec.Identity]
	if known {
		delete(r.unclaimed, rec.Identity) // still live, keep it
		entry.MAC = protocol.NormalizeMAC(rec.Record.MAC)
		entry.DeviceType = rec.Record.DeviceType
		entry.HubAddr = rec.HubAddr
		entry.FwVersion = rec.FwVersion
		entry.LastSeen = time.Now()
		r.mu.Unlock()

		logging.Debug("Device reconciled against cache",
			zap.String("identity", rec.Identity),
			zap.String("mac", entry.MAC),
		)
		if r.notifier != nil {
			r.notifier.DeviceUpdated(rec)
		}
		return
	}

	r.entries[rec.Identity] = &Entry{
		Identity:   rec.Identity,
		MAC:        protocol.NormalizeMAC(rec.Record.MAC),
		DeviceType: rec.Record.DeviceType,
		HubAddr:    rec.HubAddr,
		FwVersion:  rec.FwVersion,
		LastSeen:   time.Now(),
	}
	r.mu.Unlock()

	logging.Info("New device registered",
		zap.String("identity", rec.Identity),
		zap.String("mac", rec.Record.MAC),
		zap.String("hub_addr", rec.HubAddr),
	)
	if r.notifier != nil {
		r.notifier.DeviceAdded(rec)
	}
}

// MarkScanned records that a hub completed one full scan this run. Hubs not
// present in the configured set are tracked too (multicast discovery can
// surface hubs that were never configured).
func (r *Reconciler) MarkScanned(hubAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanned[hubAddr] = true
}

// AllScanned reports whether every configured hub has completed at least one
// scan this run
func (r *Reconciler) AllScanned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allScannedLocked()
}

func (r *Reconciler) allScannedLocked() bool {
	for _, h := range r.hubs {
		if !r.scanned[h] {
			return false
		}
	}
	return true
}

// RemoveStale deletes unclaimed cache entries and notifies deregistration.
// This is an explicit pass, not a side effect of a scan completing, and it
// is a no-op until every configured hub has reported: a device behind a hub
// that is temporarily unreachable must survive until that hub gets its say.
// Returns the removed entries.
func (r *Reconciler) RemoveStale() []Entry {
	r.mu.Lock()
	if !r.allScannedLocked() {
		r.mu.Unlock()
		logging.Debug("Stale removal skipped: not all hubs have reported")
		return nil
	}

	var removed []Entry
	for identity := range r.unclaimed {
		if entry, ok := r.entries[identity]; ok {
			removed = append(removed, *entry)
			delete(r.entries, identity)
		}
		delete(r.unclaimed, identity)
	}
	r.mu.Unlock()

	for _, entry := range removed {
		logging.Info("Stale device removed",
			zap.String("identity", entry.Identity),
			zap.String("mac", entry.MAC),
		)
		if r.notifier != nil {
			r.notifier.DeviceRemoved(entry.Identity)
		}
	}
	return removed
}

// Entries returns a snapshot of all live entries, for persistence and
// display
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Unclaimed returns the identities still waiting for live confirmation
func (r *Reconciler) Unclaimed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.unclaimed))
	for id := range r.unclaimed {
		out = append(out, id)
	}
	return out
}
