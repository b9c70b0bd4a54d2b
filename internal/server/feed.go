package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/registry"
)

// Event types carried on the feed
const (
	EventDeviceAdded   = "device_added"
	EventDeviceUpdated = "device_updated"
	EventDeviceRemoved = "device_removed"
	EventStatusReport  = "status_report"
)

// subscriberBuffer is the per-subscriber event queue depth. A subscriber
// that falls this far behind is dropped rather than allowed to stall the
// publisher.
const subscriberBuffer = 32

// Event is one feed message, serialized as JSON on the /events stream
type Event struct {
	Type      string                 `json:"type"`
	Identity  string                 `json:"identity,omitempty"`
	MAC       string                 `json:"mac,omitempty"`
	Device    *DeviceView            `json:"device,omitempty"`
	Status    *protocol.DeviceStatus `json:"status,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DeviceView is the external JSON shape of one registry entry
type DeviceView struct {
	Identity   string    `json:"identity"`
	MAC        string    `json:"mac"`
	DeviceType string    `json:"device_type"`
	HubAddr    string    `json:"hub_addr"`
	FwVersion  string    `json:"fw_version,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// viewOf converts a registry entry to its feed representation
func viewOf(e registry.Entry) *DeviceView {
	return &DeviceView{
		Identity:   e.Identity,
		MAC:        e.MAC,
		DeviceType: e.DeviceType,
		HubAddr:    e.HubAddr,
		FwVersion:  e.FwVersion,
		LastSeen:   e.LastSeen,
	}
}

// Feed fans registry events out to any number of WebSocket subscribers. It
// implements registry.Notifier, so it can be chained directly into the
// reconciler; unsolicited status reports are published via StatusReport.
//
// Publishing never blocks: a subscriber whose queue is full is disconnected.
type Feed struct {
	mu   sync.Mutex
	subs map[chan Event]bool
}

// NewFeed creates an event feed with no subscribers
func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]bool)}
}

// Subscribe registers a new subscriber and returns its event channel. The
// caller must call Unsubscribe when done.
func (f *Feed) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subs[ch] = true
	f.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel
func (f *Feed) Unsubscribe(ch chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[ch] {
		delete(f.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber. Slow subscribers are
// dropped.
func (f *Feed) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			delete(f.subs, ch)
			close(ch)
			logging.Warn("Dropped slow event feed subscriber",
				zap.Int("remaining", len(f.subs)))
		}
	}
}

// DeviceAdded implements registry.Notifier
func (f *Feed) DeviceAdded(rec registry.ExtendedDeviceRecord) {
	f.Publish(Event{
		Type:     EventDeviceAdded,
		Identity: rec.Identity,
		MAC:      rec.Record.MAC,
		Device: &DeviceView{
			Identity:   rec.Identity,
			MAC:        rec.Record.MAC,
			DeviceType: rec.Record.DeviceType,
			HubAddr:    rec.HubAddr,
			FwVersion:  rec.FwVersion,
			LastSeen:   time.Now(),
		},
	})
}

// DeviceUpdated implements registry.Notifier
func (f *Feed) DeviceUpdated(rec registry.ExtendedDeviceRecord) {
	f.Publish(Event{
		Type:     EventDeviceUpdated,
		Identity: rec.Identity,
		MAC:      rec.Record.MAC,
		Device: &DeviceView{
			Identity:   rec.Identity,
			MAC:        rec.Record.MAC,
			DeviceType: rec.Record.DeviceType,
			HubAddr:    rec.HubAddr,
			FwVersion:  rec.FwVersion,
			LastSeen:   time.Now(),
		},
	})
}

// DeviceRemoved implements registry.Notifier
func (f *Feed) DeviceRemoved(identity string) {
	f.Publish(Event{
		Type:     EventDeviceRemoved,
		Identity: identity,
	})
}

// StatusReport publishes an unsolicited device status push
func (f *Feed) StatusReport(mac string, status protocol.DeviceStatus) {
	f.Publish(Event{
		Type:     EventStatusReport,
		Identity: registry.Identity(mac),
		MAC:      protocol.NormalizeMAC(mac),
		Status:   &status,
	})
}
