package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muurk/shadectl/internal/registry"
)

// CachedDevice is the persisted form of a registry entry. The cache is what
// lets the daemon restore stable accessory identities across restarts: a
// covering that was present before a restart keeps its identity even if the
// hub that owns it has not answered yet.
type CachedDevice struct {
	Identity   string    `yaml:"identity"`
	MAC        string    `yaml:"mac"`
	DeviceType string    `yaml:"device_type"`
	HubAddr    string    `yaml:"hub_addr"`
	FwVersion  string    `yaml:"fw_version,omitempty"`
	LastSeen   time.Time `yaml:"last_seen"`
}

// Cache is the on-disk device cache, keyed by accessory identity.
type Cache struct {
	Version int                      `yaml:"version"`
	Devices map[string]*CachedDevice `yaml:"devices"`
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{
		Version: 1,
		Devices: make(map[string]*CachedDevice),
	}
}

// LoadCache loads the device cache from disk. A missing file yields an
// empty cache.
func LoadCache() (*Cache, error) {
	path, err := GetCachePath()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache path: %w", err)
	}
	return LoadCacheFromFile(path)
}

// LoadCacheFromFile loads the device cache from an explicit path
func LoadCacheFromFile(path string) (*Cache, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return NewCache(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var cache Cache
	if err := yaml.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}

	if cache.Devices == nil {
		cache.Devices = make(map[string]*CachedDevice)
	}

	return &cache, nil
}

// Save saves the device cache to disk with an atomic write
func (c *Cache) Save() error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := ensureConfigDir(); err != nil {
		return fmt.Errorf("failed to ensure config directory exists: %w", err)
	}

	path, err := GetCachePath()
	if err != nil {
		return fmt.Errorf("failed to get cache path: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	return atomicWrite(path, data)
}

// Entries converts the cache into registry entries for seeding a reconciler
func (c *Cache) Entries() []registry.Entry {
	entries := make([]registry.Entry, 0, len(c.Devices))
	for _, d := range c.Devices {
		entries = append(entries, registry.Entry{
			Identity:   d.Identity,
			MAC:        d.MAC,
			DeviceType: d.DeviceType,
			HubAddr:    d.HubAddr,
			FwVersion:  d.FwVersion,
			LastSeen:   d.LastSeen,
		})
	}
	return entries
}

// Put stores a registry entry in the cache, overwriting any previous record
// with the same identity
func (c *Cache) Put(e registry.Entry) {
	c.Devices[e.Identity] = &CachedDevice{
		Identity:   e.Identity,
		MAC:        e.MAC,
		DeviceType: e.DeviceType,
		HubAddr:    e.HubAddr,
		FwVersion:  e.FwVersion,
		LastSeen:   e.LastSeen,
	}
}

// Remove drops a device from the cache by identity
func (c *Cache) Remove(identity string) {
	delete(c.Devices, identity)
}
