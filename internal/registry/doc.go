// Package registry reconciles discovered devices against the persisted
// device cache.
//
// Two sources of truth can disagree: the cache recovered at startup (what
// existed last run) and live discovery (what answers right now). The
// reconciler resolves the disagreement without ever duplicating an identity
// and without deleting a device that is merely temporarily unreachable.
//
// # Identity
//
// A device's hardware MAC is the only stable key across restarts. Identity
// derives a namespaced hash from it; the external accessory layer stores
// that hash as its long-lived key. Derivation is deterministic, so the same
// physical device always maps to the same accessory no matter how often the
// process restarts or how the hub formats the address.
//
// # Claim and Removal
//
// Cached entries start each run unclaimed. A live discovery of the same
// identity claims the entry and refreshes its attributes. Unclaimed entries
// become eligible for removal only once every configured hub has completed
// at least one scan this run - a hub that hasn't answered yet may still own
// devices, and deleting them early would tear accessories out of the host
// ecosystem just because a hub was slow to boot. Removal itself is an
// explicit pass (RemoveStale), never an automatic consequence of one hub's
// scan finishing.
package registry
