package registry

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/muurk/shadectl/internal/protocol"
)

// identityNamespace salts the derivation so identities cannot collide with
// other namespaced hashes of the same MAC. Changing it would orphan every
// persisted accessory, so it is frozen.
const identityNamespace = "shadectl/accessory/"

// Identity derives the stable accessory identity from a device's hardware
// identifier. The derivation is deterministic: the same MAC always yields
// the same identity across restarts and regardless of how the hub formatted
// the address. This is the long-lived key external registries store.
func Identity(mac string) string {
	sum := sha256.Sum256([]byte(identityNamespace + protocol.NormalizeMAC(mac)))
	return hex.EncodeToString(sum[:16])
}
