package model

import (
	"hash/fnv"
	"sort"
)

// NodeIdentity is stable across a device's life: created once at boot,
// never mutated after the first successful pairing completes.
type NodeIdentity struct {
	MachineID       string
	NodeName        string
	FirmwareVersion string
	Capabilities    []string
	// MAC is the device's hardware address, reported separately from
	// MachineID on the approve endpoint (spec.md §6 ApproveRequest); it may
	// be empty on hosts with no discoverable interface.
	MAC string
}

// CapabilitiesHash returns a deterministic 32-bit hash over the capability
// set. Capabilities are sorted before hashing so the result stays stable
// across reboots even when config lists them in a different order.
func (n NodeIdentity) CapabilitiesHash() uint32 {
	sorted := append([]string(nil), n.Capabilities...)
	sort.Strings(sorted)
	h := fnv.New32a()
	for _, c := range sorted {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum32()
}
