package node

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"strings"

	"github.com/edgewan/agentcore/pkg/config"
	"github.com/edgewan/agentcore/pkg/model"
)

// resolveIdentity builds the stable NodeIdentity from configuration
// (spec.md §3 "NodeIdentity", §6 "machine_id_prefix", "node_name_prefix",
// "append_unique_suffix", "use_mac_for_unique_id").
func resolveIdentity(cfg config.Config) model.NodeIdentity {
	suffix := ""
	if cfg.AppendUniqueSuffix {
		suffix = uniqueSuffix(cfg.UseMACForUniqueID)
	}
	machineID := cfg.MachineIDPrefix + suffix
	nodeName := cfg.NodeNamePrefix + suffix
	return model.NodeIdentity{
		MachineID:       machineID,
		NodeName:        nodeName,
		FirmwareVersion: cfg.FirmwareVersion,
		Capabilities:    cfg.Capabilities,
		MAC:             firstHardwareAddr(),
	}
}

func uniqueSuffix(useMAC bool) string {
	if useMAC {
		if mac := firstHardwareAddr(); mac != "" {
			return mac
		}
	}
	var b [4]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return "unknown"
}

func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		addr := iface.HardwareAddr.String()
		if addr == "" || addr == "00:00:00:00:00:00" {
			continue
		}
		return strings.ReplaceAll(addr, ":", "")
	}
	return ""
}

// bootReasonOnStart is the reconnect-hint boot reason for a fresh process
// (spec.md §7 supplemented feature; original source's boot_reason covers
// power-on/reset causes a hosted process can't observe).
const bootReasonOnStart = "process-start"
