// Package config loads the node's configuration options (spec.md §6) from
// flags, environment variables, and an optional .env file, with each flag's
// default seeded from the matching environment variable.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ErrConfigMissing is returned when a required option is absent; the
// caller must treat this as spec.md §7's permanent ConfigMissing error.
var ErrConfigMissing = errors.New("config: required option missing")

type Config struct {
	HubBaseURL      string
	SlotID          string
	FirmwareVersion string
	Capabilities    []string

	HeartbeatIntervalMS uint64

	AllowInsecureTLS bool
	RootCAPEM        []byte

	EnableCommandPolling  bool
	CommandPollIntervalMS uint64

	LoginToken string

	MachineIDPrefix    string
	NodeNamePrefix     string
	AppendUniqueSuffix bool
	UseMACForUniqueID  bool

	PairingCode string
	InternalKey string

	EnableNodeRegistration bool
	RegisterRetryMS        uint64
	PreferRegisterBySlot   bool

	EnableTunnel             bool
	EnableSelfApprove        bool
	ApproveEndpointPath      string
	ApproveRetryMS           uint64
	SessionEndpointPath      string
	SendReconnectHintInHello bool
	MaxTunnelBodyBytes       int
	TunnelReconnectMS        uint64

	// SPEC_FULL additions, ambient/domain stack:
	Platform         string
	AgentVersion     string
	WSTunnelPath     string
	CredentialDBPath string
	SNTPServer       string
	DisableTimeSync  bool
	TickInterval     uint64 // ms
}

// Validate enforces spec.md §7's ConfigMissing precondition: hub_base_url
// and slot_id are both required.
func (c Config) Validate() error {
	if c.HubBaseURL == "" {
		return fmt.Errorf("%w: hub_base_url", ErrConfigMissing)
	}
	if c.SlotID == "" {
		return fmt.Errorf("%w: slot_id", ErrConfigMissing)
	}
	if c.EnableSelfApprove && c.PairingCode != "" {
		return fmt.Errorf("config: enable_self_approve and a configured pairing_code are mutually exclusive")
	}
	return nil
}

// Load resolves configuration from, in ascending priority: built-in
// defaults, a ".env" file if present (via godotenv), process environment
// variables, and command-line flags.
func Load(args []string) (Config, error) {
	_ = godotenv.Load(".env") // best effort; absence is normal outside dev

	cfg := Config{
		HeartbeatIntervalMS:   60000,
		MachineIDPrefix:       "node-",
		NodeNamePrefix:        "Node-",
		AppendUniqueSuffix:    true,
		UseMACForUniqueID:     true,
		CommandPollIntervalMS: 0, // falls back to heartbeat interval, see Config.EffectiveCommandPollIntervalMS
		ApproveEndpointPath:   "/api/device/approve",
		SessionEndpointPath:   "/api/device/session",
		MaxTunnelBodyBytes:    4096,
		TunnelReconnectMS:     2000,
		WSTunnelPath:          "/ws/tunnel",
		AgentVersion:          "dev",
		Platform:              "linux",
		TickInterval:          250,
	}

	fs := flag.NewFlagSet("edge-agent", flag.ContinueOnError)
	hubBaseURL := fs.String("hub-base-url", envOr("HUB_BASE_URL", ""), "hub base URL, e.g. https://hub.example.com")
	slotID := fs.String("slot-id", envOr("SLOT_ID", ""), "slot id identifying this device to the hub")
	firmware := fs.String("firmware-version", envOr("FIRMWARE_VERSION", "1.0.0"), "firmware/agent version reported to the hub")
	capabilities := fs.String("capabilities", envOr("CAPABILITIES", ""), "comma-separated capability list")
	heartbeatMS := fs.Uint64("heartbeat-interval-ms", envOrUint("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMS), "heartbeat interval in ms")
	allowInsecure := fs.Bool("allow-insecure-tls", envOrBool("ALLOW_INSECURE_TLS", false), "skip TLS verification against the hub")
	caFile := fs.String("root-ca-file", envOr("ROOT_CA_FILE", ""), "path to a PEM file pinning the hub's CA")
	enableCmdPoll := fs.Bool("enable-command-polling", envOrBool("ENABLE_COMMAND_POLLING", false), "enable command pull/ack polling")
	cmdPollMS := fs.Uint64("command-poll-interval-ms", envOrUint("COMMAND_POLL_INTERVAL_MS", 0), "command poll interval in ms (0 = use heartbeat interval)")
	loginToken := fs.String("login-token", envOr("LOGIN_TOKEN", ""), "login token for register_by_slot")
	machineIDPrefix := fs.String("machine-id-prefix", envOr("MACHINE_ID_PREFIX", cfg.MachineIDPrefix), "machine id prefix")
	nodeNamePrefix := fs.String("node-name-prefix", envOr("NODE_NAME_PREFIX", cfg.NodeNamePrefix), "node name prefix")
	appendSuffix := fs.Bool("append-unique-suffix", envOrBool("APPEND_UNIQUE_SUFFIX", true), "append a unique suffix to machine id/node name")
	useMAC := fs.Bool("use-mac-for-unique-id", envOrBool("USE_MAC_FOR_UNIQUE_ID", true), "derive the unique suffix from a MAC address")
	pairingCode := fs.String("pairing-code", envOr("PAIRING_CODE", ""), "pre-shared pairing code")
	internalKey := fs.String("internal-key", envOr("INTERNAL_KEY", ""), "X-Internal-Key header value for register_by_pairing")
	enableRegistration := fs.Bool("enable-node-registration", envOrBool("ENABLE_NODE_REGISTRATION", true), "enable the registration/pairing flow")
	registerRetryMS := fs.Uint64("register-retry-ms", envOrUint("REGISTER_RETRY_MS", 0), "register retry floor in ms (0 = ladder default)")
	preferSlot := fs.Bool("prefer-register-by-slot", envOrBool("PREFER_REGISTER_BY_SLOT", false), "try register_by_slot before register_by_pairing")
	enableTunnel := fs.Bool("enable-tunnel", envOrBool("ENABLE_TUNNEL", true), "enable the websocket tunnel")
	enableSelfApprove := fs.Bool("enable-self-approve", envOrBool("ENABLE_SELF_APPROVE", false), "in PAIR_SUBMIT, call the self-approve endpoint instead of /api/device/pair")
	approvePath := fs.String("approve-endpoint-path", envOr("APPROVE_ENDPOINT_PATH", cfg.ApproveEndpointPath), "approve endpoint path")
	approveRetryMS := fs.Uint64("approve-retry-ms", envOrUint("APPROVE_RETRY_MS", 0), "fixed delay in ms between approve retries (0 = hub backoff ladder)")
	sessionPath := fs.String("session-endpoint-path", envOr("SESSION_ENDPOINT_PATH", cfg.SessionEndpointPath), "session poll endpoint path")
	sendReconnectHint := fs.Bool("send-reconnect-hint-in-hello", envOrBool("SEND_RECONNECT_HINT_IN_HELLO", false), "include a reconnect hint in HELLO")
	maxTunnelBody := fs.Int("max-tunnel-body-bytes", int(envOrUint("MAX_TUNNEL_BODY_BYTES", 4096)), "max buffered inbound stream body size")
	tunnelReconnectMS := fs.Uint64("tunnel-reconnect-ms", envOrUint("TUNNEL_RECONNECT_MS", 2000), "initial tunnel reconnect delay in ms")
	wsTunnelPath := fs.String("ws-tunnel-path", envOr("WS_TUNNEL_PATH", cfg.WSTunnelPath), "websocket tunnel path")
	platform := fs.String("platform", envOr("PLATFORM", cfg.Platform), "platform string reported to the hub")
	agentVersion := fs.String("agent-version", envOr("AGENT_VERSION", cfg.AgentVersion), "agent version string")
	dbPath := fs.String("credential-db-path", envOr("CREDENTIAL_DB_PATH", ""), "sqlite file for persisted credentials (empty disables persistence)")
	sntpServer := fs.String("sntp-server", envOr("SNTP_SERVER", "pool.ntp.org:123"), "SNTP server for the pre-HTTPS clock sync")
	disableTimeSync := fs.Bool("disable-time-sync", envOrBool("DISABLE_TIME_SYNC", false), "skip the SNTP sync before the first HTTPS call")
	tickIntervalMS := fs.Uint64("tick-interval-ms", envOrUint("TICK_INTERVAL_MS", cfg.TickInterval), "scheduler tick interval in ms")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	var caPEM []byte
	if *caFile != "" {
		data, err := os.ReadFile(*caFile)
		if err != nil {
			return Config{}, fmt.Errorf("config: read root-ca-file: %w", err)
		}
		caPEM = data
	}

	cfg.HubBaseURL = *hubBaseURL
	cfg.SlotID = *slotID
	cfg.FirmwareVersion = *firmware
	cfg.Capabilities = splitCapabilities(*capabilities)
	cfg.HeartbeatIntervalMS = *heartbeatMS
	cfg.AllowInsecureTLS = *allowInsecure
	cfg.RootCAPEM = caPEM
	cfg.EnableCommandPolling = *enableCmdPoll
	cfg.CommandPollIntervalMS = *cmdPollMS
	cfg.LoginToken = *loginToken
	cfg.MachineIDPrefix = *machineIDPrefix
	cfg.NodeNamePrefix = *nodeNamePrefix
	cfg.AppendUniqueSuffix = *appendSuffix
	cfg.UseMACForUniqueID = *useMAC
	cfg.PairingCode = *pairingCode
	cfg.InternalKey = *internalKey
	cfg.EnableNodeRegistration = *enableRegistration
	cfg.RegisterRetryMS = *registerRetryMS
	cfg.PreferRegisterBySlot = *preferSlot
	cfg.EnableTunnel = *enableTunnel
	cfg.EnableSelfApprove = *enableSelfApprove
	cfg.ApproveEndpointPath = *approvePath
	cfg.ApproveRetryMS = *approveRetryMS
	cfg.SessionEndpointPath = *sessionPath
	cfg.SendReconnectHintInHello = *sendReconnectHint
	cfg.MaxTunnelBodyBytes = *maxTunnelBody
	cfg.TunnelReconnectMS = *tunnelReconnectMS
	cfg.WSTunnelPath = *wsTunnelPath
	cfg.Platform = *platform
	cfg.AgentVersion = *agentVersion
	cfg.CredentialDBPath = *dbPath
	cfg.SNTPServer = *sntpServer
	cfg.DisableTimeSync = *disableTimeSync
	cfg.TickInterval = *tickIntervalMS

	return cfg, nil
}

// EffectiveCommandPollIntervalMS falls back to the heartbeat interval when
// no explicit command poll interval was set (spec.md §4.5 "COMMAND PULL").
func (c Config) EffectiveCommandPollIntervalMS() uint64 {
	if c.CommandPollIntervalMS > 0 {
		return c.CommandPollIntervalMS
	}
	return c.HeartbeatIntervalMS
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envOrBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func envOrUint(key string, def uint64) uint64 {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return def
}
