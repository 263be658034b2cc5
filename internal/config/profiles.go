package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

// TriState is a three-valued option. The zero value is invalid so a typo
// in the JSON never silently means "false".
type TriState string

const (
	TriFalse   TriState = "false"
	TriTrue    TriState = "true"
	TriContact TriState = "contact"
)

func (t TriState) valid() bool {
	switch t {
	case "", TriFalse, TriTrue, TriContact:
		return true
	default:
		return false
	}
}

// ThreePCCMode controls how no-SDP INVITEs are handled.
type ThreePCCMode string

const (
	ThreePCCDisabled ThreePCCMode = "disabled"
	ThreePCCEnabled  ThreePCCMode = "enabled"
	ThreePCCProxy    ThreePCCMode = "proxy"
)

func (m ThreePCCMode) valid() bool {
	switch m {
	case "", ThreePCCDisabled, ThreePCCEnabled, ThreePCCProxy:
		return true
	default:
		return false
	}
}

// Registration timer floors. Values below the floor are clamped with a
// warning rather than hammering the far end.
const (
	gatewayRetryFloor      = 5
	gatewayRetryClamp      = 30
	gatewayExpiryFloor     = 5
	gatewayExpiryClamp     = 3600
	gatewayPingFloor       = 5
	subscriptionRetryFloor = 10
	subscriptionRetryClamp = 30
	subscriptionFreqFloor  = 5
	subscriptionFreqClamp  = 3600
)

// ProfilesFile is the top-level shape of the JSON profile definitions.
type ProfilesFile struct {
	ACLs     []ACLConfig     `json:"acls"`
	Profiles []ProfileConfig `json:"profiles"`
}

// ACLConfig is one named access list.
type ACLConfig struct {
	Name    string   `json:"name"`
	Default string   `json:"default"` // "allow" or "deny"
	Allow   []string `json:"allow"`
	Deny    []string `json:"deny"`
}

// ProfileConfig defines one signaling profile.
type ProfileConfig struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases"`
	BindAddr  string   `json:"bind_addr"`
	Port      int      `json:"port"`
	Transport string   `json:"transport"`

	// Admission and auth.
	Realm           string            `json:"realm"`
	AuthCalls       bool              `json:"auth_calls"`
	Users           map[string]string `json:"users"` // username -> password
	ApplyInboundACL []string          `json:"apply_inbound_acl"`
	MaxSessions     int               `json:"max_sessions"`
	SessionsPerSec  float64           `json:"sessions_per_second"`
	SessionBurst    int               `json:"session_burst"`

	// Media posture.
	CodecPolicy        string       `json:"codec_policy"`
	InboundBypassMedia bool         `json:"inbound_bypass_media"`
	ProxyMedia         bool         `json:"proxy_media"`
	LateNegotiation    bool         `json:"late_negotiation"`
	ThreePCC           ThreePCCMode `json:"three_pcc"`
	IgnoreReinvites    bool         `json:"ignore_reinvites"`
	MediaOnHold        bool         `json:"media_on_hold"`
	BypassAfterXfer    bool         `json:"bypass_media_after_att_xfer"`

	// Features.
	EnableTransfer        bool     `json:"enable_transfer"`
	MultipleRegistrations TriState `json:"multiple_registrations"`
	Context               string   `json:"context"` // dialplan context for routed calls

	// Housekeeping cadence, seconds between registration-expiry sweeps.
	RegistrationSweepSeconds int `json:"registration_sweep_seconds"`

	Gateways []GatewayConfig `json:"gateways"`
}

// GatewayConfig defines one outbound trunk under a profile.
type GatewayConfig struct {
	Name         string `json:"name"`
	Username     string `json:"username"`
	AuthUsername string `json:"auth_username"`
	Password     string `json:"password"`
	Realm        string `json:"realm"`
	Proxy        string `json:"proxy"` // host or host:port
	Transport    string `json:"transport"`

	Register       bool `json:"register"`
	RegisterExpiry int  `json:"register_expiry"`
	RetrySeconds   int  `json:"retry_seconds"`
	PingSeconds    int  `json:"ping_seconds"`

	// ExpireRegsOnPingFail expires this gateway's local registration rows
	// when a liveness probe fails while registered.
	ExpireRegsOnPingFail bool `json:"expire_regs_on_ping_fail"`

	Extension string `json:"extension"`
	Contact   string `json:"contact"`

	Subscriptions []SubscriptionConfig `json:"subscriptions"`
}

// SubscriptionConfig defines one event-package subscription at a gateway.
type SubscriptionConfig struct {
	EventPackage string `json:"event_package"`
	Frequency    int    `json:"frequency"`
	RetrySeconds int    `json:"retry_seconds"`
	ContentType  string `json:"content_type"`
}

// LoadProfiles reads and validates the JSON profile definitions. Timer
// floors are clamped with warnings; structural problems (missing names,
// bad tri-states, ping below the floor) are errors.
func LoadProfiles(path string, logger *slog.Logger) (*ProfilesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles file: %w", err)
	}
	var pf ProfilesFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing profiles file: %w", err)
	}
	if err := pf.Validate(logger); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate normalizes and checks the whole file in place.
func (pf *ProfilesFile) Validate(logger *slog.Logger) error {
	for i := range pf.ACLs {
		a := &pf.ACLs[i]
		if a.Name == "" {
			return fmt.Errorf("acl %d: name required", i)
		}
		if a.Default != "allow" && a.Default != "deny" && a.Default != "" {
			return fmt.Errorf("acl %q: default must be allow or deny, got %q", a.Name, a.Default)
		}
	}

	seen := make(map[string]bool)
	for i := range pf.Profiles {
		p := &pf.Profiles[i]
		if err := p.validate(logger); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func (p *ProfileConfig) validate(logger *slog.Logger) error {
	if p.Name == "" {
		return fmt.Errorf("profile: name required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("profile %q: port must be between 1 and 65535, got %d", p.Name, p.Port)
	}
	if p.BindAddr == "" {
		p.BindAddr = "0.0.0.0"
	}
	if p.Transport == "" {
		p.Transport = "udp"
	}
	if p.Context == "" {
		p.Context = "default"
	}
	if !p.ThreePCC.valid() {
		return fmt.Errorf("profile %q: three_pcc must be disabled, enabled or proxy; got %q", p.Name, p.ThreePCC)
	}
	if p.ThreePCC == "" {
		p.ThreePCC = ThreePCCDisabled
	}
	if !p.MultipleRegistrations.valid() {
		return fmt.Errorf("profile %q: multiple_registrations must be true, false or contact; got %q",
			p.Name, p.MultipleRegistrations)
	}
	if p.MultipleRegistrations == "" {
		p.MultipleRegistrations = TriFalse
	}
	if p.MaxSessions < 0 {
		return fmt.Errorf("profile %q: max_sessions must not be negative, got %d", p.Name, p.MaxSessions)
	}
	if p.SessionsPerSec < 0 {
		return fmt.Errorf("profile %q: sessions_per_second must not be negative", p.Name)
	}
	if p.RegistrationSweepSeconds <= 0 {
		p.RegistrationSweepSeconds = 30
	}

	gwSeen := make(map[string]bool)
	for i := range p.Gateways {
		g := &p.Gateways[i]
		if err := g.validate(p.Name, logger); err != nil {
			return err
		}
		if gwSeen[g.Name] {
			return fmt.Errorf("profile %q: duplicate gateway name %q", p.Name, g.Name)
		}
		gwSeen[g.Name] = true
	}
	return nil
}

func (g *GatewayConfig) validate(profile string, logger *slog.Logger) error {
	if g.Name == "" {
		return fmt.Errorf("profile %q: gateway name required", profile)
	}
	if g.Proxy == "" {
		return fmt.Errorf("gateway %q: proxy required", g.Name)
	}
	if g.Transport == "" {
		g.Transport = "udp"
	}
	if g.Realm == "" {
		g.Realm = g.Proxy
	}
	if g.Register && g.Username == "" {
		return fmt.Errorf("gateway %q: username required when register is enabled", g.Name)
	}

	if g.RetrySeconds == 0 {
		g.RetrySeconds = gatewayRetryClamp
	} else if g.RetrySeconds < gatewayRetryFloor {
		logger.Warn("gateway retry interval below floor, clamping",
			"gateway", g.Name, "configured", g.RetrySeconds, "clamped", gatewayRetryClamp)
		g.RetrySeconds = gatewayRetryClamp
	}

	if g.RegisterExpiry == 0 {
		g.RegisterExpiry = gatewayExpiryClamp
	} else if g.RegisterExpiry < gatewayExpiryFloor {
		logger.Warn("gateway register expiry below floor, clamping",
			"gateway", g.Name, "configured", g.RegisterExpiry, "clamped", gatewayExpiryClamp)
		g.RegisterExpiry = gatewayExpiryClamp
	}

	if g.PingSeconds != 0 && g.PingSeconds < gatewayPingFloor {
		return fmt.Errorf("gateway %q: ping_seconds must be at least %d, got %d",
			g.Name, gatewayPingFloor, g.PingSeconds)
	}

	for i := range g.Subscriptions {
		s := &g.Subscriptions[i]
		if err := s.validate(g.Name, logger); err != nil {
			return err
		}
	}
	return nil
}

func (s *SubscriptionConfig) validate(gateway string, logger *slog.Logger) error {
	if s.EventPackage == "" {
		return fmt.Errorf("gateway %q: subscription event_package required", gateway)
	}
	if s.ContentType == "" {
		s.ContentType = "application/simple-message-summary"
	}

	if s.RetrySeconds == 0 {
		s.RetrySeconds = subscriptionRetryClamp
	} else if s.RetrySeconds < subscriptionRetryFloor {
		logger.Warn("subscription retry interval below floor, clamping",
			"gateway", gateway, "event", s.EventPackage,
			"configured", s.RetrySeconds, "clamped", subscriptionRetryClamp)
		s.RetrySeconds = subscriptionRetryClamp
	}

	if s.Frequency == 0 {
		s.Frequency = subscriptionFreqClamp
	} else if s.Frequency < subscriptionFreqFloor {
		logger.Warn("subscription frequency below floor, clamping",
			"gateway", gateway, "event", s.EventPackage,
			"configured", s.Frequency, "clamped", subscriptionFreqClamp)
		s.Frequency = subscriptionFreqClamp
	}
	return nil
}
