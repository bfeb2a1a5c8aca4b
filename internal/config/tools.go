package config

// ToolsConfig configures tool execution.
type ToolsConfig struct {
	Egress EgressConfig `yaml:"egress"`
	Table  TableConfig  `yaml:"table"`
	Search SearchConfig `yaml:"search"`
}

// EgressConfig constrains outbound network access from tools.
type EgressConfig struct {
	EnforceTLS      bool     `yaml:"enforce_tls"`
	BlockPrivateIP  bool     `yaml:"block_private_ip"`
	AllowRedirects  int      `yaml:"allow_redirects"`
	MaxPayloadBytes int64    `yaml:"max_payload_bytes"`
	AllowlistHosts  []string `yaml:"allowlist_hosts"`
	DenylistHosts   []string `yaml:"denylist_hosts"`
	TimeoutSeconds  int      `yaml:"timeout_seconds"`
}

// TableConfig constrains TABLE_QUERY execution.
type TableConfig struct {
	Allowed         []string            `yaml:"allowed"`
	AllowedByDomain map[string][]string `yaml:"allowed_by_domain"`
	MaxRows         int                 `yaml:"max_rows"`
	TimeoutSeconds  int                 `yaml:"timeout_seconds"`
	RatePerMinute   int                 `yaml:"rate_per_minute"`
}

// SearchConfig configures the WEB_SEARCH tool.
type SearchConfig struct {
	FixturePath string `yaml:"fixture_path"`
	MaxResults  int    `yaml:"max_results"`
}

// DefaultToolsConfig returns the default tool constraints.
func DefaultToolsConfig() ToolsConfig {
	return ToolsConfig{
		Egress: EgressConfig{
			EnforceTLS:      true,
			BlockPrivateIP:  true,
			AllowRedirects:  3,
			MaxPayloadBytes: 5 * 1024 * 1024,
			TimeoutSeconds:  15,
		},
		Table: TableConfig{
			MaxRows:        200,
			TimeoutSeconds: 5,
			RatePerMinute:  30,
		},
		Search: SearchConfig{
			MaxResults: 5,
		},
	}
}

// ApprovalsConfig configures tool approval gating.
type ApprovalsConfig struct {
	TTLSeconds    int      `yaml:"ttl_seconds"`
	RequiredTools []string `yaml:"required_tools"`
	SweepInterval string   `yaml:"sweep_interval"`
	AllowAutoDeny bool     `yaml:"allow_auto_deny"`
}

// RequiresApproval reports whether a tool must be approved before running.
func (a ApprovalsConfig) RequiresApproval(tool string) bool {
	for _, t := range a.RequiredTools {
		if t == tool {
			return true
		}
	}
	return false
}
