// Package config provides configuration loading for HydraDNS using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the HYDRADNS_ prefix and underscore-separated keys:
//   - HYDRADNS_SERVER_HOST -> server.host
//   - HYDRADNS_SERVER_PORT -> server.port
//   - HYDRADNS_UPSTREAM_SERVERS -> upstream.servers (comma-separated)
//   - HYDRADNS_FILTERING_ENABLED -> filtering.enabled
//
// Only HYDRADNS_-prefixed environment variable names are read.
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// ServerConfig contains server-related settings.
type ServerConfig struct {
	Host                   string        `yaml:"host"                      mapstructure:"host"`
	Port                   int           `yaml:"port"                      mapstructure:"port"`
	Workers                WorkerSetting `yaml:"-"                         mapstructure:"-"`
	WorkersRaw             string        `yaml:"workers"                   mapstructure:"workers"`
	MaxConcurrency         int           `yaml:"max_concurrency"           mapstructure:"max_concurrency"`
	UpstreamSocketPoolSize int           `yaml:"upstream_socket_pool_size" mapstructure:"upstream_socket_pool_size"`
	EnableTCP              bool          `yaml:"enable_tcp"                mapstructure:"enable_tcp"`
	TCPFallback            bool          `yaml:"tcp_fallback"              mapstructure:"tcp_fallback"`
}

// UpstreamConfig contains upstream DNS server settings.
type UpstreamConfig struct {
	Servers    []string `yaml:"servers"     mapstructure:"servers"     json:"servers"`
	UDPTimeout string   `yaml:"udp_timeout" mapstructure:"udp_timeout" json:"udp_timeout"` // Timeout for UDP queries (e.g., "3s")
	TCPTimeout string   `yaml:"tcp_timeout" mapstructure:"tcp_timeout" json:"tcp_timeout"` // Timeout for TCP queries (e.g., "5s")
	MaxRetries int      `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"` // Max retries per upstream on timeout

	// Transport selects which socket types the dispatcher is allowed to use
	// for a given upstream: "udp_tcp" (default, UDP with TCP escalation on
	// truncation/timeout), "tcp", or "tls" (DNS-over-TLS). "quic" selects
	// DNS-over-QUIC (RFC 9250).
	Transport string `yaml:"transport" mapstructure:"transport" json:"transport"`
	// TLSServerName overrides the SNI/certificate name used for "tls" and
	// "quic" transports. Defaults to the upstream's host name with any
	// trailing root label stripped.
	TLSServerName string `yaml:"tls_server_name" mapstructure:"tls_server_name" json:"tls_server_name"`
	// TLSInsecureSkipVerify disables certificate verification. For lab/test
	// use only.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify"`

	// ConnectTimeout bounds dialing/handshaking a managed TCP/TLS/QUIC
	// connection (e.g., "5s").
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout"`
	// IdleListenTimeout is how long a managed connection may sit with no
	// in-flight queries before the listener task shuts it down (e.g., "120s").
	IdleListenTimeout string `yaml:"idle_listen_timeout" mapstructure:"idle_listen_timeout" json:"idle_listen_timeout"`

	// UDPRetransmitInterval is the initial UDP retransmit delay before TCP is
	// pre-warmed in parallel (e.g., "100ms").
	UDPRetransmitInterval string `yaml:"udp_retransmit_interval" mapstructure:"udp_retransmit_interval" json:"udp_retransmit_interval"`
	// UDPRetransmitStep is added to the retransmit interval on each
	// successive UDP retry within a single query (e.g., "200ms").
	UDPRetransmitStep string `yaml:"udp_retransmit_step" mapstructure:"udp_retransmit_step" json:"udp_retransmit_step"`
	// UDPToTCPFallbackCount is the number of consecutive UDP timeouts on an
	// upstream before new queries start on TCP first instead of UDP first.
	UDPToTCPFallbackCount int `yaml:"udp_to_tcp_fallback_count" mapstructure:"udp_to_tcp_fallback_count" json:"udp_to_tcp_fallback_count"`

	// RollingWindowResponseTimes is the sample window size for the adaptive
	// response-time rolling average.
	RollingWindowResponseTimes int `yaml:"rolling_window_response_times" mapstructure:"rolling_window_response_times" json:"rolling_window_response_times"`
	// RollingWindowDrops is the sample window size for the adaptive drop-rate
	// rolling average.
	RollingWindowDrops int `yaml:"rolling_window_drops" mapstructure:"rolling_window_drops" json:"rolling_window_drops"`
	// DropRateIncreaseThreshold: drop rate at/above this raises the adaptive
	// timeout, capped at 4x the average response time.
	DropRateIncreaseThreshold float64 `yaml:"drop_rate_increase_threshold" mapstructure:"drop_rate_increase_threshold" json:"drop_rate_increase_threshold"`
	// DropRateDecreaseThreshold: drop rate at/below this lowers the adaptive
	// timeout, floored at 2x the average response time.
	DropRateDecreaseThreshold float64 `yaml:"drop_rate_decrease_threshold" mapstructure:"drop_rate_decrease_threshold" json:"drop_rate_decrease_threshold"`
	// MinTimeout and MaxTimeout bound the adaptive timeout regardless of the
	// rolling averages (e.g., "50ms" / "10s").
	MinTimeout string `yaml:"min_timeout" mapstructure:"min_timeout" json:"min_timeout"`
	MaxTimeout string `yaml:"max_timeout" mapstructure:"max_timeout" json:"max_timeout"`
}

// CustomDNSConfig contains static hostname/CNAME overrides applied before
// any upstream query is attempted.
type CustomDNSConfig struct {
	Hosts  map[string][]string `yaml:"hosts"  mapstructure:"hosts"  json:"hosts,omitempty"`
	CNAMEs map[string]string   `yaml:"cnames" mapstructure:"cnames" json:"cnames,omitempty"`
}

// ZonesConfig contains zone file settings.
type ZonesConfig struct {
	Directory string   `yaml:"directory" mapstructure:"directory" json:"directory"`
	Files     []string `yaml:"files"     mapstructure:"files"     json:"files,omitempty"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// FilteringConfig controls domain filtering (blocklists/whitelists).
type FilteringConfig struct {
	Enabled          bool              `yaml:"enabled"           mapstructure:"enabled"           json:"enabled"`
	LogBlocked       bool              `yaml:"log_blocked"       mapstructure:"log_blocked"       json:"log_blocked"`
	LogAllowed       bool              `yaml:"log_allowed"       mapstructure:"log_allowed"       json:"log_allowed"`
	WhitelistDomains []string          `yaml:"whitelist_domains" mapstructure:"whitelist_domains" json:"whitelist_domains,omitempty"`
	BlacklistDomains []string          `yaml:"blacklist_domains" mapstructure:"blacklist_domains" json:"blacklist_domains,omitempty"`
	Blocklists       []BlocklistConfig `yaml:"blocklists"        mapstructure:"blocklists"        json:"blocklists,omitempty"`
	RefreshInterval  string            `yaml:"refresh_interval"  mapstructure:"refresh_interval"  json:"refresh_interval"`
}

// BlocklistConfig defines a remote blocklist source.
type BlocklistConfig struct {
	Name   string `yaml:"name"   mapstructure:"name"   json:"name"`
	URL    string `yaml:"url"    mapstructure:"url"    json:"url"`
	Format string `yaml:"format" mapstructure:"format" json:"format"` // "auto", "adblock", "hosts", "domains"
}

// RateLimitConfig controls rate limiting settings.
type RateLimitConfig struct {
	// CleanupSeconds is how often stale entries are cleaned up (default: 60)
	CleanupSeconds float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"    json:"cleanup_seconds"`
	// MaxIPEntries is the maximum number of tracked IPs (default: 65536)
	MaxIPEntries int `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"     json:"max_ip_entries"`
	// MaxPrefixEntries is the maximum number of tracked prefixes (default: 16384)
	MaxPrefixEntries int `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries" json:"max_prefix_entries"`
	// GlobalQPS is the server-wide queries per second limit (default: 100000, 0 = disabled)
	GlobalQPS float64 `yaml:"global_qps"         mapstructure:"global_qps"         json:"global_qps"`
	// GlobalBurst is the global burst size (default: 100000)
	GlobalBurst int `yaml:"global_burst"       mapstructure:"global_burst"       json:"global_burst"`
	// PrefixQPS is the per-prefix QPS limit (default: 10000, 0 = disabled)
	PrefixQPS float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"         json:"prefix_qps"`
	// PrefixBurst is the per-prefix burst size (default: 20000)
	PrefixBurst int `yaml:"prefix_burst"       mapstructure:"prefix_burst"       json:"prefix_burst"`
	// IPQPS is the per-IP QPS limit (default: 5000, 0 = disabled)
	IPQPS float64 `yaml:"ip_qps"             mapstructure:"ip_qps"             json:"ip_qps"`
	// IPBurst is the per-IP burst size (default: 10000)
	IPBurst int `yaml:"ip_burst"           mapstructure:"ip_burst"           json:"ip_burst"`
}

// APIConfig contains management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"     mapstructure:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"   mapstructure:"upstream"`
	CustomDNS CustomDNSConfig `yaml:"custom_dns" mapstructure:"custom_dns"`
	Zones     ZonesConfig     `yaml:"zones"      mapstructure:"zones"`
	Logging   LoggingConfig   `yaml:"logging"    mapstructure:"logging"`
	Filtering FilteringConfig `yaml:"filtering"  mapstructure:"filtering"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	API       APIConfig       `yaml:"api"        mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("HYDRADNS_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable overrides.
// This is the main entry point for loading configuration.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (HYDRADNS_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
