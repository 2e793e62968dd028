package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// globalConfig stores the configuration loaded with command-line overrides
// This allows other packages to access the same configuration that was loaded by the daemon
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration
type Config struct {
	Conn     ConnConfig     `json:"conn"`
	RDP      RDPConfig      `json:"rdp"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	LogLevel   string
	ConfigFile string
	Address    string
}

// ConnConfig holds connection-table sizing, mirroring libCSP's CSP_CONN_MAX
// and port range settings.
type ConnConfig struct {
	MaxConnections     int  `json:"maxConnections" env:"CSP_CONN_MAX" default:"10"`
	RxQueueLength      int  `json:"rxQueueLength" env:"CSP_RX_QUEUE_LENGTH" default:"100"`
	MaxBindPort        int  `json:"maxBindPort" env:"CSP_MAX_BIND_PORT" default:"8"`
	MaxPort            int  `json:"maxPort" env:"CSP_ID_PORT_MAX" default:"63"`
	RandomizeEphemeral bool `json:"randomizeEphemeral" env:"CSP_RANDOMIZE_EPHEM" default:"true"`
	EnableQOS          bool `json:"enableQOS" env:"CSP_USE_QOS" default:"false"`
}

// RDPConfig holds the RDP transport tunables (window size, timeouts),
// matching the per-connection defaults in the connection table spec.
type RDPConfig struct {
	WindowSize     int           `json:"windowSize" env:"RDP_WINDOW_SIZE" default:"3"`
	ConnTimeout    time.Duration `json:"connTimeout" env:"RDP_CONN_TIMEOUT" default:"10s"`
	PacketTimeout  time.Duration `json:"packetTimeout" env:"RDP_PACKET_TIMEOUT" default:"100ms"`
	MaxPacketBytes int           `json:"maxPacketBytes" env:"RDP_MAX_PACKET_BYTES" default:"256"`
}

// SecurityConfig holds the optional HMAC/XTEA/CRC32 wire filters.
type SecurityConfig struct {
	EnableHMAC  bool   `json:"enableHMAC" env:"CSP_ENABLE_HMAC" default:"false"`
	EnableXTEA  bool   `json:"enableXTEA" env:"CSP_ENABLE_XTEA" default:"false"`
	EnableCRC32 bool   `json:"enableCRC32" env:"CSP_ENABLE_CRC32" default:"true"`
	HMACKey     string `json:"hmacKey" env:"CSP_HMAC_KEY" default:""`
	XTEAKey     string `json:"xteaKey" env:"CSP_XTEA_KEY" default:""`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration with command-line overrides
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	config := &Config{}

	config.Conn.MaxConnections = getIntWithDefault("CSP_CONN_MAX", 10)
	config.Conn.RxQueueLength = getIntWithDefault("CSP_RX_QUEUE_LENGTH", 100)
	config.Conn.MaxBindPort = getIntWithDefault("CSP_MAX_BIND_PORT", 8)
	config.Conn.MaxPort = getIntWithDefault("CSP_ID_PORT_MAX", 63)
	config.Conn.RandomizeEphemeral = getBoolWithDefault("CSP_RANDOMIZE_EPHEM", true)
	config.Conn.EnableQOS = getBoolWithDefault("CSP_USE_QOS", false)

	config.RDP.WindowSize = getIntWithDefault("RDP_WINDOW_SIZE", 3)
	config.RDP.ConnTimeout = getDurationWithDefault("RDP_CONN_TIMEOUT", 10*time.Second)
	config.RDP.PacketTimeout = getDurationWithDefault("RDP_PACKET_TIMEOUT", 100*time.Millisecond)
	config.RDP.MaxPacketBytes = getIntWithDefault("RDP_MAX_PACKET_BYTES", 256)

	config.Security.EnableHMAC = getBoolWithDefault("CSP_ENABLE_HMAC", false)
	config.Security.EnableXTEA = getBoolWithDefault("CSP_ENABLE_XTEA", false)
	config.Security.EnableCRC32 = getBoolWithDefault("CSP_ENABLE_CRC32", true)
	config.Security.HMACKey = getEnvWithDefault("CSP_HMAC_KEY", "")
	config.Security.XTEAKey = getEnvWithDefault("CSP_XTEA_KEY", "")

	config.Logging.Level = getOverrideOrEnv(opts.LogLevel, "LOG_LEVEL", "info")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = config
	configMutex.Unlock()

	return config, nil
}

// GetGlobalConfig returns the globally stored configuration
// This should be used by packages that need access to the configuration
// loaded by the daemon with command-line overrides
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Conn.MaxConnections <= 0 {
		return fmt.Errorf("conn.maxConnections must be positive")
	}

	if c.Conn.RxQueueLength <= 0 {
		return fmt.Errorf("conn.rxQueueLength must be positive")
	}

	if c.Conn.MaxBindPort < 0 || c.Conn.MaxBindPort >= c.Conn.MaxPort {
		return fmt.Errorf("conn.maxBindPort must be less than conn.maxPort")
	}

	if c.RDP.WindowSize <= 0 {
		return fmt.Errorf("rdp.windowSize must be positive")
	}

	if c.RDP.ConnTimeout <= 0 || c.RDP.PacketTimeout <= 0 {
		return fmt.Errorf("rdp timeouts must be positive")
	}

	if c.RDP.MaxPacketBytes <= 0 {
		return fmt.Errorf("rdp.maxPacketBytes must be positive")
	}

	if c.Security.EnableHMAC && c.Security.HMACKey == "" {
		return fmt.Errorf("security.hmacKey must be set when HMAC is enabled")
	}

	if c.Security.EnableXTEA && len(c.Security.XTEAKey) != 16 {
		return fmt.Errorf("security.xteaKey must be exactly 16 bytes when XTEA is enabled")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntWithDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getOverrideOrEnv returns command-line override value, env value, or default
func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	return getEnvWithDefault(envKey, defaultValue)
}
