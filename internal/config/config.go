// Package config provides configuration types and loading for socmind.
package config

// Config is the root configuration struct.
// Top-level groups: Broker, Store, Gateway, Control, Programs.
// Env overrides use split_words keys only, so bare names such as PATH or
// PORT are never read.
type Config struct {
	Broker   BrokerConfig    `json:"broker"`
	Store    StoreConfig     `json:"store"`
	Gateway  GatewayConfig   `json:"gateway"`
	Control  ControlConfig   `json:"control"`
	Programs []ProgramConfig `json:"programs"`
}

// Broker drivers.
const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

// ---------------------------------------------------------------------------
// Broker – chat and control transport
// ---------------------------------------------------------------------------

// BrokerConfig selects and configures the message broker.
type BrokerConfig struct {
	Driver            string `json:"driver" split_words:"true"`
	KafkaBrokers      string `json:"kafkaBrokers" split_words:"true"` // comma separated
	TopicPrefix       string `json:"topicPrefix" split_words:"true"`
	ReplicationFactor int    `json:"replicationFactor" split_words:"true"`
	// MaxDeliveries bounds redelivery before a message goes to the dead-letter
	// topic. Zero redelivers forever.
	MaxDeliveries int `json:"maxDeliveries" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Store – conversation history
// ---------------------------------------------------------------------------

// StoreConfig configures the SQLite timeline.
type StoreConfig struct {
	Driver string `json:"driver" split_words:"true"`
	Path   string `json:"path" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP control surface and client events
// ---------------------------------------------------------------------------

// GatewayConfig contains gateway server settings.
type GatewayConfig struct {
	Host           string   `json:"host" split_words:"true"`
	Port           int      `json:"port" split_words:"true"`
	AllowedOrigins []string `json:"allowedOrigins" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Control – reply pacing
// ---------------------------------------------------------------------------

// ControlConfig holds the startup values of the runtime reply controls.
type ControlConfig struct {
	DelayMs            int64  `json:"delayMs" split_words:"true"`
	AutoPauseEnabled   bool   `json:"autoPauseEnabled" split_words:"true"`
	AutoPauseThreshold int    `json:"autoPauseThreshold" split_words:"true"`
	HumanID            string `json:"humanId" split_words:"true"`
}

// ---------------------------------------------------------------------------
// Programs – automated members and their models
// ---------------------------------------------------------------------------

// ProgramConfig binds an automated member to a model backend. Provider is
// one of openai (default), claude, gemini, openrouter, deepseek, groq or vllm.
// APIKeyEnv names an environment variable read when APIKey is empty.
type ProgramConfig struct {
	ID             string  `json:"id"`
	Provider       string  `json:"provider,omitempty"`
	APIKey         string  `json:"apiKey,omitempty"`
	APIKeyEnv      string  `json:"apiKeyEnv,omitempty"`
	APIBase        string  `json:"apiBase,omitempty"`
	Model          string  `json:"model,omitempty"`
	MaxTokens      int     `json:"maxTokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	AlternateRoles bool    `json:"alternateRoles,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Driver:            BrokerKafka,
			KafkaBrokers:      "localhost:9092",
			TopicPrefix:       "socmind",
			ReplicationFactor: 1,
			MaxDeliveries:     3,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.socmind/socmind.db",
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 3001,
		},
		Control: ControlConfig{
			DelayMs:            0,
			AutoPauseEnabled:   false,
			AutoPauseThreshold: 10,
			HumanID:            "flynn",
		},
	}
}
