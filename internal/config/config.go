// Package config provides configuration types and loading for sysagent.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Model     ModelConfig     `json:"model"`
	Agent     AgentConfig     `json:"agent"`
	Container ContainerConfig `json:"container"`
	Tools     ToolsConfig     `json:"tools"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	EventLog  EventLogConfig  `json:"eventLog"`
	Log       LogConfig       `json:"log"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	// Workspace is the host directory mounted at /workspace in the container.
	Workspace string `json:"workspace" envconfig:"WORKSPACE"`
	Skills    string `json:"skills" envconfig:"SKILLS"`
	// Data holds sessions, the event database and the scheduler lock.
	Data string `json:"data" envconfig:"DATA"`
}

// ---------------------------------------------------------------------------
// Model – LLM endpoint and sampling
// ---------------------------------------------------------------------------

// ModelConfig configures the OpenAI-compatible model endpoint.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"NAME"`
	APIKey      string  `json:"apiKey" envconfig:"API_KEY"`
	APIBase     string  `json:"apiBase" envconfig:"API_BASE"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxRetries  int     `json:"maxRetries" envconfig:"MAX_RETRIES"`
}

// ---------------------------------------------------------------------------
// Agent – conversation loop
// ---------------------------------------------------------------------------

// AgentConfig configures the conversation loop and confirmation gate.
type AgentConfig struct {
	MaxToolIterations int `json:"maxToolIterations" envconfig:"MAX_TOOL_ITERATIONS"`
	// Whitelist names capabilities that run without confirmation.
	Whitelist []string `json:"whitelist" envconfig:"WHITELIST"`
	// ConfirmTimeout bounds the wait for a reviewer. Zero waits forever.
	ConfirmTimeout      time.Duration `json:"confirmTimeout" envconfig:"CONFIRM_TIMEOUT"`
	PersistConversation bool          `json:"persistConversation" envconfig:"PERSIST_CONVERSATION"`
	// CompressAfter summarizes persisted history longer than this many
	// messages. Zero disables compression.
	CompressAfter int `json:"compressAfter" envconfig:"COMPRESS_AFTER"`
}

// ---------------------------------------------------------------------------
// Container – execution environment
// ---------------------------------------------------------------------------

// ContainerConfig selects the container backing the workspace.
type ContainerConfig struct {
	// Runtime is podman, docker or local. Local runs commands on the host
	// inside the workspace directory.
	Runtime string `json:"runtime" envconfig:"RUNTIME"`
	Name    string `json:"name" envconfig:"NAME"`
	Image   string `json:"image" envconfig:"IMAGE"`
	Shell   string `json:"shell" envconfig:"EXEC_SHELL"`
}

// ---------------------------------------------------------------------------
// Tools – capability behaviour
// ---------------------------------------------------------------------------

// ToolsConfig contains capability settings.
type ToolsConfig struct {
	Timeout     time.Duration `json:"timeout" envconfig:"TIMEOUT"`
	OutputLimit int           `json:"outputLimit" envconfig:"OUTPUT_LIMIT"`
	MaxResults  int           `json:"maxResults" envconfig:"MAX_RESULTS"`
}

// ---------------------------------------------------------------------------
// Scheduler – event queue consumer
// ---------------------------------------------------------------------------

// SchedulerConfig configures heartbeats and the event queue.
type SchedulerConfig struct {
	WakeInterval     time.Duration `json:"wakeInterval" envconfig:"WAKE_INTERVAL"`
	InitialHeartbeat bool          `json:"initialHeartbeat" envconfig:"INITIAL_HEARTBEAT"`
	Mute             bool          `json:"mute" envconfig:"MUTE"`
	QueueCapacity    int           `json:"queueCapacity" envconfig:"QUEUE_CAPACITY"`
}

// ---------------------------------------------------------------------------
// Channels – output destinations
// ---------------------------------------------------------------------------

// ChannelsConfig configures where answers go.
type ChannelsConfig struct {
	// Default is the destination hint for heartbeat reports and answers
	// without a routable hint, e.g. "console" or "slack:C0123".
	Default string      `json:"default" envconfig:"DEFAULT"`
	Slack   SlackConfig `json:"slack"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"ENABLED"`
	BotToken string `json:"botToken" envconfig:"BOT_TOKEN"`
	APIBase  string `json:"apiBase,omitempty" envconfig:"API_BASE"`
	// NotifyChannel receives heartbeat reports and approval prompts.
	NotifyChannel string `json:"notifyChannel" envconfig:"NOTIFY_CHANNEL"`
	// AppToken (xapp-...) enables inbound messages over Socket Mode.
	AppToken string `json:"appToken,omitempty" envconfig:"APP_TOKEN"`
	// ListenChannels limits inbound messages to these channel IDs. Empty
	// accepts every conversation the app is a member of.
	ListenChannels []string `json:"listenChannels,omitempty" envconfig:"LISTEN_CHANNELS"`
}

// ---------------------------------------------------------------------------
// Gateway – HTTP API
// ---------------------------------------------------------------------------

// GatewayConfig contains API server settings.
type GatewayConfig struct {
	Enabled   bool   `json:"enabled" envconfig:"ENABLED"`
	Host      string `json:"host" envconfig:"LISTEN_HOST"`
	Port      int    `json:"port" envconfig:"PORT"`
	AuthToken string `json:"authToken" envconfig:"AUTH_TOKEN"`
}

// ---------------------------------------------------------------------------
// EventLog – append-only record of agent activity
// ---------------------------------------------------------------------------

// EventLogConfig selects the event-log store and optional streams.
type EventLogConfig struct {
	// Driver is "sqlite" (modernc) or "sqlite3" (cgo).
	Driver string `json:"driver" envconfig:"DRIVER"`
	// Path defaults to <data>/events.db.
	Path string `json:"path" envconfig:"DB_PATH"`
	// JSONLPath additionally mirrors records to a JSON lines file.
	JSONLPath    string   `json:"jsonlPath" envconfig:"JSONL_PATH"`
	HTTPURL      string   `json:"httpUrl" envconfig:"HTTP_URL"`
	HTTPAPIKey   string   `json:"httpApiKey" envconfig:"HTTP_API_KEY"`
	KafkaBrokers []string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `json:"kafkaTopic" envconfig:"KAFKA_TOPIC"`
}

// ---------------------------------------------------------------------------
// Log – process logging
// ---------------------------------------------------------------------------

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `json:"level" envconfig:"LEVEL"`
	Format string `json:"format" envconfig:"FORMAT"` // text or json
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Workspace: "./workspace",
			Skills:    "./workspace/.skills",
			Data:      "~/.sysagent",
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			APIBase:     "https://api.openai.com/v1",
			MaxTokens:   4096,
			Temperature: 0.7,
			MaxRetries:  6,
		},
		Agent: AgentConfig{
			MaxToolIterations: 20,
		},
		Container: ContainerConfig{
			Runtime: "podman",
			Name:    "sys-agent-workspace",
			Image:   "sys-agent-workspace:latest",
			Shell:   "bash",
		},
		Tools: ToolsConfig{
			Timeout:     60 * time.Second,
			OutputLimit: 5000,
			MaxResults:  7,
		},
		Scheduler: SchedulerConfig{
			WakeInterval:  1800 * time.Second,
			QueueCapacity: 100,
		},
		Channels: ChannelsConfig{
			Default: "console",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8000,
		},
		EventLog: EventLogConfig{
			Driver:     "sqlite",
			KafkaTopic: "sysagent.events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
