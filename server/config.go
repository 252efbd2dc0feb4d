// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeduelhq/codeduel/pkg/flags"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the arena core configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetDatabase() *DatabaseConfig
	GetStateStore() *StateStoreConfig
	GetMatch() *MatchConfig
	GetMatchmaker() *MatchmakerConfig
	GetGrader() *GraderConfig
	GetChat() *ChatConfig

	Clone() (Config, error)
}

// ParseArgs loads the optional YAML config file named by --config, then
// applies command line overrides field by field.
func ParseArgs(logger *zap.Logger, args []string) Config {
	filePathFlagSet := flag.NewFlagSet("codeduel", flag.ContinueOnError)
	filePathFlagSet.SetOutput(io.Discard)
	configFilePath := filePathFlagSet.String("config", "", "The absolute file path to the configuration YAML file.")
	_ = filePathFlagSet.Parse(args[1:])

	mainConfig := NewConfig(logger)
	if *configFilePath != "" {
		data, err := os.ReadFile(*configFilePath)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", *configFilePath), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, mainConfig); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", *configFilePath), zap.Error(err))
		}
		mainConfig.ConfigFile = *configFilePath
	}

	flagSet := flag.NewFlagSet("codeduel", flag.ExitOnError)
	fm := flags.NewMaker(flags.MakerOptions{
		UseLowerCase: true,
		TagName:      "yaml",
		TagUsage:     "usage",
	}, flagSet)
	if _, err := fm.ParseArgs(mainConfig, args[1:]); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	mainConfig.Validate(logger)
	return mainConfig
}

type config struct {
	Name             string            `yaml:"name" json:"name" usage:"Node name - must be unique per process."`
	ConfigFile       string            `yaml:"config" json:"config" usage:"The absolute file path to the configuration YAML file."`
	Datadir          string            `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where the server stores its data."`
	ShutdownGraceSec int               `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for in-flight matches to terminate on shutdown. Default 0 terminates immediately."`
	Logger           *LoggerConfig     `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics          *MetricsConfig    `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Socket           *SocketConfig     `yaml:"socket" json:"socket" usage:"Socket settings."`
	Session          *SessionConfig    `yaml:"session" json:"session" usage:"Session token settings."`
	Database         *DatabaseConfig   `yaml:"database" json:"database" usage:"Database connection settings."`
	StateStore       *StateStoreConfig `yaml:"state_store" json:"state_store" usage:"Shared state store settings."`
	Match            *MatchConfig      `yaml:"match" json:"match" usage:"Match runtime settings."`
	Matchmaker       *MatchmakerConfig `yaml:"matchmaker" json:"matchmaker" usage:"Matchmaker settings."`
	Grader           *GraderConfig     `yaml:"grader" json:"grader" usage:"Grader client settings."`
	Chat             *ChatConfig       `yaml:"chat" json:"chat" usage:"In-match chat settings."`
}

// NewConfig constructs a Config struct which represents server settings, with
// defaults every value can run on locally.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory", zap.Error(err))
	}
	return &config{
		Name:             "codeduel-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3],
		Datadir:          filepath.Join(cwd, "data"),
		ShutdownGraceSec: 0,
		Logger:           NewLoggerConfig(),
		Metrics:          NewMetricsConfig(),
		Socket:           NewSocketConfig(),
		Session:          NewSessionConfig(),
		Database:         NewDatabaseConfig(),
		StateStore:       NewStateStoreConfig(),
		Match:            NewMatchConfig(),
		Matchmaker:       NewMatchmakerConfig(),
		Grader:           NewGraderConfig(),
		Chat:             NewChatConfig(),
	}
}

// Validate fails fast on configuration values the runtime cannot operate with.
func (c *config) Validate(logger *zap.Logger) {
	if c.Name == "" {
		logger.Fatal("Name must be set", zap.String("param", "name"))
	}
	if c.Session.EncryptionKey == "" {
		logger.Fatal("Session encryption key must be set", zap.String("param", "session.encryption_key"))
	}
	if c.Session.EncryptionKey == defaultEncryptionKey {
		logger.Warn("WARNING: insecure default parameter value, change this before running in production!", zap.String("param", "session.encryption_key"))
	}
	if c.Socket.PingPeriodMs >= c.Socket.PongWaitMs {
		logger.Fatal("Ping period value must be less than pong wait value",
			zap.Int("socket.ping_period_ms", c.Socket.PingPeriodMs), zap.Int("socket.pong_wait_ms", c.Socket.PongWaitMs))
	}
	if c.Match.CallQueueSize < 1 {
		logger.Fatal("Match call queue size must be >= 1", zap.Int("match.call_queue_size", c.Match.CallQueueSize))
	}
	if c.Match.MaxCount < 1 {
		logger.Fatal("Match count cap must be >= 1", zap.Int("match.max_count", c.Match.MaxCount))
	}
	if c.Match.GradingBudgetSec < 1 {
		logger.Fatal("Grading budget must be at least 1 second", zap.Int("match.grading_budget_sec", c.Match.GradingBudgetSec))
	}
	if len(c.Match.LanguageWhitelist) == 0 {
		logger.Fatal("Language whitelist must not be empty", zap.String("param", "match.language_whitelist"))
	}
	if c.Matchmaker.IntervalSec < 1 {
		logger.Fatal("Matchmaker interval must be at least 1 second", zap.Int("matchmaker.interval_sec", c.Matchmaker.IntervalSec))
	}
	if c.Matchmaker.WidenMax < c.Matchmaker.WidenStep {
		logger.Fatal("Matchmaker widening cap must be >= widening step",
			zap.Int("matchmaker.widen_max", c.Matchmaker.WidenMax), zap.Int("matchmaker.widen_step", c.Matchmaker.WidenStep))
	}
	if c.Chat.RatePerInterval < 1 || c.Chat.RateIntervalSec < 1 {
		logger.Fatal("Chat rate limit values must be >= 1",
			zap.Int("chat.rate_per_interval", c.Chat.RatePerInterval), zap.Int("chat.rate_interval_sec", c.Chat.RateIntervalSec))
	}
}

func (c *config) Clone() (Config, error) {
	configLogger := *c.Logger
	configMetrics := *c.Metrics
	configSocket := *c.Socket
	configSession := *c.Session
	configDatabase := *c.Database
	configStateStore := *c.StateStore
	configMatch := *c.Match
	configMatchmaker := *c.Matchmaker
	configGrader := *c.Grader
	configChat := *c.Chat
	nc := &config{
		Name:             c.Name,
		ConfigFile:       c.ConfigFile,
		Datadir:          c.Datadir,
		ShutdownGraceSec: c.ShutdownGraceSec,
		Logger:           &configLogger,
		Metrics:          &configMetrics,
		Socket:           &configSocket,
		Session:          &configSession,
		Database:         &configDatabase,
		StateStore:       &configStateStore,
		Match:            &configMatch,
		Matchmaker:       &configMatchmaker,
		Grader:           &configGrader,
		Chat:             &configChat,
	}
	nc.Match.LanguageWhitelist = make([]string, len(c.Match.LanguageWhitelist))
	copy(nc.Match.LanguageWhitelist, c.Match.LanguageWhitelist)
	return nc, nil
}

func (c *config) GetName() string                  { return c.Name }
func (c *config) GetDataDir() string               { return c.Datadir }
func (c *config) GetShutdownGraceSec() int         { return c.ShutdownGraceSec }
func (c *config) GetLogger() *LoggerConfig         { return c.Logger }
func (c *config) GetMetrics() *MetricsConfig       { return c.Metrics }
func (c *config) GetSocket() *SocketConfig         { return c.Socket }
func (c *config) GetSession() *SessionConfig       { return c.Session }
func (c *config) GetDatabase() *DatabaseConfig     { return c.Database }
func (c *config) GetStateStore() *StateStoreConfig { return c.StateStore }
func (c *config) GetMatch() *MatchConfig           { return c.Match }
func (c *config) GetMatchmaker() *MatchmakerConfig { return c.Matchmaker }
func (c *config) GetGrader() *GraderConfig         { return c.Grader }
func (c *config) GetChat() *ChatConfig             { return c.Chat }

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb" usage:"The maximum size in megabytes of the log file before it gets rotated. Default 100."`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. Default is to retain all."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. Default is to retain all."`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"Use local time in rotated log file names. Default is UTC."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"Compress rotated log files. Default false."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:     "info",
		Stdout:    true,
		File:      "",
		Format:    "json",
		MaxSizeMB: 100,
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for metrics emitted by this server. Default is empty."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus on. If '0' Prometheus exports are disabled. Default 9100."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'codeduel', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		PrometheusPort:   9100,
		Prefix:           "codeduel",
	}
}

// SocketConfig is configuration relevant to the client socket endpoint.
type SocketConfig struct {
	Address             string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses/interfaces."`
	Port                int    `yaml:"port" json:"port" usage:"The port for accepting connections from clients. Default 7350."`
	MaxMessageSizeBytes int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message. Default 65536."`
	ReadTimeoutMs       int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire HTTP request. Default 10000."`
	WriteTimeoutMs      int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the HTTP response. Default 10000."`
	IdleTimeoutMs       int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled. Default 60000."`
	WriteWaitMs         int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data. Default 10000."`
	PongWaitMs          int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait between pong messages received from the client. Default 25000."`
	PingPeriodMs        int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between sending ping messages to the client. This value must be less than the pong_wait_ms. Default 15000."`
	OutgoingQueueSize   int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of messages waiting to be sent to the client. If this is exceeded the client is considered too slow and is disconnected. Default 64."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:             "",
		Port:                7350,
		MaxMessageSizeBytes: 65536,
		ReadTimeoutMs:       10000,
		WriteTimeoutMs:      10000,
		IdleTimeoutMs:       60000,
		WriteWaitMs:         10000,
		PongWaitMs:          25000,
		PingPeriodMs:        15000,
		OutgoingQueueSize:   64,
	}
}

const defaultEncryptionKey = "defaultencryptionkey"

// SessionConfig is configuration relevant to session token handling.
type SessionConfig struct {
	EncryptionKey  string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to verify session tokens presented on socket connect."`
	TokenExpirySec int64  `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Token expiry in seconds. Default 7200."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey:  defaultEncryptionKey,
		TokenExpirySec: 7200,
	}
}

// DatabaseConfig is configuration relevant to the persistent store.
type DatabaseConfig struct {
	Address           string `yaml:"address" json:"address" usage:"Fully qualified address of the Postgres server. Default postgres://root@127.0.0.1:5432/codeduel."`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created. Default 3600000 (1 hour)."`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database. Default 100."`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database. Default 100."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Address:           "postgres://root@127.0.0.1:5432/codeduel",
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      100,
		MaxIdleConns:      100,
	}
}

// StateStoreConfig is configuration relevant to the shared state store.
type StateStoreConfig struct {
	Address  string `yaml:"address" json:"address" usage:"Redis server address. Default 127.0.0.1:6379."`
	Password string `yaml:"password" json:"password" usage:"Redis password. Default empty."`
	DB       int    `yaml:"db" json:"db" usage:"Redis database index. Default 0."`
	Prefix   string `yaml:"prefix" json:"prefix" usage:"Prefix applied to every key written by this server. Default 'cd:'."`
}

func NewStateStoreConfig() *StateStoreConfig {
	return &StateStoreConfig{
		Address: "127.0.0.1:6379",
		DB:      0,
		Prefix:  "cd:",
	}
}

// MatchConfig is configuration relevant to the per-match runtime.
type MatchConfig struct {
	CallQueueSize         int      `yaml:"call_queue_size" json:"call_queue_size" usage:"Size of the match runtime command mailbox. Default 128."`
	MaxCount              int      `yaml:"max_count" json:"max_count" usage:"Maximum number of concurrent matches this process will host. Default 1000."`
	StartingCountdownSec  int      `yaml:"starting_countdown_sec" json:"starting_countdown_sec" usage:"Countdown between all players ready and the first round opening. Default 3."`
	AutoStartAfterSec     int      `yaml:"auto_start_after_sec" json:"auto_start_after_sec" usage:"Auto-start delay once the minimum player count is connected, even without explicit readies. Default 10."`
	ConfirmWindowSec      int      `yaml:"confirm_window_sec" json:"confirm_window_sec" usage:"Time paired players have to confirm a found match. Default 10."`
	GraceDisconnectSec    int      `yaml:"grace_disconnect_sec" json:"grace_disconnect_sec" usage:"Time a disconnected player retains their slot mid-match. Default 60."`
	GradingBudgetSec      int      `yaml:"grading_budget_sec" json:"grading_budget_sec" usage:"Deadline for grading a round before fallback verdicts apply. Default 30."`
	MaxCodeSizeBytes      int      `yaml:"max_code_size_bytes" json:"max_code_size_bytes" usage:"Maximum size of a single submission in bytes. Default 51200."`
	MaxRounds             int      `yaml:"max_rounds" json:"max_rounds" usage:"Upper bound on rounds in a custom match. Default 10."`
	MaxPlayersCap         int      `yaml:"max_players_cap" json:"max_players_cap" usage:"Upper bound on players in a custom match. Default 8."`
	RetentionCompletedSec int      `yaml:"retention_completed_sec" json:"retention_completed_sec" usage:"How long a completed match stays resident for late resyncs. Default 300."`
	RetentionCancelledSec int      `yaml:"retention_cancelled_sec" json:"retention_cancelled_sec" usage:"How long a cancelled match stays resident. Default 600."`
	StaleWaitingSec       int      `yaml:"stale_waiting_sec" json:"stale_waiting_sec" usage:"Age after which a lobby that never started is cancelled. Default 1800."`
	SnapshotTTLSec        int      `yaml:"snapshot_ttl_sec" json:"snapshot_ttl_sec" usage:"TTL in seconds on match snapshots kept in the state store. Default 86400."`
	LanguageWhitelist     []string `yaml:"language_whitelist" json:"language_whitelist" usage:"Languages accepted for submissions."`
}

func NewMatchConfig() *MatchConfig {
	return &MatchConfig{
		CallQueueSize:         128,
		MaxCount:              1000,
		StartingCountdownSec:  3,
		AutoStartAfterSec:     10,
		ConfirmWindowSec:      10,
		GraceDisconnectSec:    60,
		GradingBudgetSec:      30,
		MaxCodeSizeBytes:      51200,
		MaxRounds:             10,
		MaxPlayersCap:         8,
		RetentionCompletedSec: 300,
		RetentionCancelledSec: 600,
		StaleWaitingSec:       1800,
		SnapshotTTLSec:        86400,
		LanguageWhitelist:     []string{"python", "java", "javascript", "c", "cpp"},
	}
}

// MatchmakerConfig is configuration relevant to the matchmaker.
type MatchmakerConfig struct {
	IntervalSec      int `yaml:"interval_sec" json:"interval_sec" usage:"How quickly the matchmaker attempts to form matches, in seconds. Default 1."`
	BucketWidth      int `yaml:"bucket_width" json:"bucket_width" usage:"Rating width of one queue bucket. Default 100."`
	WidenStep        int `yaml:"widen_step" json:"widen_step" usage:"Rating window growth per widening interval. Default 50."`
	WidenIntervalSec int `yaml:"widen_interval_sec" json:"widen_interval_sec" usage:"Seconds of waiting between window widenings. Default 5."`
	WidenMax         int `yaml:"widen_max" json:"widen_max" usage:"Maximum rating window half-width. Default 500."`
	FillDeadlineSec  int `yaml:"fill_deadline_sec" json:"fill_deadline_sec" usage:"Wait before a multiplayer queue relaxes to the largest available group. Default 30."`
	MaxTickets       int `yaml:"max_tickets" json:"max_tickets" usage:"Maximum concurrent matchmaking tickets per player. Default 1."`
}

func NewMatchmakerConfig() *MatchmakerConfig {
	return &MatchmakerConfig{
		IntervalSec:      1,
		BucketWidth:      100,
		WidenStep:        50,
		WidenIntervalSec: 5,
		WidenMax:         500,
		FillDeadlineSec:  30,
		MaxTickets:       1,
	}
}

// GraderConfig is configuration relevant to the external grader service.
type GraderConfig struct {
	Endpoint         string `yaml:"endpoint" json:"endpoint" usage:"Base URL of the grader service. Default http://127.0.0.1:8090."`
	AuthToken        string `yaml:"auth_token" json:"auth_token" usage:"Bearer token attached to grader requests. Default empty."`
	RequestTimeoutMs int    `yaml:"request_timeout_ms" json:"request_timeout_ms" usage:"Transport-level cap on a single grader call in milliseconds. Default 35000."`
	HintLimit        int    `yaml:"hint_limit" json:"hint_limit" usage:"Hints a player may request per match. Default 3."`
}

func NewGraderConfig() *GraderConfig {
	return &GraderConfig{
		Endpoint:         "http://127.0.0.1:8090",
		RequestTimeoutMs: 35000,
		HintLimit:        3,
	}
}

// ChatConfig is configuration relevant to in-match chat.
type ChatConfig struct {
	RatePerInterval int `yaml:"rate_per_interval" json:"rate_per_interval" usage:"Messages allowed per rate interval per connection. Default 10."`
	RateIntervalSec int `yaml:"rate_interval_sec" json:"rate_interval_sec" usage:"Length of the chat rate-limit interval in seconds. Default 10."`
	HistorySize     int `yaml:"history_size" json:"history_size" usage:"Chat messages retained per match for replay to late joiners. Default 200."`
	MaxMessageLen   int `yaml:"max_message_len" json:"max_message_len" usage:"Maximum chat message length in characters. Default 200."`
}

func NewChatConfig() *ChatConfig {
	return &ChatConfig{
		RatePerInterval: 10,
		RateIntervalSec: 10,
		HistorySize:     200,
		MaxMessageLen:   200,
	}
}
