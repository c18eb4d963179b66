package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

const (
	defaultServiceName         = "alertflow"
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultMetricsPath         = "/metrics"
	defaultIngestPath          = "/ingest"
	defaultMaxBodyBytes        = 2 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "alertflow.metrics"
	defaultNATSIngestStream    = "ALERTFLOW_METRICS"
	defaultNATSIngestConsumer  = "alertflow-ingest"
	defaultNATSIngestGroup     = "alertflow-workers"
	defaultNATSIngestWorkers   = 1
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultNATSPurgeConsumer   = "alertflow-purge"
	defaultNATSPurgeGroup      = "alertflow-purge-workers"
	defaultNATSAlertBucket     = "alertflow_alerts"
	defaultResolvedTTLHours    = 24
	defaultDLQStream           = "ALERTFLOW_DLQ"
	defaultDLQSubject          = "alertflow.notify.dlq"
	defaultDLQMaxAgeHours      = 7 * 24
	defaultEvaluationSchedule  = "@every 30s"
	defaultEscalationMaxAgeMin = 60
	defaultAutoResolveMinAge   = 300
	defaultDispatchInterval    = 5
	defaultDispatchBatch       = 10
	defaultDispatchConcurrency = 5
	defaultDispatchMaxRetries  = 3
	defaultDispatchMaxQueueAge = 60
	defaultDispatchErrBackoff  = 30
	defaultDeliveryTimeoutSec  = 10
	defaultMetricsTimeoutSec   = 5
	defaultMetricsRetentionSec = 3600

	// ServiceModeNATS keeps NATS-backed alert store, DLQ, and ingest.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// MetricsSourceWindow serves values from in-process sliding window fed by ingest.
	MetricsSourceWindow = "window"
	// MetricsSourcePrometheus queries Prometheus HTTP API.
	MetricsSourcePrometheus = "prometheus"
	// MetricsSourceStatic serves fixed values from config.
	MetricsSourceStatic = "static"
)

var (
	defaultRetryDelaysSec = []int{30, 60, 300}

	legacyRuleArrayPattern    = regexp.MustCompile(`(?m)^\s*\[\[\s*rule\s*\]\]`)
	legacyChannelArrayPattern = regexp.MustCompile(`(?m)^\s*\[\[\s*channel\s*\]\]`)
	fixedNATSKeysPattern      = regexp.MustCompile(`(?si)\[\s*nats(?:\.ingest)?\s*\][^\[]*\b(?:subject|stream|consumer_name|deliver_group|alert_bucket)\s*=`)
)

// Config holds service runtime settings, rules, channels, and templates.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service       ServiceConfig       `toml:"service"`
	Log           LogConfig           `toml:"log"`
	HTTP          HTTPConfig          `toml:"http"`
	NATS          NATSConfig          `toml:"nats"`
	Evaluation    EvaluationConfig    `toml:"evaluation"`
	Dispatcher    DispatcherConfig    `toml:"dispatcher"`
	MetricsSource MetricsSourceConfig `toml:"metrics_source"`
	Rule          []RuleConfig        `toml:"rule"`
	Channel       []ChannelConfig     `toml:"channel"`
	Template      []TemplateConfig    `toml:"template"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule and channel maps keyed by table name.
type rawConfig struct {
	Service       ServiceConfig               `toml:"service"`
	Log           LogConfig                   `toml:"log"`
	HTTP          HTTPConfig                  `toml:"http"`
	NATS          NATSConfig                  `toml:"nats"`
	Evaluation    EvaluationConfig            `toml:"evaluation"`
	Dispatcher    DispatcherConfig            `toml:"dispatcher"`
	MetricsSource MetricsSourceConfig         `toml:"metrics_source"`
	Rule          map[string]rawRuleConfig    `toml:"rule"`
	Channel       map[string]rawChannelConfig `toml:"channel"`
	Template      []TemplateConfig            `toml:"template"`
}

// rawRuleConfig stores one rule body from `[rule.<id>]` table.
// Params: rule fields except key-derived id; enabled is optional and defaults to true.
// Returns: intermediate rule body used for normalization.
type rawRuleConfig struct {
	ID           string            `toml:"id"`
	Name         string            `toml:"name"`
	Description  string            `toml:"description"`
	Severity     string            `toml:"severity"`
	Enabled      *bool             `toml:"enabled"`
	Metric       string            `toml:"metric"`
	Operator     string            `toml:"operator"`
	Threshold    float64           `toml:"threshold"`
	WindowSec    int               `toml:"window_sec"`
	TriggerCount int               `toml:"trigger_count"`
	CooldownSec  int               `toml:"cooldown_sec"`
	Channels     []string          `toml:"channels"`
	Tags         []string          `toml:"tags"`
	Metadata     map[string]string `toml:"metadata"`
}

// rawChannelConfig stores one channel body from `[channel.<id>]` table.
// Params: channel fields except key-derived id; enabled is optional and defaults to true.
// Returns: intermediate channel body used for normalization.
type rawChannelConfig struct {
	ID               string            `toml:"id"`
	Type             string            `toml:"type"`
	Name             string            `toml:"name"`
	Enabled          *bool             `toml:"enabled"`
	RateLimitPerHour int               `toml:"rate_limit_per_hour"`
	PriorityFilter   string            `toml:"priority_filter"`
	Config           map[string]string `toml:"config"`
}

// ServiceConfig contains process-level settings.
// Params: service name and runtime mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// HTTPConfig configures health, readiness, metrics, and ingest endpoints.
// Params: enable flag, listen address, endpoint paths, and body size limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	IngestPath   string `toml:"ingest_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSConfig defines shared NATS connection and per-feature toggles.
// Params: URL list, resolved alert retention, DLQ toggle/retention, and ingest consumer policy.
// Returns: NATS-backed feature settings; bucket and stream names are runtime-fixed.
type NATSConfig struct {
	URL              []string         `toml:"url"`
	ResolvedTTLHours int              `toml:"resolved_ttl_hours"`
	DLQ              bool             `toml:"dlq"`
	DLQMaxAgeHours   int              `toml:"dlq_max_age_hours"`
	Ingest           NATSIngestConfig `toml:"ingest"`
}

// NATSIngestConfig configures JetStream queue-consumer metric ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// NATSStateConfig contains fixed JetStream KV controls for alert store.
// Params: URL, bucket name, bucket auto-create flag, TTL of resolved alerts, and purge consumer names.
// Returns: NATS alert store options.
type NATSStateConfig struct {
	URL                []string
	AlertBucket        string
	AllowCreateBuckets bool
	ResolvedTTL        time.Duration
	PurgeConsumerName  string
	PurgeDeliverGroup  string
}

// DeadLetterConfig contains fixed JetStream stream controls for DLQ publishing.
// Params: enable flag, URL, stream, subject, and retention.
// Returns: dead-letter sink options.
type DeadLetterConfig struct {
	Enabled     bool
	URL         []string
	Stream      string
	Subject     string
	MaxAgeHours int
}

// EvaluationConfig controls orchestrator schedule and lifecycle thresholds.
// Params: cron schedule, escalation age, auto-resolve minimum age, alert cache refresh policy, and auto-escalation switch.
// Returns: evaluation pass settings.
type EvaluationConfig struct {
	Schedule              string `toml:"schedule"`
	EscalationMaxAgeMin   int    `toml:"escalation_max_age_min"`
	AutoResolveMinAgeSec  int    `toml:"auto_resolve_min_age_sec"`
	RefreshOnEveryPass    bool   `toml:"refresh_on_every_pass"`
	DisableAutoEscalation bool   `toml:"disable_auto_escalation"`
}

// DispatcherConfig controls notification queue processing.
// Params: loop interval, batch/concurrency limits, retry policy, queue expiry, and delivery transport options.
// Returns: dispatcher settings.
type DispatcherConfig struct {
	IntervalSec        int    `toml:"interval_sec"`
	BatchSize          int    `toml:"batch_size"`
	Concurrency        int    `toml:"concurrency"`
	MaxRetries         int    `toml:"max_retries"`
	RetryDelaysSec     []int  `toml:"retry_delays_sec"`
	MaxQueueAgeMin     int    `toml:"max_queue_age_min"`
	ErrorBackoffSec    int    `toml:"error_backoff_sec"`
	DeliveryTimeoutSec int    `toml:"delivery_timeout_sec"`
	TelegramAPIBase    string `toml:"telegram_api_base"`
}

// MetricsSourceConfig selects metric provider used by rule evaluation.
// Params: provider kind, Prometheus address/timeout, window retention, and static values.
// Returns: metric provider settings.
type MetricsSourceConfig struct {
	Kind         string             `toml:"kind"`
	Address      string             `toml:"address"`
	TimeoutSec   int                `toml:"timeout_sec"`
	RetentionSec int                `toml:"retention_sec"`
	Static       map[string]float64 `toml:"static"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// RuleConfig describes one alert rule.
// Params: identity, severity, metric condition, trigger/cooldown policy, and routed channel types.
// Returns: runtime rule definition.
type RuleConfig struct {
	ID           string
	Name         string
	Description  string
	Severity     string
	Enabled      bool
	Metric       string
	Operator     string
	Threshold    float64
	WindowSec    int
	TriggerCount int
	CooldownSec  int
	Channels     []string
	Tags         []string
	Metadata     map[string]string
}

// Domain converts rule config into domain rule.
// Params: none.
// Returns: domain rule (not validated).
func (r RuleConfig) Domain() domain.AlertRule {
	channels := make([]domain.ChannelType, 0, len(r.Channels))
	for _, channel := range r.Channels {
		channels = append(channels, domain.ChannelType(strings.ToLower(strings.TrimSpace(channel))))
	}
	return domain.AlertRule{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Severity:    domain.Severity(strings.ToLower(strings.TrimSpace(r.Severity))),
		Enabled:     r.Enabled,
		Condition: domain.RuleCondition{
			MetricName:          r.Metric,
			Threshold:           r.Threshold,
			Operator:            domain.Operator(strings.TrimSpace(r.Operator)),
			EvaluationWindowSec: r.WindowSec,
		},
		TriggerCount:      r.TriggerCount,
		CooldownPeriodSec: r.CooldownSec,
		Channels:          channels,
		Tags:              append([]string(nil), r.Tags...),
		Metadata:          cloneStringMap(r.Metadata),
	}
}

// ChannelConfig describes one delivery target.
// Params: identity, channel type, type-specific config, enable flag, hourly limit, and minimum priority.
// Returns: runtime channel definition.
type ChannelConfig struct {
	ID               string
	Type             string
	Name             string
	Enabled          bool
	RateLimitPerHour int
	PriorityFilter   string
	Config           map[string]string
}

// Domain converts channel config into domain channel.
// Params: none.
// Returns: domain channel (not validated).
func (c ChannelConfig) Domain() domain.NotificationChannel {
	name := c.Name
	if strings.TrimSpace(name) == "" {
		name = c.ID
	}
	return domain.NotificationChannel{
		ID:               c.ID,
		Type:             domain.ChannelType(strings.ToLower(strings.TrimSpace(c.Type))),
		Name:             name,
		Config:           cloneStringMap(c.Config),
		Enabled:          c.Enabled,
		RateLimitPerHour: c.RateLimitPerHour,
		PriorityFilter:   domain.Priority(strings.ToLower(strings.TrimSpace(c.PriorityFilter))),
	}
}

// TemplateConfig describes one notification template from `[[template]]`.
// Params: identity, channel type, name, severity key, and text/template subject/body.
// Returns: runtime template definition.
type TemplateConfig struct {
	ID          string   `toml:"id"`
	ChannelType string   `toml:"channel_type"`
	Name        string   `toml:"name"`
	Severity    string   `toml:"severity"`
	Subject     string   `toml:"subject"`
	Body        string   `toml:"body"`
	Variables   []string `toml:"variables"`
}

// Domain converts template config into domain template.
func (t TemplateConfig) Domain() domain.NotificationTemplate {
	return domain.NotificationTemplate{
		ID:          t.ID,
		ChannelType: domain.ChannelType(strings.ToLower(strings.TrimSpace(t.ChannelType))),
		Name:        t.Name,
		Severity:    strings.ToLower(strings.TrimSpace(t.Severity)),
		Subject:     t.Subject,
		Body:        t.Body,
		Variables:   append([]string(nil), t.Variables...),
	}
}

// DomainRules converts all configured rules.
func (c Config) DomainRules() []domain.AlertRule {
	out := make([]domain.AlertRule, 0, len(c.Rule))
	for _, rule := range c.Rule {
		out = append(out, rule.Domain())
	}
	return out
}

// DomainChannels converts all configured channels.
func (c Config) DomainChannels() []domain.NotificationChannel {
	out := make([]domain.NotificationChannel, 0, len(c.Channel))
	for _, channel := range c.Channel {
		out = append(out, channel.Domain())
	}
	return out
}

// DomainTemplates converts all configured templates.
func (c Config) DomainTemplates() []domain.NotificationTemplate {
	out := make([]domain.NotificationTemplate, 0, len(c.Template))
	for _, tmpl := range c.Template {
		out = append(out, tmpl.Domain())
	}
	return out
}

// RetryDelays returns dispatcher backoff table as durations.
func (d DispatcherConfig) RetryDelays() []time.Duration {
	out := make([]time.Duration, 0, len(d.RetryDelaysSec))
	for _, seconds := range d.RetryDelaysSec {
		out = append(out, time.Duration(seconds)*time.Second)
	}
	return out
}

// DeriveStateNATSConfig builds fixed alert-store settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS KV settings.
func DeriveStateNATSConfig(cfg Config) NATSStateConfig {
	return NATSStateConfig{
		URL:                natsURLs(cfg),
		AlertBucket:        defaultNATSAlertBucket,
		AllowCreateBuckets: true,
		ResolvedTTL:        time.Duration(cfg.NATS.ResolvedTTLHours) * time.Hour,
		PurgeConsumerName:  defaultNATSPurgeConsumer,
		PurgeDeliverGroup:  defaultNATSPurgeGroup,
	}
}

// DeriveDeadLetterConfig builds fixed DLQ stream settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: DLQ sink settings; disabled in single mode.
func DeriveDeadLetterConfig(cfg Config) DeadLetterConfig {
	return DeadLetterConfig{
		Enabled:     cfg.NATS.DLQ && NormalizeServiceMode(cfg.Service.Mode) == ServiceModeNATS,
		URL:         natsURLs(cfg),
		Stream:      defaultDLQStream,
		Subject:     defaultDLQSubject,
		MaxAgeHours: cfg.NATS.DLQMaxAgeHours,
	}
}

// DeriveIngestNATSConfig returns ingest consumer settings with fixed routing keys.
// Params: full runtime configuration snapshot.
// Returns: NATS ingest settings.
func DeriveIngestNATSConfig(cfg Config) NATSIngestConfig {
	ingest := cfg.NATS.Ingest
	ingest.URL = natsURLs(cfg)
	ingest.Subject = defaultNATSSubject
	ingest.Stream = defaultNATSIngestStream
	ingest.ConsumerName = defaultNATSIngestConsumer
	ingest.DeliverGroup = defaultNATSIngestGroup
	return ingest
}

func natsURLs(cfg Config) []string {
	urls := normalizeNATSURLs(cfg.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return urls
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	HTTP struct {
		Enabled *bool `toml:"enabled"`
	} `toml:"http"`
	NATS struct {
		DLQ    *bool `toml:"dlq"`
		Ingest struct {
			Enabled *bool `toml:"enabled"`
		} `toml:"ingest"`
	} `toml:"nats"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:       raw.Service,
		Log:           raw.Log,
		HTTP:          raw.HTTP,
		NATS:          raw.NATS,
		Evaluation:    raw.Evaluation,
		Dispatcher:    raw.Dispatcher,
		MetricsSource: raw.MetricsSource,
		Template:      raw.Template,
	}

	for _, id := range sortedKeys(raw.Rule) {
		body := raw.Rule[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("rule.%s.id is not supported; use [rule.%s] key as rule id", id, id)
		}
		name := body.Name
		if strings.TrimSpace(name) == "" {
			name = id
		}
		cfg.Rule = append(cfg.Rule, RuleConfig{
			ID:           id,
			Name:         name,
			Description:  body.Description,
			Severity:     body.Severity,
			Enabled:      body.Enabled == nil || *body.Enabled,
			Metric:       body.Metric,
			Operator:     body.Operator,
			Threshold:    body.Threshold,
			WindowSec:    body.WindowSec,
			TriggerCount: body.TriggerCount,
			CooldownSec:  body.CooldownSec,
			Channels:     body.Channels,
			Tags:         body.Tags,
			Metadata:     body.Metadata,
		})
	}

	for _, id := range sortedKeys(raw.Channel) {
		body := raw.Channel[id]
		if strings.TrimSpace(body.ID) != "" {
			return Config{}, fmt.Errorf("channel.%s.id is not supported; use [channel.%s] key as channel id", id, id)
		}
		cfg.Channel = append(cfg.Channel, ChannelConfig{
			ID:               id,
			Type:             body.Type,
			Name:             body.Name,
			Enabled:          body.Enabled == nil || *body.Enabled,
			RateLimitPerHour: body.RateLimitPerHour,
			PriorityFilter:   body.PriorityFilter,
			Config:           body.Config,
		})
	}
	return cfg, nil
}

func sortedKeys[V any](items map[string]V) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("[[rule]] arrays are not supported; use [rule.<rule_id>] tables")
	}
	if legacyChannelArrayPattern.Match(body) {
		return errors.New("[[channel]] arrays are not supported; use [channel.<channel_id>] tables")
	}
	if fixedNATSKeysPattern.Match(body) {
		return errors.New("nats subject/stream/consumer_name/deliver_group/alert_bucket are fixed in runtime and must not be configured")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.HTTP != (HTTPConfig{}) || hints.HTTP.Enabled != nil {
		dst.HTTP = src.HTTP
	}
	if hasNATSConfig(src.NATS) || hints.NATS.DLQ != nil || hints.NATS.Ingest.Enabled != nil {
		dst.NATS = src.NATS
	}
	if src.Evaluation != (EvaluationConfig{}) {
		dst.Evaluation = src.Evaluation
	}
	if hasDispatcherConfig(src.Dispatcher) {
		dst.Dispatcher = src.Dispatcher
	}
	if hasMetricsSourceConfig(src.MetricsSource) {
		dst.MetricsSource = src.MetricsSource
	}
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.Channel = append(dst.Channel, src.Channel...)
	dst.Template = append(dst.Template, src.Template...)
}

func hasNATSConfig(cfg NATSConfig) bool {
	return len(cfg.URL) > 0 ||
		cfg.ResolvedTTLHours != 0 ||
		cfg.DLQ ||
		cfg.DLQMaxAgeHours != 0 ||
		cfg.Ingest.Enabled ||
		cfg.Ingest.Workers != 0 ||
		cfg.Ingest.AckWaitSec != 0 ||
		cfg.Ingest.NackDelayMS != 0 ||
		cfg.Ingest.MaxDeliver != 0 ||
		cfg.Ingest.MaxAckPending != 0
}

func hasDispatcherConfig(cfg DispatcherConfig) bool {
	return cfg.IntervalSec != 0 ||
		cfg.BatchSize != 0 ||
		cfg.Concurrency != 0 ||
		cfg.MaxRetries != 0 ||
		len(cfg.RetryDelaysSec) > 0 ||
		cfg.MaxQueueAgeMin != 0 ||
		cfg.ErrorBackoffSec != 0 ||
		cfg.DeliveryTimeoutSec != 0 ||
		cfg.TelegramAPIBase != ""
}

func hasMetricsSourceConfig(cfg MetricsSourceConfig) bool {
	return cfg.Kind != "" ||
		cfg.Address != "" ||
		cfg.TimeoutSec != 0 ||
		cfg.RetentionSec != 0 ||
		len(cfg.Static) > 0
}

// applyDefaults fills omitted settings.
// Params: decoded config.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.IngestPath) == "" {
		cfg.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.NATS.DLQ = false
		cfg.NATS.Ingest.Enabled = false
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
		if cfg.NATS.ResolvedTTLHours <= 0 {
			cfg.NATS.ResolvedTTLHours = defaultResolvedTTLHours
		}
		if cfg.NATS.DLQMaxAgeHours <= 0 {
			cfg.NATS.DLQMaxAgeHours = defaultDLQMaxAgeHours
		}
		if cfg.NATS.Ingest.Workers <= 0 {
			cfg.NATS.Ingest.Workers = defaultNATSIngestWorkers
		}
		if cfg.NATS.Ingest.AckWaitSec <= 0 {
			cfg.NATS.Ingest.AckWaitSec = defaultNATSAckWaitSec
		}
		if cfg.NATS.Ingest.NackDelayMS <= 0 {
			cfg.NATS.Ingest.NackDelayMS = defaultNATSNackDelayMS
		}
		if cfg.NATS.Ingest.MaxDeliver == 0 {
			cfg.NATS.Ingest.MaxDeliver = defaultNATSMaxDeliver
		}
		if cfg.NATS.Ingest.MaxAckPending <= 0 {
			cfg.NATS.Ingest.MaxAckPending = defaultNATSMaxAckPending
		}
	}

	if strings.TrimSpace(cfg.Evaluation.Schedule) == "" {
		cfg.Evaluation.Schedule = defaultEvaluationSchedule
	}
	if cfg.Evaluation.EscalationMaxAgeMin <= 0 {
		cfg.Evaluation.EscalationMaxAgeMin = defaultEscalationMaxAgeMin
	}
	if cfg.Evaluation.AutoResolveMinAgeSec <= 0 {
		cfg.Evaluation.AutoResolveMinAgeSec = defaultAutoResolveMinAge
	}

	if cfg.Dispatcher.IntervalSec <= 0 {
		cfg.Dispatcher.IntervalSec = defaultDispatchInterval
	}
	if cfg.Dispatcher.BatchSize <= 0 {
		cfg.Dispatcher.BatchSize = defaultDispatchBatch
	}
	if cfg.Dispatcher.Concurrency <= 0 {
		cfg.Dispatcher.Concurrency = defaultDispatchConcurrency
	}
	if cfg.Dispatcher.MaxRetries == 0 {
		cfg.Dispatcher.MaxRetries = defaultDispatchMaxRetries
	}
	if len(cfg.Dispatcher.RetryDelaysSec) == 0 {
		cfg.Dispatcher.RetryDelaysSec = append([]int(nil), defaultRetryDelaysSec...)
	}
	if cfg.Dispatcher.MaxQueueAgeMin <= 0 {
		cfg.Dispatcher.MaxQueueAgeMin = defaultDispatchMaxQueueAge
	}
	if cfg.Dispatcher.ErrorBackoffSec <= 0 {
		cfg.Dispatcher.ErrorBackoffSec = defaultDispatchErrBackoff
	}
	if cfg.Dispatcher.DeliveryTimeoutSec <= 0 {
		cfg.Dispatcher.DeliveryTimeoutSec = defaultDeliveryTimeoutSec
	}

	cfg.MetricsSource.Kind = strings.ToLower(strings.TrimSpace(cfg.MetricsSource.Kind))
	if cfg.MetricsSource.Kind == "" {
		cfg.MetricsSource.Kind = MetricsSourceWindow
	}
	if cfg.MetricsSource.TimeoutSec <= 0 {
		cfg.MetricsSource.TimeoutSec = defaultMetricsTimeoutSec
	}
	if cfg.MetricsSource.RetentionSec <= 0 {
		cfg.MetricsSource.RetentionSec = defaultMetricsRetentionSec
	}

	for i := range cfg.Rule {
		if cfg.Rule[i].TriggerCount == 0 {
			cfg.Rule[i].TriggerCount = 1
		}
	}
	for i := range cfg.Template {
		if strings.TrimSpace(cfg.Template[i].Name) == "" {
			cfg.Template[i].Name = "default"
		}
		if strings.TrimSpace(cfg.Template[i].ID) == "" {
			cfg.Template[i].ID = strings.ToLower(cfg.Template[i].ChannelType + "." + cfg.Template[i].Name + "." + cfg.Template[i].Severity)
		}
	}
}

// validateConfig checks cross-section invariants.
// Params: config with defaults applied.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if len(cfg.Rule) == 0 {
		return errors.New("at least one rule is required")
	}
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		for field, value := range map[string]string{
			"http.listen":       cfg.HTTP.Listen,
			"http.health_path":  cfg.HTTP.HealthPath,
			"http.ready_path":   cfg.HTTP.ReadyPath,
			"http.metrics_path": cfg.HTTP.MetricsPath,
			"http.ingest_path":  cfg.HTTP.IngestPath,
		} {
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("%s is required", field)
			}
		}
	}
	if mode == ServiceModeSingle && cfg.MetricsSource.Kind == MetricsSourceWindow && !cfg.HTTP.Enabled {
		return errors.New("http.enabled must be true when service.mode=single and metrics_source.kind=window")
	}
	if mode == ServiceModeNATS {
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
		if cfg.NATS.Ingest.Enabled {
			if cfg.NATS.Ingest.Workers <= 0 {
				return errors.New("nats.ingest.workers must be >0 when nats.ingest.enabled=true")
			}
			if cfg.NATS.Ingest.AckWaitSec <= 0 {
				return errors.New("nats.ingest.ack_wait_sec must be >0 when nats.ingest.enabled=true")
			}
			if cfg.NATS.Ingest.MaxDeliver == 0 || cfg.NATS.Ingest.MaxDeliver < -1 {
				return errors.New("nats.ingest.max_deliver must be -1 or >0")
			}
		}
	}

	if _, err := cron.ParseStandard(cfg.Evaluation.Schedule); err != nil {
		return fmt.Errorf("evaluation.schedule %q is invalid: %w", cfg.Evaluation.Schedule, err)
	}
	if cfg.Dispatcher.MaxRetries < 0 {
		return errors.New("dispatcher.max_retries must be >=0")
	}
	for i, delay := range cfg.Dispatcher.RetryDelaysSec {
		if delay < 0 {
			return fmt.Errorf("dispatcher.retry_delays_sec[%d] must be >=0", i)
		}
	}

	switch cfg.MetricsSource.Kind {
	case MetricsSourceWindow, MetricsSourceStatic:
	case MetricsSourcePrometheus:
		if strings.TrimSpace(cfg.MetricsSource.Address) == "" {
			return errors.New("metrics_source.address is required when metrics_source.kind=prometheus")
		}
	default:
		return fmt.Errorf("metrics_source.kind has unsupported value %q", cfg.MetricsSource.Kind)
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("rule.%s is duplicated", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		if err := rule.Domain().Validate(); err != nil {
			return fmt.Errorf("rule.%s: %w", rule.ID, err)
		}
	}

	channelIDs := make(map[string]struct{}, len(cfg.Channel))
	for _, channel := range cfg.Channel {
		if _, exists := channelIDs[channel.ID]; exists {
			return fmt.Errorf("channel.%s is duplicated", channel.ID)
		}
		channelIDs[channel.ID] = struct{}{}
		if _, err := domain.NewNotificationChannel(channel.Domain()); err != nil {
			return fmt.Errorf("channel.%s: %w", channel.ID, err)
		}
	}

	templateIDs := make(map[string]struct{}, len(cfg.Template))
	for i, tmpl := range cfg.Template {
		path := fmt.Sprintf("template[%d]", i)
		if _, exists := templateIDs[tmpl.ID]; exists {
			return fmt.Errorf("%s.id %q is duplicated", path, tmpl.ID)
		}
		templateIDs[tmpl.ID] = struct{}{}
		if !domain.ChannelType(strings.ToLower(tmpl.ChannelType)).Valid() {
			return fmt.Errorf("%s.channel_type has unsupported value %q", path, tmpl.ChannelType)
		}
		if severity := strings.ToLower(strings.TrimSpace(tmpl.Severity)); severity != "" && !domain.Severity(severity).Valid() {
			return fmt.Errorf("%s.severity has unsupported value %q", path, tmpl.Severity)
		}
		if err := validateMessageTemplate(path+".subject", tmpl.Subject); err != nil {
			return err
		}
		if err := validateMessageTemplate(path+".body", tmpl.Body); err != nil {
			return err
		}
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}

func cloneStringMap(source map[string]string) map[string]string {
	if source == nil {
		return nil
	}
	out := make(map[string]string, len(source))
	for key, value := range source {
		out[key] = value
	}
	return out
}
