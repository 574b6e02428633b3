/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT        = "5001"
	DEFAULT_TIMEZONE    = "UTC"
	DEFAULT_COUNTRYCODE = "84"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"COURIER_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"COURIER_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"COURIER_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"COURIER_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"COURIER_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"COURIER_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"COURIER_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"COURIER_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"COURIER_REDIS_SKIP_TLS_VERIFY"`
}

type NatsConfig struct {
	URL           string `json:"url" envconfig:"COURIER_NATS_URL"`
	SubjectPrefix string `json:"subject_prefix" envconfig:"COURIER_NATS_SUBJECT_PREFIX"`
}

type BusinessConfig struct {
	Timezone string `json:"timezone" envconfig:"COURIER_BUSINESS_TIMEZONE"`
}

// DispatchConfig holds the defaults applied when a dispatch trigger omits a field.
// Quiet hours are business-local "HH:MM" bounds; the window may wrap midnight.
type DispatchConfig struct {
	BatchSize       int    `json:"batch_size" envconfig:"COURIER_DISPATCH_BATCH_SIZE"`
	Concurrency     int    `json:"concurrency" envconfig:"COURIER_DISPATCH_CONCURRENCY"`
	LeaseSeconds    int    `json:"lease_seconds" envconfig:"COURIER_DISPATCH_LEASE_SECONDS"`
	LockSeconds     int    `json:"lock_seconds" envconfig:"COURIER_DISPATCH_LOCK_SECONDS"`
	QuietHoursStart string `json:"quiet_hours_start" envconfig:"COURIER_DISPATCH_QUIET_HOURS_START"`
	QuietHoursEnd   string `json:"quiet_hours_end" envconfig:"COURIER_DISPATCH_QUIET_HOURS_END"`
	Schedule        string `json:"schedule" envconfig:"COURIER_DISPATCH_SCHEDULE"`
	WakeOnInsert    bool   `json:"wake_on_insert" envconfig:"COURIER_DISPATCH_WAKE_ON_INSERT"`
}

type RetryConfig struct {
	BaseDelaySeconds int     `json:"base_delay_seconds" envconfig:"COURIER_RETRY_BASE_DELAY_SECONDS"`
	MaxDelaySeconds  int     `json:"max_delay_seconds" envconfig:"COURIER_RETRY_MAX_DELAY_SECONDS"`
	MaxRetries       int     `json:"max_retries" envconfig:"COURIER_RETRY_MAX_RETRIES"`
	JitterFraction   float64 `json:"jitter_fraction" envconfig:"COURIER_RETRY_JITTER_FRACTION"`
}

// SendLimitConfig caps provider sends per business day. Zero disables the cap.
type SendLimitConfig struct {
	DailyLimit int64 `json:"daily_limit" envconfig:"COURIER_RATE_LIMIT_DAILY_LIMIT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"COURIER_API_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"COURIER_API_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"COURIER_API_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type ProviderConfig struct {
	DryRun             bool   `json:"dry_run" envconfig:"COURIER_PROVIDER_DRY_RUN"`
	SMSURL             string `json:"sms_url" envconfig:"COURIER_PROVIDER_SMS_URL"`
	SMSAPIKey          string `json:"sms_api_key" envconfig:"COURIER_PROVIDER_SMS_API_KEY"`
	SMSSenderID        string `json:"sms_sender_id" envconfig:"COURIER_PROVIDER_SMS_SENDER_ID"`
	ChatURL            string `json:"chat_url" envconfig:"COURIER_PROVIDER_CHAT_URL"`
	ChatToken          string `json:"chat_token" envconfig:"COURIER_PROVIDER_CHAT_TOKEN"`
	NotesURL           string `json:"notes_url" envconfig:"COURIER_PROVIDER_NOTES_URL"`
	DefaultCountryCode string `json:"default_country_code" envconfig:"COURIER_PROVIDER_DEFAULT_COUNTRY_CODE"`
	TimeoutSec         int    `json:"timeout_sec" envconfig:"COURIER_PROVIDER_TIMEOUT_SEC"`
	BaseDelayMs        int    `json:"base_delay_ms" envconfig:"COURIER_PROVIDER_BASE_DELAY_MS"`
	MaxAttempts        int    `json:"max_attempts" envconfig:"COURIER_PROVIDER_MAX_ATTEMPTS"`
}

type DedupConfig struct {
	IncludeChannel bool `json:"include_channel" envconfig:"COURIER_DEDUP_INCLUDE_CHANNEL"`
}

type HealthConfig struct {
	DueSoonMinutes int `json:"due_soon_minutes" envconfig:"COURIER_HEALTH_DUE_SOON_MINUTES"`
}

// SecretsConfig holds the shared secrets of the scheduler and provider facing routes.
type SecretsConfig struct {
	Dispatch string `json:"dispatch" envconfig:"COURIER_SECRETS_DISPATCH"`
	Callback string `json:"callback" envconfig:"COURIER_SECRETS_CALLBACK"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"COURIER_SLACK_WEBHOOK_URL"`
}

type WebhookConfig struct {
	Url     string            `json:"url" envconfig:"COURIER_WEBHOOK_URL"`
	Headers map[string]string `json:"headers"`
}

type Notification struct {
	Slack   SlackWebhook  `json:"slack"`
	Webhook WebhookConfig `json:"webhook"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"COURIER_QUEUE_WEBHOOK"`
	DispatchQueue  string `json:"dispatch_queue" envconfig:"COURIER_QUEUE_DISPATCH"`
	MonitoringPort string `json:"monitoring_port" envconfig:"COURIER_QUEUE_MONITORING_PORT"`
}

type TelemetryConfig struct {
	PosthogKey      string `json:"posthog_key" envconfig:"COURIER_TELEMETRY_POSTHOG_KEY"`
	PosthogEndpoint string `json:"posthog_endpoint" envconfig:"COURIER_TELEMETRY_POSTHOG_ENDPOINT"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"COURIER_PROJECT_NAME"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Nats            NatsConfig       `json:"nats"`
	Business        BusinessConfig   `json:"business"`
	Dispatch        DispatchConfig   `json:"dispatch"`
	Retry           RetryConfig      `json:"retry"`
	SendLimit       SendLimitConfig  `json:"rate_limit"`
	RateLimit       RateLimitConfig  `json:"api_rate_limit"`
	Provider        ProviderConfig   `json:"provider"`
	Dedup           DedupConfig      `json:"dedup"`
	Health          HealthConfig     `json:"health"`
	Secrets         SecretsConfig    `json:"secrets"`
	Notification    Notification     `json:"notification"`
	Queue           QueueConfig      `json:"queue"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"COURIER_ENABLE_TELEMETRY"`
	Telemetry       TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// a missing .env is fine, real deployments set the environment directly
	_ = godotenv.Load()

	// override config from environment variables
	err = envconfig.Process("courier", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called courier.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Courier"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Business.Timezone == "" {
		cnf.Business.Timezone = DEFAULT_TIMEZONE
		log.Printf("Warning: Business timezone not specified. Using %s", DEFAULT_TIMEZONE)
	}
	if _, err := time.LoadLocation(cnf.Business.Timezone); err != nil {
		return fmt.Errorf("invalid business timezone %q: %w", cnf.Business.Timezone, err)
	}

	cnf.setDispatchDefaults()
	if err := cnf.Dispatch.validateQuietHours(); err != nil {
		return err
	}
	cnf.setRetryDefaults()
	cnf.setProviderDefaults()
	if budget := cnf.Provider.SendBudget(); cnf.LeaseDuration() <= budget {
		return fmt.Errorf("dispatch lease of %s must outlive the worst-case provider send of %s", cnf.LeaseDuration(), budget)
	}

	if cnf.Health.DueSoonMinutes <= 0 {
		cnf.Health.DueSoonMinutes = 15
	}
	if cnf.Nats.SubjectPrefix == "" {
		cnf.Nats.SubjectPrefix = "courier.messages"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = WEBHOOK_QUEUE
	}
	if cnf.Queue.DispatchQueue == "" {
		cnf.Queue.DispatchQueue = DISPATCH_QUEUE
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}
	if cnf.Telemetry.PosthogEndpoint == "" {
		cnf.Telemetry.PosthogEndpoint = "https://us.i.posthog.com"
	}

	if cnf.Secrets.Dispatch != "" && cnf.Secrets.Dispatch == cnf.Secrets.Callback {
		return errors.New("dispatch and callback secrets must differ")
	}

	cnf.setAPIRateLimitDefaults()
	return nil
}

const (
	WEBHOOK_QUEUE  = "courier_webhooks"
	DISPATCH_QUEUE = "courier_dispatch"
)

func (cnf *Configuration) setDispatchDefaults() {
	if cnf.Dispatch.BatchSize <= 0 {
		cnf.Dispatch.BatchSize = 50
	}
	if cnf.Dispatch.Concurrency <= 0 {
		cnf.Dispatch.Concurrency = 5
	}
	if cnf.Dispatch.LeaseSeconds <= 0 {
		cnf.Dispatch.LeaseSeconds = 300
	}
	if cnf.Dispatch.LockSeconds <= 0 {
		cnf.Dispatch.LockSeconds = 60
	}
	if cnf.Dispatch.Schedule == "" {
		cnf.Dispatch.Schedule = "@every 1m"
	}
}

func (cnf *Configuration) setRetryDefaults() {
	if cnf.Retry.BaseDelaySeconds <= 0 {
		cnf.Retry.BaseDelaySeconds = 60
	}
	if cnf.Retry.MaxDelaySeconds <= 0 {
		cnf.Retry.MaxDelaySeconds = 3600
	}
	if cnf.Retry.MaxDelaySeconds < cnf.Retry.BaseDelaySeconds {
		cnf.Retry.MaxDelaySeconds = cnf.Retry.BaseDelaySeconds
	}
	if cnf.Retry.MaxRetries <= 0 {
		cnf.Retry.MaxRetries = 5
	}
	if cnf.Retry.JitterFraction < 0 || cnf.Retry.JitterFraction > 1 {
		cnf.Retry.JitterFraction = 0
	}
}

func (cnf *Configuration) setProviderDefaults() {
	if cnf.Provider.DefaultCountryCode == "" {
		cnf.Provider.DefaultCountryCode = DEFAULT_COUNTRYCODE
	}
	cnf.Provider.DefaultCountryCode = strings.TrimPrefix(strings.TrimSpace(cnf.Provider.DefaultCountryCode), "+")
	if cnf.Provider.TimeoutSec <= 0 {
		cnf.Provider.TimeoutSec = 10
	}
	if cnf.Provider.BaseDelayMs <= 0 {
		cnf.Provider.BaseDelayMs = 200
	}
	if cnf.Provider.MaxAttempts <= 0 {
		cnf.Provider.MaxAttempts = 3
	}
}

func (cnf *Configuration) setAPIRateLimitDefaults() {
	// API rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}
}

func (d DispatchConfig) validateQuietHours() error {
	if d.QuietHoursStart == "" && d.QuietHoursEnd == "" {
		return nil
	}
	if _, err := time.Parse("15:04", d.QuietHoursStart); err != nil {
		return fmt.Errorf("invalid quiet_hours_start %q", d.QuietHoursStart)
	}
	if _, err := time.Parse("15:04", d.QuietHoursEnd); err != nil {
		return fmt.Errorf("invalid quiet_hours_end %q", d.QuietHoursEnd)
	}
	return nil
}

// InQuietHours reports whether local falls inside the configured quiet window.
func (d DispatchConfig) InQuietHours(local time.Time) bool {
	if d.QuietHoursStart == "" || d.QuietHoursEnd == "" {
		return false
	}
	start, err1 := time.Parse("15:04", d.QuietHoursStart)
	end, err2 := time.Parse("15:04", d.QuietHoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()
	if s == e {
		return false
	}
	if s < e {
		return minute >= s && minute < e
	}
	return minute >= s || minute < e
}

// Location returns the business timezone, falling back to UTC.
func (cnf *Configuration) Location() *time.Location {
	loc, err := time.LoadLocation(cnf.Business.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LeaseDuration is how long a dispatch lease stays valid.
func (cnf *Configuration) LeaseDuration() time.Duration {
	if cnf.Dispatch.LeaseSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(cnf.Dispatch.LeaseSeconds) * time.Second
}

// SendBudget is the longest one provider send can take with every retry
// timing out.
func (p ProviderConfig) SendBudget() time.Duration {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	budget := time.Duration(attempts) * time.Duration(p.TimeoutSec) * time.Second
	delay := time.Duration(p.BaseDelayMs) * time.Millisecond
	for i := 1; i < attempts; i++ {
		budget += delay
		delay *= 2
	}
	return budget
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(logger.Writer())
}
