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
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT              = "5001"
	DEFAULT_RECEIPT_VIEW_BASE = "https://check.ofd.ru/rec"
	DEFAULT_TIMEZONE          = "Europe/Moscow"
	DEFAULT_SETTLEMENT_QUEUE  = "settlements"
	DEFAULT_LOOKUP_QUEUE      = "receipt_lookups"
	DEFAULT_WEBHOOK_QUEUE     = "webhooks"
	DEFAULT_MONITORING_PORT   = "5004"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"KASSAFLOW_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"KASSAFLOW_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"KASSAFLOW_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"KASSAFLOW_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"KASSAFLOW_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"KASSAFLOW_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"KASSAFLOW_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"KASSAFLOW_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"KASSAFLOW_REDIS_SKIP_TLS_VERIFY"`
}

// IssuerConfig describes the fiscal receipt issuer account the engine
// authenticates with and the organization printed on direct-sale receipts.
type IssuerConfig struct {
	BaseURL         string `json:"base_url" envconfig:"KASSAFLOW_ISSUER_BASE_URL"`
	Login           string `json:"login" envconfig:"KASSAFLOW_ISSUER_LOGIN"`
	Password        string `json:"password" envconfig:"KASSAFLOW_ISSUER_PASSWORD"`
	Inn             string `json:"inn" envconfig:"KASSAFLOW_ISSUER_INN"`
	OrgName         string `json:"org_name" envconfig:"KASSAFLOW_ISSUER_ORG_NAME"`
	TaxationSystem  string `json:"taxation_system" envconfig:"KASSAFLOW_ISSUER_TAXATION_SYSTEM"`
	CallbackURL     string `json:"callback_url" envconfig:"KASSAFLOW_ISSUER_CALLBACK_URL"`
	ReceiptViewBase string `json:"receipt_view_base" envconfig:"KASSAFLOW_ISSUER_RECEIPT_VIEW_BASE"`
	Timezone        string `json:"timezone" envconfig:"KASSAFLOW_ISSUER_TIMEZONE"`
	TimeoutSec      int    `json:"timeout_sec" envconfig:"KASSAFLOW_ISSUER_TIMEOUT_SEC"`
}

type TaskSystemConfig struct {
	BaseURL    string `json:"base_url" envconfig:"KASSAFLOW_TASK_SYSTEM_BASE_URL"`
	Token      string `json:"token" envconfig:"KASSAFLOW_TASK_SYSTEM_TOKEN"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"KASSAFLOW_TASK_SYSTEM_TIMEOUT_SEC"`
}

type WebhookConfig struct {
	Secret string `json:"secret" envconfig:"KASSAFLOW_WEBHOOK_SECRET"`
}

type WorkersConfig struct {
	ScheduleIntervalSec int `json:"schedule_interval_sec" envconfig:"KASSAFLOW_WORKERS_SCHEDULE_INTERVAL_SEC"`
	RepairIntervalSec   int `json:"repair_interval_sec" envconfig:"KASSAFLOW_WORKERS_REPAIR_INTERVAL_SEC"`
	LookupIntervalMs    int `json:"lookup_interval_ms" envconfig:"KASSAFLOW_WORKERS_LOOKUP_INTERVAL_MS"`
	LookupAttempts      int `json:"lookup_attempts" envconfig:"KASSAFLOW_WORKERS_LOOKUP_ATTEMPTS"`
	RepairBatch         int `json:"repair_batch" envconfig:"KASSAFLOW_WORKERS_REPAIR_BATCH"`
	FullReceiptHour     int `json:"full_receipt_hour" envconfig:"KASSAFLOW_WORKERS_FULL_RECEIPT_HOUR"`
	Concurrency         int `json:"concurrency" envconfig:"KASSAFLOW_WORKERS_CONCURRENCY"`
}

type QueueConfig struct {
	SettlementQueue string `json:"settlement_queue" envconfig:"KASSAFLOW_QUEUE_SETTLEMENT"`
	LookupQueue     string `json:"lookup_queue" envconfig:"KASSAFLOW_QUEUE_LOOKUP"`
	WebhookQueue    string `json:"webhook_queue" envconfig:"KASSAFLOW_QUEUE_WEBHOOK"`
	MonitoringPort  string `json:"monitoring_port" envconfig:"KASSAFLOW_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"KASSAFLOW_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"KASSAFLOW_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"KASSAFLOW_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"KASSAFLOW_TELEMETRY_ENABLED"`
	Endpoint string `json:"endpoint" envconfig:"KASSAFLOW_TELEMETRY_ENDPOINT"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"KASSAFLOW_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Issuer       IssuerConfig     `json:"issuer"`
	TaskSystem   TaskSystemConfig `json:"task_system"`
	Webhook      WebhookConfig    `json:"webhook"`
	Workers      WorkersConfig    `json:"workers"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
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

	// override config from environment variables
	err = envconfig.Process("kassaflow", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called kassaflow.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Kassaflow"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Issuer.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Issuer.BaseURL), "/")
	cnf.TaskSystem.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.TaskSystem.BaseURL), "/")

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Issuer.ReceiptViewBase == "" {
		cnf.Issuer.ReceiptViewBase = DEFAULT_RECEIPT_VIEW_BASE
	}
	cnf.Issuer.ReceiptViewBase = strings.TrimRight(cnf.Issuer.ReceiptViewBase, "/")

	if cnf.Issuer.Timezone == "" {
		cnf.Issuer.Timezone = DEFAULT_TIMEZONE
	}
	if _, err := time.LoadLocation(cnf.Issuer.Timezone); err != nil {
		return errors.New("issuer timezone is invalid: " + cnf.Issuer.Timezone)
	}

	if cnf.Issuer.TimeoutSec <= 0 {
		cnf.Issuer.TimeoutSec = 10
	}
	if cnf.TaskSystem.TimeoutSec <= 0 {
		cnf.TaskSystem.TimeoutSec = 15
	}

	cnf.Workers.addDefaults()
	cnf.Queue.addDefaults()

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}

	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

func (w *WorkersConfig) addDefaults() {
	if w.ScheduleIntervalSec <= 0 {
		w.ScheduleIntervalSec = 60
	}
	if w.RepairIntervalSec <= 0 {
		w.RepairIntervalSec = 600
	}
	if w.LookupIntervalMs <= 0 {
		w.LookupIntervalMs = 400
	}
	if w.LookupAttempts <= 0 {
		w.LookupAttempts = 10
	}
	if w.RepairBatch <= 0 {
		w.RepairBatch = 500
	}
	if w.FullReceiptHour <= 0 || w.FullReceiptHour > 23 {
		w.FullReceiptHour = 12
	}
	if w.Concurrency <= 0 {
		w.Concurrency = 10
	}
}

func (q *QueueConfig) addDefaults() {
	if q.SettlementQueue == "" {
		q.SettlementQueue = DEFAULT_SETTLEMENT_QUEUE
	}
	if q.LookupQueue == "" {
		q.LookupQueue = DEFAULT_LOOKUP_QUEUE
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = DEFAULT_WEBHOOK_QUEUE
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = DEFAULT_MONITORING_PORT
	}
}

// Location returns the issuer's local calendar. Settlement days and the
// full receipt due time are computed in it.
func (cnf *Configuration) Location() *time.Location {
	loc, err := time.LoadLocation(cnf.Issuer.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
