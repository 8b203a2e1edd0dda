package config

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func TestValidateAndAddDefaults(t *testing.T) {
	// Test case with empty ProjectName and DataSource DNS
	cnf := Configuration{
		ProjectName: "",
		DataSource: DataSourceConfig{
			Dns: "",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}
	cnf = Configuration{
		DataSource: DataSourceConfig{
			Dns: "postgres://localhost:5432",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		ProjectName: "Test Project",
		DataSource: DataSourceConfig{
			Dns: "some-dns",
		},
		Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if cnf.Server.Port != DEFAULT_PORT {
		t.Errorf("Expected default port %s, got %s", DEFAULT_PORT, cnf.Server.Port)
	}
	if cnf.Issuer.Timezone != DEFAULT_TIMEZONE {
		t.Errorf("Expected default timezone %s, got %s", DEFAULT_TIMEZONE, cnf.Issuer.Timezone)
	}
	if cnf.Issuer.ReceiptViewBase != DEFAULT_RECEIPT_VIEW_BASE {
		t.Errorf("Expected default receipt view base, got %s", cnf.Issuer.ReceiptViewBase)
	}
	if cnf.TaskSystem.TimeoutSec != 15 {
		t.Errorf("Expected task system timeout 15, got %d", cnf.TaskSystem.TimeoutSec)
	}
	if cnf.Workers.LookupIntervalMs != 400 || cnf.Workers.FullReceiptHour != 12 {
		t.Errorf("Unexpected worker defaults: %+v", cnf.Workers)
	}
	if cnf.Queue.SettlementQueue != DEFAULT_SETTLEMENT_QUEUE {
		t.Errorf("Expected settlement queue %s, got %s", DEFAULT_SETTLEMENT_QUEUE, cnf.Queue.SettlementQueue)
	}
}

func TestValidateRejectsUnknownTimezone(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Issuer:     IssuerConfig{Timezone: "Mars/Olympus"},
	}
	if err := cnf.validateAndAddDefaults(); err == nil {
		t.Errorf("Expected timezone error, got nil")
	}
}

func TestLocation(t *testing.T) {
	cnf := Configuration{Issuer: IssuerConfig{Timezone: "Europe/Moscow"}}
	if cnf.Location().String() != "Europe/Moscow" {
		t.Errorf("Expected Europe/Moscow, got %s", cnf.Location())
	}
	cnf.Issuer.Timezone = "nowhere"
	if cnf.Location() != time.UTC {
		t.Errorf("Expected UTC fallback, got %s", cnf.Location())
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kassaflow.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource: DataSourceConfig{
			Dns: "temp-dns",
		},
		Redis: RedisConfig{
			Dns: "temp-redis",
		},
		Issuer: IssuerConfig{
			BaseURL: "https://ferma.example.com/",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	// Set an environment variable to override the project name
	os.Setenv("KASSAFLOW_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("KASSAFLOW_PROJECT_NAME")

	if err := loadConfigFromFile(tmpFile.Name()); err != nil {
		t.Fatalf("loadConfigFromFile failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "Env Project" {
		t.Errorf("Expected ProjectName to be 'Env Project', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "temp-dns" {
		t.Errorf("Expected DataSource.Dns to be 'temp-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
	if loadedConfig.Issuer.BaseURL != "https://ferma.example.com" {
		t.Errorf("Expected trailing slash trimmed, got '%s'", loadedConfig.Issuer.BaseURL)
	}
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "kassaflow.json")
	if err != nil {
		t.Fatalf("Unable to create temporary file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource: DataSourceConfig{
			Dns: "init-config-dns",
		}, Redis: RedisConfig{
			Dns: "localhost:6379",
		},
	}
	if err := json.NewEncoder(tmpFile).Encode(sampleConfig); err != nil {
		t.Fatalf("Unable to write to temporary file: %v", err)
	}
	tmpFile.Close()

	if err := InitConfig(tmpFile.Name()); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	loadedConfig, err := Fetch()
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if loadedConfig.ProjectName != "InitConfig Test" {
		t.Errorf("Expected ProjectName to be 'InitConfig Test', got '%s'", loadedConfig.ProjectName)
	}
	if loadedConfig.DataSource.Dns != "init-config-dns" {
		t.Errorf("Expected DataSource.Dns to be 'init-config-dns', got '%s'", loadedConfig.DataSource.Dns)
	}
}
