package config

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/models"
)

func missingConfig(t *testing.T) *string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "absent.toml")
	return &path
}

// TestConfigInitialization tests basic configuration initialization
func TestConfigInitialization(t *testing.T) {
	cfg, transport, err := Initialize(CliFlags{})
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("Expected base URL %q, got %q", DefaultBaseURL, cfg.BaseURL)
	}
	if cfg.Upload.Concurrency != DefaultConfigUploadConcurrency {
		t.Errorf("Expected upload concurrency %d, got %d", DefaultConfigUploadConcurrency, cfg.Upload.Concurrency)
	}
	if cfg.Upload.FileNamePattern != DefaultConfigUploadFileNamePattern {
		t.Errorf("Expected file name pattern %q, got %q", DefaultConfigUploadFileNamePattern, cfg.Upload.FileNamePattern)
	}
	if cfg.Publish.DefaultBaseModel != DefaultConfigPublishDefaultBaseModel {
		t.Errorf("Expected default base model %q, got %q", DefaultConfigPublishDefaultBaseModel, cfg.Publish.DefaultBaseModel)
	}
	if cfg.List.MaxEmptyPages != DefaultConfigListMaxEmptyPages {
		t.Errorf("Expected max empty pages %d, got %d", DefaultConfigListMaxEmptyPages, cfg.List.MaxEmptyPages)
	}
	if _, ok := transport.(*api.PacingTransport); !ok {
		t.Errorf("Expected requests to be paced by default, got %T", transport)
	}
}

// TestExplicitConfigFileMustExist checks that a named but missing file is an error
func TestExplicitConfigFileMustExist(t *testing.T) {
	if _, _, err := Initialize(CliFlags{ConfigFilePath: missingConfig(t)}); err == nil {
		t.Fatal("Expected an error for a missing config file")
	}
}

// TestPrecedence checks defaults < file < environment < flags
func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
SessionFile = "from-file.json"
ApiDelayMs = 0
MaxRetries = 7

[Upload]
Concurrency = 5
FileNamePattern = "{modelName}_{fileName}"

[Publish]
DefaultBaseModel = "SDXL 1.0"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CIVITAI_MAXRETRIES", "9")
	t.Setenv("CIVITAI_UPLOAD_CONCURRENCY", "6")
	t.Setenv("HF_TOKEN", "hf_secret")

	concurrency := 8
	flags := CliFlags{
		ConfigFilePath: &path,
		Upload:         &CliUploadFlags{Concurrency: &concurrency},
	}
	cfg, transport, err := Initialize(flags)
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}

	if cfg.SessionFile != "from-file.json" {
		t.Errorf("Expected session file from config file, got %q", cfg.SessionFile)
	}
	if cfg.Publish.DefaultBaseModel != "SDXL 1.0" {
		t.Errorf("Expected base model from config file, got %q", cfg.Publish.DefaultBaseModel)
	}
	if cfg.MaxRetries != 9 {
		t.Errorf("Expected MaxRetries 9 from environment, got %d", cfg.MaxRetries)
	}
	if cfg.Upload.Concurrency != 8 {
		t.Errorf("Expected upload concurrency 8 from flags, got %d", cfg.Upload.Concurrency)
	}
	if cfg.Upload.FileNamePattern != "{modelName}_{fileName}" {
		t.Errorf("Unexpected file name pattern %q", cfg.Upload.FileNamePattern)
	}
	if cfg.HFToken != "hf_secret" {
		t.Errorf("Expected HF token from HF_TOKEN")
	}
	if Redacted(cfg).HFToken == "hf_secret" {
		t.Error("Redacted config still carries the token")
	}
	if _, paced := transport.(*api.PacingTransport); paced {
		t.Error("ApiDelayMs = 0 must disable pacing")
	}
}

// TestFlagOverrides tests that CLI flags override default values
func TestFlagOverrides(t *testing.T) {
	baseURL := "http://localhost:3000"
	ledger := filepath.Join(t.TempDir(), "ledger.db")
	skip := true
	limit := 10
	post := true
	flags := CliFlags{
		ConfigFilePath: nil,
		BaseURL:        &baseURL,
		DatabasePath:   &ledger,
		Upload:         &CliUploadFlags{SkipBlurhash: &skip},
		List:           &CliListFlags{Limit: &limit},
		Publish:        &CliPublishFlags{PublishPost: &post},
	}

	cfg, _, err := Initialize(flags)
	if err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	if cfg.BaseURL != baseURL || cfg.DatabasePath != ledger {
		t.Errorf("Flags not applied: %s %s", cfg.BaseURL, cfg.DatabasePath)
	}
	if !cfg.Upload.SkipBlurhash || cfg.List.Limit != 10 || !cfg.Publish.PublishPost {
		t.Errorf("Nested flags not applied: %+v %+v %+v", cfg.Upload, cfg.List, cfg.Publish)
	}
}

// TestConfigValidation tests configuration validation for critical values
func TestConfigValidation(t *testing.T) {
	valid := func() models.Config {
		return models.Config{
			BaseURL:      DefaultBaseURL,
			DatabasePath: "ledger.db",
			LogLevel:     "info",
			LogFormat:    "text",
			Upload:       models.UploadConfig{Concurrency: 1, ImageConcurrency: 1},
		}
	}
	if err := Validate(valid()); err != nil {
		t.Fatalf("Expected valid config, got %v", err)
	}

	tests := map[string]func(*models.Config){
		"empty base url":     func(c *models.Config) { c.BaseURL = "" },
		"empty ledger":       func(c *models.Config) { c.DatabasePath = "" },
		"zero concurrency":   func(c *models.Config) { c.Upload.Concurrency = 0 },
		"negative retries":   func(c *models.Config) { c.MaxRetries = -1 },
		"bad log format":     func(c *models.Config) { c.LogFormat = "xml" },
		"bad log level":      func(c *models.Config) { c.LogLevel = "loud" },
		"unknown pattern":    func(c *models.Config) { c.Upload.FileNamePattern = "{creatorName}" },
		"separator in name":  func(c *models.Config) { c.Upload.FileNamePattern = "a/{fileName}" },
		"negative transfers": func(c *models.Config) { c.Upload.TransferTimeoutSec = -5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

// TestHTTPTransportCreation tests the transport chain
func TestHTTPTransportCreation(t *testing.T) {
	transport := NewTransport(models.Config{})
	if _, ok := transport.(*http.Transport); !ok {
		t.Fatalf("Expected bare transport without pacing or logging, got %T", transport)
	}

	logPath := filepath.Join(t.TempDir(), "api.log")
	transport = NewTransport(models.Config{LogApiRequests: true, ApiLogPath: logPath, APIDelayMs: 10})
	paced, ok := transport.(*api.PacingTransport)
	if !ok {
		t.Fatalf("Expected pacing outermost, got %T", transport)
	}
	logging, ok := paced.Transport.(*api.LoggingTransport)
	if !ok {
		t.Fatalf("Expected logging inside pacing, got %T", paced.Transport)
	}
	defer logging.Close()
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("Expected API log file to be created: %v", err)
	}
}
