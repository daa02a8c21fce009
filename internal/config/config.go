package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/paths"
	"go-civitai-publisher/internal/session"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Default values for configuration
const (
	DefaultBaseURL             = session.DefaultBaseURL
	DefaultSessionFile         = "session.json"
	DefaultDatabasePath        = "civitai-publisher.db"
	DefaultLogApiRequests      = false
	DefaultApiLogPath          = "api.log"
	DefaultAPIDelayMs          = 200 // milliseconds
	DefaultAPIClientTimeoutSec = 60  // seconds
	DefaultMaxRetries          = 3
	DefaultInitialRetryDelayMs = 1000 // milliseconds
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultConfigFilePath      = "config.toml"

	// Upload specific defaults
	DefaultConfigUploadConcurrency        = 2
	DefaultConfigUploadImageConcurrency   = 4
	DefaultConfigUploadTransferTimeoutSec = 3600
	DefaultConfigUploadFileNamePattern    = paths.DefaultFileNamePattern
	DefaultConfigUploadSkipBlurhash       = false

	// List specific defaults
	DefaultConfigListLimit         = 50
	DefaultConfigListMaxPages      = 0 // unbounded
	DefaultConfigListMaxEmptyPages = 3

	// Publish specific defaults
	DefaultConfigPublishDefaultBaseModel = "SD 1.5"
	DefaultConfigPublishPost             = false
)

// setViperDefaults configures Viper with the application's default values.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("baseurl", DefaultBaseURL)
	v.SetDefault("sessionfile", DefaultSessionFile)
	v.SetDefault("databasepath", DefaultDatabasePath)
	v.SetDefault("logapirequests", DefaultLogApiRequests)
	v.SetDefault("apilogpath", DefaultApiLogPath)
	v.SetDefault("apidelayms", DefaultAPIDelayMs)
	v.SetDefault("apiclienttimeoutsec", DefaultAPIClientTimeoutSec)
	v.SetDefault("maxretries", DefaultMaxRetries)
	v.SetDefault("initialretrydelayms", DefaultInitialRetryDelayMs)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("logformat", DefaultLogFormat)
	v.SetDefault("csrfheader", session.DefaultCSRFHeader)
	v.SetDefault("useragent", session.DefaultUserAgent)

	// Upload defaults
	v.SetDefault("upload.concurrency", DefaultConfigUploadConcurrency)
	v.SetDefault("upload.imageconcurrency", DefaultConfigUploadImageConcurrency)
	v.SetDefault("upload.transfertimeoutsec", DefaultConfigUploadTransferTimeoutSec)
	v.SetDefault("upload.filenamepattern", DefaultConfigUploadFileNamePattern)
	v.SetDefault("upload.skipblurhash", DefaultConfigUploadSkipBlurhash)

	// List defaults
	v.SetDefault("list.limit", DefaultConfigListLimit)
	v.SetDefault("list.maxpages", DefaultConfigListMaxPages)
	v.SetDefault("list.maxemptypages", DefaultConfigListMaxEmptyPages)

	// Publish defaults
	v.SetDefault("publish.defaultbasemodel", DefaultConfigPublishDefaultBaseModel)
	v.SetDefault("publish.publishpost", DefaultConfigPublishPost)
}

// CliFlags holds pointers to values received from command-line flags.
// Nil fields indicate the flag was not provided by the user.
type CliFlags struct {
	// Global/Persistent Flags
	ConfigFilePath      *string
	LogLevel            *string // --log-level
	LogFormat           *string // --log-format
	LogApiRequests      *bool   // --log-api
	BaseURL             *string // --base-url
	SessionFile         *string // --session
	DatabasePath        *string // --ledger
	APIDelayMs          *int    // --api-delay
	APIClientTimeoutSec *int    // --api-timeout
	MaxRetries          *int    // --max-retries
	InitialRetryDelayMs *int    // --retry-delay

	// Command-specific flags nested
	Upload  *CliUploadFlags
	List    *CliListFlags
	Publish *CliPublishFlags
}

type CliUploadFlags struct {
	Concurrency        *int    // -c
	ImageConcurrency   *int    // --image-concurrency
	TransferTimeoutSec *int    // --transfer-timeout
	FileNamePattern    *string // --name-pattern
	SkipBlurhash       *bool   // --no-blurhash
}

type CliListFlags struct {
	Limit    *int // -l
	MaxPages *int // -p
}

type CliPublishFlags struct {
	DefaultBaseModel *string // --base-model
	PublishPost      *bool   // --publish-post
}

// Initialize loads configuration based on defaults, config file, environment
// and flags, and builds the HTTP transport chain every client shares.
// Precedence: Flags > Environment (CIVITAI_*) > Config File > Defaults.
func Initialize(flags CliFlags) (models.Config, http.RoundTripper, error) {
	var finalCfg models.Config

	// Initialize Viper
	v := viper.New()
	v.SetEnvPrefix("CIVITAI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("hftoken", "HF_TOKEN"); err != nil {
		return models.Config{}, nil, fmt.Errorf("binding HF_TOKEN: %w", err)
	}

	setViperDefaults(v)
	log.Debug("[Initialize] Viper defaults set.")

	// Determine config file path
	actualConfigFilePath := DefaultConfigFilePath
	if flags.ConfigFilePath != nil {
		actualConfigFilePath = *flags.ConfigFilePath
		log.Debugf("[Initialize] Using config file path from CLI flag: %s", actualConfigFilePath)
	} else {
		log.Debugf("[Initialize] Using default config file path: %s", actualConfigFilePath)
	}
	v.SetConfigFile(actualConfigFilePath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if flags.ConfigFilePath != nil {
			// A file the user named explicitly must exist and parse.
			return models.Config{}, nil, fmt.Errorf("reading config file %s: %w", actualConfigFilePath, err)
		}
		log.Debugf("[Initialize] Config file '%s' not read (%v). Using defaults, environment and CLI flags only.", actualConfigFilePath, err)
	} else {
		log.Infof("[Initialize] Successfully read config file: %s", v.ConfigFileUsed())
	}

	// Unmarshal Viper data (defaults + file + env) into the config struct.
	if err := v.Unmarshal(&finalCfg); err != nil {
		log.Errorf("[Initialize] Failed to unmarshal config from Viper: %v", err)
		return models.Config{}, nil, fmt.Errorf("failed to unmarshal config from viper: %w", err)
	}
	finalCfg.HFToken = v.GetString("hftoken")
	log.Debugf("[Initialize] After file and environment: %+v", Redacted(finalCfg))

	applyFlags(&finalCfg, flags)

	if err := Validate(finalCfg); err != nil {
		return models.Config{}, nil, err
	}

	log.Debug("Configuration initialized successfully.")
	return finalCfg, NewTransport(finalCfg), nil
}

// --- Override with CLI Flags ---
func applyFlags(cfg *models.Config, flags CliFlags) {
	if flags.BaseURL != nil {
		log.Debugf("[Initialize] Overriding BaseURL from flag: '%s'", *flags.BaseURL)
		cfg.BaseURL = *flags.BaseURL
	}
	if flags.SessionFile != nil {
		log.Debugf("[Initialize] Overriding SessionFile from flag: '%s'", *flags.SessionFile)
		cfg.SessionFile = *flags.SessionFile
	}
	if flags.DatabasePath != nil {
		log.Debugf("[Initialize] Overriding DatabasePath from flag: '%s'", *flags.DatabasePath)
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.LogApiRequests != nil {
		log.Debugf("[Initialize] Overriding LogApiRequests from flag: %v", *flags.LogApiRequests)
		cfg.LogApiRequests = *flags.LogApiRequests
	}
	if flags.APIDelayMs != nil {
		log.Debugf("[Initialize] Overriding APIDelayMs from flag: %d", *flags.APIDelayMs)
		cfg.APIDelayMs = *flags.APIDelayMs
	}
	if flags.APIClientTimeoutSec != nil {
		log.Debugf("[Initialize] Overriding APIClientTimeoutSec from flag: %d", *flags.APIClientTimeoutSec)
		cfg.APIClientTimeoutSec = *flags.APIClientTimeoutSec
	}
	if flags.MaxRetries != nil {
		log.Debugf("[Initialize] Overriding MaxRetries from flag: %d", *flags.MaxRetries)
		cfg.MaxRetries = *flags.MaxRetries
	}
	if flags.InitialRetryDelayMs != nil {
		log.Debugf("[Initialize] Overriding InitialRetryDelayMs from flag: %d", *flags.InitialRetryDelayMs)
		cfg.InitialRetryDelayMs = *flags.InitialRetryDelayMs
	}
	if flags.LogLevel != nil {
		log.Debugf("[Initialize] Overriding LogLevel from flag: '%s'", *flags.LogLevel)
		cfg.LogLevel = *flags.LogLevel
	}
	if flags.LogFormat != nil {
		log.Debugf("[Initialize] Overriding LogFormat from flag: '%s'", *flags.LogFormat)
		cfg.LogFormat = *flags.LogFormat
	}

	if flags.Upload != nil {
		log.Debug("[Config Init] Applying Upload flags...")
		if flags.Upload.Concurrency != nil {
			cfg.Upload.Concurrency = *flags.Upload.Concurrency
		}
		if flags.Upload.ImageConcurrency != nil {
			cfg.Upload.ImageConcurrency = *flags.Upload.ImageConcurrency
		}
		if flags.Upload.TransferTimeoutSec != nil {
			cfg.Upload.TransferTimeoutSec = *flags.Upload.TransferTimeoutSec
		}
		if flags.Upload.FileNamePattern != nil {
			cfg.Upload.FileNamePattern = *flags.Upload.FileNamePattern
		}
		if flags.Upload.SkipBlurhash != nil {
			cfg.Upload.SkipBlurhash = *flags.Upload.SkipBlurhash
		}
	}

	if flags.List != nil {
		log.Debug("[Config Init] Applying List flags...")
		if flags.List.Limit != nil {
			cfg.List.Limit = *flags.List.Limit
		}
		if flags.List.MaxPages != nil {
			cfg.List.MaxPages = *flags.List.MaxPages
		}
	}

	if flags.Publish != nil {
		log.Debug("[Config Init] Applying Publish flags...")
		if flags.Publish.DefaultBaseModel != nil {
			cfg.Publish.DefaultBaseModel = *flags.Publish.DefaultBaseModel
		}
		if flags.Publish.PublishPost != nil {
			cfg.Publish.PublishPost = *flags.Publish.PublishPost
		}
	}
}

// Validate rejects settings no command can work with.
func Validate(cfg models.Config) error {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return fmt.Errorf("BaseURL cannot be empty")
	}
	if cfg.DatabasePath == "" {
		return fmt.Errorf("DatabasePath cannot be empty (set via --ledger flag or DatabasePath in config)")
	}
	if cfg.Upload.Concurrency <= 0 || cfg.Upload.ImageConcurrency <= 0 {
		return fmt.Errorf("upload concurrency must be positive, got %d files / %d images", cfg.Upload.Concurrency, cfg.Upload.ImageConcurrency)
	}
	if cfg.MaxRetries < 0 || cfg.APIDelayMs < 0 || cfg.Upload.TransferTimeoutSec < 0 {
		return fmt.Errorf("MaxRetries, ApiDelayMs and TransferTimeoutSec cannot be negative")
	}
	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown LogFormat %q (text or json)", cfg.LogFormat)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); cfg.LogLevel != "" && err != nil {
		return fmt.Errorf("invalid LogLevel: %w", err)
	}
	return validateFileNamePattern(cfg.Upload.FileNamePattern)
}

// validateFileNamePattern renders the pattern against sample values so a bad
// tag is reported before any upload starts.
func validateFileNamePattern(pattern string) error {
	sample := paths.FileData("model.safetensors", "Model", "v1", "SD 1.5", 1, 1)
	if _, err := paths.GenerateDisplayName(pattern, sample); err != nil {
		return fmt.Errorf("invalid Upload.FileNamePattern: %w", err)
	}
	return nil
}

// NewTransport builds the shared transport chain: proxy-aware base transport,
// optional request log, then request pacing.
func NewTransport(cfg models.Config) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = http.ProxyFromEnvironment
	var finalTransport http.RoundTripper = base

	if cfg.LogApiRequests {
		logFilePath := cfg.ApiLogPath
		if logFilePath == "" {
			logFilePath = DefaultApiLogPath
		}
		log.Infof("API logging to file: %s", logFilePath)
		loggingTransport, err := api.NewLoggingTransport(finalTransport, logFilePath, cfg.CSRFHeader)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			finalTransport = loggingTransport
		}
	}

	if cfg.APIDelayMs > 0 {
		finalTransport = api.NewPacingTransport(finalTransport, time.Duration(cfg.APIDelayMs)*time.Millisecond)
	}
	return finalTransport
}

// Redacted returns cfg with secrets masked, for logs and display.
func Redacted(cfg models.Config) models.Config {
	if cfg.HFToken != "" {
		cfg.HFToken = "[REDACTED]"
	}
	return cfg
}
