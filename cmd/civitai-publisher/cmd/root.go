package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-civitai-publisher/internal/api"
	"go-civitai-publisher/internal/config"
	"go-civitai-publisher/internal/models"
	"go-civitai-publisher/internal/publisher"
	"go-civitai-publisher/internal/session"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Persistent flag values. They only override the configuration when the flag
// was given on the command line.
var (
	cfgFile        string
	logLevel       string
	logFormat      string
	logApiFlag     bool
	baseURLFlag    string
	sessionFlag    string
	ledgerFlag     string
	apiDelayFlag   int
	apiTimeoutFlag int
	maxRetriesFlag int
	retryDelayFlag int
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the configured HTTP transport (proxy, logging, pacing)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "civitai-publisher",
	Short: "A tool to publish models to Civitai",
	Long: `Civitai Publisher creates and updates models and versions on Civitai.com,
uploads their files and sample images, and publishes or schedules them,
using a session captured from a browser login.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// Interrupts cancel the command context so uploads abort cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	api.CloseAllLoggingTransports()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Configuration file path (default is ./config.toml)")
	pf.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Logging level (trace, debug, info, warn, error, fatal, panic)")
	pf.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Logging format (text, json)")
	pf.BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to ApiLogPath (overrides config)")
	pf.StringVar(&baseURLFlag, "base-url", "", "Platform root URL (overrides config)")
	pf.StringVar(&sessionFlag, "session", "", "Session file, base64 session document or hf:// reference (overrides config)")
	pf.StringVar(&ledgerFlag, "ledger", "", "Path of the local publish ledger (overrides config)")
	pf.IntVar(&apiDelayFlag, "api-delay", -1, "Minimum delay between API calls in ms (overrides config)")
	pf.IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API requests in seconds (overrides config)")
	pf.IntVar(&maxRetriesFlag, "max-retries", -1, "Retries for read requests (overrides config)")
	pf.IntVar(&retryDelayFlag, "retry-delay", -1, "Initial retry delay in ms (overrides config)")
}

// cliFlags collects the flags the user actually set on cmd.
func cliFlags(cmd *cobra.Command) config.CliFlags {
	var flags config.CliFlags
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("config") {
		flags.ConfigFilePath = &cfgFile
	}
	if changed("log-level") {
		flags.LogLevel = &logLevel
	}
	if changed("log-format") {
		flags.LogFormat = &logFormat
	}
	if changed("log-api") {
		flags.LogApiRequests = &logApiFlag
	}
	if changed("base-url") {
		flags.BaseURL = &baseURLFlag
	}
	if changed("session") {
		flags.SessionFile = &sessionFlag
	}
	if changed("ledger") {
		flags.DatabasePath = &ledgerFlag
	}
	if changed("api-delay") {
		flags.APIDelayMs = &apiDelayFlag
	}
	if changed("api-timeout") {
		flags.APIClientTimeoutSec = &apiTimeoutFlag
	}
	if changed("max-retries") {
		flags.MaxRetries = &maxRetriesFlag
	}
	if changed("retry-delay") {
		flags.InitialRetryDelayMs = &retryDelayFlag
	}
	flags.Upload = uploadFlags(changed)
	flags.Publish = publishFlags(changed)
	flags.List = listFlags(changed)
	return flags
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets
// up logging and the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	cfg, transport, err := config.Initialize(cliFlags(cmd))
	if err != nil {
		return err
	}
	globalConfig = cfg
	globalHttpTransport = transport
	initLogging(cfg)
	log.Debugf("Config loaded: %+v", config.Redacted(cfg))
	return nil
}

func initLogging(cfg models.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	log.SetOutput(os.Stderr)
}

// newSessionStore loads and verifies the configured session.
func newSessionStore(ctx context.Context) (*session.Store, error) {
	store, err := session.NewStore(globalConfig.BaseURL,
		session.WithTransport(globalHttpTransport),
		session.WithCSRFHeader(globalConfig.CSRFHeader),
		session.WithUserAgent(globalConfig.UserAgent),
		session.WithHFToken(globalConfig.HFToken),
		session.WithTimeout(time.Duration(globalConfig.APIClientTimeoutSec)*time.Second),
	)
	if err != nil {
		return nil, err
	}
	if _, err := store.Load(ctx, globalConfig.SessionFile); err != nil {
		return nil, fmt.Errorf("loading session from %s: %w", globalConfig.SessionFile, err)
	}
	return store, nil
}

// newAPIClient returns an API client signed by a freshly loaded session.
func newAPIClient(ctx context.Context) (*api.Client, error) {
	store, err := newSessionStore(ctx)
	if err != nil {
		return nil, err
	}
	return clientFor(store), nil
}

func clientFor(store *session.Store) *api.Client {
	httpClient := &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.APIClientTimeoutSec) * time.Second,
	}
	return api.NewClient(store, httpClient, globalConfig)
}

// newPublisher wires a Publisher for the configured session. Byte transfers
// bypass the paced API transport.
func newPublisher(ctx context.Context, tracker publisher.ProgressTracker) (*publisher.Publisher, error) {
	client, err := newAPIClient(ctx)
	if err != nil {
		return nil, err
	}
	opts := publisher.OptionsFromConfig(globalConfig)
	if tracker != nil {
		opts = append(opts, publisher.WithProgress(tracker))
	}
	return publisher.New(client, nil, opts...), nil
}

// parseAt reads a --at value: RFC 3339, or a duration from now such as "36h".
func parseAt(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		t := now.Add(d)
		return &t, nil
	}
	return nil, fmt.Errorf("invalid --at %q: want RFC 3339 (2025-01-02T15:04:05Z) or a positive duration (36h)", value)
}
