package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"debridfetch/credentials"
	"debridfetch/internal"
	"debridfetch/providers"
	"debridfetch/store"
)

const envPrefix = "DEBRIDFETCH"

// registerConfigFlags defines every configuration key as a persistent flag.
// Defaults come from internal.DefaultConfig so flags, env and .env share one source.
func registerConfigFlags(flags *pflag.FlagSet) {
	d := internal.DefaultConfig()

	flags.String("env-file", ".env", "Load environment variables from this file")

	flags.String("alldebrid-url", d.AllDebridBaseURL, "AllDebrid API base URL")
	flags.String("alldebrid-agent", d.AllDebridAgent, "Agent name sent to AllDebrid")
	flags.String("premiumize-url", d.PremiumizeBaseURL, "Premiumize API base URL")
	flags.String("realdebrid-url", d.RealDebridBaseURL, "Real-Debrid REST API base URL")
	flags.String("realdebrid-oauth-url", d.RealDebridOAuthURL, "Real-Debrid OAuth base URL")
	flags.String("realdebrid-client-id", d.RealDebridClientID, "Real-Debrid OAuth client id for the device flow")

	flags.Duration("timeout", d.HTTPTimeout, "HTTP timeout per provider request")
	flags.String("proxy", d.ProxyURL, "HTTP/SOCKS5 proxy URL for provider requests")
	flags.Int("retries", d.MaxRetries, "Attempts per provider request on network errors, 429 and 5xx")
	flags.Float64("rate", d.RequestsPerSecond, "Requests per second per provider (0 disables pacing)")
	flags.String("user-agent", d.UserAgent, "User-Agent header for provider requests")

	flags.Duration("poll-interval", d.PollInterval, "Delay before the first status poll")
	flags.Duration("poll-max-interval", d.PollMaxInterval, "Upper bound for the delay between polls")
	flags.Float64("poll-multiplier", d.PollMultiplier, "Growth factor of the poll delay (1 polls at a fixed interval)")
	flags.Duration("poll-timeout", d.PollTimeout, "Wall-clock budget from submission to a terminal state")
	flags.Int("poll-max-attempts", d.PollMaxAttempts, "Maximum number of status polls per job")
	flags.Int("max-transient-errors", d.MaxTransientErrors, "Consecutive rate-limit or 5xx poll failures tolerated")
	flags.Duration("cleanup-timeout", d.CleanupTimeout, "Budget for deleting a provider-side job")

	flags.String("db", d.CredentialsDB, "SQLite file holding provider credentials")
	flags.Duration("hint-ttl", d.HintTTL, "How long cache-check answers are remembered")
	flags.Int("hint-size", d.HintSize, "How many cache-check answers are remembered")

	flags.BoolP("debug", "d", d.EnableDebug, "Enable debug logging with file and line information")
	flags.BoolP("quiet", "q", d.QuietMode, "Suppress progress output and informational logs")
	flags.String("log-level", d.LogLevel, "Set log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "Log encoding (console, json)")
	flags.String("log-file", d.LogFile, "Write logs to file instead of stderr")
}

// loadConfiguration resolves flags > env > .env file > defaults into config
func loadConfiguration(flags *pflag.FlagSet) (*internal.Config, error) {
	if err := viper.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	envFile, _ := flags.GetString("env-file")
	if err := gotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading %s: %w", envFile, err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cfg := buildConfig()
	if cfg.EnableDebug {
		cfg.LogLevel = "debug"
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildConfig() *internal.Config {
	cfg := internal.DefaultConfig()

	cfg.AllDebridBaseURL = viper.GetString("alldebrid-url")
	cfg.AllDebridAgent = viper.GetString("alldebrid-agent")
	cfg.PremiumizeBaseURL = viper.GetString("premiumize-url")
	cfg.RealDebridBaseURL = viper.GetString("realdebrid-url")
	cfg.RealDebridOAuthURL = viper.GetString("realdebrid-oauth-url")
	cfg.RealDebridClientID = viper.GetString("realdebrid-client-id")

	cfg.HTTPTimeout = viper.GetDuration("timeout")
	cfg.ProxyURL = viper.GetString("proxy")
	cfg.MaxRetries = viper.GetInt("retries")
	cfg.RequestsPerSecond = viper.GetFloat64("rate")
	cfg.UserAgent = viper.GetString("user-agent")

	cfg.PollInterval = viper.GetDuration("poll-interval")
	cfg.PollMaxInterval = viper.GetDuration("poll-max-interval")
	cfg.PollMultiplier = viper.GetFloat64("poll-multiplier")
	cfg.PollTimeout = viper.GetDuration("poll-timeout")
	cfg.PollMaxAttempts = viper.GetInt("poll-max-attempts")
	cfg.MaxTransientErrors = viper.GetInt("max-transient-errors")
	cfg.CleanupTimeout = viper.GetDuration("cleanup-timeout")

	cfg.CredentialsDB = viper.GetString("db")
	cfg.HintTTL = viper.GetDuration("hint-ttl")
	cfg.HintSize = viper.GetInt("hint-size")

	if addr := viper.GetString("addr"); addr != "" {
		cfg.ServerAddr = addr
	}

	cfg.EnableDebug = viper.GetBool("debug")
	cfg.QuietMode = viper.GetBool("quiet")
	cfg.LogLevel = viper.GetString("log-level")
	cfg.LogFormat = viper.GetString("log-format")
	cfg.LogFile = viper.GetString("log-file")

	return cfg
}

// app bundles what every provider-facing command needs
type app struct {
	cfg      *internal.Config
	db       *store.SQLiteStore
	creds    *credentials.Store
	registry *providers.Registry
	logger   *internal.SecureLogger
}

func openApp(ctx context.Context, cfg *internal.Config) (*app, error) {
	logger := internal.GetLogger()

	db, err := store.OpenSQLite(ctx, cfg.CredentialsDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	oauth := credentials.NewRealDebridOAuth(cfg.RealDebridOAuthURL, cfg.RealDebridClientID, providers.NewTransport(cfg, logger))
	creds := credentials.NewStore(db,
		credentials.WithLogger(logger),
		credentials.WithRefresher(internal.ProviderRealDebrid, oauth),
	)

	return &app{
		cfg:      cfg,
		db:       db,
		creds:    creds,
		registry: providers.DefaultRegistry(cfg, creds.Refreshing(), logger),
		logger:   logger,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close credential store: %v", err)
	}
}

func parseProvider(raw string) (internal.ProviderID, error) {
	id := internal.ProviderID(strings.ToLower(strings.TrimSpace(raw)))
	switch id {
	case internal.ProviderAllDebrid, internal.ProviderPremiumize, internal.ProviderRealDebrid:
		return id, nil
	}
	return "", internal.NewValidationErrorWithValue("provider", "unknown provider", raw).
		WithSuggestion("Use alldebrid, premiumize or realdebrid")
}
