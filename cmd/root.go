package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"debridfetch/internal"
	"debridfetch/resolver"
	"debridfetch/utils"
)

var (
	providerFlag string
	quality      string
	noCacheCheck bool
	jsonOutput   bool
	config       *internal.Config
)

var rootCmd = &cobra.Command{
	Use:     "debridfetch [OPTIONS] <SOURCE>",
	Short:   "Resolve magnets and hoster links into direct download URLs through debrid services",
	Version: "v1.0.0",
	Long: `DebridFetch turns a magnet link, hoster URL or provider item id into a direct
download URL by submitting it to a debrid service (AllDebrid, Premiumize or
Real-Debrid), waiting for the service to finish, and normalizing the result.

Examples:
  debridfetch auth alldebrid
  debridfetch -p alldebrid "magnet:?xt=urn:btih:..."
  debridfetch -p realdebrid --quality 720p https://rapidgator.net/file/abc
  debridfetch -p premiumize --json https://1fichier.com/?xyz
  debridfetch serve --addr :8089

Environment Variables:
  Every flag can be set as DEBRIDFETCH_<FLAG>, e.g. DEBRIDFETCH_POLL_TIMEOUT=5m
  or DEBRIDFETCH_PROXY=socks5://127.0.0.1:1080. A .env file is read as well.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration(cmd.Flags())
		if err != nil {
			return fmt.Errorf("configuration error: %v", err)
		}
		config = cfg

		if err := internal.InitLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %v", err)
		}

		internal.LogInfo("DebridFetch starting up")
		internal.LogDebug("Configuration loaded: timeout=%s, retries=%d, poll=%s..%s, db=%s",
			config.HTTPTimeout, config.MaxRetries, config.PollInterval, config.PollMaxInterval, config.CredentialsDB)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		source := strings.TrimSpace(args[0])
		if source == "" {
			return fmt.Errorf("source is required")
		}

		id, err := parseProvider(providerFlag)
		if err != nil {
			internal.LogValidationError(err.(*internal.ValidationError))
			return err
		}

		requested := 0
		if quality != "" {
			requested = utils.ParseQuality(quality)
			if requested == 0 {
				ve := internal.NewValidationErrorWithValue("quality", "unrecognized quality", quality).
					WithSuggestion("Use values like 480, 720p, 1080p or 4K")
				internal.LogValidationError(ve)
				return ve
			}
		}

		info, err := utils.NewSourceClassifier().Parse(source)
		if err != nil {
			return fmt.Errorf("invalid source: %v", err)
		}
		internal.LogDebug("Source classified as %s", info.Kind)

		return executeResolveWorkflow(id, source, requested)
	},
}

func init() {
	registerConfigFlags(rootCmd.PersistentFlags())

	rootCmd.Flags().StringVarP(&providerFlag, "provider", "p", string(internal.ProviderAllDebrid), "Debrid service to use (alldebrid, premiumize, realdebrid)")
	rootCmd.Flags().StringVar(&quality, "quality", "", "Highest variant quality to pick, e.g. 720p (default best)")
	rootCmd.Flags().BoolVar(&noCacheCheck, "no-cache-check", false, "Skip the pre-flight cache query")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the resolved link as JSON")

	rootCmd.AddCommand(authCmd, logoutCmd, accountCmd, checkCmd, serveCmd)
}

func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

// signalContext is cancelled on SIGINT/SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			internal.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
			if !config.QuietMode {
				fmt.Fprintf(os.Stderr, "\n🛑 Received %v signal, shutting down gracefully...\n", sig)
			}
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// executeResolveWorkflow runs one resolution with a progress bar
func executeResolveWorkflow(id internal.ProviderID, source string, requested int) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := openApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	quiet := config.QuietMode || jsonOutput
	tracker := utils.NewProgressTracker(string(id), os.Stderr, quiet)

	r := resolver.New(a.registry, a.creds,
		resolver.WithLogger(a.logger),
		resolver.WithObserver(func(tr resolver.Transition) {
			switch tr.To {
			case internal.StateCacheCheck, internal.StateSubmitted:
				tracker.Update(0, tr.To.String())
			case internal.StatePolling:
				status := tr.Job.ProviderRawStatus
				if status == "" {
					status = tr.To.String()
				}
				tracker.Update(tr.Job.Progress, status)
			case internal.StateReady:
				tracker.Update(100, tr.To.String())
			}
		}),
	)

	policy := resolver.PolicyFromConfig(config)
	policy.CacheCheck = !noCacheCheck

	internal.LogInfo("Resolving %s via %s", source, id)
	if !quiet {
		fmt.Fprintf(os.Stderr, "🔍 Resolving via %s...\n", id)
	}

	link, err := r.Resolve(ctx, internal.ResolutionRequest{
		ProviderID:       id,
		SourceLink:       source,
		RequestedQuality: requested,
	}, policy)
	summary := tracker.Finish()
	internal.LogDebug("Polling finished: %s", summary)

	if err != nil {
		if re, ok := internal.AsResolutionError(err); ok {
			internal.LogResolutionError(re)
		}
		return fmt.Errorf("failed to resolve source: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(link)
	}
	printLink(link, quiet)
	return nil
}

func printLink(link *internal.ResolvedLink, quiet bool) {
	if quiet {
		fmt.Println(link.DirectURL)
		return
	}

	fmt.Printf("✅ Resolved via %s\n", link.Provider)
	if link.Filename != "" {
		fmt.Printf("📄 File: %s\n", link.Filename)
	}
	if link.SizeBytes > 0 {
		fmt.Printf("📏 Size: %s\n", utils.FormatBytes(link.SizeBytes))
	}
	for _, v := range link.Variants {
		fmt.Printf("🎞️  %dp: %s\n", v.Quality, v.URL)
	}
	fmt.Printf("🔗 %s\n", link.DirectURL)
}
