package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"debridfetch/credentials"
	"debridfetch/internal"
	"debridfetch/providers"
	"debridfetch/utils"
)

var authCmd = &cobra.Command{
	Use:   "auth <PROVIDER>",
	Short: "Authorize debridfetch with a debrid service",
	Long: `Authorize debridfetch with a debrid service and store the credentials.

AllDebrid uses a PIN you confirm in the browser, Real-Debrid uses the OAuth
device flow, and Premiumize takes an API key from your account page.

Examples:
  debridfetch auth alldebrid
  debridfetch auth realdebrid
  debridfetch auth premiumize --api-key XXXXXXXX`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseProvider(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		creds, err := authorize(ctx, a, id)
		if err != nil {
			return fmt.Errorf("authorization failed: %w", err)
		}
		if err := a.creds.Put(ctx, id, creds); err != nil {
			return err
		}

		info, err := account(ctx, a, id)
		if err != nil {
			if internal.IsKind(err, internal.KindAuth) {
				_ = a.creds.Clear(ctx, id)
				return fmt.Errorf("credentials rejected by %s: %w", id, err)
			}
			internal.LogWarn("Stored %s credentials but could not read the account: %v", id, err)
			return nil
		}

		fmt.Printf("✅ Authorized %s as %s\n", id, info.Username)
		if !info.Premium {
			fmt.Printf("⚠️  Account is not premium, most links will be refused\n")
		}
		return nil
	},
}

func authorize(ctx context.Context, a *app, id internal.ProviderID) (internal.Credentials, error) {
	transport := providers.NewTransport(a.cfg, a.logger)

	switch id {
	case internal.ProviderAllDebrid:
		pin := credentials.NewAllDebridPIN(a.cfg.AllDebridBaseURL, a.cfg.AllDebridAgent, transport)
		return pin.Authorize(ctx, func(p *credentials.PinCode) {
			fmt.Printf("🔑 Open %s and enter PIN %s\n", p.UserURL, p.Pin)
			fmt.Printf("   Waiting up to %s for confirmation...\n", time.Duration(p.ExpiresIn)*time.Second)
		})

	case internal.ProviderRealDebrid:
		oauth := credentials.NewRealDebridOAuth(a.cfg.RealDebridOAuthURL, a.cfg.RealDebridClientID, transport)
		return oauth.Authorize(ctx, func(dc *credentials.DeviceCode) {
			fmt.Printf("🔑 Open %s and enter code %s\n", dc.VerificationURL, dc.UserCode)
			fmt.Printf("   Waiting up to %s for confirmation...\n", time.Duration(dc.ExpiresIn)*time.Second)
		})

	default:
		apiKey := viper.GetString("api-key")
		if apiKey == "" {
			return internal.Credentials{}, internal.NewValidationError("api-key", "an API key is required").
				WithSuggestion(fmt.Sprintf("Run 'debridfetch auth %s --api-key <KEY>'", id))
		}
		return credentials.APIKeyCredentials(id, apiKey), nil
	}
}

func account(ctx context.Context, a *app, id internal.ProviderID) (*internal.AccountInfo, error) {
	p, err := a.registry.Get(id)
	if err != nil {
		return nil, err
	}
	inspector, ok := p.(internal.AccountInspector)
	if !ok {
		return nil, fmt.Errorf("%s does not expose account details", id)
	}
	return inspector.Account(ctx)
}

var logoutCmd = &cobra.Command{
	Use:   "logout <PROVIDER>",
	Short: "Forget the stored credentials of a debrid service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseProvider(args[0])
		if err != nil {
			return err
		}
		ctx := context.Background()

		a, err := openApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.creds.Clear(ctx, id); err != nil {
			return err
		}
		internal.LogInfo("Cleared %s credentials", id)
		fmt.Printf("👋 Logged out of %s\n", id)
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account <PROVIDER>",
	Short: "Show the account behind the stored credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseProvider(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := account(ctx, a, id)
		if err != nil {
			return err
		}

		fmt.Printf("👤 User: %s\n", info.Username)
		fmt.Printf("💎 Premium: %t\n", info.Premium)
		if !info.ExpiresAt.IsZero() {
			fmt.Printf("📅 Expires: %s (%s left)\n", info.ExpiresAt.Format(time.RFC3339), time.Until(info.ExpiresAt).Round(time.Hour))
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <PROVIDER> <SOURCE>",
	Short: "Ask a debrid service whether a source is already cached",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseProvider(args[0])
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		a, err := openApp(ctx, config)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.registry.Get(id)
		if err != nil {
			return err
		}
		cc, ok := p.(internal.CacheChecker)
		if !ok {
			return fmt.Errorf("%s does not support cache checks", id)
		}

		status, err := cc.CheckCached(ctx, args[1])
		if err != nil {
			return err
		}
		if !status.Cached {
			fmt.Println("❌ Not cached")
			return nil
		}
		fmt.Println("⚡ Cached")
		if status.Filename != "" {
			fmt.Printf("📄 File: %s\n", status.Filename)
		}
		if status.Size > 0 {
			fmt.Printf("📏 Size: %s\n", utils.FormatBytes(status.Size))
		}
		return nil
	},
}

func init() {
	authCmd.Flags().String("api-key", "", "API key (premiumize; env: DEBRIDFETCH_API_KEY)")
}
