// Command accounts manages the gateway's OAuth account pool: interactive
// login, listing, removal and quota inspection.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfold/gravity-gateway/internal/config"
	"github.com/openfold/gravity-gateway/internal/logging"
	"github.com/openfold/gravity-gateway/internal/oauth"
	"github.com/openfold/gravity-gateway/internal/store"
)

var noBrowser bool

func main() {
	root := &cobra.Command{
		Use:          "accounts",
		Short:        "Manage the gateway's OAuth account pool",
		SilenceUsage: true,
	}

	login := &cobra.Command{
		Use:   "login",
		Short: "Add an account via the hosted OAuth flow",
		RunE:  runLogin,
	}
	login.Flags().BoolVar(&noBrowser, "no-browser", false, "print the URL and paste the callback manually")

	root.AddCommand(
		login,
		&cobra.Command{Use: "list", Short: "List accounts", RunE: runList},
		&cobra.Command{Use: "remove <email>", Short: "Remove an account", Args: cobra.ExactArgs(1), RunE: runRemove},
		&cobra.Command{Use: "quota <email>", Short: "Show per-model quota for an account", Args: cobra.ExactArgs(1), RunE: runQuota},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*store.SQLite, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logging.Setup("warn")
	st, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return st, cfg, nil
}

func runLogin(cmd *cobra.Command, _ []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	authz, err := oauth.BuildAuthorizationURL(config.OAuthConfig.CallbackPort)
	if err != nil {
		return err
	}

	var code string
	port := authz.Port
	if noBrowser {
		fmt.Println("Open this URL in a browser on any device:")
		fmt.Printf("\n  %s\n\n", authz.URL)
		fmt.Print("Paste the callback URL or authorization code: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no input")
		}
		code, err = oauth.ExtractCodeFromInput(scanner.Text())
		if err != nil {
			return err
		}
	} else {
		cs := oauth.NewCallbackServer(authz.State)
		fmt.Println("Opening browser for sign-in...")
		fmt.Printf("If it does not open, use this URL:\n\n  %s\n\n", authz.URL)
		openBrowser(authz.URL)
		code, err = cs.Start(ctx)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		port = cs.Port()
	}

	fmt.Println("Exchanging authorization code...")
	tokens, err := oauth.ExchangeCode(ctx, code, authz.Verifier, port)
	if err != nil {
		return err
	}
	email, err := oauth.FetchUserEmail(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}

	acct, err := st.GetAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if acct != nil {
		expiry := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
		if err := st.UpdateAccountTokens(ctx, acct.ID, tokens.RefreshToken, tokens.AccessToken, expiry); err != nil {
			return err
		}
		if err := st.UpdateAccountStatus(ctx, acct.ID, store.StatusActive, ""); err != nil {
			return err
		}
		acct.RefreshToken = tokens.RefreshToken
		acct.AccessToken = tokens.AccessToken
		acct.TokenExpiry = expiry
		acct.Status = store.StatusActive
		fmt.Printf("Updated tokens for existing account %s\n", email)
	} else {
		acct = &store.Account{
			Email:        email,
			RefreshToken: tokens.RefreshToken,
			AccessToken:  tokens.AccessToken,
			Status:       store.StatusActive,
			Tier:         config.DefaultTier,
			CreatedAt:    time.Now().UnixMilli(),
		}
		if err := st.CreateAccount(ctx, acct); err != nil {
			return err
		}
		fmt.Printf("Added account %s\n", email)
	}

	mgr := oauth.NewManager(st, cfg)
	if _, err := mgr.Initialize(ctx, acct); err != nil {
		fmt.Printf("Warning: initialization incomplete: %v\n", err)
	} else {
		fmt.Printf("Account ready (project %s)\n", acct.ProjectID)
	}
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	accounts, err := st.ListAccounts(cmd.Context())
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts configured.")
		return nil
	}
	for _, a := range accounts {
		line := fmt.Sprintf("%-40s %-8s quota=%.0f%%", a.Email, a.Status, a.QuotaRemaining*100)
		if a.LastError != "" {
			line += "  last error: " + a.LastError
		}
		fmt.Println(line)
	}
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	acct, err := st.GetAccountByEmail(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", args[0])
	}
	if err := st.DeleteAccount(cmd.Context(), acct.ID); err != nil {
		return err
	}
	fmt.Printf("Removed %s\n", acct.Email)
	return nil
}

func runQuota(cmd *cobra.Command, args []string) error {
	st, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	acct, err := st.GetAccountByEmail(ctx, args[0])
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", args[0])
	}

	mgr := oauth.NewManager(st, cfg)
	acct, err = mgr.EnsureValid(ctx, acct)
	if err != nil {
		return err
	}
	quotas, err := mgr.FetchDetailedQuota(ctx, acct)
	if err != nil {
		return err
	}
	if len(quotas) == 0 {
		fmt.Println("No quota information available.")
		return nil
	}
	for _, q := range quotas {
		line := fmt.Sprintf("%-32s %.0f%%", q.Model, q.Remaining*100)
		if q.ResetMessage != "" {
			line += "  resets in " + q.ResetMessage
		}
		fmt.Println(line)
	}
	return nil
}

func openBrowser(url string) {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "windows":
		c = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		c = exec.Command("xdg-open", url)
	}
	if err := c.Start(); err != nil {
		fmt.Println("Could not open a browser automatically.")
	}
}
