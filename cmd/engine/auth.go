package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"outreach-engine/internal/httpapi"
	"outreach-engine/internal/secrets"
)

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator bearer token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, cfg, _, err := loadUserConfig()
			if err != nil {
				return err
			}
			secret, err := secrets.JWTSecret()
			if err != nil {
				return fmt.Errorf("jwt secret not set (run 'engine secrets set jwt-secret --generate' or export %s): %w", secrets.EnvJWTSecret, err)
			}
			now := time.Now()
			tok, err := httpapi.IssueToken(secret, cfg.Auth.Issuer, args[0], jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			})
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials in the OS keychain",
	}
	cmd.AddCommand(secretsSetCmd(), secretsDeleteCmd(), secretsStatusCmd())
	return cmd
}

func readSecret() (string, error) {
	fmt.Fprint(os.Stderr, "value: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	v := strings.TrimSpace(line)
	if v == "" {
		return "", errors.New("empty value")
	}
	return v, nil
}

func secretsSetCmd() *cobra.Command {
	var generate bool
	cmd := &cobra.Command{
		Use:       "set provider-key|imap-password|jwt-secret",
		Short:     "Store a secret read from stdin",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"provider-key", "imap-password", "jwt-secret"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if generate && args[0] != "jwt-secret" {
				return errors.New("--generate only applies to jwt-secret")
			}
			var (
				v   string
				err error
			)
			if generate {
				v, err = randomToken(32)
			} else {
				v, err = readSecret()
			}
			if err != nil {
				return err
			}

			switch args[0] {
			case "provider-key":
				err = secrets.SetProviderAPIKey(v)
			case "jwt-secret":
				err = secrets.SetJWTSecret(v)
			case "imap-password":
				_, _, cfg, _, lerr := loadUserConfig()
				if lerr != nil {
					return lerr
				}
				if cfg.Mailbox.Username == "" || cfg.Mailbox.IMAPHost == "" {
					return errors.New("mailbox.username and mailbox.imap_host must be configured first")
				}
				err = secrets.SetIMAPPassword(secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost), v)
			}
			if err != nil {
				return err
			}
			fmt.Println("stored", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random jwt-secret instead of reading stdin")
	return cmd
}

func secretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "delete provider-key|imap-password|jwt-secret",
		Short:     "Remove a secret from the keychain",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"provider-key", "imap-password", "jwt-secret"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			switch args[0] {
			case "provider-key":
				err = secrets.DeleteProviderAPIKey()
			case "jwt-secret":
				err = secrets.DeleteJWTSecret()
			case "imap-password":
				_, _, cfg, _, lerr := loadUserConfig()
				if lerr != nil {
					return lerr
				}
				err = secrets.DeleteIMAPPassword(secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost))
			}
			if err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func secretsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report which secrets are present",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, cfg, _, err := loadUserConfig()
			if err != nil {
				return err
			}
			acct := secrets.IMAPAccount(cfg.Mailbox.Username, cfg.Mailbox.IMAPHost)
			st := map[string]bool{
				"provider-key":  secrets.Has(secrets.ProviderAPIKey),
				"imap-password": secrets.Has(func() (string, error) { return secrets.IMAPPassword(acct) }),
				"jwt-secret":    secrets.Has(secrets.JWTSecret),
			}
			if jsonOutput() {
				return printJSON(st)
			}
			tw := newTable(table.Row{"Secret", "Present"})
			for _, k := range []string{"provider-key", "imap-password", "jwt-secret"} {
				tw.AppendRow(table.Row{k, st[k]})
			}
			tw.Render()
			return nil
		},
	}
}
