package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "engine",
	Short: "Outreach safety and throttling engine",
	Long: `engine runs cold outreach behind a set of safety gates.

Every send passes the emergency stop, the throttle governor, the daily cap,
the email validity gate and the compliance guardrail before it reaches the
provider, and every decision lands in the audit log.

Run 'engine serve' for the HTTP API with the periodic driver, or use the
one-shot commands below against the same data directory.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OUTREACH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("data-dir", "d", ".", "data directory holding config.yml and outreach.db")
	pf.String("default-config", "", "config file copied on first start (embedded defaults when empty)")
	pf.String("log-level", "", "debug, info, warn or error (overrides app.log_level)")
	pf.Bool("json", false, "output JSON")
	_ = viper.BindPFlag("data-dir", pf.Lookup("data-dir"))
	_ = viper.BindPFlag("default-config", pf.Lookup("default-config"))
	_ = viper.BindPFlag("log-level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("json", pf.Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(
		serveCmd(),
		runCmd(),
		reconcileCmd(),
		stopCmd(),
		throttleCmd(),
		validateEmailCmd(),
		leadsCmd(),
		pollMailboxCmd(),
		tokenCmd(),
		secretsCmd(),
	)
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput() bool { return viper.GetBool("json") }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
