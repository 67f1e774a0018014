// Command drover runs a per-domain news crawl worker: a durable URL
// queue, a polite adaptive fetcher, page analysis, and an HTTP control
// surface for the fleet coordinator.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/newsfleet/drover/internal/config"
)

// Exit codes: 0 clean shutdown, 1 runtime failure, 2 configuration or
// readiness failure.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		code := exitRuntime
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "drover:", err)
		os.Exit(code)
	}
	os.Exit(exitOK)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "drover",
		Short:         "Per-domain news crawl worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./drover.yaml)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "text or json")

	root.AddCommand(newCrawlCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig merges file, env, and the shared flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, &exitError{code: exitConfig, err: err}
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "drover %s\n", config.Version)
		},
	}
}

func configError(err error) error {
	return &exitError{code: exitConfig, err: err}
}

func runtimeError(err error) error {
	return &exitError{code: exitRuntime, err: err}
}

// applyCommonFlags copies the crawl/serve flag set into the config when
// the operator set them.
func applyCommonFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("domain") {
		cfg.Crawl.Domain, _ = f.GetString("domain")
	}
	if f.Changed("db") {
		dsn, _ := f.GetString("db")
		cfg.Store.DSN = dsn
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			cfg.Store.Driver = "postgres"
		} else {
			cfg.Store.Driver = "sqlite3"
		}
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("max-pages") {
		cfg.Crawl.MaxPages, _ = f.GetInt("max-pages")
	}
	if f.Changed("readiness-timeout") {
		d, _ := f.GetDuration("readiness-timeout")
		cfg.Crawl.ReadinessTimeout = d
	}
	if f.Changed("browser") {
		cfg.Fetcher.BrowserEnabled, _ = f.GetBool("browser")
	}
	return config.Validate(cfg)
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("domain", "", "target domain this worker owns (required)")
	cmd.Flags().String("db", "", "database DSN (sqlite path or postgres:// URL)")
	cmd.Flags().Int("port", 8080, "control surface port")
	cmd.Flags().Int("max-pages", 0, "stop after this many fetched pages (0 = unlimited)")
	cmd.Flags().Duration("readiness-timeout", 30*time.Second, "time allowed to become ready")
	cmd.Flags().Bool("browser", false, "enable the headless rendering fetcher")
}
