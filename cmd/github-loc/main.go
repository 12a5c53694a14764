// Package main provides the github-loc server and command-line client.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cam3ron2/github-loc/internal/app"
	"github.com/cam3ron2/github-loc/internal/config"
	"github.com/cam3ron2/github-loc/internal/githubapi"
	"github.com/cam3ron2/github-loc/internal/loc"
	"github.com/cam3ron2/github-loc/internal/report"
	"github.com/cam3ron2/github-loc/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Set at build time through -ldflags.
var (
	version = "dev"
	commit  = "none"
)

const maintenanceInterval = time.Minute

func main() {
	if err := newRootCommand(os.Stdout, os.LookupEnv).Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "github-loc: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCommand(stdout io.Writer, lookupEnv func(string) (string, bool)) *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "github-loc",
		Short: "Aggregate lines of code and commits per contributor across GitHub repositories",
		Long: `github-loc reads contributor statistics for every repository of a GitHub
organization or user, reduces them to a time window and ranks contributors by
lines of code changed.

Commands:
  serve      Run the HTTP API
  aggregate  Aggregate an organization or user once and print the result
  user       Aggregate one author across their own repositories`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")

	root.AddCommand(
		newServeCommand(flags, lookupEnv),
		newAggregateCommand(flags, lookupEnv),
		newUserCommand(flags, lookupEnv),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(flags *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags, lookupEnv)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

type aggregateFlags struct {
	org             string
	user            string
	from            string
	to              string
	includeForks    bool
	includeArchived bool
	detailed        bool
	format          string
	maxUsers        int
	token           string
	apiURL          string
}

func (f *aggregateFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "window start, ISO-8601 date or date-time (required)")
	cmd.Flags().StringVar(&f.to, "to", "", "window end, ISO-8601 date or date-time (required)")
	cmd.Flags().BoolVar(&f.includeForks, "include-forks", false, "include forked repositories")
	cmd.Flags().BoolVar(&f.includeArchived, "include-archived", false, "include archived repositories")
	cmd.Flags().StringVar(&f.format, "format", string(report.FormatTable), "output format (table|json)")
	cmd.Flags().IntVar(&f.maxUsers, "max-users", 0, "limit table rows, 0 shows every user")
	cmd.Flags().StringVar(&f.token, "token", "", "GitHub token, defaults to $"+config.TokenEnvVar)
	cmd.Flags().StringVar(&f.apiURL, "api-url", "", "GitHub API base URL")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (f *aggregateFlags) window() (loc.Window, error) {
	from, err := loc.ParseTime(f.from)
	if err != nil {
		return loc.Window{}, fmt.Errorf("--from: %w", err)
	}
	to, err := loc.ParseTime(f.to)
	if err != nil {
		return loc.Window{}, fmt.Errorf("--to: %w", err)
	}
	return loc.NewWindow(from, to)
}

func (f *aggregateFlags) apply(cfg *config.Config) {
	if token := strings.TrimSpace(f.token); token != "" {
		cfg.GitHub.Token = token
		cfg.GitHub.App = config.GitHubAppConfig{}
	}
	if apiURL := strings.TrimSpace(f.apiURL); apiURL != "" {
		cfg.GitHub.APIBaseURL = apiURL
	}
}

func newAggregateCommand(flags *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	opts := &aggregateFlags{}

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Aggregate an organization or user once and print the result",
		Example: `  github-loc aggregate --org acme --from 2024-01-01 --to 2024-03-31
  github-loc aggregate --user octocat --from 2024-01-01 --to 2024-12-31 --detailed --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			account, err := accountFromFlags(opts.org, opts.user)
			if err != nil {
				return err
			}
			return runAggregate(cmd, flags, lookupEnv, opts, func(ctx context.Context, service *loc.Service, req loc.Request, renderOpts report.Options) error {
				result, err := service.Aggregate(ctx, req)
				if err != nil {
					return err
				}
				doc := result.SummaryOnly()
				if opts.detailed {
					doc = result.Detailed()
				}
				return report.Write(cmd.OutOrStdout(), doc, renderOpts)
			}, account)
		},
	}
	cmd.Flags().StringVar(&opts.org, "org", "", "organization login")
	cmd.Flags().StringVar(&opts.user, "user", "", "user login")
	cmd.Flags().BoolVar(&opts.detailed, "detailed", false, "include per-repository breakdowns")
	cmd.MarkFlagsMutuallyExclusive("org", "user")
	opts.bind(cmd)
	return cmd
}

func newUserCommand(flags *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	opts := &aggregateFlags{}

	cmd := &cobra.Command{
		Use:   "user LOGIN",
		Short: "Aggregate one author across their own repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			login := strings.TrimSpace(args[0])
			account := githubapi.Account{Kind: githubapi.AccountUser, Login: login}
			return runAggregate(cmd, flags, lookupEnv, opts, func(ctx context.Context, service *loc.Service, req loc.Request, renderOpts report.Options) error {
				result, err := service.AggregateUser(ctx, req, login)
				if err != nil {
					return err
				}
				return report.WriteUser(cmd.OutOrStdout(), result.User.Summary(true), result.Window, result.Degradations, renderOpts)
			}, account)
		},
	}
	opts.bind(cmd)
	return cmd
}

type aggregation func(ctx context.Context, service *loc.Service, req loc.Request, renderOpts report.Options) error

func runAggregate(
	cmd *cobra.Command,
	flags *globalFlags,
	lookupEnv func(string) (string, bool),
	opts *aggregateFlags,
	run aggregation,
	account githubapi.Account,
) error {
	format, err := report.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	window, err := opts.window()
	if err != nil {
		return err
	}

	cfg, err := loadConfigWith(flags, lookupEnv, opts.apply)
	if err != nil {
		return err
	}
	if cfg.GitHub.Token == "" && !cfg.GitHub.App.Enabled() {
		return fmt.Errorf("a GitHub token is required: pass --token or set %s", config.TokenEnvVar)
	}

	logger, err := buildLogger(cfg.Server.LogLevel, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	runtime, err := app.NewRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		_ = runtime.Close()
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := loc.Request{
		Account:         account,
		Window:          window,
		IncludeForks:    opts.includeForks,
		IncludeArchived: opts.includeArchived,
	}
	return run(ctx, runtime.Service(), req, report.Options{Format: format, MaxUsers: opts.maxUsers})
}

func accountFromFlags(org, user string) (githubapi.Account, error) {
	org = strings.TrimSpace(org)
	user = strings.TrimSpace(user)
	switch {
	case org != "" && user != "":
		return githubapi.Account{}, errors.New("--org and --user are mutually exclusive")
	case org != "":
		return githubapi.Account{Kind: githubapi.AccountOrganization, Login: org}, nil
	case user != "":
		return githubapi.Account{Kind: githubapi.AccountUser, Login: user}, nil
	default:
		return githubapi.Account{}, errors.New("one of --org or --user is required")
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "github-loc %s (commit: %s)\n", version, commit)
		},
	}
}

func loadConfig(flags *globalFlags, lookupEnv func(string) (string, bool)) (*config.Config, error) {
	return loadConfigWith(flags, lookupEnv, nil)
}

// loadConfigWith reads the config file, or defaults plus environment when no
// file is given, then applies overrides before validating.
func loadConfigWith(flags *globalFlags, lookupEnv func(string) (string, bool), override func(*config.Config)) (*config.Config, error) {
	var cfg *config.Config
	if path := strings.TrimSpace(flags.configPath); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		cfg.ApplyEnv(lookupEnv)
	}

	if level := strings.TrimSpace(flags.logLevel); level != "" {
		cfg.Server.LogLevel = strings.ToLower(level)
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.Server.LogLevel, nil)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      "github-loc",
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}()

	runtime, err := app.NewRuntime(cfg, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("close metric store", zap.Error(closeErr))
		}
	}()

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if ctx == nil {
		ctx = context.Background()
	}
	rootCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go runtime.RunMaintenance(rootCtx, maintenanceInterval)

	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.ListenAddr))
		if serveErr := server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			serverErrCh <- serveErr
		}
		close(serverErrCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-serverErrCh:
		if serveErr != nil {
			return fmt.Errorf("http server failed: %w", serveErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// buildLogger builds a production JSON logger. A nil sink writes to stderr
// through the zap defaults.
func buildLogger(level string, sink zapcore.WriteSyncer) (*zap.Logger, error) {
	if sink != nil {
		encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		return zap.New(zapcore.NewCore(encoder, sink, logLevel(level))), nil
	}

	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(level))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func syncLogger(logger *zap.Logger) {
	if err := logger.Sync(); err != nil && !shouldIgnoreLoggerSyncError(err) {
		_, _ = fmt.Fprintf(os.Stderr, "github-loc: sync logger: %v\n", err)
	}
}

// shouldIgnoreLoggerSyncError reports whether err is the EINVAL or ENOTTY that
// syncing a terminal or pipe returns on some platforms.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
