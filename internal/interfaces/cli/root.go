// Package cli implements the tcmintake command line.  Most commands run the
// extraction pipeline in process; --server routes them through the HTTP API
// instead.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/database/postgres"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/llm"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/messaging/kafka"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/pkg/client"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type cliContextKey struct{}

// RootOptions holds global CLI flags.
type RootOptions struct {
	ConfigPath   string
	LogLevel     string
	OutputFormat string
	Timeout      time.Duration
	ServerAddr   string
}

// CLIContext carries initialized dependencies through the command tree.
type CLIContext struct {
	Config       *config.Config
	Logger       logging.Logger
	Client       *client.Client
	OutputFormat string
	Timeout      time.Duration
	Deps         Dependencies
}

// Migrator applies schema migrations.
type Migrator interface {
	Up() error
	Down(steps int) error
	Status() (version uint, dirty bool, err error)
	Force(version int) error
	Close() error
}

// EventConsumer reads note events.
type EventConsumer interface {
	Consume(ctx context.Context, handler kafka.EventHandler) error
	Stats() (consumed, skipped int64)
	Close() error
}

// ArchiveReader reads the raw provider response archive.
type ArchiveReader interface {
	List(ctx context.Context, patientID string) ([]minio.ObjectInfo, error)
	Get(ctx context.Context, key string) (*minio.ArchiveRecord, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Dependencies builds the infrastructure a command needs.  Each factory is
// called lazily by the commands that use it.
type Dependencies struct {
	NewProvider func(ctx context.Context, cfg llm.Config, logger logging.Logger) (llm.Provider, error)
	NewMigrator func(dsn string, logger logging.Logger) (Migrator, error)
	NewConsumer func(cfg config.KafkaConfig, groupID string, fromStart bool, logger logging.Logger) (EventConsumer, error)
	NewArchive  func(ctx context.Context, cfg config.MinIOConfig, logger logging.Logger) (ArchiveReader, error)
	// NewLogger overrides the stderr console logger.
	NewLogger func(level logging.Level) (logging.Logger, error)
}

// DefaultDependencies wires the real providers and infrastructure clients.
func DefaultDependencies() Dependencies {
	return Dependencies{
		NewProvider: llm.NewProvider,
		NewMigrator: func(dsn string, logger logging.Logger) (Migrator, error) {
			return postgres.NewMigrator(dsn, logger)
		},
		NewConsumer: func(cfg config.KafkaConfig, groupID string, fromStart bool, logger logging.Logger) (EventConsumer, error) {
			return kafka.NewConsumer(cfg, groupID, fromStart, logger)
		},
		NewArchive: func(ctx context.Context, cfg config.MinIOConfig, logger logging.Logger) (ArchiveReader, error) {
			store, err := minio.NewStore(ctx, cfg, logger)
			if err != nil {
				return nil, err
			}
			return minio.NewResponseArchive(ctx, store, cfg, logger)
		},
	}
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand(deps Dependencies) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tcmintake",
		Short: "Structure TCM clinical notes with an LLM",
		Long: "tcmintake turns free-text acupuncture clinical notes into a structured note:\n" +
			"chief complaints with ICD-10 codes, TCM review, tongue, pulse, diagnosis and\n" +
			"acupuncture points grouped by body region.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return persistentPreRun(cmd, opts, deps)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (default: ./tcmintake.yaml)")
	pf.StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error); overrides the config")
	pf.StringVarP(&opts.OutputFormat, "output", "o", "text", "output format (text, json, table)")
	pf.DurationVar(&opts.Timeout, "timeout", 0, "operation timeout (default: extraction.timeout)")
	pf.StringVar(&opts.ServerAddr, "server", "", "tcm-intake API address; run commands remotely when set")

	cmd.AddCommand(
		newExtractCmd(),
		newPromptCmd(),
		newSectionsCmd(),
		newClassifyCmd(),
		newICDCmd(),
		newEventsCmd(),
		newMigrateCmd(),
		newArchiveCmd(),
		newVersionCmd(),
	)
	return cmd
}

func persistentPreRun(cmd *cobra.Command, opts *RootOptions, deps Dependencies) error {
	switch strings.ToLower(opts.OutputFormat) {
	case "text", "json", "table":
	default:
		return errors.InvalidParam("output must be one of text, json, table").WithDetail(opts.OutputFormat)
	}

	cfg, err := initConfig(opts)
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger, err := initLogger(cfg, opts, deps)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}

	var apiClient *client.Client
	if opts.ServerAddr != "" {
		clientOpts := []client.Option{}
		if opts.Timeout > 0 {
			clientOpts = append(clientOpts, client.WithTimeout(opts.Timeout))
		}
		if apiClient, err = client.NewClient(opts.ServerAddr, clientOpts...); err != nil {
			return fmt.Errorf("API client initialization failed: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = cfg.Extraction.Timeout
	}

	cliCtx := &CLIContext{
		Config:       cfg,
		Logger:       logger,
		Client:       apiClient,
		OutputFormat: strings.ToLower(opts.OutputFormat),
		Timeout:      timeout,
		Deps:         deps,
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cliCtx))
	return nil
}

// initConfig loads .env, then the first config file found, then
// TCMINTAKE_* overrides.  With no file the defaults apply.
func initConfig(opts *RootOptions) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if opts.ConfigPath != "" {
		return config.Load(opts.ConfigPath)
	}

	searchPaths := []string{"./tcmintake.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".tcmintake", "config.yaml"))
	}
	searchPaths = append(searchPaths, "/etc/tcmintake/config.yaml")

	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.LoadFromEnv()
}

// initLogger logs to stderr so that stdout carries only command output.
func initLogger(cfg *config.Config, opts *RootOptions, deps Dependencies) (logging.Logger, error) {
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		parsed, err := logging.ParseLevel(opts.LogLevel)
		if err != nil {
			return nil, err
		}
		level = parsed
	}
	if deps.NewLogger != nil {
		return deps.NewLogger(level)
	}
	return logging.NewLogger(logging.LogConfig{
		Level:            level,
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
}

// GetCLIContext extracts the CLIContext stored by the root pre-run.
func GetCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, errors.Internal("command context is nil")
	}
	cliCtx, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cliCtx == nil {
		return nil, errors.Internal("CLI context not initialized")
	}
	return cliCtx, nil
}

// withTimeout derives the command context bounded by the global timeout.
func (c *CLIContext) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// Execute runs the CLI with the real dependencies.
func Execute() error {
	rootCmd := NewRootCommand(DefaultDependencies())
	if err := rootCmd.Execute(); err != nil {
		PrintError(rootCmd, err)
		return err
	}
	return nil
}

type tableProvider interface {
	TableHeaders() []string
	TableRows() [][]string
}

// PrintResult writes data in the selected output format.
func PrintResult(cmd *cobra.Command, data interface{}) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return printJSON(cmd, data)
	}
	switch cliCtx.OutputFormat {
	case "json":
		return printJSON(cmd, data)
	case "table":
		return printTable(cmd, data)
	default:
		return printText(cmd, data)
	}
}

func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printText(cmd *cobra.Command, data interface{}) error {
	switch v := data.(type) {
	case string:
		fmt.Fprintln(cmd.OutOrStdout(), v)
	case fmt.Stringer:
		fmt.Fprint(cmd.OutOrStdout(), v.String())
	case tableProvider:
		return printTable(cmd, data)
	default:
		return printJSON(cmd, data)
	}
	return nil
}

func printTable(cmd *cobra.Command, data interface{}) error {
	if tp, ok := data.(tableProvider); ok {
		fmt.Fprint(cmd.OutOrStdout(), FormatTable(tp.TableHeaders(), tp.TableRows()))
		return nil
	}
	return printText(cmd, data)
}

// PrintError writes err to stderr.
func PrintError(cmd *cobra.Command, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
}

// FormatTable renders headers and rows as an aligned ASCII table.
func FormatTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}

	var sb strings.Builder
	writeRow := func(cells []string) {
		for i := range headers {
			if i > 0 {
				sb.WriteString("  ")
			}
			val := ""
			if i < len(cells) {
				val = cells[i]
			}
			if i == len(headers)-1 {
				sb.WriteString(val)
			} else {
				sb.WriteString(padRight(val, widths[i]))
			}
		}
		sb.WriteString("\n")
	}

	writeRow(headers)
	sep := make([]string, len(widths))
	for i, w := range widths {
		sep[i] = strings.Repeat("-", w)
	}
	writeRow(sep)
	for _, row := range rows {
		writeRow(row)
	}
	return sb.String()
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
