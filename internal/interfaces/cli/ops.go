package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/messaging/kafka"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/internal/infrastructure/storage/minio"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect note events on Kafka",
	}

	var (
		group     string
		fromStart bool
		maxEvents int
	)
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print note events as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if cliCtx.Deps.NewConsumer == nil {
				return errors.New(errors.ErrCodeServiceUnavailable, "no Kafka consumer configured")
			}
			consumer, err := cliCtx.Deps.NewConsumer(cliCtx.Config.Kafka, group, fromStart, cliCtx.Logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			seen := 0
			err = consumer.Consume(ctx, func(_ context.Context, env *kafka.EventEnvelope) error {
				if err := printEvent(cmd, cliCtx.OutputFormat, env); err != nil {
					return err
				}
				seen++
				if maxEvents > 0 && seen >= maxEvents {
					cancel()
				}
				return nil
			})
			consumed, skipped := consumer.Stats()
			cliCtx.Logger.Debug("Event tail stopped",
				logging.Int64("consumed", consumed),
				logging.Int64("skipped", skipped))
			return err
		},
	}
	tail.Flags().StringVar(&group, "group", "tcmintake-cli", "consumer group")
	tail.Flags().BoolVar(&fromStart, "from-beginning", false, "start from the earliest offset for a new group")
	tail.Flags().IntVar(&maxEvents, "max", 0, "stop after this many events (0 = until interrupted)")

	cmd.AddCommand(tail)
	return cmd
}

func printEvent(cmd *cobra.Command, format string, env *kafka.EventEnvelope) error {
	if format == "json" {
		return printJSON(cmd, env)
	}
	var ev note.ExtractedEvent
	if err := env.DecodePayload(&ev); err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  (undecodable payload)\n",
			env.Timestamp.Format(time.RFC3339), env.EventType, env.EventID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  patient=%s note=%s points=%d regions=%d icd_misses=%d point_misses=%d\n",
		env.Timestamp.Format(time.RFC3339), env.EventType, ev.PatientID, ev.NoteID,
		ev.PointCount, ev.RegionCount, ev.ICDMisses, ev.ClassifierMiss)
	return nil
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the note store schema",
	}

	run := func(fn func(cmd *cobra.Command, m Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if cliCtx.Deps.NewMigrator == nil {
				return errors.New(errors.ErrCodeServiceUnavailable, "no migrator configured")
			}
			m, err := cliCtx.Deps.NewMigrator(cliCtx.Config.Postgres.DSN(), cliCtx.Logger)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeDatabaseError, "cannot open migrator")
			}
			defer m.Close()
			return fn(cmd, m, args)
		}
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Up(); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m Migrator, _ []string) error {
			if err := m.Down(steps); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, m Migrator, _ []string) error {
			return printStatus(cmd, m)
		}),
	}

	force := &cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied to clear a dirty schema",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, m Migrator, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil || v < 0 {
				return errors.InvalidParam("VERSION must be a non-negative integer").WithDetail(args[0])
			}
			if err := m.Force(v); err != nil {
				return err
			}
			return printStatus(cmd, m)
		}),
	}

	cmd.AddCommand(up, down, status, force)
	return cmd
}

// migrationStatus is the schema state reported by the migrate commands.
type migrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func (s migrationStatus) String() string {
	if s.Dirty {
		return fmt.Sprintf("version %d (dirty)\n", s.Version)
	}
	return fmt.Sprintf("version %d\n", s.Version)
}

func printStatus(cmd *cobra.Command, m Migrator) error {
	v, dirty, err := m.Status()
	if err != nil {
		return err
	}
	return PrintResult(cmd, migrationStatus{Version: v, Dirty: dirty})
}

type archiveListing []minio.ObjectInfo

func (a archiveListing) TableHeaders() []string { return []string{"KEY", "SIZE", "LAST MODIFIED"} }

func (a archiveListing) TableRows() [][]string {
	rows := make([][]string, 0, len(a))
	for _, o := range a {
		rows = append(rows, []string{o.Key, strconv.FormatInt(o.Size, 10), o.LastModified.Format(time.RFC3339)})
	}
	return rows
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read archived raw LLM responses",
	}

	open := func(cmd *cobra.Command) (*CLIContext, ArchiveReader, context.Context, context.CancelFunc, error) {
		cliCtx, err := GetCLIContext(cmd)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if !cliCtx.Config.MinIO.Enabled || cliCtx.Deps.NewArchive == nil {
			return nil, nil, nil, nil, errors.New(errors.ErrCodeServiceUnavailable, "response archive is not enabled")
		}
		ctx, cancel := cliCtx.withTimeout(cmd.Context())
		a, err := cliCtx.Deps.NewArchive(ctx, cliCtx.Config.MinIO, cliCtx.Logger)
		if err != nil {
			cancel()
			return nil, nil, nil, nil, err
		}
		return cliCtx, a, ctx, cancel, nil
	}

	list := &cobra.Command{
		Use:   "list PATIENT",
		Short: "List archived responses for a patient, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			objs, err := a.List(ctx, args[0])
			if err != nil {
				return err
			}
			return PrintResult(cmd, archiveListing(objs))
		},
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one archived response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx, a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			rec, err := a.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if cliCtx.OutputFormat == "json" {
				return printJSON(cmd, rec)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "patient: %s\nnote: %s\nprovider: %s\nprompt: %s\narchived: %s\n\n%s\n",
				rec.PatientID, rec.NoteID, rec.Provider, rec.PromptVersion,
				rec.ArchivedAt.Format(time.RFC3339), prettyJSON(rec.Raw))
			return nil
		},
	}

	var expiry time.Duration
	url := &cobra.Command{
		Use:   "url KEY",
		Short: "Print a presigned download URL for one archived response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, ctx, cancel, err := open(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			u, err := a.PresignedURL(ctx, args[0], expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u)
			return nil
		},
	}
	url.Flags().DurationVar(&expiry, "expiry", 15*time.Minute, "URL lifetime (max 168h)")

	cmd.AddCommand(list, get, url)
	return cmd
}

// BuildInfo is printed by the version command.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"buildDate"`
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("tcmintake %s (commit: %s, built: %s)\n", b.Version, b.Commit, b.BuildDate)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return PrintResult(cmd, BuildInfo{Version: Version, Commit: GitCommit, BuildDate: BuildDate})
		},
	}
}
