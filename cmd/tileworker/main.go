// Command tileworker consumes tile-build requests and stages vector tiles for
// archive packaging.
//
// Subcommands:
//
//	run        start the worker
//	progress   print a shard's progress record
//	set-total  set a shard's known tile target
//	enqueue    append one build request (manual replay)
//	failures   list recent failure records
//	rebuild    run the packager for a shard now
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-tile-worker/internal/config"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/logging"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/progress"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/queue"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/rebuild"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/tiles"
	"github.com/withObsrvr/obsrvr-tile-worker/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:           "tileworker",
		Short:         "Vector tile build worker",
		Version:       fmt.Sprintf("%s (%s)", worker.Version, worker.GitSHA),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		runCmd(),
		progressCmd(),
		setTotalCmd(),
		enqueueCmd(),
		failuresCmd(),
		rebuildCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand needs: configuration and a Redis client.
type env struct {
	cfg    config.Config
	client *redis.Client
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return &env{cfg: cfg, client: redis.NewClient(opts)}, nil
}

func (e *env) Close() error {
	return e.client.Close()
}

func (e *env) queue() *queue.Queue {
	return queue.New(e.client, queue.Config{
		Stream:        e.cfg.Queue.Stream,
		FailureStream: e.cfg.Queue.FailureStream,
		Group:         e.cfg.Queue.Group,
		Consumer:      e.cfg.Queue.Consumer,
	})
}

func (e *env) progress() *progress.Store {
	return progress.NewStore(e.client, e.cfg.Queue.ProgressPrefix)
}

// trigger builds the rebuild trigger shared by run and rebuild.
func (e *env) trigger(q *queue.Queue, store *progress.Store) *rebuild.Trigger {
	rc := e.cfg.Rebuild
	var opts []rebuild.Option
	if rc.DistributedLock {
		opts = append(opts, rebuild.WithLease(store))
	}
	return rebuild.New(rebuild.Config{
		Interval:   rc.Interval,
		OutputDir:  rc.OutputDir,
		Upload:     rc.Upload,
		LeaseOwner: e.cfg.Queue.Consumer,
		LeaseTTL:   rc.LockTTL,
	}, rebuild.CommandRunner{Command: rc.Command, Args: rc.Args}, store, q, opts...)
}

func shardArgs(args []string) tiles.ShardKey {
	return tiles.ShardKey{Dataset: args[0], ShardID: args[1]}
}

func parseUint32(name, s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return uint32(n), nil
}

// ── progress ─────────────────────────────────────────────────────────────────

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <dataset> <shard>",
		Short: "Print a shard's progress record and the build queue length",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			rec, err := e.progress().Get(ctx, shardArgs(args))
			if err != nil {
				return err
			}
			queued, err := e.queue().Len(ctx)
			if err != nil {
				return err
			}
			printRecord(cmd, rec, queued)
			return nil
		},
	}
}

func printRecord(cmd *cobra.Command, rec progress.Record, queued int64) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer tw.Flush()

	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("shard", rec.Key.String())
	row(progress.FieldStatus, rec.Status)
	row(progress.FieldCompleted, rec.Completed)
	row(progress.FieldWritten, rec.Written)
	row(progress.FieldPending, rec.Pending)
	row(progress.FieldTotal, rec.Total)
	row("last_tile", fmt.Sprintf("%d/%d/%d", rec.LastZ, rec.LastX, rec.LastY))
	row(progress.FieldLastUpdatedAt, formatTime(rec.LastUpdatedAt))
	row(progress.FieldLastRebuildAt, formatTime(rec.LastRebuildAt))
	row(progress.FieldLastRebuildStatus, rec.LastRebuildStatus)
	if rec.LastRebuildError != "" {
		row(progress.FieldLastRebuildError, rec.LastRebuildError)
	}
	row("queue_len", queued)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// ── set-total ────────────────────────────────────────────────────────────────

func setTotalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-total <dataset> <shard> <n>",
		Short: "Set the known tile target of a shard",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid total %q: %w", args[2], err)
			}
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			key := shardArgs(args)
			if err := e.progress().SetTotal(cmd.Context(), key, total); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s total_tiles=%d\n", key, total)
			return nil
		},
	}
}

// ── enqueue ──────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <dataset> <shard> <z> <x> <y>",
		Short: "Append one build request to the queue",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := tiles.BuildRequest{Dataset: args[0], ShardID: args[1]}
			var err error
			if req.Z, err = parseUint32("z", args[2]); err != nil {
				return err
			}
			if req.X, err = parseUint32("x", args[3]); err != nil {
				return err
			}
			if req.Y, err = parseUint32("y", args[4]); err != nil {
				return err
			}
			if _, err := tiles.ParseRequest(req.Values()); err != nil {
				return err
			}

			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.queue().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

// ── failures ─────────────────────────────────────────────────────────────────

func failuresCmd() *cobra.Command {
	var n int64
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "List the most recent failure records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			msgs, err := e.queue().RecentFailures(cmd.Context(), n)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()
			fmt.Fprintln(tw, "ID\tTYPE\tSHARD\tTILE\tATTEMPTS\tTIME\tERROR")
			for _, m := range msgs {
				v := m.Values
				tile := "-"
				if v["z"] != nil {
					tile = fmt.Sprintf("%v/%v/%v", v["z"], v["x"], v["y"])
				}
				attempts := v["attempts"]
				if attempts == nil {
					attempts = "-"
				}
				fmt.Fprintf(tw, "%s\t%v\t%v\t%s\t%v\t%v\t%v\n",
					m.ID, v["type"], v["shard"], tile, attempts, v["time"], v["error"])
			}
			return nil
		},
	}
	cmd.Flags().Int64VarP(&n, "count", "n", 20, "number of records to show")
	return cmd
}

// ── rebuild ──────────────────────────────────────────────────────────────────

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <dataset> <shard>",
		Short: "Run the packager for a shard now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			key := shardArgs(args)
			store := e.progress()

			rec, err := store.Get(ctx, key)
			if err != nil {
				return err
			}
			_, complete := rec.RebuildDue(e.cfg.Rebuild.Interval)

			return e.trigger(e.queue(), store).Rebuild(ctx, key, complete)
		},
	}
}
