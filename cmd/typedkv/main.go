package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/typedkv/typedkv"
	"github.com/typedkv/typedkv/internal/config"
	"github.com/typedkv/typedkv/pkg/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "typedkv",
		Short: "TypedKV - typed collections over embedded key-value engines",
		Long: `TypedKV stores typed collections on an embedded ordered key-value engine
(BadgerDB or Pebble). This tool reads and writes collections with string
keys and JSON values, and runs store maintenance.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringP("data-dir", "d", "", "Data directory path")
	rootCmd.PersistentFlags().StringP("engine", "e", "badger", "Storage engine (badger, pebble)")
	rootCmd.PersistentFlags().StringP("log-level", "", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringP("log-format", "", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolP("sync-writes", "", false, "Sync every write to disk (badger)")
	rootCmd.PersistentFlags().Int64P("cache-size", "", 256<<20, "Block cache size in bytes (pebble)")
	rootCmd.PersistentFlags().StringP("backoff", "", "exponential", "Transaction backoff policy (constant, linear, exponential)")
	rootCmd.PersistentFlags().IntP("max-retries", "", typedkv.DefaultMaxRetries, "Transaction conflict retry budget")

	rootCmd.AddCommand(
		newGetCmd(),
		newPutCmd(),
		newDelCmd(),
		newScanCmd(),
		newCollectionsCmd(),
		newStatsCmd(),
		newCompactCmd(),
		newGCCmd(),
		newBackupCmd(),
		newBenchCmd(),
	)

	return rootCmd
}

// withDB loads configuration, opens the configured store and hands a typed
// handle to fn, closing the store afterwards.
func withDB(cmd *cobra.Command, fn func(ctx context.Context, db *typedkv.DB) error) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogging(cfg)

	backend, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close() //nolint:errcheck

	policy, err := cfg.Txn.BackoffPolicy()
	if err != nil {
		return err
	}
	db := typedkv.New(backend,
		typedkv.WithLogger(logger),
		typedkv.WithTxnDefaults(policy, cfg.Txn.MaxRetries))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	return fn(ctx, db)
}

func openStore(cfg *config.Config, logger *logrus.Logger) (store.Store, error) {
	switch cfg.Engine {
	case "badger":
		return store.NewBadgerStore(store.BadgerOptions{
			DataDir:    cfg.DataDir,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
		})
	case "pebble":
		return store.NewPebbleStore(store.PebbleOptions{
			DataDir:   cfg.DataDir,
			CacheSize: cfg.CacheSize,
			Logger:    logger,
		})
	}
	return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
}

func setupLogging(cfg *config.Config) *logrus.Logger {
	logger := logrus.StandardLogger()

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// rawSchema binds a collection for CLI access: string keys, JSON values.
func rawSchema(name string) typedkv.Schema[string, json.RawMessage] {
	return typedkv.NewSchema(name, typedkv.StringKey, typedkv.JSONValue[json.RawMessage]())
}

// coerceJSON passes raw through when it is valid JSON and quotes it as a
// JSON string otherwise.
func coerceJSON(raw string) json.RawMessage {
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(raw)
	return quoted
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				tree, err := typedkv.OpenTree(ctx, db, rawSchema(args[0]))
				if err != nil {
					return err
				}
				value, found, err := tree.Get(ctx, args[1])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found in collection %q", args[1], args[0])
				}
				fmt.Println(string(value))
				return nil
			})
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <collection> <key> <value>",
		Short: "Store a value under a key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				tree, err := typedkv.OpenTree(ctx, db, rawSchema(args[0]))
				if err != nil {
					return err
				}
				if err := tree.Insert(ctx, args[1], coerceJSON(args[2])); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{
					"collection": args[0],
					"key":        args[1],
				}).Info("Stored value")
				return nil
			})
		},
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <collection> <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				tree, err := typedkv.OpenTree(ctx, db, rawSchema(args[0]))
				if err != nil {
					return err
				}
				if err := tree.Remove(ctx, args[1]); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{
					"collection": args[0],
					"key":        args[1],
				}).Info("Deleted key")
				return nil
			})
		},
	}
}

func newScanCmd() *cobra.Command {
	var (
		reverse bool
		limit   int
		from    string
		to      string
	)

	cmd := &cobra.Command{
		Use:   "scan <collection>",
		Short: "List entries of a collection in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				tree, err := typedkv.OpenTree(ctx, db, rawSchema(args[0]))
				if err != nil {
					return err
				}

				lo := typedkv.Unbounded[string]()
				if from != "" {
					lo = typedkv.Included(from)
				}
				hi := typedkv.Unbounded[string]()
				if to != "" {
					hi = typedkv.Included(to)
				}

				it, err := tree.Range(ctx, lo, hi)
				if err != nil {
					return err
				}
				defer it.Close() //nolint:errcheck

				advance := it.Next
				if reverse {
					advance = it.NextBack
				}
				for n := 0; (limit <= 0 || n < limit) && advance(); n++ {
					e := it.Entry()
					fmt.Printf("%s\t%s\n", e.Key, string(e.Value))
				}
				return it.Err()
			})
		},
	}

	cmd.Flags().BoolVar(&reverse, "reverse", false, "Scan from the largest key down")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many entries (0 = no limit)")
	cmd.Flags().StringVar(&from, "from", "", "Smallest key to include")
	cmd.Flags().StringVar(&to, "to", "", "Largest key to include")

	return cmd
}

func newCollectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List all collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				names, err := db.Collections(ctx)
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return nil
			})
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				stats, err := db.Stats(ctx)
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(stats, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			})
		},
	}
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				start := time.Now()
				if err := db.Compact(ctx); err != nil {
					return err
				}
				logrus.WithField("duration", time.Since(start)).Info("Compaction complete")
				return nil
			})
		},
	}
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Run garbage collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				start := time.Now()
				if err := db.GC(ctx); err != nil {
					return err
				}
				logrus.WithField("duration", time.Since(start)).Info("Garbage collection complete")
				return nil
			})
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent snapshot of the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				start := time.Now()
				if err := db.Backup(ctx, args[0]); err != nil {
					return err
				}
				logrus.WithFields(logrus.Fields{
					"path":     args[0],
					"duration": time.Since(start),
				}).Info("Backup complete")
				return nil
			})
		},
	}
}

func newBenchCmd() *cobra.Command {
	var (
		n         int
		workers   int
		valueSize int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent insert/get benchmark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd, func(ctx context.Context, db *typedkv.DB) error {
				return runBench(ctx, db, n, workers, valueSize)
			})
		},
	}

	cmd.Flags().IntVar(&n, "n", 10000, "Number of keys")
	cmd.Flags().IntVar(&workers, "workers", 4, "Concurrent workers")
	cmd.Flags().IntVar(&valueSize, "value-size", 128, "Value payload size in bytes")

	return cmd
}

func runBench(ctx context.Context, db *typedkv.DB, n, workers, valueSize int) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(store.NewStatsCollector(db.Store())); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	tree, err := typedkv.OpenTree(ctx, db, typedkv.NewSchema("bench", typedkv.StringKey, typedkv.BytesValue))
	if err != nil {
		return err
	}

	keys := make([]string, n)
	for i := range keys {
		keys[i] = uuid.New().String()
	}
	value := bytes.Repeat([]byte("x"), valueSize)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := tree.Insert(gctx, keys[i], value); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("insert phase failed: %w", err)
	}
	insertDur := time.Since(start)

	start = time.Now()
	g, gctx = errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += workers {
				_, found, err := tree.Get(gctx, keys[i])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("benchmark key %q missing", keys[i])
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("read phase failed: %w", err)
	}
	readDur := time.Since(start)

	logrus.WithFields(logrus.Fields{
		"keys":           n,
		"workers":        workers,
		"value_bytes":    valueSize,
		"insert_ops_sec": opsPerSec(n, insertDur),
		"get_ops_sec":    opsPerSec(n, readDur),
	}).Info("Benchmark complete")

	families, err := registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	fields := logrus.Fields{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			fields[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	logrus.WithFields(fields).Info("Store metrics after benchmark")

	return nil
}

func opsPerSec(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
