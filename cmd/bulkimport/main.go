package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"bulkindex/pkg/api"
	"bulkindex/pkg/config"
	"bulkindex/pkg/importer"
	"bulkindex/pkg/index"
	"bulkindex/pkg/logging"
	"bulkindex/pkg/monitor"
	"bulkindex/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	engine      string
	dataPath    string
	memoryLimit string
	workers     int
	entries     int
	seed        int64
	httpAddr    string
	timeout     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "bulkimport",
	Short: "Bulk-load directory entries into attribute indexes",
	Long: `bulkimport feeds entries through a bounded in-memory index buffer and
writes the resulting (index, key) -> entry id sets to an ordered store.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Import synthetic entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logging.New(cfg.Log.Level, cfg.Log.Format)

		reg := prometheus.NewRegistry()
		metrics := monitor.NewMetrics(reg)

		store, err := storage.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		im, err := importer.New(cfg, store,
			importer.WithLogger(log),
			importer.WithMetrics(metrics))
		if err != nil {
			return err
		}
		if httpAddr != "" {
			srv := api.NewServer(store, im.Registry(), im.Stats, reg, log)
			go func() {
				if err := srv.Start(httpAddr); err != nil {
					log.Error("status server stopped", "err", err)
				}
			}()
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, err := im.Run(ctx, importer.Synthetic(ctx, entries, seed))
		if err != nil {
			return fmt.Errorf("import %s failed: %w", res.RunID, err)
		}
		printResult(cfg, res)
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup [index] [value]",
	Short: "Print the entry ids stored for one key",
	Long:  `Look up a key in a store written by "run". The index is named attribute.kind, e.g. cn.equality.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		reg, err := importer.BuildIndexes(cfg.Indexes)
		if err != nil {
			return err
		}
		ix, ok := reg.ByName(args[0])
		if !ok {
			return fmt.Errorf("no index named %q", args[0])
		}

		store, err := storage.Open(cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		if err := store.Bind(ix); err != nil {
			return err
		}

		ids, found, err := store.Read(ix, []byte(index.Normalize(args[1])))
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		if !found {
			return nil
		}
		fmt.Println(ids.String())
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("engine") {
		cfg.Storage.Engine = engine
	}
	if flags.Changed("path") {
		cfg.Storage.Path = dataPath
	}
	if flags.Changed("memory-limit") {
		n, err := humanize.ParseBytes(memoryLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid --memory-limit: %w", err)
		}
		cfg.Buffer.MemoryLimit = int64(n)
	}
	if flags.Changed("workers") {
		cfg.Buffer.WorkerThreads = workers
	}
	return cfg, cfg.Validate()
}

func printResult(cfg *config.Config, res importer.Result) {
	st := res.Buffer
	hitRate := 0.0
	if st.Total > 0 {
		hitRate = float64(st.Hit) / float64(st.Total) * 100
	}
	fmt.Printf("run        %s\n", res.RunID)
	fmt.Printf("engine     %s (%s)\n", cfg.Storage.Engine, cfg.Storage.Path)
	fmt.Printf("entries    %s\n", humanize.Comma(res.Entries))
	fmt.Printf("keys       %s (hit %.1f%%)\n", humanize.Comma(int64(st.Total)), hitRate)
	fmt.Printf("evicted    %s in %d passes (%d stalled)\n",
		humanize.Comma(int64(st.Evicted)), st.EvictionPasses, st.EvictionStalls)
	fmt.Printf("limit      %s\n", humanize.IBytes(uint64(st.MemoryLimit)))
	fmt.Printf("insert     %v\n", res.InsertDuration.Round(time.Millisecond))
	fmt.Printf("flush      %v\n", res.FlushDuration.Round(time.Millisecond))
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default configs/bulkindex.yaml)")
	rootCmd.PersistentFlags().StringVar(&engine, "engine", "", "storage engine: memory, sqlite, pebble, log or sstable")
	rootCmd.PersistentFlags().StringVarP(&dataPath, "path", "d", "", "storage directory")

	runCmd.Flags().StringVarP(&memoryLimit, "memory-limit", "m", "", "buffer memory limit, e.g. 64MiB")
	runCmd.Flags().IntVarP(&workers, "workers", "w", 0, "import worker count")
	runCmd.Flags().IntVarP(&entries, "entries", "n", 100000, "number of synthetic entries")
	runCmd.Flags().Int64Var(&seed, "seed", 1, "synthetic entry seed")
	runCmd.Flags().StringVar(&httpAddr, "http-addr", "", "serve status, lookups and Prometheus metrics on this address")
	runCmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the import after this long")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(lookupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
