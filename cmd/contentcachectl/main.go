// Command contentcachectl is the administrative CLI for the content cache:
// report statistics, sweep stale entries, invalidate paths, or serve the
// Prometheus metrics endpoint. Structure (urfave/cli App, config_file flag
// taking precedence over discrete flags, logFlags on the stdlib logger) is
// grounded on the teacher's main.go.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/repque/content-cache/cachecore"
	"github.com/repque/content-cache/config"
	"github.com/repque/content-cache/metric"
	promcollector "github.com/repque/content-cache/metric/prometheus"
	"github.com/repque/content-cache/store/redisstore"
)

const logFlags = log.Ldate | log.Ltime | log.LUTC

func main() {
	log.SetFlags(logFlags)

	app := cli.NewApp()
	app.Name = "contentcachectl"
	app.Usage = "administer a content-cache instance"
	app.Flags = config.CLIFlags()
	app.Commands = []*cli.Command{
		statsCommand,
		sweepCommand,
		invalidateCommand,
		serveMetricsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("contentcachectl: %v", err)
	}
}

func loadConfig(ctx *cli.Context) (cachecore.Config, error) {
	if f := ctx.String("config_file"); f != "" {
		return config.FromYAMLFile(f)
	}
	return config.FromCLI(ctx)
}

func openCache(ctx *cli.Context) (*cachecore.Cache, error) {
	return openCacheWithCollector(ctx, nil)
}

func openCacheWithCollector(ctx *cli.Context, collector metric.Collector) (*cachecore.Cache, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	cfg.Logger = config.NewLogger(cfg.Debug)
	if collector != nil {
		cfg.Collector = collector
	}
	if cfg.Backend == cachecore.BackendRemoteKV && cfg.MetadataStore == nil {
		cfg.MetadataStore = redisstore.Open(cfg.RedisAddr, cfg.RedisDB)
	}

	c, err := cachecore.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	return c, nil
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print cache statistics",
	Action: func(ctx *cli.Context) error {
		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.Statistics()
		if err != nil {
			return err
		}

		fmt.Printf("total requests:     %d\n", stats.TotalRequests)
		fmt.Printf("cache hits:         %d (%.1f%%)\n", stats.CacheHits, stats.HitRate*100)
		fmt.Printf("cache misses:       %d\n", stats.CacheMisses)
		fmt.Printf("bloom filter hits:  %d\n", stats.BloomFilterHits)
		fmt.Printf("dedupe hits:        %d\n", stats.DedupeHits)
		fmt.Printf("memory usage:       %s\n", humanize.Bytes(uint64(stats.MemoryUsageMB*1024*1024)))
		fmt.Printf("disk usage:         %s\n", humanize.Bytes(uint64(stats.DiskUsageBytes)))
		fmt.Printf("entry count:        %d\n", stats.EntryCount)
		fmt.Printf("unique hashes:      %d\n", stats.UniqueHashes)
		fmt.Printf("duplicate groups:   %d\n", stats.DuplicateGroups)
		for kind, count := range stats.Errors {
			fmt.Printf("errors[%s]:         %d\n", kind, count)
		}
		return nil
	},
}

var sweepCommand = &cli.Command{
	Name:      "sweep",
	Usage:     "remove entries not accessed within the given age",
	ArgsUsage: "<age, e.g. 720h>",
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 1 {
			return fmt.Errorf("sweep requires exactly one argument: an age duration")
		}
		age, err := time.ParseDuration(ctx.Args().First())
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", ctx.Args().First(), err)
		}

		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		removed, err := c.SweepOld(age)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale entries\n", removed)
		return nil
	},
}

var invalidateCommand = &cli.Command{
	Name:      "invalidate",
	Usage:     "invalidate one or more cached paths",
	ArgsUsage: "<path> [path...]",
	Action: func(ctx *cli.Context) error {
		paths := ctx.Args().Slice()
		if len(paths) == 0 {
			return fmt.Errorf("invalidate requires at least one path argument")
		}

		c, err := openCache(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		removed := c.InvalidateBatch(paths)
		fmt.Printf("invalidated %d of %d requested paths\n", removed, len(paths))
		return nil
	},
}

var serveMetricsCommand = &cli.Command{
	Name:  "serve-metrics",
	Usage: "serve the Prometheus metrics endpoint",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen",
			Value: ":9092",
			Usage: "address to listen on",
		},
	},
	Action: func(ctx *cli.Context) error {
		collector, handler := promcollector.NewCollectorWithHandler()

		c, err := openCacheWithCollector(ctx, collector)
		if err != nil {
			return err
		}
		defer c.Close()

		status := func(w http.ResponseWriter, r *http.Request) {
			stats, err := c.Statistics()
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintf(w, "entries: %d, hit rate: %.1f%%\n", stats.EntryCount, stats.HitRate*100)
		}

		mux := http.NewServeMux()
		promcollector.WrapEndpoints(mux, handler, func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}, status)

		log.Printf("contentcachectl built with %s, serving metrics on %s", runtime.Version(), ctx.String("listen"))
		srv := &http.Server{Addr: ctx.String("listen"), Handler: mux}
		return srv.ListenAndServe()
	},
}
