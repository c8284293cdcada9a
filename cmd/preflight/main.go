// cmd/preflight/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/app"
	"github.com/hamed0406/uptimepipeline/internal/config"
)

const connectTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "⚠ .env not loaded:", err)
	}
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "✖", err)
		os.Exit(2)
	}

	res := app.New(cfg, zap.NewNop())
	defer res.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if !preflight(ctx, cfg, res, os.Stdout) {
		os.Exit(1)
	}
}

// preflight prints one line per check and reports whether the process
// described by cfg can start.
func preflight(ctx context.Context, cfg config.Config, res *app.Resources, out io.Writer) bool {
	passed := true
	fail := func(msg string) {
		fmt.Fprintln(out, "✖", msg)
		passed = false
	}
	warn := func(msg string) { fmt.Fprintln(out, "⚠", msg) }
	ok := func(msg string) { fmt.Fprintln(out, "✔", msg) }

	if err := cfg.Validate(); err != nil {
		for _, p := range config.Problems(err) {
			fail(p)
		}
		return false
	}
	ok("ROLE=" + string(cfg.Role))
	if cfg.Role.Runs(config.RoleWorker) {
		ok(fmt.Sprintf("REGION_NAME=%s WORKER_ID=%s", cfg.RegionName, cfg.WorkerID))
	}

	if cfg.OpsAddr == "" {
		warn("OPS_ADDR empty; health checks and /metrics are disabled.")
	} else if len(cfg.OpsAPIKeys) == 0 {
		warn("OPS_API_KEYS empty; stream inspection on " + cfg.OpsAddr + " is open to anyone.")
	} else {
		for _, k := range cfg.OpsAPIKeys {
			if strings.Contains(k, " ") {
				warn("OPS_API_KEYS contains spaces; use comma-separated with no spaces, e.g. key1,key2")
				break
			}
		}
		ok("OPS_ADDR=" + cfg.OpsAddr)
	}

	if cfg.StreamBackend == config.BackendMemory {
		warn("STREAM_BACKEND=memory; pending work is lost on restart.")
	}
	if cfg.DatabaseURL == "" {
		warn("DATABASE_URL empty; results are kept in memory only.")
	}

	s, err := res.Stream(ctx)
	if err != nil {
		fail(err.Error())
	} else if err := s.Ping(ctx); err != nil {
		fail("stream ping: " + err.Error())
	} else {
		ok("stream reachable (" + cfg.StreamBackend + ")")
	}

	if cfg.Role.Runs(config.RoleProducer) || cfg.Role.Runs(config.RoleWorker) || cfg.Role.Runs(config.RoleAggregator) {
		store, err := res.Store(ctx)
		switch {
		case err != nil:
			fail(err.Error())
		case store.Ping(ctx) != nil:
			fail("store ping failed")
		default:
			ok("store reachable")
			if cfg.Role.Runs(config.RoleWorker) {
				if _, err := store.ResolveRegionID(ctx, cfg.RegionName); err != nil {
					fail(fmt.Sprintf("region %q: %v (run uptimectl seed-regions)", cfg.RegionName, err))
				} else {
					ok("region " + cfg.RegionName + " exists")
				}
			}
		}
	}

	if passed {
		ok("preflight passed")
	}
	return passed
}
