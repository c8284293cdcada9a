// uptimectl provisions the store used by the pipeline.
//
//	uptimectl migrate
//	uptimectl seed-regions [name...]
//	uptimectl add [url]
//	uptimectl list
//	uptimectl regions
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimepipeline/internal/config"
	"github.com/hamed0406/uptimepipeline/internal/domain"
	"github.com/hamed0406/uptimepipeline/internal/repo"
	"github.com/hamed0406/uptimepipeline/internal/repo/postgres"
)

const usage = `usage: uptimectl <command> [args]

commands:
  migrate              create tables (idempotent)
  seed-regions [name]  insert regions, default: us-east us-west eu-central ap-south
  add [url]            register an endpoint (prompts when url is omitted)
  list                 list endpoints
  regions              list regions
`

var errUsage = errors.New("bad usage")

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: .env not loaded: %v", err)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	store, err := postgres.New(ctx, cfg.DatabaseURL, zap.NewNop())
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, store); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type migrator interface {
	Migrate(ctx context.Context) error
}

func run(ctx context.Context, args []string, in io.Reader, out io.Writer, store repo.Store) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		m, ok := store.(migrator)
		if !ok {
			return fmt.Errorf("store does not support migrations")
		}
		if err := m.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "schema up to date")
		return nil

	case "seed-regions":
		names := rest
		if len(names) == 0 {
			names = repo.DefaultRegions
		}
		if err := store.EnsureRegions(ctx, names); err != nil {
			return err
		}
		fmt.Fprintf(out, "regions: %s\n", strings.Join(names, ", "))
		return nil

	case "add":
		raw := strings.Join(rest, "")
		if raw == "" {
			fmt.Fprint(out, "Enter a site URL to monitor (e.g., https://example.com): ")
			line, err := bufio.NewReader(in).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read url: %w", err)
			}
			raw = line
		}
		u, err := domain.NormalizeURL(raw)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		e := &domain.Endpoint{URL: u}
		if err := store.AddEndpoint(ctx, e); err != nil {
			return err
		}
		fmt.Fprintf(out, "added %s %s\n", e.ID, e.URL)
		return nil

	case "list":
		eps, err := store.ListEndpoints(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tURL\tCREATED")
		for _, e := range eps {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.URL, e.CreatedAt.UTC().Format(time.RFC3339))
		}
		return tw.Flush()

	case "regions":
		regions, err := store.ListRegions(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME")
		for _, r := range regions {
			fmt.Fprintf(tw, "%s\t%s\n", r.ID, r.Name)
		}
		return tw.Flush()
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}
