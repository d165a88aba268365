// Command hybridfetch fetches URLs through the adaptive strategy engine.
//
// Usage:
//
//	hybridfetch -url https://example.com/page       # fetch and print content
//	hybridfetch -url https://example.com -force stealth
//	hybridfetch -profile https://example.com        # print the site profile
//	hybridfetch -stats example.com                  # ledger and rate state ("" lists origins)
//	hybridfetch -evidence example.com               # recorded exhausted fetches
//	hybridfetch -purge                              # drop idle ledger entries
//	hybridfetch -mcp                                # serve MCP tools on stdio
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/hybridfetch/scrape"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to hybridfetch.yaml")
	dbPath := flag.String("db", "", "ledger database path (overrides db_path)")
	fetchURL := flag.String("url", "", "fetch a URL and print its content")
	force := flag.String("force", "", "start the chain at this strategy: lightweight, stealth, ultra_stealth")
	profileURL := flag.String("profile", "", "profile a URL's origin and exit")
	stats := flag.String("stats", "", "print the ledger of an origin; empty lists origins")
	evidence := flag.String("evidence", "", "list evidence of exhausted fetches for an origin; empty lists all")
	purge := flag.Bool("purge", false, "drop ledger entries idle past the decay horizon")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdin/stdout")
	jsonOut := flag.Bool("json", false, "print the full fetch result as JSON")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	given := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { given[f.Name] = true })

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath, *dbPath)
	if err != nil {
		logger.Error("hybridfetch: config", "error", err)
		os.Exit(1)
	}
	eng, err := scrape.New(cfg, scrape.WithLogger(logger))
	if err != nil {
		logger.Error("hybridfetch: engine", "error", err)
		os.Exit(1)
	}

	err = run(ctx, eng, runArgs{
		fetchURL:   *fetchURL,
		force:      *force,
		profileURL: *profileURL,
		stats:      *stats,
		showStats:  given["stats"],
		evidence:   *evidence,
		showEv:     given["evidence"],
		purge:      *purge,
		serveMCP:   *serveMCP,
		jsonOut:    *jsonOut,
	})
	if cerr := eng.Close(); cerr != nil {
		logger.Warn("hybridfetch: close", "error", cerr)
	}
	if errors.Is(err, errUsage) {
		fmt.Fprintln(os.Stderr, "usage: hybridfetch -url <url> [-force <strategy>] | -profile <url> | -stats [origin] | -evidence [origin] | -purge | -mcp")
		os.Exit(2)
	}
	if err != nil {
		logger.Error("hybridfetch: fatal", "error", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

type runArgs struct {
	fetchURL, force, profileURL string
	stats, evidence             string
	showStats, showEv           bool
	purge, serveMCP, jsonOut    bool
}

func loadConfig(path, dbPath string) (scrape.Config, error) {
	cfg := scrape.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = scrape.LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func run(ctx context.Context, eng *scrape.Engine, a runArgs) error {
	switch {
	case a.serveMCP:
		srv := mcp.NewServer(&mcp.Implementation{Name: "hybridfetch", Version: version}, nil)
		eng.RegisterMCP(srv)
		return srv.Run(ctx, &mcp.StdioTransport{})

	case a.fetchURL != "":
		var opts []scrape.FetchOption
		if a.force != "" {
			id, err := scrape.ParseStrategy(a.force)
			if err != nil {
				return err
			}
			opts = append(opts, scrape.ForceStrategy(id))
		}
		res, err := eng.Fetch(ctx, a.fetchURL, opts...)
		if err != nil {
			return err
		}
		if a.jsonOut {
			return printJSON(res)
		}
		if !res.Success {
			if res.Denied {
				return fmt.Errorf("denied: %s", res.Reason)
			}
			return fmt.Errorf("no strategy could fetch %s", a.fetchURL)
		}
		fmt.Println(res.Content)
		return nil

	case a.profileURL != "":
		prof, err := eng.Profile(ctx, a.profileURL)
		if err != nil {
			return err
		}
		return printJSON(prof)

	case a.showStats:
		if a.stats == "" {
			return printJSON(map[string]any{"origins": eng.Origins()})
		}
		outcomes, err := eng.Stats(a.stats)
		if err != nil {
			return err
		}
		rs, err := eng.RateState(a.stats)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"origin": rs.Origin, "outcomes": outcomes, "rate": rs})

	case a.showEv:
		evs, err := eng.Evidence(ctx, a.evidence, 50)
		if err != nil {
			return err
		}
		return printJSON(evs)

	case a.purge:
		n, err := eng.Maintain(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d ledger entries\n", n)
		return nil
	}
	return errUsage
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
