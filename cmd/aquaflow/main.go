package main

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ghalamif/aquaflow"
)

//go:embed assets/banner_color.ansi
var bannerColor string

//go:embed assets/banner_plain.txt
var bannerPlain string

const defaultConfigPath = "./data/config.yaml"

func main() {
	fmt.Print(selectBanner())
	fmt.Println()
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "aggregate":
		err = aggregateCommand(os.Args[2:])
	case "health":
		err = healthCommand(os.Args[2:])
	case "reset":
		err = resetCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("aquaflow %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := aquaflow.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := aquaflow.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good ✅ (store=%s, machines=%d)\n", *cfgPath, cfg.Store.Driver, len(cfg.Machines))
	return nil
}

func aggregateCommand(args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	mode := fs.String("mode", string(aquaflow.ModeIncremental), "incremental or backfill")
	machine := fs.String("machine", "", "Machine id (empty aggregates every machine)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	m, err := aquaflow.ParseAggregationMode(*mode)
	if err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *aquaflow.Runtime) error {
		res, err := rt.Aggregate(ctx, m, *machine)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func healthCommand(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *aquaflow.Runtime) error {
		sweep, err := rt.Sweep(ctx)
		for _, rec := range sweep.Records {
			state := "ok"
			if !rec.Healthy() {
				state = fmt.Sprint(rec.Issues)
			}
			fmt.Printf("%-20s raw=%-12s production=%-12s %s\n", rec.MachineID, age(rec.RawDataAge), age(rec.ProductionAge), state)
			for _, d := range rec.Details {
				fmt.Printf("%-20s   %s\n", "", d)
			}
		}
		fmt.Printf("sweep %s: %d machines, %d unhealthy\n", sweep.ID, len(sweep.Records), sweep.Unhealthy)
		return err
	})
}

func resetCommand(args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	machine := fs.String("machine", "", "Machine id whose snapshots, events and buckets are deleted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *machine == "" {
		return fmt.Errorf("-machine is required")
	}

	return withRuntime(*cfgPath, func(ctx context.Context, rt *aquaflow.Runtime) error {
		if err := rt.ResetMachine(ctx, *machine); err != nil {
			return err
		}
		fmt.Printf("machine %s reset\n", *machine)
		return nil
	})
}

// withRuntime builds a runtime without starting its jobs, runs fn, and closes it.
func withRuntime(cfgPath string, fn func(context.Context, *aquaflow.Runtime) error) error {
	cfg, err := aquaflow.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rt, err := aquaflow.NewRuntime(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, rt)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func age(d time.Duration) string {
	if d == aquaflow.NeverAge {
		return "never"
	}
	return d.Round(time.Second).String()
}

func selectBanner() string {
	if os.Getenv("NO_COLOR") != "" {
		return bannerPlain
	}
	return bannerColor
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statTargets = []string{
	"aqua_snapshots_inserted_total",
	"aqua_events_derived_total",
	"aqua_buckets_written_total",
	"aqua_job_errors_total",
	"aqua_unhealthy_machines",
	"aqua_spool_size_bytes",
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	values := make(map[string]float64, len(statTargets))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, key := range statTargets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					values[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] snapshots=%.0f events=%.0f buckets=%.0f job_errors=%.0f unhealthy=%.0f spool_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		values["aqua_snapshots_inserted_total"],
		values["aqua_events_derived_total"],
		values["aqua_buckets_written_total"],
		values["aqua_job_errors_total"],
		values["aqua_unhealthy_machines"],
		values["aqua_spool_size_bytes"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`AquaFlow CLI

Usage:
  aquaflow <command> [flags]

Commands:
  run        Start capture, derivation, aggregation, health sweeps and the API
  validate   Load and validate a config file without starting the runtime
  aggregate  Run one aggregation pass (-mode incremental|backfill, -machine id)
  health     Run one pipeline health sweep and print the records
  reset      Delete every snapshot, event and bucket of one machine (-machine id)
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  aquaflow run -config ./data/config.yaml
  aquaflow aggregate -config ./data/config.yaml -mode backfill -machine wg-01
  aquaflow health -config ./data/config.yaml
  aquaflow reset -config ./data/config.yaml -machine wg-01
  aquaflow stats -url http://localhost:9100/metrics -interval 1s
`)
}
