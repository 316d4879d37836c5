package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/siteledger/siteledger/cmd/ops/cli"
	"github.com/siteledger/siteledger/internal/app"
)

const usage = `usage: ops <command> [flags]

commands:
  trigger <task>   enqueue settlement:rebuild, settlement:fifo_audit or inventory:recompute
  queue            print queue statistics
  scheduled        list scheduled tasks
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ops: load config: %v\n", err)
		return 1
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ops: %v\n", err)
		return 1
	}
	defer func() {
		_ = jobsCLI.Close()
	}()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(stderr)
		var opts cli.TriggerOptions
		fs.Int64Var(&opts.GroupID, "group", 0, "group id (0 = every group)")
		fs.Int64Var(&opts.SiteID, "site", 0, "site id (0 = group scope)")
		fs.BoolVar(&opts.AllSites, "all", false, "rebuild every scope of the group")
		fs.Int64Var(&opts.AccountID, "account", 0, "inventory account id")
		fs.BoolVar(&opts.Repair, "repair", false, "rebuild scopes the audit flags")
		if len(args) < 2 {
			_, _ = fmt.Fprintln(stderr, "ops trigger: task name required")
			return 2
		}
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1], opts)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ops trigger: %v\n", err)
			return 1
		}
		_ = enc.Encode(map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue})
	case "queue":
		fs := flag.NewFlagSet("queue", flag.ContinueOnError)
		fs.SetOutput(stderr)
		queue := fs.String("name", "", "queue name")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		stats, err := jobsCLI.InspectQueue(ctx, *queue)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ops queue: %v\n", err)
			return 1
		}
		_ = enc.Encode(stats)
	case "scheduled":
		fs := flag.NewFlagSet("scheduled", flag.ContinueOnError)
		fs.SetOutput(stderr)
		size := fs.Int("n", 10, "page size")
		if err := fs.Parse(args[1:]); err != nil {
			return 2
		}
		tasks, err := jobsCLI.ListScheduled(ctx, *size)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "ops scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			_, _ = fmt.Fprintf(stdout, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02 15:04:05"))
		}
	default:
		_, _ = fmt.Fprint(stderr, usage)
		return 2
	}
	return 0
}
