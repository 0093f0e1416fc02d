package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	ucli "github.com/urfave/cli/v3"

	"github.com/marginscout/marginscout/cmd/scoutctl/cli"
	"github.com/marginscout/marginscout/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &ucli.Command{
		Name:  "scoutctl",
		Usage: "operate the marginscout import pipeline",
		Commands: []*ucli.Command{
			{
				Name:  "queue",
				Usage: "inspect task queues",
				Commands: []*ucli.Command{
					{
						Name:   "stats",
						Usage:  "show per-queue task counts",
						Action: queueStatsAction,
					},
				},
			},
			{
				Name:  "job",
				Usage: "inspect and retry import jobs",
				Commands: []*ucli.Command{
					{
						Name:      "status",
						Usage:     "show job state and product counts",
						ArgsUsage: "<job-id>",
						Action:    withServices(func(ctx context.Context, ops *cli.OpsCLI, id int64) error { return ops.JobStatus(ctx, id) }),
					},
					{
						Name:      "products",
						Usage:     "list products with recommendations",
						ArgsUsage: "<job-id>",
						Action:    withServices(func(ctx context.Context, ops *cli.OpsCLI, id int64) error { return ops.JobProducts(ctx, id) }),
					},
					{
						Name:      "retry",
						Usage:     "schedule the waiting products of a processing job again",
						ArgsUsage: "<job-id>",
						Action:    withServices(func(ctx context.Context, ops *cli.OpsCLI, id int64) error { return ops.RetryJob(ctx, id) }),
					},
				},
			},
			{
				Name:  "cache",
				Usage: "manage the lookup cache",
				Commands: []*ucli.Command{
					{
						Name:   "purge",
						Usage:  "drop entries older than CACHE_TTL",
						Action: withServices(func(ctx context.Context, ops *cli.OpsCLI, _ int64) error { return ops.PurgeCache(ctx) }),
					},
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func queueStatsAction(ctx context.Context, _ *ucli.Command) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	inspector := asynq.NewInspector(app.RedisOpt(cfg))
	defer inspector.Close()
	return cli.NewOpsCLI(inspector, nil, nil, os.Stdout).QueueStats()
}

// withServices builds the service graph for commands that touch the store.
// Commands with an ArgsUsage expect the job id as first argument.
func withServices(run func(ctx context.Context, ops *cli.OpsCLI, jobID int64) error) ucli.ActionFunc {
	return func(ctx context.Context, cmd *ucli.Command) error {
		var jobID int64
		if cmd.ArgsUsage != "" {
			id, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid job id %q", cmd.Args().First())
			}
			jobID = id
		}
		cfg, err := app.LoadConfig()
		if err != nil {
			return err
		}
		logger := app.NewLogger(cfg)
		slog.SetDefault(logger)
		services, err := app.BuildServices(ctx, cfg, logger, app.ServicesOptions{Registerer: prometheus.NewRegistry()})
		if err != nil {
			return err
		}
		defer services.Close()
		return run(ctx, cli.NewOpsCLI(nil, services.Imports, services.Cache, os.Stdout), jobID)
	}
}
