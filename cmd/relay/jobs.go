package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs in the job store",
	Long: `Manage scheduled jobs directly in the configured job store. A running
relay picks up changes on its next poll.`,
}

var (
	jobName     string
	jobEvery    int64
	jobCron     string
	jobChannel  string
	jobChat     string
	jobDeliver  bool
	jobDisabled bool
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
			jobs, err := s.Jobs(ctx)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		})
	},
}

var jobsAddCmd = &cobra.Command{
	Use:   "add MESSAGE",
	Short: "Add a job that publishes MESSAGE on a schedule",
	Example: `  relay jobs add "summarize today's alerts" --cron "0 18 * * 1-5" --channel discord --chat 1234
  relay jobs add "ping" --every 300`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
			job := &scheduler.Job{
				Name:            jobName,
				Message:         args[0],
				Enabled:         !jobDisabled,
				IntervalSeconds: jobEvery,
				CronExpression:  jobCron,
				DeliverResponse: jobDeliver,
				DeliverTo:       jobChat,
				DeliverChannel:  jobChannel,
			}
			if err := s.AddJob(ctx, job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s (%s)\n", job.ID, job.Schedule())
			return nil
		})
	},
}

var jobsRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withScheduler(cmd, func(ctx context.Context, s *scheduler.Scheduler) error {
			if err := s.RemoveJob(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed job %s\n", args[0])
			return nil
		})
	},
}

func init() {
	jobsAddCmd.Flags().StringVar(&jobName, "name", "", "job name (default: start of the message)")
	jobsAddCmd.Flags().Int64Var(&jobEvery, "every", 0, "run every N seconds")
	jobsAddCmd.Flags().StringVar(&jobCron, "cron", "", "5-field cron expression")
	jobsAddCmd.Flags().StringVar(&jobChannel, "channel", "", "channel the job's message appears on")
	jobsAddCmd.Flags().StringVar(&jobChat, "chat", "", "chat id the job's message appears on")
	jobsAddCmd.Flags().BoolVar(&jobDeliver, "deliver-response", true, "send the agent's reply to the target chat")
	jobsAddCmd.Flags().BoolVar(&jobDisabled, "disabled", false, "create the job disabled")
	jobsAddCmd.MarkFlagsMutuallyExclusive("every", "cron")

	jobsCmd.AddCommand(jobsListCmd, jobsAddCmd, jobsRemoveCmd)
}

// withScheduler opens the job store and runs fn against a scheduler that is
// never started; it only reads and writes jobs.
func withScheduler(cmd *cobra.Command, fn func(context.Context, *scheduler.Scheduler) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser := newLogger(cfg.Logging, logLevel)
	defer logCloser.Close()

	db, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// Jobs never fire here, so the bus has no subscribers.
	b := bus.New(bus.Config{})
	defer b.Close()
	s := scheduler.New(db.Jobs(), b, scheduler.Config{}, scheduler.WithLogger(logger.With(slog.String("command", cmd.Name()))))

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	return fn(ctx, s)
}

func printJobs(w io.Writer, jobs []scheduler.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no scheduled jobs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tRUNS")
	for _, j := range jobs {
		next := "-"
		if j.NextRunAt != nil {
			next = j.NextRunAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", j.ID, j.Name, j.Schedule(), j.Enabled, next, j.RunCount)
	}
	_ = tw.Flush()
}
