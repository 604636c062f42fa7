package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/client"
	"github.com/MarcoPoloResearchLab/mealgate/internal/cutoff"
	"github.com/MarcoPoloResearchLab/mealgate/internal/queue"
	"github.com/spf13/cobra"
)

func newTimeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "time",
		Short: "Show the server-corrected time and clock health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				estimate := agent.Clock.CurrentEstimate()
				if agent.Prober.Online() {
					synced, err := agent.Clock.Synchronize(ctx)
					if err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "synchronization failed: %v\n", err)
					} else {
						estimate = synced
					}
				}
				out := cmd.OutOrStdout()
				location := agent.Coordinator.Policy().Location()
				fmt.Fprintf(out, "local:    %s\n", time.Now().In(location).Format(time.RFC3339))
				fmt.Fprintf(out, "trusted:  %s\n", agent.Clock.Now().In(location).Format(time.RFC3339))
				fmt.Fprintf(out, "offset:   %s\n", estimate.Offset())
				fmt.Fprintf(out, "synced:   %t (stale: %t)\n", estimate.Synced, agent.Clock.IsStale())
				if estimate.SampleCount > 0 {
					fmt.Fprintf(out, "latency:  %.0fms avg over %d sample(s), %.0f%% success\n",
						estimate.AverageLatencyMillis, estimate.SampleCount, estimate.SuccessRatePercent)
				}
				return nil
			})
		},
	}
}

func newCutoffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cutoff",
		Short: "Show today's cutoffs in the mess timezone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				policy := agent.Coordinator.Policy()
				now := agent.Clock.Now()
				today := policy.Today(now)
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "date:     %s (%s)\n", today, policy.Location())
				for _, period := range []cutoff.Period{cutoff.PeriodMorning, cutoff.PeriodNight} {
					state := "open, closes in " + policy.TimeUntilCutoff(period, now).Truncate(time.Minute).String()
					if policy.IsCutoffPassed(period, today, now) {
						state = "closed"
					}
					fmt.Fprintf(out, "%-9s %s  %s\n", period.String()+":", policy.CutoffLabel(period), state)
				}
				return nil
			})
		},
	}
}

type slotFlags struct {
	date   string
	period string
}

func (f *slotFlags) register(cmd *cobra.Command, withPeriod bool) {
	cmd.Flags().StringVar(&f.date, "date", "today", "Meal date (YYYY-MM-DD, today or tomorrow)")
	if withPeriod {
		cmd.Flags().StringVar(&f.period, "period", "", "Meal period (morning or night)")
		_ = cmd.MarkFlagRequired("period")
	}
}

func (f *slotFlags) resolveDate(agent *client.Agent) (cutoff.Date, error) {
	today := agent.Coordinator.Policy().Today(agent.Clock.Now())
	switch strings.ToLower(strings.TrimSpace(f.date)) {
	case "", "today":
		return today, nil
	case "tomorrow":
		return today.AddDays(1), nil
	default:
		return cutoff.ParseDate(f.date)
	}
}

func (f *slotFlags) resolve(agent *client.Agent) (cutoff.Date, cutoff.Period, error) {
	date, err := f.resolveDate(agent)
	if err != nil {
		return cutoff.Date{}, "", err
	}
	period, err := cutoff.ParsePeriod(f.period)
	if err != nil {
		return cutoff.Date{}, "", err
	}
	return date, period, nil
}

func submit(ctx context.Context, out io.Writer, agent *client.Agent, payload queue.Payload) error {
	outcome, err := agent.Coordinator.Submit(ctx, payload)
	if err != nil {
		return err
	}
	switch outcome {
	case client.OutcomeQueued:
		fmt.Fprintf(out, "%s queued; it will be sent when the server is reachable\n", payload.Kind())
	default:
		fmt.Fprintf(out, "%s applied\n", payload.Kind())
	}
	return nil
}

func newMealCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meal",
		Short: "Register, cancel and inspect meals",
	}
	cmd.AddCommand(newMealAddCommand(), newMealRemoveCommand(), newMealQuantityCommand(), newMealDetailsCommand(), newMealListCommand())
	return cmd
}

func newMealAddCommand() *cobra.Command {
	var slot slotFlags
	var quantity int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a meal before its cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				date, period, err := slot.resolve(agent)
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), agent, queue.AddMeal{
					MemberID: agent.MemberID(),
					Date:     date,
					Period:   period,
					Quantity: quantity,
				})
			})
		},
	}
	slot.register(cmd, true)
	cmd.Flags().IntVar(&quantity, "quantity", 1, "Number of portions")
	return cmd
}

func newMealRemoveCommand() *cobra.Command {
	var slot slotFlags
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Cancel a meal before its cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				date, period, err := slot.resolve(agent)
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), agent, queue.RemoveMeal{MemberID: agent.MemberID(), Date: date, Period: period})
			})
		},
	}
	slot.register(cmd, true)
	return cmd
}

func newMealQuantityCommand() *cobra.Command {
	var slot slotFlags
	var quantity int
	cmd := &cobra.Command{
		Use:   "quantity",
		Short: "Change the portions of a registered meal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				date, period, err := slot.resolve(agent)
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), agent, queue.UpdateQuantity{
					MemberID: agent.MemberID(),
					Date:     date,
					Period:   period,
					Quantity: quantity,
				})
			})
		},
	}
	slot.register(cmd, true)
	cmd.Flags().IntVar(&quantity, "quantity", 0, "New number of portions")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newMealDetailsCommand() *cobra.Command {
	var slot slotFlags
	cmd := &cobra.Command{
		Use:   "details [text...]",
		Short: "Replace your notes for a date",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				date, err := slot.resolveDate(agent)
				if err != nil {
					return err
				}
				return submit(ctx, cmd.OutOrStdout(), agent, queue.UpdateDetails{
					MemberID: agent.MemberID(),
					Date:     date,
					Details:  strings.Join(args, " "),
				})
			})
		},
	}
	slot.register(cmd, false)
	return cmd
}

func newMealListCommand() *cobra.Command {
	var slot slotFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the meals registered for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				date, err := slot.resolveDate(agent)
				if err != nil {
					return err
				}
				entries, err := agent.API.ListMeals(ctx, date)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintf(out, "no meals registered for %s\n", date)
					return nil
				}
				for _, entry := range entries {
					fmt.Fprintf(out, "%-8s %-20s x%d\n", entry.Period, entry.MemberID, entry.Quantity)
				}
				return nil
			})
		},
	}
	slot.register(cmd, false)
	return cmd
}

func newMessageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Post to and read the mess chat",
	}

	send := &cobra.Command{
		Use:   "send [text...]",
		Short: "Post a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				return submit(ctx, cmd.OutOrStdout(), agent, queue.SendMessage{MemberID: agent.MemberID(), Body: strings.Join(args, " ")})
			})
		},
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				messages, err := agent.API.ListMessages(ctx, limit)
				if err != nil {
					return err
				}
				location := agent.Coordinator.Policy().Location()
				for _, message := range messages {
					marker := ""
					if message.IsViolation {
						marker = " [violation]"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s: %s\n",
						message.PostedAt.In(location).Format("2006-01-02 15:04"), message.MemberID, marker, message.Body)
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Number of messages to show")

	cmd.AddCommand(send, list)
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay actions recorded while offline",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "List pending actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				printQueue(cmd.OutOrStdout(), agent)
				return nil
			})
		},
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Replay pending actions now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				if !agent.Prober.Online() {
					return fmt.Errorf("server unreachable; %d action(s) remain queued", agent.Queue.Len())
				}
				if err := agent.Flush(ctx, flushTimeout); err != nil {
					return err
				}
				printQueue(cmd.OutOrStdout(), agent)
				return nil
			})
		},
	}

	cmd.AddCommand(status, drain)
	return cmd
}

func printQueue(out io.Writer, agent *client.Agent) {
	pending := agent.Queue.Pending()
	fmt.Fprintf(out, "status: %s, %d pending\n", agent.Queue.Status(), len(pending))
	for _, action := range pending {
		fmt.Fprintf(out, "  %s  %-16s attempts=%d queued=%s\n",
			action.ID, action.Payload.Kind(), action.AttemptCount, action.EnqueuedAt.Format(time.RFC3339))
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay connected, keeping the clock synchronized and replaying queued actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd, func(ctx context.Context, agent *client.Agent) error {
				signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()
				unsubscribe := agent.Queue.Subscribe(func(status queue.Status, length int) {
					fmt.Fprintf(out, "queue %s, %d pending\n", status, length)
				})
				defer unsubscribe()
				stopWatch := agent.Prober.Watch(
					func() {
						fmt.Fprintln(out, "server reachable")
						if err := agent.RefreshPolicy(signalCtx); err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "cutoff settings refresh failed: %v\n", err)
						}
					},
					func() { fmt.Fprintln(out, "server unreachable; new actions will be queued") },
				)
				defer stopWatch()

				<-signalCtx.Done()
				return nil
			})
		},
	}
}
