package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ignatij/autoflow/internal/config"
	internal_http "github.com/ignatij/autoflow/internal/http"
	"github.com/ignatij/autoflow/internal/log"
	"github.com/ignatij/autoflow/internal/scheduler"
	internal_storage "github.com/ignatij/autoflow/internal/storage"
	"github.com/ignatij/autoflow/pkg/lock"
	"github.com/ignatij/autoflow/pkg/mailer"
	"github.com/ignatij/autoflow/pkg/models"
	"github.com/ignatij/autoflow/pkg/service"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// app is the wiring shared by every command.
type app struct {
	cfg       config.Config
	store     *internal_storage.PostgresStore
	locker    lock.Locker
	sender    mailer.Sender
	triggers  *service.TriggerService
	workflows *service.WorkflowService
	scheduled *service.ScheduledEmailService
	passes    *scheduler.Passes
	closers   []func() error
}

func newApp(cmd *cobra.Command) *app {
	cfg, err := config.Load()
	if err != nil {
		fail("Invalid configuration: %v", err)
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	logger := log.GetLogger()

	if dbConnStr, _ := cmd.Flags().GetString("db"); dbConnStr != "" {
		cfg.DatabaseURL = dbConnStr
	}
	if cfg.DatabaseURL == "" {
		fail("Error: --db flag, DATABASE_URL or complete DB_* env vars required")
	}
	logger.Debugf("Running %s", cmd.CommandPath())

	a := &app{cfg: cfg}
	a.store = initStore(cfg.DatabaseURL)
	a.closers = append(a.closers, a.store.Close)

	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLockerFromURL(cmd.Context(), cfg.RedisURL)
		if err != nil {
			a.Close()
			fail("Failed to connect to redis: %v", err)
		}
		a.locker = rl
		a.closers = append(a.closers, rl.Close)
	} else {
		a.locker = lock.NewLocalLocker()
	}

	if cfg.ResendAPIKey != "" {
		a.sender = mailer.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom, cfg.EmailRatePerSecond, logger)
	} else {
		logger.Warnf("RESEND_API_KEY is not set, emails will only be logged")
		a.sender = mailer.NewLogSender(logger)
	}

	a.triggers = service.NewTriggerService(a.store, logger)
	a.workflows = service.NewWorkflowService(a.store, logger)
	a.scheduled = service.NewScheduledEmailService(a.store, a.sender, logger)
	a.passes = scheduler.NewPasses(
		service.NewAdvancer(a.store, a.sender, logger),
		a.scheduled,
		service.NewInvoiceScanner(a.store, a.triggers, cfg.InvoiceDueSoonDays, logger),
		a.locker,
		logger,
	)
	return a
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.GetLogger().Warnf("Close failed: %v", err)
		}
	}
}

func (a *app) newScheduler() *scheduler.Scheduler {
	s, err := scheduler.New(scheduler.Config{
		Tick:            a.cfg.SchedulerTick,
		InvoiceScanSpec: a.cfg.InvoiceScanSpec,
	}, a.passes, log.GetLogger(), log.GetLogger())
	if err != nil {
		fail("Failed to set up scheduler: %v", err)
	}
	return s
}

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the scheduler in the same process",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd)
			defer a.Close()
			withScheduler, _ := cmd.Flags().GetBool("scheduler")

			ctx, stop := signalContext()
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			srv := internal_http.NewServer(a.passes, a.triggers, a.scheduled, a.store, a.cfg.CronSecret, log.GetLogger())
			g.Go(func() error { return srv.Start(ctx, a.cfg.Port) })
			if withScheduler {
				s := a.newScheduler()
				g.Go(func() error {
					s.Run(ctx)
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				fail("Server stopped: %v", err)
			}
		},
	}
	serveCmd.Flags().Bool("scheduler", true, "Run the periodic passes in this process")

	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the periodic passes without the HTTP API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd)
			defer a.Close()
			ctx, stop := signalContext()
			defer stop()
			a.newScheduler().Run(ctx)
		},
	}

	advanceCmd := &cobra.Command{
		Use:   "advance",
		Short: "Run one advance pass over pending steps and elapsed waits",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd)
			defer a.Close()
			report, err := a.passes.Advance(cmd.Context())
			exitOnError("Advance pass failed", err)
			printJSON(cmd, report)
		},
	}

	sendScheduledCmd := &cobra.Command{
		Use:   "send-scheduled",
		Short: "Send scheduled emails that are due",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd)
			defer a.Close()
			report, err := a.passes.SendScheduled(cmd.Context())
			exitOnError("Scheduled email pass failed", err)
			printJSON(cmd, report)
		},
	}

	scanInvoicesCmd := &cobra.Command{
		Use:   "scan-invoices",
		Short: "Fire invoice_due and invoice_overdue triggers for unpaid invoices",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			a := newApp(cmd)
			defer a.Close()
			report, err := a.passes.ScanInvoices(cmd.Context())
			exitOnError("Invoice scan failed", err)
			printJSON(cmd, report)
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [trigger_type]",
		Short: "Fire an event for every active workflow of the owner listening for it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			tt := models.TriggerType(args[0])
			if !tt.Valid() {
				fail("Error: unknown trigger type %q", args[0])
			}
			owner := ownerFlag(cmd)
			data, err := parseData(mustString(cmd, "data"))
			exitOnError("Invalid --data", err)

			a := newApp(cmd)
			defer a.Close()
			res := a.triggers.Trigger(cmd.Context(), tt, owner, data)
			printJSON(cmd, res)
			if !res.Success {
				os.Exit(1)
			}
		},
	}
	triggerCmd.Flags().String("data", "", "Event data as a JSON object, e.g. '{\"entity_id\": 42}'")

	rootCmd.AddCommand(serveCmd, schedulerCmd, advanceCmd, sendScheduledCmd, scanInvoicesCmd, triggerCmd,
		workflowsCommand(), scheduledCommand())
	addOwnerFlag(triggerCmd)
}

func workflowsCommand() *cobra.Command {
	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "Manage workflow definitions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's workflows",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			a := newApp(cmd)
			defer a.Close()
			workflows, err := a.workflows.ListWorkflows(cmd.Context(), owner)
			exitOnError("Failed to list workflows", err)
			out := cmd.OutOrStdout()
			if len(workflows) == 0 {
				fmt.Fprintf(out, "No workflows found.\n")
				return
			}
			fmt.Fprintf(out, "Workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(out, "- ID: %d, Name: %s, Trigger: %s, Active: %t, Created: %s\n",
					wf.ID, wf.Name, wf.TriggerType, wf.IsActive, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	createCmd := &cobra.Command{
		Use:   "create [definition.json]",
		Short: "Create a workflow from a JSON definition",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			raw, err := os.ReadFile(args[0])
			exitOnError("Failed to read definition", err)
			var nw service.NewWorkflow
			exitOnError("Invalid definition", json.Unmarshal(raw, &nw))
			nw.OwnerID = owner

			a := newApp(cmd)
			defer a.Close()
			id, err := a.workflows.CreateWorkflow(cmd.Context(), nw)
			exitOnError("Failed to create workflow", err)
			fmt.Fprintf(cmd.OutOrStdout(), "Created workflow '%s' with ID %d\n", nw.Name, id)
		},
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " [id]",
			Short: short,
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				owner := ownerFlag(cmd)
				id := parseID(args[0])
				a := newApp(cmd)
				defer a.Close()
				exitOnError("Failed to update workflow", a.workflows.SetActive(cmd.Context(), id, owner, active))
				fmt.Fprintf(cmd.OutOrStdout(), "Workflow %d active: %t\n", id, active)
			},
		}
	}
	activateCmd := setActive("activate", "Activate a workflow", true)
	deactivateCmd := setActive("deactivate", "Deactivate a workflow", false)

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a workflow with its steps, triggers and history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			id := parseID(args[0])
			a := newApp(cmd)
			defer a.Close()
			exitOnError("Failed to delete workflow", a.workflows.DeleteWorkflow(cmd.Context(), id, owner))
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted workflow %d\n", id)
		},
	}

	historyCmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show the execution log of a workflow, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			id := parseID(args[0])
			limit, _ := cmd.Flags().GetInt("limit")
			a := newApp(cmd)
			defer a.Close()
			logs, err := a.workflows.History(cmd.Context(), id, owner, limit)
			exitOnError("Failed to load history", err)
			printLogs(cmd, logs)
		},
	}
	historyCmd.Flags().Int("limit", 0, "Maximum number of entries (default 50)")

	failuresCmd := &cobra.Command{
		Use:   "failures",
		Short: "Show failed executions across the owner's workflows",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			since, _ := cmd.Flags().GetDuration("since")
			a := newApp(cmd)
			defer a.Close()
			logs, err := a.workflows.RecentFailures(cmd.Context(), owner, time.Now().Add(-since))
			exitOnError("Failed to load failures", err)
			printLogs(cmd, logs)
		},
	}
	failuresCmd.Flags().Duration("since", 24*time.Hour, "How far back to look")

	subs := []*cobra.Command{listCmd, createCmd, activateCmd, deactivateCmd, deleteCmd, historyCmd, failuresCmd}
	for _, c := range subs {
		addOwnerFlag(c)
	}
	workflowsCmd.AddCommand(subs...)
	return workflowsCmd
}

func scheduledCommand() *cobra.Command {
	scheduledCmd := &cobra.Command{
		Use:   "scheduled",
		Short: "Manage scheduled emails",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's scheduled emails",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			a := newApp(cmd)
			defer a.Close()
			emails, err := a.scheduled.List(cmd.Context(), owner)
			exitOnError("Failed to list scheduled emails", err)
			out := cmd.OutOrStdout()
			if len(emails) == 0 {
				fmt.Fprintf(out, "No scheduled emails found.\n")
				return
			}
			for _, e := range emails {
				fmt.Fprintf(out, "- ID: %d, Subject: %s, Status: %s, Scheduled: %s\n",
					e.ID, e.Subject, e.Status, e.ScheduledDate.Format(time.RFC3339))
			}
		},
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a template to be sent later",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			req := service.ScheduleRequest{
				OwnerID:       ownerFlag(cmd),
				TemplateID:    mustInt64(cmd, "template"),
				Recipient:     mustString(cmd, "to"),
				RecipientType: models.RecipientType(mustString(cmd, "recipient-type")),
			}
			if id := mustInt64(cmd, "client"); id > 0 {
				req.ClientID = &id
			}
			if id := mustInt64(cmd, "group"); id > 0 {
				req.GroupID = &id
			}
			at, err := time.Parse(time.RFC3339, mustString(cmd, "at"))
			exitOnError("Invalid --at, expected RFC3339", err)
			req.ScheduledDate = at

			a := newApp(cmd)
			defer a.Close()
			id, err := a.scheduled.Schedule(cmd.Context(), req)
			exitOnError("Failed to schedule email", err)
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled email %d for %s\n", id, at.Format(time.RFC3339))
		},
	}
	createCmd.Flags().Int64("template", 0, "Email template id")
	createCmd.Flags().String("to", "", "Direct recipient address")
	createCmd.Flags().String("recipient-type", "", "client, client_group or all")
	createCmd.Flags().Int64("client", 0, "Client id for client recipients")
	createCmd.Flags().Int64("group", 0, "Group id for client_group recipients")
	createCmd.Flags().String("at", "", "Send time in RFC3339")

	cancelCmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel a scheduled email that has not been sent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			owner := ownerFlag(cmd)
			id := parseID(args[0])
			a := newApp(cmd)
			defer a.Close()
			res, err := a.scheduled.Cancel(cmd.Context(), id, owner)
			printJSON(cmd, res)
			if err != nil {
				os.Exit(1)
			}
		},
	}

	subs := []*cobra.Command{listCmd, createCmd, cancelCmd}
	for _, c := range subs {
		addOwnerFlag(c)
	}
	scheduledCmd.AddCommand(subs...)
	return scheduledCmd
}

func addOwnerFlag(cmd *cobra.Command) {
	cmd.Flags().Int64("owner", 0, "Id of the user that owns the workflows")
	_ = cmd.MarkFlagRequired("owner")
}

func ownerFlag(cmd *cobra.Command) int64 {
	owner := mustInt64(cmd, "owner")
	if owner <= 0 {
		fail("Error: --owner must be a positive user id")
	}
	return owner
}

func mustString(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		fail("Error retrieving %s flag: %v", name, err)
	}
	return v
}

func mustInt64(cmd *cobra.Command, name string) int64 {
	v, err := cmd.Flags().GetInt64(name)
	if err != nil {
		fail("Error retrieving %s flag: %v", name, err)
	}
	return v
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fail("Error: id must be a positive integer, got %q", arg)
	}
	return id
}

// parseData decodes a JSON object flag; an empty string yields an empty map.
func parseData(raw string) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if raw == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func printJSON(cmd *cobra.Command, v interface{}) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode output: %v", err)
	}
}

func printLogs(cmd *cobra.Command, logs []models.WorkflowLog) {
	out := cmd.OutOrStdout()
	if len(logs) == 0 {
		fmt.Fprintf(out, "No entries found.\n")
		return
	}
	for _, l := range logs {
		fmt.Fprintf(out, "%s  %-14s %-8s %s\n", l.CreatedAt.Format(time.RFC3339), l.Action, l.Status, l.Message)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitOnError(msg string, err error) {
	if err != nil {
		fail("%s: %v", msg, err)
	}
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		fail("Failed to initialize store: %v", err)
	}
	return store
}
