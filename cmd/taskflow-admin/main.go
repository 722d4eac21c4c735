package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/dimitrije/taskflow-api/internal/database"
	"github.com/dimitrije/taskflow-api/internal/gateway"
	"github.com/dimitrije/taskflow-api/internal/hub"
	"github.com/dimitrije/taskflow-api/internal/logging"
	"github.com/dimitrije/taskflow-api/internal/services"
	"github.com/dimitrije/taskflow-api/internal/store"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	databaseURL string
	logLevel    string
	json        bool
}

func main() {
	_ = godotenv.Load()

	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "taskflow-admin",
		Short:         "Maintenance tasks for the taskflow database",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	rootCmd.PersistentFlags().BoolVarP(&opts.json, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(repairCmd(opts))
	rootCmd.AddCommand(orphansCmd(opts))
	rootCmd.AddCommand(purgeTokensCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect opens the database and a gateway over it. The returned func
// releases both.
func connect(ctx context.Context, opts *options) (*database.DB, *gateway.Gateway, func(), error) {
	if opts.databaseURL == "" {
		return nil, nil, nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	db, err := database.New(ctx, opts.databaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	// Writes publish to the change feed, so it must run even with no
	// subscribers.
	feedCtx, stopFeed := context.WithCancel(ctx)
	feed := hub.NewHub()
	go feed.Run(feedCtx)

	logger := logging.New(logging.Config{Level: opts.logLevel})
	gw := gateway.New(store.NewPostgres(db, feed), gateway.WithLogger(logging.Component(logger, "admin")))
	return db, gw, func() {
		stopFeed()
		db.Close()
	}, nil
}

func repairCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <project-id>...",
		Short: "Finish interrupted project deletes and restore missing owner memberships",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid project id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			ctx := cmd.Context()
			_, gw, closeFn, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			reports := make([]gateway.RepairReport, 0, len(ids))
			for _, id := range ids {
				r, err := gw.Repair(ctx, id)
				if err != nil {
					return fmt.Errorf("repair %s: %w", id, err)
				}
				reports = append(reports, r)
			}
			return printReports(cmd, opts, reports)
		},
	}
}

func orphansCmd(opts *options) *cobra.Command {
	var repair bool
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List deleted projects that still have tasks, memberships or invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, gw, closeFn, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			ids, err := gw.Orphans(ctx)
			if err != nil {
				return err
			}
			if !repair {
				if opts.json {
					return json.NewEncoder(cmd.OutOrStdout()).Encode(ids)
				}
				if len(ids) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No orphaned projects")
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			}

			reports := make([]gateway.RepairReport, 0, len(ids))
			for _, id := range ids {
				r, err := gw.Repair(ctx, id)
				if err != nil {
					return fmt.Errorf("repair %s: %w", id, err)
				}
				reports = append(reports, r)
			}
			return printReports(cmd, opts, reports)
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Repair every orphaned project found")
	return cmd
}

func purgeTokensCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tokens",
		Short: "Delete expired refresh tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, _, closeFn, err := connect(ctx, opts)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := services.NewTokenService(db).CleanupExpired(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired refresh tokens\n", n)
			return nil
		},
	}
}

func printReports(cmd *cobra.Command, opts *options, reports []gateway.RepairReport) error {
	out := cmd.OutOrStdout()
	if opts.json {
		return json.NewEncoder(out).Encode(reports)
	}
	for _, r := range reports {
		switch {
		case r.ProjectExists && r.OwnerMembership:
			fmt.Fprintf(out, "%s: owner membership restored\n", r.ProjectID)
		case r.ProjectExists:
			fmt.Fprintf(out, "%s: nothing to repair\n", r.ProjectID)
		default:
			fmt.Fprintf(out, "%s: removed %d tasks, %d memberships, %d invitations\n",
				r.ProjectID, r.TasksDeleted, r.MembershipsDeleted, r.InvitationsDeleted)
		}
	}
	return nil
}
