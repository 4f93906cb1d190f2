package cmd

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
	"github.com/JakeFAU/registry-crawler/internal/orchestrator"
)

// newServeCmd runs the HTTP API together with the worker pool and scheduler.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, workers and scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context())
		},
	}
}

// newWorkerCmd runs only the worker pool, for deployments with a shared Redis queue.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued tasks until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.RunWorkers(cmd.Context())
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	var opts orchestrator.RunOptions
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover the categories listed on a registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := app.Discover(cmd.Context(), opts)
			if err != nil {
				return err
			}
			zap.L().Info("discover command finished", zap.String("status", string(result.Status)))
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&opts.Shortname, "shortname", "", "registry shortname")
	cmd.Flags().StringVar(&opts.URL, "url", "", "registry URL")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "re-walk a completed registry")
	return cmd
}

func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Manage registry definitions",
	}
	cmd.AddCommand(newRegistryCreateCmd())
	return cmd
}

func newRegistryCreateCmd() *cobra.Command {
	var (
		registry crawler.Registry
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Validate and store a new registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			registry.Timeout = timeout
			created, err := app.CreateRegistry(cmd.Context(), registry)
			if err != nil {
				return err
			}
			return printJSON(cmd, created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&registry.Shortname, "shortname", "", "unique registry shortname")
	f.StringVar(&registry.URL, "url", "", "absolute URL of the top-level listing")
	f.StringVar(&registry.BasePath, "base-path", "", "path prefix of category links")
	f.StringVar(&registry.Charset, "charset", "", "declared source charset")
	f.DurationVar(&timeout, "timeout", 0, "per-request timeout override")
	sel := &registry.Selectors
	f.StringVar(&sel.ParentSelector, "parent-selector", "", "container holding category links")
	f.StringVar(&sel.EntityParentSelector, "entity-parent-selector", "", "container holding entity links")
	f.StringVar(&sel.DetailMarker, "detail-marker", "", "substring identifying detail page URLs")
	f.StringVar(&sel.PaginationMarker, "pagination-marker", "", "text introducing the pager block")
	f.StringVar(&sel.LabelSelector, "label-selector", "", "detail page label elements")
	f.StringVar(&sel.ValueSelector, "value-selector", "", "detail page value elements")
	f.StringVar(&sel.TitleSelector, "title-selector", "", "detail page title element")
	f.StringVar(&sel.PageParam, "page-param", "", "pagination query parameter")
	return cmd
}

func newWalkCmd() *cobra.Command {
	var opts orchestrator.WalkOptions
	cmd := &cobra.Command{
		Use:   "walk",
		Short: "Walk one category's pagination in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.CodeID < 0 || opts.MaxPages < 0 {
				return errors.New("--code-id and --max-pages must be >= 0")
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := app.Walk(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&opts.CodeID, "code-id", 0, "code to walk (0 selects the first unfinished one)")
	cmd.Flags().IntVar(&opts.MaxPages, "max-pages", 0, "stop after this many pages (0 walks to the end)")
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var (
		nameID  int64
		jobID   string
		pending bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue detail fetches and walks for the workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pending == (nameID > 0) {
				return errors.New("exactly one of --name-id or --pending is required")
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if pending {
				codes, names, err := app.EnqueuePending(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"codes": codes, "names": names})
			}
			task, err := app.EnqueueName(cmd.Context(), nameID, jobID)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"status": "queued", "job_id": task.ID})
		},
	}
	cmd.Flags().Int64Var(&nameID, "name-id", 0, "name to fetch")
	cmd.Flags().StringVar(&jobID, "job-id", "", "optional job id used for dedupe")
	cmd.Flags().BoolVar(&pending, "pending", false, "queue every unfinished code and name")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and seed the status table",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			statuses, err := app.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, statuses)
		},
	}
}
