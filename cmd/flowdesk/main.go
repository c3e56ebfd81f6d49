package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowdesk/internal/config"
	"flowdesk/internal/db"
	"flowdesk/internal/dispatch"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/access"
	"flowdesk/internal/metrics"
	"flowdesk/internal/migrate"
	"flowdesk/internal/query"
	"flowdesk/internal/server"
	"flowdesk/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "flowdesk",
	Short: "FlowDesk workspace state service",
	Long: `FlowDesk holds the authoritative state of a team workspace: users,
tasks, workflows, teams, channels, roles and notifications. Every write
is a versioned, permission-checked mutation; every commit produces an
ordered event that feeds notifications and the audit log.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "acting user id")
	rootCmd.PersistentFlags().String("actor-role", "admin", "acting user role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-role", rootCmd.PersistentFlags().Lookup("actor-role"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(auditCmd())
}

func initCmd() *cobra.Command {
	var workspaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialise a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(workspaceID)), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedBuiltinRoles(ctx); err != nil {
					return err
				}
				fmt.Printf("Workspace ready in %s\n", workspace)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workspaceID, "id", "local", "workspace id")
	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate a fresh workspace with demo data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SeedBuiltinRoles(ctx); err != nil {
					return err
				}
				users := []engine.UserCreate{
					{Name: "Sarah Chen", Email: "sarah@flowdesk.local", Role: "admin"},
					{Name: "Marcus Webb", Email: "marcus@flowdesk.local", Role: "manager"},
					{Name: "Priya Patel", Email: "priya@flowdesk.local", Role: "member"},
				}
				userIDs := make([]string, 0, len(users))
				for _, u := range users {
					rec, err := cliSubmit(ctx, e, "user.create", "", 0, u)
					if err != nil {
						return fmt.Errorf("seed user %s: %w", u.Email, err)
					}
					userIDs = append(userIDs, rec.ID)
				}
				wfRec, err := cliSubmit(ctx, e, "workflow.create", "", 0, engine.WorkflowCreate{
					Name:        "Product Development",
					Description: "Default delivery pipeline",
					Stages: []engine.StageInput{
						{Name: "Backlog", Order: 1},
						{Name: "In Progress", Order: 2},
						{Name: "Review", Order: 3},
						{Name: "Done", Order: 4},
					},
				})
				if err != nil {
					return fmt.Errorf("seed workflow: %w", err)
				}
				if _, err := cliSubmit(ctx, e, "team.create", "", 0, engine.TeamCreate{
					Name:        "Core",
					Description: "Everyone in the demo workspace",
					OwnerID:     userIDs[0],
					MemberIDs:   userIDs[1:],
				}); err != nil {
					return fmt.Errorf("seed team: %w", err)
				}
				tasks := []engine.TaskCreate{
					{Title: "Draft onboarding flow", Priority: "high", AssigneeID: &userIDs[2], WorkflowID: &wfRec.ID},
					{Title: "Review Q3 roadmap", Priority: "medium", AssigneeID: &userIDs[1], WorkflowID: &wfRec.ID},
					{Title: "Fix login redirect loop", Priority: "urgent", WorkflowID: &wfRec.ID, Tags: []string{"bug"}},
				}
				for _, t := range tasks {
					if _, err := cliSubmit(ctx, e, "task.create", "", 0, t); err != nil {
						return fmt.Errorf("seed task %q: %w", t.Title, err)
					}
				}
				fmt.Printf("Seeded %d users, 1 workflow, 1 team, %d tasks\n", len(users), len(tasks))
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			collector := metrics.NewCollector()

			e := engine.New(conn, cfg)
			e.Metrics = collector
			if err := e.SeedBuiltinRoles(cmd.Context()); err != nil {
				return err
			}

			disp := dispatch.New(e.Store, cfg, logger.With().Str("component", "dispatch").Logger(), collector)
			if err := disp.Start(cmd.Context()); err != nil {
				return err
			}
			defer disp.Stop()
			e.OnCommit = disp.Poke

			jwtSecret := cfg.Server.JWTSecret
			if jwtSecret == "" {
				jwtSecret = os.Getenv("FLOWDESK_JWT_SECRET")
			}
			if jwtSecret == "" && !cfg.Server.AllowLegacyActorHeader {
				return fmt.Errorf("a JWT secret is required: set server.jwt_secret or FLOWDESK_JWT_SECRET")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Metrics:  collector,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              jwtSecret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					RatePerSecond:          cfg.Server.RatePerSecond,
					RateBurst:              cfg.Server.RateBurst,
					Logger:                 logger.With().Str("component", "http").Logger(),
				},
			})
			if err != nil {
				return err
			}
			listenAddr := addr
			if listenAddr == "" {
				listenAddr = cfg.Server.Addr
			}
			srv := &http.Server{Addr: listenAddr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info().Str("addr", listenAddr).Str("base_path", basePath).Msg("serving FlowDesk API")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userSuspendCmd())
	user.AddCommand(userDeleteCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var p engine.UserCreate
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "user.create", "", 0, p)
				if err != nil {
					return err
				}
				return printRec[domain.User](rec)
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "email address")
	cmd.Flags().StringVar(&p.Role, "role", "member", "role")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	var role, status, search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := query.List(ctx, e.Store, e.DB, domain.TypeUser,
					cliFilters("role", role, "status", status, "search", search), "", false, query.Page{Limit: 200})
				if err != nil {
					return err
				}
				users, err := decodeItems[domain.User](res.Items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Role", "Status"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Role, u.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "filter by role")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&search, "search", "", "substring match on name or email")
	return cmd
}

func userSuspendCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "suspend <id>",
		Short: "Suspend a user and detach their work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "user.suspend", args[0], version, nil)
				if err != nil {
					return err
				}
				return printRec[domain.User](rec)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version guard")
	return cmd
}

func userDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := cliSubmit(ctx, e, "user.delete", args[0], version, nil)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version guard")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var p engine.TaskCreate
	var assignee, workflow, due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if assignee != "" {
				p.AssigneeID = &assignee
			}
			if workflow != "" {
				p.WorkflowID = &workflow
			}
			if due != "" {
				p.DueDate = &due
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "task.create", "", 0, p)
				if err != nil {
					return err
				}
				return printRec[domain.Task](rec)
			})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "title")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&p.Status, "status", "", "status (todo, in-progress, review, completed)")
	cmd.Flags().StringVar(&p.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&workflow, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC 3339)")
	cmd.Flags().StringArrayVar(&p.Tags, "tag", []string{}, "tag (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var status, priority, assignee, workflowID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := query.List(ctx, e.Store, e.DB, domain.TypeTask,
					cliFilters("status", status, "priority", priority, "assignee_id", assignee, "workflow_id", workflowID),
					"", false, query.Page{Limit: 200})
				if err != nil {
					return err
				}
				tasks, err := decodeItems[domain.Task](res.Items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee"})
				for _, t := range tasks {
					assigned := ""
					if t.AssigneeID != nil {
						assigned = *t.AssigneeID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assigned})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&priority, "priority", "", "filter by priority")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assignee id")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "filter by workflow id")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := cliSubmit(ctx, e, "task.delete", args[0], version, nil)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version guard")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Manage workflows"}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowDeleteCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var name, description string
	var stageNames []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := engine.WorkflowCreate{Name: name, Description: description}
			for i, s := range stageNames {
				p.Stages = append(p.Stages, engine.StageInput{Name: s, Order: i + 1})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "workflow.create", "", 0, p)
				if err != nil {
					return err
				}
				return printRec[domain.Workflow](rec)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringArrayVar(&stageNames, "stage", []string{}, "stage name in order (repeatable, at least two)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := query.List(ctx, e.Store, e.DB, domain.TypeWorkflow, nil, "", false, query.Page{Limit: 200})
				if err != nil {
					return err
				}
				workflows, err := decodeItems[domain.Workflow](res.Items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workflows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Stages"})
				for _, w := range workflows {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Status, len(w.Stages)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow and unlink its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := cliSubmit(ctx, e, "workflow.delete", args[0], version, nil)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version guard")
	return cmd
}

func teamCmd() *cobra.Command {
	team := &cobra.Command{Use: "team", Short: "Manage teams"}
	team.AddCommand(teamCreateCmd())
	team.AddCommand(teamListCmd())
	return team
}

func teamCreateCmd() *cobra.Command {
	var p engine.TeamCreate
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "team.create", "", 0, p)
				if err != nil {
					return err
				}
				return printRec[domain.Team](rec)
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "team name")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&p.OwnerID, "owner", "", "owner user id (defaults to the acting user)")
	cmd.Flags().StringArrayVar(&p.MemberIDs, "member", []string{}, "member user id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func teamListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List teams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := query.List(ctx, e.Store, e.DB, domain.TypeTeam, nil, "", false, query.Page{Limit: 200})
				if err != nil {
					return err
				}
				teams, err := decodeItems[domain.Team](res.Items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(teams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Members"})
				for _, t := range teams {
					ownerID := ""
					if owner, ok := t.Owner(); ok {
						ownerID = owner.UserID
					}
					tw.AppendRow(table.Row{t.ID, t.Name, ownerID, len(t.Members)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage roles"}
	role.AddCommand(roleCreateCmd())
	role.AddCommand(roleListCmd())
	role.AddCommand(roleDeleteCmd())
	return role
}

func roleCreateCmd() *cobra.Command {
	var p engine.RoleCreate
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a custom role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := cliSubmit(ctx, e, "role.create", "", 0, p)
				if err != nil {
					return err
				}
				return printRec[domain.Role](rec)
			})
		},
	}
	cmd.Flags().StringVar(&p.Name, "name", "", "role name")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&p.Color, "color", "", "display color")
	cmd.Flags().StringArrayVar(&p.Permissions, "permission", []string{}, "permission from the catalog (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := query.List(ctx, e.Store, e.DB, domain.TypeRole, nil, "name", false, query.Page{Limit: 200})
				if err != nil {
					return err
				}
				roles, err := decodeItems[domain.Role](res.Items)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "System", "Permissions"})
				for _, r := range roles {
					tw.AppendRow(table.Row{r.ID, r.Name, r.IsSystem, len(r.Permissions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleDeleteCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a custom role and reassign its holders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				_, err := cliSubmit(ctx, e, "role.delete", args[0], version, nil)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&version, "expected-version", 0, "version guard")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityType string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show committed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Store.EventsAfter(ctx, n, after, entityType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityType + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "event id cursor")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter")
	return cmd
}

func auditCmd() *cobra.Command {
	var actorID, action string
	var n int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Store.ListAudit(ctx, store.AuditFilters{ActorID: actorID, Action: action, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Action", "Resource", "At"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.ID, entry.ActorID, entry.Action, entry.ResourceType + "/" + entry.ResourceID, entry.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	cmd.Flags().StringVar(&action, "action", "", "filter by action")
	cmd.Flags().IntVar(&n, "n", 50, "number of entries")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace, "local")
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func cliSubmit(ctx context.Context, e engine.Engine, op, entityID string, expectedVersion int64, body any) (store.Rec, error) {
	var payload json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return store.Rec{}, err
		}
		payload = data
	}
	res, err := e.Submit(ctx, engine.Mutation{
		Actor:           access.Actor{ID: viper.GetString("actor-id"), Role: viper.GetString("actor-role")},
		Op:              op,
		EntityID:        entityID,
		ExpectedVersion: expectedVersion,
		Payload:         payload,
	})
	if err != nil {
		return store.Rec{}, err
	}
	return res.Rec, nil
}

func cliFilters(pairs ...string) map[string]string {
	m := map[string]string{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			m[pairs[i]] = pairs[i+1]
		}
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func decodeItems[T any](items []query.Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, it := range items {
		var v T
		if err := json.Unmarshal(it.Payload, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func printRec[T any](rec store.Rec) error {
	v, err := store.Decode[T](rec)
	if err != nil {
		return err
	}
	return printJSON(v)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
