package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"bitacora/internal/app"
	"bitacora/internal/creds"
	"bitacora/internal/db"
	"bitacora/internal/domain"
	"bitacora/internal/events"
	"bitacora/internal/migrate"
	"bitacora/internal/perm"
	"bitacora/internal/repo"
	"bitacora/internal/server"
	"bitacora/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "bitacora",
	Short: "Bitacora CLI",
	Long: `Bitacora manages construction-site daily logbook entries through their
review and signature lifecycle: draft, contractor review, per-signatory
review, approval, and electronic signature capture. Every state change is
recorded in an audit event log ('bitacora log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("BITACORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "admin", "acting user")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(entryCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cfg, err := app.Bootstrap(ctx, viper.GetString("workspace"), r)
				if err != nil {
					return err
				}
				fmt.Printf("Workspace ready (project %s)\n", cfg.Project.ID)
				return nil
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userSetPasswordCmd())
	return user
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userCreateCmd() *cobra.Command {
	var id, name, role, entity, cargo string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				normRole, err := domain.NormalizeRole(role)
				if err != nil {
					return err
				}
				normEntity, err := domain.NormalizeEntity(entity)
				if err != nil {
					return err
				}
				u := domain.User{
					ID:        id,
					FullName:  name,
					Role:      normRole,
					Entity:    normEntity,
					Cargo:     cargo,
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(ctx, nil, u, ""); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&role, "role", "", "role (resident, supervisor, contractor_rep, admin)")
	cmd.Flags().StringVar(&entity, "entity", "", "entity (IDU, INTERVENTORIA, CONTRATISTA)")
	cmd.Flags().StringVar(&cargo, "cargo", "", "position title")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Entity", "Cargo"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.FullName, u.Role, u.Entity, u.Cargo})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userSetPasswordCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set a user's signing credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("New password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return err
			}
			hash, err := creds.Hash(string(raw))
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, id); err != nil {
					return err
				}
				_, err := r.DB.ExecContext(ctx, `UPDATE users SET password_hash=? WHERE id=?`, hash, id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entryCmd() *cobra.Command {
	entry := &cobra.Command{Use: "entry", Short: "Manage log entries"}
	entry.AddCommand(entryCreateCmd())
	entry.AddCommand(entryListCmd())
	entry.AddCommand(entryShowCmd())
	entry.AddCommand(entryUpdateCmd())
	entry.AddCommand(entryDeleteCmd())
	entry.AddCommand(entrySubmitCmd())
	entry.AddCommand(entryContractorReviewCmd())
	entry.AddCommand(entrySendReviewCmd())
	entry.AddCommand(entryApproveReviewCmd())
	entry.AddCommand(entryReturnCmd())
	entry.AddCommand(entryApproveCmd())
	entry.AddCommand(entrySignCmd())
	entry.AddCommand(entryDeclineCmd())
	entry.AddCommand(entrySignersCmd())
	entry.AddCommand(entryRejectCmd())
	return entry
}

func entryCreateCmd() *cobra.Command {
	var date, title, body, reviewer string
	var signers []string
	var skipAuthor bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				in := workflow.CreateEntryInput{
					AuthorID:            c.UserID,
					EntryDate:           date,
					Title:               title,
					Body:                body,
					RequiredSignatories: signers,
					SkipAuthorAsSigner:  skipAuthor,
				}
				if reviewer != "" {
					in.ReviewerID = &reviewer
				}
				entry, err := e.CreateEntry(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", time.Now().Format("2006-01-02"), "entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "designated reviewer id")
	cmd.Flags().StringSliceVar(&signers, "signer", nil, "required signatory (repeatable)")
	cmd.Flags().BoolVar(&skipAuthor, "skip-author", false, "exclude the author from the signer set")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func entryListCmd() *cobra.Command {
	var status, author, signer string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				normStatus := ""
				if status != "" {
					s, err := domain.NormalizeStatus(status)
					if err != nil {
						return err
					}
					normStatus = string(s)
				}
				entries, err := r.ListEntries(ctx, repo.EntryFilters{
					Status:   normStatus,
					AuthorID: author,
					SignerID: signer,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Title", "Status", "Author", "Version"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.EntryDate, e.Title, e.Status, e.AuthorID, e.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (canonical or legacy label)")
	cmd.Flags().StringVar(&author, "author", "", "author filter")
	cmd.Flags().StringVar(&signer, "signer", "", "required signatory filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func entryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an entry with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry, err := r.GetEntry(ctx, args[0])
				if err != nil {
					return err
				}
				reviews, err := r.ListReviewTasks(ctx, entry.ID)
				if err != nil {
					return err
				}
				sigs, err := r.ListSignatureTasks(ctx, entry.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"entry":           entry,
					"review_tasks":    reviews,
					"signature_tasks": sigs,
				})
			})
		},
	}
	return cmd
}

func entryUpdateCmd() *cobra.Command {
	var date, title, body, contractorObs, interventoriaObs string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update entry content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				var patch workflow.UpdatePatch
				if cmd.Flags().Changed("date") {
					patch.EntryDate = &date
				}
				if cmd.Flags().Changed("title") {
					patch.Title = &title
				}
				if cmd.Flags().Changed("body") {
					patch.Body = &body
				}
				if cmd.Flags().Changed("contractor-obs") {
					patch.ContractorObservations = &contractorObs
				}
				if cmd.Flags().Changed("interventoria-obs") {
					patch.InterventoriaObservations = &interventoriaObs
				}
				entry, err := e.UpdateEntry(ctx, c, args[0], patch, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "entry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&body, "body", "", "body text")
	cmd.Flags().StringVar(&contractorObs, "contractor-obs", "", "contractor observations")
	cmd.Flags().StringVar(&interventoriaObs, "interventoria-obs", "", "interventoria observations")
	return cmd
}

func entryDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entry, err := r.GetEntry(ctx, args[0])
				if err != nil {
					return err
				}
				if entry.Status != domain.StatusDraft {
					return fmt.Errorf("only draft entries may be deleted (status %s)", entry.Status)
				}
				return r.DeleteEntry(ctx, args[0])
			})
		},
	}
}

func entryActionCmd(use, short string, fn func(context.Context, *workflow.Engine, perm.Caller, string) (workflow.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := fn(ctx, e, c, args[0])
				if err != nil {
					return err
				}
				if res.AlreadyDone {
					fmt.Println("already done; no change")
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
}

func entrySubmitCmd() *cobra.Command {
	return entryActionCmd("submit <id>", "Send entry to the contractor party",
		func(ctx context.Context, e *workflow.Engine, c perm.Caller, id string) (workflow.Result, error) {
			return e.SendToContractor(ctx, c, id, 0)
		})
}

func entryContractorReviewCmd() *cobra.Command {
	var observations string
	cmd := &cobra.Command{
		Use:   "contractor-review <id>",
		Short: "Record the contractor party's review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.CompleteContractorReview(ctx, c, args[0], observations, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringVar(&observations, "observations", "", "contractor observations")
	return cmd
}

func entrySendReviewCmd() *cobra.Command {
	return entryActionCmd("send-review <id>", "Open the review round",
		func(ctx context.Context, e *workflow.Engine, c perm.Caller, id string) (workflow.Result, error) {
			return e.SendForReview(ctx, c, id, 0)
		})
}

func entryApproveReviewCmd() *cobra.Command {
	return entryActionCmd("approve-review <id>", "Complete your review task",
		func(ctx context.Context, e *workflow.Engine, c perm.Caller, id string) (workflow.Result, error) {
			return e.ApproveReview(ctx, c, id, 0)
		})
}

func entryReturnCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "return <id>",
		Short: "Return entry to the contractor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.ReturnToContractor(ctx, c, args[0], reason, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "return reason (optional)")
	return cmd
}

func entryApproveCmd() *cobra.Command {
	return entryActionCmd("approve <id>", "Approve entry for signature",
		func(ctx context.Context, e *workflow.Engine, c perm.Caller, id string) (workflow.Result, error) {
			return e.ApproveForSignature(ctx, c, id, 0)
		})
}

func entrySignCmd() *cobra.Command {
	var consent string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign an approved entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Password: ")
			raw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.Sign(ctx, c, args[0], consent, string(raw), 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringVar(&consent, "consent", "", "consent statement")
	_ = cmd.MarkFlagRequired("consent")
	return cmd
}

func entryDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <id>",
		Short: "Decline your signature task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.DeclineSignature(ctx, c, args[0], reason, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "decline reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func entrySignersCmd() *cobra.Command {
	var signers []string
	cmd := &cobra.Command{
		Use:   "signers <id>",
		Short: "Replace the required-signatory set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.SetRequiredSignatories(ctx, c, args[0], signers, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringSliceVar(&signers, "signer", nil, "required signatory (repeatable)")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func entryRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *workflow.Engine, c perm.Caller) error {
				res, err := e.RejectEntry(ctx, c, args[0], reason, 0)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Entry)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Entry counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountEntriesByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Count"})
				for status, count := range counts {
					tw.AppendRow(table.Row{status, count})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entryID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, entryID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entryID, "entry", "", "entry id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var id, userID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				k := domain.APIKey{
					ID:      id,
					UserID:  userID,
					Name:    name,
					KeyHash: repo.HashAPIKey(key),
				}
				if err := r.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				fmt.Printf("API key %s registered for %s\n", id, userID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&key, "key", "", "key material")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			cfg, err := app.Bootstrap(cmd.Context(), workspace, r)
			if err != nil {
				return err
			}
			secret := os.Getenv("BITACORA_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("BITACORA_JWT_SECRET or auth.jwt_secret is required for bearer auth")
			}
			engine := &workflow.Engine{DB: conn, Repo: r, Events: events.Writer{DB: conn}}
			handler, err := server.New(server.Config{
				Engine:   engine,
				App:      cfg,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:    secret,
					TokenTTL:     time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
					AllowAPIKeys: cfg.Auth.AllowAPIKeys,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bitacora API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *workflow.Engine, perm.Caller) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		userID := viper.GetString("user-id")
		u, err := r.GetUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("acting user %s: %w", userID, err)
		}
		e := &workflow.Engine{DB: r.DB, Repo: r, Events: events.Writer{DB: r.DB}}
		return fn(ctx, e, perm.Caller{UserID: u.ID, Role: u.Role})
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
