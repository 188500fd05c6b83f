package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"centuria/internal/app"
	"centuria/internal/config"
	"centuria/internal/db"
	"centuria/internal/domain"
	"centuria/internal/engine"
	"centuria/internal/repo"
	"centuria/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "centuria",
	Short: "Centuria CLI",
	Long: `Centuria coordinates personnel, missions, and support tickets for a unit.
- Persons hold a rank (administrator > centurion > decurion > private); rank gates every operation.
- Missions run draft -> pending_approval -> approved -> in_progress -> completed, with rejected and cancelled as exits. Approval needs a Centurion who is not the creator.
- Tickets flow open -> in_progress -> resolved (or rejected); command staff claim and close them.
- Event log: diary of changes, view with 'centuria log tail'.`,
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
	viper.SetEnvPrefix("CENTURIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("caller-id", "local-user", "acting person identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("caller-id", rootCmd.PersistentFlags().Lookup("caller-id"))
}

func registerCommands() {
	rootCmd.AddCommand(personCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(ticketCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func callerID() string {
	return viper.GetString("caller-id")
}

func personCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "person",
		Short: "Manage personnel",
		Long:  "Personnel hold a rank. Promotion and demotion are rank-bounded: you may only assign a role strictly below your own.",
	}
	p.AddCommand(personRegisterCmd())
	p.AddCommand(personListCmd())
	p.AddCommand(personGetCmd())
	p.AddCommand(personSetRoleCmd("promote", "Promote person"))
	p.AddCommand(personSetRoleCmd("demote", "Demote person"))
	p.AddCommand(personCallsignCmd())
	p.AddCommand(personReadyCmd())
	p.AddCommand(personRemoveCmd())
	return p
}

func personRegisterCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Register(ctx, callerID(), args[0], domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "private", "role to assign")
	return cmd
}

func personListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListPersons(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Callsign", "Ready"})
				for _, p := range items {
					callsign := ""
					if p.Callsign != nil {
						callsign = *p.Callsign
					}
					tw.AppendRow(table.Row{p.ID, p.Role, callsign, p.Ready})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func personGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get person",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetPerson(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func personSetRoleCmd(use, short string) *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.Promote
				if use == "demote" {
					fn = e.Demote
				}
				p, err := fn(ctx, callerID(), args[0], domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to assign")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func personCallsignCmd() *cobra.Command {
	var callsign string
	cmd := &cobra.Command{
		Use:   "callsign <id>",
		Short: "Set callsign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetCallsign(ctx, callerID(), args[0], callsign)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&callsign, "callsign", "", "display alias")
	_ = cmd.MarkFlagRequired("callsign")
	return cmd
}

func personReadyCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "Set own readiness flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetReady(ctx, callerID(), ready)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().BoolVar(&ready, "ready", true, "readiness value")
	return cmd
}

func personRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove person from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemovePerson(ctx, callerID(), args[0])
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions are approval-gated tasks. Drafts are submitted for approval, a Centurion (never the creator) approves or rejects, the assignee starts and completes.",
	}
	m.AddCommand(missionCreateCmd())
	m.AddCommand(missionListCmd())
	m.AddCommand(missionGetCmd())
	m.AddCommand(missionActionCmd("submit", "Submit mission for approval", func(e engine.Engine) missionFn { return e.SubmitMission }))
	m.AddCommand(missionActionCmd("approve", "Approve mission", func(e engine.Engine) missionFn { return e.ApproveMission }))
	m.AddCommand(missionActionCmd("reject", "Reject mission", func(e engine.Engine) missionFn { return e.RejectMission }))
	m.AddCommand(missionActionCmd("start", "Start mission", func(e engine.Engine) missionFn { return e.StartMission }))
	m.AddCommand(missionActionCmd("complete", "Complete mission", func(e engine.Engine) missionFn { return e.CompleteMission }))
	m.AddCommand(missionActionCmd("cancel", "Cancel mission", func(e engine.Engine) missionFn { return e.CancelMission }))
	m.AddCommand(missionAssignCmd())
	return m
}

type missionFn func(ctx context.Context, callerID, missionID string) (domain.Mission, error)

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.CallerID = callerID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func missionListCmd() *cobra.Command {
	var f repo.MissionFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.MissionStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Creator", "Assignee"})
				for _, m := range items {
					assignee := ""
					if m.AssigneeID != nil {
						assignee = *m.AssigneeID
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.CreatorID, assignee})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator-id", "", "creator filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	return cmd
}

func missionGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.GetMission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionActionCmd(use, short string, pick func(engine.Engine) missionFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := pick(e)(ctx, callerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func missionAssignCmd() *cobra.Command {
	var personID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign mission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AssignMission(ctx, callerID(), args[0], personID)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person-id", "", "assignee")
	_ = cmd.MarkFlagRequired("person-id")
	return cmd
}

func ticketCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "ticket",
		Short: "Manage support tickets",
		Long:  "Tickets flow open -> in_progress -> resolved, or to rejected. One active ticket per submitter; command staff claim and close.",
	}
	t.AddCommand(ticketSubmitCmd())
	t.AddCommand(ticketListCmd())
	t.AddCommand(ticketGetCmd())
	t.AddCommand(ticketClaimCmd())
	t.AddCommand(ticketCloseCmd("resolve", "Resolve ticket"))
	t.AddCommand(ticketCloseCmd("reject", "Reject ticket"))
	t.AddCommand(ticketReplyCmd())
	t.AddCommand(ticketThreadCmd())
	return t
}

func ticketSubmitCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a ticket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitTicket(ctx, callerID(), body)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "ticket body")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func ticketListCmd() *cobra.Command {
	var f repo.TicketFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.TicketStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListTickets(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Submitter", "Status", "Handler", "Body"})
				for _, t := range items {
					handler := ""
					if t.HandlerID != nil {
						handler = *t.HandlerID
					}
					tw.AppendRow(table.Row{t.ID, t.SubmitterID, t.Status, handler, t.Body})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SubmitterID, "submitter-id", "", "submitter filter")
	return cmd
}

func ticketGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTicket(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimTicket(ctx, callerID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func ticketCloseCmd(use, short string) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fn := e.ResolveTicket
				if use == "reject" {
					fn = e.RejectTicket
				}
				t, err := fn(ctx, callerID(), args[0], note)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "resolution note")
	return cmd
}

func ticketReplyCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "reply <id>",
		Short: "Reply on ticket thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msg, err := e.ReplyTicket(ctx, callerID(), args[0], body)
				if err != nil {
					return err
				}
				return printJSONOrTable(msg)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "message body")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func ticketThreadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread <id>",
		Short: "Show ticket thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.TicketHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Store-wide summary",
		Long:  "Counts of persons by role, missions by status, tickets by status, plus mean approval-decision time, from one consistent snapshot.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Println("Persons:")
				for role, c := range s.PersonsByRole {
					fmt.Printf("  %s: %d\n", role, c)
				}
				fmt.Println("Missions:")
				for status, c := range s.MissionsByStatus {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Println("Tickets:")
				for status, c := range s.TicketsByStatus {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Mean decision time: %.1fs\n", s.MeanDecisionSeconds)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in .centuria/centuria.yml: administrator identifiers, length limits, and webhook endpoints.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Default().Save(workspace); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: registrations, transitions, claims, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var personID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if personID == "" {
				personID = callerID()
			}
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "ck_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetPerson(ctx, personID); err != nil {
					return err
				}
				rec := domain.APIKey{
					ID:        uuid.New().String(),
					PersonID:  personID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, rec); err != nil {
					return err
				}
				// the plaintext key is shown exactly once
				return printJSONOrTable(map[string]string{
					"id":        rec.ID,
					"person_id": rec.PersonID,
					"key":       key,
				})
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person-id", "", "key owner (defaults to --caller-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var personID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, personID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&personID, "person-id", "", "owner filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
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
	var allowPersonHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			e, err := app.NewEngine(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer e.DB.Close()
			authCfg := server.AuthConfig{
				JWTSecret:               os.Getenv("CENTURIA_JWT_SECRET"),
				AllowLegacyPersonHeader: allowPersonHeader,
			}
			if authCfg.JWTSecret == "" && !allowPersonHeader {
				return fmt.Errorf("CENTURIA_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Centuria API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowPersonHeader, "allow-person-header", false, "trust X-Person-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, err := app.NewEngine(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer e.DB.Close()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, _, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
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
