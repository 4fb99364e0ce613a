package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"policylens/internal/app"
	"policylens/internal/config"
	"policylens/internal/db"
	"policylens/internal/domain"
	"policylens/internal/engine"
	"policylens/internal/logging"
	"policylens/internal/repo"
	"policylens/internal/seed"
	"policylens/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "PolicyLens CLI",
	Long: `PolicyLens tracks insurance claims from intake to decision.
- Policies belong to policy holders; claims are opened against a policy.
- Claims move NEW -> IN_REVIEW -> DECIDED. APPROVE and REJECT are final; REQUEST_INFO keeps the claim open.
- Documents, notes and decisions attach to a claim. Every change appends to the claim's audit trail.
- The workspace holds policylens.yml and, for sqlite, .policylens/policylens.db.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("POLICYLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(holderCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(claimCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ok": true, "driver": rt.Config.Storage.Driver})
				}
				fmt.Printf("migrations applied (%s)\n", rt.Config.Storage.Driver)
				return nil
			})
		},
	}
}

func seedCmd() *cobra.Command {
	var opts seed.Options
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load sample policy holders, policies and claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := seed.Run(ctx, rt.Engine, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.Skipped {
					fmt.Println("sample data already present; nothing to do")
					return nil
				}
				fmt.Printf("seeded %d holders, %d policies, %d claims, %d notes\n",
					len(res.Holders), len(res.Policies), len(res.Claims), res.Notes)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&opts.Seed, "seed", 42, "random seed")
	cmd.Flags().IntVar(&opts.Holders, "holders", 5, "number of policy holders")
	cmd.Flags().IntVar(&opts.Claims, "claims", 10, "number of claims")
	cmd.Flags().IntVar(&opts.NotedFor, "noted", 3, "claims that receive a note")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cfg := rt.Config
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt_secret"),
					AllowActorHeader: cfg.Server.AllowActorHeader,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("POLICYLENS_JWT_SECRET is required unless server.allow_actor_header is set")
				}
				handler, err := server.New(server.Config{
					Engine:         rt.Engine,
					BasePath:       cfg.Server.BasePath,
					Auth:           authCfg,
					Log:            rt.Engine.Log,
					MaxUploadBytes: cfg.Blobs.MaxSizeMB << 20,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Engine.Log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Msg("serving PolicyLens API")
				fmt.Printf("Serving PolicyLens API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage policylens.yml",
		Long:  "Config selects the storage driver (sqlite or postgres), the document store (fs or s3), the API listener and logging.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default policylens.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate policylens.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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
}

func tokenCmd() *cobra.Command {
	var roles string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token for --actor-id",
		Long:  "Signs an HS256 token with POLICYLENS_JWT_SECRET. Intended for local testing against pl serve.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var list []string
			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					list = append(list, r)
				}
			}
			token, err := server.SignToken(viper.GetString("jwt_secret"), viper.GetString("actor-id"), list, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&roles, "roles", server.RoleReviewer, "comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func holderCmd() *cobra.Command {
	h := &cobra.Command{Use: "holder", Short: "Manage policy holders"}
	var in engine.PolicyHolderInput
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a policy holder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				holder, err := rt.Engine.CreatePolicyHolder(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(holder)
			})
		},
	}
	create.Flags().StringVar(&in.FullName, "name", "", "full name")
	create.Flags().StringVar(&in.Email, "email", "", "email")
	create.Flags().StringVar(&in.Phone, "phone", "", "phone")
	_ = create.MarkFlagRequired("name")
	h.AddCommand(create)
	return h
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage policies"}
	p.AddCommand(policyCreateCmd())
	p.AddCommand(policyListCmd())
	return p
}

func policyCreateCmd() *cobra.Command {
	var in engine.PolicyInput
	var status string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Status = domain.PolicyStatus(strings.ToUpper(status))
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				policy, err := rt.Engine.CreatePolicy(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(policy)
			})
		},
	}
	cmd.Flags().StringVar(&in.HolderID, "holder-id", "", "policy holder id")
	cmd.Flags().StringVar(&in.PolicyNumber, "number", "", "policy number, e.g. PL-2001")
	cmd.Flags().StringVar(&in.ProductType, "product", "", "product type")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, LAPSED or CANCELLED")
	cmd.Flags().StringVar(&in.EffectiveDate, "effective", "", "effective date YYYY-MM-DD")
	cmd.Flags().StringVar(&in.ExpiryDate, "expiry", "", "expiry date YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("holder-id")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func policyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				policies, err := rt.Engine.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(policies)
				}
				tw := newTable("ID", "Number", "Product", "Status", "Effective", "Expiry")
				for _, p := range policies {
					tw.AppendRow(table.Row{p.ID, p.PolicyNumber, p.ProductType, p.Status, deref(p.EffectiveDate), deref(p.ExpiryDate)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "claim",
		Short: "Work claims",
		Long:  "Claims are opened against a policy and reviewed to a decision. Decided claims accept notes but no further documents or decisions.",
	}
	c.AddCommand(claimCreateCmd())
	c.AddCommand(claimListCmd())
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimHistoryCmd())
	c.AddCommand(claimDocumentCmd())
	c.AddCommand(claimDownloadCmd())
	c.AddCommand(claimNoteCmd())
	c.AddCommand(claimDecideCmd())
	return c
}

func claimCreateCmd() *cobra.Command {
	var policyNumber, policyID, claimType, priority, summary string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyID == "" && policyNumber == "" {
				return fmt.Errorf("--policy or --policy-id required")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if policyID == "" {
					p, err := rt.Engine.GetPolicyByNumber(ctx, policyNumber)
					if err != nil {
						return err
					}
					policyID = p.ID
				}
				claim, err := rt.Engine.CreateClaim(ctx, engine.ClaimInput{
					PolicyID:  policyID,
					ClaimType: domain.ClaimType(strings.ToUpper(claimType)),
					Priority:  domain.Priority(strings.ToUpper(priority)),
					Summary:   summary,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().StringVar(&policyNumber, "policy", "", "policy number")
	cmd.Flags().StringVar(&policyID, "policy-id", "", "policy id")
	cmd.Flags().StringVar(&claimType, "type", string(domain.ClaimTypeClaim), "CLAIM or POLICY_CHANGE")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, NORMAL or HIGH")
	cmd.Flags().StringVar(&summary, "summary", "", "summary")
	return cmd
}

func claimListCmd() *cobra.Command {
	var status, priority, policyNumber string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				f := repo.ClaimFilters{
					Status:   domain.ClaimStatus(strings.ToUpper(status)),
					Priority: domain.Priority(strings.ToUpper(priority)),
					Limit:    limit,
				}
				if policyNumber != "" {
					p, err := rt.Engine.GetPolicyByNumber(ctx, policyNumber)
					if err != nil {
						return err
					}
					f.PolicyID = p.ID
				}
				claims, err := rt.Engine.ListClaims(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(claims)
				}
				tw := newTable("ID", "Policy", "Type", "Status", "Priority", "Created", "Summary")
				for _, c := range claims {
					tw.AppendRow(table.Row{c.ID, c.PolicyNumber, c.ClaimType, c.Status, c.Priority, c.CreatedAt.Format(time.RFC3339), c.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&policyNumber, "policy", "", "policy number filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows (max 500)")
	return cmd
}

func claimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <claim-id>",
		Short: "Show a claim with its documents, notes and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				detail, err := rt.Engine.GetClaimDetail(ctx, args[0])
				if err != nil {
					return err
				}
				docs, err := rt.Engine.ListDocuments(ctx, args[0])
				if err != nil {
					return err
				}
				notes, err := rt.Engine.ListNotes(ctx, args[0])
				if err != nil {
					return err
				}
				decisions, err := rt.Engine.ListDecisions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"claim":     detail,
						"documents": docs,
						"notes":     notes,
						"decisions": decisions,
					})
				}
				fmt.Printf("Claim %s  [%s, %s]\n", detail.ID, detail.Status, detail.Priority)
				fmt.Printf("Policy %s  %s\n", detail.PolicyNumber, detail.ClaimType)
				if detail.Summary != "" {
					fmt.Println(detail.Summary)
				}
				if len(docs) > 0 {
					tw := newTable("Document", "Type", "Size", "Uploaded by", "At")
					for _, d := range docs {
						tw.AppendRow(table.Row{d.OriginalFilename, d.ContentType, d.SizeBytes, d.UploadedBy, d.UploadedAt.Format(time.RFC3339)})
					}
					tw.Render()
				}
				if len(notes) > 0 {
					tw := newTable("Note", "By", "At")
					for _, n := range notes {
						tw.AppendRow(table.Row{n.Body, n.CreatedBy, n.CreatedAt.Format(time.RFC3339)})
					}
					tw.Render()
				}
				if len(decisions) > 0 {
					tw := newTable("Decision", "Notes", "By", "At")
					for _, d := range decisions {
						tw.AppendRow(table.Row{d.Decision, d.Notes, d.DecidedBy, d.DecidedAt.Format(time.RFC3339)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func claimHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <claim-id>",
		Short: "Show the claim audit trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.ClaimHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "At", "Event", "Actor", "Payload")
				for _, e := range events {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.ID, e.CreatedAt.Format(time.RFC3339), e.EventType, e.Actor, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func claimDocumentCmd() *cobra.Command {
	var file, name, contentType string
	cmd := &cobra.Command{
		Use:   "document <claim-id>",
		Short: "Attach a file to a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			if name == "" {
				name = filepath.Base(file)
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(name))
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				doc, err := rt.Engine.AddDocument(ctx, args[0], engine.DocumentUpload{
					Filename:    name,
					ContentType: contentType,
					Body:        f,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path of the file to upload")
	cmd.Flags().StringVar(&name, "name", "", "stored filename (defaults to the file's base name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (guessed from extension)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func claimDownloadCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "download <claim-id> <document-id>",
		Short: "Write a stored document to a file or stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				doc, rc, err := rt.Engine.OpenDocument(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				defer rc.Close()
				if out == "" || out == "-" {
					_, err = io.Copy(cmd.OutOrStdout(), rc)
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				n, err := io.Copy(f, rc)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes) to %s\n", doc.OriginalFilename, n, out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination path (stdout when empty or -)")
	return cmd
}

func claimNoteCmd() *cobra.Command {
	var body string
	cmd := &cobra.Command{
		Use:   "note <claim-id>",
		Short: "Add an internal note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				note, err := rt.Engine.AddNote(ctx, args[0], body, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(note)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "note text")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func claimDecideCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "decide <claim-id>",
		Short: "Record APPROVE, REJECT or REQUEST_INFO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				d, err := rt.Engine.AddDecision(ctx, args[0], domain.DecisionKind(strings.ToUpper(decision)), notes, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE, REJECT or REQUEST_INFO")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

// --- helpers ---

// loadConfig reads policylens.yml (defaults when absent) and applies
// POLICYLENS_STORAGE_DRIVER / POLICYLENS_STORAGE_DSN overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("storage_driver"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := viper.GetString("storage_dsn"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, os.Stderr)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == config.DriverSQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
	}
	rt, err := app.Open(ctx, workspace, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := fn(ctx, rt); err != nil {
		logRejection(log, err)
		return err
	}
	return nil
}

func logRejection(log zerolog.Logger, err error) {
	if kind := engine.KindOf(err); kind == engine.KindPersistence {
		log.Error().Err(err).Str("kind", kind.String()).Msg("command failed")
	}
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
