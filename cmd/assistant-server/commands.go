package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ehr/assistant/internal/config"
	"github.com/ehr/assistant/internal/domain/audit"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/internal/platform/knowledge"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadDatabaseConfig()
			if err != nil {
				return err
			}
			schema = schemaOrDefault(schema, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.Migrations())
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default: the DEFAULT_TENANT schema)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := loadDatabaseConfig()
			if err != nil {
				return err
			}
			schema = schemaOrDefault(schema, cfg)

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.Migrations()).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default: the DEFAULT_TENANT schema)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema with the audit tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := loadDatabaseConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.Migrations()); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-walk the hash chain and report the first broken entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			sink, closeAll, err := openAuditForCLI(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			res, err := audit.Verify(ctx, sink)
			if err != nil {
				return err
			}
			if res.OK() {
				color.New(color.FgGreen).Printf("audit chain intact: %d entries checked\n", res.Checked)
				return nil
			}
			color.New(color.FgRed, color.Bold).Printf("audit chain broken at sequence %d: %s\n", res.BrokenAt, res.Reason)
			return fmt.Errorf("audit chain broken at sequence %d", res.BrokenAt)
		},
	}
	cmd.AddCommand(verifyCmd)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print a metadata-only compliance report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			sinceStr, _ := cmd.Flags().GetString("since")
			untilStr, _ := cmd.Flags().GetString("until")

			f := audit.Filter{SubjectID: subject}
			var err error
			if f.Since, err = parseDateFlag("since", sinceStr); err != nil {
				return err
			}
			if f.Until, err = parseDateFlag("until", untilStr); err != nil {
				return err
			}

			ctx := context.Background()
			sink, closeAll, err := openAuditForCLI(ctx)
			if err != nil {
				return err
			}
			defer closeAll()

			report, err := audit.NewRecorder(sink, nil, newLogger(true)).Report(ctx, f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	reportCmd.Flags().String("subject", "", "Restrict to one subject id")
	reportCmd.Flags().String("since", "", "Start date, YYYY-MM-DD or RFC 3339")
	reportCmd.Flags().String("until", "", "End date (exclusive), YYYY-MM-DD or RFC 3339")
	cmd.AddCommand(reportCmd)

	return cmd
}

func knowledgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the reference knowledge base",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Load the built-in reference corpus into Weaviate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.WeaviateHost == "" {
				return fmt.Errorf("WEAVIATE_HOST is not set")
			}
			w, err := knowledge.NewWeaviateRetriever(cfg.WeaviateHost, cfg.WeaviateScheme, cfg.WeaviateClass)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := w.Seed(ctx, knowledge.BuiltinCorpus())
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d document(s) into %s.\n", n, cfg.WeaviateClass)
			return nil
		},
	})
	return cmd
}

// loadDatabaseConfig is loadConfig for commands that cannot run without
// Postgres.
func loadDatabaseConfig() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.InMemory() {
		return nil, fmt.Errorf("DATABASE_URL is required for this command")
	}
	return cfg, nil
}

func schemaOrDefault(schema string, cfg *config.Config) string {
	if schema != "" {
		return schema
	}
	return db.SchemaFor(cfg.DefaultTenant)
}

// openAuditForCLI opens the configured sink, connecting to Postgres only
// when the sink needs it.
func openAuditForCLI(ctx context.Context) (audit.Sink, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.AuditSink != config.AuditSinkPostgres {
		return openAuditSink(cfg, nil)
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	sink, closeSink, err := openAuditSink(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return sink, func() { closeSink(); pool.Close() }, nil
}

func parseDateFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("--%s: expected YYYY-MM-DD or RFC 3339, got %q", name, v)
}
