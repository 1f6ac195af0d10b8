package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/veiloq/tenantkit"
	"github.com/veiloq/tenantkit/migration"
	"github.com/veiloq/tenantkit/sweep"
	"github.com/veiloq/tenantkit/verify"
)

func newProvisionCmd(g *globalFlags) *cobra.Command {
	var orgID, orgName string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create, migrate and verify the schema for an organization",
		Long: `Creates a new schema for an existing organization record, applies every
migration, verifies the result and stores the schema name on the record.
A failed attempt drops the schema it created, so the command can be rerun.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withService(cmd.Context(), func(svc *tenantkit.Service) error {
				schema, err := svc.CreateSchema(cmd.Context(), orgID, orgName)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), schema)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org-id", "", "Organization id")
	cmd.Flags().StringVar(&orgName, "org-name", "", "Organization name, used to derive the schema name")
	_ = cmd.MarkFlagRequired("org-id")
	_ = cmd.MarkFlagRequired("org-name")
	return cmd
}

func newMigrateCmd(g *globalFlags) *cobra.Command {
	var all bool
	var schemas []string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to tenant schemas",
		Long: `Applies pending migrations to every provisioned organization (--all) or to
the listed schemas (--schemas a,b). A failing schema does not stop the others;
the command exits non-zero if any schema failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (len(schemas) > 0) {
				return errors.New("exactly one of --all or --schemas is required")
			}
			return g.withService(cmd.Context(), func(svc *tenantkit.Service) error {
				var report sweep.Report
				var err error
				if all {
					report, err = svc.ApplyToAll(cmd.Context())
				} else {
					report, err = svc.ApplyToSubset(cmd.Context(), schemas)
				}
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				if !report.Ok() {
					return fmt.Errorf("%d schema(s) failed to migrate", report.Failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Migrate every organization with a schema")
	cmd.Flags().StringSliceVar(&schemas, "schemas", nil, "Comma separated schema names")
	return cmd
}

func newVerifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify SCHEMA...",
		Short: "Check tenant schemas for the required tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(cmd.Context(), func(svc *tenantkit.Service) error {
				failed := 0
				for _, schema := range args {
					ok, err := svc.Verify(cmd.Context(), schema)
					if err != nil {
						return err
					}
					status := "ok"
					if !ok {
						status = "FAILED"
						failed++
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", schema, status)
				}
				if failed > 0 {
					return fmt.Errorf("%d schema(s): %w", failed, verify.ErrVerificationFailed)
				}
				return nil
			})
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status SCHEMA",
		Short: "Show the migration ledger of a tenant schema and what is pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withService(cmd.Context(), func(svc *tenantkit.Service) error {
				entries, err := svc.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), entries, svc.Catalog().Names())
				return nil
			})
		},
	}
}

func printReport(w io.Writer, r sweep.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	names := make([]string, 0, len(r.Applied)+len(r.Errors))
	for n := range r.Applied {
		names = append(names, n)
	}
	for n := range r.Errors {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err, ok := r.Errors[n]; ok {
			fmt.Fprintf(tw, "%s\tFAILED\t%v\n", n, err)
			continue
		}
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", n, strings.Join(r.Applied[n], ", "))
	}
	fmt.Fprintf(tw, "succeeded: %d\tfailed: %d\tskipped: %d\n", r.Succeeded, r.Failed, r.Skipped)
}

func printStatus(w io.Writer, entries []migration.LedgerEntry, catalog []string) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	applied := make(map[string]bool, len(entries))
	fmt.Fprintln(tw, "MIGRATION\tSTATUS\tFINISHED\tSTEPS")
	for _, e := range entries {
		applied[e.MigrationName] = true
		finished := "-"
		if e.FinishedAt != nil {
			finished = e.FinishedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\tapplied\t%s\t%d\n", e.MigrationName, finished, e.AppliedSteps)
	}
	for _, name := range catalog {
		if !applied[name] {
			fmt.Fprintf(tw, "%s\tpending\t-\t-\n", name)
		}
	}
}
