package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/scribe/internal/stage"
)

var (
	auditQuery  string
	auditStatus string
	olderThan   time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List run records",
	Long: `List run records, optionally filtered by status or reshaped by a jq query.

Examples:
  scribe audit --status failed
  scribe audit -q '.[] | select(.degraded) | .session_id'
  scribe audit -o json -q 'map({session_id, status, completed: (.completed | length)})'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		runs, err := a.Orchestrator.Audit(cmd.Context())
		if err != nil {
			return err
		}
		// gojq only walks plain JSON values.
		data, err := json.Marshal(runs)
		if err != nil {
			return err
		}
		var doc []any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		if auditStatus != "" {
			doc = filterStatus(doc, auditStatus)
		}
		if auditQuery == "" {
			return printResult(cmd.OutOrStdout(), doc)
		}
		results, err := runQuery(auditQuery, doc)
		if err != nil {
			return err
		}
		for _, r := range results {
			if err := printResult(cmd.OutOrStdout(), r); err != nil {
				return err
			}
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [session]",
	Short: "Delete a session's checkpoints or expire old sessions",
	Long: `Delete checkpoints, the run record and converted audio of one session, or of
every session not updated within --older-than. Deliverables are kept.

Examples:
  scribe cleanup campaign-12
  scribe cleanup --older-than 168h`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && olderThan <= 0 {
			return fmt.Errorf("give a session id or --older-than")
		}
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		if len(args) == 1 {
			if err := a.Orchestrator.Cleanup(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), map[string]any{"removed": []string{args[0]}})
		}
		n, err := a.Orchestrator.Expire(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		return printResult(cmd.OutOrStdout(), map[string]any{"expired": n})
	},
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List pipeline stages in execution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out []map[string]any
		for _, st := range stage.All() {
			out = append(out, map[string]any{"name": st.String(), "required": st.Required()})
		}
		return printResult(cmd.OutOrStdout(), out)
	},
}

func init() {
	auditCmd.Flags().StringVarP(&auditQuery, "query", "q", "", "jq expression applied to the run list")
	auditCmd.Flags().StringVar(&auditStatus, "status", "", "only runs with this status")
	cleanupCmd.Flags().DurationVar(&olderThan, "older-than", 0, "expire sessions not updated within this duration")
}

func filterStatus(runs []any, status string) []any {
	out := make([]any, 0, len(runs))
	for _, r := range runs {
		if m, ok := r.(map[string]any); ok && m["status"] == status {
			out = append(out, r)
		}
	}
	return out
}

// runQuery evaluates a jq expression and collects every value it emits.
func runQuery(expr string, input any) ([]any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", expr, err)
	}
	var out []any
	iter := query.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// printResult writes v in the selected output format.
func printResult(w io.Writer, v any) error {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}
