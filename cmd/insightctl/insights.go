package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	insighthttp "github.com/fyrsmithlabs/insightd/internal/http"
	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/spf13/cobra"
)

func newInsightsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "insights",
		Aliases: []string{"insight", "in"},
		Short:   "Inspect insights",
	}
	cmd.AddCommand(
		newInsightsListCmd(opts),
		newInsightsGetCmd(opts),
		newInsightsStatsCmd(opts),
		newInsightsTracesCmd(opts),
	)
	return cmd
}

func newInsightsListCmd(opts *options) *cobra.Command {
	var (
		status, priority, stage, family, unit string
		attention                             bool
		limit, offset                         int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List insights by score",
		Long: `List insights sorted by score, highest first.

Examples:
  insightctl insights list --status promoted
  insightctl insights list --attention
  insightctl insights list --family performance --limit 10 -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			set := func(k, v string) {
				if v != "" {
					q.Set(k, v)
				}
			}
			set("status", status)
			set("priority", strings.ToUpper(priority))
			set("workflow_stage", stage)
			set("failure_family", family)
			set("impacted_unit", unit)
			if attention {
				q.Set("attention", "true")
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}

			var page insight.Page
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/insights", q, nil, &page); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), page)
			}
			writeInsightTable(cmd.OutOrStdout(), page.Insights)
			fmt.Fprintf(cmd.OutOrStdout(), "\nShowing %d of %d (offset %d)\n", len(page.Insights), page.Total, page.Offset)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.StringVar(&priority, "priority", "", "filter by priority (P0-P3)")
	f.StringVar(&stage, "stage", "", "filter by workflow stage")
	f.StringVar(&family, "family", "", "filter by failure family")
	f.StringVar(&unit, "unit", "", "filter by impacted unit")
	f.BoolVar(&attention, "attention", false, "only insights needing attention (pending triage or recurring)")
	f.IntVar(&limit, "limit", 0, "page size (default 50, max 200)")
	f.IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func writeInsightTable(w io.Writer, list []*insight.Insight) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tSCORE\tSTATUS\tREPORTERS\tCLUSTER\tTITLE")
	for _, ins := range list {
		flag := ""
		if ins.NeedsAttention() {
			flag = " !"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s%s\t%d\t%s\t%s\n",
			ins.ID, ins.Priority, ins.Score, ins.Status, flag, ins.IndependentCount, ins.ClusterKey, truncate(ins.Title, 60))
	}
	tw.Flush()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func newInsightsGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one insight with its latest decision trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ins insight.Insight
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/insights/"+args[0], nil, nil, &ins); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), ins)
			}
			writeInsight(cmd.OutOrStdout(), &ins)
			return nil
		},
	}
}

func writeInsight(w io.Writer, ins *insight.Insight) {
	fmt.Fprintf(w, "ID:          %s\n", ins.ID)
	fmt.Fprintf(w, "Title:       %s\n", ins.Title)
	fmt.Fprintf(w, "Cluster:     %s\n", ins.ClusterKey)
	fmt.Fprintf(w, "Status:      %s (%s)\n", ins.Status, ins.PromotionReadiness)
	fmt.Fprintf(w, "Priority:    %s  score %.2f\n", ins.Priority, ins.Score)
	fmt.Fprintf(w, "Reporters:   %d (%s)\n", ins.IndependentCount, strings.Join(ins.Authors, ", "))
	fmt.Fprintf(w, "Reflections: %d\n", len(ins.ReflectionIDs))
	if ins.RecurringCandidate {
		fmt.Fprintf(w, "Recurring:   yes\n")
	}
	if ins.CooldownUntil != nil {
		fmt.Fprintf(w, "Cooldown:    until %s\n", ins.CooldownUntil.Format("2006-01-02 15:04 MST"))
	}
	if ins.CooldownReason != "" {
		fmt.Fprintf(w, "Reason:      %s\n", ins.CooldownReason)
	}
	if ins.TaskID != "" {
		fmt.Fprintf(w, "Task:        %s\n", ins.TaskID)
	}
	if tr := ins.Metadata.DecisionTrace; tr != nil {
		fmt.Fprintf(w, "Trace:       rules %s, band %s, raw %.2f, hysteresis %t\n",
			tr.Version, tr.PromotionBand, tr.RawScore, tr.HysteresisApplied)
		for _, c := range tr.TopContributors {
			fmt.Fprintf(w, "  %-16s %5.2f  %s\n", c.Factor, c.Value, c.Description)
		}
	}
}

func newInsightsStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show insight counts by status, priority and family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats insight.Stats
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/insights/stats", nil, nil, &stats); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Total: %d  Needs attention: %d\n", stats.Total, stats.Attention)
			writeCounts(w, "By status", stringKeys(stats.ByStatus))
			writeCounts(w, "By priority", stringKeys(stats.ByPriority))
			writeCounts(w, "By failure family", stats.ByFamily)
			return nil
		},
	}
}

func stringKeys[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

func writeCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-20s %d\n", k, counts[k])
	}
}

func newInsightsTracesCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "traces <id>",
		Short: "Show the decision trace audit log of an insight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var resp insighthttp.TracesResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/insights/"+args[0]+"/traces", q, nil, &resp); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tTRANSITION\tRULES\tBAND\tRAW\tPREVIOUS\tHYSTERESIS")
			for _, rec := range resp.Traces {
				prev := "-"
				if rec.Trace.PreviousPriority != nil {
					prev = string(*rec.Trace.PreviousPriority)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\t%t\n",
					rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Transition, rec.Trace.Version,
					rec.Trace.PromotionBand, rec.Trace.RawScore, prev, rec.Trace.HysteresisApplied)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of traces (default 50)")
	return cmd
}

func newTriageCmd(opts *options) *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "triage <id> <status>",
		Short: "Set the status of an insight",
		Long: `Move an insight through triage. Allowed transitions:

  pending_triage -> task_created | closed
  candidate      -> promoted | closed
  promoted       -> promoted (with --task) | task_created | closed
  cooldown       -> closed
  task_created   -> closed

Examples:
  insightctl triage 6f1c... task_created --task JIRA-123
  insightctl triage 6f1c... closed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := insighthttp.UpdateStatusRequest{Status: args[1], TaskID: taskID}
			var ins insight.Insight
			if err := opts.client().do(cmd.Context(), http.MethodPatch, "/api/v1/insights/"+args[0]+"/status", nil, body, &ins); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), ins)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Insight %s is now %s\n", ins.ID, ins.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id to link")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the cooldown sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res insight.SweepResult
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/insights/sweep", nil, nil, &res); err != nil {
				return err
			}
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cooled: %d  Closed: %d\n", res.Cooled, res.Closed)
			return nil
		},
	}
}
