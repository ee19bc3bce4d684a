package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// simpleCall builds a command that sends one request and prints the answer.
func simpleCall(opts *rootOptions, use, short, method, path string, body func() interface{}) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var b interface{}
			if body != nil {
				b = body()
			}
			data, err := newAPIClient(opts).do(cmd.Context(), method, path, nil, b)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newControlCmds(opts *rootOptions) []*cobra.Command {
	var reason string
	emergency := simpleCall(opts, "emergency-stop", "Stop the loop now, cancel the in-flight trial and start a cooldown",
		http.MethodPost, "/v1/emergency-stop", func() interface{} { return map[string]string{"reason": reason} })
	emergency.Flags().StringVar(&reason, "reason", "", "Reason recorded with the stop")

	return []*cobra.Command{
		simpleCall(opts, "status", "Show the loop status", http.MethodGet, "/v1/status", nil),
		simpleCall(opts, "pause", "Pause the loop between trials", http.MethodPost, "/v1/pause", nil),
		simpleCall(opts, "resume", "Resume a paused loop", http.MethodPost, "/v1/resume", nil),
		simpleCall(opts, "stop", "Stop the loop after the current trial", http.MethodPost, "/v1/stop", nil),
		emergency,
		newGuardrailCmd(opts),
	}
}

func newGuardrailCmd(opts *rootOptions) *cobra.Command {
	cmd := simpleCall(opts, "guardrail", "Show guardrail ceilings, usage and warnings", http.MethodGet, "/v1/guardrail", nil)

	var (
		perMinute, perHour, perDay int
		costHour, costDay          float64
		cooldown                   string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Update guardrail ceilings; unset flags keep their value",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			body := map[string]interface{}{}
			flags := c.Flags()
			if flags.Changed("max-per-minute") {
				body["max_calls_per_minute"] = perMinute
			}
			if flags.Changed("max-per-hour") {
				body["max_calls_per_hour"] = perHour
			}
			if flags.Changed("max-per-day") {
				body["max_calls_per_day"] = perDay
			}
			if flags.Changed("max-cost-hour") {
				body["max_cost_per_hour"] = costHour
			}
			if flags.Changed("max-cost-day") {
				body["max_cost_per_day"] = costDay
			}
			if flags.Changed("cooldown") {
				body["cooldown"] = cooldown
			}
			if len(body) == 0 {
				return &exitError{code: ExitUsageError, err: errors.New("no guardrail setting given")}
			}
			data, err := newAPIClient(opts).do(c.Context(), http.MethodPut, "/v1/guardrail", nil, body)
			if err != nil {
				return err
			}
			return printJSON(c.OutOrStdout(), data)
		},
	}
	sf := set.Flags()
	sf.IntVar(&perMinute, "max-per-minute", 0, "Calls per minute ceiling (0 disables)")
	sf.IntVar(&perHour, "max-per-hour", 0, "Calls per hour ceiling (0 disables)")
	sf.IntVar(&perDay, "max-per-day", 0, "Calls per day ceiling (0 disables)")
	sf.Float64Var(&costHour, "max-cost-hour", 0, "Estimated cost per hour ceiling (0 disables)")
	sf.Float64Var(&costDay, "max-cost-day", 0, "Estimated cost per day ceiling (0 disables)")
	sf.StringVar(&cooldown, "cooldown", "", "Cooldown duration after repeated failures")

	var duration string
	cool := simpleCall(opts, "cooldown", "Start a guardrail cooldown", http.MethodPost, "/v1/guardrail/cooldown",
		func() interface{} { return map[string]string{"duration": duration} })
	cool.Flags().StringVar(&duration, "duration", "", "Cooldown length; defaults to the configured cooldown")

	cmd.AddCommand(
		set,
		cool,
		simpleCall(opts, "clear-cooldown", "End an active cooldown", http.MethodDelete, "/v1/guardrail/cooldown", nil),
		simpleCall(opts, "reset-daily", "Reset the daily counters", http.MethodPost, "/v1/guardrail/reset-daily", nil),
		simpleCall(opts, "reset", "Reset every guardrail counter", http.MethodPost, "/v1/guardrail/reset", nil),
	)
	return cmd
}

func newDataCmds(opts *rootOptions) []*cobra.Command {
	return []*cobra.Command{
		newQueryCmd(opts),
		simpleCall(opts, "stats", "Show aggregate learning statistics", http.MethodGet, "/v1/experiences/stats", nil),
		newCheckpointCmd(opts),
		newDeleteCmd(opts),
		newPruneCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newResetCmd(opts),
	}
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	var (
		success    string
		strategies []string
		minReward  string
		maxReward  string
		since      string
		until      string
		sortBy     string
		ascending  bool
		offset     int
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query recorded experiences",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if success != "" {
				if _, err := strconv.ParseBool(success); err != nil {
					return &exitError{code: ExitUsageError, err: fmt.Errorf("--success must be true or false")}
				}
				q.Set("success", success)
			}
			for _, s := range strategies {
				q.Add("strategy", s)
			}
			setIf(q, "min_reward", minReward)
			setIf(q, "max_reward", maxReward)
			setIf(q, "since", since)
			setIf(q, "until", until)
			setIf(q, "sort", sortBy)
			if ascending {
				q.Set("order", "asc")
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			data, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/experiences", q, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	f := cmd.Flags()
	f.StringVar(&success, "success", "", "Filter by outcome (true or false)")
	f.StringSliceVar(&strategies, "strategy", nil, "Filter by strategy; repeatable")
	f.StringVar(&minReward, "min-reward", "", "Minimum reward")
	f.StringVar(&maxReward, "max-reward", "", "Maximum reward")
	f.StringVar(&since, "since", "", "Earliest timestamp (RFC3339)")
	f.StringVar(&until, "until", "", "Latest timestamp (RFC3339)")
	f.StringVar(&sortBy, "sort", "", "Sort by timestamp, reward, execution_time or node_count")
	f.BoolVar(&ascending, "asc", false, "Sort ascending")
	f.IntVar(&offset, "offset", 0, "Skip this many results")
	f.IntVar(&limit, "limit", 0, "Page size (max 1000)")
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func newCheckpointCmd(opts *rootOptions) *cobra.Command {
	cmd := simpleCall(opts, "checkpoints", "List checkpoints", http.MethodGet, "/v1/checkpoints", nil)
	var reason string
	create := simpleCall(opts, "create", "Write a checkpoint now", http.MethodPost, "/v1/checkpoints",
		func() interface{} { return map[string]string{"reason": reason} })
	create.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the checkpoint")
	cmd.AddCommand(create)
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <experience-id>",
		Short: "Delete one experience",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := newAPIClient(opts).do(cmd.Context(), http.MethodDelete, "/v1/experiences/"+url.PathEscape(args[0]), nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newPruneCmd(opts *rootOptions) *cobra.Command {
	var (
		olderThan   string
		belowReward float64
		failedOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete experiences matching every given criterion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]interface{}{"failed_only": failedOnly}
			if olderThan != "" {
				body["older_than"] = olderThan
			}
			if cmd.Flags().Changed("below-reward") {
				body["below_reward"] = belowReward
			}
			data, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/v1/experiences/prune", nil, body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	f := cmd.Flags()
	f.StringVar(&olderThan, "older-than", "", "Only experiences older than this duration, e.g. 720h")
	f.Float64Var(&belowReward, "below-reward", 0, "Only experiences with a lower reward")
	f.BoolVar(&failedOnly, "failed-only", false, "Only failed experiences")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all learning data as a JSON document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/export", nil, nil)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				return printJSON(cmd.OutOrStdout(), data)
			}
			if err := os.WriteFile(output, data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import an export document; failed items are reported, not fatal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read import file: %w", err)
			}
			data, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/v1/import", nil, doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all experiences, checkpoints, patterns and policy weights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return &exitError{code: ExitUsageError, err: errors.New("reset is destructive; pass --yes to confirm")}
			}
			data, err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/v1/reset", nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
