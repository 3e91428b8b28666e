package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"specscan/internal/runsummary"
)

type summaryOutput struct {
	RunID   string              `json:"run_id"`
	LogPath string              `json:"log_path,omitempty"`
	Summary runsummary.Snapshot `json:"summary"`
	Extra   any                 `json:"result,omitempty"`
}

// reportSummary prints the run summary and returns the error that decides
// the exit status.
func reportSummary(cmd *cobra.Command, ctx *commandContext, s *session, summary *runsummary.Summary, extra any) error {
	if ctx.JSONMode() {
		if err := writeJSON(cmd, summaryOutput{RunID: s.runID, LogPath: s.logPath, Summary: summary.Snapshot(), Extra: extra}); err != nil {
			return err
		}
		return summary.Err()
	}

	out := cmd.OutOrStdout()
	fancy := isTerminal(out)
	for _, line := range renderSectionHeader("Run "+s.runID, fancy) {
		fmt.Fprintln(out, line)
	}

	counts := summary.Counts()
	if len(counts) == 0 {
		fmt.Fprintln(out, "Nothing to do")
	} else {
		rows := make([][]string, 0, len(counts))
		for _, c := range counts {
			rows = append(rows, []string{strings.ReplaceAll(c.Name, "_", " "), strconv.FormatInt(c.Value, 10)})
		}
		fmt.Fprintln(out, renderTable([]string{"Units", "Count"}, rows, []columnAlignment{alignLeft, alignRight}, fancy))
	}

	failures := summary.Failures()
	if len(failures) > 0 {
		rows := make([][]string, 0, len(failures))
		for _, f := range failures {
			rows = append(rows, []string{
				f.Category,
				strconv.FormatInt(f.Count, 10),
				yesNo(f.Fatal),
				strings.Join(f.Samples, ", "),
			})
		}
		fmt.Fprintln(out, renderTable([]string{"Failure", "Count", "Fatal", "Samples"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft}, fancy))
	}
	h, detail := runHealth(failures)
	fmt.Fprintln(out, renderHealthLine("Outcome", h, detail, fancy))
	if s.logPath != "" {
		fmt.Fprintf(out, "Run log: %s\n", s.logPath)
	}
	return summary.Err()
}
