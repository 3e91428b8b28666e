package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"specscan/internal/preflight"
	"specscan/internal/queue"
	"specscan/internal/runsummary"
)

// health grades one stage of the pipeline for the status and run views.
type health int

const (
	healthIdle health = iota
	healthOK
	healthBacklog
	healthFailed
)

func (h health) String() string {
	switch h {
	case healthOK:
		return "ok"
	case healthBacklog:
		return "backlog"
	case healthFailed:
		return "failed"
	default:
		return "idle"
	}
}

func (h health) color() text.Colors {
	switch h {
	case healthOK:
		return text.Colors{text.FgGreen}
	case healthBacklog:
		return text.Colors{text.FgYellow}
	case healthFailed:
		return text.Colors{text.FgRed, text.Bold}
	default:
		return text.Colors{text.FgHiBlack}
	}
}

const healthLabelWidth = 18

// renderHealthLine prints "label  [grade] detail", coloured by grade on a
// terminal.
func renderHealthLine(label string, h health, detail string, colorize bool) string {
	grade := "[" + h.String() + "]"
	if colorize {
		grade = h.color().Sprint(grade)
	}
	line := fmt.Sprintf("  %-*s %s", healthLabelWidth, label, grade)
	if detail != "" {
		line += " " + detail
	}
	return line
}

// ledgerHealth grades the fetch ledger: any failed tile fails the stage and
// unfinished downloads leave a backlog.
func ledgerHealth(s queue.HealthSummary) (health, string) {
	switch {
	case s.Failed > 0:
		return healthFailed, fmt.Sprintf("%d of %d tile(s) failed to fetch", s.Failed, s.Total)
	case s.Pending+s.Partial > 0:
		return healthBacklog, fmt.Sprintf("%d tile(s) awaiting fetch", s.Pending+s.Partial)
	case s.Total == 0:
		return healthIdle, "no tiles enqueued"
	default:
		return healthOK, fmt.Sprintf("%d tile(s) fetched", s.Complete)
	}
}

// extractionHealth grades extraction under one processing version against
// the number of fetched tiles. A running row outside an active run is an
// interrupted extraction that resumes from its cursor.
func extractionHealth(stats map[queue.ExtractionStatus]int, fetched int) (health, string) {
	done := stats[queue.ExtractionComplete]
	switch {
	case stats[queue.ExtractionFailed] > 0:
		return healthFailed, fmt.Sprintf("%d tile(s) failed extraction", stats[queue.ExtractionFailed])
	case stats[queue.ExtractionRunning] > 0:
		return healthBacklog, fmt.Sprintf("%d tile(s) interrupted mid-extraction", stats[queue.ExtractionRunning])
	case done < fetched:
		return healthBacklog, fmt.Sprintf("%d fetched tile(s) not yet extracted", fetched-done)
	case done == 0:
		return healthIdle, "nothing extracted"
	default:
		return healthOK, fmt.Sprintf("%d tile(s) extracted", done)
	}
}

// runHealth grades a finished run by its failure categories.
func runHealth(failures []runsummary.Failure) (health, string) {
	if len(failures) == 0 {
		return healthOK, "no failures"
	}
	var fatal, soft int64
	for _, f := range failures {
		if f.Fatal {
			fatal += f.Count
		} else {
			soft += f.Count
		}
	}
	if fatal > 0 {
		return healthFailed, fmt.Sprintf("%d fatal, %d skipped", fatal, soft)
	}
	return healthBacklog, fmt.Sprintf("%d skipped", soft)
}

func preflightHealth(r preflight.Result) health {
	if r.Passed {
		return healthOK
	}
	return healthFailed
}

func renderSectionHeader(title string, colorize bool) []string {
	title = strings.TrimSpace(title)
	rule := strings.Repeat("=", len(title))
	if colorize {
		return []string{text.Colors{text.FgBlue, text.Bold}.Sprint(title), text.FgBlue.Sprint(rule)}
	}
	return []string{title, rule}
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
