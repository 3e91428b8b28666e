package main

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/spf13/cobra"

	"specscan/internal/model"
	"specscan/internal/preflight"
	"specscan/internal/queue"
	"specscan/internal/score"
	"specscan/internal/specstore"
)

type statusOutput struct {
	Tiles             queue.HealthSummary            `json:"tiles"`
	ProcessingVersion string                         `json:"processing_version"`
	Extractions       map[queue.ExtractionStatus]int `json:"extractions"`
	Partitions        []specstore.Partition          `json:"partitions"`
	Models            []string                       `json:"models"`
	Scores            []score.VersionStats           `json:"scores"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show ledger, store and scoring progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				c := cmd.Context()
				var st statusOutput
				var err error
				if st.Tiles, err = s.pipeline.Ledger().Health(c); err != nil {
					return err
				}
				st.ProcessingVersion = s.cfg.Processing.Version
				if st.Extractions, err = s.pipeline.Ledger().ExtractionStats(c, st.ProcessingVersion); err != nil {
					return err
				}
				if st.Partitions, err = s.pipeline.Spectra().Versions(c); err != nil {
					return err
				}
				if st.Models, err = model.Versions(s.cfg.Paths.ModelsDir); err != nil {
					return err
				}
				if st.Scores, err = s.pipeline.Scores().Versions(c); err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, st)
				}
				renderStatus(cmd, st)
				return nil
			})
		},
	}
}

func renderStatus(cmd *cobra.Command, st statusOutput) {
	out := cmd.OutOrStdout()
	fancy := isTerminal(out)

	for _, line := range renderSectionHeader("Health", fancy) {
		fmt.Fprintln(out, line)
	}
	h, detail := ledgerHealth(st.Tiles)
	fmt.Fprintln(out, renderHealthLine("Fetch", h, detail, fancy))
	h, detail = extractionHealth(st.Extractions, st.Tiles.Complete)
	fmt.Fprintln(out, renderHealthLine("Extract "+st.ProcessingVersion, h, detail, fancy))
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Tiles", fancy) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Total", "Pending", "Partial", "Complete", "Failed"},
		[][]string{{itoa(st.Tiles.Total), itoa(st.Tiles.Pending), itoa(st.Tiles.Partial), itoa(st.Tiles.Complete), itoa(st.Tiles.Failed)}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight}, fancy))

	for _, line := range renderSectionHeader("Extraction ("+st.ProcessingVersion+")", fancy) {
		fmt.Fprintln(out, line)
	}
	var rows [][]string
	for _, status := range []queue.ExtractionStatus{queue.ExtractionRunning, queue.ExtractionComplete, queue.ExtractionFailed} {
		rows = append(rows, []string{string(status), itoa(st.Extractions[status])})
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Tiles"}, rows, []columnAlignment{alignLeft, alignRight}, fancy))

	for _, line := range renderSectionHeader("Spectrum store", fancy) {
		fmt.Fprintln(out, line)
	}
	if len(st.Partitions) == 0 {
		fmt.Fprintln(out, "No processing versions stored")
	} else {
		rows = rows[:0]
		for _, p := range st.Partitions {
			rows = append(rows, []string{p.Version, strconv.FormatInt(p.RowCount, 10), itoa(p.NPoints), shortFingerprint(p.GridFingerprint)})
		}
		fmt.Fprintln(out, renderTable([]string{"Version", "Records", "Grid points", "Grid"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft}, fancy))
	}

	for _, line := range renderSectionHeader("Scoring", fancy) {
		fmt.Fprintln(out, line)
	}
	if len(st.Models) > 0 {
		fmt.Fprintf(out, "Models: %s\n", strings.Join(st.Models, ", "))
	}
	if len(st.Scores) == 0 {
		fmt.Fprintln(out, "No scores recorded")
		return
	}
	rows = rows[:0]
	for _, v := range st.Scores {
		rows = append(rows, []string{v.ModelVersion, strconv.FormatInt(v.Scored, 10), strconv.FormatInt(v.Unscorable, 10), strconv.FormatInt(v.Ranked, 10)})
	}
	fmt.Fprintln(out, renderTable([]string{"Model", "Scored", "Unscorable", "Ranked"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}, fancy))
}

type topRow struct {
	Rank       int64   `json:"rank"`
	ObjectID   int64   `json:"object_id"`
	ReconError float64 `json:"recon_error"`
	Tile       string  `json:"tile,omitempty"`
	Quality    float64 `json:"quality,omitempty"`
}

func newTopCommand(ctx *commandContext) *cobra.Command {
	var modelVersion string
	var limit int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "List the most anomalous objects of a model version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				version := modelVersion
				if version == "" {
					version = s.cfg.Scoring.ModelVersion
				}
				if version == "" {
					return fmt.Errorf("no model version given (use --model or set scoring.model_version)")
				}
				scores, err := s.pipeline.Scores().Top(cmd.Context(), version, limit)
				if err != nil {
					return err
				}
				rows := make([]topRow, len(scores))
				ids := make([]int64, len(scores))
				for i, sc := range scores {
					rows[i] = topRow{Rank: sc.Rank, ObjectID: int64(sc.ObjectID), ReconError: sc.ReconError}
					ids[i] = int64(sc.ObjectID)
				}
				if idx := s.pipeline.Index(); idx != nil && len(ids) > 0 {
					meta, err := idx.Query(cmd.Context(), sq.Eq{"object_id": ids}, len(ids))
					if err != nil {
						return err
					}
					byID := make(map[int64]int, len(rows))
					for i, r := range rows {
						byID[r.ObjectID] = i
					}
					for _, m := range meta {
						i := byID[m.ObjectID]
						if m.TileKey != nil {
							rows[i].Tile = *m.TileKey
						}
						if m.QualityScore != nil {
							rows[i].Quality = *m.QualityScore
						}
					}
				}

				if ctx.JSONMode() {
					return writeJSON(cmd, rows)
				}
				out := cmd.OutOrStdout()
				if len(rows) == 0 {
					fmt.Fprintf(out, "No ranked objects for model %s\n", version)
					return nil
				}
				table := make([][]string, len(rows))
				for i, r := range rows {
					table[i] = []string{
						strconv.FormatInt(r.Rank, 10),
						strconv.FormatInt(r.ObjectID, 10),
						strconv.FormatFloat(r.ReconError, 'g', 6, 64),
						r.Tile,
						strconv.FormatFloat(r.Quality, 'f', 3, 64),
					}
				}
				fmt.Fprintln(out, renderTable([]string{"Rank", "Object", "Error", "Tile", "Quality"}, table,
					[]columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignRight}, isTerminal(out)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&modelVersion, "model", "", "Model version (default scoring.model_version)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of objects to list")
	return cmd
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the ledger database and run preflight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, false, func(s *session) error {
				db, dbErr := s.pipeline.Ledger().CheckHealth(cmd.Context())
				checks := preflight.RunAll(cmd.Context(), s.cfg)
				if ctx.JSONMode() {
					if err := writeJSON(cmd, map[string]any{"ledger": db, "preflight": checks}); err != nil {
						return err
					}
				} else {
					renderHealth(cmd, db, checks)
				}
				if dbErr != nil {
					return dbErr
				}
				return preflight.Err(checks)
			})
		},
	}
}

func renderHealth(cmd *cobra.Command, db queue.DatabaseHealth, checks []preflight.Result) {
	out := cmd.OutOrStdout()
	colorize := isTerminal(out)
	fmt.Fprintf(out, "Database path: %s\n", db.DBPath)
	fmt.Fprintf(out, "Database exists: %s\n", yesNo(db.DatabaseExists))
	fmt.Fprintf(out, "Readable: %s\n", yesNo(db.DatabaseReadable))
	fmt.Fprintf(out, "Schema version: %d\n", db.SchemaVersion)
	if len(db.MissingTables) > 0 {
		fmt.Fprintf(out, "Missing tables: %s\n", strings.Join(db.MissingTables, ", "))
	}
	if len(db.MissingColumns) > 0 {
		fmt.Fprintf(out, "Missing columns: %s\n", strings.Join(db.MissingColumns, ", "))
	} else {
		fmt.Fprintln(out, "Missing columns: none")
	}
	fmt.Fprintf(out, "Integrity check: %s\n", yesNo(db.IntegrityCheck))
	fmt.Fprintf(out, "Total tiles: %d\n", db.TotalTiles)
	if db.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", db.Error)
	}
	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Preflight", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, r := range checks {
		fmt.Fprintln(out, renderHealthLine(r.Name, preflightHealth(r), r.Detail, colorize))
	}
}

func itoa(v int) string { return strconv.Itoa(v) }

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
