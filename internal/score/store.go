package score

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"specscan/internal/spectrum"
	"specscan/internal/sqlitex"
)

const storeSchemaVersion = 1

var storeSchema = sqlitex.Schema{
	Name:    "score table",
	Version: storeSchemaVersion,
	SQL: `CREATE TABLE scores (
    object_id INTEGER NOT NULL,
    model_version TEXT NOT NULL,
    processing_version TEXT NOT NULL,
    recon_error REAL,
    unscorable INTEGER NOT NULL DEFAULT 0,
    rank INTEGER,
    scored_at TEXT NOT NULL,
    PRIMARY KEY (object_id, model_version)
);
CREATE INDEX idx_scores_model_rank ON scores(model_version, rank);`,
}

var scoreColumns = []string{
	"object_id",
	"model_version",
	"processing_version",
	"recon_error",
	"unscorable",
	"rank",
	"scored_at",
}

// Score is one object's anomaly score under a model version. Rank is 1 for
// the most anomalous object and 0 when unranked or unscorable.
type Score struct {
	ObjectID          spectrum.ObjectID `json:"object_id"`
	ModelVersion      string            `json:"model_version"`
	ProcessingVersion string            `json:"processing_version"`
	ReconError        float64           `json:"recon_error"`
	Unscorable        bool              `json:"unscorable"`
	Rank              int64             `json:"rank"`
	ScoredAt          time.Time         `json:"scored_at"`
}

// VersionStats summarizes one model version.
type VersionStats struct {
	ModelVersion string `json:"model_version"`
	Scored       int64  `json:"scored"`
	Unscorable   int64  `json:"unscorable"`
	Ranked       int64  `json:"ranked"`
}

// Store persists scores in scores.db. Rows are keyed by (object, model
// version) and never overwritten; only ranks are rewritten.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the score table at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sqlitex.Open(ctx, path, storeSchema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Write inserts scores in one transaction, skipping rows that already exist.
// It returns how many rows were inserted.
func (s *Store) Write(ctx context.Context, scores []Score) (int, error) {
	if len(scores) == 0 {
		return 0, nil
	}
	inserted := 0
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO scores
            (object_id, model_version, processing_version, recon_error, unscorable, scored_at)
            VALUES (?, ?, ?, ?, ?, ?)
            ON CONFLICT(object_id, model_version) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, sc := range scores {
			if sc.ModelVersion == "" {
				return fmt.Errorf("object %d: missing model version", sc.ObjectID)
			}
			var reconError any = sc.ReconError
			unscorable := 0
			if sc.Unscorable {
				reconError, unscorable = nil, 1
			} else if sc.ReconError < 0 {
				return fmt.Errorf("object %d: negative reconstruction error %g", sc.ObjectID, sc.ReconError)
			}
			scoredAt := sc.ScoredAt
			if scoredAt.IsZero() {
				scoredAt = time.Now()
			}
			res, err := stmt.ExecContext(ctx, int64(sc.ObjectID), sc.ModelVersion, sc.ProcessingVersion,
				reconError, unscorable, sqlitex.FormatTime(scoredAt))
			if err != nil {
				return fmt.Errorf("insert score for object %d: %w", sc.ObjectID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write scores: %w", err)
	}
	return inserted, nil
}

// Scored reports which of ids already have a row for modelVersion.
func (s *Store) Scored(ctx context.Context, modelVersion string, ids []spectrum.ObjectID) (map[spectrum.ObjectID]bool, error) {
	done := make(map[spectrum.ObjectID]bool, len(ids))
	if len(ids) == 0 {
		return done, nil
	}
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	query, args, err := sq.Select("object_id").From("scores").
		Where(sq.Eq{"model_version": modelVersion, "object_id": raw}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build scored query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scored objects: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan scored object: %w", err)
		}
		done[spectrum.ObjectID(id)] = true
	}
	return done, rows.Err()
}

// Rank rewrites the ranks of modelVersion in one transaction: descending
// reconstruction error, ties broken by ascending object identifier.
// Unscorable rows stay unranked and other versions are untouched. It returns
// the number of ranked objects.
func (s *Store) Rank(ctx context.Context, modelVersion string) (int64, error) {
	var ranked int64
	err := sqlitex.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE scores SET rank = NULL WHERE model_version = ?`, modelVersion); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE scores SET rank = ranked.position
            FROM (
                SELECT object_id, ROW_NUMBER() OVER (ORDER BY recon_error DESC, object_id ASC) AS position
                FROM scores
                WHERE model_version = ? AND unscorable = 0
            ) AS ranked
            WHERE scores.model_version = ? AND scores.object_id = ranked.object_id`,
			modelVersion, modelVersion)
		if err != nil {
			return err
		}
		ranked, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rank %s: %w", modelVersion, err)
	}
	return ranked, nil
}

// Top returns the limit most anomalous objects of modelVersion.
func (s *Store) Top(ctx context.Context, modelVersion string, limit int) ([]Score, error) {
	return s.Ranked(ctx, modelVersion, 0, limit)
}

// Ranked returns ranked rows of modelVersion with rank > afterRank, in rank
// order. limit <= 0 returns every row.
func (s *Store) Ranked(ctx context.Context, modelVersion string, afterRank int64, limit int) ([]Score, error) {
	q := sq.Select(scoreColumns...).From("scores").
		Where(sq.Eq{"model_version": modelVersion}).
		Where(sq.Gt{"rank": afterRank}).
		OrderBy("rank")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return s.query(ctx, q)
}

// Get returns the score of one object under modelVersion, or nil.
func (s *Store) Get(ctx context.Context, id spectrum.ObjectID, modelVersion string) (*Score, error) {
	out, err := s.query(ctx, sq.Select(scoreColumns...).From("scores").
		Where(sq.Eq{"object_id": int64(id), "model_version": modelVersion}))
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// History returns every model version's score for one object.
func (s *Store) History(ctx context.Context, id spectrum.ObjectID) ([]Score, error) {
	return s.query(ctx, sq.Select(scoreColumns...).From("scores").
		Where(sq.Eq{"object_id": int64(id)}).OrderBy("scored_at", "model_version"))
}

// Versions summarizes every model version present.
func (s *Store) Versions(ctx context.Context) ([]VersionStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_version,
            SUM(CASE WHEN unscorable = 0 THEN 1 ELSE 0 END),
            SUM(unscorable),
            COUNT(rank)
        FROM scores GROUP BY model_version ORDER BY model_version`)
	if err != nil {
		return nil, fmt.Errorf("query score versions: %w", err)
	}
	defer rows.Close()
	var out []VersionStats
	for rows.Next() {
		var v VersionStats
		if err := rows.Scan(&v.ModelVersion, &v.Scored, &v.Unscorable, &v.Ranked); err != nil {
			return nil, fmt.Errorf("scan score version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q sq.SelectBuilder) ([]Score, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build score query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var out []Score
	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func scanScore(rows *sql.Rows) (Score, error) {
	var (
		sc         Score
		id         int64
		reconError sql.NullFloat64
		unscorable int
		rank       sql.NullInt64
		scoredAt   string
	)
	if err := rows.Scan(&id, &sc.ModelVersion, &sc.ProcessingVersion, &reconError, &unscorable, &rank, &scoredAt); err != nil {
		return Score{}, fmt.Errorf("scan score: %w", err)
	}
	sc.ObjectID = spectrum.ObjectID(id)
	sc.ReconError = reconError.Float64
	sc.Unscorable = unscorable != 0
	sc.Rank = rank.Int64
	t, err := sqlitex.ParseTime(scoredAt)
	if err != nil {
		return Score{}, errors.Join(fmt.Errorf("object %d: bad scored_at %q", id, scoredAt), err)
	}
	sc.ScoredAt = t
	return sc, nil
}
