package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/reis/internal/confusion"
	"github.com/banshee-data/reis/internal/timeutil"
)

// CachedRun describes one stored confusion run.
type CachedRun struct {
	RunID        string   `json:"run_id"`
	CacheKey     string   `json:"cache_key"`
	ScenesFolder string   `json:"scenes_folder"`
	Classes      []string `json:"classes"`
	SceneCount   int      `json:"scene_count"`
	MatchCount   int      `json:"match_count"`
	CreatedAt    int64    `json:"created_at"`
}

// Created returns CreatedAt as a time.
func (r *CachedRun) Created() time.Time {
	return time.Unix(0, r.CreatedAt)
}

// CacheStore maps cache keys to the match results of a finished run. A stored
// run is never refreshed automatically: changing the scene files under the
// same folder and class list keeps returning the old result until the entry
// is invalidated.
type CacheStore struct {
	db    *DB
	clock timeutil.Clock
}

// NewCacheStore creates a CacheStore. A nil clock uses the wall clock.
func NewCacheStore(db *DB, clock timeutil.Clock) *CacheStore {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &CacheStore{db: db, clock: clock}
}

// Get returns the summary stored under key. The summary is rebuilt from the
// stored match results, so it is identical to a fresh aggregation of them.
func (s *CacheStore) Get(ctx context.Context, key string) (*confusion.Summary, *CachedRun, error) {
	run, err := s.lookup(ctx, key)
	if err != nil || run == nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scene, true_class, pred_class, instance_gt, instance_pred, iou
		FROM match_results
		WHERE run_id = ?
		ORDER BY seq`, run.RunID)
	if err != nil {
		return nil, nil, fmt.Errorf("query match results: %w", err)
	}
	defer rows.Close()

	results := make([]confusion.MatchResult, 0, run.MatchCount)
	for rows.Next() {
		var r confusion.MatchResult
		if err := rows.Scan(&r.Scene, &r.TrueClass, &r.PredClass, &r.InstanceGT, &r.InstancePred, &r.IoU); err != nil {
			return nil, nil, fmt.Errorf("scan match result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	summary, err := confusion.Aggregate(results, run.Classes)
	if err != nil {
		return nil, nil, fmt.Errorf("cached run %s: %w", run.RunID, err)
	}
	return summary, run, nil
}

func (s *CacheStore) lookup(ctx context.Context, key string) (*CachedRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT r.run_id, r.cache_key, r.scenes_folder, r.classes_json, r.scene_count, r.created_at,
		       (SELECT COUNT(*) FROM match_results m WHERE m.run_id = r.run_id)
		FROM confusion_runs r
		WHERE r.cache_key = ?`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*CachedRun, error) {
	var (
		run         CachedRun
		classesJSON string
	)
	if err := row.Scan(&run.RunID, &run.CacheKey, &run.ScenesFolder, &classesJSON,
		&run.SceneCount, &run.CreatedAt, &run.MatchCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(classesJSON), &run.Classes); err != nil {
		return nil, fmt.Errorf("decode classes of run %s: %w", run.RunID, err)
	}
	return &run, nil
}

// Put stores summary under key, replacing any previous entry, and returns the
// new run id.
func (s *CacheStore) Put(ctx context.Context, key, scenesFolder string, sceneCount int, summary *confusion.Summary) (string, error) {
	if summary == nil {
		return "", errors.New("put: nil summary")
	}
	classesJSON, err := json.Marshal(summary.Classes)
	if err != nil {
		return "", fmt.Errorf("encode classes: %w", err)
	}

	runID := uuid.New().String()
	createdAt := s.clock.Now().UnixNano()

	err = retryOnBusy(s.clock, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := deleteByKey(ctx, tx, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO confusion_runs (run_id, cache_key, scenes_folder, classes_json, scene_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			runID, key, scenesFolder, string(classesJSON), sceneCount, createdAt,
		); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO match_results (run_id, seq, scene, true_class, pred_class, instance_gt, instance_pred, iou)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, m := range summary.InferInfo {
			if _, err := stmt.ExecContext(ctx, runID, i, m.Scene, m.TrueClass, m.PredClass,
				m.InstanceGT, m.InstancePred, m.IoU); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("store run: %w", err)
	}
	return runID, nil
}

func deleteByKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM match_results
		WHERE run_id IN (SELECT run_id FROM confusion_runs WHERE cache_key = ?)`, key); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM confusion_runs WHERE cache_key = ?`, key)
	return err
}

// Invalidate removes the entry stored under key. It reports whether an entry
// existed.
func (s *CacheStore) Invalidate(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := retryOnBusy(s.clock, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM confusion_runs WHERE cache_key = ?`, key).Scan(&n); err != nil {
			return err
		}
		if err := deleteByKey(ctx, tx, key); err != nil {
			return err
		}
		removed = n > 0
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("invalidate %q: %w", key, err)
	}
	return removed, nil
}

// List returns every stored run, newest first.
func (s *CacheStore) List(ctx context.Context) ([]*CachedRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.run_id, r.cache_key, r.scenes_folder, r.classes_json, r.scene_count, r.created_at,
		       (SELECT COUNT(*) FROM match_results m WHERE m.run_id = r.run_id)
		FROM confusion_runs r
		ORDER BY r.created_at DESC, r.cache_key`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*CachedRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
