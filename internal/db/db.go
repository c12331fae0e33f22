// Package db persists finished test sessions and serves ground-truth
// annotation sets, backed by SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/vrulab/detection.report/internal/engine"
	"github.com/vrulab/detection.report/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// NewDB opens (or creates) the SQLite database at path and ensures the
// baseline schema exists. MigrateUp applies any later schema revisions.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			video_id          TEXT NOT NULL,
			project_id        TEXT,
			tolerance_ms      DOUBLE NOT NULL,
			state             TEXT NOT NULL,
			reason            TEXT NOT NULL,
			created_at        TIMESTAMP NOT NULL,
			ended_at          TIMESTAMP NOT NULL,
			metrics_json      TEXT NOT NULL,
			signal_json       TEXT NOT NULL,
			flushed_at        TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS classification_results (
			session_id        TEXT NOT NULL,
			seq               BIGINT NOT NULL,
			outcome           TEXT NOT NULL,
			detection_id      TEXT,
			ground_truth_id   TEXT,
			delta_ms          DOUBLE NOT NULL,
			iou               DOUBLE,
			spatial_scored    BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);
		CREATE TABLE IF NOT EXISTS ground_truth_annotations (
			video_id          TEXT NOT NULL,
			annotation_id     TEXT NOT NULL,
			frame             BIGINT NOT NULL,
			timestamp         DOUBLE NOT NULL,
			class             TEXT NOT NULL,
			x                 DOUBLE NOT NULL,
			y                 DOUBLE NOT NULL,
			width             DOUBLE NOT NULL,
			height            DOUBLE NOT NULL,
			validated         BOOLEAN NOT NULL DEFAULT 0,
			PRIMARY KEY (video_id, annotation_id)
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

// Flush writes a finished session and its classification results in one
// transaction. Idempotent: retried flushes replace any rows left by an
// earlier partial attempt. Implements engine.Flusher.
func (db *DB) Flush(ctx context.Context, rec engine.SessionRecord) error {
	metricsJSON, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	signalJSON, err := json.Marshal(rec.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal summary: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, video_id, project_id, tolerance_ms, state, reason,
			 created_at, ended_at, metrics_json, signal_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.VideoID, rec.ProjectID, rec.ToleranceMs,
		string(rec.State), string(rec.Reason),
		rec.CreatedAt.UTC(), rec.EndedAt.UTC(),
		string(metricsJSON), string(signalJSON),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM classification_results WHERE session_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("clear results for %s: %w", rec.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO classification_results
			(session_id, seq, outcome, detection_id, ground_truth_id,
			 delta_ms, iou, spatial_scored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare result insert: %w", err)
	}
	defer stmt.Close()

	for i, res := range rec.Results {
		if _, err := stmt.ExecContext(ctx, rec.ID, i,
			string(res.Outcome), res.DetectionID, res.GroundTruthID,
			res.DeltaMs, res.IoU, res.SpatialScored); err != nil {
			return fmt.Errorf("insert result %d for %s: %w", i, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush for %s: %w", rec.ID, err)
	}

	monitoring.Logf("[DB] Flushed session %s (%d results)", rec.ID, len(rec.Results))
	return nil
}

// GetSession loads one flushed session record, including its results.
func (db *DB) GetSession(id string) (*engine.SessionRecord, error) {
	var rec engine.SessionRecord
	var state, reason, metricsJSON, signalJSON string
	err := db.QueryRow(`
		SELECT session_id, video_id, project_id, tolerance_ms, state, reason,
		       created_at, ended_at, metrics_json, signal_json
		FROM sessions WHERE session_id = ?`, id).
		Scan(&rec.ID, &rec.VideoID, &rec.ProjectID, &rec.ToleranceMs,
			&state, &reason, &rec.CreatedAt, &rec.EndedAt, &metricsJSON, &signalJSON)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	rec.State = engine.State(state)
	rec.Reason = engine.StopReason(reason)
	if err := json.Unmarshal([]byte(metricsJSON), &rec.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(signalJSON), &rec.Signal); err != nil {
		return nil, fmt.Errorf("decode signal summary for %s: %w", id, err)
	}

	rows, err := db.Query(`
		SELECT outcome, detection_id, ground_truth_id, delta_ms, iou, spatial_scored
		FROM classification_results WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var res engine.ClassificationResult
		var outcome string
		var detID, gtID sql.NullString
		var iou sql.NullFloat64
		if err := rows.Scan(&outcome, &detID, &gtID, &res.DeltaMs, &iou, &res.SpatialScored); err != nil {
			return nil, fmt.Errorf("scan result for %s: %w", id, err)
		}
		res.Outcome = engine.Outcome(outcome)
		res.DetectionID = detID.String
		res.GroundTruthID = gtID.String
		res.IoU = iou.Float64
		rec.Results = append(rec.Results, res)
	}
	return &rec, rows.Err()
}

// SessionListing is one row of the flushed-session index.
type SessionListing struct {
	ID      string         `json:"id"`
	VideoID string         `json:"video_id"`
	State   engine.State   `json:"state"`
	EndedAt time.Time      `json:"ended_at"`
	Metrics engine.Summary `json:"metrics"`
}

// ListSessions returns flushed sessions, newest first.
func (db *DB) ListSessions() ([]SessionListing, error) {
	rows, err := db.Query(`
		SELECT session_id, video_id, state, ended_at, metrics_json
		FROM sessions ORDER BY ended_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionListing
	for rows.Next() {
		var l SessionListing
		var state, metricsJSON string
		if err := rows.Scan(&l.ID, &l.VideoID, &state, &l.EndedAt, &metricsJSON); err != nil {
			return nil, fmt.Errorf("scan session listing: %w", err)
		}
		l.State = engine.State(state)
		if err := json.Unmarshal([]byte(metricsJSON), &l.Metrics); err != nil {
			return nil, fmt.Errorf("decode metrics for %s: %w", l.ID, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReplaceAnnotations swaps in a video's complete annotation set. The
// annotation workflow pushes the full set at once; partial updates are not
// supported.
func (db *DB) ReplaceAnnotations(videoID string, annotations []engine.GroundTruthAnnotation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin annotation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM ground_truth_annotations WHERE video_id = ?`, videoID); err != nil {
		return fmt.Errorf("clear annotations for %s: %w", videoID, err)
	}
	for _, a := range annotations {
		if _, err := tx.Exec(`
			INSERT INTO ground_truth_annotations
				(video_id, annotation_id, frame, timestamp, class, x, y, width, height, validated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			videoID, a.ID, a.Frame, a.Timestamp, string(a.Class),
			a.Box.X, a.Box.Y, a.Box.Width, a.Box.Height, a.Validated); err != nil {
			return fmt.Errorf("insert annotation %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// AnnotationsForVideo loads a video's annotation set. Implements
// engine.GroundTruthSource.
func (db *DB) AnnotationsForVideo(videoID string) ([]engine.GroundTruthAnnotation, error) {
	rows, err := db.Query(`
		SELECT annotation_id, frame, timestamp, class, x, y, width, height, validated
		FROM ground_truth_annotations WHERE video_id = ? ORDER BY timestamp`, videoID)
	if err != nil {
		return nil, fmt.Errorf("load annotations for %s: %w", videoID, err)
	}
	defer rows.Close()

	var out []engine.GroundTruthAnnotation
	for rows.Next() {
		var a engine.GroundTruthAnnotation
		var class string
		if err := rows.Scan(&a.ID, &a.Frame, &a.Timestamp, &class,
			&a.Box.X, &a.Box.Y, &a.Box.Width, &a.Box.Height, &a.Validated); err != nil {
			return nil, fmt.Errorf("scan annotation for %s: %w", videoID, err)
		}
		a.Class = engine.ClassLabel(class)
		out = append(out, a)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts localhost-only debugging endpoints under /debug/:
// a tailSQL console over the live database and an on-demand backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("[DB] failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://sessions.db", db.DB, &tailsql.DBOptions{
		Label: "Sessions DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("[DB] failed to remove backup file: %v", err)
			}
		}()
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backupPath)
	}))
}
