// Package tracking records training runs: scalars in a SQLite database and
// images as PNG files, laid out per run under one log directory.
package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-midline/tensor"
	"github.com/tsawler/go-midline/training"
	"github.com/tsawler/go-midline/vision/preprocessing"
)

// DatabaseName is the scalar store inside a log directory
const DatabaseName = "scalars.db"

var _ training.Writer = (*Store)(nil)

// Scalar is one recorded value
type Scalar struct {
	Run      string
	Tag      string
	Step     int
	Value    float64
	WallTime time.Time
}

// Store is a training.Writer backed by SQLite
type Store struct {
	db     *sql.DB
	run    string
	logDir string
}

// Open creates or reopens the store in logDir and records under run
func Open(logDir, run string) (*Store, error) {
	if run == "" {
		return nil, errors.New("run name is required")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "unable to create %s", logDir)
	}

	db, err := sql.Open("sqlite", filepath.Join(logDir, DatabaseName))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open scalar store")
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, run: run, logDir: logDir}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "unable to create scalar table")
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS scalars (
  run TEXT NOT NULL,
  tag TEXT NOT NULL,
  step INTEGER NOT NULL,
  value REAL NOT NULL,
  wall_time REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS scalars_run_tag ON scalars(run, tag, step);
`)
	return err
}

// Run returns the run name values are recorded under
func (s *Store) Run() string {
	return s.run
}

// LogDir returns the directory holding the database and images
func (s *Store) LogDir() string {
	return s.logDir
}

func (s *Store) AddScalar(tag string, value float64, step int) error {
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO scalars(run, tag, step, value, wall_time) VALUES(?, ?, ?, ?, ?);
`, s.run, tag, step, value, now)
	return errors.Wrapf(err, "unable to record %s", tag)
}

// ImagePath returns where the image of tag at step is written
func (s *Store) ImagePath(tag string, step int) string {
	return filepath.Join(s.logDir, s.run, "images", tagDir(tag), fmt.Sprintf("%d.png", step))
}

func (s *Store) AddImage(tag string, img image.Image, step int) error {
	return preprocessing.SavePNG(s.ImagePath(tag, step), img)
}

func (s *Store) PlotMask(tag string, images, masks *tensor.Tensor, applySigmoid bool, step int) error {
	grid, err := training.MaskGrid(images, masks, applySigmoid)
	if err != nil {
		return err
	}
	return s.AddImage(tag, grid, step)
}

// Scalars returns the values of tag in this run, ordered by step
func (s *Store) Scalars(ctx context.Context, tag string) ([]Scalar, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run, tag, step, value, wall_time FROM scalars
WHERE run = ? AND tag = ? ORDER BY step, rowid;
`, s.run, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query %s", tag)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var r Scalar
		var wall float64
		if err := rows.Scan(&r.Run, &r.Tag, &r.Step, &r.Value, &wall); err != nil {
			return nil, err
		}
		r.WallTime = time.Unix(0, int64(wall*1e9))
		out = append(out, r)
	}
	return out, rows.Err()
}

// Tags returns the distinct tags recorded in this run
func (s *Store) Tags(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT tag FROM scalars WHERE run = ? ORDER BY tag;`, s.run)
}

// Runs returns every run recorded in the database
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT run FROM scalars ORDER BY run;`)
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// tagDir turns a tag such as "Predicted mask" into a directory name
func tagDir(tag string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', '\\', ':':
			return '_'
		}
		return r
	}, tag)
}
