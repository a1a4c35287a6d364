package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Reading is one stored sensor observation. Readings are append-only:
// once stored they are never updated or deleted.
type Reading struct {
	ID         int64     `json:"id"`
	SensorID   string    `json:"sensor_id"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
}

// AggregateFilter scopes a grouped aggregate query. Empty slices mean
// no filtering on that column; the window is inclusive on both ends.
type AggregateFilter struct {
	SensorIDs   []string
	MetricTypes []string
	Start, End  time.Time
}

// ReadingFilter scopes a raw readings listing. Zero values mean
// unfiltered/unbounded.
type ReadingFilter struct {
	SensorID   string
	MetricType string
	Start, End time.Time
}

// AggregateRow is one per-metric-type group as returned by the store.
// Value is NULL when the group had no contributing rows; the resolver
// drops such rows.
type AggregateRow struct {
	MetricType string
	Count      int64
	Value      sql.NullFloat64
}

// Store is the persistence collaborator for readings. Implementations
// must be safe for concurrent use.
type Store interface {
	// AppendReading durably appends one reading and returns it with
	// the store-assigned id.
	AppendReading(r Reading) (Reading, error)

	// Aggregate computes the requested statistic over value, grouped
	// by metric_type, for rows matching the filter.
	Aggregate(f AggregateFilter, stat Statistic) ([]AggregateRow, error)

	// ListSensors returns all distinct sensor ids.
	ListSensors() ([]string, error)

	// LatestReadings returns the most recent readings across all sensors.
	LatestReadings(limit int) ([]Reading, error)

	// ReadingsPage returns a filtered page of readings plus the total
	// match count.
	ReadingsPage(f ReadingFilter, offset, limit int) ([]Reading, int64, error)

	// CountReadings returns the total number of stored readings.
	CountReadings() (int64, error)

	// Close releases the underlying storage handle.
	Close() error
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore creates a SQLite store for the given database path.
// Initialize must be called before use.
func NewSQLiteStore(dbPath string) *SQLiteStore {
	return &SQLiteStore{dbPath: dbPath}
}

// Initialize opens the database and creates the schema.
func (s *SQLiteStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	s.db = db

	schema := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sensor_id TEXT NOT NULL,
		metric_type TEXT NOT NULL,
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sensor_id ON readings(sensor_id);
	CREATE INDEX IF NOT EXISTS idx_metric_type ON readings(metric_type);
	CREATE INDEX IF NOT EXISTS idx_timestamp ON readings(timestamp);
	CREATE INDEX IF NOT EXISTS idx_metric_timestamp ON readings(metric_type, timestamp);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "failed to create schema")
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return errors.Wrap(err, "failed to set pragma")
		}
	}

	return nil
}

// AppendReading inserts one reading and returns it with the assigned
// id. The timestamp is normalized to UTC before it hits the table so
// range comparisons stay consistent.
func (s *SQLiteStore) AppendReading(r Reading) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Timestamp = r.Timestamp.UTC()

	res, err := s.db.Exec(
		`INSERT INTO readings (sensor_id, metric_type, value, timestamp) VALUES (?, ?, ?, ?)`,
		r.SensorID, r.MetricType, r.Value, r.Timestamp,
	)
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to insert reading")
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to read inserted id")
	}
	r.ID = id

	return r, nil
}

// aggregateExprs maps a statistic to its SQL aggregate over value.
var aggregateExprs = map[Statistic]string{
	StatMin:     "MIN(value)",
	StatMax:     "MAX(value)",
	StatSum:     "SUM(value)",
	StatAverage: "AVG(value)",
}

// Aggregate runs one grouped aggregate query. Rows come back in SQLite
// discovery order; no ordering is imposed on the group key.
func (s *SQLiteStore) Aggregate(f AggregateFilter, stat Statistic) ([]AggregateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expr, ok := aggregateExprs[stat]
	if !ok {
		return nil, errors.Errorf("unsupported statistic %q", stat)
	}

	where := []string{"timestamp >= ?", "timestamp <= ?"}
	args := []interface{}{f.Start.UTC(), f.End.UTC()}

	if len(f.SensorIDs) > 0 {
		where = append(where, "sensor_id IN ("+placeholders(len(f.SensorIDs))+")")
		for _, id := range f.SensorIDs {
			args = append(args, id)
		}
	}
	if len(f.MetricTypes) > 0 {
		where = append(where, "metric_type IN ("+placeholders(len(f.MetricTypes))+")")
		for _, mt := range f.MetricTypes {
			args = append(args, mt)
		}
	}

	query := "SELECT metric_type, COUNT(value), " + expr + " FROM readings WHERE " +
		strings.Join(where, " AND ") + " GROUP BY metric_type"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query aggregates")
	}
	defer rows.Close()

	var results []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.MetricType, &row.Count, &row.Value); err != nil {
			return nil, errors.Wrap(err, "failed to scan aggregate row")
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating aggregate rows")
	}

	return results, nil
}

// ListSensors returns all distinct sensor ids.
func (s *SQLiteStore) ListSensors() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT sensor_id FROM readings ORDER BY sensor_id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sensors")
	}
	defer rows.Close()

	var sensors []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan sensor id")
		}
		sensors = append(sensors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating sensors")
	}

	return sensors, nil
}

// LatestReadings returns the N most recent readings.
func (s *SQLiteStore) LatestReadings(limit int) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, sensor_id, metric_type, value, timestamp
		 FROM readings ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query latest readings")
	}
	defer rows.Close()

	return scanReadings(rows)
}

// ReadingsPage returns a filtered, paginated slice of readings plus
// the total number of matches.
func (s *SQLiteStore) ReadingsPage(f ReadingFilter, offset, limit int) ([]Reading, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"1=1"}
	args := []interface{}{}

	if f.SensorID != "" {
		where = append(where, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if f.MetricType != "" {
		where = append(where, "metric_type = ?")
		args = append(args, f.MetricType)
	}
	if !f.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Start.UTC())
	}
	if !f.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.End.UTC())
	}

	whereClause := "WHERE " + strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM readings "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count readings")
	}

	query := `SELECT id, sensor_id, metric_type, value, timestamp
		FROM readings ` + whereClause + ` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to query readings page")
	}
	defer rows.Close()

	readings, err := scanReadings(rows)
	return readings, total, err
}

// CountReadings returns the total reading count.
func (s *SQLiteStore) CountReadings() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM readings").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanReadings scans SQL rows into Reading structs.
func scanReadings(rows *sql.Rows) ([]Reading, error) {
	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.SensorID, &r.MetricType, &r.Value, &r.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan reading")
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating readings")
	}
	return readings, nil
}

// placeholders builds a "?, ?, ?" list for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
