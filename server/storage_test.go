package main

import (
	"path/filepath"
	"testing"
	"time"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Initialize(); err != nil {
		t.Fatalf("Failed to initialize store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func appendReading(t *testing.T, store Store, sensor, metric string, value float64, ts time.Time) Reading {
	t.Helper()
	stored, err := store.AppendReading(Reading{
		SensorID:   sensor,
		MetricType: metric,
		Value:      value,
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatalf("Failed to append reading: %v", err)
	}
	return stored
}

func TestAppendReadingAssignsIDs(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	first := appendReading(t, store, "s1", "temperature", 20.0, ts)
	second := appendReading(t, store, "s1", "temperature", 21.0, ts.Add(time.Minute))

	if first.ID < 1 {
		t.Errorf("Expected positive id, got %d", first.ID)
	}
	if second.ID <= first.ID {
		t.Errorf("Expected increasing ids, got %d then %d", first.ID, second.ID)
	}
}

func TestAppendReadingNormalizesToUTC(t *testing.T) {
	store := createTestStore(t)

	loc := time.FixedZone("CEST", 2*60*60)
	local := time.Date(2024, 6, 15, 14, 0, 0, 0, loc)

	stored := appendReading(t, store, "s1", "temperature", 20.0, local)

	if stored.Timestamp.Location() != time.UTC {
		t.Errorf("Expected UTC timestamp, got %v", stored.Timestamp.Location())
	}
	if !stored.Timestamp.Equal(local) {
		t.Errorf("Normalization changed the instant: %v vs %v", stored.Timestamp, local)
	}
}

func TestAggregateGrouping(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	appendReading(t, store, "s1", "temperature", 20.0, ts)
	appendReading(t, store, "s1", "temperature", 30.0, ts.Add(time.Minute))
	appendReading(t, store, "s1", "humidity", 50.0, ts.Add(2*time.Minute))
	appendReading(t, store, "s2", "temperature", 100.0, ts.Add(3*time.Minute))

	filter := AggregateFilter{
		SensorIDs:   []string{"s1"},
		MetricTypes: []string{"temperature"},
		Start:       ts.Add(-time.Hour),
		End:         ts.Add(time.Hour),
	}

	tests := []struct {
		stat      Statistic
		wantValue float64
		wantCount int64
	}{
		{StatAverage, 25.0, 2},
		{StatSum, 50.0, 2},
		{StatMin, 20.0, 2},
		{StatMax, 30.0, 2},
	}

	for _, tt := range tests {
		rows, err := store.Aggregate(filter, tt.stat)
		if err != nil {
			t.Fatalf("Aggregate(%s) failed: %v", tt.stat, err)
		}
		if len(rows) != 1 {
			t.Fatalf("Aggregate(%s): expected 1 group, got %d", tt.stat, len(rows))
		}
		row := rows[0]
		if row.MetricType != "temperature" {
			t.Errorf("Aggregate(%s): group = %q", tt.stat, row.MetricType)
		}
		if row.Count != tt.wantCount {
			t.Errorf("Aggregate(%s): count = %d, want %d", tt.stat, row.Count, tt.wantCount)
		}
		if !row.Value.Valid || row.Value.Float64 != tt.wantValue {
			t.Errorf("Aggregate(%s): value = %+v, want %v", tt.stat, row.Value, tt.wantValue)
		}
	}
}

func TestAggregateMultipleGroups(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	appendReading(t, store, "s1", "temperature", 20.0, ts)
	appendReading(t, store, "s1", "humidity", 50.0, ts)
	appendReading(t, store, "s1", "humidity", 60.0, ts.Add(time.Minute))

	rows, err := store.Aggregate(AggregateFilter{
		Start: ts.Add(-time.Hour),
		End:   ts.Add(time.Hour),
	}, StatAverage)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if len(rows) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(rows))
	}

	byMetric := make(map[string]AggregateRow)
	for _, row := range rows {
		byMetric[row.MetricType] = row
	}
	if row := byMetric["temperature"]; row.Count != 1 || row.Value.Float64 != 20.0 {
		t.Errorf("Unexpected temperature group: %+v", row)
	}
	if row := byMetric["humidity"]; row.Count != 2 || row.Value.Float64 != 55.0 {
		t.Errorf("Unexpected humidity group: %+v", row)
	}
}

func TestAggregateWindowInclusive(t *testing.T) {
	store := createTestStore(t)
	start := mustTime(t, "2024-06-15T10:00:00Z")
	end := start.Add(time.Hour)

	appendReading(t, store, "s1", "temperature", 1.0, start.Add(-time.Second)) // before window
	appendReading(t, store, "s1", "temperature", 2.0, start)                   // on start bound
	appendReading(t, store, "s1", "temperature", 3.0, start.Add(time.Minute))
	appendReading(t, store, "s1", "temperature", 4.0, end)                 // on end bound
	appendReading(t, store, "s1", "temperature", 5.0, end.Add(time.Second)) // after window

	rows, err := store.Aggregate(AggregateFilter{Start: start, End: end}, StatSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 group, got %d", len(rows))
	}
	if rows[0].Count != 3 || rows[0].Value.Float64 != 9.0 {
		t.Errorf("Expected 3 rows summing to 9, got count=%d sum=%v", rows[0].Count, rows[0].Value.Float64)
	}
}

func TestAggregateNoMatches(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	appendReading(t, store, "s1", "temperature", 20.0, ts)

	rows, err := store.Aggregate(AggregateFilter{
		MetricTypes: []string{"pressure"},
		Start:       ts.Add(-time.Hour),
		End:         ts.Add(time.Hour),
	}, StatAverage)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no groups, got %d", len(rows))
	}
}

func TestListSensors(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	appendReading(t, store, "s2", "temperature", 1.0, ts)
	appendReading(t, store, "s1", "temperature", 2.0, ts)
	appendReading(t, store, "s1", "humidity", 3.0, ts)

	sensors, err := store.ListSensors()
	if err != nil {
		t.Fatalf("ListSensors failed: %v", err)
	}
	if len(sensors) != 2 || sensors[0] != "s1" || sensors[1] != "s2" {
		t.Errorf("Unexpected sensors: %v", sensors)
	}
}

func TestLatestReadings(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	for i := 0; i < 5; i++ {
		appendReading(t, store, "s1", "temperature", float64(i), ts.Add(time.Duration(i)*time.Minute))
	}

	readings, err := store.LatestReadings(3)
	if err != nil {
		t.Fatalf("LatestReadings failed: %v", err)
	}
	if len(readings) != 3 {
		t.Fatalf("Expected 3 readings, got %d", len(readings))
	}
	if readings[0].Value != 4.0 {
		t.Errorf("Expected newest reading first, got value %v", readings[0].Value)
	}
}

func TestReadingsPage(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	appendReading(t, store, "s1", "temperature", 1.0, ts)
	appendReading(t, store, "s1", "humidity", 2.0, ts.Add(time.Minute))
	appendReading(t, store, "s2", "temperature", 3.0, ts.Add(2*time.Minute))

	readings, total, err := store.ReadingsPage(ReadingFilter{SensorID: "s1"}, 0, 10)
	if err != nil {
		t.Fatalf("ReadingsPage failed: %v", err)
	}
	if total != 2 || len(readings) != 2 {
		t.Fatalf("Expected 2 matches, got total=%d len=%d", total, len(readings))
	}

	readings, total, err = store.ReadingsPage(ReadingFilter{MetricType: "temperature"}, 1, 1)
	if err != nil {
		t.Fatalf("ReadingsPage failed: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected total 2, got %d", total)
	}
	if len(readings) != 1 {
		t.Fatalf("Expected 1 reading on page, got %d", len(readings))
	}
	if readings[0].Value != 1.0 {
		t.Errorf("Expected second-newest temperature reading, got value %v", readings[0].Value)
	}
}

func TestCountReadings(t *testing.T) {
	store := createTestStore(t)
	ts := mustTime(t, "2024-06-15T10:00:00Z")

	count, err := store.CountReadings()
	if err != nil {
		t.Fatalf("CountReadings failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty store, got %d", count)
	}

	appendReading(t, store, "s1", "temperature", 1.0, ts)
	appendReading(t, store, "s1", "temperature", 2.0, ts)

	count, err = store.CountReadings()
	if err != nil {
		t.Fatalf("CountReadings failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 readings, got %d", count)
	}
}
