package main

import (
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"
)

// metricPayload is the POST /metrics request body. Value is a pointer
// so a missing field can be told apart from an explicit zero.
type metricPayload struct {
	SensorID   string   `json:"sensor_id"`
	MetricType string   `json:"metric_type"`
	Value      *float64 `json:"value"`
	Timestamp  string   `json:"timestamp"`
}

// timestampLayouts are the accepted ISO-8601 shapes, tried in order.
// Layouts without a zone designator are taken as UTC, not converted.
var timestampLayouts = []struct {
	layout string
	naive  bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02T15:04:05.999999999", true},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", true},
}

// parseTimestamp parses an ISO-8601 timestamp string, attaching UTC to
// zone-less inputs.
func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, l := range timestampLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			lastErr = err
			continue
		}
		if l.naive {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
		}
		return t, nil
	}
	return time.Time{}, lastErr
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func respondFieldErrors(w http.ResponseWriter, fields map[string]string) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":  "validation failed",
		"fields": fields,
	})
}

// handleCreateMetric handles POST /metrics: validate, default the
// timestamp to the current UTC instant when absent, append to the
// store and return the stored reading.
func (s *Server) handleCreateMetric(w http.ResponseWriter, r *http.Request) {
	var payload metricPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fields := make(map[string]string)
	if payload.SensorID == "" {
		fields["sensor_id"] = "sensor_id is required"
	}
	if payload.MetricType == "" {
		fields["metric_type"] = "metric_type is required"
	}
	if payload.Value == nil {
		fields["value"] = "value is required"
	} else if math.IsNaN(*payload.Value) || math.IsInf(*payload.Value, 0) {
		fields["value"] = "value must be a finite number"
	}

	var ts time.Time
	if payload.Timestamp != "" {
		parsed, err := parseTimestamp(payload.Timestamp)
		if err != nil {
			fields["timestamp"] = "timestamp must be an ISO-8601 date or datetime"
		} else {
			ts = parsed
		}
	}

	if len(fields) > 0 {
		respondFieldErrors(w, fields)
		return
	}

	// Default at the handler boundary so an unspecified timestamp
	// reflects actual arrival time.
	if ts.IsZero() {
		ts = s.now().UTC()
	}

	stored, err := s.store.AppendReading(Reading{
		SensorID:   payload.SensorID,
		MetricType: payload.MetricType,
		Value:      *payload.Value,
		Timestamp:  ts,
	})
	if err != nil {
		log.Printf("Failed to append reading: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}

	respondJSON(w, http.StatusCreated, stored)
}

// handleQueryMetrics handles GET /metrics/query. The statistic is
// checked before any window derivation or store access.
func (s *Server) handleQueryMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stat, err := ParseStatistic(q.Get("statistic"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := QueryParams{
		SensorIDs:   q["sensor_ids"],
		MetricTypes: q["metrics"],
		Statistic:   stat,
	}

	if v := q.Get("start_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be an ISO-8601 date or datetime")
			return
		}
		params.Start = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "end_date must be an ISO-8601 date or datetime")
			return
		}
		params.End = &t
	}

	results, err := ResolveQuery(s.store, s.now().UTC(), params)
	if err != nil {
		if IsRangeError(err) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("Failed to resolve query: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to query metrics")
		return
	}

	respondJSON(w, http.StatusOK, results)
}

// handleSensors handles GET /sensors.
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.store.ListSensors()
	if err != nil {
		log.Printf("Failed to list sensors: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list sensors")
		return
	}
	if sensors == nil {
		sensors = []string{}
	}
	respondJSON(w, http.StatusOK, sensors)
}

// handleRecentReadings handles GET /metrics/recent.
func (s *Server) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	readings, err := s.store.LatestReadings(limit)
	if err != nil {
		log.Printf("Failed to load recent readings: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load recent readings")
		return
	}
	if readings == nil {
		readings = []Reading{}
	}
	respondJSON(w, http.StatusOK, readings)
}

// readingsPageResponse wraps a page of raw readings.
type readingsPageResponse struct {
	Readings []Reading `json:"readings"`
	Total    int64     `json:"total"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
}

// handleListReadings handles GET /metrics/readings: filtered,
// paginated access to the raw rows.
func (s *Server) handleListReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	offset := 0
	limit := 100
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	filter := ReadingFilter{
		SensorID:   q.Get("sensor_id"),
		MetricType: q.Get("metric"),
	}
	if v := q.Get("start_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be an ISO-8601 date or datetime")
			return
		}
		filter.Start = t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := parseTimestamp(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "end_date must be an ISO-8601 date or datetime")
			return
		}
		filter.End = t
	}

	readings, total, err := s.store.ReadingsPage(filter, offset, limit)
	if err != nil {
		log.Printf("Failed to load readings page: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if readings == nil {
		readings = []Reading{}
	}

	respondJSON(w, http.StatusOK, readingsPageResponse{
		Readings: readings,
		Total:    total,
		Offset:   offset,
		Limit:    limit,
	})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
