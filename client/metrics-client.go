package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Reading mirrors the server's stored reading shape.
type Reading struct {
	ID         int64     `json:"id,omitempty"`
	SensorID   string    `json:"sensor_id"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

// QueryResult mirrors one entry of the server's query response.
type QueryResult struct {
	MetricType string  `json:"metric_type"`
	Statistic  string  `json:"statistic"`
	Value      float64 `json:"value"`
}

// postReading sends one reading to the ingest endpoint and returns the
// stored copy with its assigned id.
func postReading(client *http.Client, endpoint string, r Reading) (Reading, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to marshal reading")
	}

	resp, err := client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return Reading{}, errors.Wrap(err, "failed to send reading")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(resp.Body)
		return Reading{}, errors.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var stored Reading
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return Reading{}, errors.Wrap(err, "failed to decode stored reading")
	}
	return stored, nil
}

// replayFile posts readings from a JSON-lines file, one object per
// line, pacing posts with the limiter.
func replayFile(ctx context.Context, client *http.Client, endpoint, path string, limiter *rate.Limiter) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open replay file")
	}
	defer f.Close()

	sent := 0
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var r Reading
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			log.Printf("Warning: skipping line %d: %v", lineNo, err)
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		if _, err := postReading(client, endpoint, r); err != nil {
			return sent, errors.Wrapf(err, "line %d", lineNo)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return sent, errors.Wrap(err, "failed to read replay file")
	}

	return sent, nil
}

// simulate generates count readings spread across the given sensors
// and metric types and posts them at the limiter's pace. Values are
// random walks per (sensor, metric) pair so aggregates look plausible.
func simulate(ctx context.Context, client *http.Client, endpoint string, sensors, metrics []string, count int, limiter *rate.Limiter) (int, error) {
	values := make(map[string]float64)

	sent := 0
	for i := 0; i < count; i++ {
		sensor := sensors[i%len(sensors)]
		metric := metrics[(i/len(sensors))%len(metrics)]

		key := sensor + "/" + metric
		base, ok := values[key]
		if !ok {
			base = 20 + rand.Float64()*10
		}
		base += (rand.Float64() - 0.5) * 2
		values[key] = base

		if err := limiter.Wait(ctx); err != nil {
			return sent, err
		}
		stored, err := postReading(client, endpoint, Reading{
			SensorID:   sensor,
			MetricType: metric,
			Value:      base,
		})
		if err != nil {
			return sent, err
		}
		sent++
		log.Printf("Sent reading %d: sensor=%s metric=%s value=%.2f", stored.ID, sensor, metric, base)
	}

	return sent, nil
}

// buildQueryURL assembles a GET /metrics/query URL from the flag
// values. Empty sensors/metrics/bounds are omitted.
func buildQueryURL(base, statistic string, sensors, metrics []string, start, end string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrap(err, "invalid server URL")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/metrics/query"

	q := u.Query()
	q.Set("statistic", statistic)
	for _, s := range sensors {
		q.Add("sensor_ids", s)
	}
	for _, m := range metrics {
		q.Add("metrics", m)
	}
	if start != "" {
		q.Set("start_date", start)
	}
	if end != "" {
		q.Set("end_date", end)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// runQuery fetches aggregate results and returns them decoded.
func runQuery(client *http.Client, queryURL string) ([]QueryResult, error) {
	resp, err := client.Get(queryURL)
	if err != nil {
		return nil, errors.Wrap(err, "query request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(resp.Body)
		return nil, errors.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var results []QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, errors.Wrap(err, "failed to decode query results")
	}
	return results, nil
}

// splitList turns a comma-separated flag value into a slice, dropping
// empty elements.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "base URL of the metrics server")
	replayPath := flag.String("file", "", "JSON-lines file of readings to replay")
	doSimulate := flag.Bool("simulate", false, "generate simulated readings")
	sensorList := flag.String("sensors", "sensor-01,sensor-02", "comma-separated sensor ids for simulation")
	metricList := flag.String("metrics", "temperature,humidity", "comma-separated metric types for simulation")
	count := flag.Int("count", 100, "number of simulated readings to send")
	rateLimit := flag.Float64("rate", 10, "max posts per second")
	doQuery := flag.Bool("query", false, "run an aggregate query and print results")
	statistic := flag.String("statistic", "average", "statistic for query mode: min, max, sum, average")
	querySensors := flag.String("query-sensors", "", "comma-separated sensor ids filter for query mode")
	queryMetrics := flag.String("query-metrics", "", "comma-separated metric types filter for query mode")
	startDate := flag.String("start", "", "start date for query mode (ISO-8601)")
	endDate := flag.String("end", "", "end date for query mode (ISO-8601)")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	if *doQuery {
		queryURL, err := buildQueryURL(*serverURL, *statistic, splitList(*querySensors), splitList(*queryMetrics), *startDate, *endDate)
		if err != nil {
			log.Fatalf("Failed to build query: %v", err)
		}
		results, err := runQuery(client, queryURL)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if len(results) == 0 {
			fmt.Println("No matching readings in window")
			return
		}
		for _, r := range results {
			fmt.Printf("%-20s %-10s %10.2f\n", r.MetricType, r.Statistic, r.Value)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rateLimit), 1)
	endpoint := strings.TrimSuffix(*serverURL, "/") + "/metrics"

	switch {
	case *replayPath != "":
		sent, err := replayFile(ctx, client, endpoint, *replayPath, limiter)
		if err != nil {
			log.Fatalf("Replay stopped after %d readings: %v", sent, err)
		}
		log.Printf("Replayed %d readings from %s", sent, *replayPath)

	case *doSimulate:
		sensors := splitList(*sensorList)
		metrics := splitList(*metricList)
		if len(sensors) == 0 || len(metrics) == 0 {
			log.Fatal("Simulation needs at least one sensor and one metric type")
		}
		sent, err := simulate(ctx, client, endpoint, sensors, metrics, *count, limiter)
		if err != nil {
			log.Fatalf("Simulation stopped after %d readings: %v", sent, err)
		}
		log.Printf("Sent %d simulated readings", sent)

	default:
		log.Fatal("Nothing to do: pass -file, -simulate or -query")
	}
}
