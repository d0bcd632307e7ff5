// Load generator for driving Kestrel with location traffic.
//
// Usage:
//   go run cmd/loadgen/main.go -url http://localhost:8080 -tourists 50 -fixes 200
//   go run cmd/loadgen/main.go -url http://localhost:8080 -csv fixes.csv
//
// This tool:
//  1. Registers the tourists it is about to replay
//  2. Sends location fixes to POST /locations, either replayed from a CSV
//     (tourist_id,lat,lng[,speed][,recorded_at]) or generated as random
//     walks around a center point
//  3. Reports alert counts by type, error rate, latency and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fix struct {
	TouristID  string   `json:"touristId"`
	Lat        float64  `json:"lat"`
	Lng        float64  `json:"lng"`
	Speed      *float64 `json:"speed,omitempty"`
	RecordedAt string   `json:"recordedAt,omitempty"`
}

type ingestResponse struct {
	Alerts []struct {
		Type string `json:"alertType"`
	} `json:"alerts"`
	Count int `json:"count"`
}

type metrics struct {
	totalSent   int64
	totalErrors int64
	totalAlerts int64
	latencyMs   int64

	mu           sync.Mutex
	alertsByType map[string]int64
}

func main() {
	csvPath := flag.String("csv", "", "CSV of fixes to replay (tourist_id,lat,lng[,speed][,recorded_at])")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tourists := flag.Int("tourists", 20, "Synthetic mode: number of tourists")
	fixes := flag.Int("fixes", 100, "Synthetic mode: fixes per tourist")
	centerLat := flag.Float64("lat", 26.10, "Synthetic mode: walk center latitude")
	centerLng := flag.Float64("lng", 91.70, "Synthetic mode: walk center longitude")
	workers := flag.Int("workers", 10, "Number of concurrent senders")
	verbose := flag.Bool("verbose", false, "Print each fix that raised alerts")
	flag.Parse()

	fmt.Println("Kestrel load generator")
	fmt.Printf("  URL:     %s\n", *baseURL)
	fmt.Printf("  Workers: %d\n", *workers)
	if *csvPath != "" {
		fmt.Printf("  Source:  %s\n", *csvPath)
	} else {
		fmt.Printf("  Source:  synthetic (%d tourists x %d fixes around %.4f,%.4f)\n",
			*tourists, *fixes, *centerLat, *centerLng)
	}
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var stream []fix
	var err error
	if *csvPath != "" {
		stream, err = readFixCSV(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		stream = syntheticWalks(*tourists, *fixes, *centerLat, *centerLng)
	}
	fmt.Printf("Loaded %d fixes for %d tourists\n", len(stream), countTourists(stream))

	if err := registerTourists(*baseURL, stream); err != nil {
		fmt.Printf("ERROR: failed to register tourists: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nReplaying with %d workers...\n", *workers)
	start := time.Now()
	m := replay(stream, *baseURL, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readFixCSV(path string) ([]fix, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"tourist_id", "lat", "lng"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var out []fix
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		lat, err1 := strconv.ParseFloat(record[colIndex["lat"]], 64)
		lng, err2 := strconv.ParseFloat(record[colIndex["lng"]], 64)
		if err1 != nil || err2 != nil {
			continue
		}

		f := fix{
			TouristID: record[colIndex["tourist_id"]],
			Lat:       lat,
			Lng:       lng,
		}
		if i, ok := colIndex["speed"]; ok && record[i] != "" {
			if speed, err := strconv.ParseFloat(record[i], 64); err == nil {
				f.Speed = &speed
			}
		}
		if i, ok := colIndex["recorded_at"]; ok && record[i] != "" {
			f.RecordedAt = record[i]
		}
		out = append(out, f)
	}
	return out, nil
}

// syntheticWalks interleaves random walks so one tourist's fixes arrive
// spread across the replay rather than back to back.
func syntheticWalks(tourists, fixesPer int, centerLat, centerLng float64) []fix {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	positions := make([][2]float64, tourists)
	for i := range positions {
		positions[i] = [2]float64{
			centerLat + (rng.Float64()-0.5)*0.05,
			centerLng + (rng.Float64()-0.5)*0.05,
		}
	}

	out := make([]fix, 0, tourists*fixesPer)
	for step := 0; step < fixesPer; step++ {
		for i := 0; i < tourists; i++ {
			positions[i][0] += (rng.Float64() - 0.5) * 0.002
			positions[i][1] += (rng.Float64() - 0.5) * 0.002
			speed := rng.Float64() * 8
			out = append(out, fix{
				TouristID: fmt.Sprintf("loadgen-%03d", i),
				Lat:       positions[i][0],
				Lng:       positions[i][1],
				Speed:     &speed,
			})
		}
	}
	return out
}

func countTourists(stream []fix) int {
	seen := make(map[string]struct{})
	for _, f := range stream {
		seen[f.TouristID] = struct{}{}
	}
	return len(seen)
}

func registerTourists(baseURL string, stream []fix) error {
	client := &http.Client{Timeout: 10 * time.Second}
	seen := make(map[string]struct{})
	for _, f := range stream {
		if _, ok := seen[f.TouristID]; ok {
			continue
		}
		seen[f.TouristID] = struct{}{}

		body, _ := json.Marshal(map[string]string{
			"id":   f.TouristID,
			"name": "Load Tourist " + f.TouristID,
		})
		resp, err := client.Post(baseURL+"/tourists", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("register %s: status %d", f.TouristID, resp.StatusCode)
		}
	}
	fmt.Printf("Registered %d tourists\n", len(seen))
	return nil
}

func replay(stream []fix, baseURL string, numWorkers int, verbose bool) *metrics {
	m := &metrics{alertsByType: make(map[string]int64)}

	work := make(chan fix, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for f := range work {
				start := time.Now()
				result, err := sendFix(client, baseURL, f)
				atomic.AddInt64(&m.latencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.totalSent, 1)

				if err != nil {
					atomic.AddInt64(&m.totalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", f.TouristID, err)
					}
					continue
				}

				if result.Count > 0 {
					atomic.AddInt64(&m.totalAlerts, int64(result.Count))
					m.mu.Lock()
					for _, a := range result.Alerts {
						m.alertsByType[a.Type]++
					}
					m.mu.Unlock()

					if verbose {
						fmt.Printf("%s | %.5f,%.5f | %d alert(s)\n", f.TouristID, f.Lat, f.Lng, result.Count)
					}
				}
			}
		}()
	}

	for _, f := range stream {
		work <- f
	}
	close(work)
	wg.Wait()

	return m
}

func sendFix(client *http.Client, baseURL string, f fix) (*ingestResponse, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/locations", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 202 means the fix went down the async path; no alerts to report
	if resp.StatusCode == http.StatusAccepted {
		return &ingestResponse{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *metrics, duration time.Duration) {
	fmt.Println("\nRESULTS")
	fmt.Printf("  Fixes sent:    %d\n", m.totalSent)
	fmt.Printf("  Errors:        %d\n", m.totalErrors)
	fmt.Printf("  Alerts raised: %d\n", m.totalAlerts)

	if len(m.alertsByType) > 0 {
		types := make([]string, 0, len(m.alertsByType))
		for t := range m.alertsByType {
			types = append(types, t)
		}
		sort.Strings(types)
		for _, t := range types {
			fmt.Printf("    %-12s %d\n", t, m.alertsByType[t])
		}
	}

	fmt.Printf("\n  Duration:      %v\n", duration.Round(time.Millisecond))
	if m.totalSent > 0 {
		fmt.Printf("  Avg latency:   %.2f ms\n", float64(m.latencyMs)/float64(m.totalSent))
		fmt.Printf("  Throughput:    %.2f fixes/sec\n", float64(m.totalSent)/duration.Seconds())
	}
	fmt.Println()
}
