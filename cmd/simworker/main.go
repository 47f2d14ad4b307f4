package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/soundfleet/conductor/internal/fleet"
)

const registerAttempts = 5

type registerRequest struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Capacity int    `json:"capacity"`
}

type registerResponse struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	ReleasedStreams int     `json:"released_streams"`
	Reassigned      []int64 `json:"reassigned"`
	AutoRebalanced  bool    `json:"auto_rebalanced"`
}

type heartbeatRequest struct {
	ID      string               `json:"id"`
	Status  string               `json:"status"`
	Load    int                  `json:"load"`
	Metrics *fleet.SystemMetrics `json:"metrics,omitempty"`
}

type assignRequest struct {
	ID             string `json:"id"`
	RequestedCount int    `json:"requested_count"`
}

type assignResponse struct {
	ID       string  `json:"id"`
	Assigned []int64 `json:"assigned"`
	Count    int     `json:"count"`
}

type releaseRequest struct {
	ID        string  `json:"id"`
	StreamIDs []int64 `json:"stream_ids"`
}

type releaseResponse struct {
	ID       string `json:"id"`
	Released int    `json:"released"`
}

type diagnosticRequest struct {
	ID           string  `json:"id"`
	LocalStreams []int64 `json:"local_streams"`
	LocalCount   int     `json:"local_count"`
}

// simulator plays one fingerprinting worker: it registers, heartbeats with
// host metrics, keeps its stream set topped up to capacity and reports its
// local view for consistency checks.
type simulator struct {
	baseURL  string
	id       string
	capacity int
	client   *http.Client
	rng      *rand.Rand

	mu      sync.Mutex
	streams map[int64]bool
}

func main() {
	orchestratorURL := flag.String("orchestrator-url", "http://localhost:8080", "Orchestrator base URL")
	workerID := flag.String("id", "", "Worker id (default: generated from hostname)")
	advertiseHost := flag.String("advertise-host", "", "Host to advertise (default: hostname)")
	advertisePort := flag.Int("advertise-port", 9000, "Port to advertise")
	capacity := flag.Int("capacity", 10, "Maximum concurrent streams")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
	assignInterval := flag.Duration("assign-interval", 15*time.Second, "Assignment top-up interval")
	diagnosticInterval := flag.Duration("diagnostic-interval", 60*time.Second, "Consistency report interval")
	churn := flag.Float64("churn", 0, "Probability a held stream finishes each top-up cycle (0 to 1)")
	flag.Parse()

	if *capacity < 0 {
		fmt.Fprintln(os.Stderr, "Error: --capacity must not be negative")
		os.Exit(1)
	}
	if *churn < 0 || *churn > 1 {
		fmt.Fprintln(os.Stderr, "Error: --churn must be between 0 and 1")
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if *advertiseHost == "" {
		*advertiseHost = hostname
	}
	id := *workerID
	if id == "" {
		id = fmt.Sprintf("sim-%s-%s", hostname, uuid.NewString()[:8])
	}

	sim := &simulator{
		baseURL:  *orchestratorURL,
		id:       id,
		capacity: *capacity,
		client:   &http.Client{Timeout: 10 * time.Second},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		streams:  make(map[int64]bool),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var resp registerResponse
	var err error
	for attempt := 1; ; attempt++ {
		resp, err = sim.register(ctx, *advertiseHost, *advertisePort)
		if err == nil {
			break
		}
		if attempt >= registerAttempts {
			fmt.Fprintf(os.Stderr, "Failed to register with orchestrator: %v\n", err)
			os.Exit(1)
		}
		log.Printf("Registration attempt %d failed: %v, retrying...", attempt, err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			os.Exit(1)
		}
	}
	if resp.Status == "re-registered" && len(resp.Reassigned) > 0 {
		sim.adopt(resp.Reassigned)
	}

	fmt.Printf("Worker registered: %s\n", sim.id)
	fmt.Printf("Orchestrator: %s\n", *orchestratorURL)
	fmt.Printf("Capacity: %d streams\n", *capacity)
	if len(resp.Reassigned) > 0 {
		fmt.Printf("Resumed %d streams from previous session\n", len(resp.Reassigned))
	}

	go sim.run(ctx, *heartbeatInterval, *assignInterval, *diagnosticInterval, *churn)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down worker...")
	cancel()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	sim.releaseAll(releaseCtx)

	fmt.Println("Worker stopped")
}

func (s *simulator) run(ctx context.Context, heartbeatEvery, assignEvery, diagnosticEvery time.Duration, churn float64) {
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	assign := time.NewTicker(assignEvery)
	defer assign.Stop()
	diagnostic := time.NewTicker(diagnosticEvery)
	defer diagnostic.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := s.heartbeat(ctx); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		case <-assign.C:
			if churn > 0 {
				s.finishSome(ctx, churn)
			}
			if err := s.topUp(ctx); err != nil {
				log.Printf("Assignment request failed: %v", err)
			}
		case <-diagnostic.C:
			if err := s.reportDiagnostic(ctx); err != nil {
				log.Printf("Diagnostic report failed: %v", err)
			}
		}
	}
}

func (s *simulator) register(ctx context.Context, host string, port int) (registerResponse, error) {
	var resp registerResponse
	err := s.post(ctx, "/register", registerRequest{
		ID:       s.id,
		Host:     host,
		Port:     port,
		Capacity: s.capacity,
	}, &resp)
	return resp, err
}

func (s *simulator) heartbeat(ctx context.Context) error {
	return s.post(ctx, "/heartbeat", heartbeatRequest{
		ID:      s.id,
		Status:  "active",
		Load:    len(s.held()),
		Metrics: collectMetrics(),
	}, nil)
}

// topUp requests enough streams to reach capacity. The orchestrator may hand
// out fewer when the catalog is drained.
func (s *simulator) topUp(ctx context.Context) error {
	spare := s.capacity - len(s.held())
	if spare <= 0 {
		return nil
	}
	var resp assignResponse
	if err := s.post(ctx, "/streams/assign", assignRequest{ID: s.id, RequestedCount: spare}, &resp); err != nil {
		return err
	}
	if len(resp.Assigned) > 0 {
		s.adopt(resp.Assigned)
		log.Printf("Assigned %d streams, now serving %d", len(resp.Assigned), len(s.held()))
	}
	return nil
}

// finishSome releases each held stream with the given probability,
// simulating fingerprint jobs that complete.
func (s *simulator) finishSome(ctx context.Context, probability float64) {
	var done []int64
	for _, id := range s.held() {
		if s.rng.Float64() < probability {
			done = append(done, id)
		}
	}
	if len(done) == 0 {
		return
	}
	var resp releaseResponse
	if err := s.post(ctx, "/streams/release", releaseRequest{ID: s.id, StreamIDs: done}, &resp); err != nil {
		log.Printf("Release failed: %v", err)
		return
	}
	s.drop(done)
	log.Printf("Finished %d streams, now serving %d", resp.Released, len(s.held()))
}

func (s *simulator) reportDiagnostic(ctx context.Context) error {
	held := s.held()
	return s.post(ctx, "/diagnostic", diagnosticRequest{
		ID:           s.id,
		LocalStreams: held,
		LocalCount:   len(held),
	}, nil)
}

func (s *simulator) releaseAll(ctx context.Context) {
	held := s.held()
	if len(held) == 0 {
		return
	}
	var resp releaseResponse
	if err := s.post(ctx, "/streams/release", releaseRequest{ID: s.id, StreamIDs: held}, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to release streams on shutdown: %v\n", err)
		return
	}
	s.drop(held)
	fmt.Printf("Released %d streams\n", resp.Released)
}

func (s *simulator) held() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.streams))
	for id := range s.streams {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *simulator) adopt(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.streams[id] = true
	}
}

func (s *simulator) drop(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.streams, id)
	}
}

func (s *simulator) post(ctx context.Context, path string, payload, out interface{}) error {
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s - %s", path, resp.Status, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func collectMetrics() *fleet.SystemMetrics {
	m := &fleet.SystemMetrics{}

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		m.CPUPercent = cpuPercent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		m.MemoryPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil && du != nil {
		m.DiskPercent = du.UsedPercent
	}
	if la, err := load.Avg(); err == nil && la != nil {
		m.LoadAvg1 = la.Load1
		m.LoadAvg5 = la.Load5
		m.LoadAvg15 = la.Load15
	}
	if up, err := host.Uptime(); err == nil {
		m.UptimeSeconds = int64(up)
	}
	return m
}
