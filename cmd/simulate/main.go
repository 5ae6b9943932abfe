package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/clinic-scheduling/internal/calendar"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

type SimConfig struct {
	APIBaseURL     string
	Duration       time.Duration
	Workers        int
	BookingRatio   float64
	ApproveRatio   float64
	ReadRatio      float64
	PatientLimit   int
	CreatePatients int
	DaysAhead      int
	Policy         string
	Location       *time.Location
}

type DataPool struct {
	Patients     []string
	mu           sync.RWMutex
	appointments []string // ids of appointments created by this run
}

func (dp *DataPool) AddAppointment(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(f *gofakeit.Faker) (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return "", false
	}
	return dp.appointments[f.Number(0, len(dp.appointments)-1)], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Availability  OperationMetrics
	Booking       OperationMetrics
	Approve       OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	ListByDay     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	logger  zerolog.Logger
	metrics Metrics
}

func main() {
	logger := logging.New(logging.Options{Level: "info", Format: "console", Service: "simulate"})

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("approve", cfg.ApproveRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   &DataPool{},
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = sim.loadPatients(ctx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("load patients")
	}
	logger.Info().Int("patients", len(sim.pool.Patients)).Msg("data pool loaded")

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_API_BASE_URL", "http://localhost:8080")
	v.SetDefault("SIM_DURATION", "30s")
	v.SetDefault("SIM_WORKERS", 10)
	v.SetDefault("SIM_BOOKING_RATIO", 0.5)
	v.SetDefault("SIM_APPROVE_RATIO", 0.2)
	v.SetDefault("SIM_READ_RATIO", 0.3)
	v.SetDefault("SIM_PATIENT_LIMIT", 4000)
	v.SetDefault("SIM_CREATE_PATIENTS", 200)
	v.SetDefault("SIM_DAYS_AHEAD", 14)
	v.SetDefault("SIM_POLICY", "public")
	v.SetDefault("CLINIC_TIMEZONE", "Europe/Athens")

	loc, err := time.LoadLocation(v.GetString("CLINIC_TIMEZONE"))
	if err != nil {
		return SimConfig{}, fmt.Errorf("invalid CLINIC_TIMEZONE: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:     strings.TrimRight(v.GetString("SIM_API_BASE_URL"), "/"),
		Duration:       v.GetDuration("SIM_DURATION"),
		Workers:        v.GetInt("SIM_WORKERS"),
		BookingRatio:   v.GetFloat64("SIM_BOOKING_RATIO"),
		ApproveRatio:   v.GetFloat64("SIM_APPROVE_RATIO"),
		ReadRatio:      v.GetFloat64("SIM_READ_RATIO"),
		PatientLimit:   v.GetInt("SIM_PATIENT_LIMIT"),
		CreatePatients: v.GetInt("SIM_CREATE_PATIENTS"),
		DaysAhead:      v.GetInt("SIM_DAYS_AHEAD"),
		Policy:         v.GetString("SIM_POLICY"),
		Location:       loc,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ApproveRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ApproveRatio /= total
		cfg.ReadRatio /= total
	}

	if cfg.Workers <= 0 {
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.DaysAhead <= 0 {
		return cfg, fmt.Errorf("SIM_DAYS_AHEAD must be > 0")
	}
	return cfg, nil
}

// loadPatients reads patient ids from the API, creating fake patients when
// the backend has none.
func (s *Simulator) loadPatients(ctx context.Context) error {
	var patients []struct {
		ID string `json:"id"`
	}
	if _, err := s.getJSON(ctx, "/patients", &patients); err != nil {
		return err
	}
	for _, p := range patients {
		if len(s.pool.Patients) >= s.config.PatientLimit {
			break
		}
		s.pool.Patients = append(s.pool.Patients, p.ID)
	}
	if len(s.pool.Patients) > 0 {
		return nil
	}

	f := gofakeit.New(0)
	for i := 0; i < s.config.CreatePatients; i++ {
		var created struct {
			ID string `json:"id"`
		}
		status, err := s.postJSON(ctx, "/patients", map[string]string{
			"first_name": f.FirstName(),
			"last_name":  f.LastName(),
			"amka":       f.Numerify("###########"),
			"phone":      f.Phone(),
			"email":      f.Email(),
		}, &created)
		if err != nil {
			return err
		}
		if status == http.StatusCreated && created.ID != "" {
			s.pool.Patients = append(s.pool.Patients, created.ID)
		}
	}
	if len(s.pool.Patients) == 0 {
		return fmt.Errorf("no patients available")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx)
		}()
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context) {
	f := gofakeit.New(0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := f.Float64Range(0, 1)
			if r < s.config.BookingRatio {
				s.doBooking(ctx, f)
			} else if r < s.config.BookingRatio+s.config.ApproveRatio {
				s.doApprove(ctx, f)
			} else {
				switch f.Number(0, 2) {
				case 0:
					s.doReadByID(ctx, f)
				case 1:
					s.doListByPatient(ctx, f)
				case 2:
					s.doListByDay(ctx, f)
				}
			}
		}
	}
}

func (s *Simulator) randomDate(f *gofakeit.Faker) string {
	today := calendar.DayStart(time.Now(), s.config.Location)
	return calendar.DateKey(calendar.AddDays(today, f.Number(0, s.config.DaysAhead-1)), s.config.Location)
}

// doBooking lists a random day's slots and books one of the free ones.
// Races with other workers show up as conflicts.
func (s *Simulator) doBooking(ctx context.Context, f *gofakeit.Faker) {
	date := s.randomDate(f)

	var avail struct {
		Slots []struct {
			Time      string `json:"time"`
			Available bool   `json:"available"`
		} `json:"slots"`
	}
	q := url.Values{"date": {date}, "duration": {"30"}, "policy": {s.config.Policy}}
	start := time.Now()
	status, err := s.getJSON(ctx, "/availability?"+q.Encode(), &avail)
	s.metrics.Availability.Record(time.Since(start), err == nil && status == http.StatusOK, false)
	if err != nil || status != http.StatusOK {
		return
	}

	var free []string
	for _, slot := range avail.Slots {
		if slot.Available {
			free = append(free, slot.Time)
		}
	}
	if len(free) == 0 {
		return
	}

	reqBody := map[string]any{
		"patient_id":       s.pool.Patients[f.Number(0, len(s.pool.Patients)-1)],
		"date":             date,
		"time":             free[f.Number(0, len(free)-1)],
		"duration_minutes": 30,
		"policy":           s.config.Policy,
		"created_by":       "simulator",
	}

	var created struct {
		ID string `json:"id"`
	}
	start = time.Now()
	status, err = s.postJSON(ctx, "/appointments", reqBody, &created)
	latency := time.Since(start)

	success := err == nil && status == http.StatusCreated
	conflict := err == nil && status == http.StatusConflict
	if success && created.ID != "" {
		s.pool.AddAppointment(created.ID)
	}
	s.metrics.Booking.Record(latency, success, conflict)
}

func (s *Simulator) doApprove(ctx context.Context, f *gofakeit.Faker) {
	apptID, ok := s.pool.RandomAppointment(f)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.postJSON(ctx, "/appointments/"+apptID+"/approve", nil, nil)
	latency := time.Since(start)

	s.metrics.Approve.Record(latency, err == nil && status == http.StatusOK, err == nil && status == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, f *gofakeit.Faker) {
	apptID, ok := s.pool.RandomAppointment(f)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.getJSON(ctx, "/appointments/"+apptID, nil)
	s.metrics.ReadByID.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, f *gofakeit.Faker) {
	patientID := s.pool.Patients[f.Number(0, len(s.pool.Patients)-1)]

	start := time.Now()
	status, err := s.getJSON(ctx, "/appointments?patient_id="+url.QueryEscape(patientID), nil)
	s.metrics.ListByPatient.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByDay(ctx context.Context, f *gofakeit.Faker) {
	start := time.Now()
	status, err := s.getJSON(ctx, "/appointments?date="+s.randomDate(f), nil)
	s.metrics.ListByDay.Record(time.Since(start), err == nil && status == http.StatusOK, false)
}

// getJSON decodes a 2xx body into dst when dst is non-nil.
func (s *Simulator) getJSON(ctx context.Context, path string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	return s.do(req, dst)
}

func (s *Simulator) postJSON(ctx context.Context, path string, body any, dst any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, dst)
}

func (s *Simulator) do(req *http.Request, dst any) (int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if dst != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", req.URL.Path, err)
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) PrintReport() {
	w := os.Stdout
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "SIMULATION REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "Duration: %s\n", s.config.Duration)
	fmt.Fprintf(w, "Workers: %d\n", s.config.Workers)
	fmt.Fprintln(w)

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by Patient", &s.metrics.ListByPatient)
	printOperationReport("List by Day", &s.metrics.ListByDay)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
