// Package health отдаёт состояние зависимостей сервиса для probe-запросов.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Status: состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded — упала некритичная зависимость; сервис продолжает обслуживать запросы.
	StatusDegraded Status = "degraded"
)

// Check: результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Response: тело ответа /healthz.
type Response struct {
	Status        Status  `json:"status"`
	Timestamp     string  `json:"timestamp"`
	Checks        []Check `json:"checks,omitempty"`
	Version       string  `json:"version,omitempty"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
}

// CheckFunc проверяет зависимость; ошибка означает недоступность.
type CheckFunc func(ctx context.Context) error

type registration struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Handler выполняет зарегистрированные проверки параллельно с общим таймаутом.
type Handler struct {
	mu      sync.RWMutex
	checks  []registration
	version string
	started time.Time
	timeout time.Duration
	now     func() time.Time
}

// NewHandler создаёт handler; version попадает в ответ.
func NewHandler(version string) *Handler {
	return &Handler{
		version: version,
		started: time.Now(),
		timeout: defaultCheckTimeout,
		now:     time.Now,
	}
}

// Register добавляет проверку. Падение критичной проверки даёт 503, некритичной — degraded.
func (h *Handler) Register(name string, fn CheckFunc, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registration{name: name, fn: fn, critical: critical})
}

// Run выполняет все проверки и сводит их статус.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	regs := append([]registration(nil), h.checks...)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(regs))
	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			results[i] = run(ctx, reg)
		}(i, reg)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, c := range results {
		switch {
		case c.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case c.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	return Response{
		Status:        overall,
		Timestamp:     h.now().UTC().Format(time.RFC3339),
		Checks:        results,
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
}

func run(ctx context.Context, reg registration) Check {
	start := time.Now()
	err := reg.fn(ctx)
	check := Check{Name: reg.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Message = err.Error()
		check.Status = StatusDegraded
		if reg.critical {
			check.Status = StatusUnhealthy
		}
	}
	return check
}

// ServeHTTP отвечает JSON-сводкой; 503 при unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Run(r.Context())

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// LivenessHandler всегда отвечает 200, пока процесс жив.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Pinger — зависимость с проверкой связи (postgres.Store, redislock.Locker).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck проверяет зависимость через Ping.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}
