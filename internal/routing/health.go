package routing

import (
	"sync"
	"time"
)

// Status is the coarse health of a source.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// emaAlpha weights the newest observation in rolling averages.
const emaAlpha = 0.1

// SourceHealth is the observed state of one provider.
type SourceHealth struct {
	Status              Status        `json:"status"`
	LastCheck           time.Time     `json:"last_check"`
	ResponseTime        time.Duration `json:"response_time"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorCount          int64         `json:"error_count"`
	SuccessRate         float64       `json:"success_rate"`
	LastError           string        `json:"last_error,omitempty"`
}

type healthState struct {
	mu sync.Mutex
	h  SourceHealth
}

func newHealthState() *healthState {
	return &healthState{h: SourceHealth{Status: StatusHealthy, SuccessRate: 1}}
}

func (s *healthState) snapshot() SourceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

func (s *healthState) success(now time.Time, elapsed, healthyBelow time.Duration) SourceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &s.h
	if h.ResponseTime == 0 {
		h.ResponseTime = elapsed
	} else {
		h.ResponseTime = time.Duration((1-emaAlpha)*float64(h.ResponseTime) + emaAlpha*float64(elapsed))
	}
	h.SuccessRate = (1-emaAlpha)*h.SuccessRate + emaAlpha
	h.ConsecutiveFailures = 0
	h.LastCheck = now
	// Slow answers degrade but never mark the source unhealthy.
	if elapsed < healthyBelow {
		h.Status = StatusHealthy
	} else {
		h.Status = StatusDegraded
	}
	return *h
}

func (s *healthState) failure(now time.Time, err error, ceiling int) SourceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &s.h
	h.ConsecutiveFailures++
	h.ErrorCount++
	h.SuccessRate = (1 - emaAlpha) * h.SuccessRate
	h.LastCheck = now
	if err != nil {
		h.LastError = err.Error()
	}
	if h.ConsecutiveFailures >= ceiling {
		h.Status = StatusUnhealthy
	} else {
		h.Status = StatusDegraded
	}
	return *h
}

func (h SourceHealth) available(ceiling int) bool {
	return (h.Status == StatusHealthy || h.Status == StatusDegraded) && h.ConsecutiveFailures < ceiling
}
