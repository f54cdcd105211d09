package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the billing gate cannot work without:
// the database and, with QUOTA_BACKEND=redis, the quota Redis.
type HealthProbe interface {
	Name() string
	// Check must respect the context deadline.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently. It answers 200 when all pass
// and 503 when any fails, panics or is still running at healthCheckTimeout.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	type result struct {
		name string
		err  error
	}
	// Buffered so probes that outlive the deadline never block.
	results := make(chan result, len(s.HealthProbes))
	for _, p := range s.HealthProbes {
		go func() {
			results <- result{name: p.Name(), err: runProbe(ctx, p)}
		}()
	}

	components := make(map[string]componentStatus, len(s.HealthProbes))
collect:
	for range s.HealthProbes {
		select {
		case res := <-results:
			if res.err != nil {
				components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			} else {
				components[res.name] = componentStatus{Status: "healthy"}
			}
		case <-ctx.Done():
			break collect
		}
	}

	resp := healthResponse{Status: "healthy"}
	code := http.StatusOK
	if len(s.HealthProbes) > 0 {
		resp.Components = components
	}
	for _, p := range s.HealthProbes {
		c, ok := components[p.Name()]
		if !ok {
			c = componentStatus{Status: "unhealthy", Message: "health check timed out"}
			components[p.Name()] = c
		}
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	JSON(w, r, code, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
