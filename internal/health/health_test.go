package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLivenessHandler(t *testing.T) {
	handler := LivenessHandler()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("ledger", func(ctx context.Context) Status { return StatusOK })
	c.Register("slack", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("ledger", func(ctx context.Context) Status { return StatusOK })
	c.Register("slack", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("events", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestReadinessHandler_Healthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("svc", func(ctx context.Context) Status { return StatusOK })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ready")
}

func TestReadinessHandler_NotReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("svc", func(ctx context.Context) Status { return StatusDown })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
}

func TestFromError(t *testing.T) {
	ok := FromError(func(context.Context) error { return nil }, StatusDown)
	assert.Equal(t, StatusOK, ok(context.Background()))

	optional := FromError(func(context.Context) error { return errors.New("nats down") }, StatusDegraded)
	assert.Equal(t, StatusDegraded, optional(context.Background()))
}

func TestChecker_CheckAndCached(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("ledger", FromError(func(context.Context) error { return nil }, StatusDown))
	c.Register("events", FromError(func(context.Context) error { return errors.New("x") }, StatusDegraded))

	assert.Empty(t, c.Cached())

	report, ok := c.Check(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "ready", report.Status)
	assert.Equal(t, StatusDegraded, report.Checks["events"])
	assert.Equal(t, report.Checks, c.Cached())
}

func TestChecker_TimeoutPropagates(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.timeout = 10 * time.Millisecond
	c.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return StatusDown
	})

	assert.False(t, c.IsReady(context.Background()))
}
