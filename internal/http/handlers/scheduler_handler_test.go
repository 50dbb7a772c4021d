package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-birthday-backend/internal/services"
)

// Flexible scheduler stub recording invocations.
type stubSched struct {
	schedule func(context.Context) (services.ScheduleResult, error)
	process  func(context.Context) (services.DispatchResult, error)
	retry    func(context.Context) (services.DispatchResult, error)
	recover  func(context.Context, int) (services.DispatchResult, error)
}

func (s stubSched) ScheduleAll(ctx context.Context) (services.ScheduleResult, error) {
	if s.schedule != nil {
		return s.schedule(ctx)
	}
	return services.ScheduleResult{}, nil
}

func (s stubSched) ProcessPending(ctx context.Context) (services.DispatchResult, error) {
	if s.process != nil {
		return s.process(ctx)
	}
	return services.DispatchResult{}, nil
}

func (s stubSched) RetryFailed(ctx context.Context) (services.DispatchResult, error) {
	if s.retry != nil {
		return s.retry(ctx)
	}
	return services.DispatchResult{}, nil
}

func (s stubSched) RecoverUnsent(ctx context.Context, daysBack int) (services.DispatchResult, error) {
	if s.recover != nil {
		return s.recover(ctx, daysBack)
	}
	return services.DispatchResult{}, nil
}

func newSchedRouter(s SchedulerService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(stubUserSvc{}, s)
	r := gin.New()
	r.POST("/scheduler/schedule", h.ScheduleBirthdays)
	r.POST("/scheduler/process", h.ProcessPending)
	r.POST("/scheduler/retry", h.RetryFailed)
	r.POST("/scheduler/recover", h.RecoverUnsent)
	return r
}

func TestScheduleBirthdays_ReturnsCounters(t *testing.T) {
	r := newSchedRouter(stubSched{
		schedule: func(context.Context) (services.ScheduleResult, error) {
			return services.ScheduleResult{Scheduled: 2, Skipped: 1}, nil
		},
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scheduler/schedule", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("schedule -> %d", w.Code)
	}
	var res services.ScheduleResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Scheduled != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProcessPending_ErrorMapsTo500(t *testing.T) {
	r := newSchedRouter(stubSched{
		process: func(context.Context) (services.DispatchResult, error) {
			return services.DispatchResult{}, errors.New("db down")
		},
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scheduler/process", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("process -> %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Code != ErrCodeRunFailed {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestRetryFailed_ReturnsCounters(t *testing.T) {
	r := newSchedRouter(stubSched{
		retry: func(context.Context) (services.DispatchResult, error) {
			return services.DispatchResult{Sent: 1, Failed: 1}, nil
		},
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scheduler/retry", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("retry -> %d", w.Code)
	}
	var res services.DispatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("json: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRecoverUnsent_DaysQueryParam(t *testing.T) {
	var gotDays int
	r := newSchedRouter(stubSched{
		recover: func(_ context.Context, daysBack int) (services.DispatchResult, error) {
			gotDays = daysBack
			return services.DispatchResult{Sent: 3}, nil
		},
	})

	// Explicit lookback.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scheduler/recover?days=2", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("recover -> %d", w.Code)
	}
	if gotDays != 2 {
		t.Fatalf("days = %d", gotDays)
	}

	// Absent or junk query falls through as -1 so the service applies its default.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/scheduler/recover?days=junk", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("recover -> %d", w.Code)
	}
	if gotDays != -1 {
		t.Fatalf("days = %d", gotDays)
	}
}
