// Scheduler HTTP handlers.
//
// This file exposes operational endpoints that trigger the delivery engine on
// demand. The same operations run continuously on the cron driver; the HTTP
// surface exists for manual sweeps, incident recovery, and smoke checks.
//
// All operations are safe to invoke repeatedly: scheduling is idempotent per
// (user, date), and dispatch never re-sends a message that already reached a
// terminal status.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-birthday-backend/internal/utils"
)

// ScheduleBirthdays godoc
// @ID          scheduleBirthdays
// @Summary     Scan and schedule today's birthday messages
// @Description Iterates all users and creates a pending message for each whose
// @Description local calendar date is their birthday. Re-runs are no-ops for
// @Description already-scheduled users.
// @Tags        Scheduler
// @Produce     json
//
// @Success     200  {object} services.ScheduleResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /scheduler/schedule [post]
func (h *Handlers) ScheduleBirthdays(c *gin.Context) {
	res, err := h.schedSvc.ScheduleAll(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// ProcessPending godoc
// @ID          processPending
// @Summary     Dispatch due pending messages
// @Description Delivers today's pending messages whose recipients are past the
// @Description local send hour. Messages still before the hour are skipped and
// @Description picked up by a later run.
// @Tags        Scheduler
// @Produce     json
//
// @Success     200  {object} services.DispatchResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /scheduler/process [post]
func (h *Handlers) ProcessPending(c *gin.Context) {
	res, err := h.schedSvc.ProcessPending(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// RetryFailed godoc
// @ID          retryFailed
// @Summary     Retry failed messages
// @Description Re-attempts today's failed messages that are still under the
// @Description retry budget. Exhausted messages stay failed for inspection.
// @Tags        Scheduler
// @Produce     json
//
// @Success     200  {object} services.DispatchResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /scheduler/retry [post]
func (h *Handlers) RetryFailed(c *gin.Context) {
	res, err := h.schedSvc.RetryFailed(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}

// RecoverUnsent godoc
// @ID          recoverUnsent
// @Summary     Recover unsent messages after downtime
// @Description Sweeps pending messages scheduled in the last N days (default 7)
// @Description and dispatches them regardless of the local send hour.
// @Tags        Scheduler
// @Produce     json
//
// @Param       days  query  int  false  "Lookback window in days"  minimum(0) default(7)
//
// @Success     200  {object} services.DispatchResult
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /scheduler/recover [post]
func (h *Handlers) RecoverUnsent(c *gin.Context) {
	days := utils.AtoiDefault(c.Query("days"), -1)

	res, err := h.schedSvc.RecoverUnsent(c.Request.Context(), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeRunFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, res)
}
