// User HTTP handlers.
//
// This file exposes REST endpoints for user resources:
//   - POST   /users       (create)
//   - GET    /users       (list, paginated)
//   - GET    /users/{id}  (fetch)
//   - PUT    /users/{id}  (update)
//   - DELETE /users/{id}  (delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. Business rules (email uniqueness,
// timezone and birthday validation) live in the services layer.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-birthday-backend/internal/domain"
	"github.com/tbourn/go-birthday-backend/internal/http/middleware"
	"github.com/tbourn/go-birthday-backend/internal/repo"
	"github.com/tbourn/go-birthday-backend/internal/services"
	"github.com/tbourn/go-birthday-backend/internal/utils"
)

// ScopeCreateUser namespaces Idempotency-Key values for POST /users. The
// router passes the same scope to the idempotency middleware so its replay
// detection looks up the records this handler stores.
const ScopeCreateUser = "users.create"

//
// Service contracts (context-aware)
//

// UserService defines user directory operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type UserService interface {
	// Create registers a new user after validation.
	Create(ctx context.Context, in services.UserInput) (*domain.User, error)
	// Get fetches a user by ID.
	Get(ctx context.Context, id string) (*domain.User, error)
	// ListPage returns a page of users and the total count.
	ListPage(ctx context.Context, page, pageSize int) ([]domain.User, int64, error)
	// Update applies the non-empty fields of in to an existing user.
	Update(ctx context.Context, id string, in services.UserInput) (*domain.User, error)
	// Delete removes a user.
	Delete(ctx context.Context, id string) error
}

// SchedulerService defines the delivery engine operations exposed over HTTP
// for operational use (manual sweeps, smoke checks).
type SchedulerService interface {
	// ScheduleAll scans the directory and schedules today's birthday messages.
	ScheduleAll(ctx context.Context) (services.ScheduleResult, error)
	// ProcessPending dispatches due pending messages past the send hour.
	ProcessPending(ctx context.Context) (services.DispatchResult, error)
	// RetryFailed re-attempts failed messages still under the retry budget.
	RetryFailed(ctx context.Context) (services.DispatchResult, error)
	// RecoverUnsent sweeps pending messages from the last daysBack days.
	RecoverUnsent(ctx context.Context, daysBack int) (services.DispatchResult, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for users and the scheduling engine.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	userSvc  UserService
	schedSvc SchedulerService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(userSvc UserService, schedSvc SchedulerService) *Handlers {
	return &Handlers{userSvc: userSvc, schedSvc: schedSvc}
}

//
// DTOs
//

// CreateUserRequest is the JSON payload for registering a user.
type CreateUserRequest struct {
	FirstName string `json:"first_name" binding:"required,min=1,max=255" example:"Ada"`
	LastName  string `json:"last_name" binding:"required,min=1,max=255" example:"Lovelace"`
	Email     string `json:"email" binding:"required,email" example:"ada@example.com"`
	// Birthday is a calendar date in YYYY-MM-DD form; the year is ignored
	// when matching birthdays.
	Birthday string `json:"birthday" binding:"required" example:"1990-12-10"`
	Location string `json:"location" example:"Jakarta"`
	// Timezone is an IANA zone identifier used to compute the local send time.
	Timezone string `json:"timezone" binding:"required" example:"Asia/Jakarta"`
}

// UpdateUserRequest is the JSON payload for a partial user update. Absent or
// empty fields are left unchanged.
type UpdateUserRequest struct {
	FirstName string `json:"first_name" example:"Ada"`
	LastName  string `json:"last_name" example:"Lovelace"`
	Email     string `json:"email" example:"ada@example.com"`
	Birthday  string `json:"birthday" example:"1990-12-10"`
	Location  string `json:"location" example:"Jakarta"`
	Timezone  string `json:"timezone" example:"Asia/Jakarta"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListUsersResponse wraps a page of users and pagination information.
type ListUsersResponse struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// failUserError maps well-known service errors to HTTP responses; it returns
// true when the error was handled.
func failUserError(c *gin.Context, err error, fallbackCode string) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, services.ErrUserNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
	case errors.Is(err, services.ErrEmailInUse):
		fail(c, http.StatusConflict, ErrCodeConflict, "email already in use")
	case errors.Is(err, services.ErrMissingField):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "first_name, last_name, email, birthday and timezone are required")
	case errors.Is(err, services.ErrInvalidBirthday):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "birthday must be a valid YYYY-MM-DD date")
	case errors.Is(err, services.ErrInvalidTimezone):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "timezone must be a valid IANA zone identifier")
	default:
		fail(c, http.StatusInternalServerError, fallbackCode, err.Error())
	}
	return true
}

//
// Handlers
//

// CreateUser godoc
// @ID          createUser
// @Summary     Register a new user
// @Description Creates a user with a birthday and timezone, and returns the user resource.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Description Supports idempotency via the Idempotency-Key header (same key → same result).
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.CreateUserRequest  true  "Create user payload"
//
// @Success     201  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Email already in use"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if svc, okSvc := h.userSvc.(*services.UserService); okSvc && svc.DB != nil {
			if rec, err := repo.GetIdempotency(ctx, svc.DB, ScopeCreateUser, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if prev, err2 := repo.GetUser(ctx, svc.DB, rec.ResourceID); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, prev)
					return
				}
			}
		}
	}

	u, err := h.userSvc.Create(ctx, services.UserInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Birthday:  req.Birthday,
		Location:  req.Location,
		Timezone:  req.Timezone,
	})
	if failUserError(c, err, ErrCodeCreateFailed) {
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" {
		if svc, okSvc := h.userSvc.(*services.UserService); okSvc && svc.DB != nil {
			ttl := 24 * time.Hour
			_, _ = repo.CreateIdempotency(ctx, svc.DB, ScopeCreateUser, idemKey, u.ID, http.StatusCreated, ttl)
		}
	}

	ok(c, http.StatusCreated, u)
}

// ListUsers godoc
// @ID          listUsers
// @Summary     List users (paginated)
// @Description Returns a page of registered users.
// @Tags        Users
// @Produce     json
//
// @Param       page       query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListUsersResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /users [get]
func (h *Handlers) ListUsers(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.userSvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListUsersResponse{
		Users: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// GetUser godoc
// @ID          getUser
// @Summary     Fetch a user
// @Description Returns a single user by ID.
// @Tags        Users
// @Produce     json
//
// @Param       id  path  string  true  "User ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.User
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Router      /users/{id} [get]
func (h *Handlers) GetUser(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}

	u, err := h.userSvc.Get(c.Request.Context(), id)
	if failUserError(c, err, ErrCodeInternal) {
		return
	}
	ok(c, http.StatusOK, u)
}

// UpdateUser godoc
// @ID          updateUser
// @Summary     Update a user
// @Description Applies a partial update to a user; omitted fields keep their values.
// @Tags        Users
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "User ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateUserRequest  true  "Update payload"
//
// @Success     200  {object} domain.User
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Failure     409  {object} handlers.ErrorResponse "Email already in use"
// @Router      /users/{id} [put]
func (h *Handlers) UpdateUser(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}

	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	u, err := h.userSvc.Update(c.Request.Context(), id, services.UserInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Birthday:  req.Birthday,
		Location:  req.Location,
		Timezone:  req.Timezone,
	})
	if failUserError(c, err, ErrCodeUpdateFailed) {
		return
	}
	ok(c, http.StatusOK, u)
}

// DeleteUser godoc
// @ID          deleteUser
// @Summary     Delete a user
// @Description Removes a user from the directory. Undelivered messages for the
// @Description user are invalidated at dispatch time.
// @Tags        Users
//
// @Param       id  path  string  true  "User ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "User not found"
// @Router      /users/{id} [delete]
func (h *Handlers) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user id must be a UUID")
		return
	}

	if err := h.userSvc.Delete(c.Request.Context(), id); failUserError(c, err, ErrCodeDeleteFailed) {
		return
	}
	noContent(c)
}
