// Package services – UserService
//
// This file implements the UserService, the owner-facing side of the user
// directory. It validates and normalizes user attributes (unique email,
// real IANA timezone, well-formed birthday date), and coordinates
// repository operations for creating, reading, listing (with pagination),
// updating, and deleting users.
//
// The scheduling engine never goes through this service to mutate users;
// it only reads the directory. Service-level errors (e.g. ErrEmailInUse,
// ErrInvalidTimezone) are returned for predictable cases so handlers can
// map them to HTTP results consistently.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-birthday-backend/internal/domain"
	"github.com/tbourn/go-birthday-backend/internal/repo"
)

// UserRepo defines the repository contract required by UserService.
// Implementations are responsible for persistence of user records.
type UserRepo interface {
	// CreateUser inserts a new user row.
	CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) (*domain.User, error)

	// GetUser fetches a user by ID, or repo.ErrNotFound.
	GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error)

	// GetUserByEmail fetches a user by email, or repo.ErrNotFound.
	GetUserByEmail(ctx context.Context, db *gorm.DB, email string) (*domain.User, error)

	// CountUsers returns the total number of users for pagination.
	CountUsers(ctx context.Context, db *gorm.DB) (int64, error)

	// ListUsersPage returns a page of users.
	ListUsersPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.User, error)

	// UpdateUser applies column updates to an existing row.
	UpdateUser(ctx context.Context, db *gorm.DB, id string, updates map[string]any) error

	// DeleteUser soft-deletes a row, or returns repo.ErrNotFound.
	DeleteUser(ctx context.Context, db *gorm.DB, id string) error
}

// UserInput carries the mutable attributes of a user. For updates, empty
// fields are left unchanged.
type UserInput struct {
	FirstName string
	LastName  string
	Email     string
	Birthday  string // YYYY-MM-DD
	Location  string
	Timezone  string // IANA identifier
}

// UserService provides user directory operations. It enforces email
// uniqueness and timezone/birthday validity.
type UserService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the user repository used by this service.
	Repo UserRepo
}

// NewUserService constructs a UserService.
func NewUserService(db *gorm.DB, r UserRepo) *UserService {
	return &UserService{DB: db, Repo: r}
}

// Create inserts a new user after validating all required attributes.
// Duplicate emails yield ErrEmailInUse; unknown timezones ErrInvalidTimezone.
func (s *UserService) Create(ctx context.Context, in UserInput) (*domain.User, error) {
	in.normalize()
	if in.FirstName == "" || in.LastName == "" || in.Email == "" || in.Birthday == "" || in.Timezone == "" {
		return nil, ErrMissingField
	}
	if err := validateBirthday(in.Birthday); err != nil {
		return nil, err
	}
	if err := validateTimezone(in.Timezone); err != nil {
		return nil, err
	}

	u := &domain.User{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
		Birthday:  in.Birthday,
		Location:  in.Location,
		Timezone:  in.Timezone,
	}
	created, err := s.Repo.CreateUser(ctx, s.DB, u)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, ErrEmailInUse
	}
	return created, err
}

// Get fetches a user by ID.
func (s *UserService) Get(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.Repo.GetUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// ListPage returns a page of users and the total count. It applies
// defaults for invalid page/pageSize.
func (s *UserService) ListPage(ctx context.Context, page, pageSize int) ([]domain.User, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountUsers(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.User{}, 0, nil
	}

	items, err := s.Repo.ListUsersPage(ctx, s.DB, offset, pageSize)
	return items, total, err
}

// Update applies the non-empty fields of in to the user. Email changes are
// checked for uniqueness against other rows; timezone and birthday changes
// are validated.
func (s *UserService) Update(ctx context.Context, id string, in UserInput) (*domain.User, error) {
	in.normalize()

	if in.Email != "" {
		existing, err := s.Repo.GetUserByEmail(ctx, s.DB, in.Email)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.ID != id {
			return nil, ErrEmailInUse
		}
	}
	if in.Birthday != "" {
		if err := validateBirthday(in.Birthday); err != nil {
			return nil, err
		}
	}
	if in.Timezone != "" {
		if err := validateTimezone(in.Timezone); err != nil {
			return nil, err
		}
	}

	updates := map[string]any{}
	if in.FirstName != "" {
		updates["first_name"] = in.FirstName
	}
	if in.LastName != "" {
		updates["last_name"] = in.LastName
	}
	if in.Email != "" {
		updates["email"] = in.Email
	}
	if in.Birthday != "" {
		updates["birthday"] = in.Birthday
	}
	if in.Location != "" {
		updates["location"] = in.Location
	}
	if in.Timezone != "" {
		updates["timezone"] = in.Timezone
	}
	if len(updates) > 0 {
		if err := s.Repo.UpdateUser(ctx, s.DB, id, updates); err != nil {
			switch {
			case errors.Is(err, repo.ErrNotFound):
				return nil, ErrUserNotFound
			case errors.Is(err, repo.ErrDuplicate):
				return nil, ErrEmailInUse
			}
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

// Delete removes a user. Their historical message rows are retained by the
// ledger until cascade cleanup.
func (s *UserService) Delete(ctx context.Context, id string) error {
	err := s.Repo.DeleteUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

// normalize trims surrounding whitespace from all fields.
func (in *UserInput) normalize() {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Email = strings.TrimSpace(in.Email)
	in.Birthday = strings.TrimSpace(in.Birthday)
	in.Location = strings.TrimSpace(in.Location)
	in.Timezone = strings.TrimSpace(in.Timezone)
}

// validateBirthday requires a well-formed calendar date.
func validateBirthday(birthday string) error {
	if _, err := time.Parse(domain.DateLayout, birthday); err != nil {
		return ErrInvalidBirthday
	}
	return nil
}

// validateTimezone requires a resolvable IANA zone name.
func validateTimezone(tz string) error {
	if _, err := time.LoadLocation(tz); err != nil || tz == "" {
		return ErrInvalidTimezone
	}
	return nil
}
