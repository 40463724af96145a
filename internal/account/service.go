package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound is returned when an account does not exist or is not
	// visible to the caller.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned when the login email is already registered.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials hides whether the email or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrAccountDisabled is returned for inactive or blocked accounts.
	ErrAccountDisabled = errors.New("account is not active")
	// ErrNoChildTier is returned when a retailer tries to create accounts.
	ErrNoChildTier = errors.New("role cannot create child accounts")
	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation failed")
)

// Service manages the account lifecycle.
type Service struct {
	repo Repository
	cost int
	now  func() time.Time
}

// NewService creates a new account service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, cost: bcrypt.DefaultCost, now: time.Now}
}

// WithHashCost overrides the bcrypt cost; tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Repository exposes the underlying store to collaborators that only read.
func (s *Service) Repository() Repository { return s.repo }

// Get loads an account by id.
func (s *Service) Get(ctx context.Context, id string) (Account, error) {
	return s.repo.FindByID(ctx, id)
}

// Authenticate verifies login credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Account, error) {
	acc, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, ErrInvalidCredentials
		}
		return Account{}, err
	}
	if err := bcrypt.CompareHashAndPassword(acc.PasswordHash, []byte(password)); err != nil {
		return Account{}, ErrInvalidCredentials
	}
	if !acc.IsActive() {
		return Account{}, ErrAccountDisabled
	}
	return acc, nil
}

// CreateChild registers a new account one tier below parent.
func (s *Service) CreateChild(ctx context.Context, parent Account, in ChildInput) (Account, error) {
	role, ok := parent.Role.Child()
	if !ok {
		return Account{}, ErrNoChildTier
	}
	if err := validateChild(in); err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.create(ctx, role, parent.ID, in)
}

// EnsureAdmin creates the root admin account if no account uses the email yet.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (Account, bool, error) {
	existing, err := s.repo.FindByEmail(ctx, normalizeEmail(email))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Account{}, false, err
	}
	in := ChildInput{Name: "Administrator", Email: email, Password: password}
	if err := validateChild(in); err != nil {
		return Account{}, false, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	acc, err := s.create(ctx, RoleAdmin, "", in)
	if err != nil {
		return Account{}, false, err
	}
	return acc, true, nil
}

// Children lists the direct children of parentID.
func (s *Service) Children(ctx context.Context, parentID string) ([]Account, error) {
	return s.repo.ListByParent(ctx, parentID)
}

// ChildOf loads childID and checks it is a direct child of parent.
func (s *Service) ChildOf(ctx context.Context, parent Account, childID string) (Account, error) {
	child, err := s.repo.FindByID(ctx, childID)
	if err != nil {
		return Account{}, err
	}
	if child.CreatedBy != parent.ID {
		return Account{}, ErrNotFound
	}
	return child, nil
}

// SetChildStatus lets a parent activate, deactivate or block a direct child.
func (s *Service) SetChildStatus(ctx context.Context, parent Account, childID string, status Status) (Account, error) {
	if !status.IsValid() {
		return Account{}, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	child, err := s.ChildOf(ctx, parent, childID)
	if err != nil {
		return Account{}, err
	}
	if err := s.repo.UpdateStatus(ctx, child.ID, status); err != nil {
		return Account{}, err
	}
	child.Status = status
	return child, nil
}

func (s *Service) create(ctx context.Context, role Role, parentID string, in ChildInput) (Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return Account{}, err
	}

	acc := Account{
		ID:           uuid.New().String(),
		Role:         role,
		CreatedBy:    parentID,
		Name:         strings.TrimSpace(in.Name),
		Email:        normalizeEmail(in.Email),
		Phone:        strings.TrimSpace(in.Phone),
		Address:      strings.TrimSpace(in.Address),
		Status:       StatusActive,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}

	if err := s.repo.Create(ctx, acc); err != nil {
		return Account{}, err
	}
	return acc, nil
}

func validateChild(in ChildInput) error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.Email, validation.Required, validation.Length(3, 200), is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(8, 100)),
		validation.Field(&in.Phone, validation.Length(0, 20), is.Digit),
		validation.Field(&in.Address, validation.Length(0, 500)),
	)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
