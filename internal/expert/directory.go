// ABOUTME: Directory manages expert profiles, credentials and presence status
// ABOUTME: Covers login, status transitions, the available listing and profile edits

package expert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/consultly/consult-gateway/internal/store"
)

// Directory errors
var (
	// ErrInvalidInput is wrapped by all validation failures
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidCredentials means login failed; it deliberately does not
	// distinguish an unknown email from a wrong password
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailTaken means the email belongs to a different expert
	ErrEmailTaken = errors.New("email already in use")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// beaconTimeout bounds the detached store write behind the offline beacon
const beaconTimeout = 5 * time.Second

const minPasswordLen = 8

// ExpertStore defines what the directory needs from storage
type ExpertStore interface {
	CreateExpert(ctx context.Context, expert *store.Expert) error
	GetExpert(ctx context.Context, id int64) (*store.Expert, error)
	GetExpertByEmail(ctx context.Context, email string) (*store.Expert, error)
	UpdateExpert(ctx context.Context, expert *store.Expert) error
	SetExpertStatus(ctx context.Context, id int64, status string) error
	ListAvailableExperts(ctx context.Context) ([]*store.Expert, error)
}

// Directory is the expert-facing service: profiles, credentials, presence.
type Directory struct {
	store  ExpertStore
	logger *slog.Logger
}

// NewDirectory creates a Directory
func NewDirectory(st ExpertStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  st,
		logger: logger.With("component", "expert"),
	}
}

// Register creates a new expert record with a bcrypt-hashed password.
// New experts start offline until their first login.
func (d *Directory) Register(ctx context.Context, name, email, password, specialization, bio, avatar string) (*store.Expert, error) {
	if err := validateProfileFields(name, email, specialization); err != nil {
		return nil, err
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	expert := &store.Expert{
		Name:           name,
		Email:          email,
		PasswordHash:   string(hash),
		Specialization: specialization,
		Bio:            bio,
		Avatar:         avatar,
		Status:         store.ExpertOffline,
	}
	if err := d.store.CreateExpert(ctx, expert); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	d.logger.Info("expert registered", "expert_id", expert.ID, "email", email)
	return expert, nil
}

// Login verifies the expert's credentials, transitions them to active, and
// returns the refreshed profile. Failed lookups and bad passwords both map
// to ErrInvalidCredentials.
func (d *Directory) Login(ctx context.Context, email, password string) (*store.Expert, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	expert, err := d.store.GetExpertByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(expert.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := d.store.SetExpertStatus(ctx, expert.ID, store.ExpertActive); err != nil {
		return nil, fmt.Errorf("activating expert: %w", err)
	}

	d.logger.Info("expert logged in", "expert_id", expert.ID)
	return d.store.GetExpert(ctx, expert.ID)
}

// SetStatus performs a direct presence transition. Any state is reachable
// from any other; there are no disallowed transitions.
func (d *Directory) SetStatus(ctx context.Context, expertID int64, status string) error {
	if !store.ValidExpertStatus(status) {
		return fmt.Errorf("%w: status must be active, busy or offline", ErrInvalidInput)
	}
	return d.store.SetExpertStatus(ctx, expertID, status)
}

// GetStatus returns the expert's current presence status
func (d *Directory) GetStatus(ctx context.Context, expertID int64) (string, error) {
	expert, err := d.store.GetExpert(ctx, expertID)
	if err != nil {
		return "", err
	}
	return expert.Status, nil
}

// Get returns the expert's profile
func (d *Directory) Get(ctx context.Context, expertID int64) (*store.Expert, error) {
	return d.store.GetExpert(ctx, expertID)
}

// ListAvailable returns experts visible in the customer-facing directory:
// active and busy experts, active first, then by name. Offline experts are
// hidden.
func (d *Directory) ListAvailable(ctx context.Context) ([]*store.Expert, error) {
	return d.store.ListAvailableExperts(ctx)
}

// ProfileUpdate carries a full-field profile edit
type ProfileUpdate struct {
	Name           string
	Email          string
	Specialization string
	Bio            string
	Avatar         string
	Status         string // empty keeps the current status
}

// UpdateProfile applies a full-field update to the expert's profile.
// Name, email and specialization must be non-empty and the email well
// formed; an email belonging to a different expert is a conflict.
func (d *Directory) UpdateProfile(ctx context.Context, expertID int64, upd *ProfileUpdate) (*store.Expert, error) {
	if err := validateProfileFields(upd.Name, upd.Email, upd.Specialization); err != nil {
		return nil, err
	}
	if upd.Status != "" && !store.ValidExpertStatus(upd.Status) {
		return nil, fmt.Errorf("%w: status must be active, busy or offline", ErrInvalidInput)
	}

	expert, err := d.store.GetExpert(ctx, expertID)
	if err != nil {
		return nil, err
	}

	expert.Name = upd.Name
	expert.Email = upd.Email
	expert.Specialization = upd.Specialization
	expert.Bio = upd.Bio
	expert.Avatar = upd.Avatar
	if upd.Status != "" {
		expert.Status = upd.Status
	}

	if err := d.store.UpdateExpert(ctx, expert); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}

	d.logger.Info("expert profile updated", "expert_id", expertID)
	return expert, nil
}

// BeaconOffline handles the tab-close beacon: a fire-and-forget offline
// signal. It returns immediately; the store write runs on a detached
// timeout context because the sender cannot wait for acknowledgment, and a
// lost beacon just leaves a stale status until the next explicit update.
func (d *Directory) BeaconOffline(expertID int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()

		if err := d.store.SetExpertStatus(ctx, expertID, store.ExpertOffline); err != nil {
			d.logger.Warn("offline beacon write failed",
				"expert_id", expertID,
				"error", err)
			return
		}
		d.logger.Debug("expert marked offline via beacon", "expert_id", expertID)
	}()
}

func validateProfileFields(name, email, specialization string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: malformed email %q", ErrInvalidInput, email)
	}
	if specialization == "" {
		return fmt.Errorf("%w: specialization is required", ErrInvalidInput)
	}
	return nil
}
