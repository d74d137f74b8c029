// ABOUTME: Tests for the expert directory against a real SQLite store
// ABOUTME: Covers registration, login, presence transitions, and the idle sweeper

package expert

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultly/consult-gateway/internal/store"
)

func newTestDirectory(t *testing.T) (*Directory, *store.SQLiteStore) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewDirectory(st, slog.Default()), st
}

func TestRegister(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	exp, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "Ten years of practice", "")
	require.NoError(t, err)

	assert.NotZero(t, exp.ID)
	assert.Equal(t, "Dana", exp.Name)
	assert.Equal(t, store.ExpertOffline, exp.Status, "new experts start offline")
	assert.NotEqual(t, "s3cret-pw", exp.PasswordHash, "password must be stored hashed")
}

func TestRegister_Validation(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		expName  string
		email    string
		password string
		spec     string
	}{
		{"empty name", "", "a@b.co", "password1", "law"},
		{"empty email", "Dana", "", "password1", "law"},
		{"malformed email", "Dana", "not-an-email", "password1", "law"},
		{"short password", "Dana", "a@b.co", "short", "law"},
		{"empty specialization", "Dana", "a@b.co", "password1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dir.Register(ctx, tt.expName, tt.email, tt.password, tt.spec, "", "")
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestRegister_DuplicateEmail(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	_, err = dir.Register(ctx, "Other Dana", "dana@example.com", "different", "finance", "", "")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLogin(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	reg, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	exp, err := dir.Login(ctx, "dana@example.com", "s3cret-pw")
	require.NoError(t, err)
	assert.Equal(t, reg.ID, exp.ID)
	assert.Equal(t, store.ExpertActive, exp.Status, "login flips the expert to active")
	require.NotNil(t, exp.LastSeen)
}

func TestLogin_BadCredentials(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	_, err = dir.Login(ctx, "dana@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown email yields the same sentinel so callers cannot probe accounts.
	_, err = dir.Login(ctx, "nobody@example.com", "s3cret-pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSetStatus(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	exp, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	require.NoError(t, dir.SetStatus(ctx, exp.ID, store.ExpertBusy))
	status, err := dir.GetStatus(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExpertBusy, status)

	err = dir.SetStatus(ctx, exp.ID, "away")
	assert.ErrorIs(t, err, ErrInvalidInput)

	err = dir.SetStatus(ctx, 404, store.ExpertActive)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAvailable_OrdersActiveFirst(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	amy, err := dir.Register(ctx, "Amy", "amy@example.com", "s3cret-pw", "finance", "", "")
	require.NoError(t, err)
	zoe, err := dir.Register(ctx, "Zoe", "zoe@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)
	_, err = dir.Register(ctx, "Ned", "ned@example.com", "s3cret-pw", "law", "", "")
	require.NoError(t, err)

	require.NoError(t, dir.SetStatus(ctx, amy.ID, store.ExpertBusy))
	require.NoError(t, dir.SetStatus(ctx, zoe.ID, store.ExpertActive))

	list, err := dir.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2, "offline experts are hidden")
	assert.Equal(t, "Zoe", list[0].Name, "active sorts before busy")
	assert.Equal(t, "Amy", list[1].Name)
}

func TestUpdateProfile(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	exp, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	updated, err := dir.UpdateProfile(ctx, exp.ID, &ProfileUpdate{
		Name:           "Dana K.",
		Email:          "dana.k@example.com",
		Specialization: "corporate tax",
		Bio:            "Updated bio",
		Status:         store.ExpertActive,
	})
	require.NoError(t, err)
	assert.Equal(t, "Dana K.", updated.Name)
	assert.Equal(t, "dana.k@example.com", updated.Email)
	assert.Equal(t, store.ExpertActive, updated.Status)

	// Empty status keeps the current one.
	updated, err = dir.UpdateProfile(ctx, exp.ID, &ProfileUpdate{
		Name:           "Dana K.",
		Email:          "dana.k@example.com",
		Specialization: "corporate tax",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ExpertActive, updated.Status)
}

func TestUpdateProfile_EmailConflict(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := dir.Register(ctx, "Amy", "amy@example.com", "s3cret-pw", "finance", "", "")
	require.NoError(t, err)
	zoe, err := dir.Register(ctx, "Zoe", "zoe@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)

	_, err = dir.UpdateProfile(ctx, zoe.ID, &ProfileUpdate{
		Name:           "Zoe",
		Email:          "amy@example.com",
		Specialization: "tax law",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestBeaconOffline(t *testing.T) {
	dir, _ := newTestDirectory(t)
	ctx := context.Background()

	exp, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)
	require.NoError(t, dir.SetStatus(ctx, exp.ID, store.ExpertActive))

	dir.BeaconOffline(exp.ID)

	// The beacon runs in the background; poll briefly for the transition.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := dir.GetStatus(ctx, exp.ID)
		require.NoError(t, err)
		if status == store.ExpertOffline {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expert still %q after offline beacon", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweeper_MarksIdleExpertsOffline(t *testing.T) {
	dir, st := newTestDirectory(t)
	ctx := context.Background()

	exp, err := dir.Register(ctx, "Dana", "dana@example.com", "s3cret-pw", "tax law", "", "")
	require.NoError(t, err)
	require.NoError(t, dir.SetStatus(ctx, exp.ID, store.ExpertActive))

	sw := NewSweeper(st, 10*time.Millisecond, time.Hour, slog.Default())

	// Nobody has been idle for an hour yet.
	sw.sweep(ctx)
	status, err := dir.GetStatus(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExpertActive, status)

	// Shrink the timeout so the last touch is already past the cutoff.
	sw.idleTimeout = time.Nanosecond
	time.Sleep(5 * time.Millisecond)
	sw.sweep(ctx)

	status, err = dir.GetStatus(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExpertOffline, status)
}

func TestSweeper_DisabledWithoutTimeout(t *testing.T) {
	_, st := newTestDirectory(t)

	sw := NewSweeper(st, time.Millisecond, 0, slog.Default())

	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled sweeper should return without running")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	_, st := newTestDirectory(t)

	sw := NewSweeper(st, 5*time.Millisecond, time.Hour, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
