package store

import (
	"context"
	"testing"
	"time"

	"github.com/unielevate/proctor/internal/model"
)

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 users, got %d", count)
	}

	id, err := s.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: "hash",
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	u, err := s.GetUserByUsername(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u == nil || u.ID != id || u.Role != model.UserRoleAdmin {
		t.Fatalf("unexpected user: %+v", u)
	}

	u, err = s.GetUserByUsername(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserByUsername missing: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil for missing user, got %+v", u)
	}
}

func TestAuthSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, model.User{
		Username: "admin", DisplayName: "Admin", PasswordHash: "h",
		Role: model.UserRoleAdmin, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token, err := s.CreateAuthSession(ctx, userID)
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	sess, err := s.GetAuthSession(ctx, token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess == nil || sess.UserID != userID {
		t.Fatalf("unexpected session: %+v", sess)
	}

	sess, err = s.GetAuthSession(ctx, "unknown-token")
	if err != nil {
		t.Fatalf("GetAuthSession unknown: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected nil for unknown token, got %+v", sess)
	}

	if err := s.DeleteAuthSession(ctx, token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, err = s.GetAuthSession(ctx, token)
	if err != nil {
		t.Fatalf("GetAuthSession after delete: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected session gone, got %+v", sess)
	}
}

func TestExpiredSessionDeletedOnRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, model.User{
		Username: "admin", DisplayName: "Admin", PasswordHash: "h",
		Role: model.UserRoleAdmin, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// Insert a session that expired an hour ago.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"stale", userID, time.Now().Add(-25*time.Hour), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("insert stale session: %v", err)
	}

	sess, err := s.GetAuthSession(ctx, "stale")
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess != nil {
		t.Fatalf("expected expired session rejected, got %+v", sess)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM auth_sessions WHERE id = 'stale'`).Scan(&count); err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 0 {
		t.Error("expected expired session deleted on read")
	}
}
