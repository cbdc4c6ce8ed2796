package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
)

// GetProfile returns a profile by id, or nil when it does not exist.
// A missing profile is a degraded-display condition for the monitoring
// view, not an error.
func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, device_id, created_at FROM profiles WHERE id = ?`, id.String())
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfilesByRole returns profiles with the given role, newest first.
func (s *Store) ListProfilesByRole(ctx context.Context, role model.UserRole) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, email, role, device_id, created_at FROM profiles WHERE role = ? ORDER BY created_at DESC`,
		role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpsertProfile inserts or replaces a profile row.
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var deviceID any
	if p.DeviceID != "" {
		deviceID = p.DeviceID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, email, role, device_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email,
		   role = excluded.role, device_id = excluded.device_id`,
		p.ID.String(), p.Name, p.Email, p.Role, deviceID, p.CreatedAt,
	)
	return err
}

// UnbindDevice clears a profile's device binding so the student can
// re-authenticate from new hardware.
func (s *Store) UnbindDevice(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET device_id = NULL WHERE id = ?`, id.String())
	return err
}

// DeleteProfile removes a student profile.
func (s *Store) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id.String())
	return err
}

func scanProfile(row rowScanner) (model.Profile, error) {
	var (
		p        model.Profile
		idStr    string
		deviceID sql.NullString
	)
	err := row.Scan(&idStr, &p.Name, &p.Email, &p.Role, &deviceID, &p.CreatedAt)
	if err != nil {
		return model.Profile{}, err
	}
	if p.ID, err = uuid.Parse(idStr); err != nil {
		return model.Profile{}, err
	}
	p.DeviceID = deviceID.String
	return p, nil
}

// AddRegistryStudent pre-registers a student pending first login.
func (s *Store) AddRegistryStudent(ctx context.Context, rs model.RegistryStudent) error {
	if rs.CreatedAt.IsZero() {
		rs.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO student_registry (email, name, created_at) VALUES (?, ?, ?)`,
		rs.Email, rs.Name, rs.CreatedAt,
	)
	return err
}

// ListRegistryStudents returns pending registrations, newest first.
func (s *Store) ListRegistryStudents(ctx context.Context) ([]model.RegistryStudent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email, name, created_at FROM student_registry ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.RegistryStudent
	for rows.Next() {
		var rs model.RegistryStudent
		if err := rows.Scan(&rs.Email, &rs.Name, &rs.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, rs)
	}
	return students, rows.Err()
}

// DeleteRegistryStudent removes a pending registration by email.
func (s *Store) DeleteRegistryStudent(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM student_registry WHERE email = ?`, email)
	return err
}
