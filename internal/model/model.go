package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRole represents a console user's access level.
type UserRole string

const (
	// UserRoleAdmin is the operator role; the console requires it.
	UserRoleAdmin UserRole = "admin"
	// UserRoleStudent marks student profiles in the directory.
	UserRoleStudent UserRole = "student"
)

// User represents a console user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType distinguishes how a question is answered and graded upstream.
type QuestionType string

const (
	QuestionMCQ    QuestionType = "MCQ"
	QuestionTheory QuestionType = "Theory"
)

// Exam represents a deployed exam. At most one exam is active at a time;
// the flag is only ever flipped through the activation coordinator.
type Exam struct {
	ID         uuid.UUID  `json:"id"`
	Title      string     `json:"title"`
	Duration   int        `json:"duration"`
	AccessCode string     `json:"access_code"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	Questions  []Question `json:"questions,omitempty"`
}

// Question belongs to exactly one exam and is immutable after creation.
// MCQ questions carry Options and CorrectAnswer; Theory questions carry
// Keywords for the upstream grader.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	ExamID        uuid.UUID    `json:"exam_id"`
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Options       []string     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correct_answer,omitempty"`
	Keywords      []string     `json:"keywords,omitempty"`
}

// AnswerEvent is one graded answer as it arrives on the change stream.
// It is a fact, not a mutable entity: re-delivery and re-submission are
// resolved by the aggregation engine, never by editing an event.
type AnswerEvent struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	StudentID     uuid.UUID `json:"student_id"`
	QuestionID    uuid.UUID `json:"question_id"`
	QuestionIndex int       `json:"question_index"`
	Transcript    string    `json:"transcript"`
	IsCorrect     bool      `json:"is_correct"`
	Score         float64   `json:"score"`
	Timestamp     time.Time `json:"timestamp"`
}

// MaxQuestionScore is the fixed per-question maximum. Every question is
// normalized to 10 points regardless of type, so a displayed fraction is
// totalScore / (questionCount * MaxQuestionScore).
const MaxQuestionScore = 10.0

// Profile is a student identity row, populated on first login.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      UserRole  `json:"role"`
	DeviceID  string    `json:"device_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistryStudent is a pre-registered student who has not logged in yet.
type RegistryStudent struct {
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// StudentStatus describes a directory entry's lifecycle for display.
type StudentStatus string

const (
	StudentPending StudentStatus = "pending"
	StudentActive  StudentStatus = "active"
)

// DirectoryEntry merges registry rows and profiles for the students view.
type DirectoryEntry struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Status      StudentStatus `json:"status"`
	DeviceBound bool          `json:"device_bound"`
	CreatedAt   time.Time     `json:"created_at"`
}
