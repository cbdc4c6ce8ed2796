package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/stream"

	_ "modernc.org/sqlite"
)

// Store is the relational collaborator. Every confirmed write to the
// exams or answers tables is also published on the change channel, so
// coordinator confirmations flow back to the caches as events.
type Store struct {
	db  *sql.DB
	pub stream.Publisher
}

// New opens the database and runs migrations. pub may be nil, in which
// case writes do not emit change events.
func New(dbPath string, pub stream.Publisher) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, pub: pub}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		duration INTEGER NOT NULL,
		access_code TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		question_index INTEGER NOT NULL,
		transcript TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		score REAL NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_answers_exam ON answers(exam_id);
	CREATE INDEX IF NOT EXISTS idx_answers_timestamp ON answers(timestamp);

	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		role TEXT NOT NULL,
		device_id TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS student_registry (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS console_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// publish emits a change event for a confirmed write. The write already
// succeeded, so a publish failure is logged and swallowed; the channel
// gives no delivery guarantee and consumers are built to tolerate loss.
func (s *Store) publish(ctx context.Context, table string, op stream.Operation, oldRow, newRow any) {
	if s.pub == nil {
		return
	}
	ev, err := stream.NewChange(table, op, oldRow, newRow)
	if err != nil {
		slog.Warn("encode change event", "table", table, "op", op, "error", err)
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish change event", "table", table, "op", op, "error", err)
	}
}

// CreateExam inserts an exam and its questions in one transaction.
// Missing ids are assigned; new exams are always inactive.
func (s *Store) CreateExam(ctx context.Context, exam model.Exam) (model.Exam, error) {
	if exam.ID == uuid.Nil {
		exam.ID = uuid.New()
	}
	exam.IsActive = false
	exam.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Exam{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO exams (id, title, duration, access_code, is_active, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		exam.ID.String(), exam.Title, exam.Duration, exam.AccessCode, exam.CreatedAt,
	)
	if err != nil {
		return model.Exam{}, err
	}

	for i := range exam.Questions {
		q := &exam.Questions[i]
		if q.ID == uuid.Nil {
			q.ID = uuid.New()
		}
		q.ExamID = exam.ID
		options, err := json.Marshal(q.Options)
		if err != nil {
			return model.Exam{}, err
		}
		keywords, err := json.Marshal(q.Keywords)
		if err != nil {
			return model.Exam{}, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO questions (id, exam_id, position, text, type, options, correct_answer, keywords)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID.String(), exam.ID.String(), i, q.Text, q.Type, string(options), q.CorrectAnswer, string(keywords),
		)
		if err != nil {
			return model.Exam{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Exam{}, err
	}

	s.publish(ctx, stream.TableExams, stream.OpInsert, nil, examRow(exam))
	return exam, nil
}

// examRow strips questions so event payloads mirror a bare table row,
// the way a row-change feed would deliver it.
func examRow(e model.Exam) model.Exam {
	e.Questions = nil
	return e
}

// ListExams returns all exams newest first, questions attached in exam
// order.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exams []model.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, exam)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range exams {
		questions, err := s.listQuestions(ctx, exams[i].ID)
		if err != nil {
			return nil, err
		}
		exams[i].Questions = questions
	}
	return exams, nil
}

// GetExam returns one exam with its questions.
func (s *Store) GetExam(ctx context.Context, id uuid.UUID) (model.Exam, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams WHERE id = ?`, id.String())
	exam, err := scanExam(row)
	if err != nil {
		return model.Exam{}, err
	}
	exam.Questions, err = s.listQuestions(ctx, id)
	return exam, err
}

// GetActiveExam returns the active exam, or nil when none is active.
// A nil result is normal mid-activation.
func (s *Store) GetActiveExam(ctx context.Context) (*model.Exam, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams WHERE is_active = 1 LIMIT 1`)
	exam, err := scanExam(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	exam.Questions, err = s.listQuestions(ctx, exam.ID)
	if err != nil {
		return nil, err
	}
	return &exam, nil
}

// DeactivateAllExcept clears is_active on every exam other than the
// given id and publishes one update event per row it touched.
func (s *Store) DeactivateAllExcept(ctx context.Context, except uuid.UUID) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams WHERE is_active = 1 AND id != ?`,
		except.String())
	if err != nil {
		return err
	}
	var affected []model.Exam
	for rows.Next() {
		exam, err := scanExam(rows)
		if err != nil {
			rows.Close()
			return err
		}
		affected = append(affected, exam)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE exams SET is_active = 0 WHERE is_active = 1 AND id != ?`, except.String())
	if err != nil {
		return err
	}

	for _, old := range affected {
		updated := old
		updated.IsActive = false
		s.publish(ctx, stream.TableExams, stream.OpUpdate, examRow(old), examRow(updated))
	}
	return nil
}

// SetExamActive sets the is_active flag on one exam.
func (s *Store) SetExamActive(ctx context.Context, id uuid.UUID, active bool) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams WHERE id = ?`, id.String())
	old, err := scanExam(row)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `UPDATE exams SET is_active = ? WHERE id = ?`, active, id.String())
	if err != nil {
		return err
	}

	updated := old
	updated.IsActive = active
	s.publish(ctx, stream.TableExams, stream.OpUpdate, examRow(old), examRow(updated))
	return nil
}

// DeleteExam removes an exam and its questions.
func (s *Store) DeleteExam(ctx context.Context, id uuid.UUID) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, duration, access_code, is_active, created_at FROM exams WHERE id = ?`, id.String())
	old, err := scanExam(row)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE exam_id = ?`, id.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM exams WHERE id = ?`, id.String()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.publish(ctx, stream.TableExams, stream.OpDelete, examRow(old), nil)
	return nil
}

func (s *Store) listQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, text, type, options, correct_answer, keywords
		 FROM questions WHERE exam_id = ? ORDER BY position`, examID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q                 model.Question
			idStr, examIDStr  string
			optionsRaw, kwRaw string
		)
		if err := rows.Scan(&idStr, &examIDStr, &q.Text, &q.Type, &optionsRaw, &q.CorrectAnswer, &kwRaw); err != nil {
			return nil, err
		}
		if q.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if q.ExamID, err = uuid.Parse(examIDStr); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(optionsRaw), &q.Options); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(kwRaw), &q.Keywords); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (model.Exam, error) {
	var (
		exam  model.Exam
		idStr string
	)
	err := row.Scan(&idStr, &exam.Title, &exam.Duration, &exam.AccessCode, &exam.IsActive, &exam.CreatedAt)
	if err != nil {
		return model.Exam{}, err
	}
	exam.ID, err = uuid.Parse(idStr)
	return exam, err
}

// InsertAnswer records one graded answer and publishes its insert
// event. In production the student portal writes these rows; the
// console's own path is used by seeding and tests.
func (s *Store) InsertAnswer(ctx context.Context, ans model.AnswerEvent) (model.AnswerEvent, error) {
	if ans.ID == uuid.Nil {
		ans.ID = uuid.New()
	}
	if ans.Timestamp.IsZero() {
		ans.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answers (id, exam_id, student_id, question_id, question_index, transcript, is_correct, score, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ans.ID.String(), ans.ExamID.String(), ans.StudentID.String(), ans.QuestionID.String(),
		ans.QuestionIndex, ans.Transcript, ans.IsCorrect, ans.Score, ans.Timestamp,
	)
	if err != nil {
		return model.AnswerEvent{}, err
	}
	s.publish(ctx, stream.TableAnswers, stream.OpInsert, nil, ans)
	return ans, nil
}

// ListRecentAnswers returns the most recent answers across all exams,
// newest first. This is the feed backfill read.
func (s *Store) ListRecentAnswers(ctx context.Context, limit int) ([]model.AnswerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, student_id, question_id, question_index, transcript, is_correct, score, timestamp
		 FROM answers ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnswers(rows)
}

// ListAnswersByExam returns every answer for one exam, oldest first, so
// replaying them through the engine reproduces live arrival order.
func (s *Store) ListAnswersByExam(ctx context.Context, examID uuid.UUID) ([]model.AnswerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, student_id, question_id, question_index, transcript, is_correct, score, timestamp
		 FROM answers WHERE exam_id = ? ORDER BY timestamp`, examID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnswers(rows)
}

func scanAnswers(rows *sql.Rows) ([]model.AnswerEvent, error) {
	var answers []model.AnswerEvent
	for rows.Next() {
		var (
			ans                          model.AnswerEvent
			idStr, examStr, stuStr, qStr string
		)
		err := rows.Scan(&idStr, &examStr, &stuStr, &qStr,
			&ans.QuestionIndex, &ans.Transcript, &ans.IsCorrect, &ans.Score, &ans.Timestamp)
		if err != nil {
			return nil, err
		}
		if ans.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		if ans.ExamID, err = uuid.Parse(examStr); err != nil {
			return nil, err
		}
		if ans.StudentID, err = uuid.Parse(stuStr); err != nil {
			return nil, err
		}
		if ans.QuestionID, err = uuid.Parse(qStr); err != nil {
			return nil, err
		}
		answers = append(answers, ans)
	}
	return answers, rows.Err()
}

// SetMetadata upserts a key-value pair in the console_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO console_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key, or empty string
// when the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM console_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
