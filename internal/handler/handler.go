package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appI18n "github.com/unielevate/proctor/internal/i18n"
	"github.com/unielevate/proctor/internal/model"
	"github.com/unielevate/proctor/internal/monitor"
	"github.com/unielevate/proctor/internal/registry"
	"github.com/unielevate/proctor/internal/store"
)

// Config holds runtime handler parameters set via CLI flags.
type Config struct {
	SecureCookies bool // Set Secure flag on cookies (disable for local dev)
}

// Handler holds shared dependencies for the JSON API the admin SPA
// talks to.
type Handler struct {
	store   *store.Store
	cache   *registry.Cache
	coord   *registry.Coordinator
	monitor *monitor.Monitor
	config  Config
}

// New creates a new Handler.
func New(s *store.Store, cache *registry.Cache, coord *registry.Coordinator, mon *monitor.Monitor, cfg Config) *Handler {
	return &Handler{store: s, cache: cache, coord: coord, monitor: mon, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Use(requireRole(model.UserRoleAdmin))

		r.Post("/api/logout", h.handleLogout)

		r.Get("/api/exams", h.handleListExams)
		r.Post("/api/exams", h.handleCreateExam)
		r.Get("/api/exams/active", h.handleActiveExam)
		r.Delete("/api/exams/{examID}", h.handleDeleteExam)
		r.Post("/api/exams/{examID}/activate", h.handleActivateExam)
		r.Post("/api/exams/{examID}/deactivate", h.handleDeactivateExam)

		r.Get("/api/monitor/feed", h.handleFeed)
		r.Get("/api/monitor/rollups", h.handleRollups)

		r.Get("/api/students", h.handleListStudents)
		r.Post("/api/students", h.handleAddStudent)
		r.Post("/api/students/{studentID}/unbind", h.handleUnbindDevice)
		r.Delete("/api/students/{studentID}", h.handleDeleteStudent)
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

func examIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "examID"))
	return id, err == nil
}

// handleListExams serves the exam list from the registry cache, newest
// first with questions attached.
func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.cache.Snapshot())
}

type createExamRequest struct {
	Title      string `json:"title"`
	Duration   int    `json:"duration"`
	AccessCode string `json:"access_code"`
	Questions  []struct {
		Text          string             `json:"text"`
		Type          model.QuestionType `json:"type"`
		Options       []string           `json:"options"`
		CorrectAnswer string             `json:"correct_answer"`
		Keywords      []string           `json:"keywords"`
	} `json:"questions"`
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Title == "" || req.AccessCode == "" || req.Duration <= 0 {
		respondError(w, http.StatusBadRequest, "title, access_code and a positive duration are required")
		return
	}
	if len(req.Questions) == 0 {
		respondError(w, http.StatusBadRequest, "an exam needs at least one question")
		return
	}

	exam := model.Exam{
		Title:      req.Title,
		Duration:   req.Duration,
		AccessCode: req.AccessCode,
	}
	for _, q := range req.Questions {
		switch q.Type {
		case model.QuestionMCQ:
			if len(q.Options) == 0 || q.CorrectAnswer == "" {
				respondError(w, http.StatusBadRequest, "MCQ questions need options and a correct answer")
				return
			}
		case model.QuestionTheory:
			if len(q.Keywords) == 0 {
				respondError(w, http.StatusBadRequest, "theory questions need keywords")
				return
			}
		default:
			respondError(w, http.StatusBadRequest, "unknown question type: "+string(q.Type))
			return
		}
		exam.Questions = append(exam.Questions, model.Question{
			Text:          q.Text,
			Type:          q.Type,
			Options:       q.Options,
			CorrectAnswer: q.CorrectAnswer,
			Keywords:      q.Keywords,
		})
	}

	created, err := h.store.CreateExam(r.Context(), exam)
	if err != nil {
		slog.Error("create exam", "error", err)
		respondError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "ExamCreateFailed"))
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	id, ok := examIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid exam id")
		return
	}
	if err := h.store.DeleteExam(r.Context(), id); err != nil {
		slog.Error("delete exam", "exam_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, appI18n.T(r.Context(), "ExamDeleteFailed"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleActiveExam returns the single active exam, or null. Null is
// also what a reader sees during the brief activation window; the UI
// tolerates it.
func (h *Handler) handleActiveExam(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.cache.ActiveExam())
}

func (h *Handler) handleActivateExam(w http.ResponseWriter, r *http.Request) {
	id, ok := examIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid exam id")
		return
	}
	if _, ok := h.cache.Get(id); !ok {
		respondError(w, http.StatusNotFound, appI18n.T(r.Context(), "ExamNotFound"))
		return
	}
	if err := h.coord.Activate(r.Context(), id); err != nil {
		slog.Error("activate exam", "exam_id", id, "error", err)
		respondError(w, http.StatusBadGateway, appI18n.T(r.Context(), "ActivationFailed"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (h *Handler) handleDeactivateExam(w http.ResponseWriter, r *http.Request) {
	id, ok := examIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid exam id")
		return
	}
	if err := h.coord.Deactivate(r.Context(), id); err != nil {
		slog.Error("deactivate exam", "exam_id", id, "error", err)
		respondError(w, http.StatusBadGateway, appI18n.T(r.Context(), "DeactivationFailed"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.monitor.Feed.Snapshot())
}

type rollupsResponse struct {
	Exam          model.Exam              `json:"exam"`
	QuestionCount int                     `json:"question_count"`
	MaxScore      float64                 `json:"max_score"`
	Students      []monitor.StudentRollup `json:"students"`
}

// handleRollups selects an exam for monitoring and returns its
// per-student rollups. The displayed denominator is fixed at ten
// points per question regardless of question type.
func (h *Handler) handleRollups(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("exam"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid or missing exam parameter")
		return
	}
	exam, ok := h.cache.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, appI18n.T(r.Context(), "ExamNotFound"))
		return
	}
	if err := h.monitor.SelectExam(r.Context(), id); err != nil {
		slog.Error("select exam", "exam_id", id, "error", err)
		respondError(w, http.StatusBadGateway, appI18n.T(r.Context(), "RollupUnavailable"))
		return
	}
	respondJSON(w, http.StatusOK, rollupsResponse{
		Exam:          exam,
		QuestionCount: len(exam.Questions),
		MaxScore:      float64(len(exam.Questions)) * model.MaxQuestionScore,
		Students:      h.monitor.Engine.Rollups(r.Context()),
	})
}
