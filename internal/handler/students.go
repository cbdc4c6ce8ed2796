package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/unielevate/proctor/internal/model"
)

// Registry entries have no uuid yet; the directory gives them a
// synthetic id derived from the email so the UI can address them.
const registryIDPrefix = "reg-"

// handleListStudents merges pre-registered students with the profiles
// created on first login. A registry row whose email already has a
// profile is folded into the active entry.
func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfilesByRole(r.Context(), model.UserRoleStudent)
	if err != nil {
		slog.Error("list profiles", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	registered, err := h.store.ListRegistryStudents(r.Context())
	if err != nil {
		slog.Error("list registry", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries := make([]model.DirectoryEntry, 0, len(profiles)+len(registered))
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		seen[strings.ToLower(p.Email)] = true
		entries = append(entries, model.DirectoryEntry{
			ID:          p.ID.String(),
			Name:        p.Name,
			Email:       p.Email,
			Status:      model.StudentActive,
			DeviceBound: p.DeviceID != "",
			CreatedAt:   p.CreatedAt,
		})
	}
	for _, rs := range registered {
		if seen[strings.ToLower(rs.Email)] {
			continue
		}
		entries = append(entries, model.DirectoryEntry{
			ID:        registryIDPrefix + rs.Email,
			Name:      rs.Name,
			Email:     rs.Email,
			Status:    model.StudentPending,
			CreatedAt: rs.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, entries)
}

type addStudentRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (h *Handler) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	var req addStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		respondError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	rs := model.RegistryStudent{Name: strings.TrimSpace(req.Name), Email: req.Email}
	if err := h.store.AddRegistryStudent(r.Context(), rs); err != nil {
		slog.Error("add registry student", "email", req.Email, "error", err)
		respondError(w, http.StatusConflict, "student already registered")
		return
	}
	respondJSON(w, http.StatusCreated, model.DirectoryEntry{
		ID:     registryIDPrefix + rs.Email,
		Name:   rs.Name,
		Email:  rs.Email,
		Status: model.StudentPending,
	})
}

func (h *Handler) handleUnbindDevice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "studentID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}
	if err := h.store.UnbindDevice(r.Context(), id); err != nil {
		slog.Error("unbind device", "student_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "unbound"})
}

// handleDeleteStudent removes either a pending registration (synthetic
// reg- id) or a full profile (uuid id).
func (h *Handler) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	param := chi.URLParam(r, "studentID")

	if email, ok := strings.CutPrefix(param, registryIDPrefix); ok {
		if err := h.store.DeleteRegistryStudent(r.Context(), email); err != nil {
			slog.Error("delete registry student", "email", email, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	id, err := uuid.Parse(param)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid student id")
		return
	}
	if err := h.store.DeleteProfile(r.Context(), id); err != nil {
		slog.Error("delete profile", "student_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
