package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrCodeEU/faceattend/pkg/artifacts"
	"github.com/MrCodeEU/faceattend/pkg/attendance"
	"github.com/MrCodeEU/faceattend/pkg/feedback"
	"github.com/MrCodeEU/faceattend/pkg/index"
	"github.com/MrCodeEU/faceattend/pkg/logging"
	"github.com/MrCodeEU/faceattend/pkg/pipeline"
	"github.com/MrCodeEU/faceattend/pkg/tracks"
)

var trackIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Only transient feedback audio is served; captured frames stay private.
const publicArtifactPrefix = "feedback/"

// RecognizeResponse is the body of POST /recognize.
type RecognizeResponse struct {
	Status        string              `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	Name          string              `json:"name,omitempty"`
	Message       string              `json:"message,omitempty"`
	Feedback      *feedback.Reference `json:"feedback,omitempty"`
	FeedbackURL   string              `json:"feedback_url,omitempty"`
	FeedbackError string              `json:"feedback_error,omitempty"`
	Detail        string              `json:"detail,omitempty"`
}

// DateStatus is one entry of GET /attendance-dates.
type DateStatus struct {
	Date          string `json:"date"`
	HasAttendance bool   `json:"has_attendance"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.deps.Health()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"identities":    h.Identities,
		"samples":       h.Samples,
		"track_version": h.TrackVersion,
	})
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	data, err := s.readFrame(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.deps.Recognizer.Run(r.Context(), data)
	status, body := recognizeResponse(res)
	respondJSON(w, status, body)
}

func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	limit := int64(s.config.Server.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return io.ReadAll(r.Body)
	}

	if err := r.ParseMultipartForm(limit); err != nil {
		return nil, err
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, fmt.Errorf("missing image field: %w", err)
	}
	defer file.Close()
	return io.ReadAll(file)
}

func recognizeResponse(res pipeline.Result) (int, RecognizeResponse) {
	body := RecognizeResponse{Message: res.Message()}
	if !res.Feedback.IsZero() {
		ref := res.Feedback
		body.Feedback = &ref
		body.FeedbackURL = feedbackURL(ref)
	}

	switch res.Outcome {
	case pipeline.OutcomeNoFace:
		body.Status = "no-face"
		return http.StatusBadRequest, body
	case pipeline.OutcomeUnrecognized:
		body.Status = "unrecognized"
		return http.StatusNotFound, body
	case pipeline.OutcomeDuplicate:
		body.Status = "fail"
		body.Reason = "duplicate"
		body.Name = res.Name
		return http.StatusOK, body
	case pipeline.OutcomeSuccess:
		body.Status = "success"
		body.Name = res.Name
		if res.FeedbackErr != nil {
			body.FeedbackError = res.FeedbackErr.Error()
		}
		return http.StatusOK, body
	}

	body = RecognizeResponse{Status: "error", Message: res.Message()}
	if errors.Is(res.Err, index.ErrModelUnavailable) {
		body.Detail = "recognition model unavailable"
		return http.StatusServiceUnavailable, body
	}
	body.Detail = "internal error"
	return http.StatusInternalServerError, body
}

func feedbackURL(ref feedback.Reference) string {
	if ref.Track != "" {
		return "/api/v1/feedback/tracks/" + ref.Track
	}
	return "/api/v1/feedback/artifacts/" + ref.Artifact
}

func (s *Server) handleSystemStartDate(w http.ResponseWriter, r *http.Request) {
	first, ok, err := s.deps.Reporter.FirstEventTimestamp(r.Context())
	if err != nil {
		s.storageError(w, err)
		return
	}
	now := s.deps.Clock()
	day := now
	if ok {
		day = first
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"date":         attendance.LocalDate(day, s.loc),
		"current_date": attendance.LocalDate(now, s.loc),
	})
}

func (s *Server) handleTodayActive(w http.ResponseWriter, r *http.Request) {
	now := s.deps.Clock()
	events, err := s.deps.Reporter.ListTodayEvents(r.Context(), now)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if events == nil {
		events = []attendance.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":   attendance.LocalDate(now, s.loc),
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleAttendanceDates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock()

	first, ok, err := s.deps.Reporter.FirstEventTimestamp(ctx)
	if err != nil {
		s.storageError(w, err)
		return
	}
	dates, err := s.deps.Reporter.AttendanceDates(ctx)
	if err != nil {
		s.storageError(w, err)
		return
	}
	if !ok {
		first = now
	}

	has := make(map[string]bool, len(dates))
	for _, d := range dates {
		has[d] = true
	}
	respondJSON(w, http.StatusOK, dateRange(first, now, s.loc, has))
}

// dateRange lists every civil day from first through last, inclusive.
func dateRange(first, last time.Time, loc *time.Location, has map[string]bool) []DateStatus {
	f := first.In(loc)
	l := last.In(loc)
	day := time.Date(f.Year(), f.Month(), f.Day(), 12, 0, 0, 0, loc)
	end := time.Date(l.Year(), l.Month(), l.Day(), 12, 0, 0, 0, loc)

	out := []DateStatus{}
	for !day.After(end) {
		d := day.Format(attendance.DateLayout)
		out = append(out, DateStatus{Date: d, HasAttendance: has[d]})
		day = day.AddDate(0, 0, 1)
	}
	return out
}

func (s *Server) handleAttendanceSummary(w http.ResponseWriter, r *http.Request) {
	day := s.deps.Clock()
	if q := r.URL.Query().Get("date"); q != "" {
		parsed, err := time.ParseInLocation(attendance.DateLayout, q, s.loc)
		if err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed.Add(12 * time.Hour)
	}

	n, err := s.deps.Reporter.CountEventsOn(r.Context(), day)
	if err != nil {
		s.storageError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"date":  attendance.LocalDate(day, s.loc),
		"count": n,
	})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !trackIDPattern.MatchString(id) {
		respondError(w, http.StatusBadRequest, "invalid track id")
		return
	}
	s.serveArtifact(w, r, tracks.AudioKey(id))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if !strings.HasPrefix(key, publicArtifactPrefix) {
		respondError(w, http.StatusNotFound, "artifact not found")
		return
	}
	s.serveArtifact(w, r, key)
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, key string) {
	rc, err := s.deps.Artifacts.Read(r.Context(), key)
	if err != nil {
		switch {
		case errors.Is(err, artifacts.ErrInvalidKey):
			respondError(w, http.StatusBadRequest, "invalid artifact key")
		case errors.Is(err, os.ErrNotExist):
			respondError(w, http.StatusNotFound, "artifact not found")
		default:
			logging.Component("server").WithError(err).WithField("key", key).Error("Failed to read artifact")
			respondError(w, http.StatusInternalServerError, "failed to read artifact")
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", artifacts.ContentType(key))
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logging.Component("server").WithError(err).WithField("key", key).Warn("Artifact stream interrupted")
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reload == nil {
		respondError(w, http.StatusNotImplemented, "reload not available")
		return
	}
	if err := s.deps.Reload(r.Context()); err != nil {
		logging.Component("server").WithError(err).Error("Reload failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "health": s.deps.Health()})
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	logging.Component("server").WithError(err).Error("Attendance query failed")
	respondError(w, http.StatusInternalServerError, "attendance storage unavailable")
}
