package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/correlator-io/edgedetect/internal/api/middleware"
	"github.com/correlator-io/edgedetect/internal/detection"
)

const (
	defaultListLimit    = 20
	maxListLimit        = 100
	detectionDataHeader = "X-Detection-Data"
)

// handleListDetections returns the most recent detections from the cache.
// ?limit defaults to 20 and is capped at 100.
func (s *Server) handleListDetections(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a positive integer"))

			return
		}

		limit = min(n, maxListLimit)
	}

	records, err := s.store.GetRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list detections",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list detections"))

		return
	}

	if records == nil {
		records = []*detection.Record{}
	}

	s.writeJSON(w, r, http.StatusOK, DetectionsResponse{Detections: records})
}

// handleGetDetection returns one detection record by id.
func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	record, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.writeJSON(w, r, http.StatusOK, record)
}

// handleGetDetectionImage returns the stored image with the detection payload
// in the X-Detection-Data header.
func (s *Server) handleGetDetectionImage(w http.ResponseWriter, r *http.Request) {
	record, ok := s.lookup(w, r)
	if !ok {
		return
	}

	data, err := s.objects.Get(r.Context(), record.ImagePath)
	if err != nil {
		if errors.Is(err, detection.ErrNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("Image for detection not found"))

			return
		}

		s.logger.Error("Failed to read detection image",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int64("id", record.ID),
			slog.String("image_path", record.ImagePath),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to read detection image"))

		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(detectionDataHeader, headerPayload(record.Payload))
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write detection image",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// lookup resolves the {id} path value. On failure it writes the problem
// response and returns false.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*detection.Record, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		WriteErrorResponse(w, r, s.logger, BadRequest("id must be a non-zero integer"))

		return nil, false
	}

	record, found, err := s.store.Get(r.Context(), id)

	switch {
	case errors.Is(err, detection.ErrConnectivity):
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Primary store is unreachable"))

		return nil, false
	case err != nil:
		s.logger.Error("Failed to get detection",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.Int64("id", id),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to get detection"))

		return nil, false
	case !found:
		WriteErrorResponse(w, r, s.logger, NotFound("Detection not found"))

		return nil, false
	}

	return record, true
}

// headerPayload compacts the payload onto one line for use as a header value.
func headerPayload(payload detection.Payload) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload.Normalize()); err != nil {
		return string(payload.Normalize())
	}

	return buf.String()
}
