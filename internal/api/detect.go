package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/correlator-io/edgedetect/internal/api/middleware"
	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/internal/dispatch"
	"github.com/correlator-io/edgedetect/internal/objectstore"
)

const uploadField = "file"

// handleDetect runs detection on the uploaded image and waits for the result.
//
// Response codes:
//   - 201 Created: detection stored; body is DetectResponse
//   - 400 Bad Request: missing or empty "file" field
//   - 413 Request Entity Too Large: upload over MaxUploadSize
//   - 502 Bad Gateway: the worker failed or returned a malformed result
//   - 503 Service Unavailable: the broker is unreachable
//   - 504 Gateway Timeout: no worker answered within the dispatch timeout
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	job, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	correlationID := middleware.GetCorrelationID(r.Context())

	result, err := s.dispatcher.Dispatch(r.Context(), job)
	if err != nil {
		s.logger.Error("Detection dispatch failed",
			slog.String("correlation_id", correlationID),
			slog.String("filename", job.Filename),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, dispatchProblem(err))

		return
	}

	id, err := s.store.Insert(r.Context(), result.ImagePath, result.Payload)
	if err != nil {
		s.logger.Error("Failed to store detection",
			slog.String("correlation_id", correlationID),
			slog.String("request_id", result.RequestID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to store detection"))

		return
	}

	s.logger.Info("Detection complete",
		slog.String("correlation_id", correlationID),
		slog.String("request_id", result.RequestID),
		slog.Int64("id", id),
		slog.String("image_path", result.ImagePath),
	)

	s.writeJSON(w, r, http.StatusCreated, DetectResponse{
		Message:   "Detection complete",
		ID:        id,
		Image:     job.Filename,
		Path:      result.ImagePath,
		Detection: result.Payload,
	})
}

// handleStream queues the uploaded image for background detection. The result
// is stored when a worker finishes; the caller gets only the request id.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	job, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	requestID, err := s.dispatcher.Enqueue(r.Context(), job)
	if err != nil {
		s.logger.Error("Failed to enqueue detection",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("filename", job.Filename),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, dispatchProblem(err))

		return
	}

	s.writeJSON(w, r, http.StatusAccepted, StreamResponse{
		Message:   job.Filename + " queued for detection",
		RequestID: requestID,
	})
}

// readUpload parses the multipart "file" field into a job keyed by content.
// On failure it writes the problem response and returns false.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (dispatch.Job, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	fail := func(problem *ProblemDetail) (dispatch.Job, bool) {
		WriteErrorResponse(w, r, s.logger, problem)

		return dispatch.Job{}, false
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(PayloadTooLarge(fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit)))
		}

		return fail(BadRequest("Request must be multipart/form-data with a \"file\" field"))
	}

	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		return fail(BadRequest("Missing \"file\" field"))
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fail(BadRequest("Failed to read upload"))
	}

	if len(data) == 0 {
		return fail(BadRequest("Uploaded file is empty"))
	}

	return dispatch.Job{
		Filename:   header.Filename,
		Image:      data,
		StorageKey: objectstore.Key(header.Filename, data),
	}, true
}

// dispatchProblem maps dispatcher errors to HTTP problems.
func dispatchProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, detection.ErrDispatchTimeout):
		return GatewayTimeout("Detection did not complete in time")
	case errors.Is(err, dispatch.ErrJobFailed):
		return BadGateway("Detection worker failed to process the image")
	case errors.Is(err, detection.ErrSerialization):
		return BadGateway("Detection worker returned a malformed result")
	case errors.Is(err, detection.ErrConnectivity):
		return ServiceUnavailable("Detection queue is unreachable")
	case errors.Is(err, dispatch.ErrTooManyInFlight):
		return ServiceUnavailable("Too many detections in flight, retry later")
	default:
		return InternalServerError("Failed to dispatch detection")
	}
}
