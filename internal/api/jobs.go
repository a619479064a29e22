package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"recipe-ingestion/internal/envelope"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/extract/document"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/objectstore"
	"recipe-ingestion/internal/queue"
	"recipe-ingestion/internal/ratelimit"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
)

type submitRequest struct {
	JobType models.JobType        `json:"job_type"`
	URL     string                `json:"url,omitempty"`
	Payload *models.ClientPayload `json:"payload,omitempty"`
	Images  []models.ImageRef     `json:"images,omitempty"`
	Options *models.SourceOptions `json:"options,omitempty"`
}

type submitResponse struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

var parseTypes = map[models.JobType]string{
	models.JobTypeURL:     envelope.TypeParseURL,
	models.JobTypePayload: envelope.TypeParsePayload,
	models.JobTypeImage:   envelope.TypeParseImage,
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 2<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json: "+err.Error())
		return
	}

	src := models.Source{Options: req.Options}
	switch req.JobType {
	case models.JobTypeURL:
		res := s.runPreflight(r, req.URL)
		if !res.OK {
			telemetry.PreflightRejects.WithLabelValues(string(res.ErrorCode)).Inc()
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{
				ErrorCode:    string(res.ErrorCode),
				ErrorMessage: res.ErrorMessage,
				NextAction:   res.NextAction,
			})
			return
		}
		src.URL = req.URL
	case models.JobTypePayload:
		if err := document.ValidatePayload(req.Payload); err != nil {
			s.writeFailure(w, err)
			return
		}
		src.Payload = req.Payload
	case models.JobTypeImage:
		refs, err := s.checkRefs(req.Images)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		src.Images = refs
	default:
		writeError(w, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("unknown job_type %q", req.JobType))
		return
	}
	s.createAndSend(w, r, req.JobType, src)
}

// handleSubmitImages accepts a multipart upload with one or more "images" parts.
func (s *Server) handleSubmitImages(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	if s.images == nil {
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "image uploads are not configured")
		return
	}
	max := s.maxImages()
	perImage := s.cfg.ImageMaxBytes
	if perImage <= 0 {
		perImage = 15 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, perImage*int64(max)+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	if len(files) == 0 || len(files) > max {
		s.writeFailure(w, &extract.Failure{Code: models.ErrInvalidImages, Message: fmt.Sprintf("expected 1 to %d images, got %d", max, len(files))})
		return
	}

	done := startTiming(r.Context(), "upload")
	refs := make([]models.ImageRef, 0, len(files))
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			done()
			writeError(w, http.StatusBadRequest, codeBadRequest, "unreadable image part")
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, perImage+1))
		_ = f.Close()
		if err != nil {
			done()
			writeError(w, http.StatusBadRequest, codeBadRequest, "unreadable image part")
			return
		}
		ref, err := s.images.Put(r.Context(), userFrom(r), i, data)
		if err != nil {
			done()
			if errors.Is(err, objectstore.ErrTooLarge) {
				s.writeFailure(w, &extract.Failure{Code: models.ErrInvalidImages, Message: fmt.Sprintf("image %d is too large", i)})
				return
			}
			s.log.Warn("image upload failed", zap.Int("index", i), zap.Error(err))
			s.writeFailure(w, &extract.Failure{Code: models.ErrInvalidImages, Message: fmt.Sprintf("image %d could not be stored", i)})
			return
		}
		refs = append(refs, ref)
	}
	done()

	src := models.Source{Images: refs}
	if hint, lang := r.FormValue("title_hint"), r.FormValue("language"); hint != "" || lang != "" {
		src.Options = &models.SourceOptions{TitleHint: hint, Language: lang}
	}
	s.createAndSend(w, r, models.JobTypeImage, src)
}

// createAndSend inserts the PENDING job and hands its envelope to the recipes queue.
func (s *Server) createAndSend(w http.ResponseWriter, r *http.Request, typ models.JobType, src models.Source) {
	ctx := r.Context()
	done := startTiming(ctx, "submit")
	defer done()

	user, rid := userFrom(r), requestID(r)
	job, err := s.store.CreateJob(ctx, store.CreateJobParams{UserID: user, Type: typ, Source: src, RequestID: rid})
	if err != nil {
		s.internalError(w, "create job", err)
		return
	}
	env, err := envelope.New(parseTypes[typ], job.ID, s.cfg.ServiceName, s.cfg.ServiceName,
		envelope.ParseRequest{UserID: user}, envelope.WithJobID(job.ID), envelope.WithRequestID(rid))
	if err == nil {
		err = s.queue.Send(ctx, s.cfg.RecipesQueue, env)
	}
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		s.log.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		// The job would never run; close it out so it does not sit PENDING.
		if _, _, cerr := s.store.Cancel(ctx, job.ID); cerr != nil {
			s.log.Error("cancel unsent job failed", zap.String("job_id", job.ID), zap.Error(cerr))
		}
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "could not enqueue job")
		return
	}

	telemetry.JobsSubmitted.WithLabelValues(string(typ)).Inc()
	s.log.Info("job submitted", zap.String("job_id", job.ID), zap.String("job_type", string(typ)), zap.String("request_id", rid))
	writeJSON(w, http.StatusAccepted, submitResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) runPreflight(r *http.Request, raw string) web.PreflightResult {
	defer startTiming(r.Context(), "preflight")()
	if s.preflight == nil {
		return web.PreflightResult{OK: true}
	}
	return s.preflight.Preflight(r.Context(), raw)
}

func (s *Server) checkRefs(refs []models.ImageRef) ([]models.ImageRef, error) {
	max := s.maxImages()
	if len(refs) == 0 || len(refs) > max {
		return nil, &extract.Failure{Code: models.ErrInvalidImages, Message: fmt.Sprintf("expected 1 to %d images, got %d", max, len(refs))}
	}
	out := make([]models.ImageRef, len(refs))
	for i, ref := range refs {
		if !objectstore.ValidRef(ref) {
			return nil, &extract.Failure{Code: models.ErrInvalidImages, Message: fmt.Sprintf("image %d has an invalid reference", i)}
		}
		ref.Index = i
		out[i] = ref
	}
	return out, nil
}

func (s *Server) maxImages() int {
	if s.cfg.MaxImages > 0 {
		return s.cfg.MaxImages
	}
	return 8
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	d, err := s.limiter.AllowUser(r.Context(), userFrom(r))
	if err != nil {
		// Limiter errors fail open.
		s.log.Warn("rate limiter unavailable", zap.Error(err))
		return true
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(d.RetryAfter)))
		writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many submissions, slow down")
		return false
	}
	return true
}

// writeFailure reports a synchronous validation failure. No job is created.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	f := extract.AsFailure(err)
	telemetry.PreflightRejects.WithLabelValues(string(f.Code)).Inc()
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{ErrorCode: string(f.Code), ErrorMessage: f.Message, NextAction: f.NextAction})
}
