package importshttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/marginscout/marginscout/internal/imports"
	"github.com/marginscout/marginscout/internal/platform/httpx"
)

const (
	exportRateLimit  = 20
	exportRateWindow = time.Minute
	multipartMemory  = 8 << 20
)

type importsService interface {
	StartJob(ctx context.Context, in imports.StartJobInput) (imports.Job, error)
	JobStatus(ctx context.Context, jobID int64) (imports.StatusView, error)
	ListJobProducts(ctx context.Context, jobID int64) ([]imports.ProductAnalysis, error)
	WriteCSV(ctx context.Context, jobID int64, w io.Writer) error
	Resubmit(ctx context.Context, jobID int64) error
}

// Handler serves the import API.
type Handler struct {
	logger    *slog.Logger
	service   importsService
	validator *validator.Validate
	maxBytes  int64
}

type startJobForm struct {
	Category   string `validate:"max=120"`
	Currency   string `validate:"omitempty,len=3,alpha"`
	Multiplier string `validate:"omitempty,numeric"`
}

type startJobResponse struct {
	JobID   int64  `json:"job_id"`
	Message string `json:"message"`
}

type statusResponse struct {
	ID     int64          `json:"id"`
	State  string         `json:"state"`
	Notes  string         `json:"notes,omitempty"`
	Meta   jobMeta        `json:"meta"`
	Counts imports.Counts `json:"counts"`
}

type jobMeta struct {
	Filename         string     `json:"filename"`
	Category         string     `json:"category,omitempty"`
	Currency         string     `json:"currency"`
	ProfitMultiplier string     `json:"profit_multiplier"`
	CreatedAt        time.Time  `json:"created_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// NewHandler constructs the handler. maxBytes bounds an upload request.
func NewHandler(logger *slog.Logger, service importsService, maxBytes int64) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger.With(slog.String("component", "imports.http")),
		service:   service,
		validator: validator.New(),
		maxBytes:  maxBytes,
	}
}

// MountRoutes registers the import endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "export rate limit exceeded")
		}),
	)
	r.Route("/api/imports", func(r chi.Router) {
		r.Post("/", h.startJob)
		r.Get("/{id}/status", h.status)
		r.Get("/{id}/products", h.products)
		r.Post("/{id}/resubmit", h.resubmit)
		r.With(limiter).Get("/{id}/export.csv", h.exportCSV)
	})
}

func (h *Handler) startJob(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, fmt.Errorf("%w: upload exceeds %d bytes", httpx.ErrTooLarge, tooLarge.Limit))
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	form := startJobForm{
		Category:   strings.TrimSpace(r.FormValue("category")),
		Currency:   strings.TrimSpace(r.FormValue("currency")),
		Multiplier: strings.TrimSpace(r.FormValue("multiplier")),
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, describeValidation(err)))
		return
	}
	var multiplier decimal.NullDecimal
	if form.Multiplier != "" {
		m, err := decimal.NewFromString(form.Multiplier)
		if err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: multiplier: %v", httpx.ErrValidation, err))
			return
		}
		if !m.IsPositive() {
			httpx.RespondError(w, fmt.Errorf("%w: multiplier must be positive", httpx.ErrValidation))
			return
		}
		multiplier = decimal.NewNullDecimal(m)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: file is required", httpx.ErrValidation))
		return
	}
	defer file.Close()

	job, err := h.service.StartJob(r.Context(), imports.StartJobInput{
		Filename:   header.Filename,
		File:       file,
		Category:   form.Category,
		Currency:   form.Currency,
		Multiplier: multiplier,
	})
	switch {
	case err == nil:
		httpx.JSON(w, http.StatusAccepted, startJobResponse{JobID: job.ID, Message: "import accepted"})
	case errors.Is(err, imports.ErrQueueUnavailable):
		h.logger.Error("enqueue parse task", slog.Int64("job_id", job.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable",
			fmt.Sprintf("job %d could not be queued", job.ID))
	default:
		h.respond(w, "start job", err)
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	view, err := h.service.JobStatus(r.Context(), id)
	if err != nil {
		h.respond(w, "job status", err)
		return
	}
	job := view.Job
	httpx.JSON(w, http.StatusOK, statusResponse{
		ID:    job.ID,
		State: string(job.State),
		Notes: job.SummaryNotes,
		Meta: jobMeta{
			Filename:         job.Filename,
			Category:         job.Category,
			Currency:         job.Currency,
			ProfitMultiplier: job.ProfitMultiplier.String(),
			CreatedAt:        job.CreatedAt,
			FinishedAt:       job.FinishedAt,
		},
		Counts: view.Counts,
	})
}

func (h *Handler) products(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	rows, err := h.service.ListJobProducts(r.Context(), id)
	if err != nil {
		h.respond(w, "list products", err)
		return
	}
	if rows == nil {
		rows = []imports.ProductAnalysis{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) resubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.service.Resubmit(r.Context(), id); err != nil {
		h.respond(w, "resubmit job", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, startJobResponse{JobID: id, Message: "job resubmitted"})
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.JobStatus(r.Context(), id); err != nil {
		h.respond(w, "export csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="import-%d.csv"`, id))
	if err := h.service.WriteCSV(r.Context(), id, w); err != nil {
		h.logger.Error("write csv export", slog.Int64("job_id", id), slog.Any("error", err))
	}
}

// respond maps service errors onto the shared problem responses.
func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, imports.ErrJobNotFound):
		err = fmt.Errorf("%w: %v", httpx.ErrNotFound, err)
	case errors.Is(err, imports.ErrInvalidInput):
		err = fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	case errors.Is(err, imports.ErrJobState):
		err = fmt.Errorf("%w: %v", httpx.ErrConflict, err)
	default:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid job id", httpx.ErrValidation))
		return 0, false
	}
	return id, true
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
