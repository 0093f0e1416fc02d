package imports

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marginscout/marginscout/internal/spreadsheet"
)

// ParseRequest is the payload of the import:parse task.
type ParseRequest struct {
	JobID int64  `json:"job_id"`
	Path  string `json:"path"`
}

// ParseEnqueuer hands a stored upload to the worker.
type ParseEnqueuer interface {
	EnqueueParse(ctx context.Context, req ParseRequest) error
}

// ServiceConfig holds defaults applied to new jobs.
type ServiceConfig struct {
	UploadDir         string
	DefaultCurrency   string
	DefaultMultiplier decimal.Decimal
}

// StartJobInput describes one upload.
type StartJobInput struct {
	Filename   string
	File       io.Reader
	Category   string
	Currency   string
	Multiplier decimal.NullDecimal
}

// StatusView is returned by JobStatus.
type StatusView struct {
	Job    Job
	Counts Counts
}

// Service exposes the import workflow to the HTTP API, CLI and worker.
type Service struct {
	repo         RepositoryPort
	orchestrator *Orchestrator
	enqueuer     ParseEnqueuer
	cfg          ServiceConfig
	logger       *slog.Logger
}

// NewService constructs the service.
func NewService(repo RepositoryPort, orchestrator *Orchestrator, enqueuer ParseEnqueuer, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "PLN"
	}
	return &Service{
		repo:         repo,
		orchestrator: orchestrator,
		enqueuer:     enqueuer,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "imports.service")),
	}
}

var allowedExtensions = map[string]bool{".csv": true, ".xlsx": true}

// StartJob stores the upload, creates a pending job and enqueues parsing. When
// the queue is unreachable the job is failed and ErrQueueUnavailable returned
// together with the job.
func (s *Service) StartJob(ctx context.Context, in StartJobInput) (Job, error) {
	ext := strings.ToLower(filepath.Ext(in.Filename))
	if !allowedExtensions[ext] {
		return Job{}, fmt.Errorf("%w: unsupported file type %q", ErrInvalidInput, ext)
	}
	if in.File == nil {
		return Job{}, fmt.Errorf("%w: file is required", ErrInvalidInput)
	}
	multiplier := s.cfg.DefaultMultiplier
	if in.Multiplier.Valid {
		multiplier = in.Multiplier.Decimal
	}
	if !multiplier.IsPositive() {
		return Job{}, fmt.Errorf("%w: profit multiplier must be positive", ErrInvalidInput)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	path, err := s.storeUpload(in.File, ext)
	if err != nil {
		return Job{}, err
	}

	job, err := s.repo.CreateJob(ctx, NewJob{
		ProfitMultiplier: multiplier,
		Filename:         filepath.Base(in.Filename),
		Category:         strings.TrimSpace(in.Category),
		Currency:         currency,
	})
	if err != nil {
		_ = os.Remove(path)
		return Job{}, err
	}

	if err := s.enqueuer.EnqueueParse(ctx, ParseRequest{JobID: job.ID, Path: path}); err != nil {
		note := fmt.Sprintf("queue unavailable: %v", err)
		if _, merr := s.repo.MarkJobError(ctx, job.ID, note); merr != nil {
			return job, errors.Join(err, merr)
		}
		job.State, job.SummaryNotes = JobError, note
		return job, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.logger.Info("import job created", slog.Int64("job_id", job.ID), slog.String("filename", job.Filename))
	return job, nil
}

func (s *Service) storeUpload(r io.Reader, ext string) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("imports: prepare upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, uuid.NewString()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("imports: store upload: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("imports: store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("imports: store upload: %w", err)
	}
	return path, nil
}

// IngestRows parses the upload of a job, stores its products and submits it.
// An unreadable file fails the job once. Redelivery skips the insert when the
// job already owns products.
func (s *Service) IngestRows(ctx context.Context, jobID int64, path string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	existing, err := s.repo.CountProducts(ctx, jobID)
	if err != nil {
		return err
	}
	if existing == 0 {
		rows, err := spreadsheet.ParseFile(path)
		if err != nil {
			if _, merr := s.repo.MarkJobError(ctx, jobID, err.Error()); merr != nil {
				return merr
			}
			s.orchestrator.Metrics.ObserveJobFinished(string(JobError))
			s.logger.Warn("import file rejected", slog.Int64("job_id", jobID), slog.Any("error", err))
			return nil
		}
		products := make([]NewProduct, 0, len(rows))
		for _, row := range rows {
			products = append(products, NewProduct{
				Identifier:    row.Identifier,
				DisplayName:   row.DisplayName,
				PurchasePrice: row.PurchasePrice,
			})
		}
		if _, err := s.repo.InsertProducts(ctx, jobID, job.Currency, products); err != nil {
			return err
		}
		s.logger.Info("import file parsed", slog.Int64("job_id", jobID), slog.Int("rows", len(products)))
	}
	return s.orchestrator.Submit(ctx, jobID)
}

// Resubmit schedules the waiting products of a processing job again.
func (s *Service) Resubmit(ctx context.Context, jobID int64) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != JobProcessing {
		return fmt.Errorf("%w: job %d is %s", ErrJobState, jobID, job.State)
	}
	return s.orchestrator.Submit(ctx, jobID)
}

// JobStatus returns the job and its per-state product counts.
func (s *Service) JobStatus(ctx context.Context, jobID int64) (StatusView, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	counts, err := s.repo.CountProductStates(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Job: job, Counts: counts}, nil
}

// ListJobProducts returns every product of a job with its recommendation.
func (s *Service) ListJobProducts(ctx context.Context, jobID int64) ([]ProductAnalysis, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	products, err := s.repo.ListProducts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]ProductAnalysis, 0, len(products))
	for _, p := range products {
		out = append(out, Analyze(p, job.ProfitMultiplier))
	}
	return out, nil
}

var exportHeader = []string{
	"identifier", "name", "purchase_price", "currency", "lowest_price", "sold_count",
	"profit_margin", "recommendation", "state", "notes",
}

// WriteCSV streams the product analysis of a job as CSV.
func (s *Service) WriteCSV(ctx context.Context, jobID int64, w io.Writer) error {
	rows, err := s.ListJobProducts(ctx, jobID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		record := []string{
			r.Identifier,
			r.Name,
			r.PurchasePrice.StringFixed(2),
			r.Currency,
			nullString(r.LowestPrice, 2),
			intString(r.SoldCount),
			nullString(r.ProfitMargin, 2),
			r.Recommendation,
			string(r.State),
			r.Notes,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func nullString(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.StringFixed(places)
}

func intString(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
