package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/olekukonko/tablewriter"

	"github.com/marginscout/marginscout/internal/imports"
	"github.com/marginscout/marginscout/jobs"
)

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

type importService interface {
	JobStatus(ctx context.Context, jobID int64) (imports.StatusView, error)
	ListJobProducts(ctx context.Context, jobID int64) ([]imports.ProductAnalysis, error)
	Resubmit(ctx context.Context, jobID int64) error
}

type cachePurger interface {
	Purge(ctx context.Context) (int64, error)
}

// OpsCLI wraps manual operations on the import pipeline.
type OpsCLI struct {
	inspector queueInspector
	service   importService
	cache     cachePurger
	out       io.Writer
}

// NewOpsCLI wires the helpers. Any dependency may be nil when the command at
// hand does not need it.
func NewOpsCLI(inspector queueInspector, service importService, cache cachePurger, out io.Writer) *OpsCLI {
	return &OpsCLI{inspector: inspector, service: service, cache: cache, out: out}
}

// QueueStats prints one row per queue served by the worker lanes.
func (c *OpsCLI) QueueStats() error {
	if c == nil || c.inspector == nil {
		return errors.New("ops cli: inspector not configured")
	}
	stats, err := jobs.QueueStats(c.inspector)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Queue", "Pending", "Active", "Retry", "Archived", "Latency", "Paused")
	for _, s := range stats {
		if err := table.Append(s.Queue, strconv.Itoa(s.Pending), strconv.Itoa(s.Active),
			strconv.Itoa(s.Retry), strconv.Itoa(s.Archived), s.Latency, strconv.FormatBool(s.Paused)); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobStatus prints the state, notes and product counts of a job.
func (c *OpsCLI) JobStatus(ctx context.Context, jobID int64) error {
	if c == nil || c.service == nil {
		return errors.New("ops cli: service not configured")
	}
	view, err := c.service.JobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	job, counts := view.Job, view.Counts
	table := tablewriter.NewWriter(c.out)
	table.Header("Field", "Value")
	rows := [][]string{
		{"job", strconv.FormatInt(job.ID, 10)},
		{"state", string(job.State)},
		{"notes", job.SummaryNotes},
		{"file", job.Filename},
		{"multiplier", job.ProfitMultiplier.String()},
		{"created", job.CreatedAt.Format(time.RFC3339)},
		{"waiting", strconv.Itoa(counts.Active())},
		{"done", strconv.Itoa(counts.Done)},
		{"not found", strconv.Itoa(counts.NotFound)},
		{"error", fmt.Sprintf("%d (%d infrastructure)", counts.Error, counts.InfraErrors)},
	}
	if job.FinishedAt != nil {
		rows = append(rows, []string{"finished", job.FinishedAt.Format(time.RFC3339)})
	}
	for _, row := range rows {
		if err := table.Append(row[0], row[1]); err != nil {
			return err
		}
	}
	return table.Render()
}

// JobProducts prints every product of a job with its recommendation.
func (c *OpsCLI) JobProducts(ctx context.Context, jobID int64) error {
	if c == nil || c.service == nil {
		return errors.New("ops cli: service not configured")
	}
	rows, err := c.service.ListJobProducts(ctx, jobID)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("EAN", "Name", "Purchase", "Lowest", "Margin", "Recommendation", "State")
	for _, r := range rows {
		if err := table.Append(r.Identifier, r.Name, r.PurchasePrice.StringFixed(2),
			decimalCell(r.LowestPrice.Valid, r.LowestPrice.Decimal.StringFixed(2)),
			decimalCell(r.ProfitMargin.Valid, r.ProfitMargin.Decimal.StringFixed(2)),
			r.Recommendation, string(r.State)); err != nil {
			return err
		}
	}
	return table.Render()
}

func decimalCell(valid bool, s string) string {
	if !valid {
		return "-"
	}
	return s
}

// RetryJob schedules the waiting products of a processing job again.
func (c *OpsCLI) RetryJob(ctx context.Context, jobID int64) error {
	if c == nil || c.service == nil {
		return errors.New("ops cli: service not configured")
	}
	if err := c.service.Resubmit(ctx, jobID); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "job %d resubmitted\n", jobID)
	return err
}

// PurgeCache drops cache entries older than the TTL.
func (c *OpsCLI) PurgeCache(ctx context.Context) error {
	if c == nil || c.cache == nil {
		return errors.New("ops cli: cache not configured")
	}
	removed, err := c.cache.Purge(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "removed %d cache entries\n", removed)
	return err
}
