package events

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/models"
)

// Source streams events for a filter.
type Source interface {
	Stream(ctx context.Context, f Filter, fn func(models.SeatEvent) error) error
}

// Uploader stores an export object and returns its key.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
}

// KeyFunc names the object for an export.
type KeyFunc func(organizationID, exportID string) string

var csvHeader = []string{"id", "occurred_at", "pool_id", "organization_id", "user_id", "assignment_id", "type", "actor", "seats_used"}

// Exporter renders filtered seat events as CSV and uploads them.
type Exporter struct {
	source   Source
	uploader Uploader
	key      KeyFunc
	logger   *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(source Source, uploader Uploader, key KeyFunc, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{source: source, uploader: uploader, key: key, logger: logger.With(zap.String("component", "export"))}
}

// Export writes the events matching f to object storage and returns the object key and row count.
func (e *Exporter) Export(ctx context.Context, exportID, organizationID uuid.UUID, f Filter) (string, int, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return "", 0, err
	}
	rows := 0
	err := e.source.Stream(ctx, f, func(ev models.SeatEvent) error {
		rows++
		return w.Write(Record(ev))
	})
	if err != nil {
		return "", 0, fmt.Errorf("export events: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", 0, fmt.Errorf("write csv: %w", err)
	}

	key, err := e.uploader.Upload(ctx, e.key(organizationID.String(), exportID.String()), "text/csv", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", 0, err
	}
	e.logger.Info("events exported", zap.String("export_id", exportID.String()), zap.String("key", key), zap.Int("rows", rows))
	return key, rows, nil
}

// Record renders one event as a CSV row in csvHeader order.
func Record(ev models.SeatEvent) []string {
	assignment := ""
	if ev.AssignmentID != nil {
		assignment = ev.AssignmentID.String()
	}
	return []string{
		strconv.FormatInt(ev.ID, 10),
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		ev.PoolID.String(),
		ev.OrganizationID.String(),
		ev.UserID.String(),
		assignment,
		string(ev.Type),
		ev.Actor,
		strconv.Itoa(ev.SeatsUsed),
	}
}
