package events

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-lms/seats/internal/models"
)

type mockSource struct {
	events []models.SeatEvent
	err    error
	got    Filter
}

func (m *mockSource) Stream(_ context.Context, f Filter, fn func(models.SeatEvent) error) error {
	m.got = f
	if m.err != nil {
		return m.err
	}
	for _, e := range m.events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

type mockUploader struct {
	key         string
	contentType string
	body        string
}

func (m *mockUploader) Upload(_ context.Context, key, contentType string, body io.Reader) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.key, m.contentType, m.body = key, contentType, string(b)
	return key, nil
}

func TestExporterWritesCSV(t *testing.T) {
	org, pool, user, assignment := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &mockSource{events: []models.SeatEvent{
		{ID: 1, PoolID: pool, OrganizationID: org, UserID: user, AssignmentID: &assignment, Type: models.EventAssigned, Actor: "admin", SeatsUsed: 1, OccurredAt: at},
		{ID: 2, PoolID: pool, OrganizationID: org, UserID: user, AssignmentID: &assignment, Type: models.EventExpired, Actor: "system:sweep", SeatsUsed: 0, OccurredAt: at.Add(time.Hour)},
	}}
	up := &mockUploader{}
	exportID := uuid.New()
	ex := NewExporter(src, up, func(o, id string) string { return "exports/" + o + "/" + id + ".csv" }, nil)

	key, rows, err := ex.Export(context.Background(), exportID, org, Filter{OrganizationID: &org})
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, "exports/"+org.String()+"/"+exportID.String()+".csv", key)
	assert.Equal(t, "text/csv", up.contentType)
	require.NotNil(t, src.got.OrganizationID)

	records, err := csv.NewReader(strings.NewReader(up.body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, "assigned", records[1][6])
	assert.Equal(t, "expired", records[2][6])
	assert.Equal(t, "0", records[2][8])
	assert.Equal(t, "2026-03-01T12:00:00Z", records[1][1])
}

func TestExporterSourceError(t *testing.T) {
	src := &mockSource{err: errors.New("db gone")}
	up := &mockUploader{}
	ex := NewExporter(src, up, func(o, id string) string { return o + id }, nil)

	_, _, err := ex.Export(context.Background(), uuid.New(), uuid.New(), Filter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, src.err)
	assert.Empty(t, up.key)
}

func TestRecordWithoutAssignment(t *testing.T) {
	rec := Record(models.SeatEvent{Type: models.EventPoolDeleted, SeatsUsed: 3})
	assert.Equal(t, "", rec[5])
	assert.Equal(t, "3", rec[8])
}
