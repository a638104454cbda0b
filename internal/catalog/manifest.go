package catalog

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/aura-lms/seats/internal/models"
)

// Manifest is a catalog snapshot exported from the LMS.
type Manifest struct {
	Courses []ManifestCourse `yaml:"courses"`
	Bundles []ManifestBundle `yaml:"bundles"`
}

// ManifestCourse is one course with its category tags.
type ManifestCourse struct {
	ID         int64               `yaml:"id"`
	Title      string              `yaml:"title"`
	Status     models.CourseStatus `yaml:"status"`
	Categories []int64             `yaml:"categories"`
}

// ManifestBundle is an ordered course bundle.
type ManifestBundle struct {
	ID      int64   `yaml:"id"`
	Title   string  `yaml:"title"`
	Courses []int64 `yaml:"courses"`
}

// Writer is the catalog write surface. *Repository satisfies it.
type Writer interface {
	UpsertCourse(ctx context.Context, c *models.Course) error
	TagCourse(ctx context.Context, courseID, categoryID int64) error
	SetBundle(ctx context.Context, bundleID int64, title string, courseIDs []int64) error
}

// SyncResult counts what a sync wrote.
type SyncResult struct {
	Courses int
	Tags    int
	Bundles int
}

// ParseManifest decodes and checks a YAML manifest.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("catalog manifest: %w", err)
	}
	var errs []error
	for i := range m.Courses {
		c := &m.Courses[i]
		if c.ID <= 0 {
			errs = append(errs, fmt.Errorf("course %d: id must be positive", i))
		}
		switch c.Status {
		case "":
			c.Status = models.CourseActive
		case models.CourseActive, models.CourseRetired:
		default:
			errs = append(errs, fmt.Errorf("course %d: unknown status %q", c.ID, c.Status))
		}
	}
	for _, b := range m.Bundles {
		if b.ID <= 0 {
			errs = append(errs, fmt.Errorf("bundle %q: id must be positive", b.Title))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Sync writes the manifest. Courses go first so bundles can reference them.
func Sync(ctx context.Context, w Writer, m *Manifest) (SyncResult, error) {
	var res SyncResult
	for _, c := range m.Courses {
		if err := w.UpsertCourse(ctx, &models.Course{ID: c.ID, Title: c.Title, Status: c.Status}); err != nil {
			return res, fmt.Errorf("course %d: %w", c.ID, err)
		}
		res.Courses++
		for _, cat := range c.Categories {
			if err := w.TagCourse(ctx, c.ID, cat); err != nil {
				return res, fmt.Errorf("course %d category %d: %w", c.ID, cat, err)
			}
			res.Tags++
		}
	}
	for _, b := range m.Bundles {
		if err := w.SetBundle(ctx, b.ID, b.Title, b.Courses); err != nil {
			return res, fmt.Errorf("bundle %d: %w", b.ID, err)
		}
		res.Bundles++
	}
	return res, nil
}
