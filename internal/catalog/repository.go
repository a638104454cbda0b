package catalog

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-lms/seats/internal/models"
)

// Repository reads and maintains the local mirror of the LMS content catalog.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CoursesInCategory returns active course ids tagged with the category.
func (r *Repository) CoursesInCategory(ctx context.Context, categoryID int64) ([]int64, error) {
	const q = `SELECT c.id FROM courses c
		INNER JOIN course_categories cc ON cc.course_id = c.id
		WHERE cc.category_id = $1 AND c.status = 'active'
		ORDER BY c.id`
	return r.ids(ctx, q, categoryID)
}

// CoursesInBundle returns the course ids listed in a bundle, in bundle order.
func (r *Repository) CoursesInBundle(ctx context.Context, bundleID int64) ([]int64, error) {
	const q = `SELECT course_id FROM bundle_courses WHERE bundle_id = $1 ORDER BY position, course_id`
	return r.ids(ctx, q, bundleID)
}

// CourseExists reports whether an active course with the id exists.
func (r *Repository) CourseExists(ctx context.Context, courseID int64) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM courses WHERE id = $1 AND status = 'active')`
	var ok bool
	err := r.pool.QueryRow(ctx, q, courseID).Scan(&ok)
	return ok, err
}

// UpsertCourse inserts or updates a mirrored course.
func (r *Repository) UpsertCourse(ctx context.Context, c *models.Course) error {
	const q = `INSERT INTO courses (id, title, status) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, status = EXCLUDED.status`
	_, err := r.pool.Exec(ctx, q, c.ID, c.Title, c.Status)
	return err
}

// TagCourse adds a course to a category.
func (r *Repository) TagCourse(ctx context.Context, courseID, categoryID int64) error {
	const q = `INSERT INTO course_categories (course_id, category_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, q, courseID, categoryID)
	return err
}

// SetBundle replaces a bundle's course list.
func (r *Repository) SetBundle(ctx context.Context, bundleID int64, title string, courseIDs []int64) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO bundles (id, title) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title`, bundleID, title); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM bundle_courses WHERE bundle_id = $1`, bundleID); err != nil {
			return err
		}
		for i, cid := range courseIDs {
			if _, err := tx.Exec(ctx, `INSERT INTO bundle_courses (bundle_id, course_id, position) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`, bundleID, cid, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) ids(ctx context.Context, q string, arg int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
