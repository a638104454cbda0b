package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-lms/seats/internal/models"
)

var (
	// ErrInvalidScopeKind is returned for a scope kind other than course, category or bundle.
	ErrInvalidScopeKind = errors.New("invalid scope kind")
	// ErrContentMissing is returned under MissingReject when a scope id no longer exists.
	ErrContentMissing = errors.New("scope references missing content")
)

// Catalog is the read-only view of the content catalog the resolver expands scopes against.
// CoursesInCategory returns active courses only.
type Catalog interface {
	CoursesInCategory(ctx context.Context, categoryID int64) ([]int64, error)
	CoursesInBundle(ctx context.Context, bundleID int64) ([]int64, error)
	CourseExists(ctx context.Context, courseID int64) (bool, error)
}

// MissingPolicy decides what happens to scope ids that no longer resolve.
type MissingPolicy string

const (
	MissingDrop   MissingPolicy = "drop"
	MissingWarn   MissingPolicy = "warn"
	MissingReject MissingPolicy = "reject"
)

// ParseMissingPolicy maps a config value to a policy. Empty means drop.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch p := MissingPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return MissingDrop, nil
	case MissingDrop, MissingWarn, MissingReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown missing content policy %q", s)
	}
}

// Resolver expands a pool scope into the concrete set of courses it grants.
// Results are never cached: category membership changes with the catalog.
type Resolver struct {
	catalog Catalog
	policy  MissingPolicy
	logger  *zap.Logger
}

// NewResolver creates a scope resolver.
func NewResolver(catalog Catalog, policy MissingPolicy, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = MissingDrop
	}
	return &Resolver{catalog: catalog, policy: policy, logger: logger.With(zap.String("component", "scope"))}
}

// Resolve returns the deduplicated, ascending course ids covered by s.
func (r *Resolver) Resolve(ctx context.Context, s models.Scope) ([]int64, error) {
	set := make(map[int64]struct{})
	switch s.Kind {
	case models.ScopeCourse:
		for _, id := range s.IDs {
			ok, err := r.catalog.CourseExists(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("check course %d: %w", id, err)
			}
			if !ok {
				if err := r.missing(s.Kind, id); err != nil {
					return nil, err
				}
				continue
			}
			set[id] = struct{}{}
		}
	case models.ScopeCategory:
		for _, id := range s.IDs {
			courses, err := r.catalog.CoursesInCategory(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("expand category %d: %w", id, err)
			}
			if len(courses) == 0 {
				if err := r.missing(s.Kind, id); err != nil {
					return nil, err
				}
			}
			for _, c := range courses {
				set[c] = struct{}{}
			}
		}
	case models.ScopeBundle:
		for _, id := range s.IDs {
			courses, err := r.catalog.CoursesInBundle(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("expand bundle %d: %w", id, err)
			}
			if len(courses) == 0 {
				if err := r.missing(s.Kind, id); err != nil {
					return nil, err
				}
			}
			// One level only: bundle members are courses, never nested bundles.
			for _, c := range courses {
				ok, err := r.catalog.CourseExists(ctx, c)
				if err != nil {
					return nil, fmt.Errorf("check course %d: %w", c, err)
				}
				if !ok {
					if err := r.missing(models.ScopeCourse, c); err != nil {
						return nil, err
					}
					continue
				}
				set[c] = struct{}{}
			}
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidScopeKind, s.Kind)
	}

	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Resolver) missing(kind models.ScopeKind, id int64) error {
	switch r.policy {
	case MissingReject:
		return fmt.Errorf("%w: %s %d", ErrContentMissing, kind, id)
	case MissingWarn:
		r.logger.Warn("scope content missing, dropped", zap.String("kind", string(kind)), zap.Int64("id", id))
	}
	return nil
}
