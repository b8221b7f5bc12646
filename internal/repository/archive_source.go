package repository

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrArchiveNotFound is returned when no enabled archive has the given name
var ErrArchiveNotFound = errors.New("archive not found")

// ArchiveSource lists the configured archives
type ArchiveSource interface {
	// List returns the enabled archives ordered by descending priority,
	// then name
	List(ctx context.Context) ([]models.ArchiveConfig, error)
	Get(ctx context.Context, name string) (models.ArchiveConfig, error)
}

// ResolveArchives returns the archives a request applies to. With an
// allow-list the caller's order is kept and unknown names are skipped;
// without one every enabled archive applies.
func ResolveArchives(ctx context.Context, source ArchiveSource, allowList []string) ([]models.ArchiveConfig, error) {
	archives, err := source.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(allowList) == 0 {
		return archives, nil
	}

	byName := make(map[string]models.ArchiveConfig, len(archives))
	for _, a := range archives {
		byName[a.Name] = a
	}
	out := make([]models.ArchiveConfig, 0, len(allowList))
	for _, name := range allowList {
		a, ok := byName[name]
		if !ok {
			log.Warn().Str("archive", name).Msg("Requested archive is not configured")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// sortArchives orders archives by descending priority, then name
func sortArchives(archives []models.ArchiveConfig) {
	slices.SortStableFunc(archives, func(a, b models.ArchiveConfig) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
}
