package manifest

import (
	"maps"
	"slices"
	"sync"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// Query modes written to the arcQuery element, by archive kind
var queryModes = map[models.ArchiveKind]string{
	models.ArchiveKindSQL:      "DB",
	models.ArchiveKindDIMSE:    "PACS_FIND",
	models.ArchiveKindDICOMWeb: "DICOMWEB",
}

// Merger folds archive fragments into one ArcQuery per archive. It is the
// single writer of a build and is safe for concurrent use.
type Merger struct {
	mu         sync.Mutex
	precedence map[string]int
	arcs       map[string]*models.ArcQuery
}

// NewMerger creates a merger. ArcQueries are ordered like archives.
func NewMerger(archives []models.ArchiveConfig) *Merger {
	m := &Merger{
		precedence: make(map[string]int, len(archives)),
		arcs:       make(map[string]*models.ArcQuery),
	}
	for i, a := range archives {
		m.precedence[a.Name] = i
	}
	return m
}

// Merge folds the patients returned by archive into its ArcQuery, creating
// the ArcQuery on first contribution. An empty contribution creates nothing.
func (m *Merger) Merge(archive models.ArchiveConfig, patients []*models.Patient) {
	if len(patients) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	arc, ok := m.arcs[archive.Name]
	if !ok {
		arc = newArcQuery(archive)
		m.arcs[archive.Name] = arc
		if _, known := m.precedence[archive.Name]; !known {
			m.precedence[archive.Name] = len(m.precedence)
		}
	}
	arc.MergePatients(patients)
}

// ArcQueries returns the merged ArcQueries in archive precedence order
func (m *Merger) ArcQueries() []*models.ArcQuery {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := slices.SortedFunc(maps.Keys(m.arcs), func(a, b string) int {
		return m.precedence[a] - m.precedence[b]
	})
	out := make([]*models.ArcQuery, 0, len(names))
	for _, name := range names {
		out = append(out, m.arcs[name])
	}
	return out
}

func newArcQuery(archive models.ArchiveConfig) *models.ArcQuery {
	arc := &models.ArcQuery{
		ArcID:                     archive.Name,
		BaseURL:                   archive.BaseURL,
		RequireOnlySOPInstanceUID: archive.RequireOnlySOPInstanceUID,
		AdditionalParameters:      archive.AdditionalParameters,
		OverrideDicomTagsList:     archive.OverrideDicomTags,
		QueryMode:                 queryModes[archive.Kind],
	}
	for _, key := range slices.Sorted(maps.Keys(archive.HTTPHeaders)) {
		arc.HTTPTags = append(arc.HTTPTags, models.HTTPTag{Key: key, Value: archive.HTTPHeaders[key]})
	}
	return arc
}
