package manifest

import (
	"slices"
	"strings"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// studyFilter reports whether a study is kept
type studyFilter func(*models.Study) bool

// Apply runs the post-merge filters over m in place: modality, description,
// date range, most recent N per patient, then removal of patients left
// without studies. Filters whose criterion is empty do nothing.
func Apply(m *models.Manifest, c *models.SearchCriteria) {
	filters := []studyFilter{
		modalityFilter(c.Modalities),
		descriptionFilter(c.DescriptionTerms),
		dateRangeFilter(c.LowerDateTime, c.UpperDateTime),
	}

	for _, arc := range m.ArcQueries {
		for _, p := range arc.Patients {
			for _, keep := range filters {
				if keep != nil {
					p.Studies = slices.DeleteFunc(p.Studies, func(s *models.Study) bool { return !keep(s) })
				}
			}
			p.Studies = mostRecent(p.Studies, c.MostRecentResults)
		}
		arc.Patients = slices.DeleteFunc(arc.Patients, func(p *models.Patient) bool { return len(p.Studies) == 0 })
	}
}

func modalityFilter(modalities []string) studyFilter {
	if len(modalities) == 0 {
		return nil
	}
	return func(s *models.Study) bool {
		for _, m := range s.Modalities() {
			if slices.Contains(modalities, strings.ToUpper(m)) {
				return true
			}
		}
		return false
	}
}

func descriptionFilter(terms []string) studyFilter {
	if len(terms) == 0 {
		return nil
	}
	return func(s *models.Study) bool {
		return criteria.ContainsAny(s.StudyDescription, terms)
	}
}

// dateRangeFilter keeps studies strictly after lower and strictly before
// upper. Undated studies are dropped when a bound is set.
func dateRangeFilter(lower, upper *time.Time) studyFilter {
	if lower == nil && upper == nil {
		return nil
	}
	return func(s *models.Study) bool {
		t, ok := s.DateTime()
		if !ok {
			return false
		}
		if lower != nil && !t.After(*lower) {
			return false
		}
		if upper != nil && !t.Before(*upper) {
			return false
		}
		return true
	}
}

// mostRecent keeps the n latest studies. When over the cap, undated studies
// go first. Kept studies retain their order.
func mostRecent(studies []*models.Study, n int) []*models.Study {
	if n <= 0 || len(studies) <= n {
		return studies
	}
	studies = slices.DeleteFunc(studies, func(s *models.Study) bool {
		_, ok := s.DateTime()
		return !ok
	})
	if len(studies) <= n {
		return studies
	}

	byDate := slices.Clone(studies)
	slices.SortStableFunc(byDate, func(a, b *models.Study) int {
		ta, _ := a.DateTime()
		tb, _ := b.DateTime()
		return tb.Compare(ta)
	})
	kept := make(map[*models.Study]bool, n)
	for _, s := range byDate[:n] {
		kept[s] = true
	}
	return slices.DeleteFunc(studies, func(s *models.Study) bool { return !kept[s] })
}
