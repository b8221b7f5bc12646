package models

// MergePatients folds patient fragments into the ArcQuery. The merge is a
// union keyed by UID at every level: existing nodes are never replaced, only
// completed with children and attributes they did not have yet. Merging the
// same fragment twice leaves the tree unchanged.
func (a *ArcQuery) MergePatients(patients []*Patient) {
	a.Patients = mergePatients(a.Patients, patients)
}

// PatientSet accumulates fragments inside a connector before they are handed
// to the merger.
type PatientSet struct {
	patients []*Patient
}

// Add merges one fragment into the set
func (s *PatientSet) Add(p *Patient) {
	s.patients = mergePatients(s.patients, []*Patient{p})
}

// Patients returns the accumulated patients
func (s *PatientSet) Patients() []*Patient {
	return s.patients
}

// Len returns the number of distinct patients
func (s *PatientSet) Len() int {
	return len(s.patients)
}

func mergePatients(dst, src []*Patient) []*Patient {
	index := make(map[string]*Patient, len(dst))
	for _, p := range dst {
		index[p.PatientID] = p
	}
	for _, p := range src {
		if p == nil {
			continue
		}
		existing, ok := index[p.PatientID]
		if !ok {
			c := p.Clone()
			dst = append(dst, c)
			index[c.PatientID] = c
			continue
		}
		if existing == p {
			continue
		}
		fill(&existing.PatientName, p.PatientName)
		fill(&existing.IssuerOfPatientID, p.IssuerOfPatientID)
		fill(&existing.PatientBirthDate, p.PatientBirthDate)
		fill(&existing.PatientSex, p.PatientSex)
		existing.Studies = mergeStudies(existing.Studies, p.Studies)
	}
	return dst
}

func mergeStudies(dst, src []*Study) []*Study {
	index := make(map[string]*Study, len(dst))
	for _, s := range dst {
		index[s.StudyInstanceUID] = s
	}
	for _, s := range src {
		if s == nil {
			continue
		}
		existing, ok := index[s.StudyInstanceUID]
		if !ok {
			c := s.Clone()
			dst = append(dst, c)
			index[c.StudyInstanceUID] = c
			continue
		}
		if existing == s {
			continue
		}
		fill(&existing.StudyDescription, s.StudyDescription)
		fill(&existing.StudyDate, s.StudyDate)
		fill(&existing.StudyTime, s.StudyTime)
		fill(&existing.AccessionNumber, s.AccessionNumber)
		fill(&existing.StudyID, s.StudyID)
		fill(&existing.ReferringPhysicianName, s.ReferringPhysicianName)
		fill(&existing.ModalitiesInStudy, s.ModalitiesInStudy)
		existing.Series = mergeSeries(existing.Series, s.Series)
	}
	return dst
}

func mergeSeries(dst, src []*Serie) []*Serie {
	index := make(map[string]*Serie, len(dst))
	for _, s := range dst {
		index[s.SeriesInstanceUID] = s
	}
	for _, s := range src {
		if s == nil {
			continue
		}
		existing, ok := index[s.SeriesInstanceUID]
		if !ok {
			c := s.Clone()
			dst = append(dst, c)
			index[c.SeriesInstanceUID] = c
			continue
		}
		if existing == s {
			continue
		}
		fill(&existing.SeriesDescription, s.SeriesDescription)
		fill(&existing.SeriesNumber, s.SeriesNumber)
		fill(&existing.Modality, s.Modality)
		existing.Instances = mergeInstances(existing.Instances, s.Instances)
	}
	return dst
}

func mergeInstances(dst, src []*Instance) []*Instance {
	seen := make(map[string]struct{}, len(dst))
	for _, i := range dst {
		seen[i.SOPInstanceUID] = struct{}{}
	}
	for _, i := range src {
		if i == nil {
			continue
		}
		if _, ok := seen[i.SOPInstanceUID]; ok {
			continue
		}
		c := *i
		dst = append(dst, &c)
		seen[c.SOPInstanceUID] = struct{}{}
	}
	return dst
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Clone returns a deep copy of the patient
func (p *Patient) Clone() *Patient {
	c := *p
	c.Studies = nil
	c.Studies = mergeStudies(c.Studies, p.Studies)
	return &c
}

// Clone returns a deep copy of the study
func (s *Study) Clone() *Study {
	c := *s
	c.Series = nil
	c.Series = mergeSeries(c.Series, s.Series)
	return &c
}

// Clone returns a deep copy of the serie
func (s *Serie) Clone() *Serie {
	c := *s
	c.Instances = nil
	c.Instances = mergeInstances(c.Instances, s.Instances)
	return &c
}
