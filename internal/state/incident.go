package state

import (
	"flowkernel/internal/record"
)

type Incident struct {
	record.IncidentRecord
	Key int64 `json:"incidentKey"`
}

type IncidentStore struct {
	incidents map[int64]Incident
	byJob     map[int64]int64
}

func NewIncidentStore() *IncidentStore {
	return &IncidentStore{
		incidents: map[int64]Incident{},
		byJob:     map[int64]int64{},
	}
}

func (s *IncidentStore) Get(key int64) (Incident, bool) {
	inc, ok := s.incidents[key]
	return inc, ok
}

// ForJob returns the open incident raised for the job, if any.
func (s *IncidentStore) ForJob(jobKey int64) (Incident, bool) {
	key, ok := s.byJob[jobKey]
	if !ok {
		return Incident{}, false
	}
	return s.incidents[key], true
}

func (s *IncidentStore) Put(inc Incident) {
	s.incidents[inc.Key] = inc
	s.byJob[inc.JobKey] = inc.Key
}

func (s *IncidentStore) Delete(key int64) {
	inc, ok := s.incidents[key]
	if !ok {
		return
	}
	if s.byJob[inc.JobKey] == key {
		delete(s.byJob, inc.JobKey)
	}
	delete(s.incidents, key)
}

func (s *IncidentStore) All() []Incident {
	out := make([]Incident, 0, len(s.incidents))
	for _, key := range sortedKeys(s.incidents) {
		out = append(out, s.incidents[key])
	}
	return out
}
