package state

import (
	"flowkernel/internal/record"
)

type Job struct {
	record.JobRecord
	Key   int64           `json:"jobKey"`
	State record.JobState `json:"state"`
}

func (j Job) Clone() Job {
	out := j
	out.JobRecord = j.JobRecord.Clone()
	return out
}

// Activatable reports whether a worker may claim the job.
func (j Job) Activatable() bool { return j.State == record.JobActivatable }

// JobStore keeps live jobs. Completed and canceled jobs are removed; failed
// jobs without retries stay until their incident is resolved.
type JobStore struct {
	jobs map[int64]Job
}

func NewJobStore() *JobStore {
	return &JobStore{jobs: map[int64]Job{}}
}

func (s *JobStore) Get(key int64) (Job, bool) {
	j, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

func (s *JobStore) Put(j Job) {
	s.jobs[j.Key] = j.Clone()
}

func (s *JobStore) Delete(key int64) {
	delete(s.jobs, key)
}

// Activatable returns the activatable jobs of jobType in key order.
func (s *JobStore) Activatable(jobType string) []Job {
	var out []Job
	for _, key := range sortedKeys(s.jobs) {
		j := s.jobs[key]
		if j.Type == jobType && j.Activatable() {
			out = append(out, j.Clone())
		}
	}
	return out
}

// Expired returns the keys of activated jobs whose deadline is at or before
// now, in key order.
func (s *JobStore) Expired(now int64) []int64 {
	var out []int64
	for _, key := range sortedKeys(s.jobs) {
		j := s.jobs[key]
		if j.State == record.JobActivated && j.Deadline > 0 && j.Deadline <= now {
			out = append(out, key)
		}
	}
	return out
}

func (s *JobStore) All() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, key := range sortedKeys(s.jobs) {
		out = append(out, s.jobs[key].Clone())
	}
	return out
}
