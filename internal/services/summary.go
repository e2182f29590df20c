package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunCount aggregates row-level outcomes of one sync run
type RunCount struct {
	Total    int `json:"total"`
	Success  int `json:"success"`
	Error    int `json:"error"`
	Children int `json:"children"`
}

// RunSummary is the uniform result of one sync job run. Jobs always return a
// summary, even when they abort; the scheduler and the manual trigger
// endpoint both publish it as-is.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Count      RunCount  `json:"count"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func newRunSummary(job string) *RunSummary {
	return &RunSummary{
		RunID:     uuid.NewString(),
		Job:       job,
		StartedAt: time.Now(),
	}
}

func (s *RunSummary) finish() *RunSummary {
	s.FinishedAt = time.Now()
	s.Success = true
	if s.Message == "" {
		s.Message = fmt.Sprintf("synced %d of %d rows (%d errors, %d children)",
			s.Count.Success, s.Count.Total, s.Count.Error, s.Count.Children)
	}
	return s
}

func (s *RunSummary) fail(err error) *RunSummary {
	s.FinishedAt = time.Now()
	s.Success = false
	s.Message = err.Error()
	return s
}

func (s *RunSummary) empty() *RunSummary {
	s.FinishedAt = time.Now()
	s.Success = true
	s.Message = "upstream returned no rows"
	return s
}
