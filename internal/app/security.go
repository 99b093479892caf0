package app

import (
	"time"

	"github.com/pkg/errors"
)

// SecurityReport is the result of the security checks run alongside a load
// test. It is attached to the dashboard when the test is registered.
type SecurityReport struct {
	TestSuite   string                `json:"test_suite"`
	Timestamp   time.Time             `json:"timestamp"`
	TotalChecks int                   `json:"total_checks"`
	Passed      int                   `json:"passed"`
	Failed      int                   `json:"failed"`
	Warnings    int                   `json:"warnings"`
	Summary     map[string]int        `json:"summary,omitempty"` // severity -> count
	Steps       []StepSecurityResults `json:"steps"`
}

// StepSecurityResults groups the checks run against one step's request.
type StepSecurityResults struct {
	StepName   string           `json:"step_name"`
	StepMethod string           `json:"step_method"`
	StepURL    string           `json:"step_url"`
	Passed     int              `json:"passed"`
	Failed     int              `json:"failed"`
	Warnings   int              `json:"warnings"`
	Results    []SecurityResult `json:"results"`
}

type SecurityResult struct {
	CheckID        string `json:"check_id"`
	CheckName      string `json:"check_name"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	Severity       string `json:"severity"`
	Target         string `json:"target"`
	StatusCode     int    `json:"status_code,omitempty"`
	Details        string `json:"details,omitempty"`
	Recommendation string `json:"recommendation,omitempty"`
}

const (
	SecurityPassed  = "passed"
	SecurityFailed  = "failed"
	SecurityWarning = "warning"
)

// SecuritySummary is the four counters shown next to a dashboard.
type SecuritySummary struct {
	TotalChecks int `json:"total_checks"`
	Passed      int `json:"passed"`
	Failed      int `json:"failed"`
	Warnings    int `json:"warnings"`
}

func (r *SecurityReport) Summarize() SecuritySummary {
	return SecuritySummary{
		TotalChecks: r.TotalChecks,
		Passed:      r.Passed,
		Failed:      r.Failed,
		Warnings:    r.Warnings,
	}
}

func (r *SecurityReport) Validate() error {
	if r.TotalChecks < 0 || r.Passed < 0 || r.Failed < 0 || r.Warnings < 0 {
		return errors.New("security report counters must not be negative")
	}
	if r.Passed+r.Failed+r.Warnings > r.TotalChecks {
		return errors.Errorf("security report counts %d results for %d checks",
			r.Passed+r.Failed+r.Warnings, r.TotalChecks)
	}
	for _, step := range r.Steps {
		if step.Passed < 0 || step.Failed < 0 || step.Warnings < 0 {
			return errors.Errorf("step %s: counters must not be negative", step.StepName)
		}
		for _, res := range step.Results {
			switch res.Status {
			case SecurityPassed, SecurityFailed, SecurityWarning:
			default:
				return errors.Errorf("step %s: check %s has unknown status %q", step.StepName, res.CheckID, res.Status)
			}
		}
	}
	return nil
}
