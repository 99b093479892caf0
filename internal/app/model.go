package app

import "time"

// DashboardTarget identifies one monitored load test run.
type DashboardTarget struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"created_at"`
	LoadOptions LoadOptions `json:"load_options"`
	EndAt       string      `json:"end_at,omitempty"`

	// SecurityReport is nil when no security checks ran with the test.
	SecurityReport *SecurityReport `json:"security_report,omitempty"`
}

// LoadOptions is the load profile the test was started with. Only used for display.
type LoadOptions struct {
	Profile    string      `json:"Profile"`
	VUs        int         `json:"VUs"`
	Duration   string      `json:"Duration"`
	RPS        int         `json:"RPS"`
	Stages     []LoadStage `json:"Stages,omitempty"`
	Thresholds []Threshold `json:"Thresholds,omitempty"`
}

type LoadStage struct {
	Target   int    `json:"Target"`
	Duration string `json:"Duration"`
}

type Threshold struct {
	Metric    string  `json:"Metric"`
	Condition string  `json:"Condition"`
	Severity  string  `json:"Severity"`
	Value     float64 `json:"Value"`
}

// VUReport is one virtual user's cumulative snapshot at poll time.
// All durations are nanoseconds.
type VUReport struct {
	VUID         int64        `json:"vu_id"`
	ExecCount    int64        `json:"ts_exec_count"`
	ExecFailures int64        `json:"ts_exec_failure"`
	ExecTimes    []float64    `json:"ts_exec_time"`
	Steps        []StepReport `json:"steps"`
}

// StepReport is a named sub-operation executed by a VU.
type StepReport struct {
	Name          string    `json:"step_name"`
	Count         int64     `json:"step_count"`
	Failures      int64     `json:"step_failure"`
	ResponseTimes []float64 `json:"step_response_time"`
	BytesIn       int64     `json:"step_bytes_in"`
	BytesOut      int64     `json:"step_bytes_out"`
}

// StepCount is the total number of step executions recorded for the VU.
func (r VUReport) StepCount() int64 {
	var n int64
	for _, s := range r.Steps {
		n += s.Count
	}
	return n
}

// Samples returns every step response time of the VU.
func (r VUReport) Samples() []float64 {
	var out []float64
	for _, s := range r.Steps {
		out = append(out, s.ResponseTimes...)
	}
	return out
}
