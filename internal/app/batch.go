package app

import (
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// ErrInvalidBatch is returned when a metrics response yields no usable VU report.
var ErrInvalidBatch = errors.New("batch has no valid VU reports")

type wireStep struct {
	Name          *string    `json:"step_name"`
	Count         *float64   `json:"step_count"`
	Failures      *float64   `json:"step_failure"`
	ResponseTimes *[]float64 `json:"step_response_time"`
	BytesIn       *float64   `json:"step_bytes_in"`
	BytesOut      *float64   `json:"step_bytes_out"`
}

type wireVU struct {
	VUID         *float64    `json:"vu_id"`
	ExecCount    *float64    `json:"ts_exec_count"`
	ExecFailures *float64    `json:"ts_exec_failure"`
	ExecTimes    *[]float64  `json:"ts_exec_time"`
	Steps        *[]wireStep `json:"steps"`
}

// ParseBatch decodes a metrics endpoint response. The payload must be a JSON
// array; items that do not satisfy the VU report schema are dropped and
// counted in invalid. ErrInvalidBatch is returned when nothing valid remains.
func ParseBatch(data []byte) (reports []VUReport, invalid int, err error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, 0, errors.Wrap(err, "response is not a JSON array")
	}

	seen := make(map[int64]bool, len(items))
	for _, raw := range items {
		r, err := decodeVUReport(raw)
		if err != nil || seen[r.VUID] {
			invalid++
			continue
		}
		seen[r.VUID] = true
		reports = append(reports, r)
	}

	if len(reports) == 0 {
		return nil, invalid, errors.Wrapf(ErrInvalidBatch, "%d items, %d invalid", len(items), invalid)
	}
	return reports, invalid, nil
}

func decodeVUReport(raw json.RawMessage) (VUReport, error) {
	var w wireVU
	if err := json.Unmarshal(raw, &w); err != nil {
		return VUReport{}, errors.Wrap(err, "decoding vu report")
	}

	vuID, err := count("vu_id", w.VUID)
	if err != nil {
		return VUReport{}, err
	}
	execCount, err := count("ts_exec_count", w.ExecCount)
	if err != nil {
		return VUReport{}, err
	}
	execFailures, err := count("ts_exec_failure", w.ExecFailures)
	if err != nil {
		return VUReport{}, err
	}
	execTimes, err := samples("ts_exec_time", w.ExecTimes)
	if err != nil {
		return VUReport{}, err
	}
	if w.Steps == nil {
		return VUReport{}, errors.New("steps is required")
	}

	r := VUReport{
		VUID:         vuID,
		ExecCount:    execCount,
		ExecFailures: execFailures,
		ExecTimes:    execTimes,
		Steps:        make([]StepReport, 0, len(*w.Steps)),
	}
	for i, ws := range *w.Steps {
		s, err := decodeStep(ws)
		if err != nil {
			return VUReport{}, errors.Wrapf(err, "step %d", i)
		}
		r.Steps = append(r.Steps, s)
	}
	return r, nil
}

func decodeStep(w wireStep) (StepReport, error) {
	if w.Name == nil || *w.Name == "" {
		return StepReport{}, errors.New("step_name is required")
	}
	var (
		s   = StepReport{Name: *w.Name}
		err error
	)
	if s.Count, err = count("step_count", w.Count); err != nil {
		return StepReport{}, err
	}
	if s.Failures, err = count("step_failure", w.Failures); err != nil {
		return StepReport{}, err
	}
	if s.ResponseTimes, err = samples("step_response_time", w.ResponseTimes); err != nil {
		return StepReport{}, err
	}
	if s.BytesIn, err = count("step_bytes_in", w.BytesIn); err != nil {
		return StepReport{}, err
	}
	if s.BytesOut, err = count("step_bytes_out", w.BytesOut); err != nil {
		return StepReport{}, err
	}
	return s, nil
}

func count(field string, v *float64) (int64, error) {
	if v == nil {
		return 0, errors.Errorf("%s is required", field)
	}
	if *v < 0 || *v != math.Trunc(*v) || *v >= math.MaxInt64 {
		return 0, errors.Errorf("%s must be a non-negative integer, got %v", field, *v)
	}
	return int64(*v), nil
}

func samples(field string, v *[]float64) ([]float64, error) {
	if v == nil {
		return nil, errors.Errorf("%s is required", field)
	}
	for _, x := range *v {
		if x < 0 {
			return nil, errors.Errorf("%s contains negative sample %v", field, x)
		}
	}
	return *v, nil
}
