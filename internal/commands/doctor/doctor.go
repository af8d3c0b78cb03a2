// Package doctor runs diagnostic checks against the configuration and a
// running broker.
package doctor

import (
	"context"
	"time"
)

// Status represents the result status of a check item.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// CheckItem is a single line item within a check result.
type CheckItem struct {
	Label  string `json:"label"`
	Status Status `json:"-"`
	Detail string `json:"detail,omitempty"`

	// For JSON output
	StatusStr string `json:"status"`
}

// Result is the outcome of one check.
type Result struct {
	Name  string      `json:"name"`
	Items []CheckItem `json:"items"`
}

// Check is a single diagnostic.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// RunAll executes the checks in order, giving each at most timeout.
func RunAll(ctx context.Context, checks []Check, timeout time.Duration) []Result {
	results := make([]Result, 0, len(checks))
	for _, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		result := check.Run(cctx)
		cancel()

		for i := range result.Items {
			result.Items[i].StatusStr = result.Items[i].Status.String()
		}
		results = append(results, result)
	}
	return results
}

// Summary returns counts of passed, warned, and failed items across all results.
func Summary(results []Result) (passed, warned, failed int) {
	for _, r := range results {
		for _, item := range r.Items {
			switch item.Status {
			case StatusPass:
				passed++
			case StatusWarn:
				warned++
			case StatusFail:
				failed++
			}
		}
	}
	return
}
