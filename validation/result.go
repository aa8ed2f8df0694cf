package validation

import (
	"time"

	"github.com/careflowhq/careflow/types"
)

// IssueCode identifies a single validation condition. A condition is
// either always an error or always a warning, never both.
type IssueCode string

const (
	CodeNoStartNode      IssueCode = "NO_START_NODE"
	CodeMultipleStarts   IssueCode = "MULTIPLE_START_NODES"
	CodeNoEndNode        IssueCode = "NO_END_NODE"
	CodeOrphanNode       IssueCode = "ORPHAN_NODE"
	CodeDanglingEdge     IssueCode = "DANGLING_EDGE"
	CodeSelfLoop         IssueCode = "SELF_LOOP"
	CodeDuplicateEdge    IssueCode = "DUPLICATE_EDGE"
	CodeCycleDetected    IssueCode = "CYCLE_DETECTED"
	CodeMissingCondition IssueCode = "MISSING_CONDITION"
	CodeBadLoopConfig    IssueCode = "BAD_LOOP_CONFIG"
	CodeMissingPrompt    IssueCode = "MISSING_PROMPT"
	CodeBadDelay         IssueCode = "BAD_DELAY"
	CodeBadDataConfig    IssueCode = "BAD_DATA_CONFIG"
	CodeComplianceGap    IssueCode = "COMPLIANCE_GAP"
	CodeUntaggedNode     IssueCode = "UNTAGGED_COMPLIANCE"
)

// Issue is a single validation finding.
type Issue struct {
	Code      IssueCode      `json:"code"`
	Message   string         `json:"message"`
	NodeID    string         `json:"node_id,omitempty"`
	EdgeID    string         `json:"edge_id,omitempty"`
	Category  types.Category `json:"category"`
	CyclePath []string       `json:"cycle_path,omitempty"`
}

// Suggestion is a non-blocking improvement hint. Fix, when set, names a
// pure transformation the caller may apply via ApplyFix.
type Suggestion struct {
	Message string  `json:"message"`
	Fix     FixKind `json:"fix,omitempty"`
}

// ComplianceReport summarizes the compliance check.
type ComplianceReport struct {
	CheckedNodes  int      `json:"checked_nodes"`
	ClinicalNodes int      `json:"clinical_nodes"`
	UntaggedNodes []string `json:"untagged_nodes,omitempty"`
	Violations    []string `json:"violations,omitempty"`
	Passed        bool     `json:"passed"`
}

// PerformanceEstimate is a per-type heuristic cost projection.
type PerformanceEstimate struct {
	EstimatedExecutionTimeMs int64   `json:"estimated_execution_time_ms"`
	EstimatedCostUnits       float64 `json:"estimated_cost_units"`
	OptimizationPotential    float64 `json:"optimization_potential"`
}

// Rating is the derived severity of a validation result.
type Rating string

const (
	RatingLow      Rating = "low"
	RatingMedium   Rating = "medium"
	RatingHigh     Rating = "high"
	RatingCritical Rating = "critical"
)

// Result is the outcome of validating a graph. It is returned as data,
// never as an error: a failing validation is still a successful call.
type Result struct {
	IsValid     bool                 `json:"is_valid"`
	Errors      []Issue              `json:"errors"`
	Warnings    []Issue              `json:"warnings"`
	Suggestions []Suggestion         `json:"suggestions,omitempty"`
	Compliance  *ComplianceReport    `json:"compliance,omitempty"`
	Performance *PerformanceEstimate `json:"performance,omitempty"`
	Severity    Rating               `json:"severity"`
	GraphHash   string               `json:"graph_hash"`
	ValidatedAt time.Time            `json:"validated_at"`
}

// HasErrors reports whether the graph failed any blocking check.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *Result) addError(issue Issue) {
	r.Errors = append(r.Errors, issue)
}

func (r *Result) addWarning(issue Issue) {
	r.Warnings = append(r.Warnings, issue)
}

// criticalCategories are the error categories that force a critical
// rating regardless of issue counts.
var criticalCategories = map[types.Category]bool{
	types.CategorySensitiveData:   true,
	types.CategoryDecisionSupport: true,
}

// SeverityThresholds define the issue-count cutoffs for the derived
// rating. The defaults follow operational experience, not a published
// policy, so deployments may tune them.
type SeverityThresholds struct {
	MediumMaxWarnings int `yaml:"medium_max_warnings" json:"medium_max_warnings"`
	HighMaxErrors     int `yaml:"high_max_errors"     json:"high_max_errors"`
	HighMaxWarnings   int `yaml:"high_max_warnings"   json:"high_max_warnings"`
}

// DefaultSeverityThresholds returns the default rating cutoffs.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{
		MediumMaxWarnings: 3,
		HighMaxErrors:     2,
		HighMaxWarnings:   5,
	}
}

// deriveSeverity computes the rating from the collected issues.
func deriveSeverity(r *Result, th SeverityThresholds) Rating {
	for _, issue := range r.Errors {
		if criticalCategories[issue.Category] {
			return RatingCritical
		}
	}

	errs, warns := len(r.Errors), len(r.Warnings)
	switch {
	case errs == 0 && warns == 0:
		return RatingLow
	case errs == 0 && warns <= th.MediumMaxWarnings:
		return RatingMedium
	case errs <= th.HighMaxErrors && warns <= th.HighMaxWarnings:
		return RatingHigh
	default:
		return RatingCritical
	}
}
