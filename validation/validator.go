package validation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/careflowhq/careflow/graph"
	"github.com/careflowhq/careflow/types"
)

// Config tunes the validator. All thresholds are deployment-tunable; the
// defaults are starting points, not policy.
type Config struct {
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`

	Severity SeverityThresholds `yaml:"severity" json:"severity"`

	// Performance suggestion thresholds.
	PerfTimeThresholdMs int64   `yaml:"perf_time_threshold_ms" json:"perf_time_threshold_ms"`
	PerfNodeThreshold   int     `yaml:"perf_node_threshold"    json:"perf_node_threshold"`
	PerfEdgeDensity     float64 `yaml:"perf_edge_density"      json:"perf_edge_density"`
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:            5 * time.Second,
		Severity:            DefaultSeverityThresholds(),
		PerfTimeThresholdMs: 10_000,
		PerfNodeThreshold:   20,
		PerfEdgeDensity:     3.0,
	}
}

// Validator runs structural, connectivity, configuration, compliance and
// performance checks over a workflow graph. Validate is a pure function
// of the graph aside from the short-TTL result cache, which exists to
// absorb repeated validation of unchanged graphs during UI refreshes.
type Validator struct {
	config Config
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	result    *Result
	expiresAt time.Time
}

// NewValidator creates a validator.
func NewValidator(config Config, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		config: config,
		logger: logger.With(zap.String("component", "validator")),
		cache:  make(map[string]cacheEntry),
	}
}

// Validate runs every check and returns the collected result. Validation
// findings are returned as data; the only way this can surprise a caller
// is a nil graph, which yields a single structural error.
func (v *Validator) Validate(g *graph.WorkflowGraph) *Result {
	if g == nil {
		return &Result{
			Errors: []Issue{{
				Code:     CodeNoStartNode,
				Message:  "graph is nil",
				Category: types.CategoryValidation,
			}},
			Severity:    RatingCritical,
			ValidatedAt: time.Now(),
		}
	}

	hash := g.ContentHash()

	v.mu.Lock()
	if entry, ok := v.cache[hash]; ok && time.Now().Before(entry.expiresAt) {
		v.mu.Unlock()
		return entry.result
	}
	v.mu.Unlock()

	result := &Result{GraphHash: hash, ValidatedAt: time.Now()}

	v.checkStructural(g, result)
	v.checkConnectivity(g, result)
	v.checkConfiguration(g, result)
	v.checkCompliance(g, result)
	v.estimatePerformance(g, result)
	v.suggestFixes(g, result)

	result.IsValid = !result.HasErrors()
	result.Severity = deriveSeverity(result, v.config.Severity)

	v.mu.Lock()
	v.cache[hash] = cacheEntry{result: result, expiresAt: time.Now().Add(v.config.CacheTTL)}
	v.mu.Unlock()

	v.logger.Debug("graph validated",
		zap.String("graph_id", g.ID),
		zap.Bool("valid", result.IsValid),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)),
		zap.String("severity", string(result.Severity)),
	)

	return result
}

// InvalidateCache drops all cached results. Intended for tests and for
// config hot-reload.
func (v *Validator) InvalidateCache() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// checkStructural verifies start/end node presence and flags orphans.
func (v *Validator) checkStructural(g *graph.WorkflowGraph, result *Result) {
	starts := g.NodesOfType(graph.NodeTypeStart)
	switch {
	case len(starts) == 0:
		result.addError(Issue{
			Code:     CodeNoStartNode,
			Message:  "workflow has no start node",
			Category: types.CategoryValidation,
		})
	case len(starts) > 1:
		result.addWarning(Issue{
			Code:     CodeMultipleStarts,
			Message:  fmt.Sprintf("workflow has %d start nodes; only the first is used", len(starts)),
			Category: types.CategoryValidation,
		})
	}

	if len(g.NodesOfType(graph.NodeTypeEnd)) == 0 {
		result.addError(Issue{
			Code:     CodeNoEndNode,
			Message:  "workflow has no end node",
			Category: types.CategoryValidation,
		})
	}

	for _, n := range g.Nodes {
		if n.IsTerminal() {
			continue
		}
		if g.IncidentEdgeCount(n.ID) == 0 {
			result.addWarning(Issue{
				Code:     CodeOrphanNode,
				Message:  fmt.Sprintf("node %s has no incident edges", n.ID),
				NodeID:   n.ID,
				Category: types.CategoryValidation,
			})
		}
	}
}

// checkConnectivity verifies edge endpoints, self-loops, duplicates and
// cycles.
func (v *Validator) checkConnectivity(g *graph.WorkflowGraph, result *Result) {
	seen := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := g.NodeByID(e.Source); !ok {
			result.addError(Issue{
				Code:     CodeDanglingEdge,
				Message:  fmt.Sprintf("edge %s references missing source node %s", e.ID, e.Source),
				EdgeID:   e.ID,
				Category: types.CategoryValidation,
			})
			continue
		}
		if _, ok := g.NodeByID(e.Target); !ok {
			result.addError(Issue{
				Code:     CodeDanglingEdge,
				Message:  fmt.Sprintf("edge %s references missing target node %s", e.ID, e.Target),
				EdgeID:   e.ID,
				Category: types.CategoryValidation,
			})
			continue
		}

		if e.Source == e.Target {
			result.addError(Issue{
				Code:     CodeSelfLoop,
				Message:  fmt.Sprintf("edge %s is a self-loop on node %s", e.ID, e.Source),
				EdgeID:   e.ID,
				NodeID:   e.Source,
				Category: types.CategoryValidation,
			})
		}

		key := e.Source + "->" + e.Target
		if seen[key] {
			result.addWarning(Issue{
				Code:     CodeDuplicateEdge,
				Message:  fmt.Sprintf("duplicate edge from %s to %s", e.Source, e.Target),
				EdgeID:   e.ID,
				Category: types.CategoryValidation,
			})
		}
		seen[key] = true
	}

	if cycle := findCycle(g); cycle != nil {
		result.addError(Issue{
			Code:      CodeCycleDetected,
			Message:   fmt.Sprintf("cycle detected: %s", strings.Join(cycle, " -> ")),
			NodeID:    cycle[0],
			Category:  types.CategoryValidation,
			CyclePath: cycle,
		})
	}
}

// checkConfiguration validates type-specific required fields. The switch
// is exhaustive over the config union.
func (v *Validator) checkConfiguration(g *graph.WorkflowGraph, result *Result) {
	for _, n := range g.Nodes {
		switch cfg := n.Config.(type) {
		case *graph.StartConfig, *graph.EndConfig, nil:
			// Nothing to configure.
		case *graph.IfElseConfig:
			if cfg.Condition.Operator == "" {
				result.addError(Issue{
					Code:     CodeMissingCondition,
					Message:  fmt.Sprintf("if-else node %s has no condition operator", n.ID),
					NodeID:   n.ID,
					Category: types.CategoryValidation,
				})
			}
		case *graph.LoopConfig:
			switch cfg.Kind {
			case graph.LoopFor:
				if cfg.Iterations <= 0 {
					result.addError(Issue{
						Code:     CodeBadLoopConfig,
						Message:  fmt.Sprintf("for loop %s requires a positive iteration count", n.ID),
						NodeID:   n.ID,
						Category: types.CategoryValidation,
					})
				}
			case graph.LoopWhile:
				if cfg.Condition == nil || cfg.Condition.Operator == "" {
					result.addError(Issue{
						Code:     CodeBadLoopConfig,
						Message:  fmt.Sprintf("while loop %s requires a condition", n.ID),
						NodeID:   n.ID,
						Category: types.CategoryValidation,
					})
				}
			case graph.LoopForEach:
				if cfg.Collection == "" || cfg.Iterator == "" {
					result.addError(Issue{
						Code:     CodeBadLoopConfig,
						Message:  fmt.Sprintf("foreach loop %s requires collection and iterator names", n.ID),
						NodeID:   n.ID,
						Category: types.CategoryValidation,
					})
				}
			default:
				result.addError(Issue{
					Code:     CodeBadLoopConfig,
					Message:  fmt.Sprintf("loop %s has unknown kind %q", n.ID, cfg.Kind),
					NodeID:   n.ID,
					Category: types.CategoryValidation,
				})
			}
		case *graph.DelayConfig:
			if cfg.Duration <= 0 {
				result.addError(Issue{
					Code:     CodeBadDelay,
					Message:  fmt.Sprintf("delay node %s requires a positive duration", n.ID),
					NodeID:   n.ID,
					Category: types.CategoryValidation,
				})
			}
		case *graph.AgentConfig:
			if cfg.Prompt == "" && cfg.Template == "" {
				result.addError(Issue{
					Code:     CodeMissingPrompt,
					Message:  fmt.Sprintf("agent node %s requires a prompt or template", n.ID),
					NodeID:   n.ID,
					Category: types.CategoryValidation,
				})
			}
		case *graph.DataConfig:
			if cfg.Expression == "" || cfg.OutputKey == "" {
				result.addError(Issue{
					Code:     CodeBadDataConfig,
					Message:  fmt.Sprintf("data node %s requires an expression and output key", n.ID),
					NodeID:   n.ID,
					Category: types.CategoryValidation,
				})
			}
		}
	}
}

// checkCompliance enforces the clinical-tier predicate and warns on
// untagged nodes. Untagged nodes never fail validation on compliance
// grounds alone.
func (v *Validator) checkCompliance(g *graph.WorkflowGraph, result *Result) {
	report := &ComplianceReport{Passed: true}

	for _, n := range g.Nodes {
		if n.IsTerminal() {
			continue
		}
		report.CheckedNodes++

		switch n.Compliance {
		case graph.ComplianceClinical:
			report.ClinicalNodes++
			if !n.Encrypted || !n.AuditLogged {
				report.Passed = false
				report.Violations = append(report.Violations, n.ID)
				result.addError(Issue{
					Code:     CodeComplianceGap,
					Message:  fmt.Sprintf("clinical node %s requires encryption and audit logging", n.ID),
					NodeID:   n.ID,
					Category: types.CategorySensitiveData,
				})
			}
		case graph.ComplianceNone:
			report.UntaggedNodes = append(report.UntaggedNodes, n.ID)
			result.addWarning(Issue{
				Code:     CodeUntaggedNode,
				Message:  fmt.Sprintf("node %s has no compliance tag", n.ID),
				NodeID:   n.ID,
				Category: types.CategoryValidation,
			})
		}
	}

	result.Compliance = report
}

// nodeCostMs are fixed per-type execution time heuristics.
var nodeCostMs = map[graph.NodeType]int64{
	graph.NodeTypeStart:     0,
	graph.NodeTypeEnd:       0,
	graph.NodeTypeIfElse:    5,
	graph.NodeTypeLoop:      10,
	graph.NodeTypeDelay:     0, // configured duration added separately
	graph.NodeTypeAgent:     2000,
	graph.NodeTypeTransform: 50,
	graph.NodeTypeFilter:    30,
	graph.NodeTypeAggregate: 80,
	graph.NodeTypeValidate:  40,
}

// nodeCostUnits are fixed per-type billing cost heuristics.
var nodeCostUnits = map[graph.NodeType]float64{
	graph.NodeTypeAgent:     10,
	graph.NodeTypeTransform: 1,
	graph.NodeTypeFilter:    1,
	graph.NodeTypeAggregate: 2,
	graph.NodeTypeValidate:  1,
}

// estimatePerformance sums per-type heuristics and emits a non-blocking
// suggestion when the graph crosses the configured thresholds.
func (v *Validator) estimatePerformance(g *graph.WorkflowGraph, result *Result) {
	est := &PerformanceEstimate{}

	for _, n := range g.Nodes {
		est.EstimatedExecutionTimeMs += nodeCostMs[n.Type]
		est.EstimatedCostUnits += nodeCostUnits[n.Type]

		if cfg, ok := n.Config.(*graph.DelayConfig); ok {
			est.EstimatedExecutionTimeMs += cfg.Duration.Milliseconds()
		}
		if cfg, ok := n.Config.(*graph.LoopConfig); ok && cfg.Kind == graph.LoopFor {
			// A for loop re-runs its body; approximate with the loop cost
			// scaled by iterations.
			est.EstimatedExecutionTimeMs += nodeCostMs[graph.NodeTypeLoop] * int64(cfg.Iterations)
		}
	}

	density := 0.0
	if len(g.Nodes) > 0 {
		density = float64(len(g.Edges)) / float64(len(g.Nodes))
	}

	over := 0
	if est.EstimatedExecutionTimeMs > v.config.PerfTimeThresholdMs {
		over++
	}
	if len(g.Nodes) > v.config.PerfNodeThreshold {
		over++
	}
	if density > v.config.PerfEdgeDensity {
		over++
	}
	est.OptimizationPotential = float64(over) / 3.0 * 100.0

	if over > 0 {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: fmt.Sprintf(
				"workflow is heavy (est %dms, %d nodes, density %.1f); consider splitting or parallelizing",
				est.EstimatedExecutionTimeMs, len(g.Nodes), density),
		})
	}

	result.Performance = est
}

// suggestFixes attaches auto-fix suggestions for fixable findings.
func (v *Validator) suggestFixes(g *graph.WorkflowGraph, result *Result) {
	has := func(code IssueCode, issues []Issue) bool {
		for _, i := range issues {
			if i.Code == code {
				return true
			}
		}
		return false
	}

	if has(CodeNoStartNode, result.Errors) {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: "insert a start node connected to the first unconnected node",
			Fix:     FixInsertStartNode,
		})
	}
	if has(CodeNoEndNode, result.Errors) {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: "insert an end node reachable from the last nodes",
			Fix:     FixInsertEndNode,
		})
	}
	if has(CodeOrphanNode, result.Warnings) {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: "connect orphaned nodes to the nearest connected node",
			Fix:     FixConnectOrphans,
		})
	}
	if has(CodeDuplicateEdge, result.Warnings) {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: "remove duplicate edges",
			Fix:     FixRemoveDuplicateEdges,
		})
	}
	if has(CodeSelfLoop, result.Errors) {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Message: "remove self-loop edges",
			Fix:     FixRemoveSelfLoops,
		})
	}
}
