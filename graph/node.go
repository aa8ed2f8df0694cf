package graph

// NodeType defines the type of a workflow node.
type NodeType string

const (
	// NodeTypeStart marks a workflow entry point.
	NodeTypeStart NodeType = "start"
	// NodeTypeEnd marks a workflow terminal.
	NodeTypeEnd NodeType = "end"
	// NodeTypeIfElse performs conditional branching.
	NodeTypeIfElse NodeType = "logic-if-else"
	// NodeTypeLoop performs loop iteration (for, while, foreach).
	NodeTypeLoop NodeType = "logic-loop"
	// NodeTypeDelay suspends the current path for a configured duration.
	NodeTypeDelay NodeType = "logic-delay"
	// NodeTypeAgent invokes an external AI agent step.
	NodeTypeAgent NodeType = "ai-agent"
	// NodeTypeTransform applies a data transformation step.
	NodeTypeTransform NodeType = "data-transform"
	// NodeTypeFilter applies a data filter step.
	NodeTypeFilter NodeType = "data-filter"
	// NodeTypeAggregate applies a data aggregation step.
	NodeTypeAggregate NodeType = "data-aggregate"
	// NodeTypeValidate applies a data validation step.
	NodeTypeValidate NodeType = "data-validate"
)

// IsExternalStep reports whether the node type is executed through the
// injected StepExecutor rather than by the engine itself.
func (t NodeType) IsExternalStep() bool {
	switch t {
	case NodeTypeAgent, NodeTypeTransform, NodeTypeFilter, NodeTypeAggregate, NodeTypeValidate:
		return true
	default:
		return false
	}
}

// RuntimeStatus reflects the last known execution state of a node. It is
// UI feedback only; the engine keeps its own authoritative run state.
type RuntimeStatus string

const (
	RuntimeStatusIdle      RuntimeStatus = "idle"
	RuntimeStatusRunning   RuntimeStatus = "running"
	RuntimeStatusCompleted RuntimeStatus = "completed"
	RuntimeStatusFailed    RuntimeStatus = "failed"
)

// ComplianceLevel tags a node with its regulatory tier.
type ComplianceLevel string

const (
	// ComplianceNone means the node was not tagged. The validator warns
	// but never errors on untagged nodes.
	ComplianceNone ComplianceLevel = ""
	// ComplianceStandard covers ordinary marketing content steps.
	ComplianceStandard ComplianceLevel = "standard"
	// ComplianceSensitive covers steps touching patient contact data.
	ComplianceSensitive ComplianceLevel = "sensitive"
	// ComplianceClinical is the strictest tier; nodes at this tier must
	// have both encryption and audit logging enabled.
	ComplianceClinical ComplianceLevel = "clinical"
)

// Position is the canvas placement of a node. The engine ignores it.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Node represents a single step in a workflow graph.
type Node struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Name          string          `json:"name,omitempty"`
	Position      Position        `json:"position"`
	Config        NodeConfig      `json:"-"`
	Compliance    ComplianceLevel `json:"compliance,omitempty"`
	Encrypted     bool            `json:"encrypted,omitempty"`
	AuditLogged   bool            `json:"audit_logged,omitempty"`
	RuntimeStatus RuntimeStatus   `json:"runtime_status,omitempty"`
}

// IsTerminal reports whether the node is a start or end marker.
func (n *Node) IsTerminal() bool {
	return n.Type == NodeTypeStart || n.Type == NodeTypeEnd
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	cp := *n
	if n.Config != nil {
		cp.Config = n.Config.cloneConfig()
	}
	return &cp
}
