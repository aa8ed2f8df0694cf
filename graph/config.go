package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeConfig is the tagged union of per-type node configuration payloads.
// Exactly one concrete config type exists per NodeType; the validator and
// the engine switch exhaustively on the concrete type.
type NodeConfig interface {
	cloneConfig() NodeConfig
}

// CompareOp is a comparison operator for if-else conditions.
type CompareOp string

const (
	OpEq       CompareOp = "eq"
	OpNeq      CompareOp = "neq"
	OpGt       CompareOp = "gt"
	OpGte      CompareOp = "gte"
	OpLt       CompareOp = "lt"
	OpLte      CompareOp = "lte"
	OpContains CompareOp = "contains"
)

// Condition is a single comparison over two operands. A string operand
// prefixed with "$" is resolved against the run's variable map.
type Condition struct {
	Operator CompareOp `json:"operator"`
	Left     any       `json:"left"`
	Right    any       `json:"right"`
}

// StartConfig configures a start node. It carries no fields today but
// keeps the union exhaustive.
type StartConfig struct{}

func (c *StartConfig) cloneConfig() NodeConfig { cp := *c; return &cp }

// EndConfig configures an end node.
type EndConfig struct{}

func (c *EndConfig) cloneConfig() NodeConfig { cp := *c; return &cp }

// IfElseConfig configures a conditional branch node.
type IfElseConfig struct {
	Condition    Condition `json:"condition"`
	TrueTargets  []string  `json:"true_targets"`
	FalseTargets []string  `json:"false_targets"`
}

func (c *IfElseConfig) cloneConfig() NodeConfig {
	cp := *c
	cp.TrueTargets = append([]string(nil), c.TrueTargets...)
	cp.FalseTargets = append([]string(nil), c.FalseTargets...)
	return &cp
}

// LoopKind defines the loop sub-mode.
type LoopKind string

const (
	LoopFor     LoopKind = "for"
	LoopWhile   LoopKind = "while"
	LoopForEach LoopKind = "foreach"
)

// LoopConfig configures a loop node.
type LoopConfig struct {
	Kind LoopKind `json:"kind"`
	// Iterations is the fixed pass count for "for" loops.
	Iterations int `json:"iterations,omitempty"`
	// Condition is re-evaluated before each pass for "while" loops.
	Condition *Condition `json:"condition,omitempty"`
	// Collection names the variable iterated by "foreach" loops.
	Collection string `json:"collection,omitempty"`
	// Iterator names the variable bound to each element.
	Iterator string `json:"iterator,omitempty"`
	// MaxIterations bounds "while" loops (0 = engine default).
	MaxIterations int `json:"max_iterations,omitempty"`
	// BodyTargets are the loop body entry nodes.
	BodyTargets []string `json:"body_targets"`
}

func (c *LoopConfig) cloneConfig() NodeConfig {
	cp := *c
	if c.Condition != nil {
		cond := *c.Condition
		cp.Condition = &cond
	}
	cp.BodyTargets = append([]string(nil), c.BodyTargets...)
	return &cp
}

// DelayConfig configures a delay node.
type DelayConfig struct {
	Duration time.Duration `json:"duration"`
}

func (c *DelayConfig) cloneConfig() NodeConfig { cp := *c; return &cp }

// AgentConfig configures an AI agent node. Either Prompt or Template must
// be set.
type AgentConfig struct {
	Prompt    string         `json:"prompt,omitempty"`
	Template  string         `json:"template,omitempty"`
	Model     string         `json:"model,omitempty"`
	OutputKey string         `json:"output_key"`
	Params    map[string]any `json:"params,omitempty"`
}

func (c *AgentConfig) cloneConfig() NodeConfig {
	cp := *c
	if c.Params != nil {
		cp.Params = make(map[string]any, len(c.Params))
		for k, v := range c.Params {
			cp.Params[k] = v
		}
	}
	return &cp
}

// DataConfig configures the data-transform, data-filter, data-aggregate
// and data-validate node types.
type DataConfig struct {
	Expression string `json:"expression"`
	InputKey   string `json:"input_key,omitempty"`
	OutputKey  string `json:"output_key"`
}

func (c *DataConfig) cloneConfig() NodeConfig { cp := *c; return &cp }

// DefaultConfig returns the zero-value config for a node type.
func DefaultConfig(t NodeType) NodeConfig {
	switch t {
	case NodeTypeStart:
		return &StartConfig{}
	case NodeTypeEnd:
		return &EndConfig{}
	case NodeTypeIfElse:
		return &IfElseConfig{}
	case NodeTypeLoop:
		return &LoopConfig{}
	case NodeTypeDelay:
		return &DelayConfig{}
	case NodeTypeAgent:
		return &AgentConfig{}
	case NodeTypeTransform, NodeTypeFilter, NodeTypeAggregate, NodeTypeValidate:
		return &DataConfig{}
	default:
		return nil
	}
}

// nodeEnvelope is the wire form of a Node. Config is serialized as raw
// JSON and decoded into the payload struct matching the node type.
type nodeEnvelope struct {
	ID            string          `json:"id"`
	Type          NodeType        `json:"type"`
	Name          string          `json:"name,omitempty"`
	Position      Position        `json:"position"`
	Config        json.RawMessage `json:"config,omitempty"`
	Compliance    ComplianceLevel `json:"compliance,omitempty"`
	Encrypted     bool            `json:"encrypted,omitempty"`
	AuditLogged   bool            `json:"audit_logged,omitempty"`
	RuntimeStatus RuntimeStatus   `json:"runtime_status,omitempty"`
}

// MarshalJSON serializes the node with its typed config inline.
func (n *Node) MarshalJSON() ([]byte, error) {
	env := nodeEnvelope{
		ID:            n.ID,
		Type:          n.Type,
		Name:          n.Name,
		Position:      n.Position,
		Compliance:    n.Compliance,
		Encrypted:     n.Encrypted,
		AuditLogged:   n.AuditLogged,
		RuntimeStatus: n.RuntimeStatus,
	}
	if n.Config != nil {
		raw, err := json.Marshal(n.Config)
		if err != nil {
			return nil, fmt.Errorf("marshal config for node %s: %w", n.ID, err)
		}
		env.Config = raw
	}
	return json.Marshal(env)
}

// UnmarshalJSON decodes the node and its config payload keyed by type.
func (n *Node) UnmarshalJSON(data []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	n.ID = env.ID
	n.Type = env.Type
	n.Name = env.Name
	n.Position = env.Position
	n.Compliance = env.Compliance
	n.Encrypted = env.Encrypted
	n.AuditLogged = env.AuditLogged
	n.RuntimeStatus = env.RuntimeStatus

	cfg := DefaultConfig(env.Type)
	if cfg == nil {
		return fmt.Errorf("unknown node type: %s", env.Type)
	}
	if len(env.Config) > 0 {
		if err := json.Unmarshal(env.Config, cfg); err != nil {
			return fmt.Errorf("unmarshal config for node %s: %w", env.ID, err)
		}
	}
	n.Config = cfg
	return nil
}
