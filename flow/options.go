package flow

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/dshills/agentflow-go/flow/emit"
	"github.com/dshills/agentflow-go/flow/memory"
	"github.com/dshills/agentflow-go/flow/tool"
)

// Defaults for the engine's safety limits.
const (
	// DefaultMaxNodeExecutions caps how many times a single node may run in
	// one run before the circuit breaker trips.
	DefaultMaxNodeExecutions = 100

	// DefaultMaxSubflowDepth bounds nested sub-workflow recursion.
	DefaultMaxSubflowDepth = 10

	// DefaultMaxToolIterations caps an agent's tool-calling loop.
	DefaultMaxToolIterations = 10

	// DefaultMaxLoopIterations bounds a while-loop whose node data does not
	// set its own limit.
	DefaultMaxLoopIterations = 10

	// DefaultHITLTimeout is how long a gate request waits for a reviewer.
	DefaultHITLTimeout = 5 * time.Minute

	// DefaultBranchTimeout bounds each parallel branch.
	DefaultBranchTimeout = 5 * time.Minute
)

// engineConfig holds the effective configuration of an engine or a single
// run. Execute clones the engine's config and applies per-run options over
// the clone, so runs never mutate each other.
type engineConfig struct {
	sessionID           string
	defaultModel        string
	maxNodeExecutions   int
	maxSubflowDepth     int
	maxToolIterations   int
	onMaxToolIterations string
	hitlTimeout         time.Duration

	memory       memory.Adapter
	subflows     *SubflowRegistry
	tools        *tool.Registry
	evaluators   map[string]Evaluator
	tokenCounter TokenCounter
	compaction   *Compaction
	callbacks    Callbacks
	emitter      emit.Emitter
	metrics      *Metrics
	costs        *CostTracker
	handlers     map[NodeKind]Handler

	nodeOverrides map[string]map[string]interface{}
	debug         bool
}

func defaultConfig() engineConfig {
	return engineConfig{
		maxNodeExecutions:   DefaultMaxNodeExecutions,
		maxSubflowDepth:     DefaultMaxSubflowDepth,
		maxToolIterations:   DefaultMaxToolIterations,
		onMaxToolIterations: OnMaxWarning,
		hitlTimeout:         DefaultHITLTimeout,
		emitter:             emit.NewNullEmitter(),
		handlers:            defaultHandlers(),
	}
}

// clone copies the config deeply enough that per-run option application
// cannot leak into the engine's base configuration.
func (c engineConfig) clone() engineConfig {
	out := c
	out.evaluators = maps.Clone(c.evaluators)
	out.handlers = maps.Clone(c.handlers)
	out.nodeOverrides = maps.Clone(c.nodeOverrides)
	return out
}

// Option configures an Engine at construction or a single run at Execute.
type Option func(*engineConfig) error

// WithSessionID pins the session identifier used to scope memory and shared
// sub-workflow state. Empty (the default) generates a fresh UUID per run.
func WithSessionID(id string) Option {
	return func(c *engineConfig) error {
		c.sessionID = id
		return nil
	}
}

// WithDefaultModel sets the model used by LLM nodes that do not name one.
func WithDefaultModel(model string) Option {
	return func(c *engineConfig) error {
		c.defaultModel = model
		return nil
	}
}

// WithMaxNodeExecutions sets the per-node circuit-breaker cap.
func WithMaxNodeExecutions(n int) Option {
	return func(c *engineConfig) error {
		if n <= 0 {
			return fmt.Errorf("max node executions must be positive, got %d", n)
		}
		c.maxNodeExecutions = n
		return nil
	}
}

// WithMaxSubflowDepth sets the sub-workflow recursion limit.
func WithMaxSubflowDepth(n int) Option {
	return func(c *engineConfig) error {
		if n <= 0 {
			return fmt.Errorf("max subflow depth must be positive, got %d", n)
		}
		c.maxSubflowDepth = n
		return nil
	}
}

// WithMaxToolIterations sets the default tool-loop cap for agent nodes that
// do not configure their own.
func WithMaxToolIterations(n int) Option {
	return func(c *engineConfig) error {
		if n <= 0 {
			return fmt.Errorf("max tool iterations must be positive, got %d", n)
		}
		c.maxToolIterations = n
		return nil
	}
}

// WithOnMaxToolIterations sets the default behavior when an agent's tool
// loop hits its cap: OnMaxWarning, OnMaxError, or OnMaxHITL.
func WithOnMaxToolIterations(mode string) Option {
	return func(c *engineConfig) error {
		switch mode {
		case OnMaxWarning, OnMaxError, OnMaxHITL:
			c.onMaxToolIterations = mode
			return nil
		default:
			return fmt.Errorf("unknown on-max-tool-iterations mode %q", mode)
		}
	}
}

// WithHITLTimeout sets how long gate requests wait for a reviewer before
// resolving as a timeout rejection.
func WithHITLTimeout(d time.Duration) Option {
	return func(c *engineConfig) error {
		if d <= 0 {
			return errors.New("hitl timeout must be positive")
		}
		c.hitlTimeout = d
		return nil
	}
}

// WithMemory attaches a long-term memory adapter for memory nodes and
// evaluators.
func WithMemory(a memory.Adapter) Option {
	return func(c *engineConfig) error {
		c.memory = a
		return nil
	}
}

// WithSubflows attaches the registry subflow nodes resolve definitions from.
func WithSubflows(r *SubflowRegistry) Option {
	return func(c *engineConfig) error {
		c.subflows = r
		return nil
	}
}

// WithTools attaches the registry agents and tool nodes execute tools from.
func WithTools(r *tool.Registry) Option {
	return func(c *engineConfig) error {
		c.tools = r
		return nil
	}
}

// WithEvaluator registers a named while-loop condition evaluator.
func WithEvaluator(name string, ev Evaluator) Option {
	return func(c *engineConfig) error {
		if name == "" {
			return errors.New("evaluator name must not be empty")
		}
		if ev == nil {
			return fmt.Errorf("evaluator %q must not be nil", name)
		}
		if c.evaluators == nil {
			c.evaluators = make(map[string]Evaluator)
		}
		c.evaluators[name] = ev
		return nil
	}
}

// WithTokenCounter sets the estimator used for compaction trigger checks.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *engineConfig) error {
		c.tokenCounter = tc
		return nil
	}
}

// WithCompaction enables history compaction with the given policy. A token
// counter is required for the trigger check; WithCompaction installs the
// heuristic counter when none is configured.
func WithCompaction(comp *Compaction) Option {
	return func(c *engineConfig) error {
		c.compaction = comp
		if c.tokenCounter == nil {
			c.tokenCounter = HeuristicCounter{}
		}
		return nil
	}
}

// WithCallbacks sets the streaming and lifecycle callbacks delivered during
// runs. Unset callback fields are simply skipped.
func WithCallbacks(cb Callbacks) Option {
	return func(c *engineConfig) error {
		c.callbacks = cb
		return nil
	}
}

// WithEmitter routes execution events to the given emitter.
func WithEmitter(em emit.Emitter) Option {
	return func(c *engineConfig) error {
		if em == nil {
			return errors.New("emitter must not be nil")
		}
		c.emitter = em
		return nil
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *Metrics) Option {
	return func(c *engineConfig) error {
		c.metrics = m
		return nil
	}
}

// WithCostTracker attaches an LLM cost tracker.
func WithCostTracker(ct *CostTracker) Option {
	return func(c *engineConfig) error {
		c.costs = ct
		return nil
	}
}

// WithHandler registers or replaces the handler for a node kind. This is
// the extension point for custom kinds and for stubbing kinds in tests.
func WithHandler(kind NodeKind, h Handler) Option {
	return func(c *engineConfig) error {
		if kind == "" {
			return errors.New("handler kind must not be empty")
		}
		if h == nil {
			return fmt.Errorf("handler for kind %q must not be nil", kind)
		}
		if c.handlers == nil {
			c.handlers = make(map[NodeKind]Handler)
		}
		c.handlers[kind] = h
		return nil
	}
}

// WithNodeOverride overlays partial node data for one node id at run time,
// leaving the workflow document untouched. Field names are the NodeData
// JSON names, e.g. "model" or "prompt".
func WithNodeOverride(nodeID string, data map[string]interface{}) Option {
	return func(c *engineConfig) error {
		if nodeID == "" {
			return errors.New("node override id must not be empty")
		}
		if c.nodeOverrides == nil {
			c.nodeOverrides = make(map[string]map[string]interface{})
		}
		c.nodeOverrides[nodeID] = data
		return nil
	}
}

// WithDebug turns on verbose event metadata.
func WithDebug(enabled bool) Option {
	return func(c *engineConfig) error {
		c.debug = enabled
		return nil
	}
}
