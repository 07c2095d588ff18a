// Package swarm is an in-memory registry of swarms, agents and tasks.
// Orchestration hands the task to the analysis engine in a background
// goroutine and parks the result for later queries. Nothing here
// persists across restarts.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/swarmsys/analysis-router/internal/types"
)

// Topology describes how agents in a swarm coordinate.
type Topology string

const (
	TopologyMesh         Topology = "mesh"
	TopologyHierarchical Topology = "hierarchical"
	TopologyRing         Topology = "ring"
	TopologyStar         Topology = "star"
)

// Valid reports whether t is a known topology.
func (t Topology) Valid() bool {
	switch t {
	case TopologyMesh, TopologyHierarchical, TopologyRing, TopologyStar:
		return true
	}
	return false
}

// Strategy describes how work is distributed across a swarm.
type Strategy string

const (
	StrategyBalanced    Strategy = "balanced"
	StrategySpecialized Strategy = "specialized"
	StrategyAdaptive    Strategy = "adaptive"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyBalanced, StrategySpecialized, StrategyAdaptive:
		return true
	}
	return false
}

// AgentType categorizes what an agent is meant to work on.
type AgentType string

const (
	AgentResearcher  AgentType = "researcher"
	AgentCoder       AgentType = "coder"
	AgentAnalyst     AgentType = "analyst"
	AgentOptimizer   AgentType = "optimizer"
	AgentCoordinator AgentType = "coordinator"
)

// Valid reports whether a is a known agent type.
func (a AgentType) Valid() bool {
	switch a {
	case AgentResearcher, AgentCoder, AgentAnalyst, AgentOptimizer, AgentCoordinator:
		return true
	}
	return false
}

// AgentState is the availability of one agent.
type AgentState string

const (
	AgentIdle AgentState = "idle"
	AgentBusy AgentState = "busy"
)

// TaskStatus is the lifecycle state of one orchestrated task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Swarm is one named group of agents. Immutable after creation.
type Swarm struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Topology  Topology  `json:"topology"`
	MaxAgents int       `json:"max_agents"`
	Strategy  Strategy  `json:"strategy"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is one worker slot inside a swarm.
type Agent struct {
	ID           string     `json:"id"`
	SwarmID      string     `json:"swarm_id"`
	Type         AgentType  `json:"type"`
	Name         string     `json:"name"`
	Capabilities []string   `json:"capabilities,omitempty"`
	State        AgentState `json:"state"`
	SpawnedAt    time.Time  `json:"spawned_at"`
}

// Task is one orchestrated analysis run.
type Task struct {
	ID          string                `json:"id"`
	SwarmID     string                `json:"swarm_id"`
	AgentID     string                `json:"agent_id"`
	Description string                `json:"description"`
	Status      TaskStatus            `json:"status"`
	Result      *types.AnalysisResult `json:"result,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Counts are the per-swarm bookkeeping numbers.
type Counts struct {
	Agents         int `json:"agents"`
	IdleAgents     int `json:"idle_agents"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// Analyzer is the slice of the failover engine the registry needs.
type Analyzer interface {
	Analyze(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResult, error)
}

// Registry errors callers can branch on.
var (
	ErrSwarmNotFound = errors.New("swarm not found")
	ErrAgentLimit    = errors.New("agent limit reached")
	ErrNoIdleAgent   = errors.New("no idle agent available")
)

// DefaultMaxAgents caps a swarm when the creator does not say otherwise.
const DefaultMaxAgents = 5

// Registry owns all swarm, agent and task state behind one mutex.
type Registry struct {
	engine Analyzer
	logger *logrus.Logger

	mu     sync.RWMutex
	swarms map[string]*Swarm
	agents map[string]*Agent
	tasks  map[string]*Task

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry bound to an analysis engine.
func NewRegistry(engine Analyzer, logger *logrus.Logger) *Registry {
	return &Registry{
		engine: engine,
		logger: logger,
		swarms: make(map[string]*Swarm),
		agents: make(map[string]*Agent),
		tasks:  make(map[string]*Task),
	}
}

// CreateSwarm registers a new swarm. Empty topology and strategy fall
// back to mesh/balanced; maxAgents <= 0 falls back to DefaultMaxAgents.
func (r *Registry) CreateSwarm(name string, topology Topology, maxAgents int, strategy Strategy) (Swarm, error) {
	if topology == "" {
		topology = TopologyMesh
	}
	if strategy == "" {
		strategy = StrategyBalanced
	}
	if !topology.Valid() {
		return Swarm{}, fmt.Errorf("unknown topology %q", topology)
	}
	if !strategy.Valid() {
		return Swarm{}, fmt.Errorf("unknown strategy %q", strategy)
	}
	if maxAgents <= 0 {
		maxAgents = DefaultMaxAgents
	}

	swarm := &Swarm{
		ID:        uuid.NewString(),
		Name:      name,
		Topology:  topology,
		MaxAgents: maxAgents,
		Strategy:  strategy,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.swarms[swarm.ID] = swarm
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"swarm_id":   swarm.ID,
		"topology":   swarm.Topology,
		"max_agents": swarm.MaxAgents,
		"strategy":   swarm.Strategy,
	}).Info("Swarm created")

	return *swarm, nil
}

// GetSwarm returns a copy of the swarm with the given id.
func (r *Registry) GetSwarm(id string) (Swarm, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	swarm, ok := r.swarms[id]
	if !ok {
		return Swarm{}, false
	}
	return *swarm, true
}

// ListSwarms returns all swarms ordered by creation time.
func (r *Registry) ListSwarms() []Swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Swarm, 0, len(r.swarms))
	for _, s := range r.swarms {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SpawnAgent adds an idle agent to a swarm. A blank name gets a
// readable default derived from the type.
func (r *Registry) SpawnAgent(swarmID string, agentType AgentType, name string, capabilities []string) (Agent, error) {
	if !agentType.Valid() {
		return Agent{}, fmt.Errorf("unknown agent type %q", agentType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	swarm, ok := r.swarms[swarmID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrSwarmNotFound, swarmID)
	}

	count := 0
	for _, a := range r.agents {
		if a.SwarmID == swarmID {
			count++
		}
	}
	if count >= swarm.MaxAgents {
		return Agent{}, fmt.Errorf("%w: swarm %s holds %d agents", ErrAgentLimit, swarmID, count)
	}

	agent := &Agent{
		ID:           uuid.NewString(),
		SwarmID:      swarmID,
		Type:         agentType,
		Name:         name,
		Capabilities: capabilities,
		State:        AgentIdle,
		SpawnedAt:    time.Now(),
	}
	if agent.Name == "" {
		agent.Name = fmt.Sprintf("%s-%s", agentType, agent.ID[:8])
	}
	r.agents[agent.ID] = agent

	r.logger.WithFields(logrus.Fields{
		"swarm_id":   swarmID,
		"agent_id":   agent.ID,
		"agent_type": agent.Type,
		"name":       agent.Name,
	}).Info("Agent spawned")

	return *agent, nil
}

// ListAgents returns the agents of one swarm ordered by spawn time.
func (r *Registry) ListAgents(swarmID string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Agent, 0)
	for _, a := range r.agents {
		if a.SwarmID == swarmID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].SpawnedAt.Before(out[j].SpawnedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OrchestrateTask validates the request, claims an idle agent and runs
// the analysis in a background goroutine. The returned task is a
// snapshot; poll GetTask for progress. Malformed requests and missing
// capacity fail synchronously.
func (r *Registry) OrchestrateTask(swarmID string, req types.AnalysisRequest) (Task, error) {
	if err := req.Validate(); err != nil {
		return Task{}, err
	}

	r.mu.Lock()

	if _, ok := r.swarms[swarmID]; !ok {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("%w: %s", ErrSwarmNotFound, swarmID)
	}

	agent := r.claimIdleAgentLocked(swarmID)
	if agent == nil {
		r.mu.Unlock()
		return Task{}, fmt.Errorf("%w: swarm %s", ErrNoIdleAgent, swarmID)
	}

	task := &Task{
		ID:          uuid.NewString(),
		SwarmID:     swarmID,
		AgentID:     agent.ID,
		Description: req.Prompt,
		Status:      TaskPending,
		CreatedAt:   time.Now(),
	}
	r.tasks[task.ID] = task
	snapshot := *task

	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"swarm_id": swarmID,
		"task_id":  task.ID,
		"agent_id": agent.ID,
	}).Info("Task orchestrated")

	r.wg.Add(1)
	go r.runTask(task.ID, agent.ID, req)

	return snapshot, nil
}

// GetTask returns a copy of the task with the given id.
func (r *Registry) GetTask(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// ListTasks returns the tasks of one swarm ordered by creation time.
func (r *Registry) ListTasks(swarmID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Task, 0)
	for _, t := range r.tasks {
		if t.SwarmID == swarmID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts returns the bookkeeping numbers for one swarm.
func (r *Registry) Counts(swarmID string) (Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.swarms[swarmID]; !ok {
		return Counts{}, fmt.Errorf("%w: %s", ErrSwarmNotFound, swarmID)
	}

	var c Counts
	for _, a := range r.agents {
		if a.SwarmID != swarmID {
			continue
		}
		c.Agents++
		if a.State == AgentIdle {
			c.IdleAgents++
		}
	}
	for _, t := range r.tasks {
		if t.SwarmID != swarmID {
			continue
		}
		switch t.Status {
		case TaskPending:
			c.PendingTasks++
		case TaskRunning:
			c.RunningTasks++
		case TaskCompleted:
			c.CompletedTasks++
		case TaskFailed:
			c.FailedTasks++
		}
	}
	return c, nil
}

// Wait blocks until every background task goroutine has finished.
// Called on shutdown so in-flight analyses can land their results.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// claimIdleAgentLocked picks the longest-idle agent of a swarm and
// marks it busy. Caller holds the write lock.
func (r *Registry) claimIdleAgentLocked(swarmID string) *Agent {
	var pick *Agent
	for _, a := range r.agents {
		if a.SwarmID != swarmID || a.State != AgentIdle {
			continue
		}
		if pick == nil || a.SpawnedAt.Before(pick.SpawnedAt) ||
			(a.SpawnedAt.Equal(pick.SpawnedAt) && a.ID < pick.ID) {
			pick = a
		}
	}
	if pick != nil {
		pick.State = AgentBusy
	}
	return pick
}

func (r *Registry) runTask(taskID, agentID string, req types.AnalysisRequest) {
	defer r.wg.Done()

	r.mu.Lock()
	if task, ok := r.tasks[taskID]; ok {
		task.Status = TaskRunning
	}
	r.mu.Unlock()

	// Detached from the submitter's context: the task outlives the
	// HTTP request that created it.
	result, err := r.engine.Analyze(context.Background(), req)

	now := time.Now()
	r.mu.Lock()
	if agent, ok := r.agents[agentID]; ok {
		agent.State = AgentIdle
	}
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	task.CompletedAt = &now
	switch {
	case err != nil:
		task.Status = TaskFailed
		task.Error = err.Error()
	case !result.Success:
		task.Status = TaskFailed
		task.Result = result
		task.Error = result.Error
	default:
		task.Status = TaskCompleted
		task.Result = result
	}
	status := task.Status
	r.mu.Unlock()

	entry := r.logger.WithFields(logrus.Fields{
		"task_id":  taskID,
		"agent_id": agentID,
		"status":   status,
	})
	if status == TaskCompleted {
		entry.Info("Task completed")
	} else {
		entry.Warn("Task failed")
	}
}
