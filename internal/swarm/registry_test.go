package swarm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmsys/analysis-router/internal/types"
)

// stubAnalyzer stands in for the failover engine. An optional gate
// holds Analyze open so tests can observe busy agents deterministically.
type stubAnalyzer struct {
	result  *types.AnalysisResult
	err     error
	gate    chan struct{}
	lastReq types.AnalysisRequest
}

func (s *stubAnalyzer) Analyze(ctx context.Context, req types.AnalysisRequest) (*types.AnalysisResult, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func okAnalyzer() *stubAnalyzer {
	return &stubAnalyzer{
		result: &types.AnalysisResult{
			Success:      true,
			ProviderID:   "claude-cli",
			Data:         json.RawMessage(`{"ok":true}`),
			WasCleanJSON: true,
		},
	}
}

func createTestRegistry(analyzer Analyzer) *Registry {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return NewRegistry(analyzer, logger)
}

func TestRegistry_CreateSwarm_Defaults(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())

	swarm, err := registry.CreateSwarm("workers", "", 0, "")
	require.NoError(t, err)

	assert.NotEmpty(t, swarm.ID)
	assert.Equal(t, TopologyMesh, swarm.Topology)
	assert.Equal(t, StrategyBalanced, swarm.Strategy)
	assert.Equal(t, DefaultMaxAgents, swarm.MaxAgents)
	assert.False(t, swarm.CreatedAt.IsZero())
}

func TestRegistry_CreateSwarm_Validation(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())

	_, err := registry.CreateSwarm("bad", "pentagram", 3, StrategyBalanced)
	assert.ErrorContains(t, err, "unknown topology")

	_, err = registry.CreateSwarm("bad", TopologyMesh, 3, "chaotic")
	assert.ErrorContains(t, err, "unknown strategy")
}

func TestRegistry_ListSwarms(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())

	first, err := registry.CreateSwarm("alpha", TopologyMesh, 2, StrategyBalanced)
	require.NoError(t, err)
	second, err := registry.CreateSwarm("beta", TopologyStar, 2, StrategyAdaptive)
	require.NoError(t, err)

	swarms := registry.ListSwarms()
	require.Len(t, swarms, 2)
	assert.Equal(t, first.ID, swarms[0].ID)
	assert.Equal(t, second.ID, swarms[1].ID)

	got, ok := registry.GetSwarm(second.ID)
	require.True(t, ok)
	assert.Equal(t, "beta", got.Name)

	_, ok = registry.GetSwarm("missing")
	assert.False(t, ok)
}

func TestRegistry_SpawnAgent(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())
	swarm, err := registry.CreateSwarm("workers", TopologyMesh, 2, StrategyBalanced)
	require.NoError(t, err)

	agent, err := registry.SpawnAgent(swarm.ID, AgentCoder, "", []string{"go", "sql"})
	require.NoError(t, err)

	assert.Equal(t, AgentIdle, agent.State)
	assert.True(t, strings.HasPrefix(agent.Name, "coder-"))
	assert.Equal(t, []string{"go", "sql"}, agent.Capabilities)

	agents := registry.ListAgents(swarm.ID)
	require.Len(t, agents, 1)
	assert.Equal(t, agent.ID, agents[0].ID)
}

func TestRegistry_SpawnAgent_Errors(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())
	swarm, err := registry.CreateSwarm("tiny", TopologyMesh, 1, StrategyBalanced)
	require.NoError(t, err)

	_, err = registry.SpawnAgent(swarm.ID, "wizard", "", nil)
	assert.ErrorContains(t, err, "unknown agent type")

	_, err = registry.SpawnAgent("missing", AgentCoder, "", nil)
	assert.ErrorIs(t, err, ErrSwarmNotFound)

	_, err = registry.SpawnAgent(swarm.ID, AgentCoder, "", nil)
	require.NoError(t, err)
	_, err = registry.SpawnAgent(swarm.ID, AgentAnalyst, "", nil)
	assert.ErrorIs(t, err, ErrAgentLimit)
}

func TestRegistry_OrchestrateTask_Completes(t *testing.T) {
	analyzer := okAnalyzer()
	registry := createTestRegistry(analyzer)
	swarm, err := registry.CreateSwarm("workers", TopologyMesh, 2, StrategyBalanced)
	require.NoError(t, err)
	_, err = registry.SpawnAgent(swarm.ID, AgentAnalyst, "", nil)
	require.NoError(t, err)

	task, err := registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{Prompt: "inspect the logs"})
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)
	assert.NotEmpty(t, task.AgentID)

	registry.Wait()

	done, ok := registry.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.Equal(t, "claude-cli", done.Result.ProviderID)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, "inspect the logs", analyzer.lastReq.Prompt)

	// Agent released after completion
	agents := registry.ListAgents(swarm.ID)
	require.Len(t, agents, 1)
	assert.Equal(t, AgentIdle, agents[0].State)

	counts, err := registry.Counts(swarm.ID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Agents: 1, IdleAgents: 1, CompletedTasks: 1}, counts)
}

func TestRegistry_OrchestrateTask_ExhaustionFails(t *testing.T) {
	analyzer := &stubAnalyzer{
		result: &types.AnalysisResult{
			Success: false,
			Error:   "all providers exhausted: claude-cli, anthropic-api",
		},
	}
	registry := createTestRegistry(analyzer)
	swarm, _ := registry.CreateSwarm("workers", TopologyMesh, 2, StrategyBalanced)
	_, err := registry.SpawnAgent(swarm.ID, AgentAnalyst, "", nil)
	require.NoError(t, err)

	task, err := registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{Prompt: "doomed"})
	require.NoError(t, err)
	registry.Wait()

	done, ok := registry.GetTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, TaskFailed, done.Status)
	assert.Contains(t, done.Error, "all providers exhausted")
}

func TestRegistry_OrchestrateTask_BusyAgents(t *testing.T) {
	analyzer := okAnalyzer()
	analyzer.gate = make(chan struct{})
	registry := createTestRegistry(analyzer)
	swarm, _ := registry.CreateSwarm("workers", TopologyMesh, 1, StrategyBalanced)
	_, err := registry.SpawnAgent(swarm.ID, AgentCoder, "", nil)
	require.NoError(t, err)

	// First task claims the only agent and is held open by the gate
	_, err = registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{Prompt: "first"})
	require.NoError(t, err)

	_, err = registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{Prompt: "second"})
	assert.ErrorIs(t, err, ErrNoIdleAgent)

	close(analyzer.gate)
	registry.Wait()

	// Agent is idle again once the first task lands
	_, err = registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{Prompt: "third"})
	require.NoError(t, err)
	registry.Wait()
}

func TestRegistry_OrchestrateTask_Validation(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())
	swarm, _ := registry.CreateSwarm("workers", TopologyMesh, 2, StrategyBalanced)
	_, err := registry.SpawnAgent(swarm.ID, AgentCoder, "", nil)
	require.NoError(t, err)

	_, err = registry.OrchestrateTask(swarm.ID, types.AnalysisRequest{})
	assert.ErrorIs(t, err, types.ErrMalformedRequest)
	assert.Empty(t, registry.ListTasks(swarm.ID))

	_, err = registry.OrchestrateTask("missing", types.AnalysisRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ErrSwarmNotFound)
}

func TestRegistry_Counts_UnknownSwarm(t *testing.T) {
	registry := createTestRegistry(okAnalyzer())

	_, err := registry.Counts("missing")
	assert.ErrorIs(t, err, ErrSwarmNotFound)
}
