package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/types"
)

// Scenario names.
const (
	ScenarioNormal          = "normal"
	ScenarioMissingChunks   = "missing_chunks"
	ScenarioOfflineRecovery = "offline_recovery"
	ScenarioAll             = "all"
)

// Scenarios lists the runnable scenarios in the order "all" runs them.
var Scenarios = []string{ScenarioNormal, ScenarioMissingChunks, ScenarioOfflineRecovery}

// Scenario outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// ErrUnknownScenario is returned for a scenario name not in Scenarios.
var ErrUnknownScenario = errors.New("unknown scenario")

// ErrNoSpool is returned for send_image commands when no spool is set.
var ErrNoSpool = errors.New("no spool configured")

// Frames produces artifacts for the simulator.
type Frames interface {
	Next() transfer.Artifact
	Backlog(n int) []transfer.Source
}

// Lookup resolves a send_image command to a stored artifact.
type Lookup func(name string) (transfer.Source, error)

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	// Drop lists chunk indices withheld on the first pass of missing_chunks.
	Drop []int
	// Backlog is the offline_recovery backlog size.
	Backlog int
	// Settle separates the status announcement from the first transfer.
	Settle time.Duration
	// Pause separates consecutive scenarios.
	Pause time.Duration
}

// DefaultSimulatorConfig returns the simulator defaults.
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Drop:    []int{2, 5, 8},
		Backlog: 3,
		Settle:  2 * time.Second,
		Pause:   2 * time.Second,
	}
}

// ScenarioResult summarizes one scenario run.
type ScenarioResult struct {
	Scenario     string `json:"scenario"`
	Outcome      string `json:"outcome"`
	Artifacts    int    `json:"artifacts"`
	Retries      int    `json:"retries"`
	ChunksResent int    `json:"chunks_resent"`
	NextWake     string `json:"next_wake,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Passed reports whether the scenario succeeded.
func (r ScenarioResult) Passed() bool { return r.Outcome == OutcomeSucceeded }

// Simulator drives an Agent through scripted device scenarios and serves
// inbound commands.
type Simulator struct {
	agent  *Agent
	frames Frames
	lookup Lookup
	cfg    SimulatorConfig
}

// NewSimulator creates a simulator over a started agent. lookup may be nil.
func NewSimulator(a *Agent, frames Frames, lookup Lookup, cfg SimulatorConfig) *Simulator {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultSimulatorConfig().Backlog
	}
	return &Simulator{agent: a, frames: frames, lookup: lookup, cfg: cfg}
}

// Run executes scenario, or every scenario for ScenarioAll. Scenario
// failures are reported in the results; the error is reserved for unknown
// scenarios and cancellation.
func (s *Simulator) Run(ctx context.Context, scenario string) ([]ScenarioResult, error) {
	names := []string{scenario}
	if scenario == ScenarioAll {
		names = Scenarios
	}
	for _, name := range names {
		if !slices.Contains(Scenarios, name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
		}
	}

	results := make([]ScenarioResult, 0, len(names))
	for i, name := range names {
		if i > 0 {
			if err := sleep(ctx, s.agent, s.cfg.Pause); err != nil {
				return results, err
			}
		}
		res := s.runOne(ctx, name)
		results = append(results, res)
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (s *Simulator) runOne(ctx context.Context, name string) ScenarioResult {
	s.agent.logger.Info("scenario started", map[string]any{"scenario": name})

	var res ScenarioResult
	switch name {
	case ScenarioNormal:
		res = s.single(ctx, false)
	case ScenarioMissingChunks:
		res = s.single(ctx, true)
	case ScenarioOfflineRecovery:
		res = s.offline(ctx)
	}
	res.Scenario = name

	s.agent.logger.Info("scenario finished", map[string]any{
		"scenario": name,
		"outcome":  res.Outcome,
		"retries":  res.Retries,
	})
	return res
}

// single announces an empty backlog, then sends one fresh frame.
func (s *Simulator) single(ctx context.Context, drop bool) ScenarioResult {
	status := types.Status{SourceID: s.agent.SourceID(), Status: types.StatusAlive}
	if err := s.agent.PublishStatus(ctx, status); err != nil {
		return failed(fmt.Errorf("announce status: %w", err))
	}
	if err := sleep(ctx, s.agent, s.cfg.Settle); err != nil {
		return failed(err)
	}

	var opts []transfer.SessionOption
	if drop {
		opts = append(opts, transfer.WithDropFirstPass(s.cfg.Drop...))
	}
	r, err := s.agent.Send(ctx, s.frames.Next(), opts...)
	res := fromResult(r, err)
	if res.Passed() && drop && len(s.cfg.Drop) > 0 && r.Retries == 0 {
		res.Outcome = OutcomeFailed
		res.Error = "no missing chunks were requested"
	}
	return res
}

// offline drains a backlog captured while the source was disconnected.
func (s *Simulator) offline(ctx context.Context) ScenarioResult {
	report, err := s.agent.Drain(ctx, s.frames.Backlog(s.cfg.Backlog))
	res := ScenarioResult{Outcome: OutcomeSucceeded}
	if report != nil {
		res.Artifacts = report.Succeeded
		for _, r := range report.Results {
			res.Retries += r.Retries
			res.ChunksResent += r.ChunksResent
			if r.NextWakeTime != "" {
				res.NextWake = r.NextWakeTime
			}
		}
	}
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
	}
	return res
}

// HandleCommand executes one inbound command. capture_image sends a fresh
// frame; send_image resends a stored artifact by name. next_wake is
// recorded by the agent and needs no action here.
func (s *Simulator) HandleCommand(ctx context.Context, cmd types.Command) (*transfer.Result, error) {
	switch cmd.Kind {
	case types.CommandCaptureImage:
		return s.agent.Send(ctx, s.frames.Next())
	case types.CommandSendImage:
		if s.lookup == nil {
			return nil, ErrNoSpool
		}
		src, err := s.lookup(cmd.ArtifactName)
		if err != nil {
			return nil, err
		}
		art, err := src.Load(ctx)
		if err != nil {
			return nil, err
		}
		return s.agent.Send(ctx, art)
	default:
		return nil, nil
	}
}

// Serve handles commands from cmds until ctx ends or cmds is closed.
// Command failures are logged and do not stop the loop.
func (s *Simulator) Serve(ctx context.Context, cmds <-chan types.Command) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			res, err := s.HandleCommand(ctx, cmd)
			if err != nil {
				s.agent.logger.Warn("command failed", map[string]any{
					"kind":     string(cmd.Kind),
					"artifact": cmd.ArtifactName,
					"error":    err.Error(),
				})
				continue
			}
			if res != nil {
				s.agent.logger.Info("command served", map[string]any{
					"kind":     string(cmd.Kind),
					"artifact": res.Artifact,
					"outcome":  res.Outcome,
				})
			}
		}
	}
}

func fromResult(r *transfer.Result, err error) ScenarioResult {
	if err != nil {
		res := failed(err)
		if r != nil {
			res.Retries = r.Retries
			res.ChunksResent = r.ChunksResent
		}
		return res
	}
	return ScenarioResult{
		Outcome:      OutcomeSucceeded,
		Artifacts:    1,
		Retries:      r.Retries,
		ChunksResent: r.ChunksResent,
		NextWake:     r.NextWakeTime,
	}
}

func failed(err error) ScenarioResult {
	return ScenarioResult{Outcome: OutcomeFailed, Error: err.Error()}
}

func sleep(ctx context.Context, a *Agent, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := a.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
