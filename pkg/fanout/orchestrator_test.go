package fanout

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/tracing"
)

type stubRunner struct {
	fn func(req SpecialistRequest) (string, error)
}

func (r *stubRunner) RunSpecialist(ctx context.Context, req SpecialistRequest) (string, error) {
	return r.fn(req)
}

type stubSynthesizer struct {
	mu    sync.Mutex
	calls []SynthesisRequest
}

func (s *stubSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return "synthesized", nil
}

func (s *stubSynthesizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubSynthesizer) lastCall() SynthesisRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type stubGuard struct {
	mu      sync.Mutex
	set     []string
	cleared []string
}

func (g *stubGuard) SetActiveFanOut(ctx context.Context, sessionID, fanOutID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set = append(g.set, sessionID)
	return nil
}

func (g *stubGuard) ClearActiveFanOut(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, sessionID)
	return nil
}

func newTestOrchestrator(t *testing.T, runner Runner, synth Synthesizer) (*Orchestrator, *stubGuard) {
	t.Helper()
	guard := &stubGuard{}
	o, err := NewOrchestrator(Config{
		DefaultTimeout: 5 * time.Second,
		MaxSpecialists: 8,
		Runner:         runner,
		Synthesizer:    synth,
		Sessions:       guard,
		Logger:         zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	return o, guard
}

func specs(agentIDs ...string) []SpecialistSpec {
	out := make([]SpecialistSpec, len(agentIDs))
	for i, id := range agentIDs {
		out[i] = SpecialistSpec{AgentID: id}
	}
	return out
}

func waitTerminal(t *testing.T, exec *Execution) {
	t.Helper()
	select {
	case <-exec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not reach a terminal state")
	}
}

func TestParseJoinStrategy(t *testing.T) {
	t.Run("should parse the three strategies", func(t *testing.T) {
		all, err := ParseJoinStrategy("all")
		require.NoError(t, err)
		assert.Equal(t, JoinAll, all.Kind)

		first, err := ParseJoinStrategy("first")
		require.NoError(t, err)
		assert.Equal(t, JoinFirst, first.Kind)

		quorum, err := ParseJoinStrategy("quorum(3)")
		require.NoError(t, err)
		assert.Equal(t, JoinQuorum, quorum.Kind)
		assert.Equal(t, 3, quorum.Quorum)
	})

	t.Run("should reject malformed strategies", func(t *testing.T) {
		_, err := ParseJoinStrategy("quorum(0)")
		assert.Error(t, err)
		_, err = ParseJoinStrategy("most")
		assert.Error(t, err)
	})
}

func TestOrchestratorStart(t *testing.T) {
	t.Run("should reject a second fan-out on the same session", func(t *testing.T) {
		block := make(chan struct{})
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			<-block
			return "ok", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", CoordinatorID: "coord",
			Specialists: specs("a"), Strategy: JoinStrategy{Kind: JoinAll},
		})
		require.NoError(t, err)

		_, err = o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", CoordinatorID: "coord",
			Specialists: specs("b"),
		})
		assert.ErrorIs(t, err, ErrFanOutActive)

		close(block)
		waitTerminal(t, exec)
	})

	t.Run("should refuse a nested fan-out", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &stubRunner{fn: func(SpecialistRequest) (string, error) {
			return "", nil
		}}, &stubSynthesizer{})

		ctx := tracing.WithFanOutID(context.Background(), "outer")
		_, err := o.Start(ctx, StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a"),
		})
		assert.ErrorIs(t, err, ErrNestedFanOut)
	})

	t.Run("should enforce the specialist limit", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &stubRunner{fn: func(SpecialistRequest) (string, error) {
			return "", nil
		}}, &stubSynthesizer{})

		ids := make([]string, 9)
		for i := range ids {
			ids[i] = fmt.Sprintf("agent-%d", i)
		}
		_, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs(ids...),
		})
		assert.Error(t, err)
	})

	t.Run("should reject a quorum larger than the team", func(t *testing.T) {
		o, _ := newTestOrchestrator(t, &stubRunner{fn: func(SpecialistRequest) (string, error) {
			return "", nil
		}}, &stubSynthesizer{})

		_, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b"),
			Strategy: JoinStrategy{Kind: JoinQuorum, Quorum: 3},
		})
		assert.Error(t, err)
	})
}

func TestSpecialistContextNotes(t *testing.T) {
	t.Run("should pass each specialist its own context note", func(t *testing.T) {
		var mu sync.Mutex
		notes := map[string]string{}
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			mu.Lock()
			notes[req.AgentID] = req.ContextNote
			mu.Unlock()
			return "ok", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", CoordinatorID: "coord", Prompt: "plan the trip",
			Specialists: []SpecialistSpec{
				{AgentID: "booking", ContextNote: "focus on availability"},
				{AgentID: "billing", ContextNote: "focus on refunds"},
				{AgentID: "support"},
			},
			Strategy: JoinStrategy{Kind: JoinAll},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "focus on availability", notes["booking"])
		assert.Equal(t, "focus on refunds", notes["billing"])
		assert.Empty(t, notes["support"])
	})
}

func TestJoinAllStrategy(t *testing.T) {
	t.Run("should synthesize over every result", func(t *testing.T) {
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			return "answer from " + req.AgentID, nil
		}}
		synth := &stubSynthesizer{}
		o, guard := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", CoordinatorID: "coord", Prompt: "compare plans",
			Specialists: specs("a", "b", "c"), Strategy: JoinStrategy{Kind: JoinAll},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		view := exec.View()
		assert.Equal(t, ExecutionCompleted, view.Status)
		assert.Equal(t, "synthesized", view.Synthesis)

		require.Equal(t, 1, synth.callCount())
		call := synth.lastCall()
		assert.Len(t, call.Results, 3)
		assert.False(t, call.NoResults)
		assert.Equal(t, []string{"s1"}, guard.cleared)
	})

	t.Run("should still synthesize when every specialist fails", func(t *testing.T) {
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			return "", errors.New("model unavailable")
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b"),
			Strategy: JoinStrategy{Kind: JoinAll},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		assert.Equal(t, ExecutionFailed, exec.View().Status)
		require.Equal(t, 1, synth.callCount())
		assert.True(t, synth.lastCall().NoResults)
	})

	t.Run("should complete with partial successes", func(t *testing.T) {
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			if req.AgentID == "b" {
				return "", errors.New("boom")
			}
			return "fine", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b", "c"),
			Strategy: JoinStrategy{Kind: JoinAll},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		assert.Equal(t, ExecutionCompleted, exec.View().Status)
		assert.Len(t, synth.lastCall().Results, 2)
	})
}

func TestJoinFirstStrategy(t *testing.T) {
	t.Run("should terminate on the first success and ignore late arrivals", func(t *testing.T) {
		slow := make(chan struct{})
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			if req.AgentID != "fast" {
				<-slow
				return "late", nil
			}
			return "quick answer", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("fast", "slow1", "slow2"),
			Strategy: JoinStrategy{Kind: JoinFirst},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		assert.Equal(t, ExecutionCompleted, exec.View().Status)
		require.Equal(t, 1, synth.callCount())
		require.Len(t, synth.lastCall().Results, 1)
		assert.Equal(t, "fast", synth.lastCall().Results[0].AgentID)

		// Release the stragglers; their reports must be no-ops.
		close(slow)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, synth.callCount())
		assert.Equal(t, "synthesized", exec.View().Synthesis)
	})

	t.Run("should fail when no specialist succeeds", func(t *testing.T) {
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			return "", errors.New("nope")
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b"),
			Strategy: JoinStrategy{Kind: JoinFirst},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		assert.Equal(t, ExecutionFailed, exec.View().Status)
		assert.Equal(t, 1, synth.callCount())
	})
}

func TestJoinQuorumStrategy(t *testing.T) {
	t.Run("should complete as soon as the quorum is met", func(t *testing.T) {
		slow := make(chan struct{})
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			if req.AgentID == "c" {
				<-slow
			}
			return "result " + req.AgentID, nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b", "c"),
			Strategy: JoinStrategy{Kind: JoinQuorum, Quorum: 2},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)
		close(slow)

		assert.Equal(t, ExecutionCompleted, exec.View().Status)
		assert.Len(t, synth.lastCall().Results, 2)
	})

	t.Run("should fail once the quorum is unsatisfiable", func(t *testing.T) {
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			if req.AgentID == "ok" {
				return "one result", nil
			}
			return "", errors.New("down")
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("ok", "bad1", "bad2"),
			Strategy: JoinStrategy{Kind: JoinQuorum, Quorum: 2},
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		assert.Equal(t, ExecutionFailed, exec.View().Status)
		require.Equal(t, 1, synth.callCount())
		// Synthesis still sees whatever completed.
		assert.LessOrEqual(t, len(synth.lastCall().Results), 1)
	})
}

func TestDeadline(t *testing.T) {
	t.Run("should time out open entries and synthesize with a no-results marker", func(t *testing.T) {
		hang := make(chan struct{})
		defer close(hang)
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			<-hang
			return "too late", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a", "b"),
			Strategy: JoinStrategy{Kind: JoinAll}, Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		view := exec.View()
		assert.Equal(t, ExecutionTimedOut, view.Status)
		for _, entry := range view.Entries {
			assert.Equal(t, EntryTimedOut, entry.Status)
		}
		require.Equal(t, 1, synth.callCount())
		assert.True(t, synth.lastCall().NoResults)
	})

	t.Run("should report timed-out but keep completed results on expiry", func(t *testing.T) {
		hang := make(chan struct{})
		defer close(hang)
		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			if req.AgentID == "fast" {
				return "made it", nil
			}
			<-hang
			return "", nil
		}}
		synth := &stubSynthesizer{}
		o, _ := newTestOrchestrator(t, runner, synth)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("fast", "stuck"),
			Strategy: JoinStrategy{Kind: JoinAll}, Timeout: 100 * time.Millisecond,
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		view := exec.View()
		assert.Equal(t, ExecutionTimedOut, view.Status)
		require.Equal(t, 1, synth.callCount())
		call := synth.lastCall()
		assert.False(t, call.NoResults)
		require.Len(t, call.Results, 1)
		assert.Equal(t, "fast", call.Results[0].AgentID)
	})
}

func TestSynthesisExactlyOnce(t *testing.T) {
	t.Run("should synthesize exactly once under racing completions", func(t *testing.T) {
		iterations := 1000
		if testing.Short() {
			iterations = 100
		}
		for i := 0; i < iterations; i++ {
			runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
				time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
				if rand.Intn(4) == 0 {
					return "", errors.New("flaky")
				}
				return "r", nil
			}}
			synth := &stubSynthesizer{}
			o, _ := newTestOrchestrator(t, runner, synth)

			strategies := []JoinStrategy{
				{Kind: JoinAll},
				{Kind: JoinFirst},
				{Kind: JoinQuorum, Quorum: 2},
			}
			exec, err := o.Start(context.Background(), StartRequest{
				TenantID: "t1", SessionID: fmt.Sprintf("s-%d", i),
				Specialists: specs("a", "b", "c", "d", "e"),
				Strategy:    strategies[i%len(strategies)],
			})
			require.NoError(t, err)
			waitTerminal(t, exec)

			// Allow any stragglers to report before counting.
			time.Sleep(5 * time.Millisecond)
			require.Equal(t, 1, synth.callCount(), "iteration %d", i)
		}
	})
}

func TestSnapshots(t *testing.T) {
	t.Run("should persist terminal executions and garbage-collect old ones", func(t *testing.T) {
		tmpDir, err := os.MkdirTemp("", "fanout-snap-*")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		runner := &stubRunner{fn: func(req SpecialistRequest) (string, error) {
			return "done", nil
		}}
		synth := &stubSynthesizer{}
		guard := &stubGuard{}
		o, err := NewOrchestrator(Config{
			Runner: runner, Synthesizer: synth, Sessions: guard,
			SnapshotDir: tmpDir,
			Logger:      zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
		})
		require.NoError(t, err)

		exec, err := o.Start(context.Background(), StartRequest{
			TenantID: "t1", SessionID: "s1", Specialists: specs("a"),
		})
		require.NoError(t, err)
		waitTerminal(t, exec)

		loaded, err := o.ReadSnapshot(exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionCompleted, loaded.Status)
		assert.Equal(t, "synthesized", loaded.Synthesis)

		removed, err := o.GCSnapshots(time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
	})
}
