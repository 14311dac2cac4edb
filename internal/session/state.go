package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sheetagent/internal/bus"
	"sheetagent/internal/domain"
)

// State is one session: its append-only turn log, the original upload and
// the files generated from it. A request borrows it through Manager.Acquire.
type State struct {
	id        string
	original  domain.FileRef
	outputDir string

	store  domain.SessionStore
	events *bus.EventBus
	logger *slog.Logger

	busy sync.Mutex // held for the duration of a request

	mu      sync.RWMutex
	turns   []domain.Turn
	outputs []domain.FileRef
}

func (s *State) ID() string               { return s.id }
func (s *State) Original() domain.FileRef { return s.original }
func (s *State) OutputDir() string        { return s.outputDir }

// Step is the sequence number of the most recent turn.
func (s *State) Step() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return 0
	}
	return s.turns[len(s.turns)-1].Seq
}

// Current returns the newest generated file that can feed another tool, or
// the original when there is none. Chart workbooks are never chained.
func (s *State) Current() domain.FileRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.outputs) - 1; i >= 0; i-- {
		if !s.outputs[i].Artifact {
			return s.outputs[i]
		}
	}
	return s.original
}

// Resolve finds a session file by name.
func (s *State) Resolve(name string) (domain.FileRef, error) {
	if name == s.original.Name {
		return s.original, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.outputs) - 1; i >= 0; i-- {
		if s.outputs[i].Name == name {
			return s.outputs[i], nil
		}
	}
	names := make([]string, 0, len(s.outputs)+1)
	names = append(names, s.original.Name)
	for _, o := range s.outputs {
		names = append(names, o.Name)
	}
	return domain.FileRef{}, fmt.Errorf("no file named %q in this session (known: %v)", name, names)
}

// AddOutput records a generated file. Persisting it is best effort: the
// in-memory reference is what the running request chains on.
func (s *State) AddOutput(ref domain.FileRef) {
	s.mu.Lock()
	s.outputs = append(s.outputs, ref)
	s.mu.Unlock()

	if s.store == nil {
		return
	}
	if err := s.store.AddFile(context.Background(), s.id, ref); err != nil {
		s.logger.Warn("cannot persist output file", "session", s.id, "file", ref.Name, "error", err)
	}
}

// Append assigns sequence numbers and timestamps to turns, persists them
// and adds them to the log. Nothing is added when persisting fails.
func (s *State) Append(ctx context.Context, turns ...domain.Turn) ([]domain.Turn, error) {
	if len(turns) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	next := 1
	if n := len(s.turns); n > 0 {
		next = s.turns[n-1].Seq + 1
	}
	now := time.Now().UTC()
	stamped := make([]domain.Turn, len(turns))
	for i, t := range turns {
		t.Seq = next + i
		t.CreatedAt = now
		stamped[i] = t
	}
	if s.store != nil {
		if err := s.store.AppendTurns(ctx, s.id, stamped); err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("persist turns: %w", err)
		}
	}
	s.turns = append(s.turns, stamped...)
	s.mu.Unlock()

	if s.events != nil {
		for _, t := range stamped {
			s.events.Emit(bus.Event{
				Type:      bus.EventTurnAppended,
				Source:    "session",
				SessionID: s.id,
				Payload:   turnPayload(t),
			})
		}
	}
	return stamped, nil
}

// Turns returns a copy of the turn log.
func (s *State) Turns() []domain.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Files lists the original followed by every generated file.
func (s *State) Files() []domain.FileRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FileRef, 0, len(s.outputs)+1)
	out = append(out, s.original)
	return append(out, s.outputs...)
}

// TryLock claims the session for one request.
func (s *State) TryLock() bool { return s.busy.TryLock() }
func (s *State) Unlock()      { s.busy.Unlock() }

func turnPayload(t domain.Turn) map[string]any {
	p := map[string]any{"seq": t.Seq, "kind": string(t.Kind)}
	switch t.Kind {
	case domain.TurnToolCall:
		if t.Call != nil {
			p["tool"] = t.Call.Name
		}
	case domain.TurnToolResult:
		if t.Result != nil {
			p["tool"] = t.Result.Tool
			p["ok"] = t.Result.OK
			if t.Result.OutputFile != nil {
				p["output_file"] = t.Result.OutputFile.Name
			}
		}
	case domain.TurnAssistant:
		p["degraded"] = t.Degraded
	}
	return p
}
