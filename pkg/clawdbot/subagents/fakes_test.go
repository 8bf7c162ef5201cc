package subagents

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/clawdbot/clawdbot/pkg/clawdbot/gateway"
	"github.com/clawdbot/clawdbot/pkg/clawdbot/sessions"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCall is one recorded RPC: the method plus the params as decoded JSON
// and as raw text (for asserting null serialization).
type fakeCall struct {
	Method string
	Params map[string]any
	Raw    string
}

// fakeGateway records every RPC and answers from programmable fields; a
// respond hook overrides everything when set.
type fakeGateway struct {
	mu    sync.Mutex
	calls []fakeCall

	respond func(method string, params map[string]any, result any) error

	runIDs     []string // consumed by agent launches, "run-fake" when empty
	waitResult gateway.AgentWaitResult
	waitErr    error
	history    []gateway.ChatMessage
}

func (f *fakeGateway) Call(_ context.Context, method string, params, result any) error {
	raw, _ := json.Marshal(params)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: method, Params: m, Raw: string(raw)})
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(method, m, result)
	}
	switch method {
	case gateway.MethodAgent:
		f.mu.Lock()
		runID := "run-fake"
		if len(f.runIDs) > 0 {
			runID = f.runIDs[0]
			f.runIDs = f.runIDs[1:]
		}
		f.mu.Unlock()
		fillResult(result, gateway.AgentAccepted{RunID: runID})
	case gateway.MethodAgentWait:
		if f.waitErr != nil {
			return f.waitErr
		}
		res := f.waitResult
		if res.Status == "" {
			res.Status = gateway.WaitOK
		}
		fillResult(result, res)
	case gateway.MethodChatHistory:
		fillResult(result, map[string]any{"messages": f.history})
	}
	return nil
}

func (f *fakeGateway) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func fillResult(result, value any) {
	if result == nil {
		return
	}
	data, _ := json.Marshal(value)
	_ = json.Unmarshal(data, result)
}

// fakeStore is an in-memory SessionStore with deletion tracking.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]sessions.Entry
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]sessions.Entry{}}
}

func (s *fakeStore) GetEntry(key string) (sessions.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessions.NormalizeKey(key)]
	return e, ok
}

func (s *fakeStore) UpdateEntry(key string, mutate func(*sessions.Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessions.NormalizeKey(key)
	e := s.entries[k]
	mutate(&e)
	e.UpdatedAt = time.Now()
	s.entries[k] = e
	return nil
}

func (s *fakeStore) DeleteEntry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessions.NormalizeKey(key)
	delete(s.entries, k)
	s.deleted = append(s.deleted, k)
	return nil
}

// seedChain records a spawnedBy ancestry so depth resolution finds it.
func (s *fakeStore) seedChain(keys ...string) {
	for i := 1; i < len(keys); i++ {
		parent := keys[i-1]
		_ = s.UpdateEntry(keys[i], func(e *sessions.Entry) {
			e.SpawnedBy = parent
			e.SpawnDepth = i
		})
	}
}

// fakeController records abort/drain signals.
type fakeController struct {
	mu      sync.Mutex
	aborted []string
	cleared []string
}

func (c *fakeController) SignalAbort(sessionKey, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, sessionKey)
}

func (c *fakeController) ClearQueued(sessionKey, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared = append(c.cleared, sessionKey)
}

// newTestEngine wires an engine over fakes with fast wait bounds.
func newTestEngine(cfg Config, gw *fakeGateway, store *fakeStore, control RunController) *Engine {
	cfg.SettleWaitSeconds = 1
	cfg.SendWaitSeconds = 1
	return NewEngine(cfg, NewRegistry(30*time.Minute, testLogger()), gw, store, control, "", testLogger())
}
