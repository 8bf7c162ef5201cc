// methods.go defines the typed parameter and result shapes for the gateway
// methods the orchestration core consumes, plus thin wrappers over Caller so
// call sites stay free of map-building and raw JSON.
package gateway

import (
	"context"
	"time"
)

// Gateway method names.
const (
	MethodSessionsPatch = "sessions.patch"
	MethodAgent         = "agent"
	MethodAgentWait     = "agent.wait"
	MethodChatHistory   = "chat.history"
)

// Wait statuses reported by agent.wait. Timeout is distinct from error:
// a timed-out wait means the run is still in flight, not that it failed.
const (
	WaitOK      = "ok"
	WaitTimeout = "timeout"
	WaitError   = "error"
)

type spawnDepthPatch struct {
	Key        string `json:"key"`
	SpawnDepth int    `json:"spawnDepth"`
}

type modelPatch struct {
	Key   string `json:"key"`
	Model string `json:"model"`
}

type thinkingPatch struct {
	Key           string  `json:"key"`
	ThinkingLevel *string `json:"thinkingLevel"`
}

// PatchSpawnDepth records a session's spawn depth in the gateway.
func PatchSpawnDepth(ctx context.Context, c Caller, key string, depth int) error {
	return c.Call(ctx, MethodSessionsPatch, spawnDepthPatch{Key: key, SpawnDepth: depth}, nil)
}

// PatchModel sets a session's model override.
func PatchModel(ctx context.Context, c Caller, key, model string) error {
	return c.Call(ctx, MethodSessionsPatch, modelPatch{Key: key, Model: model}, nil)
}

// PatchThinking sets a session's thinking level. A nil level clears the
// override (serialized as JSON null), which is how "off" is applied.
func PatchThinking(ctx context.Context, c Caller, key string, level *string) error {
	return c.Call(ctx, MethodSessionsPatch, thinkingPatch{Key: key, ThinkingLevel: level}, nil)
}

// AgentParams launches one agent execution on a session.
type AgentParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	SessionID      string `json:"sessionId,omitempty"`
	Channel        string `json:"channel,omitempty"`
	To             string `json:"to,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deliver        bool   `json:"deliver"`
	Lane           string `json:"lane,omitempty"`
	ExtraSystem    string `json:"extraSystemPrompt,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	TimeoutSeconds int    `json:"timeout,omitempty"`
	Label          string `json:"label,omitempty"`
	SpawnedBy      string `json:"spawnedBy,omitempty"`
	GroupID        string `json:"groupId,omitempty"`
	GroupChannel   string `json:"groupChannel,omitempty"`
	GroupSpace     string `json:"groupSpace,omitempty"`
}

// AgentAccepted acknowledges a launched execution.
type AgentAccepted struct {
	RunID string `json:"runId"`
}

// StartAgent launches one execution and returns its run id.
func StartAgent(ctx context.Context, c Caller, p AgentParams) (AgentAccepted, error) {
	var acc AgentAccepted
	err := c.Call(ctx, MethodAgent, p, &acc)
	return acc, err
}

// AgentWaitParams blocks until a run reaches terminal state or timeoutMs.
type AgentWaitParams struct {
	RunID     string `json:"runId"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// AgentWaitResult is the terminal (or timed-out) status of a run.
// TokensUsed is the usage the run consumed since the previous wait.
type AgentWaitResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	TokensUsed int    `json:"tokensUsed,omitempty"`
}

// WaitAgent waits for a run to settle, bounded by timeout.
func WaitAgent(ctx context.Context, c Caller, runID string, timeout time.Duration) (AgentWaitResult, error) {
	var res AgentWaitResult
	err := c.Call(ctx, MethodAgentWait, AgentWaitParams{
		RunID:     runID,
		TimeoutMs: timeout.Milliseconds(),
	}, &res)
	return res, err
}

// ChatMessage is one entry of a session's chat history.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IsToolTraffic reports whether the message is a tool call or tool result
// rather than conversational content.
func (m ChatMessage) IsToolTraffic() bool {
	return m.Role == "tool" || m.Role == "toolResult" || m.Role == "tool_call" || m.Role == "tool_result"
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type chatHistoryResult struct {
	Messages []ChatMessage `json:"messages"`
}

// ChatHistory fetches up to limit messages of a session's history.
func ChatHistory(ctx context.Context, c Caller, sessionKey string, limit int) ([]ChatMessage, error) {
	var res chatHistoryResult
	if err := c.Call(ctx, MethodChatHistory, chatHistoryParams{SessionKey: sessionKey, Limit: limit}, &res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}
