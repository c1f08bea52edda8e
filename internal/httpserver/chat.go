package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kestrix/agentcore/internal/agent"
	"github.com/kestrix/agentcore/internal/interceptor"
	"github.com/kestrix/agentcore/internal/mcprouter"
	"github.com/kestrix/agentcore/internal/oauthmgr"
	"github.com/kestrix/agentcore/internal/session"
	"github.com/kestrix/agentcore/internal/threadstore"
	"github.com/kestrix/agentcore/internal/tokenmeter"
)

// ChatMessage is one entry of a chat request's conversation.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatRequest is the POST /api/v1/chat request body.
type ChatRequest struct {
	Messages         []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	Session          string        `json:"session"`
	ThreadID         *uuid.UUID    `json:"threadId"`
	ThreadToken      string        `json:"threadToken"`
	ClientMessageID  string        `json:"clientMessageId"`
	ForceRefresh     bool          `json:"forceRefresh"`
	ForceRetry       bool          `json:"forceRetry"`
	ReturnShareToken bool          `json:"returnShareToken"`
}

// ChatResponse is the POST /api/v1/chat 200 response body.
type ChatResponse struct {
	Reply      string   `json:"reply"`
	ThreadID   string   `json:"threadId"`
	ShareToken string   `json:"shareToken,omitempty"`
	Meta       ChatMeta `json:"meta"`
}

// ChatMeta carries a chat response's token/cache metadata.
type ChatMeta struct {
	RequestID         string         `json:"requestId"`
	CacheHit          bool           `json:"cacheHit"`
	CacheTTLRemaining *int           `json:"cacheTtlRemaining,omitempty"`
	Tokens            ChatMetaTokens `json:"tokens"`
	Warning           string         `json:"warning,omitempty"`
}

// ChatMetaTokens carries a request's input/output token counts.
type ChatMetaTokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ChatHandler wires C9 (session), C8 (thread store), C11 (orchestrator),
// C6 (MCP router toolset), C7 (interceptor), and C10 (token meter) into
// the /api/v1/chat and /api/v1/chat/stream endpoints.
type ChatHandler struct {
	sessions     *session.Service
	threads      *threadstore.Store
	router       *mcprouter.Router
	oauthMgr     *oauthmgr.Manager
	interceptor  *interceptor.Interceptor
	orchestrator *agent.Orchestrator
	meter        *tokenmeter.Meter
	modelName    string
	maxToolCalls int
	timeoutSec   int
	log          *slog.Logger
}

// NewChatHandler constructs a ChatHandler.
func NewChatHandler(
	sessions *session.Service,
	threads *threadstore.Store,
	router *mcprouter.Router,
	oauthMgr *oauthmgr.Manager,
	ic *interceptor.Interceptor,
	orchestrator *agent.Orchestrator,
	meter *tokenmeter.Meter,
	modelName string,
	maxToolCalls, timeoutSec int,
	logger *slog.Logger,
) *ChatHandler {
	return &ChatHandler{
		sessions:     sessions,
		threads:      threads,
		router:       router,
		oauthMgr:     oauthMgr,
		interceptor:  ic,
		orchestrator: orchestrator,
		meter:        meter,
		modelName:    modelName,
		maxToolCalls: maxToolCalls,
		timeoutSec:   timeoutSec,
		log:          logger,
	}
}

func (h *ChatHandler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, rawSession string) (session.Context, bool) {
	if rawSession == "" {
		RespondAppError(w, r, CodeUnauthorized, "session token required", OriginApp, nil)
		return session.Context{}, false
	}
	sessCtx, err := h.sessions.Validate(ctx, rawSession)
	if err != nil {
		RespondAppError(w, r, CodeUnauthorized, "invalid or expired session", OriginApp, nil)
		return session.Context{}, false
	}
	return sessCtx, true
}

// HandleChat implements POST /api/v1/chat (synchronous) and, when
// ?stream=true, delegates to the SSE path.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("stream") == "true" {
		h.HandleChatStream(w, r)
		return
	}

	var req ChatRequest
	if err := Decode(r, &req); err != nil {
		RespondAppError(w, r, CodeValidation, err.Error(), OriginApp, nil)
		return
	}
	if errs := Validate(&req); len(errs) > 0 {
		RespondAppError(w, r, CodeValidation, "request failed validation", OriginApp, errs)
		return
	}

	ctx := r.Context()
	sessCtx, ok := h.authenticate(ctx, w, r, req.Session)
	if !ok {
		return
	}

	thread, err := h.threads.FindOrCreateThread(ctx, req.ThreadID, req.ThreadToken, &sessCtx.UserID, sessCtx.Workspace)
	if err != nil {
		respondThreadError(w, r, err)
		return
	}

	requestID := RequestIDFromContext(ctx)

	messages, userMsg, err := h.prepareTurn(ctx, thread, req)
	if err != nil {
		if errors.Is(err, errNoUserMessage) {
			RespondAppError(w, r, CodeValidation, "no user message found in request", OriginApp, nil)
			return
		}
		h.log.Error("chat: preparing turn failed", "error", err, "thread_id", thread.ID)
		RespondAppError(w, r, CodeInternal, "preparing chat turn failed", OriginApp, nil)
		return
	}

	toolSpec, callTool := h.buildToolset(ctx, sessCtx, thread, requestID, req.ForceRefresh, req.ForceRetry)

	chatReq := agent.Request{
		Messages:       messages,
		ThreadID:       thread.ID,
		UserID:         &sessCtx.UserID,
		Workspace:      sessCtx.Workspace,
		Tools:          toolSpec,
		MaxToolCalls:   h.maxToolCalls,
		TimeoutSeconds: h.timeoutSec,
		ForceRefresh:   req.ForceRefresh,
	}

	result, err := h.orchestrator.Run(ctx, chatReq, callTool)
	if err != nil {
		respondAgentError(w, r, err)
		return
	}

	h.recordUsage(ctx, requestID, sessCtx, thread.ID, result.Meta, false)
	h.persistReply(ctx, thread.ID, userMsg.ID, result.Reply, result.Meta.Usage)

	resp := ChatResponse{
		Reply:    result.Reply,
		ThreadID: thread.ID.String(),
		Meta: ChatMeta{
			RequestID: requestID,
			Tokens: ChatMetaTokens{
				Input:  result.Meta.Usage.InputTokens,
				Output: result.Meta.Usage.OutputTokens,
			},
		},
	}

	if req.ReturnShareToken {
		token, err := h.threads.GenerateShareToken(ctx, thread.ID, 30*24*time.Hour)
		if err != nil {
			h.log.Warn("chat: generating share token failed", "error", err)
		} else {
			resp.ShareToken = token
		}
	}

	Respond(w, http.StatusOK, resp)
}

// HandleChatStream implements the SSE variant: POST /api/v1/chat?stream=true
// or GET /api/v1/chat/stream?prompt=....
func (h *ChatHandler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ChatRequest
	if r.Method == http.MethodGet {
		prompt := r.URL.Query().Get("prompt")
		if prompt == "" {
			RespondAppError(w, r, CodeValidation, "prompt query parameter required", OriginApp, nil)
			return
		}
		req.Messages = []ChatMessage{{Role: "user", Content: prompt}}
		req.Session = r.URL.Query().Get("session")
		req.ThreadToken = r.URL.Query().Get("threadToken")
	} else {
		if err := Decode(r, &req); err != nil {
			RespondAppError(w, r, CodeValidation, err.Error(), OriginApp, nil)
			return
		}
	}
	if errs := Validate(&req); len(errs) > 0 {
		RespondAppError(w, r, CodeValidation, "request failed validation", OriginApp, errs)
		return
	}

	sessCtx, ok := h.authenticate(ctx, w, r, req.Session)
	if !ok {
		return
	}

	thread, err := h.threads.FindOrCreateThread(ctx, req.ThreadID, req.ThreadToken, &sessCtx.UserID, sessCtx.Workspace)
	if err != nil {
		respondThreadError(w, r, err)
		return
	}

	requestID := RequestIDFromContext(ctx)

	messages, userMsg, err := h.prepareTurn(ctx, thread, req)
	if err != nil {
		if errors.Is(err, errNoUserMessage) {
			RespondAppError(w, r, CodeValidation, "no user message found in request", OriginApp, nil)
			return
		}
		h.log.Error("chat stream: preparing turn failed", "error", err, "thread_id", thread.ID)
		RespondAppError(w, r, CodeInternal, "preparing chat turn failed", OriginApp, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondAppError(w, r, CodeInternal, "streaming unsupported", OriginApp, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	toolSpec, callTool := h.buildToolset(ctx, sessCtx, thread, requestID, req.ForceRefresh, req.ForceRetry)

	chatReq := agent.Request{
		Messages:       messages,
		ThreadID:       thread.ID,
		UserID:         &sessCtx.UserID,
		Workspace:      sessCtx.Workspace,
		Tools:          toolSpec,
		MaxToolCalls:   h.maxToolCalls,
		TimeoutSeconds: h.timeoutSec,
		ForceRefresh:   req.ForceRefresh,
	}

	events := make(chan agent.StreamEvent, 16)
	go h.orchestrator.Stream(ctx, chatReq, callTool, events)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	writer := bufio.NewWriter(w)
	var finalMeta agent.ChatMeta

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(writer, ": keepalive\n\n")
			writer.Flush()
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSEEvent(writer, requestID, ev)
			writer.Flush()
			flusher.Flush()
			if ev.Type == agent.StreamEventFinal && ev.Final != nil {
				finalMeta = ev.Final.Meta
				h.recordUsage(ctx, requestID, sessCtx, thread.ID, finalMeta, false)
				h.persistReply(ctx, thread.ID, userMsg.ID, ev.Final.Reply, finalMeta.Usage)
			}
		}
	}
}

func writeSSEEvent(w *bufio.Writer, requestID string, ev agent.StreamEvent) {
	type payload struct {
		RequestID string `json:"request_id"`
		Text      string `json:"text,omitempty"`
		Tool      string `json:"tool,omitempty"`
		Warning   string `json:"warning,omitempty"`
		Error     string `json:"error,omitempty"`
	}
	p := payload{RequestID: requestID}

	eventName := "token"
	switch ev.Type {
	case agent.StreamEventText:
		p.Text = ev.Text
	case agent.StreamEventToolCall:
		eventName = "tool_call"
		if ev.Tool != nil {
			p.Tool = ev.Tool.Server + ":" + ev.Tool.Tool
		}
	case agent.StreamEventWarning:
		eventName = "warning"
		p.Warning = ev.Warning
	case agent.StreamEventError:
		eventName = "error"
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
	case agent.StreamEventFinal:
		eventName = "done"
	}

	data, _ := json.Marshal(p)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data)
}

// buildToolset assembles this request's toolset from the MCP router (C6)
// and returns a ToolCaller closure that drives every model-requested call
// through the interceptor (C7), keeping its own strictly-increasing
// call_index, so duplicate deliveries of the same call can't reorder.
func (h *ChatHandler) buildToolset(ctx context.Context, sessCtx session.Context, thread threadstore.Thread, requestID string, forceRefresh, forceRetry bool) ([]agent.ToolSpec, agent.ToolCaller) {
	var userProviders []string
	if conns, err := h.oauthMgr.EnsureFresh(ctx, sessCtx.UserID); err != nil {
		h.log.Warn("chat: refreshing user connections failed", "error", err)
	} else {
		for _, c := range conns {
			userProviders = append(userProviders, c.Provider)
		}
	}

	clients, err := h.router.ToolsetFor(ctx, &sessCtx.UserID, userProviders)
	if err != nil {
		h.log.Warn("chat: assembling toolset failed", "error", err)
	}

	var specs []agent.ToolSpec
	for server, client := range clients {
		tools, err := client.ListTools(ctx)
		if err != nil {
			h.log.Warn("chat: listing tools failed", "server", server, "error", err)
			continue
		}
		for _, t := range tools {
			specs = append(specs, agent.ToolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}

	callIndex := 0
	cacheMode := interceptor.CacheModePrefer
	if forceRefresh {
		cacheMode = interceptor.CacheModeRefresh
	}

	caller := func(ctx context.Context, call agent.ToolCallRequest) interceptor.Result {
		callIndex++

		scope := sessCtx.UserID.String() + ":" + sessCtx.Workspace
		provider := ""
		if !h.router.IsGlobalServer(call.Server) {
			provider = call.Server
		}

		return h.interceptor.Invoke(ctx, interceptor.Request{
			UserID:        &sessCtx.UserID,
			UserScope:     scope,
			CacheMode:     cacheMode,
			ThreadID:      thread.ID,
			RequestID:     requestID,
			UserMessageID: requestID,
			CallIndex:     callIndex,
			ForceRetry:    forceRetry,
			Server:        call.Server,
			Tool:          call.Tool,
			Args:          call.Args,
			Provider:      provider,
		})
	}

	return specs, caller
}

func (h *ChatHandler) recordUsage(ctx context.Context, requestID string, sessCtx session.Context, threadID uuid.UUID, meta agent.ChatMeta, cacheHit bool) {
	if err := h.meter.Track(ctx, tokenmeter.TrackParams{
		RequestID:      requestID,
		UserID:         &sessCtx.UserID,
		Workspace:      sessCtx.Workspace,
		ThreadID:       &threadID,
		InputTokens:    int64(meta.Usage.InputTokens),
		OutputTokens:   int64(meta.Usage.OutputTokens),
		Model:          h.modelName,
		CacheHit:       cacheHit,
		ToolCallsCount: meta.ToolCalls,
		Status:         tokenmeter.StatusOK,
	}); err != nil {
		h.log.Warn("chat: tracking token usage failed", "error", err)
	}

	if err := h.sessions.Meter(ctx, sessCtx.SessionID, meta.Usage.InputTokens, meta.Usage.OutputTokens); err != nil {
		h.log.Warn("chat: metering device session failed", "error", err)
	}
}

// historyLimit bounds how much of a thread's prior history is replayed to
// the model. Threads rarely approach this in practice; a thread that does
// should be summarized client-side rather than grow the context window
// unbounded.
const historyLimit = 200

var errNoUserMessage = errors.New("no user message in request")

// prepareTurn loads the thread's prior history and persists the request's
// new user turn, returning the full message list to hand the model and the
// row just saved (its id anchors the assistant reply's in_reply_to).
//
// History is fetched before AddMessage is called for the new turn, so the
// just-saved message is excluded from what's sent back to the model by
// construction rather than by relying on row insertion order.
func (h *ChatHandler) prepareTurn(ctx context.Context, thread threadstore.Thread, req ChatRequest) ([]agent.Message, threadstore.Message, error) {
	content, ok := lastUserMessage(req.Messages)
	if !ok {
		return nil, threadstore.Message{}, errNoUserMessage
	}

	history, err := h.threads.ListMessages(ctx, thread.ID, nil, nil, historyLimit)
	if err != nil {
		return nil, threadstore.Message{}, fmt.Errorf("loading thread history: %w", err)
	}

	contentRaw, err := json.Marshal(content)
	if err != nil {
		return nil, threadstore.Message{}, fmt.Errorf("encoding user message: %w", err)
	}
	userMsg, err := h.threads.AddMessage(ctx, thread.ID, threadstore.RoleUser, contentRaw, req.ClientMessageID, nil,
		threadstore.MessageStatusComplete, nil, 0, 0, req.ForceRetry)
	if err != nil {
		return nil, threadstore.Message{}, fmt.Errorf("saving user message: %w", err)
	}

	messages := historyToAgentMessages(history)
	messages = append(messages, agent.Message{Role: string(threadstore.RoleUser), Content: content})
	return messages, userMsg, nil
}

// persistReply journals the model's reply against the thread, in reply to
// userMsgID. Failures are logged, not surfaced: the response has already
// been sent to the caller by the time this runs.
func (h *ChatHandler) persistReply(ctx context.Context, threadID, userMsgID uuid.UUID, reply string, usage agent.Usage) {
	replyRaw, err := json.Marshal(reply)
	if err != nil {
		h.log.Warn("chat: encoding assistant reply failed", "error", err, "thread_id", threadID)
		return
	}
	if _, err := h.threads.AddMessage(ctx, threadID, threadstore.RoleAssistant, replyRaw, "", &userMsgID,
		threadstore.MessageStatusComplete, nil, usage.InputTokens, usage.OutputTokens, false); err != nil {
		h.log.Warn("chat: saving assistant reply failed", "error", err, "thread_id", threadID)
	}
}

// lastUserMessage extracts the newest user-role turn from a request's
// message list, mirroring original_source's chat_endpoint "extract the last
// user message as the prompt" behavior.
func lastUserMessage(msgs []ChatMessage) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content, true
		}
	}
	return "", false
}

// historyToAgentMessages decodes a thread's journaled messages back into
// the plain role/content pairs the model expects, skipping tool-call
// journal rows that carry non-string content.
func historyToAgentMessages(history []threadstore.Message) []agent.Message {
	out := make([]agent.Message, 0, len(history))
	for _, m := range history {
		if m.Role != threadstore.RoleUser && m.Role != threadstore.RoleAssistant && m.Role != threadstore.RoleSystem {
			continue
		}
		var content string
		if err := json.Unmarshal(m.Content, &content); err != nil {
			continue
		}
		out = append(out, agent.Message{Role: string(m.Role), Content: content})
	}
	return out
}

// threadMessageResponse is one entry of the GET .../messages response.
type threadMessageResponse struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Status    string          `json:"status"`
	ToolCalls json.RawMessage `json:"toolCalls,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// HandleListMessages implements GET /api/v1/threads/{threadID}/messages:
// cursor-paginated message history for a thread, restoring the
// get_thread_messages read path a Python predecessor of this service
// exposed but this API surface had dropped.
func (h *ChatHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		RespondAppError(w, r, CodeValidation, "invalid thread id", OriginApp, nil)
		return
	}

	sessCtx, ok := h.authenticate(ctx, w, r, r.URL.Query().Get("session"))
	if !ok {
		return
	}

	thread, err := h.threads.FindOrCreateThread(ctx, &threadID, "", &sessCtx.UserID, sessCtx.Workspace)
	if err != nil {
		respondThreadError(w, r, err)
		return
	}

	params, err := ParseCursorParams(r)
	if err != nil {
		RespondAppError(w, r, CodeValidation, err.Error(), OriginApp, nil)
		return
	}

	var afterCreatedAt *time.Time
	var afterID *uuid.UUID
	if params.After != nil {
		afterCreatedAt = &params.After.CreatedAt
		afterID = &params.After.ID
	}

	msgs, err := h.threads.ListMessages(ctx, thread.ID, afterCreatedAt, afterID, params.Limit+1)
	if err != nil {
		h.log.Error("list messages: query failed", "error", err, "thread_id", thread.ID)
		RespondAppError(w, r, CodeInternal, "listing messages failed", OriginApp, nil)
		return
	}

	page := NewCursorPage(msgs, params.Limit, func(m threadstore.Message) Cursor {
		return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})

	items := make([]threadMessageResponse, len(page.Items))
	for i, m := range page.Items {
		items[i] = threadMessageResponse{
			ID:        m.ID.String(),
			Role:      string(m.Role),
			Content:   m.Content,
			Status:    string(m.Status),
			ToolCalls: m.ToolCalls,
			CreatedAt: m.CreatedAt,
		}
	}

	Respond(w, http.StatusOK, CursorPage[threadMessageResponse]{
		Items:      items,
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	})
}

// threadSummaryResponse is one entry of the GET /api/v1/threads response.
type threadSummaryResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// HandleListThreads implements GET /api/v1/threads: a page/total-count view
// of the caller's own threads, most recently active first. Supplements the
// single-thread lookup with the list view a chat front-end needs to render
// thread history.
func (h *ChatHandler) HandleListThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessCtx, ok := h.authenticate(ctx, w, r, r.URL.Query().Get("session"))
	if !ok {
		return
	}

	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondAppError(w, r, CodeValidation, err.Error(), OriginApp, nil)
		return
	}

	threads, total, err := h.threads.ListThreadsByUser(ctx, sessCtx.UserID, sessCtx.Workspace, params.Offset, params.PageSize)
	if err != nil {
		h.log.Error("list threads: query failed", "error", err, "user_id", sessCtx.UserID)
		RespondAppError(w, r, CodeInternal, "listing threads failed", OriginApp, nil)
		return
	}

	items := make([]threadSummaryResponse, len(threads))
	for i, t := range threads {
		items[i] = threadSummaryResponse{
			ID:             t.ID.String(),
			Title:          t.Title,
			CreatedAt:      t.CreatedAt,
			LastActivityAt: t.LastActivityAt,
		}
	}

	Respond(w, http.StatusOK, NewOffsetPage(items, params, total))
}

func respondThreadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, threadstore.ErrNotFound):
		RespondAppError(w, r, CodeNotFound, "thread not found", OriginApp, nil)
	case errors.Is(err, threadstore.ErrShareTokenGone):
		RespondAppError(w, r, CodeGone, "share token expired", OriginApp, nil)
	case errors.Is(err, threadstore.ErrWorkspaceMismatch):
		RespondAppError(w, r, CodeForbidden, "thread belongs to a different workspace", OriginApp, nil)
	default:
		RespondAppError(w, r, CodeInternal, "resolving thread failed", OriginApp, nil)
	}
}

func respondAgentError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *agent.AgentError
	if !errors.As(err, &ae) {
		RespondAppError(w, r, CodeInternal, err.Error(), OriginApp, nil)
		return
	}
	switch ae.Code {
	case agent.ErrModelProvider:
		RespondAppError(w, r, CodeInternal, ae.Error(), OriginAnthropic, nil)
	case agent.ErrMCPUnavailable:
		RespondAppError(w, r, CodeInternal, ae.Error(), OriginMCP, nil)
	case agent.ErrToolExec:
		RespondAppError(w, r, CodeUnprocessable, ae.Error(), OriginMCP, nil)
	default:
		RespondAppError(w, r, CodeInternal, ae.Error(), OriginApp, nil)
	}
}
