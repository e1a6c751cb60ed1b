// Package server exposes the orchestration engine over HTTP: a streaming
// invoke endpoint, the plan approval endpoints, and operational routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collab/internal/agents"
	"collab/internal/config"
	"collab/internal/conversation"
	"collab/internal/events"
	"collab/internal/observability"
	"collab/internal/planning"
	"collab/internal/team"
)

// Options wires a Server from already-constructed handlers.
type Options struct {
	Config   *config.Config
	Team     *team.Handler
	Planning *planning.Handler
	Registry *agents.Registry
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Server is the HTTP front of the engine. Exactly one of the two handlers
// is active, selected by the configured orchestration kind.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server
	team       *team.Handler
	planning   *planning.Handler
	registry   *agents.Registry
	replay     *ReplayBuffer
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// New builds the server and its routes.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("server requires a config")
	}
	if opts.Logger == nil {
		opts.Logger = observability.Nop()
	}

	replay, err := NewReplayBuffer()
	if err != nil {
		return nil, fmt.Errorf("creating replay buffer: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:      opts.Config,
		engine:   engine,
		team:     opts.Team,
		planning: opts.Planning,
		registry: opts.Registry,
		replay:   replay,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Config.Service.Host, opts.Config.Service.Port),
		Handler: engine,
		// No write timeout: invoke responses are long-lived SSE streams.
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	api.POST("/invoke", s.handleInvoke)
	api.GET("/agents", s.handleAgents)
	api.GET("/requests/:id/events", s.handleReplay)

	plans := api.Group("/plans")
	plans.POST("/:session/approve", s.resumeHandler(planning.ResumeApprove))
	plans.POST("/:session/edit", s.resumeHandler(planning.ResumeEdit))
	plans.POST("/:session/cancel", s.resumeHandler(planning.ResumeCancel))
}

// Start runs the HTTP listener until Shutdown or a fatal accept error.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr, "kind", string(s.cfg.Orchestration.Kind))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type invokeRequest struct {
	SessionID    string             `json:"session_id"`
	Goal         string             `json:"goal"`
	History      []conversationItem `json:"history,omitempty"`
	StreamTokens bool               `json:"stream_tokens"`
}

// conversationItem mirrors conversation.Item for request decoding without
// exposing the internal type on the API surface.
type conversationItem struct {
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	AgentName string `json:"agent_name,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": s.cfg.Service.Name,
		"version": s.cfg.Service.Version,
	})
}

func (s *Server) handleAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.registry.Agents()})
}

// handleInvoke opens the SSE stream and drives the configured orchestration
// handler to its terminal event. All orchestration failures arrive as error
// events on the stream; HTTP-level errors occur only before streaming starts.
func (s *Server) handleInvoke(c *gin.Context) {
	var req invokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}
	if req.Goal == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "goal is required"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	requestID := uuid.NewString()

	sink, ok := s.openStream(c, requestID)
	if !ok {
		return
	}

	ctx := observability.ContextWithRequestID(c.Request.Context(), requestID)
	ctx = observability.ContextWithSessionID(ctx, req.SessionID)

	switch s.cfg.Orchestration.Kind {
	case config.KindPlanning:
		s.planning.Invoke(ctx, planning.Request{
			SessionID:    req.SessionID,
			RequestID:    requestID,
			UserInput:    req.Goal,
			History:      historyItems(req.History),
			StreamTokens: req.StreamTokens,
		}, sink)
	default:
		s.team.Invoke(ctx, team.Request{
			SessionID:    req.SessionID,
			RequestID:    requestID,
			Goal:         req.Goal,
			StreamTokens: req.StreamTokens,
		}, sink)
	}
}

type resumeBody struct {
	Plan json.RawMessage `json:"plan,omitempty"`
}

// resumeHandler resolves a session's pending plan. Only meaningful for the
// planning kind with the approval gate enabled; otherwise the endpoint
// exists but reports the feature unavailable, distinct from a missing plan.
func (s *Server) resumeHandler(kind planning.ResumeKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Orchestration.Kind != config.KindPlanning || !s.cfg.HITL.Enabled {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "plan approval is not enabled"})
			return
		}

		var body resumeBody
		if kind == planning.ResumeEdit {
			if err := c.ShouldBindJSON(&body); err != nil || len(body.Plan) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "edit requires a plan body"})
				return
			}
		}

		sessionID := c.Param("session")
		requestID := uuid.NewString()
		sink, ok := s.openStream(c, requestID)
		if !ok {
			return
		}

		ctx := observability.ContextWithSessionID(c.Request.Context(), sessionID)
		s.planning.Invoke(ctx, planning.Request{
			SessionID: sessionID,
			RequestID: requestID,
			Resume:    &planning.ResumeRequest{Kind: kind, EditedPlan: body.Plan},
		}, sink)
	}
}

// handleReplay returns the buffered event history of a recent request.
func (s *Server) handleReplay(c *gin.Context) {
	recorded, ok := s.replay.Events(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired request id"})
		return
	}
	out := make([]gin.H, 0, len(recorded))
	for _, ev := range recorded {
		out = append(out, gin.H{"event": string(ev.Type()), "data": ev})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// openStream switches the response into SSE mode and returns the sink.
func (s *Server) openStream(c *gin.Context, requestID string) (events.Sink, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Request-ID", requestID)
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return newSSESink(c.Writer, flusher, s.replay, requestID, s.logger), true
}

func historyItems(items []conversationItem) []conversation.Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]conversation.Item, 0, len(items))
	for _, item := range items {
		out = append(out, conversation.Item{
			TaskID:    item.TaskID,
			Role:      conversation.Role(item.Role),
			Content:   item.Content,
			AgentName: item.AgentName,
		})
	}
	return out
}
