package server

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"collab/internal/agents"
	"collab/internal/config"
	"collab/internal/heartbeat"
	"collab/internal/observability"
	"collab/internal/planning"
	"collab/internal/storage"
	"collab/internal/team"
)

// NewFromConfig assembles the full engine behind a Server: gateway,
// registry, the handler for the configured kind, and the pending store when
// the approval gate is on.
func NewFromConfig(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer trace.Tracer) (*Server, error) {
	gateway := agents.NewGateway(agents.GatewayOptions{
		Host:        cfg.Gateway.Host,
		Secure:      cfg.Gateway.Secure,
		Key:         cfg.Gateway.Key,
		Timeout:     cfg.Gateway.Timeout(),
		MaxAttempts: cfg.Gateway.MaxAttempts,
		RetryDelay:  cfg.Gateway.RetryDelay(),
		Logger:      logger,
		Metrics:     metrics,
	})

	registry := agents.NewRegistry(gateway, taskAgents(cfg.Agents.Tasks))
	beat := heartbeat.DefaultConfig()
	beat.Period = cfg.Orchestration.KeepalivePeriod()

	var teamHandler *team.Handler
	var planningHandler *planning.Handler
	switch cfg.Orchestration.Kind {
	case config.KindTeam:
		manager := team.NewManagerAgent(agentFromRef(cfg.Agents.Manager), gateway, logger)
		teamHandler = team.NewHandler(team.HandlerOptions{
			Manager:   manager,
			Registry:  registry,
			Source:    cfg.Source(),
			MaxRounds: cfg.Orchestration.MaxRounds,
			Beat:      beat,
			Logger:    logger,
			Metrics:   metrics,
			Tracer:    tracer,
		})

	case config.KindPlanning:
		store, err := pendingStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		planner := planning.NewManager(agentFromRef(cfg.Agents.Planner), gateway, registry, logger)
		planningHandler = planning.NewHandler(planning.HandlerOptions{
			Planner:         planner,
			Registry:        registry,
			Store:           store,
			Broker:          planning.NewResumeBroker(),
			Source:          cfg.Source(),
			HITLEnabled:     cfg.HITL.Enabled,
			ApprovalTimeout: cfg.HITL.Timeout(),
			Beat:            beat,
			Logger:          logger,
			Metrics:         metrics,
			Tracer:          tracer,
		})

	default:
		return nil, fmt.Errorf("unknown orchestration kind: %q", cfg.Orchestration.Kind)
	}

	return New(Options{
		Config:   cfg,
		Team:     teamHandler,
		Planning: planningHandler,
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics,
	})
}

func pendingStore(cfg *config.Config, logger *observability.Logger) (planning.PendingStore, error) {
	if cfg.HITL.Store != "sqlite" {
		return planning.NewMemoryStore(), nil
	}
	path := cfg.HITL.SQLitePath
	if path == "" {
		path = "data/pending_plans.db"
	}
	store, err := storage.NewSQLitePendingStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening pending plan store: %w", err)
	}
	return store, nil
}

func agentFromRef(ref config.AgentRef) agents.Agent {
	return agents.Agent{
		ID:          ref.ID,
		Name:        ref.Name,
		Version:     ref.Version,
		Description: ref.Description,
	}
}

func taskAgents(refs []config.AgentRef) []agents.Agent {
	out := make([]agents.Agent, 0, len(refs))
	for _, ref := range refs {
		out = append(out, agentFromRef(ref))
	}
	return out
}
