package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/spirit-memory/internal/attribution"
	"github.com/scrypster/spirit-memory/internal/config"
	"github.com/scrypster/spirit-memory/internal/engine"
	"github.com/scrypster/spirit-memory/internal/llm"
	"github.com/scrypster/spirit-memory/internal/loader"
	"github.com/scrypster/spirit-memory/internal/packs"
	"github.com/scrypster/spirit-memory/internal/tools"
	"github.com/scrypster/spirit-memory/pkg/types"
)

// app holds everything a command needs. It is built once per invocation by
// the root command's PersistentPreRunE.
type app struct {
	configPath string
	agentID    string

	cfg        *config.Config
	logger     *zap.Logger
	registry   *packs.Registry
	engine     *engine.MemoryEngine
	dispatcher *tools.Dispatcher
	closers    []io.Closer

	// subAgent replaces the configured LLM provider when set.
	subAgent llm.SubAgent
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Log)

	registry, err := packs.NewRegistry(cfg.DataDir,
		packs.WithLogger(a.logger),
		packs.WithGrants(cfg.Grants))
	if err != nil {
		return fmt.Errorf("open pack registry: %w", err)
	}
	a.registry = registry
	a.closers = append(a.closers, registry)

	mux, err := a.newLoader()
	if err != nil {
		return err
	}

	agent := a.subAgent
	if agent == nil {
		ra, err := llm.NewSubAgent(cfg.LLM, a.logger)
		if err != nil {
			return fmt.Errorf("create sub-agent: %w", err)
		}
		agent = ra
	}

	eng, err := engine.NewMemoryEngine(registry, engineConfig(cfg.Engine),
		engine.WithLogger(a.logger),
		engine.WithLoader(mux),
		engine.WithSubAgent(agent))
	if err != nil {
		return fmt.Errorf("create memory engine: %w", err)
	}
	a.engine = eng
	a.dispatcher = tools.NewDispatcher(eng, tools.WithLogger(a.logger))
	return nil
}

func (a *app) newLoader() (*loader.Mux, error) {
	cfg := a.cfg
	mux := loader.NewMux(a.logger)
	mux.Register(types.SourceDocument, loader.NewDocumentLoader(cfg.DocumentsRoot))
	mux.Register(types.SourceURL, loader.NewURLLoader(loader.URLConfig{
		Timeout:   cfg.Fetch.Timeout,
		MaxBytes:  cfg.Fetch.MaxBytes,
		UserAgent: cfg.Fetch.UserAgent,
	}))

	if cfg.Conversations.DSN != "" {
		conv, err := loader.OpenConversationLoader(cfg.Conversations.DSN, loader.ConversationConfig{
			Table:              cfg.Conversations.Table,
			AgentColumn:        cfg.Conversations.AgentColumn,
			ConversationColumn: cfg.Conversations.ConversationColumn,
			RoleColumn:         cfg.Conversations.RoleColumn,
			ContentColumn:      cfg.Conversations.ContentColumn,
			OrderColumn:        cfg.Conversations.OrderColumn,
		})
		if err != nil {
			return nil, err
		}
		mux.Register(types.SourceSpiritConversation, conv)
		a.closers = append(a.closers, conv)
	}
	return mux, nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.NumWorkers = c.Workers
	cfg.QueueSize = c.QueueSize
	cfg.ShutdownTimeout = c.ShutdownTimeout
	cfg.PollInterval = c.PollInterval
	cfg.SegmentConcurrency = c.SegmentConcurrency
	cfg.SegmentRetries = c.SegmentRetries
	cfg.TargetTokens = c.TargetTokens
	cfg.MaxTokens = c.MaxTokens
	cfg.AsyncMaxTokens = c.AsyncMaxTokens
	cfg.AsyncMaxSegments = c.AsyncMaxSegments
	cfg.RelatedCap = c.RelatedCap
	cfg.MaxDepth = c.MaxDepth
	return cfg
}

// pack opens the pack of the agent named by --agent.
func (a *app) pack(ctx context.Context) (*packs.Pack, error) {
	if a.agentID == "" {
		return nil, fmt.Errorf("no agent: pass --agent or set SPIRIT_AGENT")
	}
	return a.registry.Open(ctx, a.agentID)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// printJSON writes v to the command's output as indented JSON.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func defaultAgent() string {
	return attribution.DetectAgent()
}
