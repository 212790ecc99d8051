package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chatforge/chatforge/config"
	"github.com/chatforge/chatforge/conversation"
	"github.com/chatforge/chatforge/directory"
	"github.com/chatforge/chatforge/internal/cache"
	"github.com/chatforge/chatforge/internal/metrics"
	"github.com/chatforge/chatforge/internal/server"
	"github.com/chatforge/chatforge/internal/telemetry"
	"github.com/chatforge/chatforge/lease"
	"github.com/chatforge/chatforge/llm"
	"github.com/chatforge/chatforge/llm/openai"
	"github.com/chatforge/chatforge/llm/tokenizer"
	"github.com/chatforge/chatforge/notify"
	"github.com/chatforge/chatforge/persistence"
	"github.com/chatforge/chatforge/registry"
	"github.com/chatforge/chatforge/retrieval"
	"github.com/chatforge/chatforge/session"
	"github.com/chatforge/chatforge/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装编排核心的全部依赖并对外提供 WebSocket 会话端点。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	cache     *cache.Manager
	stores    *persistence.Stores
	registry  *registry.Registry
	leases    *lease.Coordinator
	directory *directory.StaticDirectory
	intent    retrieval.IntentIndex
	builder   *retrieval.ContextBuilder
	resolver  retrieval.Resolver
	provider  llm.Provider
	telemetry *telemetry.Providers

	mu sync.Mutex
	// sessions 持有活跃连接的会话 actor，关闭连接时释放
	sessions map[string]*session.FlowActor
}

// NewServer 创建服务器实例。
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session.FlowActor),
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 初始化依赖并启动 HTTP 与 Metrics 服务。
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("chatforge", s.logger)

	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = otelProviders

	if err := s.initComponents(); err != nil {
		return fmt.Errorf("failed to init components: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// initComponents 初始化编排核心的依赖组件。
func (s *Server) initComponents() error {
	// Redis 不可用时注册表降级为禁用，编排本身不依赖它
	cacheManager, err := cache.NewManager(cache.Config{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		DefaultTTL:   s.cfg.Registry.TTL,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	}, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, backend registry disabled", zap.Error(err))
	} else {
		s.cache = cacheManager
		s.registry = registry.New(cacheManager, s.cfg.Registry, s.logger)
	}

	stores, err := persistence.NewStores(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	s.stores = stores

	s.leases = lease.NewCoordinator(s.cfg.Lease, s.collector, s.logger)
	s.directory = directory.NewStaticDirectory(s.cfg.Processes, s.logger)

	// 意图检索与上下文检索默认使用进程内词法实现；
	// 接入外部向量管线时在此替换
	docs := make([]retrieval.IndexedDocument, 0)
	for _, d := range s.directory.IndexDocuments() {
		docs = append(docs, retrieval.IndexedDocument{ID: d.ID, Text: d.Text})
	}
	s.intent = retrieval.NewLexicalIntentIndex(docs, s.logger)

	tok := tokenizer.NewTiktokenTokenizer(s.cfg.LLM.Model)
	s.builder = retrieval.NewContextBuilder(
		retrieval.NewLexicalSearcher(s.logger),
		tok,
		s.cfg.Conversation.ContextPassages,
		s.cfg.Conversation.ContextTokenBudget,
		s.logger,
	)
	s.resolver = retrieval.PassthroughResolver{}

	s.provider = openai.New(openai.Config{
		BaseURL: s.cfg.LLM.BaseURL,
		APIKey:  s.cfg.LLM.APIKey,
		Model:   s.cfg.LLM.Model,
		Timeout: s.cfg.LLM.Timeout,
	}, s.logger)
	if s.cfg.LLM.APIKey == "" {
		s.logger.Warn("LLM API key not configured, requests will be sent unauthenticated")
	}

	return nil
}

// sessionDeps 为一条连接组装会话 actor 依赖。
func (s *Server) sessionDeps(notifier notify.Notifier) session.Deps {
	return session.Deps{
		Store:     s.stores.Sessions,
		Directory: s.directory,
		Intent:    s.intent,
		Registry:  s.registry,
		Leases:    s.leases,
		Notifier:  notifier,
		Metrics:   s.collector,
		Logger:    s.logger,
		Config:    s.cfg.Session,
		Conversation: conversation.Deps{
			Store:    s.stores.Conversations,
			Provider: s.provider,
			Builder:  s.builder,
			Resolver: s.resolver,
			Metrics:  s.collector,
			Logger:   s.logger,
			Config:   s.cfg.Conversation,
			Model:    s.cfg.LLM.Model,
		},
	}
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/ws", s.handleSession)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🔌 会话端点
// =============================================================================

// clientFrame 是客户端经 WebSocket 发来的一条指令。
type clientFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Author string `json:"author,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// handleSession 升级连接为 WebSocket，并为该连接创建一个流程会话 actor。
// 客户端发送 {"type":"query","text":...} 或 {"type":"tool_query","text":...}；
// 服务端推送由 notify 帧承载。连接断开时会话 actor 关闭。
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	notifier := notify.NewWebSocketNotifier(conn, s.logger)
	actor := session.NewFlowActorForUser(userID, s.sessionDeps(notifier))

	s.mu.Lock()
	s.sessions[actor.ID()] = actor
	s.mu.Unlock()

	s.logger.Info("session connected",
		zap.String("session_id", actor.ID()),
		zap.String("user_id", userID),
	)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, actor.ID())
		s.mu.Unlock()

		if err := actor.Close(context.Background()); err != nil {
			s.logger.Warn("session close failed",
				zap.String("session_id", actor.ID()),
				zap.Error(err))
		}
		notifier.Close()
		s.logger.Info("session disconnected", zap.String("session_id", actor.ID()))
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var f clientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Warn("malformed client frame", zap.Error(err))
			continue
		}
		author := f.Author
		if author == "" {
			author = userID
		}

		switch f.Type {
		case "query":
			go func(text, author string) {
				if _, err := actor.Query(ctx, text, author); err != nil {
					s.logger.Warn("query failed",
						zap.String("session_id", actor.ID()),
						zap.String("code", string(types.GetErrorCode(err))),
						zap.Error(err))
				}
			}(f.Text, author)

		case "tool_query":
			go func(text string) {
				result, backends, err := actor.QueryForTool(ctx, text)
				if err != nil {
					s.logger.Warn("tool query failed",
						zap.String("session_id", actor.ID()),
						zap.Error(err))
				} else {
					s.logger.Debug("tool query answered",
						zap.String("session_id", actor.ID()),
						zap.Strings("backend_ids", backends))
				}
				// 同步模式的最终文本通过一条持久状态帧交付
				_ = notifier.PushStatus(ctx, notify.Status{
					SessionID:  actor.ID(),
					Text:       result,
					Persistent: true,
					Completed:  true,
				})
			}(f.Text)

		default:
			s.logger.Warn("unknown client frame type", zap.String("type", f.Type))
		}
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭。
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务与依赖。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	s.mu.Lock()
	actors := make([]*session.FlowActor, 0, len(s.sessions))
	for _, a := range s.sessions {
		actors = append(actors, a)
	}
	s.sessions = make(map[string]*session.FlowActor)
	s.mu.Unlock()

	for _, a := range actors {
		if err := a.Close(ctx); err != nil {
			s.logger.Warn("session close failed", zap.String("session_id", a.ID()), zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			s.logger.Error("store close error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("cache close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
