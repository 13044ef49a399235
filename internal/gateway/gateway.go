// Package gateway is the HTTP front door: health and control endpoints,
// the direct /agent passthrough, the /mcp tool-server mount, and one
// webhook per chat channel. It also subscribes to notify.user events and
// delivers them through the channel adapters.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/agent/runner"
	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/httpmw"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events"
	"github.com/dispatchd/dispatchd/internal/events/bus"
	"github.com/dispatchd/dispatchd/internal/ratelimit"
	"github.com/dispatchd/dispatchd/internal/router"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/task/models"
	"github.com/dispatchd/dispatchd/internal/task/store"
)

// PoolStatus exposes the worker-pool numbers shown on /control/status.
type PoolStatus interface {
	ActiveCount() int
}

// Gateway owns the HTTP server.
type Gateway struct {
	cfg      *config.Config
	chat     *router.Router
	registry *channels.Registry
	telegram *channels.Telegram
	slack    *channels.Slack
	whatsapp *channels.WhatsApp
	tasks    *store.Manager
	sched    *scheduler.Scheduler
	pool     PoolStatus
	limiter  *ratelimit.Limiter
	runner   *runner.Runner
	bus      bus.EventBus
	mcp      http.Handler
	restart  func(reason string)
	logger   *logger.Logger

	engine    *gin.Engine
	srv       *http.Server
	startedAt time.Time
	notifySub bus.Subscription
}

// Options bundles the gateway's many collaborators.
type Options struct {
	Config     *config.Config
	ChatRouter *router.Router
	Channels   *channels.Registry
	Telegram   *channels.Telegram
	Slack      *channels.Slack
	WhatsApp   *channels.WhatsApp
	Tasks      *store.Manager
	Scheduler  *scheduler.Scheduler
	Pool       PoolStatus
	Limiter    *ratelimit.Limiter
	Runner     *runner.Runner
	Bus        bus.EventBus
	MCPHandler http.Handler
	Restart    func(reason string)
	Logger     *logger.Logger
}

// New assembles the gin engine and routes.
func New(opts Options) *Gateway {
	g := &Gateway{
		cfg:       opts.Config,
		chat:      opts.ChatRouter,
		registry:  opts.Channels,
		telegram:  opts.Telegram,
		slack:     opts.Slack,
		whatsapp:  opts.WhatsApp,
		tasks:     opts.Tasks,
		sched:     opts.Scheduler,
		pool:      opts.Pool,
		limiter:   opts.Limiter,
		runner:    opts.Runner,
		bus:       opts.Bus,
		mcp:       opts.MCPHandler,
		restart:   opts.Restart,
		logger:    opts.Logger.WithFields(zap.String("component", "gateway")),
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(opts.Logger, "gateway"))
	engine.Use(httpmw.OtelTracing("gateway"))
	g.engine = engine

	g.routes()
	return g
}

func (g *Gateway) routes() {
	g.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	control := g.engine.Group("/control")
	control.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	control.GET("/status", g.controlStatus)
	control.GET("/metrics", g.controlMetrics)
	control.POST("/restart", g.controlRestart)

	g.engine.POST("/agent", g.agentPassthrough)

	if g.mcp != nil {
		g.engine.Any("/mcp", gin.WrapH(g.mcp))
	}

	g.engine.POST("/telegram/webhook", g.telegramWebhook)
	g.engine.POST("/teams/api/messages", g.teamsWebhook)
	g.engine.GET("/whatsapp/webhook", g.whatsappVerify)
	g.engine.POST("/whatsapp/webhook", g.whatsappWebhook)
	g.engine.POST("/slack/events", g.slackEvents)
}

// Start binds the listener and subscribes to notify.user.
func (g *Gateway) Start() error {
	sub, err := g.bus.Subscribe(events.NotifyUser, g.onNotifyUser)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.NotifyUser, err)
	}
	g.notifySub = sub

	addr := fmt.Sprintf("%s:%d", g.cfg.Server.Host, g.cfg.Server.Port)
	g.srv = &http.Server{
		Addr:         addr,
		Handler:      g.engine,
		ReadTimeout:  time.Duration(g.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(g.cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		g.logger.Info("gateway listening", zap.String("addr", addr))
		if err := g.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.notifySub != nil {
		_ = g.notifySub.Unsubscribe()
	}
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown(ctx)
}

// Handler exposes the engine for tests.
func (g *Gateway) Handler() http.Handler { return g.engine }

// onNotifyUser delivers a bus notification through the right adapter.
func (g *Gateway) onNotifyUser(ctx context.Context, event *bus.Event) error {
	channel, _ := event.Data["channel"].(string)
	target, _ := event.Data["target"].(string)
	text, _ := event.Data["text"].(string)
	serviceURL, _ := event.Data["service_url"].(string)
	if channel == "" || target == "" || text == "" {
		g.logger.Warn("notify.user event missing fields", zap.Any("data", event.Data))
		return nil
	}
	// send failures are logged by the registry; the message is not retried
	_ = g.registry.Deliver(ctx, channel, channels.Message{
		Target:     target,
		ServiceURL: serviceURL,
		Text:       text,
	})
	return nil
}

func (g *Gateway) controlStatus(c *gin.Context) {
	var active, proposed int
	for _, t := range g.tasks.List() {
		switch {
		case t.Status == models.StatusProposed:
			proposed++
		case t.IsActive():
			active++
		}
	}
	var pendingJobs int
	for _, j := range g.sched.List() {
		if j.Pending() {
			pendingJobs++
		}
	}
	host, _ := os.Hostname()
	status := gin.H{
		"status":         "ok",
		"host":           host,
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"tasks_active":   active,
		"tasks_proposed": proposed,
		"jobs_pending":   pendingJobs,
		"channels":       g.registry.Names(),
	}
	if g.pool != nil {
		status["workers_running"] = g.pool.ActiveCount()
	}
	c.JSON(http.StatusOK, status)
}

func (g *Gateway) controlMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"tasks_total":    len(g.tasks.List()),
		"jobs_total":     len(g.sched.List()),
		"bus_connected":  g.bus.IsConnected(),
	})
}

func (g *Gateway) controlRestart(c *gin.Context) {
	if g.restart == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "restart not supported"})
		return
	}
	go g.restart("requested via /control/restart")
	c.JSON(http.StatusOK, gin.H{"status": "restarting"})
}

// agentPassthrough runs one orchestrator prompt synchronously.
func (g *Gateway) agentPassthrough(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt" binding:"required"`
		Model  string `json:"model"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := g.runner.Invoke(c.Request.Context(), runner.Options{
		Prompt: req.Prompt,
		LogTag: "http:agent",
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"response": res.Output})
}

// allow applies the per-channel rate limit, answering 429 when exceeded.
func (g *Gateway) allow(c *gin.Context, channel string) bool {
	if g.limiter != nil && !g.limiter.Allow(channel) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return false
	}
	return true
}
