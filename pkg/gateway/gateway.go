// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/bus"
	"github.com/zhaopengme/witbot/pkg/channels"
	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/dispatch"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/engine/claude"
	"github.com/zhaopengme/witbot/pkg/engine/openai"
	"github.com/zhaopengme/witbot/pkg/engine/wit"
	"github.com/zhaopengme/witbot/pkg/heartbeat"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/monitor"
	"github.com/zhaopengme/witbot/pkg/session"
	"github.com/zhaopengme/witbot/pkg/weather"
)

// Deps overrides the external collaborators. Nil fields are built from the
// configuration.
type Deps struct {
	Engine     engine.Engine
	Sender     actions.Sender
	Forecaster actions.Forecaster
}

// Gateway is the assembled bot: session store, actions, dispatch loop,
// webhook endpoint and the optional monitor and heartbeat.
type Gateway struct {
	cfg *config.Config

	Sessions  *session.Store
	Actions   *actions.Registry
	Engine    engine.Engine
	Loop      *dispatch.Loop
	Bus       *bus.EventBus
	Webhook   *channels.Webhook
	Monitor   *monitor.Hub
	Heartbeat *heartbeat.HeartbeatService

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	sender := deps.Sender
	if sender == nil {
		sender = channels.NewMessenger(channels.MessengerOptions{
			PageToken: cfg.Messenger.PageToken,
			APIBase:   cfg.Messenger.GraphAPIBase,
			Timeout:   cfg.Messenger.SendTimeout.Duration,
		})
	}
	forecaster := deps.Forecaster
	if forecaster == nil {
		forecaster = NewForecaster(cfg)
	}

	g := &Gateway{
		cfg:      cfg,
		Sessions: session.NewStore(),
		Actions:  actions.NewRegistry(),
		Bus:      bus.NewEventBus(),
	}
	actions.RegisterBuiltins(g.Actions, g.Sessions, sender, forecaster, cfg.Weather.Fallback)

	g.Engine = deps.Engine
	if g.Engine == nil {
		eng, err := NewEngine(cfg, g.Actions)
		if err != nil {
			return nil, err
		}
		g.Engine = eng
	}

	if err := g.Actions.Require(append([]string{"send"}, cfg.Engine.Actions...)...); err != nil {
		return nil, fmt.Errorf("engine requests unregistered actions: %w", err)
	}

	g.Loop = dispatch.NewLoop(dispatch.LoopConfig{
		Engine:   g.Engine,
		Actions:  g.Actions,
		Sessions: g.Sessions,
		MaxSteps: cfg.Engine.MaxSteps,
		Events:   g.Bus,
	})

	g.Webhook = channels.NewWebhook(channels.WebhookOptions{
		Config:   cfg.Messenger,
		Sessions: g.Sessions,
		Loop:     g.Loop,
		Sender:   sender,
	})

	if cfg.Monitor.Enabled {
		g.Monitor = monitor.NewHub()
	}
	if cfg.Heartbeat.Enabled {
		hs, err := heartbeat.NewHeartbeatService(cfg.Heartbeat.Schedule, true, g.Sessions)
		if err != nil {
			return nil, err
		}
		hs.SetDroppedCounter(g.Bus.Dropped)
		g.Heartbeat = hs
	}

	return g, nil
}

// NewEngine builds the decision engine named by engine.provider.
func NewEngine(cfg *config.Config, registry *actions.Registry) (engine.Engine, error) {
	switch cfg.Engine.Provider {
	case "wit", "":
		return wit.NewClient(wit.Options{
			Token:   cfg.Engine.WitToken,
			APIBase: cfg.Engine.WitAPIBase,
			Version: cfg.Engine.WitVersion,
			Timeout: cfg.Engine.Timeout.Duration,
		}), nil
	case "claude", "anthropic":
		return claude.New(claude.Options{
			APIKey:  cfg.Engine.AnthropicKey,
			APIBase: cfg.Engine.AnthropicBase,
			Model:   cfg.Engine.AnthropicModel,
		}, registry.Described()), nil
	case "openai":
		return openai.New(openai.Options{
			APIKey:  cfg.Engine.OpenAIKey,
			APIBase: cfg.Engine.OpenAIBase,
			Model:   cfg.Engine.OpenAIModel,
		}, registry.Described()), nil
	case "script":
		return engine.NewScript(engine.DefaultStories), nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}

func NewForecaster(cfg *config.Config) *weather.Client {
	return weather.NewClient(weather.Options{
		GeocodingBase: cfg.Weather.GeocodingBase,
		ForecastBase:  cfg.Weather.ForecastBase,
		Timeout:       cfg.Weather.Timeout.Duration,
	})
}

// Handler routes the webhook, health and monitor endpoints.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	path := g.cfg.Gateway.WebhookPath
	if path == "" {
		path = "/webhook"
	}
	mux.Handle(path, g.Webhook)
	mux.HandleFunc("/health", g.handleHealth)
	if g.Monitor != nil {
		monitorPath := g.cfg.Monitor.Path
		if monitorPath == "" {
			monitorPath = "/monitor"
		}
		mux.Handle(monitorPath, g.Monitor)
	}
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return errors.New("gateway already started")
	}

	ln, err := net.Listen("tcp", g.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.ListenAddr(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.listener = ln

	if g.Monitor != nil {
		events, unsubscribe := g.Bus.Subscribe(0)
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			defer unsubscribe()
			g.Monitor.Run(runCtx, events)
		}()
	}
	if g.Heartbeat != nil {
		events, _ := g.Bus.Subscribe(0)
		if err := g.Heartbeat.Start(events); err != nil {
			cancel()
			ln.Close()
			return err
		}
	}

	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		logger.InfoCF("gateway", "Webhook server listening",
			map[string]interface{}{
				"addr": ln.Addr().String(),
				"path": g.cfg.Gateway.WebhookPath,
			})
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "Webhook server error",
				map[string]interface{}{
					"error": err.Error(),
				})
		}
	}()

	return nil
}

// Addr is the bound listen address, available after Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop stops accepting requests, waits for in-flight turns, then tears
// down the monitor, heartbeat and bus.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	server := g.server
	cancel := g.cancel
	g.mu.Unlock()

	var errs []error
	if server != nil {
		shutdownCtx, stop := context.WithTimeout(ctx, 5*time.Second)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := g.Webhook.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for turns: %w", err))
	}
	if g.Heartbeat != nil {
		g.Heartbeat.Stop()
	}
	if cancel != nil {
		cancel()
	}
	g.Bus.Close()
	g.wg.Wait()

	logger.InfoC("gateway", "Gateway stopped")
	return errors.Join(errs...)
}
