package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/warden/internal/agent"
	"github.com/rahul/warden/internal/audit"
	"github.com/rahul/warden/internal/dispatch"
	"github.com/rahul/warden/internal/gateway"
	"github.com/rahul/warden/internal/governance"
	"github.com/rahul/warden/internal/observability"
	"github.com/rahul/warden/internal/planner"
	"github.com/rahul/warden/internal/safety"
	"github.com/rahul/warden/internal/session"
	"github.com/rahul/warden/internal/tools"
	"github.com/rahul/warden/internal/web"
	"github.com/rahul/warden/pkg/config"
)

func main() {
	observability.PrintBanner()
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the dashboard's cursor save/restore sequence.
	log.SetOutput(observability.NewTermWriter())

	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		log.Fatal(err)
	}
	mode, err := cfg.SafetyMode()
	if err != nil {
		log.Fatal(err)
	}

	ledger, err := audit.NewLedger(cfg.Audit.Path)
	if err != nil {
		log.Fatal(err)
	}
	defer ledger.Close()

	// Safety stack
	stop := safety.NewEmergencyStop(cfg.Safety.EmergencyResetCode)
	gate := safety.NewGate(stop)
	guard := governance.NewGuard(map[session.Kind]bool{
		session.KindDesktop:     cfg.Safety.AllowDesktopControl,
		session.KindSystem:      cfg.Safety.AllowSystemCommands,
		session.KindBrowser:     cfg.Safety.AllowBrowserAutomation,
		session.KindApplication: cfg.Safety.AllowSoftwareInstallation,
	})
	limiter := governance.NewRateLimiter(cfg.Safety.RateLimitPerMinute)

	// Capability adapters. The guard is the authority on what may run; the
	// registry simply holds everything the host can do.
	registry := tools.NewRegistry()
	registry.Register(tools.NewDesktopAdapter())
	registry.Register(tools.NewBrowserAdapter())
	registry.Register(tools.NewSystemAdapter(cfg.App.Workspace))
	registry.Register(tools.NewApplicationAdapter())

	// Initialize LLM (using default enabled provider)
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		log.Fatal("No enabled provider found in config")
	}

	var llm llms.Model
	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	default:
		log.Fatalf("Provider %s not yet implemented in main", pName)
	}
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.NewLogger()
	hub := gateway.NewHub()

	orch := agent.New(agent.Options{
		Planner:        planner.NewLLM(llm),
		Gate:           gate,
		Stop:           stop,
		Guard:          guard,
		Limiter:        limiter,
		Ledger:         ledger,
		Dispatcher:     dispatch.NewDispatcher(registry),
		Logger:         logger,
		Mode:           mode,
		ConfirmTimeout: time.Duration(cfg.Safety.ConfirmationTimeoutSeconds) * time.Second,
		Notify:         hub.Notify,
	})
	router := gateway.NewRouter(orch)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Gateways
	var messengers []gateway.Messenger
	if gwCfg, ok := cfg.GetGateway("telegram"); ok {
		tg, err := gateway.NewTelegramGateway(gwCfg.Token, router)
		if err != nil {
			log.Fatal(err)
		}
		hub.Register("telegram", tg)
		messengers = append(messengers, tg)
	}
	if gwCfg, ok := cfg.GetGateway("discord"); ok {
		dc, err := gateway.NewDiscordGateway(gwCfg.Token, router)
		if err != nil {
			log.Fatal(err)
		}
		hub.Register("discord", dc)
		messengers = append(messengers, dc)
	}
	if len(messengers) == 0 {
		log.Fatal("No gateway is enabled; configure telegram or discord")
	}

	for _, m := range messengers {
		go func(m gateway.Messenger) {
			if err := m.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] GATEWAY CRITICAL ERROR: %v\033[0m", err)
				cancel()
			}
		}(m)
	}

	// Read-only web surface
	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(cfg.Web.Addr, orch, ledger)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("\033[91m[ FAIL ] WEB SERVER ERROR: %v\033[0m", err)
			}
		}()
	}

	// Live Resource Dashboard (1-second updates)
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h := orch.Health(ctx)
				state := observability.StateArmed
				if h.Emergency.Tripped {
					state = observability.StateTripped
				}
				observability.SetStatus(state, h.ActiveSessions, h.PendingConfirmations, h.LastSequence)
				observability.PrintLiveStatus()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.Heartbeat()
				logger.LogHeartbeat()
			}
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	for _, m := range messengers {
		_ = m.Stop()
	}
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	// Reset terminal aesthetics
	observability.CleanupTerminal()

	time.Sleep(500 * time.Millisecond)
	log.Println("\033[95m[ EXIT ] ENGINE DE-INITIALIZED. GOODBYE.\033[0m")
}
