package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalgrid/softswitch/internal/api"
	"github.com/signalgrid/softswitch/internal/config"
	"github.com/signalgrid/softswitch/internal/core"
	"github.com/signalgrid/softswitch/internal/database"
	"github.com/signalgrid/softswitch/internal/media"
	"github.com/signalgrid/softswitch/internal/sip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting softswitch",
		"node", cfg.NodeName,
		"api_addr", cfg.APIAddr,
		"profiles", cfg.ProfilesFile,
	)

	db, err := database.Open(cfg.DatabaseDSN, logger)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pf, err := config.LoadProfiles(cfg.ProfilesFile, logger)
	if err != nil {
		slog.Error("failed to load profiles", "error", err)
		os.Exit(1)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	registry := sip.NewRegistry(logger)
	runtime := core.NewRuntime(logger)
	engine := media.NewLoopback(cfg.MediaIP(), cfg.RTPPortMin, cfg.RTPPortMax, logger)

	// The dialplan is an external concern; routed calls are parked in the
	// runtime until an application claims them.
	runtime.SetTransferFunc(func(sessionID, destination string) error {
		s, release := runtime.Locate(sessionID)
		if s == nil {
			return fmt.Errorf("transfer: session %s not found", sessionID)
		}
		defer release()
		s.SetVar("destination_number", destination)
		s.SetState(core.StatePark)
		slog.Info("session parked for dialplan", "session", sessionID, "destination", destination)
		return nil
	})

	acls := sip.NewACLSet(logger)
	for _, ac := range pf.ACLs {
		a := sip.NewACL(ac.Name, ac.Default != "deny")
		for _, cidr := range ac.Allow {
			if err := a.Add(true, cidr); err != nil {
				slog.Error("invalid acl entry", "acl", ac.Name, "cidr", cidr, "error", err)
				os.Exit(1)
			}
		}
		for _, cidr := range ac.Deny {
			if err := a.Add(false, cidr); err != nil {
				slog.Error("invalid acl entry", "acl", ac.Name, "cidr", cidr, "error", err)
				os.Exit(1)
			}
		}
		acls.Put(a)
	}

	var profiles []*sip.Profile
	for _, pc := range pf.Profiles {
		p, err := sip.NewProfile(pc, sip.ProfileDeps{
			Registry: registry,
			Runtime:  runtime,
			Media:    engine,
			ACLs:     acls,
			Sink:     db,
			NodeName: cfg.NodeName,
			MediaIP:  cfg.MediaIP(),
			Logger:   logger,
		})
		if err != nil {
			slog.Error("failed to create profile", "profile", pc.Name, "error", err)
			os.Exit(1)
		}

		agent, err := sip.NewAgent(pc, logger)
		if err != nil {
			slog.Error("failed to create agent", "profile", pc.Name, "error", err)
			os.Exit(1)
		}
		agent.OnEvent(p.Post)
		p.SetSignaler(agent)

		if err := registry.AddProfile(p); err != nil {
			slog.Error("failed to register profile", "profile", pc.Name, "error", err)
			os.Exit(1)
		}
		if err := p.Start(appCtx); err != nil {
			slog.Error("failed to start profile", "profile", pc.Name, "error", err)
			os.Exit(1)
		}
		profiles = append(profiles, p)
	}

	handler := api.NewServer(registry, runtime, time.Now())
	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("api server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	slog.Info("shutting down")
	for _, p := range profiles {
		if err := p.Shutdown(ctx); err != nil {
			slog.Error("profile shutdown error", "profile", p.Name(), "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("api server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("softswitch stopped")
}
