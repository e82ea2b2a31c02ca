package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"risk-auth-service/internal/factory"
	"risk-auth-service/internal/handler"
	"risk-auth-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	f.StartBackground(bgCtx)

	router := setupRouter(f)

	if cfg.Server.EnableTLS && cfg.IsProduction() && cfg.Server.AutoCert {
		startAutoCertServers(f, router, stopBackground)
		return
	}

	serverAddr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	go serve(server, cfg.Server.EnableTLS)

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
		util.String("storage_backend", cfg.Storage.Backend),
	)

	waitForShutdown(f, stopBackground, server)
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	authService := f.ServiceFactory().AuthService()
	authHandler := handler.NewAuthHandler(authService, util.Named("http"))
	return handler.NewRouter(authHandler, handler.RouterOptions{
		RequireTLS:     cfg.Server.EnableTLS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Health:         f.HealthCheck,
	}, util.Get())
}

// startAutoCertServers answers ACME challenges on :80 and serves the API on :443.
func startAutoCertServers(f *factory.Factory, router http.Handler, stopBackground context.CancelFunc) {
	cfg := f.Config()
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpsServer := &http.Server{
		Addr:         ":443",
		Handler:      router,
		TLSConfig:    f.TLSManager().GetTLSConfig(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go serve(httpServer, false)
	go serve(httpsServer, true)

	util.Info("Started HTTPS server with AutoCert",
		util.String("domain", cfg.Server.Domain),
	)

	waitForShutdown(f, stopBackground, httpsServer, httpServer)
}

func serve(server *http.Server, withTLS bool) {
	var err error
	if withTLS {
		// Certificates come from TLSConfig.GetCertificate.
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		util.Fatal("Server failed", util.String("address", server.Addr), util.ErrorField(err))
	}
}

func waitForShutdown(f *factory.Factory, stopBackground context.CancelFunc, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		}
	}
	stopBackground()
	f.Close()
}
