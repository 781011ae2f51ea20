package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"security-monitor/internal/config"
	"security-monitor/internal/factory"
	"security-monitor/internal/handler"
	"security-monitor/internal/notifier"
	"security-monitor/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var challengeServer *http.Server
	if cfg.TLS.Enabled {
		tlsManager := f.TLSManager()
		server.TLSConfig = tlsManager.ServerConfig()

		if challenge := tlsManager.ChallengeHandler(nil); challenge != nil {
			challengeServer = &http.Server{
				Addr:              ":80",
				Handler:           challenge,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				util.Info("Starting ACME challenge server on port 80")
				if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					util.Error("ACME challenge server failed", util.ErrorField(err))
				}
			}()
		}
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.TLS.Port),
			util.Bool("auto_cert", cfg.TLS.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runDailyReports(ctx, f, cfg.Security.DailyReportHour)

	startServer(server, cfg)
	waitForShutdown(f, cancel, server, challengeServer)
}

// setupRouter wires the monitoring API and the interceptor chain
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	logger := util.Get()

	// a disabled bot stays an untyped nil so the telegram routes are skipped
	security := handler.NewSecurityHandler(services.SecurityMonitor(), f.Cleaner(), nil, cfg.Security.RetentionDays, logger)
	if f.Telegram().Enabled() {
		security = handler.NewSecurityHandler(services.SecurityMonitor(), f.Cleaner(), f.Telegram(), cfg.Security.RetentionDays, logger)
	}

	interceptor := handler.NewRequestInterceptor(
		services.CounterService(),
		services.SecurityMonitor(),
		f.Notifier(),
		f.GeoIP(),
		f.KeyManager(),
		logger,
	)

	opts := handler.RouterOptions{
		Security:       security,
		Interceptor:    interceptor,
		Throttle:       handler.NewLoginThrottle(services.AuthTracker(), f.GeoIP(), logger),
		ResponseTime:   handler.NewResponseTimeMonitor(cfg.Security.SlowResponseThreshold, f.Notifier(), logger),
		AdminTokenHash: cfg.Admin.TokenHash,
		Health:         f.HealthCheck,
	}

	if cfg.Server.UpstreamURL != "" {
		target, err := url.Parse(cfg.Server.UpstreamURL)
		if err != nil {
			util.Fatal("Invalid upstream URL", util.String("url", cfg.Server.UpstreamURL), util.ErrorField(err))
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			util.Error("Upstream request failed",
				util.String("path", r.URL.Path),
				util.ErrorField(err),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"success":false,"error":"upstream unavailable"}`))
		}
		opts.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Host = target.Host
			proxy.ServeHTTP(w, r)
		})
		util.Info("Proxying auth traffic", util.String("upstream", target.String()))
	}

	return handler.NewRouter(opts, logger)
}

func startServer(server *http.Server, cfg *config.Config) {
	go func() {
		var err error
		if cfg.TLS.Enabled {
			// certificates come from TLSConfig.GetCertificate
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.TLS.Enabled),
		util.String("address", server.Addr),
	)
}

// runDailyReports sends the digest for the previous 24 hours once a day at hour.
func runDailyReports(ctx context.Context, f *factory.Factory, hour int) {
	if hour < 0 || hour > 23 {
		util.Warn("Daily report disabled", util.Int("hour", hour))
		return
	}

	for {
		wait := time.Until(nextRun(time.Now(), hour))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := sendDailyReport(ctx, f); err != nil {
			util.Error("Daily report failed", util.ErrorField(err))
		}
	}
}

func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func sendDailyReport(ctx context.Context, f *factory.Factory) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	end := time.Now()
	start := end.Add(-24 * time.Hour)
	agg, err := f.ServiceFactory().SecurityMonitor().AnalyzeSecurityLogs(ctx, start, end)
	if err != nil {
		return err
	}

	report := notifier.DailyReport{
		PeriodStart:   start,
		PeriodEnd:     end,
		TotalEvents:   agg.TotalEvents,
		FailedLogins:  agg.FailedLogins,
		Lockouts:      agg.BlockedIPs,
		SuspiciousIPs: agg.TopN(5),
	}
	delivered := f.Notifier().Dispatch(ctx, notifier.DailyReportMessage(report))
	util.Info("Daily report processed",
		util.Int("total_events", agg.TotalEvents),
		util.Int("failed_logins", agg.FailedLogins),
		util.Bool("delivered", delivered),
	)
	return nil
}

func waitForShutdown(f *factory.Factory, stop context.CancelFunc, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			} else {
				util.Info("Server shutdown completed")
			}
		}
	}
	f.Close()
}
