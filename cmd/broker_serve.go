package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trading-cli/observability/internal/brokerapi"
	"github.com/trading-cli/observability/internal/config"
	"github.com/trading-cli/observability/internal/metrics"
	"github.com/trading-cli/observability/internal/ratelimit"
	"github.com/trading-cli/observability/internal/store"
)

var (
	brokerRequestLimit  int
	brokerAuthFailLimit int
	brokerBlockDuration time.Duration
)

var brokerServeCmd = &cobra.Command{
	Use:   "broker-serve",
	Short: "Run the workflow broker HTTP surface",
	Long: `broker-serve owns the JSON state file and audit log and exposes the
V1 workflow/operation resource API described by the control plane. It binds
to loopback by design: it trusts whatever talks to it, which is why the
control façade exists as the authenticated front door.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrokerServe()
	},
}

func init() {
	rootCmd.AddCommand(brokerServeCmd)
	brokerServeCmd.Flags().IntVar(&brokerRequestLimit, "rate-limit", 600, "requests per minute per client IP before 503 UNAVAILABLE")
	brokerServeCmd.Flags().IntVar(&brokerAuthFailLimit, "auth-fail-limit", 10, "auth failures per IP within one minute before a temporary block (unused by the broker itself; shared knob for parity with facade-serve)")
	brokerServeCmd.Flags().DurationVar(&brokerBlockDuration, "block-duration", 5*time.Minute, "how long a client IP is blocked after tripping the auth-fail limit (the broker itself records no auth failures)")
}

func runBrokerServe() error {
	v := viper.New()
	if cfgFile != "" {
		v.Set("OBS_CONFIG_FILE", cfgFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st := store.Open(cfg.Broker.StateFile, cfg.Broker.AuditFile, cfg.Broker.OperationTTL, cfg.Broker.OperationMax)
	defer st.Close()

	metricsStore := metrics.NewStore()
	limiter := ratelimit.New(brokerRequestLimit, brokerAuthFailLimit, brokerBlockDuration)

	srv := brokerapi.NewServer(brokerapi.Config{
		Store:                  st,
		Metrics:                metricsStore,
		Limiter:                limiter,
		Project:                cfg.Broker.Project,
		Location:               cfg.Broker.Location,
		MaxBodyBytes:           cfg.Broker.MaxBodyBytes,
		AllowedOrigin:          cfg.Broker.AllowedOrigin,
		AuditPayloadTokenLimit: cfg.Broker.AuditPayloadTokenLimit,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.NewHandler()}

	evictTicker := time.NewTicker(cfg.Broker.EvictionInterval)
	defer evictTicker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-evictTicker.C:
				st.Ops.Evict(time.Now())
			case <-done:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("broker: listening on %s (project=%s location=%s state=%s)", addr, cfg.Broker.Project, cfg.Broker.Location, cfg.Broker.StateFile)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(done)
		return fmt.Errorf("broker: listen: %w", err)
	case sig := <-sigCh:
		log.Printf("broker: received %s, shutting down", sig)
	}

	close(done)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}
