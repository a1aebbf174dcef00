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

	"github.com/trading-cli/observability/internal/config"
	"github.com/trading-cli/observability/internal/facadeapi"
	"github.com/trading-cli/observability/internal/metrics"
	"github.com/trading-cli/observability/internal/ratelimit"
)

var (
	facadeRequestLimit  int
	facadeAuthFailLimit int
	facadeBlockDuration time.Duration
)

var facadeServeCmd = &cobra.Command{
	Use:   "facade-serve",
	Short: "Run the control façade HTTP surface",
	Long: `facade-serve is the read-only, authenticated-write front door onto the
broker: it overlays trade-journal and process-supervisor state onto the
broker's workflow records and is the only process allowed to carry a bearer
token, since the broker itself trusts loopback unconditionally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFacadeServe()
	},
}

func init() {
	rootCmd.AddCommand(facadeServeCmd)
	facadeServeCmd.Flags().IntVar(&facadeRequestLimit, "rate-limit", 600, "requests per minute per client IP before 503 UNAVAILABLE")
	facadeServeCmd.Flags().IntVar(&facadeAuthFailLimit, "auth-fail-limit", 10, "control-token failures per IP within one minute before a temporary block")
	facadeServeCmd.Flags().DurationVar(&facadeBlockDuration, "block-duration", 5*time.Minute, "how long a client IP is blocked after tripping the auth-fail limit")
}

func runFacadeServe() error {
	v := viper.New()
	if cfgFile != "" {
		v.Set("OBS_CONFIG_FILE", cfgFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metricsStore := metrics.NewStore()
	limiter := ratelimit.New(facadeRequestLimit, facadeAuthFailLimit, facadeBlockDuration)

	srv := facadeapi.NewServer(facadeapi.Config{
		BrokerBaseURL:          cfg.Facade.BrokerBaseURL,
		ControlToken:           cfg.Facade.ControlToken,
		SupervisorDir:          cfg.Facade.SupervisorDir,
		TradesDir:              cfg.Facade.TradesDir,
		Project:                cfg.Facade.Project,
		Location:               cfg.Facade.Location,
		MaxBodyBytes:           cfg.Facade.MaxBodyBytes,
		AllowedOrigin:          cfg.Facade.AllowedOrigin,
		DownstreamTimeout:      cfg.Facade.DownstreamTimeout,
		OperationTTL:           cfg.Facade.OperationTTL,
		OperationMax:           cfg.Facade.OperationMax,
		ControlAuditFile:       cfg.Facade.ControlAuditFile,
		AuditPayloadTokenLimit: cfg.Broker.AuditPayloadTokenLimit,
		Metrics:                metricsStore,
		Limiter:                limiter,
	})
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Facade.Host, cfg.Facade.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.NewHandler()}

	evictEvery := cfg.Facade.OperationTTL / 24
	if evictEvery < time.Minute {
		evictEvery = time.Minute
	}
	evictTicker := time.NewTicker(evictEvery)
	defer evictTicker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-evictTicker.C:
				srv.Evict(time.Now())
			case <-done:
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Printf("facade: listening on %s (broker=%s project=%s location=%s)", addr, cfg.Facade.BrokerBaseURL, cfg.Facade.Project, cfg.Facade.Location)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(done)
		return fmt.Errorf("facade: listen: %w", err)
	case sig := <-sigCh:
		log.Printf("facade: received %s, shutting down", sig)
	}

	close(done)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}
