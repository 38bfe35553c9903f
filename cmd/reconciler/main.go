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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/commission"
	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/mercadopago"
	"github.com/ariefcatur/go-marketplace-orders/internal/metrics"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

// reconciler applies payment notifications queued by the API on
// payment.webhook.received.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.MustNewLogger(cfg.ServiceName+"-reconciler", cfg.AppEnv, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("reconciler_exit", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if len(cfg.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}
	if !cfg.GatewayConfigured() {
		return errors.New("MERCADOPAGO_ACCESS_TOKEN is required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()
	store := postgres.NewStore(db)

	rdb := redisx.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rdb.Close()

	reg := prometheus.NewRegistry()
	domain := metrics.NewDomain(reg)

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)
	events := orders.NewNotifier(prod, cfg.ServiceName+"-reconciler")

	calc, err := commission.New(cfg.CommissionRate)
	if err != nil {
		return err
	}
	orderSvc := orders.NewService(postgres.NewOrderRepo(store), calc)
	orderSvc.Events = events
	orderSvc.Cache = redisx.StatusCache{R: rdb}
	orderSvc.Metrics = domain

	gateway, err := mercadopago.New(mercadopago.Config{
		AccessToken: cfg.MercadoPagoToken,
		BaseURL:     cfg.MercadoPagoBaseURL,
	})
	if err != nil {
		return err
	}
	rec := &payments.Reconciler{
		Repo:    postgres.NewPaymentRepo(store),
		Gateway: gateway,
		Dedup:   redisx.Dedup{R: rdb},
		Orders:  orderSvc,
		Events:  events,
		Metrics: domain,
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.ReconcilerGroup, orders.TopicPaymentWebhook, cfg.ReconcilerWorkers, log)
	handle := func(ctx context.Context, m kafkago.Message) error {
		var env orders.Envelope
		if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
			log.Error("webhook_envelope_invalid", zap.Int64("offset", m.Offset), zap.Error(err))
			return nil // poison message, commit and move on
		}
		if env.EventType != orders.EventPaymentWebhook {
			return nil
		}
		n, err := kafkax.UnwrapPayload[payments.Notification](env.Payload)
		if err != nil {
			log.Error("webhook_payload_invalid", zap.String("event_id", env.EventID), zap.Error(err))
			return nil
		}
		ctx = logging.ContextWithLogger(ctx, log.With(zap.String("event_id", env.EventID)))
		outcome, err := rec.ProcessWebhook(ctx, n)
		if outcome == payments.OutcomeError {
			return err // retried by the consumer, the partition waits
		}
		return nil
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("reconciler_started",
			zap.String("group", cfg.ReconcilerGroup),
			zap.String("topic", orders.TopicPaymentWebhook),
			zap.Int("workers", cfg.ReconcilerWorkers))
		return cons.Start(gctx, handle)
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(sctx)
	})
	err = g.Wait()

	prod.Close()
	prod.WaitClosed()
	return err
}
