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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/commission"
	"github.com/ariefcatur/go-marketplace-orders/internal/config"
	"github.com/ariefcatur/go-marketplace-orders/internal/httpx"
	kafkax "github.com/ariefcatur/go-marketplace-orders/internal/kafka"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"github.com/ariefcatur/go-marketplace-orders/internal/mercadopago"
	"github.com/ariefcatur/go-marketplace-orders/internal/metrics"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
	"github.com/ariefcatur/go-marketplace-orders/internal/postgres"
	"github.com/ariefcatur/go-marketplace-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.MustNewLogger(cfg.ServiceName, cfg.AppEnv, cfg.LogLevel)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("api_exit", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer db.Close()
	if cfg.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}
	store := postgres.NewStore(db)

	// Redis
	rdb := redisx.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rdb.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	domain := metrics.NewDomain(reg)

	// Kafka is optional; without brokers events are skipped.
	var (
		prod   *kafkax.Producer
		events *orders.Notifier
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start(ctx)
		events = orders.NewNotifier(prod, cfg.ServiceName)
	} else {
		log.Warn("kafka_disabled", zap.String("reason", "KAFKA_BROKERS is empty"))
	}

	calc, err := commission.New(cfg.CommissionRate)
	if err != nil {
		return err
	}
	orderSvc := orders.NewService(postgres.NewOrderRepo(store), calc)
	orderSvc.Events = events
	orderSvc.Cache = redisx.StatusCache{R: rdb}
	orderSvc.Metrics = domain

	var gateway payments.Gateway
	if cfg.GatewayConfigured() {
		mp, err := mercadopago.New(mercadopago.Config{
			AccessToken:         cfg.MercadoPagoToken,
			BaseURL:             cfg.MercadoPagoBaseURL,
			Currency:            cfg.Currency,
			StatementDescriptor: cfg.StatementDescriptor,
		})
		if err != nil {
			return err
		}
		gateway = mp
	} else {
		log.Warn("payment_gateway_disabled", zap.String("reason", "MERCADOPAGO_ACCESS_TOKEN is empty"))
	}
	paySvc := &payments.Service{
		Repo:        postgres.NewPaymentRepo(store),
		Gateway:     gateway,
		FrontendURL: cfg.FrontendURL,
		WebhookURL:  cfg.WebhookURL(),
	}
	reconciler := &payments.Reconciler{
		Repo:    postgres.NewPaymentRepo(store),
		Gateway: gateway,
		Dedup:   redisx.Dedup{R: rdb},
		Orders:  orderSvc,
		Events:  events,
		Metrics: domain,
	}

	if cfg.InternalToken == "" {
		log.Warn("internal_routes_unauthenticated", zap.String("reason", "INTERNAL_API_TOKEN is empty"))
	}
	router := httpx.NewRouter(log, metrics.NewServerMetrics(reg, "api"), reg)
	httpx.API{
		Products:  &httpx.ProductsHandler{Catalog: store},
		Purchases: &httpx.PurchasesHandler{Orders: orderSvc, Token: cfg.InternalToken},
		Webhook:   &httpx.WebhookHandler{Reconciler: reconciler, Events: events, Async: cfg.WebhookAsync},
		Carts:     &httpx.CartHandler{Carts: cart.NewService(postgres.NewCartRepo(store))},
		Orders:    &httpx.OrdersHandler{Orders: orderSvc, Idempotency: redisx.Idempotency{R: rdb}},
		Payments:  &httpx.PaymentsHandler{Payments: paySvc},
	}.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http_listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("commission_rate", calc.Rate().String()),
			zap.Bool("payments_enabled", gateway != nil),
			zap.Bool("webhook_async", cfg.WebhookAsync))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting_down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	err = g.Wait()

	if prod != nil {
		prod.Close() // stop intake, flush what is buffered
		prod.WaitClosed()
	}
	return err
}
