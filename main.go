package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	appbilling "github.com/ventalocal/fulfillment/internal/application/billing"
	"github.com/ventalocal/fulfillment/internal/application/checkout"
	"github.com/ventalocal/fulfillment/internal/application/ledger"
	appoutbox "github.com/ventalocal/fulfillment/internal/application/outbox"
	"github.com/ventalocal/fulfillment/internal/application/reconcile"
	"github.com/ventalocal/fulfillment/internal/application/report"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	billinginfra "github.com/ventalocal/fulfillment/internal/infrastructure/billing"
	"github.com/ventalocal/fulfillment/internal/infrastructure/id"
	"github.com/ventalocal/fulfillment/internal/infrastructure/memory"
	infraobs "github.com/ventalocal/fulfillment/internal/infrastructure/observability"
	"github.com/ventalocal/fulfillment/internal/infrastructure/observability/oteltrace"
	"github.com/ventalocal/fulfillment/internal/infrastructure/observability/prometrics"
	"github.com/ventalocal/fulfillment/internal/infrastructure/observability/zaplogger"
	paymentinfra "github.com/ventalocal/fulfillment/internal/infrastructure/payment"
	"github.com/ventalocal/fulfillment/internal/infrastructure/postgres"
	redisinfra "github.com/ventalocal/fulfillment/internal/infrastructure/redis"
	"github.com/ventalocal/fulfillment/internal/observability"
	httppresentation "github.com/ventalocal/fulfillment/internal/presentation/http"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "fulfillment")
	env := getenvDefault("ENV", "dev")

	logger := zaplogger.New(
		observability.F("service", serviceName),
		observability.F("env", env),
	)
	tracer := oteltrace.New(serviceName)
	tel := infraobs.New(tracer, logger, buildCounters(), buildHistograms())
	log := tel.Logger()

	orders, catalogRepo, invStore, outboxStore := buildStores(log)

	var gate ledger.StockGate
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		gate = redisinfra.NewStockGate(client)
		log.Info("stock_gate_enabled", observability.F("addr", addr))
	}

	ledgerSvc := ledger.NewService(invStore, gate, tel)

	taxLatency := time.Duration(getenvInt("MOCK_TAX_LATENCY_MS", 50)) * time.Millisecond
	taxAdapter := billinginfra.NewMockTaxAdapter(taxLatency)
	payAdapter := paymentinfra.NewMockAdapter(os.Getenv("CHECKOUT_BASE_URL"))

	backURLBase := getenvDefault("BACK_URL_BASE", "http://localhost:8080")
	notificationURL := getenvDefault("PAYMENT_NOTIFICATION_URL", backURLBase+"/webhooks/payment")

	dispatcher := appoutbox.NewDispatcher(outboxStore, []appoutbox.Handler{
		appoutbox.NewInvoiceIssueHandler(taxAdapter, tel),
		appoutbox.NewInvoiceCancelHandler(taxAdapter, tel),
		appoutbox.NewPaymentPreferenceHandler(payAdapter, orders, backURLBase, notificationURL, tel),
	}, appoutbox.Config{
		PollInterval: time.Duration(getenvInt("OUTBOX_POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		StaleAfter:   time.Duration(getenvInt("OUTBOX_STALE_AFTER_MS", 120000)) * time.Millisecond,
		MaxAttempts:  getenvInt("OUTBOX_MAX_ATTEMPTS", 3),
		Workers:      getenvInt("OUTBOX_WORKERS", 4),
	}, tel)
	dispatcher.Start(context.Background())
	defer dispatcher.Stop()

	pointOfSale := getenvInt("INVOICE_POINT_OF_SALE", 1)
	idGenerator := id.NewUUIDGenerator()

	createOrder := checkout.NewCreateOrderUseCase(catalogRepo, ledgerSvc, orders, outboxStore, dispatcher, idGenerator, tel)
	cancelOrder := checkout.NewCancelOrderUseCase(orders, ledgerSvc, outboxStore, dispatcher, tel)
	confirmPayment := checkout.NewConfirmPaymentUseCase(orders, outboxStore, dispatcher, pointOfSale, tel)
	reconciler := reconcile.NewUseCase(orders, ledgerSvc, outboxStore, dispatcher, pointOfSale, tel)
	billingSvc := appbilling.NewService(taxAdapter, outboxStore)
	reportSvc := report.NewService(orders)

	handler := httppresentation.NewHandler(createOrder, cancelOrder, confirmPayment, reconciler, ledgerSvc, billingSvc, reportSvc, orders, outboxStore, tel)

	server := &http.Server{
		Addr:    ":" + getenvDefault("PORT", "8080"),
		Handler: handler.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("http_server_start", observability.F("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		log.Info("http_server_stopped")
	}
}

// buildStores selects the persistence backend: Postgres when DATABASE_URL is
// set, otherwise the in-memory demo stores with a seeded catalog.
func buildStores(log observability.Logger) (domorder.Repository, catalog.Repository, inventory.Store, domoutbox.Store) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		inv := memory.NewInventoryStore()
		seedDemoCatalog(inv)
		log.Info("storage_backend", observability.F("backend", "memory"))
		return memory.NewOrderRepository(), inv, inv, memory.NewOutboxStore()
	}

	db, err := postgres.Open(dsn)
	if err != nil {
		log.Error("postgres_open_failed", observability.F("error", err.Error()))
		os.Exit(1)
	}
	if err := postgres.RunMigrations(db, getenvDefault("MIGRATIONS_DIR", "migrations")); err != nil {
		log.Error("postgres_migrate_failed", observability.F("error", err.Error()))
		os.Exit(1)
	}
	inv := postgres.NewInventoryStore(db)
	log.Info("storage_backend", observability.F("backend", "postgres"))
	return postgres.NewOrderRepository(db), inv, inv, postgres.NewOutboxStore(db)
}

func seedDemoCatalog(inv *memory.InventoryStore) {
	ctx := context.Background()
	_ = inv.Save(ctx, &catalog.Product{
		ID:    "prod-mate-imperial",
		Name:  "Mate Imperial",
		Price: 100000,
		Stock: 25,
	})
	_ = inv.Save(ctx, &catalog.Product{
		ID:        "prod-yerba-1kg",
		Name:      "Yerba Organica 1kg",
		Price:     60000,
		SalePrice: 50000,
		Stock:     100,
	})
}

func buildCounters() map[observability.MetricKey]observability.Counter {
	registry := prometrics.New("", "")
	return map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests:  registry.Counter(string(observability.MUsecaseRequests), "Total number of use case invocations.", "use_case", "outcome"),
		observability.MHTTPRequests:     registry.Counter(string(observability.MHTTPRequests), "Total number of HTTP requests.", "method", "route", "status"),
		observability.MExternalRequests: registry.Counter(string(observability.MExternalRequests), "Total number of external provider calls.", "peer", "endpoint", "outcome"),
		observability.MOutboxDispatches: registry.Counter(string(observability.MOutboxDispatches), "Total number of outbox dispatch attempts.", "kind", "outcome"),
	}
}

func buildHistograms() map[observability.MetricKey]observability.Histogram {
	registry := prometrics.New("", "")
	return map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration:         registry.Histogram(string(observability.MUsecaseDuration), "Duration of use case execution in seconds.", prometheus.DefBuckets, "use_case"),
		observability.MHTTPRequestDuration:     registry.Histogram(string(observability.MHTTPRequestDuration), "Duration of HTTP requests in seconds.", prometheus.DefBuckets, "method", "route", "status"),
		observability.MExternalRequestDuration: registry.Histogram(string(observability.MExternalRequestDuration), "Duration of external provider calls in seconds.", prometheus.DefBuckets, "peer", "endpoint"),
		observability.MOutboxDispatchDuration:  registry.Histogram(string(observability.MOutboxDispatchDuration), "Duration of outbox dispatches in seconds.", prometheus.DefBuckets, "kind"),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
