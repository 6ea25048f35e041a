package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/config"
	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/gateway"
	"github.com/ariefcatur/go-order-settlement/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-settlement/internal/kafka"
	"github.com/ariefcatur/go-order-settlement/internal/logging"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/payments"
	"github.com/ariefcatur/go-order-settlement/internal/postgres"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
	"github.com/ariefcatur/go-order-settlement/internal/store"
	"github.com/ariefcatur/go-order-settlement/internal/store/memory"
	"github.com/ariefcatur/go-order-settlement/internal/store/pgstore"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logging.New(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("orders", reg)

	// Store
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := memory.New()
		seedDemo(mem)
		st = mem
		log.Warn("using in-memory store; data is lost on restart")
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("db connect", zap.Error(err))
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db); err != nil {
			log.Fatal("db migrate", zap.Error(err))
		}
		st = pgstore.New(db)
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable; status cache and idempotency will degrade", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// Kafka producer
	var (
		emitter events.Emitter = events.Nop{}
		prod    *kafkax.Producer
	)
	if len(cfg.KafkaBrokers) > 0 {
		prod = kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
		prod.Start()
		emitter = events.NewKafkaEmitter(prod, cfg.ServiceName)
	} else {
		log.Warn("no kafka brokers configured; events are dropped")
	}

	gw := gateway.NewSimulator(
		gateway.WithSuccessRate(cfg.GatewaySuccessRate),
		gateway.WithPendingRate(cfg.GatewayPendingRate),
	)
	pay := payments.NewService(st, gw, emitter, m, log, payments.Config{
		Currency:       cfg.Currency,
		GatewayTimeout: cfg.GatewayTimeout,
	})
	ord := orders.NewService(st, pay, emitter, m, log)

	router := httpx.NewRouter(log, m, reg)
	oh := &httpx.OrdersHandler{
		Orders: ord,
		Cache:  redisx.NewStatusCache(rdb),
		Idem:   redisx.NewIdempotency(rdb),
		Log:    log,
	}
	oh.Register(router)
	ph := &httpx.PaymentsHandler{Payments: pay, Log: log}
	ph.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if prod != nil {
		prod.Close() // flush queued events
		prod.WaitClosed()
	}
}

// seedDemo gives the in-memory store a small catalog to order from.
func seedDemo(s *memory.Store) {
	s.PutUser(domain.User{ID: "buyer-1", Email: "buyer@example.com", Name: "Demo Buyer"})
	s.PutUser(domain.User{ID: "seller-1", Email: "seller1@example.com", Name: "Demo Seller One"})
	s.PutUser(domain.User{ID: "seller-2", Email: "seller2@example.com", Name: "Demo Seller Two"})
	s.PutProduct(domain.Product{ID: "prod-1", SellerID: "seller-1", Name: "Mechanical Keyboard", Price: decimal.RequireFromString("89.90"), Stock: 25})
	s.PutProduct(domain.Product{ID: "prod-2", SellerID: "seller-1", Name: "USB-C Cable", Price: decimal.RequireFromString("9.50"), Stock: 200})
	s.PutProduct(domain.Product{ID: "prod-3", SellerID: "seller-2", Name: "Desk Lamp", Price: decimal.RequireFromString("34.00"), Stock: 10})
}
