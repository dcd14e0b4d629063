package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"caravan/cmd/server/config"
	grpcadapter "caravan/internal/adapters/grpc"
	sagadb "caravan/internal/db/saga"
	"caravan/internal/lock"
	"caravan/internal/observability"
	"caravan/internal/realtime"
	"caravan/internal/saga"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	coordCfg, err := config.LoadCoordinator()
	if err != nil {
		return err
	}
	lockCfg, err := config.LoadLock()
	if err != nil {
		return err
	}

	store, lockStore, cleanup := buildStores(ctx, coordCfg.DatabaseDSN, lockCfg, log.Printf)
	defer cleanup()

	metrics := observability.NewMetrics()
	hub := realtime.NewHub()
	go hub.Run()

	events := saga.MergeEvents(
		realtime.SagaEvents(hub),
		&saga.Events{
			OnCompensationComplete: func(txID, stepID string, success bool) {
				metrics.AddCompensation()
			},
		},
	)

	resolver := grpcadapter.NewResolver(coordCfg.Participants)
	defer resolver.Close()

	coordinator := saga.NewCoordinator(store, resolver.Resolve, saga.CoordinatorOptions{
		Events: events,
		Logf:   log.Printf,
	})
	locks := lock.NewManager(lockStore, lock.ManagerOptions{OnWait: metrics.AddLockWait})

	admin := newAdminServer(coordinator, locks, hub, metrics)
	adminSrv := &http.Server{
		Addr:    serverCfg.AdminAddr,
		Handler: admin.routes(),
	}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server error: %v", err)
		}
	}()
	log.Printf("admin server running on %s", serverCfg.AdminAddr)

	lis, err := net.Listen("tcp", serverCfg.HealthAddr)
	if err != nil {
		return err
	}
	grpcServer := grpcpkg.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcServer)
		log.Println("gRPC reflection enabled (APP_ENV=", env, ")")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	log.Printf("health server running on %s", serverCfg.HealthAddr)

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = adminSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// buildStores wires the transaction and lock stores from config. A missing
// DSN falls back to in-memory stores with a logged warning, matching local
// development expectations; lock backends fall back the same way.
func buildStores(ctx context.Context, dsn string, lockCfg config.LockConfig, logf func(format string, args ...any)) (saga.Store, saga.LockStore, func()) {
	cleanup := func() {}

	var store saga.Store = saga.NewMemoryStore()
	var lockStore saga.LockStore = saga.NewMemoryLockStore()

	if dsn != "" {
		sqlDB, err := sql.Open("pgx", dsn)
		if err != nil {
			logf("postgres open failed, falling back to in-memory store: %v", err)
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pgStore, err := sagadb.NewStoreWithSchema(setupCtx, sqlDB)
			if err != nil {
				logf("postgres init failed, falling back to in-memory store: %v", err)
				_ = sqlDB.Close()
			} else {
				logf("postgres transaction store enabled")
				store = pgStore
				if lockCfg.Backend == "postgres" {
					lockStore = sagadb.NewLockStore(sqlDB)
					logf("postgres lock store enabled")
				}
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logf("close postgres: %v", err)
					}
				}
			}
		}
	}

	if lockCfg.Backend == "redis" {
		opts, err := redis.ParseURL(lockCfg.RedisURL)
		if err != nil {
			logf("redis url invalid, falling back to in-memory locks: %v", err)
		} else {
			client := redis.NewClient(opts)
			lockStore = lock.NewRedisLockStore(client)
			logf("redis lock store enabled")
			prev := cleanup
			cleanup = func() {
				_ = client.Close()
				prev()
			}
		}
	}

	return store, lockStore, cleanup
}
