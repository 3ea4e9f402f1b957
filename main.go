package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/breez/shop-sync/capture"
	"github.com/breez/shop-sync/config"
	"github.com/breez/shop-sync/model"
	"github.com/breez/shop-sync/registry"
	"github.com/breez/shop-sync/remote"
	"github.com/breez/shop-sync/store"
	"github.com/breez/shop-sync/store/postgres"
	"github.com/breez/shop-sync/store/sqlite"
	"github.com/breez/shop-sync/syncer"
	"github.com/breez/shop-sync/syncrpc"
	"github.com/btcsuite/btcd/btcec/v2"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

const shutdownTimeout = 10 * time.Second

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	storage, err := openStorage(ctx, config)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	if err := model.AutoMigrate(storage.DB()); err != nil {
		log.Fatalf("Failed to migrate business tables: %v", err)
	}
	registry := registry.New()
	if err := model.Register(registry, config.PhotoDir); err != nil {
		log.Fatalf("Failed to register tables: %v", err)
	}
	capturer := capture.New(registry)
	capturer.SetMetadata(capture.Metadata{
		SourceServer: config.StoreID,
		StoreType:    config.StoreType,
		ServerRole:   string(config.NodeRole),
	})
	if err := storage.DB().Use(capturer); err != nil {
		log.Fatalf("Failed to install change capture: %v", err)
	}

	if string(config.NodeRole) == store.RoleCentral {
		runCentral(ctx, config, storage, registry, reg)
		return
	}
	runBranch(ctx, config, storage, registry, capturer, reg)
}

func openStorage(ctx context.Context, config *config.Config) (*store.GormSyncStorage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(ctx, config.PgDatabaseUrl)
	}
	if err := os.MkdirAll(config.SQLiteDirPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return sqlite.NewSQLiteSyncStorage(filepath.Join(config.SQLiteDirPath, "shop.db"))
}

func runCentral(ctx context.Context, config *config.Config, storage *store.GormSyncStorage, registry *registry.Registry, reg *prometheus.Registry) {
	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}

	quitChan := make(chan struct{})
	syncServer := NewShopSyncServer(config, storage, registry)
	syncServer.Start(quitChan)

	srvMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	reg.MustRegister(srvMetrics)
	s := CreateServer(config, grpcListener, syncServer, srvMetrics)
	srvMetrics.InitializeMetrics(s)

	httpServer := createHTTPServer(config, reg, s)
	go func() {
		log.Printf("HTTP server listening at %s", config.HttpListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve http: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		stopServer(s, quitChan, shutdownTimeout)
		httpServer.Close()
	}()

	log.Printf("Server listening at %s", config.GrpcListenAddress)
	if err := s.Serve(grpcListener); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}

// stopServer ends the change streams, then stops s gracefully, forcing it once
// timeout passes.
func stopServer(s *grpc.Server, quitChan chan struct{}, timeout time.Duration) {
	close(quitChan)
	stopped := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		log.Printf("graceful stop timed out after %v, forcing stop", timeout)
		s.Stop()
	}
}

func CreateServer(config *config.Config, listener net.Listener, syncServer syncrpc.SyncerServer, metrics *grpcprom.ServerMetrics) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
	}
	if metrics != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
		)
	}
	s := grpc.NewServer(opts...)
	syncrpc.RegisterSyncerServer(s, syncServer)
	return s
}

// createHTTPServer serves /metrics and, when a gRPC server is given, grpc-web
// for browser clients.
func createHTTPServer(config *config.Config, reg *prometheus.Registry, s *grpc.Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	var handler http.Handler = mux
	if s != nil {
		origins := config.AllowedOrigins()
		allowed := func(origin string) bool {
			for _, o := range origins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		}
		wrapped := grpcweb.WrapServer(s, grpcweb.WithOriginFunc(allowed))
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if wrapped.IsGrpcWebRequest(r) || wrapped.IsAcceptableGrpcCorsRequest(r) {
				wrapped.ServeHTTP(w, r)
				return
			}
			mux.ServeHTTP(w, r)
		})
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}).Handler(handler)
	}
	return &http.Server{
		Addr:              config.HttpListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func runBranch(ctx context.Context, config *config.Config, storage *store.GormSyncStorage, registry *registry.Registry, capturer *capture.Capturer, reg *prometheus.Registry) {
	if !config.SyncEnabled {
		log.Printf("Sync disabled, nothing to do")
		return
	}
	if config.CentralAddress == "" {
		log.Fatalf("CENTRAL_ADDRESS is required on a branch node")
	}

	var key *btcec.PrivateKey
	if config.NodeKey != nil {
		key = config.NodeKey.Raw
	}
	clientMetrics := grpcprom.NewClientMetrics()
	reg.MustRegister(clientMetrics)
	client, err := remote.Dial(config.CentralAddress, key, clientMetrics)
	if err != nil {
		log.Fatalf("Failed to connect to central: %v", err)
	}
	defer client.Close()

	metrics := syncer.NewMetrics(reg)
	identity := syncer.NewIdentityHolder(syncer.Identity{
		StoreID:   config.StoreID,
		StoreType: config.StoreType,
		Role:      string(config.NodeRole),
		ServerIP:  config.ServerIP,
	})
	service := syncer.NewService(
		identity,
		capturer,
		syncer.NewUploader(storage, registry, client, config.SyncBatchSize, metrics),
		syncer.NewDownloader(storage, syncer.NewApplier(storage, registry), client, config.SyncPageSize, model.ApplyLegacyOrder, metrics),
		config.SyncInterval(),
		metrics,
	)

	httpServer := createHTTPServer(config, reg, nil)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "error", err)
		}
	}()
	go trackCentral(ctx, client, config.StoreID, service)

	if err := service.Run(ctx); err != nil {
		log.Printf("sync loop exited: %v", err)
	}
	httpServer.Close()
}

// trackCentral wakes the sync loop whenever the central reports new changes,
// reconnecting after stream errors.
func trackCentral(ctx context.Context, client *remote.Client, storeID string, service *syncer.Service) {
	for ctx.Err() == nil {
		err := client.TrackChanges(ctx, storeID, func(*syncrpc.ChangeNotice) {
			service.Trigger()
		})
		if err != nil {
			slog.Debug("change stream closed", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Second):
		}
	}
}
