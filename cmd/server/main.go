// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"qkd-mail-crypto/config"
	"qkd-mail-crypto/internal/domain"
	"qkd-mail-crypto/internal/handler"
	"qkd-mail-crypto/internal/infra"
	"qkd-mail-crypto/internal/middleware"
	"qkd-mail-crypto/internal/provider"
	"qkd-mail-crypto/internal/repository"
	"qkd-mail-crypto/internal/usecase"
	"qkd-mail-crypto/migrations"
)

// prefetchCount は外部KM利用時に起動時に取得しておく鍵の数。
const prefetchCount = 16

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, infra.ParseLogLevel(cfg.LogLevel))

	// 鍵ストア初期化
	store, closer, err := newKeyStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to init key store", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				slog.Error("failed to close sealer", "error", err)
			}
		}()
	}

	// KM初期化
	var (
		remote usecase.RemoteKM
		kmSvc  *usecase.KMService
	)
	if cfg.KMURL != "" {
		client, err := infra.NewETSIClient(cfg)
		if err != nil {
			slog.Error("failed to init key manager client", "error", err)
			os.Exit(1)
		}
		remote = client
	} else {
		kmSvc = usecase.NewKMService(repository.NewMemoryKeyStore(), "KME_"+cfg.LocalSAEID, cfg.KMPoolSize, cfg.KMAutoGenerate)
		if err := provisionPool(ctx, kmSvc, cfg); err != nil {
			slog.Error("failed to provision key pool", "error", err)
			os.Exit(1)
		}
		remote = usecase.NewLocalKM(kmSvc, cfg.LocalSAEID)
	}

	// DI
	keys := usecase.NewKeyManager(store, remote, cfg.LocalSAEID, cfg.PeerSAEID)
	if cfg.KMURL != "" {
		if n, err := keys.Replenish(ctx, "", domain.KeyKindEncryption, prefetchCount, usecase.DefaultKeySizeBits); err != nil {
			slog.Warn("failed to prefetch keys", "operation", "replenish", "error", err)
		} else {
			slog.Info("prefetched keys", "operation", "replenish", "count", n)
		}
	}

	pq, err := provider.NewPostQuantum(cfg.PeerSAEID)
	if err != nil {
		slog.Error("failed to init post-quantum provider", "error", err)
		os.Exit(1)
	}
	std, err := provider.NewStandard(cfg.PeerSAEID)
	if err != nil {
		slog.Error("failed to init standard provider", "error", err)
		os.Exit(1)
	}

	defaultTier, _ := domain.ParseSecurityTier(cfg.DefaultTier)
	security, err := usecase.NewSecurityService(defaultTier,
		provider.NewOneTimePad(keys),
		provider.NewQuantumAided(keys),
		pq,
		std,
	)
	if err != nil {
		slog.Error("failed to init security service", "error", err)
		os.Exit(1)
	}
	engine := usecase.NewEncryptionEngine(security, usecase.EngineOptions{
		Fallback:    cfg.EngineFallback,
		MaxParallel: cfg.EngineMaxParallel,
	})

	var km *handler.KMHandler
	if kmSvc != nil {
		km = handler.NewKMHandler(kmSvc)
	}
	if km != nil && len(cfg.SAETokens) == 0 && cfg.TLSClientCAFile == "" {
		slog.Warn("no SAE credentials configured; key delivery API will reject all callers", "operation", "authenticate")
	}
	auth := middleware.NewSAEAuthenticator(cfg.SAETokens)
	router := handler.NewRouter(handler.NewMessageHandler(engine, security, keys, pq, std), km, auth)

	tlsCfg, err := infra.NewServerTLSConfig(cfg)
	if err != nil {
		slog.Error("failed to load TLS config", "error", err)
		os.Exit(1)
	}

	// 失効処理
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runSweeper(sweepCtx, keys, cfg.KeySweepInterval, cfg.KeyTTL)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsCfg,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		stopSweep()
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"sae_id", cfg.LocalSAEID,
		"default_tier", security.DefaultTier(),
		"key_store", cfg.KeyStore,
		"embedded_km", kmSvc != nil,
		"tls", tlsCfg != nil,
	)
	if tlsCfg != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// newKeyStore は設定に応じた鍵ストアを生成する。データベースの場合は未適用のマイグレーションを適用する。
func newKeyStore(ctx context.Context, cfg *config.Config) (usecase.KeyStore, io.Closer, error) {
	if cfg.KeyStore == config.KeyStoreMemory {
		return repository.NewMemoryKeyStore(), nil, nil
	}

	db, err := infra.NewDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	migrator := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.Source(cfg.MigrationsDir))
	applied, err := migrator.ApplyMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	if applied > 0 {
		slog.Info("applied migrations", "operation", "migrate", "count", applied)
	}

	if cfg.KMSKeyName != "" {
		sealer, err := infra.NewKMSSealer(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewKeyRepository(db, sealer), sealer, nil
	}
	sealer, err := infra.NewLocalSealer(cfg.LocalSealKey)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewKeyRepository(db, sealer), nil, nil
}

// provisionPool は組み込みKMに双方向の鍵を蓄える。
func provisionPool(ctx context.Context, svc *usecase.KMService, cfg *config.Config) error {
	perDirection := cfg.KMPoolSize / 2
	for _, pair := range [][2]string{{cfg.LocalSAEID, cfg.PeerSAEID}, {cfg.PeerSAEID, cfg.LocalSAEID}} {
		if _, err := svc.Provision(ctx, pair[0], pair[1], domain.KeyKindEncryption, perDirection, usecase.DefaultKeySizeBits); err != nil {
			return err
		}
	}
	return nil
}

// runSweeper は一定間隔で古い未使用鍵を失効させる。
func runSweeper(ctx context.Context, keys *usecase.KeyManager, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := keys.SweepExpired(ctx, ttl)
			if err != nil {
				slog.ErrorContext(ctx, "key sweep failed", "operation", "sweep_expired", "error", err)
				continue
			}
			if n > 0 {
				slog.InfoContext(ctx, "expired unused keys", "operation", "sweep_expired", "count", n)
			}
		}
	}
}
