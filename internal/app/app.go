// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpub/internal/actor"
	"github.com/hitoshi/feedpub/internal/ap"
	"github.com/hitoshi/feedpub/internal/config"
	"github.com/hitoshi/feedpub/internal/database"
	"github.com/hitoshi/feedpub/internal/delivery"
	"github.com/hitoshi/feedpub/internal/handler"
	"github.com/hitoshi/feedpub/internal/inbox"
	"github.com/hitoshi/feedpub/internal/ingest"
	"github.com/hitoshi/feedpub/internal/logger"
	"github.com/hitoshi/feedpub/internal/metrics"
	"github.com/hitoshi/feedpub/internal/middleware"
	"github.com/hitoshi/feedpub/internal/model"
	"github.com/hitoshi/feedpub/internal/repository"
	"github.com/hitoshi/feedpub/internal/security"
	"github.com/hitoshi/feedpub/internal/translator"
	"github.com/hitoshi/feedpub/internal/webfinger"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandAdd:
		return runAdd(cfg, args[1:])
	default:
		return runServe(cfg)
	}
}

// components はserve/workerの両モードが共有する依存関係。
type components struct {
	db           *sql.DB
	feedRepo     repository.FeedRepository
	itemRepo     repository.ItemRepository
	followerRepo repository.FollowerRepository
	actorRepo    repository.ActorRepository
	messageRepo  repository.MessageRepository
	taskRepo     repository.TaskRepository

	ssrfGuard  security.SSRFGuardService
	sanitizer  security.ContentSanitizerService
	translator *translator.Translator
	resolver   *actor.Resolver
	queue      *delivery.Queue
	engine     *delivery.Engine
	deliverer  *delivery.Deliverer
	registry   *prometheus.Registry
	collector  *metrics.Collector
}

// buildComponents はDB接続を開き、共有依存関係をワイヤリングする。
// adminフィードが存在しない場合はここで作成し、その鍵ペアを
// アクター取得リクエストのインスタンス署名鍵として使用する。
func buildComponents(cfg *config.Config) (*components, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	c := &components{
		db:           db,
		feedRepo:     repository.NewPostgresFeedRepo(db),
		itemRepo:     repository.NewPostgresItemRepo(db),
		followerRepo: repository.NewPostgresFollowerRepo(db),
		actorRepo:    repository.NewPostgresActorRepo(db),
		messageRepo:  repository.NewPostgresMessageRepo(db),
		taskRepo:     repository.NewPostgresTaskRepo(db),
	}

	c.ssrfGuard = security.NewSSRFGuard()
	c.sanitizer = security.NewContentSanitizer()
	c.translator = translator.NewTranslator(cfg.Domain)

	adminFeed, err := ensureAdminFeed(context.Background(), c.feedRepo, cfg.AdminAccount)
	if err != nil {
		db.Close()
		return nil, err
	}

	httpClient := c.ssrfGuard.NewSafeClient(cfg.DeliveryTimeout)
	handleResolver := webfinger.NewResolver(httpClient, slog.Default())
	c.resolver = actor.NewResolver(
		c.actorRepo,
		repository.NewPostgresBlockedDomainRepo(db),
		httpClient,
		handleResolver,
		actor.InstanceKey{
			KeyID:         c.translator.KeyID(adminFeed),
			PrivateKeyPem: adminFeed.PrivateKeyPem,
		},
		slog.Default(),
		cfg.FetchMaxSize,
	)

	c.registry = prometheus.NewRegistry()
	c.collector = metrics.NewCollector(c.registry)

	c.queue = delivery.NewQueue(c.taskRepo)
	c.engine = delivery.NewEngine(c.followerRepo, c.queue, c.translator, slog.Default())
	c.deliverer = delivery.NewDeliverer(c.ssrfGuard, c.translator, slog.Default(), cfg.DeliveryTimeout)

	return c, nil
}

// ensureAdminFeed はadminフィードを取得する。存在しない場合は
// RSA鍵ペアを生成して作成する。
func ensureAdminFeed(ctx context.Context, feedRepo repository.FeedRepository, name string) (*model.Feed, error) {
	feed, err := feedRepo.FindAdmin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up admin feed: %w", err)
	}
	if feed != nil {
		return feed, nil
	}

	privatePem, publicPem, err := ap.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin key pair: %w", err)
	}

	feed = &model.Feed{
		ID:              uuid.New().String(),
		Name:            name,
		PrivateKeyPem:   privatePem,
		PublicKeyPem:    publicPem,
		Title:           name,
		StatusPublicity: "unlisted",
		Admin:           true,
		TweakedProfile:  true,
	}
	if err := feedRepo.Create(ctx, feed); err != nil {
		return nil, fmt.Errorf("failed to create admin feed: %w", err)
	}

	slog.Info("admin feed created", slog.String("name", name))
	return feed, nil
}

// runServe は連合向けAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	dispatcher := inbox.NewDispatcher(
		c.followerRepo,
		c.messageRepo,
		repository.NewPostgresSettingRepo(c.db),
		c.resolver,
		c.translator,
		c.engine,
		c.sanitizer,
		c.collector,
		slog.Default(),
		cfg.BaseURL,
	)

	apHandler := handler.NewAPHandler(
		c.feedRepo, c.itemRepo, c.followerRepo,
		c.translator, dispatcher, slog.Default(),
	)
	webfingerHandler := handler.NewWebfingerHandler(
		c.feedRepo, c.translator, cfg.Domain, slog.Default(),
	)

	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitInbox))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      slog.Default(),
		DB:          c.db,
		RateLimiter: rateLimiter,
		KeyResolver: c.resolver,
		Registry:    c.registry,

		APHandler:        apHandler,
		WebfingerHandler: webfingerHandler,

		SignatureCheckDisabled: cfg.SignatureCheckDisabled,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("federation server starting",
			slog.String("addr", server.Addr),
			slog.String("domain", cfg.Domain),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down federation server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("federation server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 永続タスクキューのワーカープールと定期ジョブスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	loader := ingest.NewLoader(c.ssrfGuard, cfg.RefreshTimeout, cfg.FetchMaxSize)
	parser := ingest.NewParser(c.itemRepo, c.sanitizer, slog.Default())
	refresher := ingest.NewRefresher(
		c.feedRepo, loader, parser, c.engine, c.collector,
		slog.Default(), cfg.FeedErrorMax,
	)

	worker := delivery.NewWorker(
		c.taskRepo, c.feedRepo, c.messageRepo, c.actorRepo,
		c.resolver, c.deliverer, refresher, c.engine,
		c.collector, slog.Default(),
		delivery.WorkerConfig{
			Concurrency:          cfg.DeliveryWorkers,
			RefreshTimeout:       cfg.RefreshTimeout,
			StaleThreshold:       cfg.RefreshInterval,
			FeedErrorMax:         cfg.FeedErrorMax,
			ActorErrorMax:        cfg.ActorErrorMax,
			MessageRetentionDays: cfg.MessageRetentionDays,
		},
	)

	cron := delivery.NewCron(c.queue, slog.Default(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("concurrency", cfg.DeliveryWorkers),
		slog.Duration("refresh_interval", cfg.RefreshInterval),
	)

	go cron.Start(ctx)

	// ワーカープールをメインgoroutineで実行（ブロッキング）
	worker.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runAdd はフィードアカウントを登録する。
// URLがフィードドキュメントでない場合はHTMLのalternateリンクから
// フィードURLを自動検出する。登録後は初回リフレッシュタスクを積む。
func runAdd(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: add <name> <url>")
	}
	name, inputURL := args[0], args[1]

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx := context.Background()

	existing, err := c.feedRepo.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up feed: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("feed %q already exists", name)
	}

	detector := ingest.NewDetector(c.ssrfGuard, cfg.RefreshTimeout, cfg.FetchMaxSize)
	feedURL, err := detector.Detect(ctx, inputURL)
	if err != nil {
		return fmt.Errorf("feed detection failed: %w", err)
	}

	privatePem, publicPem, err := ap.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	feed := &model.Feed{
		ID:              uuid.New().String(),
		Name:            name,
		URL:             feedURL,
		PrivateKeyPem:   privatePem,
		PublicKeyPem:    publicPem,
		Title:           name,
		StatusPublicity: "public",
	}
	if err := c.feedRepo.Create(ctx, feed); err != nil {
		return fmt.Errorf("failed to create feed: %w", err)
	}

	if err := c.engine.EnqueueRefresh(ctx, feed.ID); err != nil {
		return fmt.Errorf("failed to enqueue initial refresh: %w", err)
	}

	slog.Info("feed account created",
		slog.String("name", name),
		slog.String("feed_url", feedURL),
		slog.String("handle", c.translator.Handle(feed)),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
