package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"gavel/adapters/database"
	natsAdapter "gavel/adapters/nats"
	oidcAdapter "gavel/adapters/oidc"
	redisAdapter "gavel/adapters/redis"
	"gavel/adapters/sse"
	"gavel/api"
	"gavel/auction"
	"gavel/notify"
)

func main() {
	args, err := ParseArgs()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, closeLog := newLogger(args.LogLevel, args.LogFile)
	defer closeLog()
	slog.SetDefault(logger)

	if err := run(args, logger); err != nil {
		logger.Error("Server stopped", slog.Any("error", err))
		closeLog()
		os.Exit(1)
	}
}

func run(args Args, logger *slog.Logger) error {
	const op = "run"
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化Redis連線
	var redisClient *redis.Client
	if args.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     args.Redis.Addr,
			Password: args.Redis.Password,
			DB:       args.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("[%s] Fail to connect to redis, err=%w", op, err)
		}
	}

	// 初始化儲存層
	store, closeStore, err := openStore(args, redisClient)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	defer closeStore()

	// 初始化事件廣播
	manager, err := newEventManager(args, redisClient, logger)
	if err != nil {
		return fmt.Errorf("[%s] %w", op, err)
	}
	manager.Start()
	defer manager.Done()

	engineOptions := []auction.EngineOption{
		auction.WithEngineLogger(logger),
		auction.WithEnginePublisher(manager),
	}

	// 初始化通知
	var notifier *natsAdapter.Notifier
	if args.NATS.URL != "" {
		conn, err := natsAdapter.Connect(args.NATS.URL, "gavel-"+args.NodeID, logger)
		if err != nil {
			return fmt.Errorf("[%s] %w", op, err)
		}
		defer conn.Drain()
		notifier, err = natsAdapter.NewNotifier(conn,
			natsAdapter.WithNotifierLogger(logger),
			natsAdapter.WithNotifierSubjectPrefix(args.NATS.SubjectPrefix))
		if err != nil {
			return fmt.Errorf("[%s] Fail to create notifier, err=%w", op, err)
		}
		// 沒有Redis時沒有可以重送的stream，直接由engine發布
		if redisClient == nil {
			engineOptions = append(engineOptions, auction.WithEnginePublisher(notifier))
		}
	}

	engine, err := auction.NewEngine(store, engineOptions...)
	if err != nil {
		return fmt.Errorf("[%s] Fail to create engine, err=%w", op, err)
	}

	// 初始化通知轉送
	if notifier != nil && redisClient != nil {
		groupConsumer, err := redisAdapter.NewGroupConsumer[sse.PublishRequest[auction.Event]](
			redisClient,
			args.Redis.StreamKeys.Events,
			args.Redis.ConsumerGroup,
			args.NodeID,
			redisAdapter.WithGroupConsumerLogger[sse.PublishRequest[auction.Event]](logger),
			redisAdapter.WithGroupConsumerStrictOrdering[sse.PublishRequest[auction.Event]](true),
		)
		if err != nil {
			return fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
		}
		relay, err := notify.NewRelay(groupConsumer, notifier, notify.WithRelayLogger(logger))
		if err != nil {
			return fmt.Errorf("[%s] Fail to create relay, err=%w", op, err)
		}
		if err := relay.Start(); err != nil {
			return fmt.Errorf("[%s] Fail to start relay, err=%w", op, err)
		}
		defer relay.Close()
	}

	// 初始化過期掃描，多個節點時以Redis鎖選出一個執行
	sweeperOptions := []auction.SweeperOption{
		auction.WithSweeperLogger(logger),
		auction.WithSweeperInterval(args.Sweep.Interval),
		auction.WithSweeperBatch(args.Sweep.Batch),
	}
	if redisClient != nil {
		sweeperOptions = append(sweeperOptions, auction.WithSweeperLocker(redisAdapter.NewAutoRenewMutex(
			redisClient,
			args.Redis.KeyPrefix+":lock:sweeper",
			redisAdapter.WithAutoRenewMutexLogger(logger),
			redisAdapter.WithAutoRenewMutexSkipLockError(true),
		)))
	}
	sweeper, err := auction.NewSweeper(engine, sweeperOptions...)
	if err != nil {
		return fmt.Errorf("[%s] Fail to create sweeper, err=%w", op, err)
	}
	sweeper.Start()
	defer sweeper.Close()

	// 有設置OIDC時改用issuer的金鑰驗證token
	if args.OIDC.IssuerURL != "" {
		verifier, err := oidcAdapter.NewVerifier(ctx, args.OIDC.IssuerURL, args.OIDC.ClientID)
		if err != nil {
			return fmt.Errorf("[%s] %w", op, err)
		}
		args.ServerConfig.Auth.Verifier = verifier
	}

	server, err := api.NewServer(engine, manager, args.ServerConfig, api.WithServerLogger(logger))
	if err != nil {
		return fmt.Errorf("[%s] Fail to create server, err=%w", op, err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	server.RegisterHandlers(router)
	httpServer := &http.Server{
		Addr:    args.ServerURL,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Server started", slog.String("addr", args.ServerURL), slog.String("store", args.Store))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("[%s] Fail to serve, err=%w", op, err)
		}
	}

	logger.Info("Shutting down")
	// 先關閉事件廣播讓串流連線結束，否則Shutdown會等待它們
	manager.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("[%s] Fail to shutdown server, err=%w", op, err)
	}
	return nil
}

// openStore 依照設定選擇儲存層
func openStore(args Args, redisClient *redis.Client) (auction.Store, func(), error) {
	if args.Store == "redis" {
		store, err := redisAdapter.NewStore(redisClient, redisAdapter.WithStorePrefix(args.Redis.KeyPrefix+":"))
		if err != nil {
			return nil, nil, fmt.Errorf("fail to create redis store, err=%w", err)
		}
		return store, func() {}, nil
	}

	db, err := database.Open(args.DB)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	store, err := database.NewStore(db)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("fail to create database store, err=%w", err)
	}
	return store, closeFn, nil
}

// newEventManager 在有Redis時透過stream跨節點廣播，否則只在本節點廣播
func newEventManager(args Args, redisClient *redis.Client, logger *slog.Logger) (sse.IConnectionManager[auction.Event], error) {
	options := []sse.ManagerOption[auction.Event]{
		sse.WithLogger[auction.Event](logger),
		sse.WithSequence(auction.Event.Sequence),
	}
	if redisClient != nil {
		consumer, err := redisAdapter.NewConsumer[sse.PublishRequest[auction.Event]](
			redisClient,
			args.Redis.StreamKeys.Events,
			redisAdapter.WithConsumerLogger[sse.PublishRequest[auction.Event]](logger),
		)
		if err != nil {
			return nil, fmt.Errorf("fail to create consumer, err=%w", err)
		}
		producer, err := redisAdapter.NewProducer[sse.PublishRequest[auction.Event]](
			redisClient,
			args.Redis.StreamKeys.Events,
			redisAdapter.WithProducerLogger[sse.PublishRequest[auction.Event]](logger),
			redisAdapter.WithProducerMaxLen[sse.PublishRequest[auction.Event]](args.Redis.StreamMaxLen),
		)
		if err != nil {
			return nil, fmt.Errorf("fail to create producer, err=%w", err)
		}
		options = append(options, sse.WithStream[auction.Event](consumer, producer))
	}
	return sse.NewConnectionManager(options...), nil
}
