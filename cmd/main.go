package main

import (
	"PeerSupport/config"
	"PeerSupport/internal/events"
	"PeerSupport/internal/matchmaker"
	"PeerSupport/internal/middleware"
	"PeerSupport/internal/room"
	"PeerSupport/internal/storage"
	"PeerSupport/internal/utils"
	"PeerSupport/internal/websocket"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func newRepo(ctx context.Context) (matchmaker.Repo, error) {
	switch config.C.Store.Driver {
	case "memory":
		return matchmaker.NewMemoryRepo(), nil
	case "redis":
		if err := storage.InitRedis(ctx, config.C.Redis.Addr, config.C.Redis.Password, config.C.Redis.DB); err != nil {
			return nil, fmt.Errorf("redis init: %w", err)
		}
		return matchmaker.NewRedisRepo(storage.Rdb), nil
	case "postgres":
		if err := storage.InitPostgres(ctx, config.C.Database.DSN); err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		if err := matchmaker.MigratePostgres(ctx, storage.DB); err != nil {
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		return matchmaker.NewPostgresRepo(storage.DB), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", config.C.Store.Driver)
}

func main() {
	config.Load()
	utils.Init(config.C.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//-------------------------------------------------------
	// 1. 初始化存储
	//-------------------------------------------------------
	repo, err := newRepo(ctx)
	if err != nil {
		utils.Log.Fatal("store init failed", "driver", config.C.Store.Driver, "err", err)
	}
	defer storage.Close()

	//-------------------------------------------------------
	// 2. 初始化 Hub（必须最先启动）
	//-------------------------------------------------------
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Close()

	//-------------------------------------------------------
	// 3. 初始化匹配系统
	//-------------------------------------------------------
	svc := matchmaker.NewService(repo, hub)
	svc.RecentLimit = config.C.Match.RecentLimit

	// 客户端也可以通过 websocket 查询状态；回调在 hub 协程里，必须另起协程再回推
	hub.OnIncoming = func(msg websocket.IncomingMessage) {
		if msg.Event != "check_status" {
			return
		}
		go func() {
			out, err := svc.CheckStatus(context.Background(), msg.From)
			if err != nil {
				return
			}
			hub.SendToUser(msg.From, websocket.OutgoingMessage{
				Event: "status",
				Data:  matchmaker.NewStatusResponse(out),
			})
		}()
	}

	//-------------------------------------------------------
	// 4. 事件发布（可选）
	//-------------------------------------------------------
	nc, err := events.Connect(config.C.Nats.URL, config.C.Nats.Token)
	if err != nil {
		utils.Log.Fatal("nats connect failed", "url", config.C.Nats.URL, "err", err)
	}
	if nc != nil {
		defer nc.Drain()
		pub := events.NewPublisher(nc, config.C.Nats.Subject)
		svc.OnMatched = pub.Matched
		svc.OnEnded = pub.Ended
		utils.Log.Info("publishing match events", "subject", config.C.Nats.Subject)
	}

	go svc.RunSweeper(ctx, config.C.Match.SweepInterval, config.C.Match.StaleAfter)

	//-------------------------------------------------------
	// 5. 初始化 Gin + CORS
	//-------------------------------------------------------
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	//-------------------------------------------------------
	// 6. 路由
	//-------------------------------------------------------
	secret := []byte(config.C.JWT.Secret)
	mh := matchmaker.NewHandler(svc)
	rh := room.NewHandler(svc,
		room.NewMinter(config.C.Room.APIKey, config.C.Room.APISecret, config.C.Room.TTL),
		config.C.Room.URL)

	r.GET("/api/peer-stats", middleware.OptionalJwtAuth(secret), mh.Stats)

	auth := r.Group("/", middleware.JwtAuthMiddleware(secret))
	{
		auth.GET("/ws", websocket.ServeWS(hub))

		auth.POST("/api/peer-match", mh.PeerMatch)
		auth.POST("/api/peer-token", rh.Token)

		auth.POST("/match/join", mh.Join)
		auth.GET("/match/status", mh.Status)
		auth.POST("/match/leave", mh.Leave)
		auth.POST("/match/end", mh.End)
	}

	//-------------------------------------------------------
	// 7. 启动服务器，收到信号后优雅退出
	//-------------------------------------------------------
	srv := &http.Server{Addr: config.C.Server.Port, Handler: r}
	go func() {
		utils.Log.Info("server running", "addr", config.C.Server.Port, "store", config.C.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Log.Fatal("server failed", "err", err)
		}
	}()

	<-ctx.Done()
	utils.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Log.Error("server shutdown", "err", err)
	}
}
