package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"fieldsync/server/common/auth"
	"fieldsync/server/common/infra/cache"
	"fieldsync/server/common/infra/mq"
	"fieldsync/server/common/infra/object"
	commonlog "fieldsync/server/common/log"
	"fieldsync/server/devbackend/api"
	"fieldsync/server/devbackend/service"
)

type Server struct {
	HTTPServer *http.Server
	Hub        *service.Hub
	Alerts     *service.AlertService
	Photos     *service.PhotoService
	Redis      *redis.Client
	MQConn     *amqp.Connection
	AlertFeed  *service.AlertFeed

	feedCancel context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users := service.NewUserDirectory()
	if err := service.SeedUsers(users, cfg.SeedPassword); err != nil {
		return nil, fmt.Errorf("seed users: %w", err)
	}
	fixtures := service.NewFixtures()
	hub := service.NewHub(fixtures)
	alerts := service.NewAlertService(fixtures, hub)
	s := &Server{Hub: hub, Alerts: alerts}

	if cfg.RedisAddr != "" {
		redisClient, err := cache.Dial(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			return nil, err
		}
		s.Redis = redisClient
		hub.UseRedis(redisClient)
		if err := hub.StartRedisSubscriber(context.Background()); err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("start hub subscriber: %w", err)
		}
	}

	var store service.ObjectStore = service.NewMemoryObjectStore()
	if cfg.MinIOEndpoint != "" {
		minioStore, err := service.NewMinioObjectStore(ctx, object.Options{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
			Region:    cfg.MinIORegion,
		}, cfg.MinIOBucket)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		store = minioStore
	}
	photos := service.NewPhotoService(store)
	s.Photos = photos

	if cfg.LavinMQURL != "" {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.MQConn = conn
		feed, err := service.NewAlertFeed(conn, alerts)
		if err != nil {
			s.closeInfra()
			return nil, fmt.Errorf("initialize alert feed: %w", err)
		}
		s.AlertFeed = feed
		feedCtx, feedCancel := context.WithCancel(context.Background())
		s.feedCancel = feedCancel
		go func() {
			if err := feed.Run(feedCtx); err != nil {
				commonlog.Errorf("event=alert_feed action=run status=failed error=%v", err)
			}
		}()
	}

	authSvc := auth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	h := api.NewHandler(authSvc, users, fixtures, hub, alerts, photos)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

func (s *Server) closeInfra() {
	if s.feedCancel != nil {
		s.feedCancel()
	}
	if s.AlertFeed != nil {
		s.AlertFeed.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Hub != nil {
		s.Hub.StopRedisSubscriber()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeInfra()
	return s.HTTPServer.Shutdown(ctx)
}
