package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/archive"
	"github.com/whisper/rendezvous/internal/background"
	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/handler"
	"github.com/whisper/rendezvous/internal/ice"
	"github.com/whisper/rendezvous/internal/logging"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/profile"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/room"
	"github.com/whisper/rendezvous/internal/session"
	"github.com/whisper/rendezvous/internal/signaling"
	"github.com/whisper/rendezvous/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	gin.SetMode(gin.ReleaseMode)

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("server_name", cfg.ServerName).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("room_grace_period", cfg.RoomGracePeriod).
		Bool("nats", cfg.NATS.Enabled).
		Bool("redis", cfg.Redis.Enabled).
		Msg("rendezvous server starting")

	provider, err := ice.NewProvider(ice.Config{
		STUNURLs: cfg.ICE.URLs,
		TURNURLs: cfg.ICE.TURNURLs,
		Secret:   cfg.ICE.TURNSecret,
		TTL:      cfg.ICE.TURNTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ice configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := background.NewPool(background.PoolConfig{
		NumWorkers: cfg.Background.Workers,
		QueueSize:  cfg.Background.QueueSize,
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("background pool failed to start")
	}

	// --- NATS ---
	var (
		sink       archive.Sink = archive.Discard{}
		natsClient *messaging.NATSClient
	)
	if cfg.NATS.Enabled {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "rendezvous-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Warn().Err(err).Msg("nats unavailable, room history will not be archived")
		} else {
			sink = archive.NewPublisher(pool, natsClient)
		}
	}

	// --- Redis ---
	var (
		redisClient *redis.Client
		tracker     presence.Tracker
		limiter     handler.Limiter
	)
	if cfg.Redis.Enabled {
		redisClient, err = session.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, presence mirror and rate limits disabled")
		} else {
			tracker = session.NewMirror(session.NewStore(redisClient, cfg.ServerName), pool)
			limiter = ratelimit.NewLimiter(redisClient)
		}
	}
	var observer matching.Observer
	if tracker != nil {
		observer = tracker
	}

	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.SendQueueSize = cfg.SendQueueSize
	wsConfig.Heartbeat = ws.HeartbeatConfig{Interval: cfg.HeartbeatInterval, Timeout: cfg.HeartbeatTimeout}

	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)
	gw := gateway.New(server)

	profiles := profile.NewStore()
	rooms := room.NewRegistry(room.Config{GracePeriod: cfg.RoomGracePeriod}, gw, profiles, sink)
	gw.SetDirectory(rooms)

	chatSvc := chat.NewService(chat.Config{TypingTTL: cfg.TypingTTL, BufferSize: cfg.ChatBufferSize}, rooms, profiles, gw, sink)
	rooms.OnRemove(chatSvc.ForgetRoom)

	matcher := matching.NewService(rooms, profiles, gw, observer)
	supervisor := presence.NewSupervisor(presence.Deps{
		Matcher:  matcher,
		Rooms:    rooms,
		Chat:     chatSvc,
		Profiles: profiles,
		Notify:   gw,
		ICE:      provider,
		Tracker:  tracker,
	})

	handler.New(handler.Deps{
		Matcher:  matcher,
		Rooms:    rooms,
		Relay:    signaling.NewRelay(rooms, gw),
		Chat:     chatSvc,
		Presence: supervisor,
		Notify:   gw,
		Limiter:  limiter,
	}).Register(dispatcher)

	server.SetOnConnect(func(conn *ws.Connection) {
		supervisor.Connect(conn.ID)
	})
	server.SetOnDisconnect(supervisor.Disconnect)
	if limiter != nil {
		server.SetAdmit(func(clientIP string) bool {
			ok, _ := limiter.Allow(context.Background(), clientIP, ratelimit.RuleConnect)
			return ok
		})
	}

	router := server.Router()
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/ice-servers", func(c *gin.Context) {
		id := c.Query("session")
		if id == "" {
			id = uuid.NewString()
		}
		c.JSON(http.StatusOK, gin.H{"iceServers": provider.ForClient(id)})
	})
	router.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.List()})
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer done()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown")
		}
		rooms.Close()
		chatSvc.Close()
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("background pool shutdown")
		}
		if natsClient != nil {
			if err := natsClient.Flush(time.Second); err != nil {
				log.Warn().Err(err).Msg("nats flush")
			}
			natsClient.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		cancel()
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	<-ctx.Done()
	log.Info().Msg("server exited")
}
