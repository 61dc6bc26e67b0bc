package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/api"
	"github.com/fathima-sithara/messaging-service/internal/auth"
	"github.com/fathima-sithara/messaging-service/internal/config"
	"github.com/fathima-sithara/messaging-service/internal/crypto"
	"github.com/fathima-sithara/messaging-service/internal/discovery"
	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/fathima-sithara/messaging-service/internal/events"
	"github.com/fathima-sithara/messaging-service/internal/httpclient"
	"github.com/fathima-sithara/messaging-service/internal/kafka"
	"github.com/fathima-sithara/messaging-service/internal/metrics"
	"github.com/fathima-sithara/messaging-service/internal/notification"
	"github.com/fathima-sithara/messaging-service/internal/presence"
	"github.com/fathima-sithara/messaging-service/internal/repository"
	"github.com/fathima-sithara/messaging-service/internal/service"
	"github.com/fathima-sithara/messaging-service/internal/storage"
	"github.com/fathima-sithara/messaging-service/internal/validation"
	"github.com/fathima-sithara/messaging-service/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

type AppContext struct {
	Config *config.Config
	Logger *zap.SugaredLogger
	Mongo  *mongo.Client
	Redis  *redis.Client

	Store         repository.Store
	Tracker       presence.Tracker
	Bus           events.Bus
	Conversations *service.ConversationService
	Preferences   *notification.PreferenceService
	Engine        *notification.Engine
	Scheduler     *notification.Scheduler
	Hub           *ws.Hub
	WS            *ws.Handler
	App           *fiber.App

	requests  *kafka.Consumer
	dlq       *kafka.Producer
	reqHandle *notification.RequestHandler
	registrar *discovery.Registrar

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type CleanupFn func(context.Context)

// Init connects the configured backends and wires every component. Nothing runs until Start.
func Init(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*AppContext, CleanupFn, error) {
	metrics.Init()
	a := &AppContext{Config: cfg, Logger: logger}
	var closers []func(context.Context)
	cleanup := func(ctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](ctx)
		}
	}
	fail := func(err error) (*AppContext, CleanupFn, error) {
		cleanup(ctx)
		return nil, nil, err
	}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
		closers = append(closers, func(context.Context) {
			if err := a.Redis.Close(); err != nil {
				logger.Errorf("Redis client close error: %v", err)
			}
		})
	}

	switch cfg.Storage.Driver {
	case "mongo":
		var cipher *crypto.ContentCipher
		if cfg.Storage.EncryptionKey != "" {
			c, err := crypto.NewContentCipher(cfg.Storage.EncryptionKey)
			if err != nil {
				return fail(err)
			}
			cipher = c
		}
		client, err := repository.NewMongoClient(ctx, cfg.Mongo.URI)
		if err != nil {
			return fail(fmt.Errorf("mongo connect: %w", err))
		}
		a.Mongo = client
		closers = append(closers, func(ctx context.Context) {
			if err := client.Disconnect(ctx); err != nil {
				logger.Errorf("MongoDB disconnect error: %v", err)
			}
		})
		ms := repository.NewMongoStore(client.Database(cfg.Mongo.DB), cipher)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fail(fmt.Errorf("mongo indexes: %w", err))
		}
		a.Store = ms
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		a.Store = repository.NewMemoryStore()
	}

	if cfg.Presence.Driver == "redis" && a.Redis != nil {
		a.Tracker = presence.NewRedisTracker(a.Redis, cfg.Redis.Prefix, cfg.OnlineTTL, cfg.TypingTimeout)
	} else {
		a.Tracker = presence.NewMemoryTracker(cfg.TypingTimeout)
	}
	closers = append(closers, func(context.Context) { a.Tracker.Close() })

	switch cfg.Events.Driver {
	case "kafka":
		a.Bus = events.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.GroupID, logger)
	case "nats":
		b, err := events.NewNATSBus(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.Queue, logger)
		if err != nil {
			return fail(fmt.Errorf("nats connect: %w", err))
		}
		a.Bus = b
	default:
		a.Bus = events.NewLocalBus(0, logger)
	}
	closers = append(closers, func(context.Context) {
		if err := a.Bus.Close(); err != nil {
			logger.Errorf("event bus close error: %v", err)
		}
	})

	validate := validation.New()
	catalog, err := notification.LoadCatalog(cfg.Notification.CatalogPath)
	if err != nil {
		return fail(fmt.Errorf("notification catalog: %w", err))
	}

	a.Conversations = service.NewConversationService(a.Store, a.Bus, a.Tracker, logger)
	a.Preferences = notification.NewPreferenceService(a.Store, catalog, validate)

	var queue notification.DeferredQueue = notification.NewMemoryQueue()
	if a.Redis != nil {
		queue = notification.NewRedisQueue(a.Redis, cfg.Redis.Prefix)
	}
	a.Engine = notification.NewEngine(a.Store, a.Preferences, catalog, queue, validate, logger)
	if err := a.registerSenders(ctx); err != nil {
		return fail(err)
	}
	closers = append(closers, func(context.Context) { a.Engine.Wait() })
	a.Scheduler = notification.NewScheduler(a.Engine, queue, cfg.DeferredPoll, cfg.PurgeInterval, logger)

	a.Hub, err = ws.NewHub(a.Redis, cfg.App.InstanceID, logger)
	if err != nil {
		return fail(fmt.Errorf("websocket hub: %w", err))
	}
	closers = append(closers, func(context.Context) { a.Hub.Shutdown() })
	a.WS = ws.NewHandler(a.Hub, a.Conversations, a.Tracker, ws.OptionsFromConfig(cfg), logger)
	closers = append(closers, func(context.Context) { a.WS.Close() })
	a.Engine.SetLiveNotifier(a.Hub)

	trigger := notification.NewMessageTrigger(a.Engine, a.Tracker, logger)
	a.Bus.Subscribe("ws", a.WS.HandleEvent)
	a.Bus.Subscribe("notifications", trigger.HandleEvent)

	if cfg.Events.Driver == "kafka" && cfg.Kafka.TopicNotifications != "" {
		a.dlq = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.DLQTopic)
		a.requests = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.GroupID+"-notifications", logger)
		a.reqHandle = notification.NewRequestHandler(a.Engine, a.dlq, cfg.Kafka.MaxRetries, cfg.Kafka.RetryBackoffMs, logger)
		closers = append(closers, func(context.Context) {
			_ = a.requests.Close()
			_ = a.dlq.Close()
		})
	}

	jv, err := auth.NewFromConfig(cfg.JWT)
	if err != nil {
		return fail(fmt.Errorf("jwt: %w", err))
	}

	var attachments *storage.AttachmentService
	if cfg.S3.Bucket != "" {
		s3store, err := storage.NewS3Store(ctx, cfg.S3.Region, cfg.S3.Bucket, cfg.S3.PublicBaseURL)
		if err != nil {
			return fail(fmt.Errorf("s3: %w", err))
		}
		attachments = storage.NewAttachmentService(s3store, cfg.PresignTTL)
	}

	if cfg.Consul.Addr != "" {
		r, err := discovery.NewRegistrar(cfg.Consul.Addr, logger)
		if err != nil {
			return fail(fmt.Errorf("consul: %w", err))
		}
		a.registrar = r
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	closers = append(closers, func(context.Context) {
		a.cancel()
		a.wg.Wait()
	})

	a.App = api.NewServer(runCtx, api.Deps{
		Conversations:   a.Conversations,
		Engine:          a.Engine,
		Preferences:     a.Preferences,
		Tracker:         a.Tracker,
		Attachments:     attachments,
		Validate:        validate,
		Tokens:          jv,
		WS:              a.WS,
		Redis:           a.Redis,
		RedisPrefix:     cfg.Redis.Prefix,
		RateLimitPerMin: cfg.App.RateLimitPerMin,
		CORSOrigins:     cfg.App.CORSOrigins,
		Logger:          logger,
	})
	closers = append(closers, func(ctx context.Context) {
		if err := a.App.ShutdownWithContext(ctx); err != nil {
			logger.Errorf("http shutdown error: %v", err)
		}
	})

	return a, cleanup, nil
}

// registerSenders picks a real sender per channel when credentials exist, else a log sender.
func (a *AppContext) registerSenders(ctx context.Context) error {
	cfg := a.Config.Notification
	maxFailures := uint32(cfg.BreakerMaxFailures)
	timeout := time.Duration(cfg.BreakerTimeoutSeconds) * time.Second
	hc := httpclient.NewClient(httpclient.DefaultConfig())

	if cfg.Email.BrevoAPIKey != "" {
		s, err := notification.NewEmailSender(cfg.Email.BrevoAPIKey, cfg.Email.SenderEmail, cfg.Email.SenderName, hc, a.Logger)
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		a.Engine.RegisterSender(notification.WithBreaker(s, maxFailures, timeout, a.Logger))
	} else {
		a.Logger.Warn("Brevo not configured, email notifications are logged only")
		a.Engine.RegisterSender(notification.NewLogSender(domain.ChannelEmail, a.Logger))
	}

	if cfg.SMS.TwilioSID != "" && cfg.SMS.TwilioToken != "" {
		s := notification.NewSMSSender(cfg.SMS.TwilioSID, cfg.SMS.TwilioToken, cfg.SMS.FromPhone, hc, a.Logger)
		a.Engine.RegisterSender(notification.WithBreaker(s, maxFailures, timeout, a.Logger))
	} else {
		a.Logger.Warn("Twilio not configured, SMS notifications are logged only")
		a.Engine.RegisterSender(notification.NewLogSender(domain.ChannelSMS, a.Logger))
	}

	if cfg.Push.FirebaseCredentials != "" {
		s, err := notification.NewPushSender(ctx, cfg.Push.FirebaseCredentials, a.Logger)
		if err != nil {
			return fmt.Errorf("push sender: %w", err)
		}
		a.Engine.RegisterSender(notification.WithBreaker(s, maxFailures, timeout, a.Logger))
	} else {
		a.Logger.Warn("Firebase not configured, push notifications are logged only")
		a.Engine.RegisterSender(notification.NewLogSender(domain.ChannelPush, a.Logger))
	}
	return nil
}

// Start launches the background loops: event delivery, the deferred scheduler,
// the notification request consumer and service registration.
func (a *AppContext) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	prev := a.cancel
	a.cancel = func() {
		cancel()
		prev()
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.Bus.Start(ctx); err != nil {
			a.Logger.Errorw("event bus stopped", "error", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.Scheduler.Run(ctx)
	}()

	if a.requests != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.requests.Start(ctx, func(ctx context.Context, key string, value []byte) {
				if err := a.reqHandle.HandleMessage(ctx, key, value); err != nil {
					a.Logger.Errorw("notification request dropped", "key", key, "error", err)
				}
			})
		}()
	}

	if a.registrar != nil {
		host := a.Config.Consul.ServiceHost
		if host == "" {
			host = "localhost"
		}
		name := a.Config.Consul.ServiceName
		reg := discovery.Registration(name, strings.Join([]string{name, a.Config.App.InstanceID}, "-"), host, a.Config.App.Port)
		if err := a.registrar.Register(reg); err != nil {
			a.Logger.Warnw("consul registration failed", "error", err)
		}
	}
}

// Stop deregisters and cancels the background loops. Cleanup still has to run afterwards.
func (a *AppContext) Stop() {
	if a.registrar != nil {
		if err := a.registrar.Deregister(); err != nil {
			a.Logger.Warnw("consul deregistration failed", "error", err)
		}
	}
	a.cancel()
	a.wg.Wait()
}
