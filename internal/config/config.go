package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env                    string `mapstructure:"env"`
	Port                   int    `mapstructure:"port"`
	InstanceID             string `mapstructure:"instance_id"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RateLimitPerMin        int    `mapstructure:"rate_limit_per_min"`
	CORSOrigins            string `mapstructure:"cors_origins"`
}

func (a *AppConfig) PortString() string { return fmt.Sprintf("%d", a.Port) }

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"` // mongo | memory
	EncryptionKey string `mapstructure:"encryption_key"`
}

type MongoConfig struct {
	URI string `mapstructure:"uri"`
	DB  string `mapstructure:"db"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type EventsConfig struct {
	Driver string `mapstructure:"driver"` // kafka | nats | local
}

type KafkaConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	TopicEvents        string   `mapstructure:"topic_events"`
	TopicNotifications string   `mapstructure:"topic_notifications"`
	DLQTopic           string   `mapstructure:"dlq_topic"`
	GroupID            string   `mapstructure:"group_id"`
	MaxRetries         int      `mapstructure:"max_retries"`
	RetryBackoffMs     int      `mapstructure:"retry_backoff_ms"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type JWTConfig struct {
	Alg           string `mapstructure:"alg"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	HSSecret      string `mapstructure:"hs_secret"`
}

type WSConfig struct {
	PingIntervalSeconds  int   `mapstructure:"ping_interval_seconds"`
	PongWaitSeconds      int   `mapstructure:"pong_wait_seconds"`
	WriteDeadlineSeconds int   `mapstructure:"write_deadline_seconds"`
	MaxMessageSizeBytes  int64 `mapstructure:"max_message_size_bytes"`
	OfflineGraceSeconds  int   `mapstructure:"offline_grace_seconds"`
	MessagesPerSecond    int   `mapstructure:"messages_per_second"`
}

type PresenceConfig struct {
	Driver           string `mapstructure:"driver"` // redis | memory
	TypingTimeoutMs  int    `mapstructure:"typing_timeout_ms"`
	OnlineTTLSeconds int    `mapstructure:"online_ttl_seconds"`
}

type EmailConfig struct {
	BrevoAPIKey string `mapstructure:"brevo_api_key"`
	SenderEmail string `mapstructure:"sender_email"`
	SenderName  string `mapstructure:"sender_name"`
}

type SMSConfig struct {
	TwilioSID   string `mapstructure:"twilio_account_sid"`
	TwilioToken string `mapstructure:"twilio_auth_token"`
	FromPhone   string `mapstructure:"from_phone"`
}

type PushConfig struct {
	FirebaseCredentials string `mapstructure:"firebase_credentials"`
}

type NotificationConfig struct {
	CatalogPath           string      `mapstructure:"catalog_path"`
	DeferredPollSeconds   int         `mapstructure:"deferred_poll_seconds"`
	PurgeIntervalMinutes  int         `mapstructure:"purge_interval_minutes"`
	BreakerMaxFailures    int         `mapstructure:"breaker_max_failures"`
	BreakerTimeoutSeconds int         `mapstructure:"breaker_timeout_seconds"`
	Email                 EmailConfig `mapstructure:"email"`
	SMS                   SMSConfig   `mapstructure:"sms"`
	Push                  PushConfig  `mapstructure:"push"`
}

type S3Config struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	PublicBaseURL  string `mapstructure:"public_base_url"`
	PresignTTLMins int    `mapstructure:"presign_ttl_minutes"`
}

type ConsulConfig struct {
	Addr        string `mapstructure:"addr"`
	ServiceName string `mapstructure:"service_name"`
	ServiceHost string `mapstructure:"service_host"`
}

type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Log          LogConfig          `mapstructure:"log"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Mongo        MongoConfig        `mapstructure:"mongo"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Events       EventsConfig       `mapstructure:"events"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	NATS         NATSConfig         `mapstructure:"nats"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	WS           WSConfig           `mapstructure:"ws"`
	Presence     PresenceConfig     `mapstructure:"presence"`
	Notification NotificationConfig `mapstructure:"notification"`
	S3           S3Config           `mapstructure:"s3"`
	Consul       ConsulConfig       `mapstructure:"consul"`

	// derived
	ShutdownTimeout time.Duration `mapstructure:"-"`
	PingInterval    time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	WriteDeadline   time.Duration `mapstructure:"-"`
	OfflineGrace    time.Duration `mapstructure:"-"`
	TypingTimeout   time.Duration `mapstructure:"-"`
	OnlineTTL       time.Duration `mapstructure:"-"`
	DeferredPoll    time.Duration `mapstructure:"-"`
	PurgeInterval   time.Duration `mapstructure:"-"`
	PresignTTL      time.Duration `mapstructure:"-"`
}

func (c *Config) Development() bool { return c.App.Env == "" || c.App.Env == "development" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.shutdown_timeout_seconds", 10)
	v.SetDefault("app.rate_limit_per_min", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.driver", "mongo")
	v.SetDefault("mongo.db", "messaging")
	v.SetDefault("redis.prefix", "msg")
	v.SetDefault("events.driver", "local")
	v.SetDefault("kafka.topic_events", "messaging.events")
	v.SetDefault("kafka.topic_notifications", "notifications.requests")
	v.SetDefault("kafka.dlq_topic", "notifications.dlq")
	v.SetDefault("kafka.group_id", "messaging-service")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff_ms", 500)
	v.SetDefault("nats.subject", "messaging.events")
	v.SetDefault("nats.queue", "messaging-service")
	v.SetDefault("jwt.alg", "HS256")
	v.SetDefault("ws.ping_interval_seconds", 25)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.write_deadline_seconds", 10)
	v.SetDefault("ws.max_message_size_bytes", 65536)
	v.SetDefault("ws.offline_grace_seconds", 5)
	v.SetDefault("ws.messages_per_second", 20)
	v.SetDefault("presence.driver", "memory")
	v.SetDefault("presence.typing_timeout_ms", 3000)
	v.SetDefault("presence.online_ttl_seconds", 90)
	v.SetDefault("notification.deferred_poll_seconds", 30)
	v.SetDefault("notification.purge_interval_minutes", 60)
	v.SetDefault("notification.breaker_max_failures", 5)
	v.SetDefault("notification.breaker_timeout_seconds", 30)
	v.SetDefault("notification.email.sender_name", "Community")
	v.SetDefault("s3.presign_ttl_minutes", 15)
	v.SetDefault("consul.service_name", "messaging-service")
}

// keys without defaults are invisible to Unmarshal unless bound explicitly
var envOnlyKeys = []string{
	"app.instance_id", "app.cors_origins",
	"storage.encryption_key",
	"mongo.uri",
	"redis.addr", "redis.password", "redis.db",
	"kafka.brokers",
	"nats.url",
	"jwt.public_key_path", "jwt.hs_secret",
	"notification.catalog_path",
	"notification.email.brevo_api_key", "notification.email.sender_email",
	"notification.sms.twilio_account_sid", "notification.sms.twilio_auth_token", "notification.sms.from_phone",
	"notification.push.firebase_credentials",
	"s3.region", "s3.bucket", "s3.public_base_url",
	"consul.addr", "consul.service_host",
}

// Load reads path (optional), then the environment. APP_PORT overrides app.port and so on.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envOnlyKeys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.derive()

	if err := validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) derive() {
	c.ShutdownTimeout = time.Duration(c.App.ShutdownTimeoutSeconds) * time.Second
	c.PingInterval = time.Duration(c.WS.PingIntervalSeconds) * time.Second
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.WriteDeadline = time.Duration(c.WS.WriteDeadlineSeconds) * time.Second
	c.OfflineGrace = time.Duration(c.WS.OfflineGraceSeconds) * time.Second
	c.TypingTimeout = time.Duration(c.Presence.TypingTimeoutMs) * time.Millisecond
	c.OnlineTTL = time.Duration(c.Presence.OnlineTTLSeconds) * time.Second
	c.DeferredPoll = time.Duration(c.Notification.DeferredPollSeconds) * time.Second
	c.PurgeInterval = time.Duration(c.Notification.PurgeIntervalMinutes) * time.Minute
	c.PresignTTL = time.Duration(c.S3.PresignTTLMins) * time.Minute
	if c.App.InstanceID == "" {
		host, _ := os.Hostname()
		c.App.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
}

func validate(cfg *Config) error {
	if cfg.App.Port == 0 {
		return errors.New("app.port missing or invalid")
	}
	if cfg.PingInterval >= cfg.PongWait {
		return errors.New("ws.ping_interval_seconds must be lower than ws.pong_wait_seconds")
	}

	switch cfg.Storage.Driver {
	case "mongo":
		if cfg.Mongo.URI == "" {
			return errors.New("mongo.uri missing")
		}
		if cfg.Mongo.DB == "" {
			return errors.New("mongo.db missing")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage.driver %q (use mongo or memory)", cfg.Storage.Driver)
	}
	if k := cfg.Storage.EncryptionKey; k != "" && len(k) != 32 {
		return errors.New("storage.encryption_key must be 32 bytes")
	}

	switch cfg.Presence.Driver {
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr required for presence.driver=redis")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid presence.driver %q (use redis or memory)", cfg.Presence.Driver)
	}

	switch cfg.Events.Driver {
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers missing")
		}
		if cfg.Kafka.TopicEvents == "" {
			return errors.New("kafka.topic_events missing")
		}
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url missing")
		}
	case "local":
	default:
		return fmt.Errorf("invalid events.driver %q (use kafka, nats or local)", cfg.Events.Driver)
	}

	switch strings.ToUpper(cfg.JWT.Alg) {
	case "RS256":
		if cfg.JWT.PublicKeyPath == "" {
			return errors.New("jwt.public_key_path required for RS256")
		}
	case "HS256":
		if cfg.JWT.HSSecret == "" {
			return errors.New("jwt.hs_secret required for HS256")
		}
	default:
		return errors.New("invalid jwt.alg (use RS256 or HS256)")
	}
	return nil
}
