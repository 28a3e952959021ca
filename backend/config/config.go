package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabsync/backend/internal/ratelimit"
)

type CollabConfig struct {
	Running struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"` // "debug" or "release"
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "json" or "text"
	} `mapstructure:"log"`
	Mysql struct {
		DSN          string        `mapstructure:"dsn"`
		MaxOpenConns int           `mapstructure:"maxOpenConns"`
		MaxIdleConns int           `mapstructure:"maxIdleConns"`
		ConnMaxLife  time.Duration `mapstructure:"connMaxLife"`
		AutoMigrate  bool          `mapstructure:"autoMigrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		// Path is the auth service base URL. When empty, tokens are checked locally
		// with JWTSecret.
		Path      string        `mapstructure:"path"`
		JWTSecret string        `mapstructure:"jwtSecret"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"auth"`
	Collab struct {
		SaveInterval    time.Duration `mapstructure:"saveInterval"`
		AutosaveTick    time.Duration `mapstructure:"autosaveTick"`
		SaveParallelism int           `mapstructure:"saveParallelism"`
		SendBuffer      int           `mapstructure:"sendBuffer"`
		MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
		MaxUpdateBytes  int           `mapstructure:"maxUpdateBytes"`
		PongWait        time.Duration `mapstructure:"pongWait"`
		WriteWait       time.Duration `mapstructure:"writeWait"`
		LoadTimeout     time.Duration `mapstructure:"loadTimeout"`
		SaveTimeout     time.Duration `mapstructure:"saveTimeout"`
		SlowOperation   time.Duration `mapstructure:"slowOperation"`
		MaxConcurrentIO int           `mapstructure:"maxConcurrentIO"`
		PresenceTTL     time.Duration `mapstructure:"presenceTTL"`
		AllowedOrigins  []string      `mapstructure:"allowedOrigins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
	} `mapstructure:"collab"`
	RateLimit struct {
		Connection ratelimit.Config `mapstructure:"connection"`
		Message    ratelimit.Config `mapstructure:"message"`
		Update     ratelimit.Config `mapstructure:"update"`
	} `mapstructure:"rateLimit"`
}

func (c *CollabConfig) Production() bool { return c.Running.Mode == "release" }

func (c *CollabConfig) RateLimits() map[ratelimit.Kind]ratelimit.Config {
	return map[ratelimit.Kind]ratelimit.Config{
		ratelimit.KindConnection: c.RateLimit.Connection,
		ratelimit.KindMessage:    c.RateLimit.Message,
		ratelimit.KindUpdate:     c.RateLimit.Update,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3002)
	v.SetDefault("running.mode", "debug")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("mysql.maxOpenConns", 20)
	v.SetDefault("mysql.maxIdleConns", 5)
	v.SetDefault("mysql.connMaxLife", time.Hour)
	v.SetDefault("kafka.topic", "collab-doc-events")
	v.SetDefault("auth.jwtSecret", "dev-secret")
	v.SetDefault("auth.timeout", 1200*time.Millisecond)

	v.SetDefault("collab.saveInterval", 30*time.Second)
	v.SetDefault("collab.autosaveTick", 5*time.Second)
	v.SetDefault("collab.saveParallelism", 8)
	v.SetDefault("collab.sendBuffer", 256)
	v.SetDefault("collab.maxMessageBytes", 1<<20)
	v.SetDefault("collab.maxUpdateBytes", 512<<10)
	v.SetDefault("collab.pongWait", 60*time.Second)
	v.SetDefault("collab.writeWait", 10*time.Second)
	v.SetDefault("collab.loadTimeout", 5*time.Second)
	v.SetDefault("collab.saveTimeout", 10*time.Second)
	v.SetDefault("collab.slowOperation", time.Second)
	v.SetDefault("collab.maxConcurrentIO", 100)
	v.SetDefault("collab.presenceTTL", 2*time.Minute)
	v.SetDefault("collab.shutdownTimeout", 20*time.Second)

	v.SetDefault("rateLimit.connection.window", time.Minute)
	v.SetDefault("rateLimit.connection.maxRequests", 10)
	v.SetDefault("rateLimit.message.window", time.Second)
	v.SetDefault("rateLimit.message.maxRequests", 50)
	v.SetDefault("rateLimit.update.window", time.Second)
	v.SetDefault("rateLimit.update.maxRequests", 30)
}

// Load reads collabConfig.yaml from the usual places, then COLLAB_* environment
// overrides such as COLLAB_MYSQL_DSN. A missing file is not an error.
func Load(paths ...string) (*CollabConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// works when started from the repo root or from backend/
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &CollabConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
