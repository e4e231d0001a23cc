package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Env      string `mapstructure:"env" validate:"required,oneof=development production test"`
	LogLevel string `mapstructure:"logLevel" validate:"oneof=debug info warn error"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" validate:"required"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout" validate:"gt=0"`
}

// DatabaseConfig selects the storage backend. The memory driver keeps
// everything in process and is meant for local runs and demos.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	Host            string        `mapstructure:"host" validate:"required_if=Driver postgres"`
	Port            string        `mapstructure:"port" validate:"required_if=Driver postgres,omitempty,numeric"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name" validate:"required_if=Driver postgres"`
	SSLMode         string        `mapstructure:"sslMode" validate:"oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime" validate:"gte=0"`
}

func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	PoolSize int           `mapstructure:"poolSize" validate:"gt=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type AuthConfig struct {
	SessionKey string `mapstructure:"sessionKey" validate:"required,min=16"`
	JWTSecret  string `mapstructure:"jwtSecret" validate:"required,min=16"`
	// AdminKeyHash is a bcrypt hash. Admin login is disabled when empty.
	AdminKeyHash string        `mapstructure:"adminKeyHash"`
	TokenTTL     time.Duration `mapstructure:"tokenTtl" validate:"gt=0"`
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowedOrigins" validate:"required_if=Enabled true"`
	AllowedMethods   []string `mapstructure:"allowedMethods" validate:"dive,oneof=GET POST PUT DELETE PATCH OPTIONS"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
	MaxAge           int      `mapstructure:"maxAge" validate:"gte=0"`
}

type ReconcileConfig struct {
	MaxPasses int `mapstructure:"maxPasses" validate:"gt=0"`
}

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.logLevel", "info")

	v.SetDefault("server.addr", ":8181")
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 15*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "ctf_scoreboard")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 25)
	v.SetDefault("database.connMaxLifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 100)
	v.SetDefault("redis.ttl", 15*time.Second)

	v.SetDefault("auth.sessionKey", "")
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.adminKeyHash", "")
	v.SetDefault("auth.tokenTtl", 24*time.Hour)

	v.SetDefault("cors.enabled", false)
	v.SetDefault("cors.allowedOrigins", []string{})
	v.SetDefault("cors.allowedMethods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowedHeaders", []string{"Content-Type", "Authorization"})
	v.SetDefault("cors.allowCredentials", true)
	v.SetDefault("cors.maxAge", 0)

	v.SetDefault("reconcile.maxPasses", 5)
}

// Load reads configuration from, in increasing priority: defaults, the YAML
// file at path (skipped when empty), a .env file in the working directory,
// and CTF_* environment variables such as CTF_AUTH_JWTSECRET. The
// DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME variables are honoured too.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CTF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"database.host":     "DB_HOST",
		"database.port":     "DB_PORT",
		"database.user":     "DB_USER",
		"database.password": "DB_PASSWORD",
		"database.name":     "DB_NAME",
	} {
		if err := v.BindEnv(key, "CTF_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Validate(cfg *Config) error {
	validate := validator.New()
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validate config: %w", err)
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, fmt.Sprintf("field '%s' failed '%s' (value: '%v')", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config:\n- %s", strings.Join(messages, "\n- "))
}

// Level maps LogLevel onto slog.
func (a AppConfig) Level() slog.Level {
	switch a.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
