package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDev   = "dev"
	EnvStage = "stage"
	EnvProd  = "prod"
)

type Config struct {
	Env             string `yaml:"env"`
	BaseURL         string `yaml:"base_url"`
	ShortCodeLength int    `yaml:"short_code_length"`
	HTTPServer      `yaml:"http_server"`
	Postgres        `yaml:"postgres"`
	Redis           `yaml:"redis"`
	Admission       `yaml:"admission"`
	RateLimit       `yaml:"rate_limit"`
	CircuitBreaker  `yaml:"circuit_breaker"`
	WritePath       `yaml:"write_path"`
	CacheTTL        `yaml:"cache"`
}

type HTTPServer struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
}

var defaultHTTPServer = HTTPServer{
	Port:           8080,
	ReadTimeout:    5 * time.Second,
	WriteTimeout:   10 * time.Second,
	IdleTimeout:    time.Minute,
	MaxHeaderBytes: 1 << 20,
}

func (s *HTTPServer) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

type Postgres struct {
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	DB              string        `yaml:"db"`
	SSLMode         string        `yaml:"sslmode"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
}

var defaultPostgres = Postgres{
	Host:            "localhost",
	Port:            5432,
	SSLMode:         "disable",
	QueryTimeout:    2 * time.Second,
	ConnMaxIdleTime: 5 * time.Minute,
	ConnMaxLifetime: 30 * time.Minute,
	MaxIdleConns:    5,
	MaxOpenConns:    25,
}

func (p *Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DB, p.SSLMode)
}

type Redis struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

var defaultRedis = Redis{
	Host: "localhost",
	Port: 6379,
}

func (r *Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type Admission struct {
	MaxConnections int64         `yaml:"max_connections"`
	RateWindow     time.Duration `yaml:"rate_window"`
	RateCeiling    int           `yaml:"rate_ceiling"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	QueueSize      int           `yaml:"queue_size"`
}

var defaultAdmission = Admission{
	MaxConnections: 1000,
	RateWindow:     time.Second,
	RateCeiling:    500,
	MaxConcurrent:  100,
	QueueSize:      200,
}

type RateLimit struct {
	SustainedRate float64       `yaml:"sustained_rate"`
	BurstCapacity float64       `yaml:"burst_capacity"`
	IdleTTL       time.Duration `yaml:"idle_ttl"`
}

var defaultRateLimit = RateLimit{
	SustainedRate: 10,
	BurstCapacity: 20,
	IdleTTL:       time.Minute,
}

type CircuitBreaker struct {
	FailureThreshold    uint32        `yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `yaml:"recovery_timeout"`
	MinSuccessesToClose uint32        `yaml:"min_successes_to_close"`
	OpTimeout           time.Duration `yaml:"op_timeout"`
}

var defaultCircuitBreaker = CircuitBreaker{
	FailureThreshold:    5,
	RecoveryTimeout:     30 * time.Second,
	MinSuccessesToClose: 3,
	OpTimeout:           100 * time.Millisecond,
}

type WritePath struct {
	InsertTimeout      time.Duration `yaml:"insert_timeout"`
	MaxAttempts        uint          `yaml:"max_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	BackgroundDelay    time.Duration `yaml:"background_delay"`
	BackgroundAttempts uint          `yaml:"background_attempts"`
	BackgroundQueue    int           `yaml:"background_queue"`
	BackgroundWorkers  int           `yaml:"background_workers"`
	BackgroundDrain    time.Duration `yaml:"background_drain"`
}

var defaultWritePath = WritePath{
	InsertTimeout:      500 * time.Millisecond,
	MaxAttempts:        5,
	RetryBaseDelay:     50 * time.Millisecond,
	BackgroundDelay:    time.Second,
	BackgroundAttempts: 5,
	BackgroundQueue:    1000,
	BackgroundWorkers:  4,
	BackgroundDrain:    10 * time.Second,
}

type CacheTTL struct {
	MappingTTL   time.Duration `yaml:"mapping_ttl"`
	DegradedTTL  time.Duration `yaml:"degraded_ttl"`
	AnalyticsTTL time.Duration `yaml:"analytics_ttl"`
}

var defaultCacheTTL = CacheTTL{
	MappingTTL:   time.Hour,
	DegradedTTL:  24 * time.Hour,
	AnalyticsTTL: 30 * 24 * time.Hour,
}

func Load(path string) (*Config, error) {
	const op = "config.Load"

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to open config file: %w", op, err)
	}
	defer f.Close()

	var cfg Config
	setDefaults(&cfg)

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: failed to decode config file: %w", op, err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.Env = EnvDev
	cfg.BaseURL = "http://localhost:8080"
	cfg.ShortCodeLength = 8
	cfg.HTTPServer = defaultHTTPServer
	cfg.Postgres = defaultPostgres
	cfg.Redis = defaultRedis
	cfg.Admission = defaultAdmission
	cfg.RateLimit = defaultRateLimit
	cfg.CircuitBreaker = defaultCircuitBreaker
	cfg.WritePath = defaultWritePath
	cfg.CacheTTL = defaultCacheTTL
}
