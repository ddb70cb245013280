package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 运行模式。
const (
	ModeLocal  = "local"  // API 进程内直接抓取
	ModeRemote = "remote" // 推送到 Redis，由 crawler 进程抓取
)

// 存储后端。
const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendMongo  = "mongo"
)

// 抓取实现。
const (
	ScraperMock = "mock"
	ScraperFeed = "feed"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Monitor  MonitorConfig  `json:"monitor"`
	Alerts   AlertsConfig   `json:"alerts"`
	Storage  StorageConfig  `json:"storage"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Mongo    MongoConfig    `json:"mongo"`
	Scraper  ScraperConfig  `json:"scraper"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
	Backup   BackupConfig   `json:"backup"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string `json:"env"`              // 运行环境: local / prod
	LogLevel       string `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string `json:"http_addr"`        // API 服务监听地址
	MetricsAddr    string `json:"metrics_addr"`     // crawler 指标监听地址
	WorkerPoolSize int    `json:"worker_pool_size"` // Worker Pool 大小（并发运行数）
	QueueCapacity  int    `json:"queue_capacity"`   // 队列容量
	SeedDemo       bool   `json:"seed_demo"`        // 启动时写入演示搜索

	// Redis Streams 立即运行队列配置
	EnableRedisQueue bool   `json:"enable_redis_queue"` // 是否启用 Redis Streams 队列（开关）
	TaskQueueStream  string `json:"task_queue_stream"`  // Redis Stream 名称
	TaskQueueGroup   string `json:"task_queue_group"`   // Consumer Group 名称
}

// MonitorConfig 监控运行配置。
type MonitorConfig struct {
	Mode            string        `json:"mode"`              // local / remote
	FuzzyTitlePrice *bool         `json:"fuzzy_title_price"` // 标题+价格模糊匹配隐藏商品，未设置时开启
	SearchDelay     time.Duration `json:"search_delay"`      // 顺序运行全部搜索时的间隔（如 "2s"）
	RunTimeout      time.Duration `json:"run_timeout"`       // 单次搜索运行超时
	TickInterval    time.Duration `json:"tick_interval"`     // 调度器检查间隔
	JanitorInterval time.Duration `json:"janitor_interval"`  // 清理任务间隔
	LockTTL         time.Duration `json:"lock_ttl"`          // Redis 锁过期时间
	SearchDedup     time.Duration `json:"search_dedup"`      // 远程模式下同一搜索的投递去重窗口
}

// FuzzyEnabled 返回是否启用模糊匹配。
func (m MonitorConfig) FuzzyEnabled() bool {
	return m.FuzzyTitlePrice == nil || *m.FuzzyTitlePrice
}

// AlertsConfig 通知相关配置（阈值以用户设置为准）。
type AlertsConfig struct {
	HighValueCutoff float64       `json:"high_value_cutoff"` // important 分类价格线
	DigestDelay     time.Duration `json:"digest_delay"`      // 汇总邮件防抖时长
	DigestUrgent    *bool         `json:"digest_urgent"`     // 未设置时开启
	DigestImportant bool          `json:"digest_important"`
	DigestAll       bool          `json:"digest_all"`
	DedupWindow     time.Duration `json:"dedup_window"` // 同一商品同一价格的重复通知抑制窗口
}

// DigestUrgentEnabled 返回 urgent 通知是否进入汇总邮件。
func (a AlertsConfig) DigestUrgentEnabled() bool {
	return a.DigestUrgent == nil || *a.DigestUrgent
}

// StorageConfig 存储后端选择。
type StorageConfig struct {
	Backend string `json:"backend"` // memory / mysql / redis / mongo
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// MongoConfig MongoDB 配置。
type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// ScraperConfig 抓取配置。
type ScraperConfig struct {
	Kind           string        `json:"kind"`            // mock / feed
	BackendURL     string        `json:"backend_url"`     // 抓取后端地址，POST /api/scrape
	MarketplaceURL string        `json:"marketplace_url"` // 市场搜索页基础地址
	Timeout        time.Duration `json:"timeout"`
	RateLimit      float64       `json:"rate_limit"` // 分布式限流速率（token/s）
	RateBurst      float64       `json:"rate_burst"` // 分布式限流桶容量
	LocalRPS       float64       `json:"local_rps"`  // 进程内限流速率
	MockSeed       int64         `json:"mock_seed"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 默认收件人，用户设置中的 notifyEmail 优先
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret   string        `json:"jwt_secret"`   // JWT 签名密钥
	RequireAuth bool          `json:"require_auth"` // API 是否要求 Bearer Token
	TokenTTL    time.Duration `json:"token_ttl"`    // monitorctl token 签发有效期
}

// BackupConfig S3 备份配置。Bucket 为空表示不启用。
type BackupConfig struct {
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"` // 兼容 S3 的自定义地址（如 MinIO）
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
}

// Enabled 判断是否配置了备份桶。
func (b BackupConfig) Enabled() bool {
	return strings.TrimSpace(b.Bucket) != ""
}

// Load 从 JSON 文件加载配置。
//
// 它会先加载当前目录的 .env（如果存在），再读取 configs/config.json，
// 文件不存在时使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	_ = godotenv.Load()

	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate 校验枚举类配置。
func (c *Config) Validate() error {
	switch c.Monitor.Mode {
	case ModeLocal, ModeRemote:
	default:
		return fmt.Errorf("invalid monitor.mode %q", c.Monitor.Mode)
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendMySQL, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("invalid storage.backend %q", c.Storage.Backend)
	}
	switch c.Scraper.Kind {
	case ScraperMock, ScraperFeed:
	default:
		return fmt.Errorf("invalid scraper.kind %q", c.Scraper.Kind)
	}
	if c.Scraper.Kind == ScraperFeed && c.Scraper.BackendURL == "" {
		return fmt.Errorf("scraper.backend_url is required for feed scraper")
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8081",
			MetricsAddr:      ":2112",
			WorkerPoolSize:   4,
			QueueCapacity:    100,
			EnableRedisQueue: false,
			TaskQueueStream:  "marketmonitor:task:queue",
			TaskQueueGroup:   "scheduler_group",
		},
		Monitor: MonitorConfig{
			Mode:            ModeLocal,
			SearchDelay:     2 * time.Second,
			RunTimeout:      2 * time.Minute,
			TickInterval:    time.Minute,
			JanitorInterval: 10 * time.Minute,
			LockTTL:         2 * time.Minute,
			SearchDedup:     time.Minute,
		},
		Alerts: AlertsConfig{
			HighValueCutoff: 5000,
			DigestDelay:     30 * time.Second,
			DedupWindow:     24 * time.Hour,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/marketmonitor?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "marketmonitor"},
		Scraper: ScraperConfig{
			Kind:           ScraperMock,
			BackendURL:     "http://localhost:3000",
			MarketplaceURL: "https://www.facebook.com/marketplace",
			Timeout:        45 * time.Second,
			RateLimit:      1,
			RateBurst:      3,
			LocalRPS:       0.5,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  30 * 24 * time.Hour,
		},
		Backup: BackupConfig{Prefix: "marketmonitor/backups/", Region: "us-east-1"},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	d := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = d.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = d.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = d.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = d.App.MetricsAddr
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = d.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = d.App.QueueCapacity
	}
	if cfg.App.TaskQueueStream == "" {
		cfg.App.TaskQueueStream = d.App.TaskQueueStream
	}
	if cfg.App.TaskQueueGroup == "" {
		cfg.App.TaskQueueGroup = d.App.TaskQueueGroup
	}

	if cfg.Monitor.Mode == "" {
		cfg.Monitor.Mode = d.Monitor.Mode
	}
	if cfg.Monitor.SearchDelay == 0 {
		cfg.Monitor.SearchDelay = d.Monitor.SearchDelay
	}
	if cfg.Monitor.RunTimeout == 0 {
		cfg.Monitor.RunTimeout = d.Monitor.RunTimeout
	}
	if cfg.Monitor.TickInterval == 0 {
		cfg.Monitor.TickInterval = d.Monitor.TickInterval
	}
	if cfg.Monitor.JanitorInterval == 0 {
		cfg.Monitor.JanitorInterval = d.Monitor.JanitorInterval
	}
	if cfg.Monitor.LockTTL == 0 {
		cfg.Monitor.LockTTL = d.Monitor.LockTTL
	}
	if cfg.Monitor.SearchDedup == 0 {
		cfg.Monitor.SearchDedup = d.Monitor.SearchDedup
	}

	if cfg.Alerts.HighValueCutoff == 0 {
		cfg.Alerts.HighValueCutoff = d.Alerts.HighValueCutoff
	}
	if cfg.Alerts.DigestDelay == 0 {
		cfg.Alerts.DigestDelay = d.Alerts.DigestDelay
	}
	if cfg.Alerts.DedupWindow == 0 {
		cfg.Alerts.DedupWindow = d.Alerts.DedupWindow
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = d.Storage.Backend
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = d.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = d.Redis.Addr
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = d.Mongo.URI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = d.Mongo.Database
	}

	if cfg.Scraper.Kind == "" {
		cfg.Scraper.Kind = d.Scraper.Kind
	}
	if cfg.Scraper.MarketplaceURL == "" {
		cfg.Scraper.MarketplaceURL = d.Scraper.MarketplaceURL
	}
	if cfg.Scraper.Timeout == 0 {
		cfg.Scraper.Timeout = d.Scraper.Timeout
	}
	if cfg.Scraper.RateLimit == 0 {
		cfg.Scraper.RateLimit = d.Scraper.RateLimit
	}
	if cfg.Scraper.RateBurst == 0 {
		cfg.Scraper.RateBurst = d.Scraper.RateBurst
	}
	if cfg.Scraper.LocalRPS == 0 {
		cfg.Scraper.LocalRPS = d.Scraper.LocalRPS
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = d.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = d.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = d.Security.TokenTTL
	}
	if cfg.Backup.Prefix == "" {
		cfg.Backup.Prefix = d.Backup.Prefix
	}
	if cfg.Backup.Region == "" {
		cfg.Backup.Region = d.Backup.Region
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("mongo_uri", "MONGO_URI")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("aws_access_key", "AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("aws_secret_key", "AWS_SECRET_ACCESS_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_SEED_DEMO"); v != "" {
		cfg.App.SeedDemo = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_ENABLE_REDIS_QUEUE"); v != "" {
		cfg.App.EnableRedisQueue = v == "true" || v == "1"
	}
	if v := os.Getenv("APP_TASK_QUEUE_STREAM"); v != "" {
		cfg.App.TaskQueueStream = v
	}
	if v := os.Getenv("APP_TASK_QUEUE_GROUP"); v != "" {
		cfg.App.TaskQueueGroup = v
	}

	if v := os.Getenv("MONITOR_MODE"); v != "" {
		cfg.Monitor.Mode = v
	}
	if v := os.Getenv("MONITOR_FUZZY_TITLE_PRICE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Monitor.FuzzyTitlePrice = &b
		}
	}
	if v := os.Getenv("MONITOR_SEARCH_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.SearchDelay = d
		}
	}
	if v := os.Getenv("MONITOR_RUN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.RunTimeout = d
		}
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := viper.GetString("mongo_uri"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}

	if v := os.Getenv("SCRAPER_KIND"); v != "" {
		cfg.Scraper.Kind = v
	}
	if v := os.Getenv("SCRAPER_BACKEND_URL"); v != "" {
		cfg.Scraper.BackendURL = v
	}
	if v := os.Getenv("SCRAPER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateLimit = f
		}
	}
	if v := os.Getenv("SCRAPER_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Scraper.RateBurst = f
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("NOTIFY_EMAIL"); v != "" {
		cfg.Email.ToEmail = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("AUTH_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.RequireAuth = b
		}
	}

	if v := os.Getenv("BACKUP_BUCKET"); v != "" {
		cfg.Backup.Bucket = v
	}
	if v := os.Getenv("BACKUP_ENDPOINT"); v != "" {
		cfg.Backup.Endpoint = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Backup.Region = v
	}
	if v := viper.GetString("aws_access_key"); v != "" {
		cfg.Backup.AccessKey = v
	}
	if v := viper.GetString("aws_secret_key"); v != "" {
		cfg.Backup.SecretKey = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "marketmonitor",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}
