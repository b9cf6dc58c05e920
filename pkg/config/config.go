package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       Server      `mapstructure:"server"`
	Postgres     Postgres    `mapstructure:"postgres"`
	Redis        Redis       `mapstructure:"redis"`
	Broker       Broker      `mapstructure:"broker"`
	Cron         Cron        `mapstructure:"cron"`
	Relay        RelayConfig `mapstructure:"relay"`
	Sync         SyncConfig  `mapstructure:"sync"`
	OAuth        OAuth       `mapstructure:"oauth"`
	Security     Security    `mapstructure:"security"`
	ATS          ATS         `mapstructure:"ats"`
	HTTPClient   HTTPClient  `mapstructure:"httpClient"`
	LoggingLevel string      `mapstructure:"logging-level"`
}

type Server struct {
	Port          string `mapstructure:"port"`
	SwaggerUrl    string `mapstructure:"swagger_json"`
	SwaggerHost   string `mapstructure:"swagger_host"`
	SwaggerSchema string `mapstructure:"swagger_schema"`
	BodyLimit     int    `mapstructure:"body_limit"`
}

type Postgres struct {
	ConnString       string        `mapstructure:"conn_string"`
	MaxConnections   int32         `mapstructure:"max_connections"`
	MinConnections   int32         `mapstructure:"min_connections"`
	MaxConnIdleTime  time.Duration `mapstructure:"max_conn_idle_time"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	ConnectAttempts  int           `mapstructure:"connect_attempts"`
	MigrationsDir    string        `mapstructure:"migrations_dir"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Broker struct {
	Kafka Kafka `mapstructure:"kafka"`
}

type Kafka struct {
	Brokers       string `mapstructure:"brokers"`
	ConsumerGroup string `mapstructure:"consumerGroup"`
	ReaderTopic   string `mapstructure:"readerTopic"`
	ReaderUsr     string `mapstructure:"readerUsr"`
	ReaderUsrPwd  string `mapstructure:"readerUsrPwd"`
	WriterTopic   string `mapstructure:"writerTopic"`
	WriterUsr     string `mapstructure:"writerUsr"`
	WriterUsrPwd  string `mapstructure:"writerUsrPwd"`
	MaxAttempts   int    `mapstructure:"maxAttempts"`
	Version       string `mapstructure:"version"`
	ClientID      string `mapstructure:"clientID"`
}

// Cron specs accept the standard 6-field format or descriptors such as "@every 1m".
type Cron struct {
	TokenSweep          string `mapstructure:"tokenSweep"`
	ScheduledSync       string `mapstructure:"scheduledSync"`
	OutboxCleanup       string `mapstructure:"outboxCleanup"`
	OutboxRetentionDays int    `mapstructure:"outboxRetentionDays"`
}

type RelayConfig struct {
	Workers     int           `mapstructure:"workers"`
	BatchSize   int           `mapstructure:"batchSize"`
	Lease       time.Duration `mapstructure:"lease"`
	PollPeriod  time.Duration `mapstructure:"pollPeriod"`
	MaxAttempts int           `mapstructure:"maxAttempts"` // 0 - без ограничения
}

type SyncConfig struct {
	BatchSize    int           `mapstructure:"batchSize"`
	Lease        time.Duration `mapstructure:"lease"`
	PollPeriod   time.Duration `mapstructure:"pollPeriod"`
	MaxRetries   int           `mapstructure:"maxRetries"`
	Integrations int           `mapstructure:"integrationsPerPoll"`
}

type OAuth struct {
	RedirectURL   string        `mapstructure:"redirectURL"`
	StateTTL      time.Duration `mapstructure:"stateTTL"`
	RefreshWindow time.Duration `mapstructure:"refreshWindow"` // окно упреждающего обновления для cron
	Timeout       time.Duration `mapstructure:"timeout"`
}

type Security struct {
	EncryptionKey string `mapstructure:"encryptionKey"`
}

type ATS struct {
	GreenhouseBaseURL string `mapstructure:"greenhouseBaseURL"`
	LeverBaseURL      string `mapstructure:"leverBaseURL"`
}

type HTTPClient struct {
	//конфиг клиента
	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`        // TCP коннект
	TLSHandshakeTimeout   time.Duration `mapstructure:"TLSHandshakeTimeout"`   // TLS рукопожатие
	ResponseHeaderTimeout time.Duration `mapstructure:"responseHeaderTimeout"` // ожидание заголовков ответа
	ExpectContinueTimeout time.Duration `mapstructure:"expectContinueTimeout"` // 100-continue

	// Пул соединений
	IdleConnTimeout     time.Duration `mapstructure:"idleConnTimeout"`
	MaxIdleConns        int           `mapstructure:"maxIdleConns"`
	MaxIdleConnsPerHost int           `mapstructure:"maxIdleConnsPerHost"`
	MaxConnsPerHost     int           `mapstructure:"maxConnsPerHost"`
	KeepAlives          bool          `mapstructure:"keepAlives"`

	// Общий таймаут клиента. 0: контролируем дедлайном через context.
	ClientTimeout time.Duration `mapstructure:"clientTimeout"`

	// Прочее
	UserAgent  string `mapstructure:"userAgent"`
	MaxRetries int    `mapstructure:"maxRetries"`

	// SSL/TLS настройки
	InsecureSkipVerify bool `mapstructure:"insecureSkipVerify"` // отключить проверку SSL сертификатов
}

func NewConfig() (Config, error) {
	viper.AutomaticEnv()
	// Настраиваем замену точек и дефисов на подчеркивания для переменных окружения
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	setDefaults()

	var conf Config
	err := viper.ReadInConfig() // Find and read the config file
	// Игнорируем ошибку, если файл не найден - используем только переменные окружения
	if err != nil {
		// Если это не ошибка "файл не найден", возвращаем её
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return conf, err
		}
	}

	// unmarshal
	err = viper.Unmarshal(&conf)

	return conf, err
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("relay.workers", 4)
	viper.SetDefault("relay.batchSize", 100)
	viper.SetDefault("relay.lease", 30*time.Second)
	viper.SetDefault("relay.pollPeriod", time.Second)
	viper.SetDefault("sync.batchSize", 20)
	viper.SetDefault("sync.lease", 2*time.Minute)
	viper.SetDefault("sync.pollPeriod", 5*time.Second)
	viper.SetDefault("sync.maxRetries", 3)
	viper.SetDefault("sync.integrationsPerPoll", 10)
	viper.SetDefault("oauth.stateTTL", 5*time.Minute)
	viper.SetDefault("oauth.refreshWindow", 10*time.Minute)
	viper.SetDefault("oauth.timeout", 15*time.Second)
	viper.SetDefault("cron.tokenSweep", "@every 2m")
	viper.SetDefault("cron.scheduledSync", "0 0 */6 * * *")
	viper.SetDefault("cron.outboxCleanup", "0 30 3 * * *")
	viper.SetDefault("cron.outboxRetentionDays", 14)
	viper.SetDefault("broker.kafka.consumerGroup", "integrations-consumer")
	viper.SetDefault("broker.kafka.maxAttempts", 1)
	viper.SetDefault("broker.kafka.clientID", "integrations")
	viper.SetDefault("ats.greenhouseBaseURL", "https://harvest.greenhouse.io/v1")
	viper.SetDefault("ats.leverBaseURL", "https://api.lever.co/v1")
	viper.SetDefault("postgres.migrations_dir", "resources/migrations")
	viper.SetDefault("postgres.max_connections", 10)
	viper.SetDefault("postgres.statement_timeout", 30*time.Second)
	viper.SetDefault("postgres.connect_attempts", 5)
	viper.SetDefault("httpClient.maxRetries", 3)
	viper.SetDefault("httpClient.keepAlives", true)
	viper.SetDefault("httpClient.connectTimeout", 5*time.Second)
	viper.SetDefault("httpClient.TLSHandshakeTimeout", 5*time.Second)
	viper.SetDefault("httpClient.responseHeaderTimeout", 20*time.Second)
	viper.SetDefault("httpClient.idleConnTimeout", 90*time.Second)
	viper.SetDefault("httpClient.maxIdleConns", 100)
	viper.SetDefault("httpClient.maxIdleConnsPerHost", 10)
	viper.SetDefault("httpClient.userAgent", "integrations-service")
}
