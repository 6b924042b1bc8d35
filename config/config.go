package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	StorageS3     = "s3"
	StorageMinio  = "minio"
	StorageMemory = "memory"
)

type Config struct {
	Env         string `mapstructure:"APP_ENV"`
	Tracing     bool   `mapstructure:"TRACING"`
	TracingAddr string `mapstructure:"TRACING_ADDR"`

	AWSConfig      AWSConfig      `mapstructure:",squash"`
	DynamoDBConfig DynamoDBConfig `mapstructure:",squash"`
	PostgresConfig PostgresConfig `mapstructure:",squash"`
	RedisConfig    RedisConfig    `mapstructure:",squash"`
	StorageConfig  StorageConfig  `mapstructure:",squash"`
	ServiceConfig  ServiceConfig  `mapstructure:",squash"`
}

type AWSConfig struct {
	Region    string `mapstructure:"AWS_REGION"`
	AccountID string `mapstructure:"AWS_ACCOUNT_ID"`
	// Endpoint overrides every AWS service endpoint (LocalStack).
	Endpoint string `mapstructure:"AWS_ENDPOINT"`
}

type DynamoDBConfig struct {
	FilesTableName   string `mapstructure:"DYNAMODB_FILES_TABLE"`
	UploadsTableName string `mapstructure:"DYNAMODB_UPLOADS_TABLE"`
}

type PostgresConfig struct {
	DSN    string `mapstructure:"POSTGRES_DSN"`
	Schema string `mapstructure:"POSTGRES_SCHEMA"`
}

type RedisConfig struct {
	HOST     string `mapstructure:"REDIS_HOST"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
}

type StorageConfig struct {
	Backend        string `mapstructure:"STORAGE_BACKEND"`
	Bucket         string `mapstructure:"STORAGE_BUCKET"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

type ServiceConfig struct {
	HTTPAddr        string `mapstructure:"HTTP_ADDR"`
	GRPCAddr        string `mapstructure:"GRPC_ADDR"`
	MetadataBackend string `mapstructure:"METADATA_BACKEND"`
	SessionBackend  string `mapstructure:"SESSION_BACKEND"`

	UploadsNotificationsQueueName string `mapstructure:"UPLOADS_NOTIFICATIONS_QUEUE"`

	MaxFileSizeRaw        string `mapstructure:"MAX_FILE_SIZE"`
	MaxChunkSizeRaw       string `mapstructure:"MAX_CHUNK_SIZE"`
	MultipartThresholdRaw string `mapstructure:"MULTIPART_THRESHOLD"`

	MaxFileSize        int64 `mapstructure:"-"`
	MaxChunkSize       int64 `mapstructure:"-"`
	MultipartThreshold int64 `mapstructure:"-"`

	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	ChunkWriteTimeout time.Duration `mapstructure:"CHUNK_WRITE_TIMEOUT"`
	ReaperInterval    time.Duration `mapstructure:"REAPER_INTERVAL"`
	DownloadURLTTL    time.Duration `mapstructure:"DOWNLOAD_URL_TTL"`
}

var defaults = map[string]any{
	"APP_ENV":                     "development",
	"TRACING":                     false,
	"TRACING_ADDR":                "localhost:4317",
	"AWS_REGION":                  "us-east-1",
	"AWS_ACCOUNT_ID":              "",
	"AWS_ENDPOINT":                "",
	"DYNAMODB_FILES_TABLE":        "files",
	"DYNAMODB_UPLOADS_TABLE":      "uploads",
	"POSTGRES_DSN":                "",
	"POSTGRES_SCHEMA":             "public",
	"REDIS_HOST":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"STORAGE_BACKEND":             StorageS3,
	"STORAGE_BUCKET":              "lfusys-files",
	"MINIO_ENDPOINT":              "",
	"MINIO_ACCESS_KEY":            "",
	"MINIO_SECRET_KEY":            "",
	"MINIO_USE_SSL":               false,
	"HTTP_ADDR":                   ":8080",
	"GRPC_ADDR":                   ":50052",
	"METADATA_BACKEND":            BackendDynamoDB,
	"SESSION_BACKEND":             BackendDynamoDB,
	"UPLOADS_NOTIFICATIONS_QUEUE": "",
	"MAX_FILE_SIZE":               "10GiB",
	"MAX_CHUNK_SIZE":              "16MiB",
	"MULTIPART_THRESHOLD":         "5MiB",
	"SESSION_TTL":                 "2h",
	"CHUNK_WRITE_TIMEOUT":         "30s",
	"REAPER_INTERVAL":             "1m",
	"DOWNLOAD_URL_TTL":            "15m",
}

// LoadConfig reads .env (local development only) and the process environment.
func LoadConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, errors.New("failed to load .env")
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}

	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.ServiceConfig.parseSizes(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *ServiceConfig) parseSizes() error {
	sizes := []struct {
		name string
		raw  string
		dst  *int64
	}{
		{"MAX_FILE_SIZE", c.MaxFileSizeRaw, &c.MaxFileSize},
		{"MAX_CHUNK_SIZE", c.MaxChunkSizeRaw, &c.MaxChunkSize},
		{"MULTIPART_THRESHOLD", c.MultipartThresholdRaw, &c.MultipartThreshold},
	}

	for _, s := range sizes {
		n, err := units.RAMInBytes(s.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", s.name, s.raw, err)
		}
		*s.dst = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.StorageConfig.Backend {
	case StorageS3:
		if err := c.AWSConfig.Validate(); err != nil {
			errs = append(errs, err)
		}
	case StorageMinio:
		if c.StorageConfig.MinioEndpoint == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT is required for the minio backend"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageConfig.Backend))
	}
	if c.StorageConfig.Backend != StorageMemory && c.StorageConfig.Bucket == "" {
		errs = append(errs, errors.New("STORAGE_BUCKET is required"))
	}

	switch c.ServiceConfig.MetadataBackend {
	case BackendDynamoDB, BackendMemory:
	case BackendPostgres:
		if c.PostgresConfig.DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres metadata backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown METADATA_BACKEND %q", c.ServiceConfig.MetadataBackend))
	}

	switch c.ServiceConfig.SessionBackend {
	case BackendDynamoDB, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND %q", c.ServiceConfig.SessionBackend))
	}

	if c.ServiceConfig.MaxChunkSize <= 0 || c.ServiceConfig.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE and MAX_CHUNK_SIZE must be positive"))
	}
	if c.ServiceConfig.ChunkWriteTimeout <= 0 {
		errs = append(errs, errors.New("CHUNK_WRITE_TIMEOUT must be positive"))
	}

	return errors.Join(errs...)
}

func (c AWSConfig) Validate() error {
	if c.Region == "" {
		return errors.New("AWS_REGION is required")
	}
	return nil
}

// UsesAWS reports whether any configured component talks to AWS.
func (c Config) UsesAWS() bool {
	return c.StorageConfig.Backend == StorageS3 ||
		c.ServiceConfig.MetadataBackend == BackendDynamoDB ||
		c.ServiceConfig.SessionBackend == BackendDynamoDB ||
		c.ServiceConfig.UploadsNotificationsQueueName != ""
}

func (c Config) QueueURL() string {
	name := c.ServiceConfig.UploadsNotificationsQueueName
	if name == "" {
		return ""
	}
	if !strings.HasSuffix(name, ".fifo") {
		name += ".fifo"
	}
	if c.AWSConfig.Endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(c.AWSConfig.Endpoint, "/"), c.AWSConfig.AccountID, name)
	}
	return fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", c.AWSConfig.Region, c.AWSConfig.AccountID, name)
}

func (c Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("  Env: %s\n", c.Env))
	sb.WriteString(fmt.Sprintf("  HTTPAddr: %s\n", c.ServiceConfig.HTTPAddr))
	sb.WriteString(fmt.Sprintf("  GRPCAddr: %s\n", c.ServiceConfig.GRPCAddr))
	sb.WriteString(fmt.Sprintf("  StorageBackend: %s (bucket %s)\n", c.StorageConfig.Backend, c.StorageConfig.Bucket))
	sb.WriteString(fmt.Sprintf("  MetadataBackend: %s\n", c.ServiceConfig.MetadataBackend))
	sb.WriteString(fmt.Sprintf("  SessionBackend: %s\n", c.ServiceConfig.SessionBackend))
	sb.WriteString(fmt.Sprintf("  MaxFileSize: %s\n", units.BytesSize(float64(c.ServiceConfig.MaxFileSize))))
	sb.WriteString(fmt.Sprintf("  MaxChunkSize: %s\n", units.BytesSize(float64(c.ServiceConfig.MaxChunkSize))))
	if c.StorageConfig.MinioSecretKey != "" {
		sb.WriteString("  MinioSecretKey: ********\n")
	}
	if c.RedisConfig.Password != "" {
		sb.WriteString("  RedisPassword: ********\n")
	}
	return sb.String()
}
