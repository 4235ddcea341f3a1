package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the engine process.
// All values must come from env (or an env-file loaded at startup).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Vault      VaultConfig
	Provider   ProviderConfig
	Blob       BlobConfig
	Reconciler ReconcilerConfig
	Schedule   ScheduleConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type VaultConfig struct {
	// Key is the base64-encoded 32-byte symmetric key protecting provider
	// credentials at rest.
	Key string
}

type ProviderConfig struct {
	// APIBaseURL serves call, recording and SIP domain resources.
	APIBaseURL string
	// TrunkingBaseURL serves trunk resources.
	TrunkingBaseURL string
	// MediaStreamURL is the voice pipeline's media socket, embedded in
	// outbound call-control documents.
	MediaStreamURL string

	HTTPTimeout time.Duration
}

type BlobConfig struct {
	Bucket string
	Region string

	// Endpoint overrides the S3 endpoint for self-hosted object stores.
	Endpoint  string
	AccessKey string
	SecretKey string
}

type ReconcilerConfig struct {
	// PollInterval is the discovery scan cadence.
	PollInterval time.Duration
	// RetryInterval is the sleep between provider status fetches for one call.
	RetryInterval time.Duration
	// MaxRetries is the per-call status fetch budget.
	MaxRetries int
	// Workers bounds concurrent reconciliation.
	Workers   int
	QueueSize int
	// ClaimTTL is how long a store-level claim shields a log from other
	// reconciler instances before it becomes reclaimable.
	ClaimTTL time.Duration
	// ProvisionLockTTL bounds the per-account trunk provisioning mutex.
	ProvisionLockTTL time.Duration
}

type ScheduleConfig struct {
	// ScanInterval is how often due batches are checked for launch.
	ScanInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Vault.Key = strings.TrimSpace(os.Getenv("ENCRYPTION_KEY"))

	c.Provider.APIBaseURL = strings.TrimSpace(os.Getenv("PROVIDER_API_URL"))
	c.Provider.TrunkingBaseURL = strings.TrimSpace(os.Getenv("PROVIDER_TRUNKING_URL"))
	c.Provider.MediaStreamURL = strings.TrimSpace(os.Getenv("MEDIA_STREAM_URL"))
	c.Provider.HTTPTimeout = optDuration("PROVIDER_HTTP_TIMEOUT")

	c.Blob.Bucket = strings.TrimSpace(os.Getenv("BLOB_BUCKET"))
	c.Blob.Region = strings.TrimSpace(os.Getenv("BLOB_REGION"))
	c.Blob.Endpoint = strings.TrimSpace(os.Getenv("BLOB_ENDPOINT"))
	c.Blob.AccessKey = strings.TrimSpace(os.Getenv("BLOB_ACCESS_KEY"))
	c.Blob.SecretKey = os.Getenv("BLOB_SECRET_KEY")

	c.Reconciler.PollInterval = optDuration("RECONCILE_POLL_INTERVAL")
	c.Reconciler.RetryInterval = optDuration("RECONCILE_RETRY_INTERVAL")
	c.Reconciler.MaxRetries = optInt("RECONCILE_MAX_RETRIES")
	c.Reconciler.Workers = optInt("RECONCILE_WORKERS")
	c.Reconciler.QueueSize = optInt("RECONCILE_QUEUE_SIZE")
	c.Reconciler.ClaimTTL = optDuration("RECONCILE_CLAIM_TTL")
	c.Reconciler.ProvisionLockTTL = optDuration("PROVISION_LOCK_TTL")

	c.Schedule.ScanInterval = optDuration("SCHEDULE_SCAN_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Vault.Key == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	} else if raw, err := base64.StdEncoding.DecodeString(c.Vault.Key); err != nil {
		errs = append(errs, errors.New("ENCRYPTION_KEY must be base64"))
	} else if len(raw) != 32 {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(raw)))
	}

	if c.Provider.APIBaseURL == "" {
		c.Provider.APIBaseURL = "https://api.twilio.com"
	}
	if c.Provider.TrunkingBaseURL == "" {
		c.Provider.TrunkingBaseURL = "https://trunking.twilio.com"
	}
	if c.Provider.HTTPTimeout <= 0 {
		c.Provider.HTTPTimeout = 30 * time.Second
	}
	if c.Provider.MediaStreamURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("MEDIA_STREAM_URL is required in production"))
		} else {
			c.Provider.MediaStreamURL = "wss://localhost/media-stream"
		}
	}

	if c.Blob.Bucket == "" {
		errs = append(errs, errors.New("BLOB_BUCKET is required"))
	}
	if c.Blob.Region == "" {
		c.Blob.Region = "us-east-1"
	}

	if c.Reconciler.PollInterval <= 0 {
		c.Reconciler.PollInterval = 5 * time.Second
	}
	if c.Reconciler.RetryInterval <= 0 {
		c.Reconciler.RetryInterval = 10 * time.Second
	}
	if c.Reconciler.MaxRetries <= 0 {
		c.Reconciler.MaxRetries = 5
	}
	if c.Reconciler.Workers <= 0 {
		c.Reconciler.Workers = 16
	}
	if c.Reconciler.QueueSize <= 0 {
		c.Reconciler.QueueSize = 256
	}
	if c.Reconciler.ClaimTTL <= 0 {
		// Must outlive a full retry cycle or another instance could steal
		// an in-flight log.
		c.Reconciler.ClaimTTL = 10 * time.Minute
	}
	if c.Reconciler.ProvisionLockTTL <= 0 {
		c.Reconciler.ProvisionLockTTL = 2 * time.Minute
	}
	minClaim := time.Duration(c.Reconciler.MaxRetries+1) * c.Reconciler.RetryInterval
	if c.Reconciler.ClaimTTL < minClaim {
		errs = append(errs, fmt.Errorf("RECONCILE_CLAIM_TTL must cover the retry budget (at least %s)", minClaim))
	}

	if c.Schedule.ScanInterval <= 0 {
		c.Schedule.ScanInterval = time.Minute
	}

	return joinErrors(errs)
}

func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c *Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// VaultKey decodes the validated encryption key.
func (c *Config) VaultKey() []byte {
	raw, _ := base64.StdEncoding.DecodeString(c.Vault.Key)
	return raw
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
