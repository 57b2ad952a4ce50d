package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fedistack/fedistack/internal/secrets"
)

// Required environment variables. These are checked before any side effect:
// no file is written and no container API call is made while one is missing.
const (
	EnvDBPassword    = "POSTGRES_PASSWORD"
	EnvRedisPassword = "REDIS_PASSWORD"
	EnvCertEmail     = "LETSENCRYPT_EMAIL"
)

var validate = validator.New()

// Config is the immutable deployment configuration. It is assembled once at
// startup from the environment, operator prompts, and freshly minted
// secrets, and never mutated afterwards.
type Config struct {
	Domain        string `validate:"required,fqdn"`
	PublicIP      string `validate:"required,ip"`
	OperatorEmail string `validate:"required,email"`

	DBPassword     string `validate:"required"`
	RedisPassword  string `validate:"required"`
	BrokerPassword string `validate:"required"`

	AdminUsername string `validate:"required"`
	AdminEmail    string `validate:"required,email"`

	LogLevel   string
	StatusAddr string

	HealthTimeout  time.Duration
	DBReadyTimeout time.Duration
	FollowDelay    time.Duration

	Secrets *secrets.Set `validate:"required"`
}

// CheckEnv verifies that every required environment variable is set. It
// reports all missing names at once so the operator fixes them in one pass.
func CheckEnv() error {
	var missing []string
	for _, key := range []string{EnvDBPassword, EnvRedisPassword, EnvCertEmail} {
		if os.Getenv(key) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Load builds the deployment configuration. Required secrets come from the
// environment; the domain and public IP are prompted for on in/out when the
// LOCAL_DOMAIN and PUBLIC_IP variables are unset. Rerunning Load mints fresh
// application secrets, invalidating sessions bound to the previous ones.
func Load(in io.Reader, out io.Writer) (*Config, error) {
	if err := CheckEnv(); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(in)

	domain := os.Getenv("LOCAL_DOMAIN")
	if domain == "" {
		var err error
		domain, err = prompt(reader, out, "Domain name (e.g. social.example.com)")
		if err != nil {
			return nil, err
		}
	}

	publicIP := os.Getenv("PUBLIC_IP")
	if publicIP == "" {
		var err error
		publicIP, err = prompt(reader, out, "Public IP address")
		if err != nil {
			return nil, err
		}
	}

	brokerPassword, err := secrets.Token(32)
	if err != nil {
		return nil, fmt.Errorf("broker password: %w", err)
	}

	set, err := secrets.NewSet()
	if err != nil {
		return nil, fmt.Errorf("generate secrets: %w", err)
	}

	cfg := &Config{
		Domain:         domain,
		PublicIP:       publicIP,
		OperatorEmail:  os.Getenv(EnvCertEmail),
		DBPassword:     os.Getenv(EnvDBPassword),
		RedisPassword:  os.Getenv(EnvRedisPassword),
		BrokerPassword: brokerPassword,
		AdminUsername:  getEnv("ADMIN_USERNAME", "admin"),
		AdminEmail:     getEnv("ADMIN_EMAIL", "admin@"+domain),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StatusAddr:     os.Getenv("STATUS_ADDR"),
		HealthTimeout:  getDuration("HEALTH_TIMEOUT", 5*time.Minute),
		DBReadyTimeout: getDuration("DB_READY_TIMEOUT", 2*time.Minute),
		FollowDelay:    getDuration("FOLLOW_DELAY", time.Second),
		Secrets:        set,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration and names the first offending
// field in the returned error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid configuration: field %s failed rule %q", fe.Field(), fe.Tag())
	}
	return fmt.Errorf("invalid configuration: %w", err)
}

func prompt(reader *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("%s must not be blank", label)
	}
	return value, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
