package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CVSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "cvsync.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "cvsync_session"
	defaultIssuer          = "cvsync-auth"
	defaultTokenTTL        = 12 * time.Hour
	defaultAPIURL          = "http://127.0.0.1:8080"
	defaultAgentDatabase   = "cvsync-agent.db"
	defaultAgentProfile    = "default"
	defaultDebounce        = 2 * time.Second
	defaultSuppression     = 3 * time.Second
	defaultDocumentTitle   = "My CV"
	defaultRequestTimeout  = 15 * time.Second
	defaultPollInterval    = time.Second
	minimumPollingInterval = 100 * time.Millisecond
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	Issuer         string
	CookieName     string
	TokenTTL       time.Duration
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
}

// AgentConfig captures runtime configuration for the sync agent.
type AgentConfig struct {
	APIURL            string
	Token             string
	DatabasePath      string
	Profile           string
	LogLevel          string
	QuietPeriod       time.Duration
	SuppressionWindow time.Duration
	DefaultTitle      string
	RequestTimeout    time.Duration
	PollInterval      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)

	configViper.SetDefault("agent.api_url", defaultAPIURL)
	configViper.SetDefault("agent.database_path", defaultAgentDatabase)
	configViper.SetDefault("agent.profile", defaultAgentProfile)
	configViper.SetDefault("sync.debounce", defaultDebounce)
	configViper.SetDefault("sync.suppression_window", defaultSuppression)
	configViper.SetDefault("sync.default_title", defaultDocumentTitle)
	configViper.SetDefault("sync.request_timeout", defaultRequestTimeout)
	configViper.SetDefault("sync.poll_interval", defaultPollInterval)
}

// Load parses API server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		Issuer:         configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	return nil
}

// LoadAgent parses sync agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		APIURL:            configViper.GetString("agent.api_url"),
		Token:             configViper.GetString("agent.token"),
		DatabasePath:      configViper.GetString("agent.database_path"),
		Profile:           configViper.GetString("agent.profile"),
		LogLevel:          configViper.GetString("log.level"),
		QuietPeriod:       configViper.GetDuration("sync.debounce"),
		SuppressionWindow: configViper.GetDuration("sync.suppression_window"),
		DefaultTitle:      configViper.GetString("sync.default_title"),
		RequestTimeout:    configViper.GetDuration("sync.request_timeout"),
		PollInterval:      configViper.GetDuration("sync.poll_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c AgentConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("agent.database_path is required")
	}
	if c.QuietPeriod <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.SuppressionWindow <= 0 {
		return fmt.Errorf("sync.suppression_window must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout must be positive")
	}
	if c.PollInterval < minimumPollingInterval {
		return fmt.Errorf("sync.poll_interval must be at least %s", minimumPollingInterval)
	}
	return nil
}

// RequireRemote reports whether the agent has what it needs to reach the API.
func (c AgentConfig) RequireRemote() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("agent.api_url is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("agent.token is required")
	}
	return nil
}
