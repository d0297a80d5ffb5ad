// Package config loads etsy-mcp settings from the environment, an optional
// .env file, and optionally Google Secret Manager for the API credentials.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

const (
	// DirName is the directory under the user's home holding local state.
	DirName = ".etsy-mcp"
	// TokenFile is the default token file name.
	TokenFile = "token.json"
	// CallbackPath is the default path of the OAuth redirect URI.
	CallbackPath = "/oauth/callback"
)

// Token storage backends.
const (
	BackendFile      = "file"
	BackendFirestore = "firestore"
)

// Config holds the etsy-mcp configuration.
type Config struct {
	APIKey    string `env:"ETSY_API_KEY"`
	APISecret string `env:"ETSY_API_SECRET"`

	// Optional Secret Manager source for APIKey/APISecret.
	SecretProject string `env:"ETSY_MCP_SECRET_PROJECT"`
	SecretName    string `env:"ETSY_MCP_SECRET_NAME"`

	RedirectURI string   `env:"ETSY_REDIRECT_URI"`
	OAuthHost   string   `env:"ETSY_MCP_OAUTH_HOST" envDefault:"localhost"`
	OAuthPort   int      `env:"ETSY_MCP_OAUTH_PORT" envDefault:"3003"`
	Scopes      []string `env:"ETSY_SCOPES" envSeparator:" " envDefault:"listings_r listings_w shops_r shops_w profile_r email_r transactions_r"`

	TokenPath           string `env:"ETSY_MCP_TOKEN_PATH"`
	TokenBackend        string `env:"ETSY_MCP_TOKEN_BACKEND" envDefault:"file"`
	FirestoreProject    string `env:"ETSY_MCP_FIRESTORE_PROJECT"`
	FirestoreCollection string `env:"ETSY_MCP_FIRESTORE_COLLECTION" envDefault:"etsy_mcp_tokens"`
	FirestoreDocument   string `env:"ETSY_MCP_FIRESTORE_DOCUMENT" envDefault:"default"`

	GoogleCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS_FILE"`

	AuthURL    string `env:"ETSY_AUTH_URL" envDefault:"https://www.etsy.com/oauth/connect"`
	TokenURL   string `env:"ETSY_TOKEN_URL" envDefault:"https://api.etsy.com/v3/public/oauth/token"`
	APIBaseURL string `env:"ETSY_API_BASE_URL" envDefault:"https://openapi.etsy.com/v3/application"`

	LogFile        string `env:"ETSY_MCP_LOG_FILE"`
	LogLevel       string `env:"ETSY_MCP_LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"ETSY_MCP_LOG_DEVELOPMENT"`
}

// ConfigurationError reports settings the process cannot start without.
type ConfigurationError struct {
	Missing []string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// secretPayload is the JSON document stored in Secret Manager.
type secretPayload struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// fetchSecret is replaced in tests.
var fetchSecret = loadFromSecretManager

// Load reads .env (if present) and the environment, resolves credentials and
// derived defaults, and validates the result.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	var secretErr error
	if (cfg.APIKey == "" || cfg.APISecret == "") && cfg.SecretProject != "" && cfg.SecretName != "" {
		secretErr = cfg.loadSecretCredentials(ctx)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) && cfgErr.Err == nil {
			cfgErr.Err = secretErr
		}
		return nil, err
	}
	return &cfg, nil
}

// loadSecretCredentials fills missing credentials from Secret Manager.
func (c *Config) loadSecretCredentials(ctx context.Context) error {
	data, err := fetchSecret(ctx, c.SecretProject, c.SecretName, c.ClientOptions()...)
	if err != nil {
		return err
	}
	var payload secretPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to parse secret %s: %w", c.SecretName, err)
	}
	if c.APIKey == "" {
		c.APIKey = payload.APIKey
	}
	if c.APISecret == "" {
		c.APISecret = payload.APISecret
	}
	return nil
}

func (c *Config) applyDefaults() error {
	if c.TokenPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		c.TokenPath = filepath.Join(home, DirName, TokenFile)
	}
	if c.RedirectURI == "" {
		c.RedirectURI = fmt.Sprintf("http://%s%s", net.JoinHostPort(c.OAuthHost, strconv.Itoa(c.OAuthPort)), CallbackPath)
	}
	c.TokenBackend = strings.ToLower(strings.TrimSpace(c.TokenBackend))
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "ETSY_API_KEY")
	}
	if c.APISecret == "" {
		missing = append(missing, "ETSY_API_SECRET")
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}

	switch c.TokenBackend {
	case BackendFile:
	case BackendFirestore:
		if c.FirestoreProject == "" {
			return &ConfigurationError{Missing: []string{"ETSY_MCP_FIRESTORE_PROJECT"}}
		}
	default:
		return &ConfigurationError{Err: fmt.Errorf("unknown token backend %q", c.TokenBackend)}
	}

	if _, err := c.ListenAddr(); err != nil {
		return &ConfigurationError{Err: err}
	}
	return nil
}

// ListenAddr returns the host:port the callback listener binds, derived from
// the redirect URI.
func (c *Config) ListenAddr() (string, error) {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI %q: %w", c.RedirectURI, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("redirect URI %q has no host", c.RedirectURI)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// CallbackPath returns the path component of the redirect URI.
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil || u.Path == "" {
		return CallbackPath
	}
	return u.Path
}

// ClientOptions returns the Google API client options shared by the Secret
// Manager and Firestore clients.
func (c *Config) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	if c.GoogleCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(c.GoogleCredentialsFile))
	}
	return opts
}

// loadFromSecretManager loads the credentials document from Google Secret Manager.
func loadFromSecretManager(ctx context.Context, project, secretName string, opts ...option.ClientOption) ([]byte, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	defer client.Close()

	secretPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", secretPath, err)
	}

	return result.Payload.Data, nil
}
