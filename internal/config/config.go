package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendMySQL     = "mysql"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
	} `yaml:"server"`
	Store struct {
		Backend string `yaml:"backend"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"store"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Firebase struct {
		ProjectID       string `yaml:"project_id"`
		CredentialsFile string `yaml:"credentials_file"`
		Auth            bool   `yaml:"auth"`
		Messaging       bool   `yaml:"messaging"`
	} `yaml:"firebase"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	S3 struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
	} `yaml:"s3"`
}

// LoadConfig reads the YAML file at path. An empty path yields the
// defaults. Secrets and addresses may be overridden from the environment.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshal config data: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"SERVER_ADDRESS", &c.Server.Address},
		{"STORE_BACKEND", &c.Store.Backend},
		{"DATABASE_URL", &c.Database.URL},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"FIREBASE_PROJECT_ID", &c.Firebase.ProjectID},
		{"GOOGLE_APPLICATION_CREDENTIALS", &c.Firebase.CredentialsFile},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"S3_BUCKET", &c.S3.Bucket},
		{"S3_ACCESS_KEY", &c.S3.AccessKey},
		{"S3_SECRET_KEY", &c.S3.SecretKey},
	}
	for _, o := range overrides {
		if v := strings.TrimSpace(os.Getenv(o.env)); v != "" {
			*o.dst = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Server.Address == "" {
		c.Server.Address = ":" + port
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4001"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
}

// Validate checks that the selected backends are fully configured.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendMySQL, BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("store backend %s requires database.url", c.Store.Backend)
		}
	case BackendFirestore:
		if c.Firebase.ProjectID == "" {
			return fmt.Errorf("store backend firestore requires firebase.project_id")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if !c.Firebase.Auth && c.Auth.JWTSecret == "" {
		return fmt.Errorf("either firebase.auth or auth.jwt_secret must be set")
	}
	if c.Firebase.Auth && c.Firebase.ProjectID == "" {
		return fmt.Errorf("firebase.auth requires firebase.project_id")
	}
	return nil
}

// UsesFirebase reports whether any component needs a Firebase app.
func (c Config) UsesFirebase() bool {
	return c.Store.Backend == BackendFirestore || c.Firebase.Auth || c.Firebase.Messaging
}
