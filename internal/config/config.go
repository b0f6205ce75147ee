package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ServerConfig configures the development backend.
type ServerConfig struct {
	ServerAddress string
	DatabaseURL   string
	JWTSecret     string
	TokenTTL      time.Duration
}

func LoadServer() *ServerConfig {
	loadDotEnv()

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	dataDir := filepath.Join(cwd, "data")
	os.MkdirAll(dataDir, 0755)

	dbPath := filepath.Join(dataDir, "nutrichat.db")

	ttl, err := time.ParseDuration(getEnv("TOKEN_TTL", "720h"))
	if err != nil {
		ttl = 30 * 24 * time.Hour
	}

	return &ServerConfig{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://"+dbPath),
		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		TokenTTL:      ttl,
	}
}

// CleanDatabasePath returns a filesystem path from the database URL.
func (c *ServerConfig) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath keeps the sqlite:// prefix if it was present.
func (c *ServerConfig) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
