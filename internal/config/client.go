package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// ClientConfig is read from NUTRICHAT_* variables, after an optional .env.
type ClientConfig struct {
	APIURL      string `envconfig:"API_URL" default:"http://localhost:8080/api"`
	RealtimeURL string `envconfig:"REALTIME_URL"`
	Token       string `envconfig:"TOKEN"`
	Username    string `envconfig:"USERNAME"`
	Password    string `envconfig:"PASSWORD"`

	ConversationInterval time.Duration `envconfig:"CONVERSATION_INTERVAL" default:"30s"`
	MessageInterval      time.Duration `envconfig:"MESSAGE_INTERVAL" default:"5s"`
	NotificationInterval time.Duration `envconfig:"NOTIFICATION_INTERVAL" default:"5s"`
	RequestTimeout       time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`

	LogFile string `envconfig:"LOG_FILE" default:"nutrichat.log"`
	Bell    bool   `envconfig:"BELL" default:"true"`
}

const envPrefix = "NUTRICHAT"

func LoadClient() (*ClientConfig, error) {
	loadDotEnv()

	var cfg ClientConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to read client config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.APIURL == "" {
		return errors.New("NUTRICHAT_API_URL is required")
	}
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return errors.New("set NUTRICHAT_TOKEN or NUTRICHAT_USERNAME and NUTRICHAT_PASSWORD")
	}
	for name, d := range map[string]time.Duration{
		"NUTRICHAT_CONVERSATION_INTERVAL": c.ConversationInterval,
		"NUTRICHAT_MESSAGE_INTERVAL":      c.MessageInterval,
		"NUTRICHAT_NOTIFICATION_INTERVAL": c.NotificationInterval,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// loadDotEnv reads .env from the working directory when there is one.
// Variables already set in the environment win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load()
	}
}
