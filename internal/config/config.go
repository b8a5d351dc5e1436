package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/jukebox/internal/admission"
	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
)

const (
	envPrefix           = "JUKEBOX"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDatabasePath = "jukebox.db"
	defaultLogLevel     = "info"
	defaultCoinMode     = "tolerant"
	defaultCoinHeader   = "aa55"
	defaultParity       = "none"
	defaultTopicPrefix  = "jukebox"
	defaultClientID     = "jukebox-kiosk"
)

// CoinConfig selects the decoder and its denominations.
type CoinConfig struct {
	Mode          coin.Mode
	Header        []byte
	Denominations coin.Denominations
}

// SerialConfig describes the coin acceptor line.
type SerialConfig struct {
	Port        coin.PortConfig
	AutoConnect bool
}

// KioskConfig holds the kiosk timers and queue behavior.
type KioskConfig struct {
	BackgroundCredits  int
	TrackDeposits      bool
	InactivityTimeout  time.Duration
	StatusPollInterval time.Duration
}

// AdminConfig controls admin login.
type AdminConfig struct {
	PIN            string
	SigningSecret  string
	TokenTTL       time.Duration
	LoginPerMinute int
}

// MQTTConfig enables the telemetry bridge when Broker is set.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
}

// AppConfig captures runtime configuration for the kiosk.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	LogRetention int
	Coin         CoinConfig
	Serial       SerialConfig
	Pricing      admission.Pricing
	Kiosk        KioskConfig
	Admin        AdminConfig
	MQTT         MQTTConfig
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("logs.retention", 500)

	configViper.SetDefault("coin.mode", defaultCoinMode)
	configViper.SetDefault("coin.header", defaultCoinHeader)
	configViper.SetDefault("coin.code_a", int(coin.DefaultCodeA))
	configViper.SetDefault("coin.code_a_credits", coin.DefaultCodeACredits)
	configViper.SetDefault("coin.code_b", int(coin.DefaultCodeB))
	configViper.SetDefault("coin.code_b_credits", coin.DefaultCodeBCredits)

	configViper.SetDefault("serial.port", "")
	configViper.SetDefault("serial.baud_rate", 9600)
	configViper.SetDefault("serial.data_bits", 8)
	configViper.SetDefault("serial.stop_bits", 1)
	configViper.SetDefault("serial.parity", defaultParity)
	configViper.SetDefault("serial.read_timeout_ms", 250)
	configViper.SetDefault("serial.autoconnect", false)

	configViper.SetDefault("pricing.standard_credits", admission.DefaultStandardCredits)
	configViper.SetDefault("pricing.premium_multiplier", admission.DefaultPremiumMultiplier)

	configViper.SetDefault("queue.background_credits", 0)
	configViper.SetDefault("queue.track_deposits", false)

	configViper.SetDefault("kiosk.inactivity_timeout_seconds", 120)
	configViper.SetDefault("kiosk.status_poll_seconds", 5)

	configViper.SetDefault("admin.token_ttl_minutes", 30)
	configViper.SetDefault("admin.login_per_minute", 5)

	configViper.SetDefault("mqtt.broker", "")
	configViper.SetDefault("mqtt.topic_prefix", defaultTopicPrefix)
	configViper.SetDefault("mqtt.client_id", defaultClientID)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	mode, err := coin.ParseMode(configViper.GetString("coin.mode"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("coin.mode: %w", err)
	}
	header, err := coin.ParseHeader(configViper.GetString("coin.header"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("coin.header: %w", err)
	}
	codeA, err := commandByte(configViper.GetInt("coin.code_a"), "coin.code_a")
	if err != nil {
		return AppConfig{}, err
	}
	codeB, err := commandByte(configViper.GetInt("coin.code_b"), "coin.code_b")
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogRetention: configViper.GetInt("logs.retention"),
		Coin: CoinConfig{
			Mode:   mode,
			Header: header,
			Denominations: coin.Denominations{
				A: coin.Denomination{Command: codeA, Credits: configViper.GetInt("coin.code_a_credits")},
				B: coin.Denomination{Command: codeB, Credits: configViper.GetInt("coin.code_b_credits")},
			},
		},
		Serial: SerialConfig{
			Port: coin.PortConfig{
				Name:        strings.TrimSpace(configViper.GetString("serial.port")),
				BaudRate:    configViper.GetInt("serial.baud_rate"),
				DataBits:    configViper.GetInt("serial.data_bits"),
				StopBits:    configViper.GetInt("serial.stop_bits"),
				Parity:      strings.ToLower(strings.TrimSpace(configViper.GetString("serial.parity"))),
				ReadTimeout: time.Duration(configViper.GetInt("serial.read_timeout_ms")) * time.Millisecond,
			},
			AutoConnect: configViper.GetBool("serial.autoconnect"),
		},
		Pricing: admission.Pricing{
			StandardCredits:   configViper.GetInt("pricing.standard_credits"),
			PremiumMultiplier: configViper.GetInt("pricing.premium_multiplier"),
		},
		Kiosk: KioskConfig{
			BackgroundCredits:  configViper.GetInt("queue.background_credits"),
			TrackDeposits:      configViper.GetBool("queue.track_deposits"),
			InactivityTimeout:  time.Duration(configViper.GetInt("kiosk.inactivity_timeout_seconds")) * time.Second,
			StatusPollInterval: time.Duration(configViper.GetInt("kiosk.status_poll_seconds")) * time.Second,
		},
		Admin: AdminConfig{
			PIN:            configViper.GetString("admin.pin"),
			SigningSecret:  configViper.GetString("admin.signing_secret"),
			TokenTTL:       time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
			LoginPerMinute: configViper.GetInt("admin.login_per_minute"),
		},
		MQTT: MQTTConfig{
			Broker:      strings.TrimSpace(configViper.GetString("mqtt.broker")),
			TopicPrefix: strings.Trim(strings.TrimSpace(configViper.GetString("mqtt.topic_prefix")), "/"),
			ClientID:    configViper.GetString("mqtt.client_id"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func commandByte(value int, key string) (byte, error) {
	if value < 0 || value > 0xFF {
		return 0, fmt.Errorf("%s must be a single byte, got %d", key, value)
	}
	return byte(value), nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Admin.SigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.Admin.PIN) == "" {
		return fmt.Errorf("admin.pin is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Coin.Denominations.Validate(); err != nil {
		return err
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	if c.Kiosk.BackgroundCredits < 0 {
		return fmt.Errorf("queue.background_credits must not be negative")
	}
	if c.Kiosk.InactivityTimeout < 0 || c.Kiosk.StatusPollInterval < 0 {
		return fmt.Errorf("kiosk timers must not be negative")
	}
	if c.Admin.TokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	if c.Admin.LoginPerMinute <= 0 {
		return fmt.Errorf("admin.login_per_minute must be positive")
	}
	switch c.Serial.Port.Parity {
	case "none", "odd", "even":
	default:
		return fmt.Errorf("serial.parity must be none, odd or even")
	}
	if c.Serial.Port.StopBits != 1 && c.Serial.Port.StopBits != 2 {
		return fmt.Errorf("serial.stop_bits must be 1 or 2")
	}
	return nil
}
