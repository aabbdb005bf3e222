// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package configs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ClientConfig carries everything the SDK needs to reach the voice gateway
// and the tunable timeouts of the signaling core. All durations have working
// defaults; only the gateway URIs and the auth token are mandatory.
type ClientConfig struct {
	// GatewayURIs is a comma-separated, ordered list of candidate websocket
	// endpoints. The transport rotates through them on failure.
	GatewayURIs string `mapstructure:"gateway_uris" validate:"required"`
	Token       string `mapstructure:"token" validate:"required"`
	Region      string `mapstructure:"region"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`

	// Transport tuning.
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" validate:"gt=0"`
	// MinStableOpen is how long a connection must stay open before the
	// backoff attempt counter resets.
	MinStableOpen time.Duration `mapstructure:"min_stable_open" validate:"gt=0"`

	// Call tuning.
	IceRestartInterval time.Duration `mapstructure:"ice_restart_interval" validate:"gt=0"`
	DigitPacing        time.Duration `mapstructure:"digit_pacing" validate:"gt=0"`
	RingtonePreRoll    time.Duration `mapstructure:"ringtone_preroll" validate:"gt=0"`

	// Analytics endpoint; empty disables the default publisher.
	AnalyticsEndpoint string `mapstructure:"analytics_endpoint"`
}

// Endpoints returns the ordered candidate URI list.
func (c *ClientConfig) Endpoints() []string {
	parts := strings.Split(c.GatewayURIs, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// InitClientConfig reads configuration from a .env style file (honouring the
// ENV_PATH override) plus the process environment.
func InitClientConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		// Missing file is fine; environment variables take over.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return vConfig, nil
}

// NewClientConfig unmarshals and validates the client configuration.
func NewClientConfig(v *viper.Viper) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return &cfg, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("GATEWAY_URIS", "")
	v.SetDefault("TOKEN", "")
	v.SetDefault("REGION", "gll")
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("CONNECT_TIMEOUT", 10*time.Second)
	v.SetDefault("HEARTBEAT_TIMEOUT", 35*time.Second)
	v.SetDefault("BACKOFF_INITIAL", time.Second)
	v.SetDefault("BACKOFF_MAX", 30*time.Second)
	v.SetDefault("MIN_STABLE_OPEN", 10*time.Second)

	v.SetDefault("ICE_RESTART_INTERVAL", 3*time.Second)
	v.SetDefault("DIGIT_PACING", 200*time.Millisecond)
	v.SetDefault("RINGTONE_PREROLL", time.Second)

	v.SetDefault("ANALYTICS_ENDPOINT", "")
}
