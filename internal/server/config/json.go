package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/authcore/internal/flagx"
	"github.com/dmitrijs2005/authcore/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations use
// timex.Duration so both "15m" and integer nanoseconds are accepted.
// Absent keys keep the value from the previous layer.
type JsonConfig struct {
	EndpointAddrHTTP               string          `json:"endpoint_addr_http"`
	DatabaseDSN                    string          `json:"database_dsn"`
	AccessTokenSecret              string          `json:"access_token_secret"`
	RefreshTokenSecret             string          `json:"refresh_token_secret"`
	Issuer                         string          `json:"jwt_issuer"`
	Audience                       string          `json:"jwt_audience"`
	SigningAlgorithm               string          `json:"jwt_algorithm"`
	AccessTokenValidityDuration    timex.Duration  `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration   timex.Duration  `json:"refresh_token_validity_duration"`
	ClockSkew                      *timex.Duration `json:"clock_skew"`
	LoginDelay                     *timex.Duration `json:"login_delay"`
	Argon2Memory                   uint32          `json:"argon2_memory"`
	Argon2Time                     uint32          `json:"argon2_time"`
	Argon2Parallelism              uint8           `json:"argon2_parallelism"`
	BcryptCost                     int             `json:"bcrypt_cost"`
	RevokeSessionsOnPasswordChange *bool           `json:"revoke_sessions_on_password_change"`
	LogLevel                       string          `json:"log_level"`
	LogFormat                      string          `json:"log_format"`
	ShutdownTimeout                timex.Duration  `json:"shutdown_timeout"`
}

// parseJson loads the file named by -c/-config in args, or by $AUTH_CONFIG,
// and overlays it onto config. No file means nothing to do.
func parseJson(config *Config, args []string) error {
	jsonConfigFile := flagx.ConfigFile(args)

	// nothing to load
	if jsonConfigFile == "" {
		return nil
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", jsonConfigFile, err)
	}

	c.apply(config)
	return nil
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.AccessTokenSecret, c.AccessTokenSecret)
	setString(&config.RefreshTokenSecret, c.RefreshTokenSecret)
	setString(&config.Issuer, c.Issuer)
	setString(&config.Audience, c.Audience)
	setString(&config.SigningAlgorithm, c.SigningAlgorithm)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	if c.AccessTokenValidityDuration.Duration > 0 {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.RefreshTokenValidityDuration.Duration > 0 {
		config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	}
	if c.ShutdownTimeout.Duration > 0 {
		config.ShutdownTimeout = c.ShutdownTimeout.Duration
	}
	// Zero is meaningful for these two.
	if c.ClockSkew != nil {
		config.ClockSkew = c.ClockSkew.Duration
	}
	if c.LoginDelay != nil {
		config.LoginDelay = c.LoginDelay.Duration
	}

	if c.Argon2Memory > 0 {
		config.Argon2Memory = c.Argon2Memory
	}
	if c.Argon2Time > 0 {
		config.Argon2Time = c.Argon2Time
	}
	if c.Argon2Parallelism > 0 {
		config.Argon2Parallelism = c.Argon2Parallelism
	}
	if c.BcryptCost > 0 {
		config.BcryptCost = c.BcryptCost
	}
	if c.RevokeSessionsOnPasswordChange != nil {
		config.RevokeSessionsOnPasswordChange = *c.RevokeSessionsOnPasswordChange
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
