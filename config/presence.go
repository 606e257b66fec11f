package env

import "time"

// PresenceConfig holds every configuration option spec §6 enumerates.
// It is populated by Read/ReadWithConfigDirPath from environment variables
// and a YAML file named after the current APP_ENV.
type PresenceConfig struct {
	DefaultPublishExpires int `mapstructure:"default_publish_expires"`
	MinPublishExpires     int `mapstructure:"min_publish_expires"`

	AMQPVhost       string `mapstructure:"amqp_vhost"`
	AMQPSpecPath    string `mapstructure:"amqp_spec_path"`
	AMQPURI         string `mapstructure:"amqp_uri"`
	AMQPUsername    string `mapstructure:"amqp_username"`
	AMQPPassword    string `mapstructure:"amqp_password"`

	StorageConnection string `mapstructure:"storage_connection"`
}

// DefaultPresenceConfig returns the hard-coded defaults from spec §4.D/§6,
// used when a field is left unset by the environment or YAML file.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		DefaultPublishExpires: 3600,
		MinPublishExpires:     60,
		AMQPVhost:             "/",
	}
}

// ApplyDefaults fills zero-valued fields of c with DefaultPresenceConfig's
// values, so a partial YAML/env configuration is still usable.
func (c *PresenceConfig) ApplyDefaults() {
	d := DefaultPresenceConfig()
	if c.DefaultPublishExpires == 0 {
		c.DefaultPublishExpires = d.DefaultPublishExpires
	}
	if c.MinPublishExpires == 0 {
		c.MinPublishExpires = d.MinPublishExpires
	}
	if c.AMQPVhost == "" {
		c.AMQPVhost = d.AMQPVhost
	}
}

// DefaultPublishExpiresDuration converts DefaultPublishExpires to a
// time.Duration for callers that operate on durations rather than seconds.
func (c PresenceConfig) DefaultPublishExpiresDuration() time.Duration {
	return time.Duration(c.DefaultPublishExpires) * time.Second
}
