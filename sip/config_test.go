package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tippresence/presenced/config"
)

func TestConfigFromPresenceConfig(t *testing.T) {
	c := env.PresenceConfig{}
	c.DefaultPublishExpires = 1800
	c.MinPublishExpires = 30

	cfg := ConfigFromPresenceConfig(c)
	assert.Equal(t, 1800, cfg.DefaultPublishExpires)
	assert.Equal(t, 30, cfg.MinPublishExpires)
}
