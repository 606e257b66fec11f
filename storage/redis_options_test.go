package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tippresence/presenced/config"
)

func TestOptionsFromPresenceConfig(t *testing.T) {
	c := env.PresenceConfig{}
	c.StorageConnection = "localhost:6379"
	opts := OptionsFromPresenceConfig(c)
	assert.Equal(t, "localhost:6379", opts.Addr)
}
