package metaclient

import (
	"time"

	"github.com/hanfei1991/streamplace/pkg/tomlutil"
)

// StoreConfig describes how to reach the meta store.
type StoreConfig struct {
	// Endpoints is a list of URLs. An empty list selects the in-memory store.
	Endpoints []string `toml:"endpoints" json:"endpoints"`
	// DialTimeout is the timeout for failing to establish a connection.
	DialTimeout tomlutil.Duration `toml:"dial-timeout" json:"dial-timeout"`
	// KeyPrefix is prepended to every key written by this process.
	KeyPrefix string `toml:"key-prefix" json:"key-prefix"`
}

const defaultDialTimeout = 5 * time.Second

// Adjust fills default values.
func (c *StoreConfig) Adjust() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = tomlutil.Duration(defaultDialTimeout)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "/streamplace"
	}
}

func (c *StoreConfig) Clone() *StoreConfig {
	newConf := *c
	newConf.Endpoints = append([]string(nil), c.Endpoints...)
	return &newConf
}
