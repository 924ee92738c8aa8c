package servermaster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/logutil"
	"github.com/hanfei1991/streamplace/pkg/metaclient"
	"github.com/hanfei1991/streamplace/servermaster/amendment"
	"github.com/hanfei1991/streamplace/servermaster/placement"
	"github.com/hanfei1991/streamplace/servermaster/storage"
)

// AmendmentConfig configures the amendment workers.
type AmendmentConfig struct {
	WorkerCount          int  `toml:"worker-count" json:"worker-count"`
	IncrementalPlacement bool `toml:"incremental-placement" json:"incremental-placement"`
}

// PlacementConfig selects the placement strategy.
type PlacementConfig struct {
	Strategy     model.PlacementStrategy `toml:"strategy" json:"strategy"`
	OperatorCost model.RescUnit          `toml:"operator-cost" json:"operator-cost"`
}

// QueryConfig configures how queries are grouped into shared query plans.
type QueryConfig struct {
	Merging bool `toml:"merging" json:"merging"`
}

// Config is the coordinator configuration.
type Config struct {
	Amendment AmendmentConfig         `toml:"amendment" json:"amendment"`
	Placement PlacementConfig         `toml:"placement" json:"placement"`
	Storage   *storage.Config         `toml:"storage" json:"storage"`
	Query     QueryConfig             `toml:"query" json:"query"`
	MetaStore *metaclient.StoreConfig `toml:"meta-store" json:"meta-store"`
	Log       *logutil.Config         `toml:"log" json:"log"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() *Config {
	return &Config{
		Amendment: AmendmentConfig{
			WorkerCount:          amendment.DefaultWorkerCount,
			IncrementalPlacement: true,
		},
		Placement: PlacementConfig{
			Strategy:     model.PlacementBottomUp,
			OperatorCost: placement.DefaultOperatorCost,
		},
		Storage:   storage.DefaultConfig(),
		Query:     QueryConfig{Merging: true},
		MetaStore: &metaclient.StoreConfig{},
		Log:       &logutil.Config{},
	}
}

// LoadConfig decodes the TOML file at path over the default
// configuration and adjusts the result. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.configFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content over the receiver.
func (c *Config) Parse(content string) error {
	metaData, err := toml.Decode(content, c)
	if err != nil {
		return derror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("malformed toml")
	}
	return checkUndecoded(metaData)
}

func (c *Config) configFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return derror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("cannot decode " + path)
	}
	return checkUndecoded(metaData)
}

func checkUndecoded(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	items := make([]string, 0, len(undecoded))
	for _, item := range undecoded {
		items = append(items, item.String())
	}
	return derror.ErrInvalidConfig.GenWithStackByArgs("unknown items " + strings.Join(items, ","))
}

// Adjust fills default values and validates the configuration.
func (c *Config) Adjust() error {
	if c.Amendment.WorkerCount <= 0 {
		c.Amendment.WorkerCount = amendment.DefaultWorkerCount
	}
	if c.Placement.Strategy == "" {
		c.Placement.Strategy = model.PlacementBottomUp
	}
	strategy, err := placement.NewStrategy(c.Placement.Strategy)
	if err != nil {
		return derror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs(
			fmt.Sprintf("unknown placement strategy %q", c.Placement.Strategy))
	}
	c.Placement.Strategy = strategy.Name()
	if c.Placement.OperatorCost <= 0 {
		c.Placement.OperatorCost = placement.DefaultOperatorCost
	}

	if c.Storage == nil {
		c.Storage = storage.DefaultConfig()
	}
	if err := c.Storage.Adjust(); err != nil {
		return err
	}
	if c.MetaStore == nil {
		c.MetaStore = &metaclient.StoreConfig{}
	}
	c.MetaStore.Adjust()
	if c.Log == nil {
		c.Log = &logutil.Config{}
	}
	c.Log.Adjust()
	return nil
}

func (c *Config) amenderConfig() *amendment.Config {
	return &amendment.Config{
		Strategy:             c.Placement.Strategy,
		IncrementalPlacement: c.Amendment.IncrementalPlacement,
		OperatorCost:         c.Placement.OperatorCost,
	}
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("coordinator config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		log.L().Error("fail to marshal config to toml", logutil.ShortError(err))
		return "", derror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("cannot encode toml")
	}
	return b.String(), nil
}
