package storage

import (
	"fmt"
	"strings"
	"time"

	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/pkg/tomlutil"
)

// AccessMode selects how amendments are isolated from each other.
type AccessMode string

const (
	// AccessTwoPhaseLocking locks every acquired resource for the whole
	// amendment, in a fixed global order.
	AccessTwoPhaseLocking AccessMode = "2pl"
	// AccessOptimistic runs amendments against snapshots and validates
	// resource revisions on commit.
	AccessOptimistic AccessMode = "occ"
)

const (
	defaultOCCRetryBudget  = 5
	defaultOCCRetryBackoff = 10 * time.Millisecond
)

// Config is the storage section of the coordinator configuration.
type Config struct {
	AccessMode      AccessMode        `toml:"access-mode" json:"access-mode"`
	OCCRetryBudget  int               `toml:"occ-retry-budget" json:"occ-retry-budget"`
	OCCRetryBackoff tomlutil.Duration `toml:"occ-retry-backoff" json:"occ-retry-backoff"`
	LockOrder       []string          `toml:"lock-order" json:"lock-order"`
	// LockTimeout bounds the wait for each lock. Zero waits forever.
	LockTimeout tomlutil.Duration `toml:"lock-timeout" json:"lock-timeout"`

	lockOrder []ResourceType
}

// DefaultConfig returns the default storage configuration.
func DefaultConfig() *Config {
	return &Config{
		AccessMode:      AccessTwoPhaseLocking,
		OCCRetryBudget:  defaultOCCRetryBudget,
		OCCRetryBackoff: tomlutil.Duration(defaultOCCRetryBackoff),
	}
}

// Adjust fills default values and validates the configuration.
func (c *Config) Adjust() error {
	switch AccessMode(strings.ToLower(string(c.AccessMode))) {
	case "":
		c.AccessMode = AccessTwoPhaseLocking
	case AccessTwoPhaseLocking, AccessOptimistic:
		c.AccessMode = AccessMode(strings.ToLower(string(c.AccessMode)))
	default:
		return derror.ErrInvalidConfig.GenWithStackByArgs(fmt.Sprintf("unknown access mode %q", c.AccessMode))
	}
	if c.OCCRetryBudget <= 0 {
		c.OCCRetryBudget = defaultOCCRetryBudget
	}
	if c.OCCRetryBackoff <= 0 {
		c.OCCRetryBackoff = tomlutil.Duration(defaultOCCRetryBackoff)
	}
	if c.LockTimeout < 0 {
		return derror.ErrInvalidConfig.GenWithStackByArgs("lock-timeout must not be negative")
	}
	if len(c.LockOrder) == 0 {
		c.lockOrder = append([]ResourceType(nil), AllResources...)
		for _, t := range c.lockOrder {
			c.LockOrder = append(c.LockOrder, t.String())
		}
		return nil
	}
	order, err := parseLockOrder(c.LockOrder)
	if err != nil {
		return err
	}
	c.lockOrder = order
	return nil
}

// ResolvedLockOrder returns the lock order after Adjust.
func (c *Config) ResolvedLockOrder() []ResourceType {
	return append([]ResourceType(nil), c.lockOrder...)
}

// parseLockOrder accepts a permutation of every resource type.
func parseLockOrder(names []string) ([]ResourceType, error) {
	if len(names) != len(AllResources) {
		return nil, derror.ErrInvalidLockOrder.GenWithStackByArgs(
			fmt.Sprintf("expected %d resources, got %d", len(AllResources), len(names)))
	}
	seen := make(map[ResourceType]struct{}, len(names))
	ret := make([]ResourceType, 0, len(names))
	for _, name := range names {
		t, ok := ParseResourceType(name)
		if !ok {
			return nil, derror.ErrInvalidLockOrder.GenWithStackByArgs(fmt.Sprintf("unknown resource %q", name))
		}
		if _, dup := seen[t]; dup {
			return nil, derror.ErrInvalidLockOrder.GenWithStackByArgs(fmt.Sprintf("resource %q listed twice", name))
		}
		seen[t] = struct{}{}
		ret = append(ret, t)
	}
	return ret, nil
}
