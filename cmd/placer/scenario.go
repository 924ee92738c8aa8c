package main

import (
	"io"
	"os"

	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"

	"github.com/hanfei1991/streamplace/model"
	derror "github.com/hanfei1991/streamplace/pkg/errors"
	"github.com/hanfei1991/streamplace/servermaster/catalog"
	"github.com/hanfei1991/streamplace/servermaster/queryplan"
)

// Scenario describes a cluster and a sequence of edits applied to it.
type Scenario struct {
	Nodes   []NodeSpec               `yaml:"nodes"`
	Links   []LinkSpec               `yaml:"links"`
	Sources []catalog.PhysicalSource `yaml:"sources"`
	Steps   []Step                   `yaml:"steps"`
}

type NodeSpec struct {
	ID         model.NodeID      `yaml:"id"`
	Kind       string            `yaml:"kind"`
	Capacity   model.RescUnit    `yaml:"capacity"`
	Properties map[string]string `yaml:"properties"`
}

func (s *NodeSpec) info() (model.NodeInfo, error) {
	kind, ok := model.ParseNodeKind(s.Kind)
	if !ok {
		return model.NodeInfo{}, derror.ErrInvalidConfig.GenWithStackByArgs("unknown node kind " + s.Kind)
	}
	return model.NodeInfo{ID: s.ID, Kind: kind, Capacity: s.Capacity, Properties: s.Properties}, nil
}

type LinkSpec struct {
	Upstream      model.NodeID `yaml:"upstream"`
	Downstream    model.NodeID `yaml:"downstream"`
	Bidirectional bool         `yaml:"bidirectional"`
	Bandwidth     uint64       `yaml:"bandwidth"`
	Latency       uint64       `yaml:"latency"`
}

func (s *LinkSpec) info() model.LinkInfo {
	return model.LinkInfo{
		Upstream:      s.Upstream,
		Downstream:    s.Downstream,
		Bidirectional: s.Bidirectional,
		Bandwidth:     s.Bandwidth,
		Latency:       s.Latency,
	}
}

// OperatorSpec is one unary operator of a query pipeline.
type OperatorSpec struct {
	Kind string         `yaml:"kind"`
	Arg  string         `yaml:"arg"`
	Cost model.RescUnit `yaml:"cost"`
}

// QuerySpec is a linear pipeline from a logical source to a sink,
// optionally joined or unioned with a second source.
type QuerySpec struct {
	ID        model.QueryID  `yaml:"id"`
	Source    string         `yaml:"source"`
	Operators []OperatorSpec `yaml:"operators"`
	// With names a second logical source combined through Combine,
	// either "join" or "union".
	With      string         `yaml:"with"`
	Combine   string         `yaml:"combine"`
	Predicate string         `yaml:"predicate"`
	Sink      string         `yaml:"sink"`
	SinkNode  model.NodeID   `yaml:"sink-node"`
	After     []OperatorSpec `yaml:"after"`
}

func applyOperators(s *queryplan.Stream, ops []OperatorSpec) (*queryplan.Stream, error) {
	for _, op := range ops {
		switch op.Kind {
		case "filter":
			s = s.Filter(op.Arg)
		case "map":
			s = s.Map(op.Arg)
		case "project":
			s = s.Project(op.Arg)
		case "window":
			s = s.Window(op.Arg)
		default:
			return nil, derror.ErrInvalidOperatorGraph.GenWithStackByArgs("unknown operator kind " + op.Kind)
		}
		if op.Cost > 0 {
			s = s.WithCost(op.Cost)
		}
	}
	return s, nil
}

// Build assembles the query, allocating operator ids from alloc.
func (s *QuerySpec) Build(alloc queryplan.IDAllocator) (*queryplan.Query, error) {
	b := queryplan.NewBuilder(alloc)
	stream, err := applyOperators(b.Source(s.Source), s.Operators)
	if err != nil {
		return nil, err
	}
	if s.With != "" {
		other := b.Source(s.With)
		switch s.Combine {
		case "join":
			stream = stream.Join(other, s.Predicate)
		case "union", "":
			stream = stream.Union(other)
		default:
			return nil, derror.ErrInvalidOperatorGraph.GenWithStackByArgs("unknown combinator " + s.Combine)
		}
	}
	if stream, err = applyOperators(stream, s.After); err != nil {
		return nil, err
	}
	sink := s.Sink
	if sink == "" {
		sink = "sink"
	}
	stream.Sink(sink, s.SinkNode)
	return b.Build(s.ID)
}

type EdgeSpec struct {
	Upstream   model.NodeID `yaml:"upstream"`
	Downstream model.NodeID `yaml:"downstream"`
}

type MigrationSpec struct {
	SharedQueryID model.SharedQueryID `yaml:"shared-query-id"`
	NodeID        model.NodeID        `yaml:"node-id"`
}

// Step is one edit of a scenario. Exactly one field is set.
type Step struct {
	AddQuery          *QuerySpec              `yaml:"add-query"`
	RemoveQuery       *model.QueryID          `yaml:"remove-query"`
	AddNode           *NodeSpec               `yaml:"add-node"`
	RemoveNode        *model.NodeID           `yaml:"remove-node"`
	AddLink           *LinkSpec               `yaml:"add-link"`
	RemoveLink        *EdgeSpec               `yaml:"remove-link"`
	SetLinkProperty   *LinkSpec               `yaml:"set-link-property"`
	AddSource         *catalog.PhysicalSource `yaml:"add-source"`
	Fail              *model.SharedQueryID    `yaml:"fail"`
	CompleteMigration *MigrationSpec          `yaml:"complete-migration"`
	Amend             bool                    `yaml:"amend"`
}

// LoadScenario reads a YAML scenario. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	return ParseScenario(f)
}

func ParseScenario(r io.Reader) (*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	sc := &Scenario{}
	if err := dec.Decode(sc); err != nil {
		return nil, derror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs("malformed scenario")
	}
	return sc, nil
}
