// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/cardinalhq/sortrunner/internal/streamsort"
)

// Topology node kinds.
const (
	KindLocal  = "local"
	KindSpill  = "spill"
	KindRemote = "remote"
	KindMerge  = "merge"
)

// TopologyNode is one node of a YAML-described sorter tree:
//
//	local             in-memory leaf
//	spill             disk-backed leaf; optional threshold and dir
//	remote            worker-delegating leaf; requires addr (host:port)
//	merge             inner node; requires left and right subtrees
//
// Attributes belonging to another kind are rejected, as is a worker
// address appearing more than once in the same tree.
type TopologyNode struct {
	Kind      string        `yaml:"kind"`
	Addr      string        `yaml:"addr,omitempty"`
	Threshold int           `yaml:"threshold,omitempty"`
	Dir       string        `yaml:"dir,omitempty"`
	Left      *TopologyNode `yaml:"left,omitempty"`
	Right     *TopologyNode `yaml:"right,omitempty"`
}

// LoadTopology reads a YAML tree description and compiles it into a
// sorter. A filename of the form "env:VAR" takes the YAML contents from
// the named environment variable instead of a file.
func LoadTopology(filename string) (streamsort.Sorter[string], error) {
	if after, ok := strings.CutPrefix(filename, "env:"); ok {
		contents := os.Getenv(after)
		if contents == "" {
			return nil, fmt.Errorf("environment variable %s is not set", after)
		}
		return parseTopology(filename, []byte(contents))
	}

	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology from file %s: %w", filename, err)
	}

	return parseTopology(filename, contents)
}

func parseTopology(filename string, contents []byte) (streamsort.Sorter[string], error) {
	var root TopologyNode

	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topology from file %s: %w", filename, err)
	}

	tree, err := root.Compile()
	if err != nil {
		return nil, fmt.Errorf("invalid topology in file %s: %w", filename, err)
	}
	return tree, nil
}

// Compile validates the node tree and builds the sorter it describes.
func (n *TopologyNode) Compile() (streamsort.Sorter[string], error) {
	seen := mapset.NewSet[string]()
	return n.compile(seen)
}

func (n *TopologyNode) compile(seen mapset.Set[string]) (streamsort.Sorter[string], error) {
	if n == nil {
		return nil, errors.New("topology node is missing")
	}
	switch n.Kind {
	case KindLocal:
		if n.Addr != "" || n.Threshold != 0 || n.Dir != "" || n.Left != nil || n.Right != nil {
			return nil, errors.New("local node takes no attributes")
		}
		return streamsort.NewLocalSorter[string](), nil

	case KindSpill:
		if n.Addr != "" || n.Left != nil || n.Right != nil {
			return nil, errors.New("spill node takes only threshold and dir")
		}
		return streamsort.NewSpillSorter[string](streamsort.SpillConfig{
			Threshold: n.Threshold,
			Dir:       n.Dir,
		})

	case KindRemote:
		if n.Threshold != 0 || n.Dir != "" || n.Left != nil || n.Right != nil {
			return nil, errors.New("remote node takes only addr")
		}
		if n.Addr == "" {
			return nil, errors.New("remote node requires addr")
		}
		if !seen.Add(n.Addr) {
			return nil, fmt.Errorf("worker %s appears more than once", n.Addr)
		}
		return streamsort.NewProxySorter(n.Addr)

	case KindMerge:
		if n.Addr != "" || n.Threshold != 0 || n.Dir != "" {
			return nil, errors.New("merge node takes only left and right")
		}
		if n.Left == nil || n.Right == nil {
			return nil, errors.New("merge node requires both left and right")
		}
		left, err := n.Left.compile(seen)
		if err != nil {
			return nil, err
		}
		right, err := n.Right.compile(seen)
		if err != nil {
			return nil, err
		}
		return streamsort.NewMergeSorter(left, right)

	case "":
		return nil, errors.New("topology node is missing a kind")

	default:
		return nil, fmt.Errorf("unknown topology node kind %q", n.Kind)
	}
}
