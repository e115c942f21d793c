package config

import (
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/teranos/weft/errors"
)

// TagMap maps worker types to the service tags they accept. Expansion
// happens once, when a worker registers; the matcher only ever compares
// the expanded set.
//
//	types:
//	  gpu-large:
//	    - inference
//	    - training
//	    - embedding
//	  cpu-batch:
//	    - transcode
type TagMap struct {
	Types map[string][]string `yaml:"types"`
}

// DefaultTagMapPath returns ~/.weft/service_tags.yaml, or "" when the
// home directory cannot be determined
func DefaultTagMapPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".weft", "service_tags.yaml")
}

// LoadTagMap reads a service tag map from a YAML file. A missing file
// yields an empty map so deployments without tag aliases need no file.
func LoadTagMap(path string) (*TagMap, error) {
	if path == "" {
		path = DefaultTagMapPath()
	}
	if path == "" {
		return &TagMap{Types: map[string][]string{}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TagMap{Types: map[string][]string{}}, nil
		}
		return nil, errors.Wrapf(err, "failed to read tag map %s", path)
	}

	var tm TagMap
	if err := yaml.Unmarshal(data, &tm); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tag map %s", path)
	}
	if tm.Types == nil {
		tm.Types = map[string][]string{}
	}
	return &tm, nil
}

// ResolveTagMap loads the tag map named by the config, falling back to
// the default location
func ResolveTagMap(cfg *Config) (*TagMap, error) {
	return LoadTagMap(cfg.Tags.Path)
}

// Expand returns the sorted, deduplicated set of service tags covered by
// the advertised tags. Every tag covers itself; a tag that names a worker
// type additionally covers each tag that type accepts. Expansion is a
// single level: entries inside a type are taken literally, never expanded
// again.
func (tm *TagMap) Expand(advertised []string) []string {
	seen := make(map[string]bool)
	for _, tag := range advertised {
		if tag == "" {
			continue
		}
		seen[tag] = true
		if tm == nil || tm.Types == nil {
			continue
		}
		for _, covered := range tm.Types[tag] {
			if covered != "" {
				seen[covered] = true
			}
		}
	}

	expanded := make([]string, 0, len(seen))
	for tag := range seen {
		expanded = append(expanded, tag)
	}
	sort.Strings(expanded)
	return expanded
}
