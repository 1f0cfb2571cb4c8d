package executor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the YAML form of an executor reference:
//
//	jtype: BaseExecutor
//	with:
//	  greeting: hello
//	metas:
//	  name: encoder
//	requests:
//	  /index: bar
type Manifest struct {
	JType    string                 `yaml:"jtype"`
	With     map[string]interface{} `yaml:"with"`
	Metas    map[string]interface{} `yaml:"metas"`
	Requests map[string]string      `yaml:"requests"`
}

// LoadManifest reads and decodes an executor manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read executor manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode executor manifest %s: %w", path, err)
	}
	if m.JType == "" {
		return nil, fmt.Errorf("executor manifest %s has no jtype", path)
	}
	return &m, nil
}

// Resolve turns an executor reference into a constructed Executor. The
// reference is either a registered type name or a path to a YAML
// manifest. Flag-supplied overrides win over manifest values key by key.
func Resolve(uses string, overrides Options) (*Executor, error) {
	jtype := uses
	opts := overrides

	if _, err := os.Stat(uses); err == nil {
		m, err := LoadManifest(uses)
		if err != nil {
			return nil, err
		}
		jtype = m.JType
		opts.With = mergeMaps(m.With, overrides.With)
		opts.Metas = mergeMaps(m.Metas, overrides.Metas)
		opts.Requests = mergeStringMaps(m.Requests, overrides.Requests)
	}

	spec, err := Build(jtype, opts.With)
	if err != nil {
		return nil, err
	}
	return New(spec, opts)
}

func mergeMaps(base, over map[string]interface{}) map[string]interface{} {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]interface{}, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func mergeStringMaps(base, over map[string]string) map[string]string {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
