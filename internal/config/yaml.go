package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns data as JSON plus the format it was read as. Files named
// .yaml or .yml are re-encoded from YAML so that both formats share one
// strict JSON decoder; anything else is assumed to be JSON already.
func toJSON(name string, data []byte) ([]byte, string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		return data, "json", nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, "yaml", fmt.Errorf("yaml parse: %w", err)
	}
	v, err := plain(&doc)
	if err != nil {
		return nil, "yaml", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml to json: %w", err)
	}
	return out, "yaml", nil
}

// plain converts a YAML node into maps, slices and scalars that
// encoding/json can marshal. Aliases are followed; merge keys ("<<") fill in
// only the keys the mapping does not set itself. Non-string keys are
// rendered with their YAML text.
func plain(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return plain(n.Content[0])
	case yaml.AliasNode:
		return plain(n.Alias)
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := plain(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		return plainMapping(n)
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
		}
		return v, nil
	}
}

func plainMapping(n *yaml.Node) (map[string]any, error) {
	out := make(map[string]any, len(n.Content)/2)
	var merged []map[string]any
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, val := n.Content[i], n.Content[i+1]
		if k.Tag == "!!merge" {
			srcs, err := mergeSources(val)
			if err != nil {
				return nil, err
			}
			merged = append(merged, srcs...)
			continue
		}
		v, err := plain(val)
		if err != nil {
			return nil, err
		}
		out[k.Value] = v
	}
	for _, m := range merged {
		for k, v := range m {
			if _, set := out[k]; !set {
				out[k] = v
			}
		}
	}
	return out, nil
}

// mergeSources resolves the value of a merge key: one mapping or a
// sequence of them, earlier entries taking precedence.
func mergeSources(n *yaml.Node) ([]map[string]any, error) {
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	items := []*yaml.Node{n}
	if n.Kind == yaml.SequenceNode {
		items = n.Content
	}
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if it.Kind == yaml.AliasNode {
			it = it.Alias
		}
		if it.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("yaml line %d: merge value must be a mapping", it.Line)
		}
		m, err := plainMapping(it)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
