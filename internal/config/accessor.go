package config

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Paths address the YAML document a Config saves as, e.g. "general.loopBudget"
// or "security.allowedExtensions.0". Fields left out by omitempty are not
// addressable until they hold a value.

func configTree(cfg *Config) (*yaml.Node, error) {
	var root yaml.Node
	if err := root.Encode(cfg); err != nil {
		return nil, err
	}
	return &root, nil
}

func lookup(n *yaml.Node, path string) (*yaml.Node, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	for _, key := range strings.Split(path, ".") {
		switch n.Kind {
		case yaml.MappingNode:
			var next *yaml.Node
			for i := 0; i+1 < len(n.Content); i += 2 {
				if n.Content[i].Value == key {
					next = n.Content[i+1]
					break
				}
			}
			if next == nil {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			n = next
		case yaml.SequenceNode:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(n.Content) {
				return nil, fmt.Errorf("invalid index %q in %s", key, path)
			}
			n = n.Content[idx]
		default:
			return nil, fmt.Errorf("%s: %q is not a section", path, key)
		}
	}
	return n, nil
}

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	root, err := configTree(cfg)
	if err != nil {
		return nil, err
	}
	n, err := lookup(root, path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetByPath replaces the scalar at path with value, typed the way YAML would
// read it ("12" is an int, "true" a bool). Unknown keys are rejected so a typo
// cannot create a field nothing reads.
func SetByPath(cfg *Config, path, value string) error {
	root, err := configTree(cfg)
	if err != nil {
		return err
	}
	n, err := lookup(root, path)
	if err != nil {
		return err
	}
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("%s is a section, not a value", path)
	}
	n.Tag, n.Style, n.Value = "", 0, value

	updated := *cfg
	if err := root.Decode(&updated); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	*cfg = updated
	return nil
}

// ListPaths returns every leaf path with its value. Lists are leaves.
func ListPaths(cfg *Config) map[string]any {
	root, err := configTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, n *yaml.Node)
	walk = func(prefix string, n *yaml.Node) {
		if n.Kind != yaml.MappingNode {
			var v any
			if n.Decode(&v) == nil {
				out[prefix] = v
			}
			return
		}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			walk(key, n.Content[i+1])
		}
	}
	walk("", root)
	return out
}

// Sanitize returns a copy of cfg with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Fallbacks = slices.Clone(cfg.Fallbacks)
	secrets := []*string{
		&c.Backend.APIKey,
		&c.Channels.API.APIKey,
		&c.Channels.API.Secret,
		&c.Channels.Telegram.Token,
		&c.Channels.Discord.Token,
		&c.Channels.Slack.BotToken,
		&c.Channels.Slack.AppToken,
	}
	for i := range c.Fallbacks {
		secrets = append(secrets, &c.Fallbacks[i].APIKey)
	}
	for _, s := range secrets {
		*s = mask(*s)
	}
	return &c
}

// mask keeps four characters at each end of long secrets.
func mask(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
