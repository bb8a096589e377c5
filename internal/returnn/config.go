// Package returnn builds, serializes and hashes training configurations
// for the RETURNN toolkit, and runs training as a blocking child process.
//
// A configuration has two layers: the regular layer feeds the job identity
// used for caching, the post layer only affects runtime behavior and is
// excluded from hashing. Code fragments are always explicit source text;
// there is no extraction from live functions.
package returnn

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/papar22/i6-core/internal/hash"
)

// CodeWrapper marks a config value whose rendering is raw code text
// instead of a quoted literal.
type CodeWrapper struct {
	Code string
}

func (w CodeWrapper) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Code)
}

// Code is a prolog or epilog fragment. The variant set is closed: literal
// text, an ordered sequence, or named blocks.
type Code interface {
	render(sb *strings.Builder) error
}

// CodeText is literal source text, emitted verbatim.
type CodeText string

func (c CodeText) render(sb *strings.Builder) error {
	sb.WriteString(string(c))
	return nil
}

// CodeSequence concatenates fragments in order, one per line.
type CodeSequence []Code

func (c CodeSequence) render(sb *strings.Builder) error {
	for i, item := range c {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if item == nil {
			return fmt.Errorf("nil code fragment at index %d", i)
		}
		if err := item.render(sb); err != nil {
			return err
		}
	}
	return nil
}

// NamedCode is one named block of a CodeMapping. The name identifies the
// block for hashing and diagnostics; only the code is emitted.
type NamedCode struct {
	Name string
	Code Code
}

// CodeMapping concatenates named blocks in listed order.
type CodeMapping []NamedCode

func (c CodeMapping) render(sb *strings.Builder) error {
	for i, item := range c {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if item.Code == nil {
			return fmt.Errorf("nil code fragment for block %q", item.Name)
		}
		if err := item.Code.render(sb); err != nil {
			return err
		}
	}
	return nil
}

func renderCode(c Code) (string, error) {
	if c == nil {
		return "", nil
	}
	var sb strings.Builder
	if err := c.render(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Config is a RETURNN configuration.
type Config struct {
	Config     map[string]any
	PostConfig map[string]any

	// Prolog and Epilog are emitted before and after the assignments.
	Prolog Code
	Epilog Code

	// PrologHash and EpilogHash override the respective rendered text in
	// the identity digest, so cosmetic code edits need not invalidate
	// cached runs.
	PrologHash string
	EpilogHash string
}

func NewConfig(config, postConfig map[string]any) *Config {
	if config == nil {
		config = map[string]any{}
	}
	if postConfig == nil {
		postConfig = map[string]any{}
	}
	return &Config{Config: config, PostConfig: postConfig}
}

// Get prefers the post layer, like the runtime will after the post
// entries overrode the regular ones.
func (c *Config) Get(key string, fallback any) any {
	if v, ok := c.PostConfig[key]; ok {
		return v
	}
	if v, ok := c.Config[key]; ok {
		return v
	}
	return fallback
}

// GetBool is Get for the boolean flags RETURNN configs carry.
func (c *Config) GetBool(key string, fallback bool) bool {
	v, ok := c.Get(key, fallback).(bool)
	if !ok {
		return fallback
	}
	return v
}

// Write serializes the config to path as one whole file.
func (c *Config) Write(path string) error {
	text, err := c.Serialize()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// Identity digests the regular layer plus the prolog/epilog identities.
// The post layer never contributes.
func (c *Config) Identity() (string, error) {
	h, err := c.identityInputs()
	if err != nil {
		return "", err
	}
	return hash.Digest(h)
}

func (c *Config) identityInputs() (map[string]any, error) {
	epilogHash := c.EpilogHash
	if epilogHash == "" {
		rendered, err := renderCode(c.Epilog)
		if err != nil {
			return nil, err
		}
		epilogHash = rendered
	}
	h := map[string]any{
		"returnn_config":    c.Config,
		"extra_python_hash": epilogHash,
	}
	prologHash := c.PrologHash
	if prologHash == "" {
		rendered, err := renderCode(c.Prolog)
		if err != nil {
			return nil, err
		}
		prologHash = rendered
	}
	if prologHash != "" {
		h["python_prolog_hash"] = prologHash
	}
	return h, nil
}

// clone deep-copies the value trees so defaults injection never mutates
// the caller's maps.
func (c *Config) clone() *Config {
	return &Config{
		Config:     cloneMap(c.Config),
		PostConfig: cloneMap(c.PostConfig),
		Prolog:     c.Prolog,
		Epilog:     c.Epilog,
		PrologHash: c.PrologHash,
		EpilogHash: c.EpilogHash,
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneMap(vv)
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
