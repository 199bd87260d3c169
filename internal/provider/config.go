package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/edgerun/edgerund/internal/domain"
)

var unsubstitutedVar = regexp.MustCompile(`\$\{[^}]*\}`)

type stdioConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

type httpConfig struct {
	Endpoint string `json:"endpoint"`
}

var stdioSchema = mustCompile(`{
	"type": "object",
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"env": {"type": "array", "items": {"type": "string"}},
		"dir": {"type": "string"}
	},
	"required": ["command"]
}`)

var httpSchema = mustCompile(`{
	"type": "object",
	"properties": {
		"endpoint": {"type": "string", "minLength": 1}
	},
	"required": ["endpoint"]
}`)

func mustCompile(schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		panic(err)
	}
	s, err := c.Compile("schema.json")
	if err != nil {
		panic(err)
	}
	return s
}

// validateConfig flags unsubstituted "${...}" template variables and
// validates the config's shape against the transport kind's schema,
// returning a structured error listing field paths on failure
// (SPEC_FULL.md §4.2's start() contract).
func validateConfig(transport domain.TransportKind, config json.RawMessage) error {
	if paths := findUnsubstituted(config); len(paths) > 0 {
		return fmt.Errorf("unsubstituted template variables at: %s", strings.Join(paths, ", "))
	}

	var doc any
	if err := json.Unmarshal(config, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	schema := httpSchema
	if transport == domain.TransportStdio {
		schema = stdioSchema
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}

// findUnsubstituted walks the decoded JSON value looking for "${...}"
// placeholders, returning the dotted field path of every match found, sorted
// for deterministic error messages.
func findUnsubstituted(raw json.RawMessage) []string {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var paths []string
	walkUnsubstituted("", doc, &paths)
	sort.Strings(paths)
	return paths
}

func walkUnsubstituted(path string, v any, out *[]string) {
	switch val := v.(type) {
	case string:
		if unsubstitutedVar.MatchString(val) {
			*out = append(*out, path)
		}
	case map[string]any:
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			walkUnsubstituted(childPath, child, out)
		}
	case []any:
		for i, child := range val {
			walkUnsubstituted(fmt.Sprintf("%s[%d]", path, i), child, out)
		}
	}
}

func parseStdioConfig(raw json.RawMessage) (stdioConfig, error) {
	var cfg stdioConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return stdioConfig{}, err
	}
	return cfg, nil
}

func parseHTTPConfig(raw json.RawMessage) (httpConfig, error) {
	var cfg httpConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return httpConfig{}, err
	}
	return cfg, nil
}
