// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package filterconfig holds the configuration of the body routing filters.
//
// The configuration is the filter config string Envoy passes when it
// instantiates the filter. It can be written in JSON or YAML:
//
//	header_name: x-route-to
//	default_header_value: echo1
//	routing_field: method
//	routing_map:
//	  echo2: echo2
//	max_body_bytes: 1048576
package filterconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/body-router/internal/headermutator"
)

const (
	DefaultMaxBodyBytes       = 1 << 20
	DefaultHeaderName         = "x-route-to"
	DefaultHeaderValue        = "echo1"
	DefaultRoutingField       = "method"
	DefaultPreviewBytes       = 200
	DefaultLogPrefix          = "BODY_TO_HEADER"
	DefaultRoutingMapFilePoll = 5 * time.Second
)

// Config is the configuration of one filter instance. It is not modified after Parse.
type Config struct {
	// Debug enables per-chunk stage lines in the routing variant.
	Debug bool `json:"debug,omitempty"`
	// MaxBodyBytes is the number of request body bytes kept for extraction.
	MaxBodyBytes int `json:"max_body_bytes"`
	// HeaderName is the request header carrying the routing decision.
	HeaderName string `json:"header_name"`
	// DefaultHeaderValue is used when no route matches.
	DefaultHeaderValue string `json:"default_header_value"`
	// RoutingMap maps routing keys to header values.
	RoutingMap map[string]string `json:"routing_map"`
	// RoutingField is the gjson path of the routing key in the request body.
	RoutingField string `json:"routing_field"`
	// MatchMode is how routing keys are compared with the RoutingMap keys.
	MatchMode headermutator.MatchMode `json:"match_mode"`
	// EarlyDecisionBytes enables deciding on a body prefix of at least this many bytes. Zero disables it.
	EarlyDecisionBytes int `json:"early_decision_bytes,omitempty"`
	// SkipNonJSON decides at request headers when the content-type is present and not JSON.
	SkipNonJSON bool `json:"skip_non_json,omitempty"`
	// PreviewBytes bounds the previews in stage lines.
	PreviewBytes int `json:"preview_bytes"`
	// LogPrefix is the prefix of every stage line.
	LogPrefix string `json:"log_prefix"`
	// DecodeResponsePreview decompresses gzip and br response bodies before previewing them.
	DecodeResponsePreview bool `json:"decode_response_preview,omitempty"`
	// RoutingMapFile optionally names a file holding the routing map. When set, its
	// content replaces RoutingMap and the file is reloaded when it changes.
	RoutingMapFile string `json:"routing_map_file,omitempty"`
	// RoutingMapFilePoll is how often RoutingMapFile is checked for changes.
	RoutingMapFilePoll metav1.Duration `json:"routing_map_file_poll"`
}

// Default returns the default configuration. Its routing map sends "echo2"
// to echo2 by exact match, so a key like "echo2_v2" gets the default value.
// Setting match_mode to contains routes every key containing "echo2" instead.
func Default() *Config {
	return &Config{
		MaxBodyBytes:       DefaultMaxBodyBytes,
		HeaderName:         DefaultHeaderName,
		DefaultHeaderValue: DefaultHeaderValue,
		RoutingMap:         map[string]string{"echo2": "echo2"},
		RoutingField:       DefaultRoutingField,
		MatchMode:          headermutator.MatchExact,
		PreviewBytes:       DefaultPreviewBytes,
		LogPrefix:          DefaultLogPrefix,
		RoutingMapFilePoll: metav1.Duration{Duration: DefaultRoutingMapFilePoll},
	}
}

// Parse parses and validates a JSON or YAML configuration. Fields that are not
// set keep their default. An empty input returns the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	// A routing map given in the config replaces the default one instead of being merged into it.
	cfg.RoutingMap = nil
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse filter config: %w", err)
	}
	if cfg.RoutingMap == nil {
		cfg.RoutingMap = Default().RoutingMap
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses the configuration file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter config: %w", err)
	}
	return Parse(data)
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must not be negative, got %d", c.MaxBodyBytes))
	}
	if c.EarlyDecisionBytes < 0 {
		errs = append(errs, fmt.Errorf("early_decision_bytes must not be negative, got %d", c.EarlyDecisionBytes))
	} else if c.EarlyDecisionBytes > c.MaxBodyBytes {
		errs = append(errs, fmt.Errorf("early_decision_bytes (%d) must not exceed max_body_bytes (%d)", c.EarlyDecisionBytes, c.MaxBodyBytes))
	}
	if c.PreviewBytes < 0 {
		errs = append(errs, fmt.Errorf("preview_bytes must not be negative, got %d", c.PreviewBytes))
	}
	if err := validateHeaderName(c.HeaderName); err != nil {
		errs = append(errs, err)
	}
	if !c.MatchMode.Valid() {
		errs = append(errs, fmt.Errorf("match_mode must be %q or %q, got %q", headermutator.MatchExact, headermutator.MatchContains, c.MatchMode))
	}
	if strings.TrimSpace(c.RoutingField) == "" {
		errs = append(errs, errors.New("routing_field must not be empty"))
	}
	if c.RoutingMapFile != "" && c.RoutingMapFilePoll.Duration <= 0 {
		errs = append(errs, fmt.Errorf("routing_map_file_poll must be positive, got %s", c.RoutingMapFilePoll.Duration))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid filter config: %w", errors.Join(errs...))
	}
	return nil
}

func validateHeaderName(name string) error {
	switch {
	case name == "":
		return errors.New("header_name must not be empty")
	case strings.HasPrefix(name, ":"):
		return fmt.Errorf("header_name must not be a pseudo-header, got %q", name)
	case name != strings.ToLower(name):
		return fmt.Errorf("header_name must be lower case, got %q", name)
	case !httpguts.ValidHeaderFieldName(name):
		return fmt.Errorf("header_name is not a valid header name, got %q", name)
	}
	return nil
}

// Policy returns the routing policy for routes, or for RoutingMap when routes is nil.
func (c *Config) Policy(routes map[string]string) *headermutator.Policy {
	if routes == nil {
		routes = c.RoutingMap
	}
	return &headermutator.Policy{
		HeaderName:   c.HeaderName,
		DefaultValue: c.DefaultHeaderValue,
		Table:        headermutator.NewTable(routes, c.MatchMode),
	}
}

// LoadRoutingMap reads a routing map file: a JSON or YAML object of string to string.
func LoadRoutingMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	routes := map[string]string{}
	if err := yaml.UnmarshalStrict(data, &routes); err != nil {
		return nil, fmt.Errorf("failed to parse routing map %s: %w", path, err)
	}
	return routes, nil
}
