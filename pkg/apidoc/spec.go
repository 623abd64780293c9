// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package apidoc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// Format is the serialization of a specification document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrEmptySpec is returned for empty specification bodies.
var ErrEmptySpec = errors.New("empty specification body")

// DetectFormat treats bodies starting with '{' as JSON and everything else as YAML.
func DetectFormat(body []byte) Format {
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// ContentType returns the media type served for the given format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/yaml"
}

// ParseSpec decodes a JSON or YAML specification into a generic document.
func ParseSpec(body []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptySpec
	}
	doc := map[string]any{}
	switch DetectFormat(body) {
	case FormatJSON:
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON specification: %w", err)
		}
	default:
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML specification: %w", err)
		}
	}
	return doc, nil
}

// ValidateSpec checks that the body is a mapping that declares an OpenAPI or
// Swagger version. It does not validate the document against the schema.
func ValidateSpec(body []byte) error {
	doc, err := ParseSpec(body)
	if err != nil {
		return err
	}
	if _, ok := doc["openapi"]; ok {
		return nil
	}
	if _, ok := doc["swagger"]; ok {
		return nil
	}
	return errors.New("document declares neither an openapi nor a swagger version")
}

// ToJSON converts a JSON or YAML specification to JSON. YAML mappings with
// non-string keys, such as unquoted response codes, get string keys.
func ToJSON(body []byte) ([]byte, error) {
	if DetectFormat(body) == FormatJSON {
		if !json.Valid(body) {
			return nil, errors.New("invalid JSON specification")
		}
		return body, nil
	}
	if _, err := ParseSpec(body); err != nil {
		return nil, err
	}
	out, err := sigsyaml.YAMLToJSON(body)
	if err != nil {
		return nil, fmt.Errorf("converting specification to JSON: %w", err)
	}
	return out, nil
}

// Placeholder returns a minimal OpenAPI document for APIs whose specification
// has never been fetched successfully.
func Placeholder(name string) []byte {
	doc := map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":       name,
			"version":     "1.0.0",
			"description": "API documentation not available",
		},
		"paths": map[string]any{},
	}
	out, _ := json.Marshal(doc)
	return out
}
