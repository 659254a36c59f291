// Package schema validates entity property payloads against per-type JSON schemas.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const baseURL = "https://pagecollab.local/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

// Entity type names with dedicated schemas.
const (
	TypePage = "Page"
	TypeUser = "User"
	TypeOrg  = "Org"
)

var typeFiles = map[string]string{
	TypePage: "page.json",
	TypeUser: "user.json",
	TypeOrg:  "org.json",
}

// Validator holds compiled schemas. It is safe for concurrent use.
type Validator struct {
	byType  map[string]*jsonschema.Schema
	generic *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	for _, entry := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(baseURL+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}

	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(typeFiles))}
	for entityType, file := range typeFiles {
		compiled, err := compiler.Compile(baseURL + file)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", file, err)
		}
		v.byType[entityType] = compiled
	}
	v.generic, err = compiler.Compile(baseURL + "object.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema object.json: %w", err)
	}
	return v, nil
}

// MustNewValidator panics when the embedded schemas fail to compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks properties against the schema registered for entityType.
// Types without a dedicated schema only need to be a JSON object.
func (v *Validator) Validate(entityType string, properties []byte) error {
	if len(bytes.TrimSpace(properties)) == 0 {
		return errors.New("properties are required")
	}
	var decoded any
	if err := json.Unmarshal(properties, &decoded); err != nil {
		return fmt.Errorf("properties are not valid JSON: %w", err)
	}

	compiled, ok := v.byType[entityType]
	if !ok {
		compiled = v.generic
	}
	if err := compiled.Validate(decoded); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return errors.New(leafMessage(verr))
		}
		return err
	}

	if entityType == TypeOrg {
		return checkOrgSize(decoded)
	}
	return nil
}

// leafMessage picks the deepest cause, which names the offending field.
func leafMessage(verr *jsonschema.ValidationError) string {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	location := verr.InstanceLocation
	if location == "" {
		location = "/"
	}
	return location + ": " + verr.Message
}

func checkOrgSize(decoded any) error {
	root, _ := decoded.(map[string]any)
	info, _ := root["infoProvidedAtCreation"].(map[string]any)
	size, _ := info["orgSize"].(map[string]any)
	lower, hasLower := size["lowerBound"].(float64)
	upper, hasUpper := size["upperBound"].(float64)
	if hasLower && hasUpper && upper < lower {
		return errors.New("/infoProvidedAtCreation/orgSize: upperBound is below lowerBound")
	}
	return nil
}
