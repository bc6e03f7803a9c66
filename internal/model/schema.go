package model

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.notesync.dev/"

// ValidationError is returned for payloads that do not match the schema of
// their (entity type, kind) pair. It is terminal: the same content will never
// be accepted.
type ValidationError struct {
	EntityType EntityType
	Kind       Kind
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.EntityType == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid %s %s payload: %s", e.EntityType, e.Kind, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidPayload
}

type schemaKey struct {
	entityType EntityType
	kind       Kind
}

type Validator struct {
	schemas map[schemaKey]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	files := map[string]struct{}{}
	for _, t := range EntityTypes {
		files[schemaFile(t, KindCreate)] = struct{}{}
		files[schemaFile(t, KindUpdate)] = struct{}{}
	}
	files[schemaFile("", KindDelete)] = struct{}{}
	for name := range files {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: map[schemaKey]*jsonschema.Schema{}}
	for _, t := range EntityTypes {
		for _, k := range []Kind{KindCreate, KindUpdate, KindDelete} {
			sch, err := compiler.Compile(schemaBaseURL + schemaFile(t, k))
			if err != nil {
				return nil, fmt.Errorf("compile schema %s/%s: %w", t, k, err)
			}
			v.schemas[schemaKey{entityType: t, kind: k}] = sch
		}
	}
	return v, nil
}

var (
	defaultValidatorOnce sync.Once
	defaultValidator     *Validator
	defaultValidatorErr  error
)

// DefaultValidator returns a process-wide validator compiled from the embedded schemas.
func DefaultValidator() (*Validator, error) {
	defaultValidatorOnce.Do(func() {
		defaultValidator, defaultValidatorErr = NewValidator()
	})
	return defaultValidator, defaultValidatorErr
}

// Validate checks a raw JSON payload against the schema for (t, k).
func (v *Validator) Validate(t EntityType, k Kind, payload []byte) error {
	if !t.Valid() {
		return &ValidationError{EntityType: t, Kind: k, Reason: "unknown entity type"}
	}
	sch, ok := v.schemas[schemaKey{entityType: t, kind: k}]
	if !ok {
		return &ValidationError{EntityType: t, Kind: k, Reason: "unknown operation kind"}
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ValidationError{EntityType: t, Kind: k, Reason: "payload is not valid json"}
	}
	if err := sch.Validate(inst); err != nil {
		return &ValidationError{EntityType: t, Kind: k, Reason: validationReason(err)}
	}
	return nil
}

// ValidateFields is Validate for an already decoded field map.
func (v *Validator) ValidateFields(t EntityType, k Kind, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return &ValidationError{EntityType: t, Kind: k, Reason: err.Error()}
	}
	return v.Validate(t, k, data)
}

func schemaFile(t EntityType, k Kind) string {
	if k == KindDelete {
		return "delete.json"
	}
	return fmt.Sprintf("%s-%s.json", t, k)
}

func validationReason(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		lines := strings.Split(strings.TrimSpace(verr.Error()), "\n")
		parts := make([]string, 0, len(lines))
		for _, line := range lines {
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
			if line == "" || strings.HasPrefix(line, "jsonschema validation failed") {
				continue
			}
			parts = append(parts, line)
		}
		if len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
	}
	return err.Error()
}
