// Package mapper turns raw upstream records into validated entity values.
//
// A record passes three gates in order: the JSON Schema for its entity
// type, decoding with timestamp coercion and connection flattening, and the
// struct constraints declared on the entity types. The first failure is
// reported as a *ValidationError; nothing is partially returned.
package mapper

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"

	"github.com/agentworkforce/producthuntdb/internal/entity"
)

//go:embed schema/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://schemas.producthuntdb.dev/"

var ErrInvalidRecord = errors.New("invalid record")

type ValidationError struct {
	Type   entity.Type
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	id := e.ID
	if id == "" {
		id = "<unknown>"
	}
	if e.Field == "" {
		return fmt.Sprintf("invalid %s %s: %s", e.Type, id, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s %s", e.Type, id, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

type Mapper struct {
	schemas  map[entity.Type]*jsonschema.Schema
	validate *validator.Validate
}

func New() (*Mapper, error) {
	compiler := jsonschema.NewCompiler()
	types := []entity.Type{
		entity.TypePost, entity.TypeUser, entity.TypeTopic,
		entity.TypeCollection, entity.TypeComment, entity.TypeVote,
	}
	for _, t := range types {
		data, err := schemaFS.ReadFile("schema/" + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", t, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", t, err)
		}
		if err := compiler.AddResource(schemaBaseURL+string(t)+".json", doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", t, err)
		}
	}
	schemas := make(map[entity.Type]*jsonschema.Schema, len(types))
	for _, t := range types {
		sch, err := compiler.Compile(schemaBaseURL + string(t) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", t, err)
		}
		schemas[t] = sch
	}
	return &Mapper{
		schemas:  schemas,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Normalize validates raw and converts it into the entity value for t.
func (m *Mapper) Normalize(raw json.RawMessage, t entity.Type) (entity.Record, error) {
	sch, ok := m.schemas[t]
	if !ok {
		return nil, &ValidationError{Type: t, Reason: "unsupported entity type"}
	}
	id := peekID(raw)
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &ValidationError{Type: t, ID: id, Reason: "is not valid JSON: " + err.Error()}
	}
	if err := sch.Validate(inst); err != nil {
		var schemaErr *jsonschema.ValidationError
		if !errors.As(err, &schemaErr) {
			return nil, &ValidationError{Type: t, ID: id, Reason: err.Error()}
		}
		field, reason := describeSchemaError(schemaErr)
		return nil, &ValidationError{Type: t, ID: id, Field: field, Reason: reason}
	}

	rec, err := decode(raw, t)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			verr.Type, verr.ID = t, id
			return nil, verr
		}
		return nil, &ValidationError{Type: t, ID: id, Reason: err.Error()}
	}

	if err := m.validate.Struct(rec); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &ValidationError{Type: t, ID: id, Field: structField(fe.Namespace()), Reason: constraintReason(fe)}
		}
		return nil, &ValidationError{Type: t, ID: id, Reason: err.Error()}
	}
	return rec, nil
}

func peekID(raw json.RawMessage) string {
	var head struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	if s, ok := head.ID.(string); ok {
		return s
	}
	return ""
}

// describeSchemaError reports the deepest failing location, which is the
// most specific cause when a keyword like anyOf fans out.
func describeSchemaError(err *jsonschema.ValidationError) (string, string) {
	leaf := deepestCause(err)
	location := append([]string(nil), leaf.InstanceLocation...)
	switch k := leaf.ErrorKind.(type) {
	case *kind.Required:
		if len(k.Missing) > 0 {
			location = append(location, k.Missing[0])
		}
		return strings.Join(location, "."), "is required"
	case *kind.Type:
		return strings.Join(location, "."), fmt.Sprintf("must be %s, got %s", strings.Join(k.Want, " or "), k.Got)
	case *kind.Minimum:
		return strings.Join(location, "."), "must be >= " + k.Want.RatString()
	case *kind.Maximum:
		return strings.Join(location, "."), "must be <= " + k.Want.RatString()
	case *kind.MinLength:
		return strings.Join(location, "."), "must not be empty"
	default:
		return strings.Join(location, "."), "violates " + strings.Join(leaf.ErrorKind.KeywordPath(), "/")
	}
}

func deepestCause(err *jsonschema.ValidationError) *jsonschema.ValidationError {
	best := err
	for _, cause := range err.Causes {
		candidate := deepestCause(cause)
		if len(candidate.InstanceLocation) > len(best.InstanceLocation) || best == err {
			best = candidate
		}
	}
	return best
}

// structField converts "Post.Makers[0].ID" to "makers[0].id".
func structField(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, part := range parts {
		if part != "" {
			parts[i] = strings.ToLower(part[:1]) + part[1:]
		}
	}
	return strings.Join(parts, ".")
}

func constraintReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "required_without":
		return "is required when " + strings.ToLower(fe.Param()[:1]) + fe.Param()[1:] + " is absent"
	case "excluded_with":
		return "must be empty when " + strings.ToLower(fe.Param()[:1]) + fe.Param()[1:] + " is set"
	default:
		return "fails " + fe.Tag()
	}
}
