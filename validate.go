package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// IssueKind classifies one argument validation failure.
type IssueKind string

const (
	IssueMissingRequired IssueKind = "missing_required"
	IssueTypeMismatch    IssueKind = "type_mismatch"
	IssueEnumMismatch    IssueKind = "enum_mismatch"
	IssueConstraint      IssueKind = "constraint"
)

// SchemaIssue is one validation failure with a preformatted, model-facing
// message. Field is the dotted instance path ("" for the argument root).
type SchemaIssue struct {
	Kind    IssueKind `json:"kind"`
	Field   string    `json:"field"`
	Want    string    `json:"want,omitempty"`
	Got     string    `json:"got,omitempty"`
	Message string    `json:"message"`
}

// ValidationError reports that tool arguments failed schema validation.
// Validation failures are terminal for the call (never retried); the
// formatted message goes back to the model as the tool result so it can
// correct itself.
type ValidationError struct {
	Tool   string
	Issues []SchemaIssue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.ResultMessage())
}

// ResultMessage renders the issues as the text the model receives.
func (e *ValidationError) ResultMessage() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.Message
	}
	return strings.Join(parts, "; ")
}

// compiledSchema wraps the compiled form so tool.go stays free of the
// jsonschema import.
type compiledSchema struct {
	schema *jsonschema.Schema
}

var issuePrinter = message.NewPrinter(language.English)

// schema compiles the descriptor's Parameters once and caches the result.
func (t *ToolDescriptor) schema() (*compiledSchema, error) {
	t.compileOnce.Do(func() {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
		if err != nil {
			t.compileErr = wrapError(KindConfig, fmt.Sprintf("tool %q: parameters are not valid JSON", t.Name), err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			t.compileErr = wrapError(KindConfig, fmt.Sprintf("tool %q: invalid parameter schema", t.Name), err)
			return
		}
		sch, err := c.Compile("schema.json")
		if err != nil {
			t.compileErr = wrapError(KindConfig, fmt.Sprintf("tool %q: invalid parameter schema", t.Name), err)
			return
		}
		t.compiled = &compiledSchema{schema: sch}
	})
	return t.compiled, t.compileErr
}

// Validate checks raw argument JSON against the descriptor's parameter
// schema. It returns nil, a *ValidationError with typed issues, or a
// config error when the schema itself cannot be compiled. Validation is
// pure and deterministic; unknown argument fields pass.
func (t *ToolDescriptor) Validate(args json.RawMessage) error {
	cs, err := t.schema()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &ValidationError{Tool: t.Name, Issues: []SchemaIssue{{
			Kind:    IssueTypeMismatch,
			Want:    "object",
			Got:     "malformed JSON",
			Message: "Type mismatch: arguments: expected object, got malformed JSON",
		}}}
	}
	if verr := cs.schema.Validate(inst); verr != nil {
		var ve *jsonschema.ValidationError
		if errors.As(verr, &ve) {
			return mapValidationError(t.Name, ve, inst)
		}
		return wrapError(KindValidation, verr.Error(), verr)
	}
	return nil
}

// mapValidationError flattens the library's cause tree into typed issues.
func mapValidationError(tool string, ve *jsonschema.ValidationError, inst any) *ValidationError {
	var leaves []*jsonschema.ValidationError
	collectLeaves(ve, &leaves)
	out := &ValidationError{Tool: tool}
	for _, leaf := range leaves {
		path := strings.Join(leaf.InstanceLocation, ".")
		switch k := leaf.ErrorKind.(type) {
		case *kind.Required:
			for _, missing := range k.Missing {
				field := joinFieldPath(path, missing)
				out.Issues = append(out.Issues, SchemaIssue{
					Kind:    IssueMissingRequired,
					Field:   field,
					Message: "Missing required: " + field,
				})
			}
		case *kind.Type:
			got := instanceTypeName(inst, leaf.InstanceLocation)
			want := strings.Join(k.Want, " or ")
			out.Issues = append(out.Issues, SchemaIssue{
				Kind:    IssueTypeMismatch,
				Field:   path,
				Want:    want,
				Got:     got,
				Message: fmt.Sprintf("Type mismatch: %s: expected %s, got %s", fieldLabel(path), want, got),
			})
		case *kind.Enum:
			got := formatJSONValue(k.Got)
			want := formatJSONList(k.Want)
			out.Issues = append(out.Issues, SchemaIssue{
				Kind:    IssueEnumMismatch,
				Field:   path,
				Want:    want,
				Got:     got,
				Message: fmt.Sprintf("Enum mismatch: %s: expected one of %s, got %s", fieldLabel(path), want, got),
			})
		default:
			detail := leaf.ErrorKind.LocalizedString(issuePrinter)
			out.Issues = append(out.Issues, SchemaIssue{
				Kind:    IssueConstraint,
				Field:   path,
				Message: fmt.Sprintf("Invalid argument: %s: %s", fieldLabel(path), detail),
			})
		}
	}
	if len(out.Issues) == 0 {
		out.Issues = append(out.Issues, SchemaIssue{
			Kind:    IssueConstraint,
			Message: "Invalid argument: " + ve.Error(),
		})
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]*jsonschema.ValidationError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, ve)
		return
	}
	for _, cause := range ve.Causes {
		collectLeaves(cause, out)
	}
}

func joinFieldPath(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}

func fieldLabel(path string) string {
	if path == "" {
		return "arguments"
	}
	return path
}

// instanceTypeName resolves the value at the given instance path and names
// its JSON type, distinguishing integers from other numbers.
func instanceTypeName(inst any, location []string) string {
	v := inst
	for _, seg := range location {
		switch t := v.(type) {
		case map[string]any:
			v = t[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return "unknown"
			}
			v = t[idx]
		default:
			return "unknown"
		}
	}
	return jsonTypeName(v)
}

func jsonTypeName(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case json.Number:
		if _, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return "integer"
		}
		return "number"
	case float64:
		if t == float64(int64(t)) {
			return "integer"
		}
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func formatJSONValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func formatJSONList(vs []any) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatJSONValue(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
