package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func mustValidationError(t *testing.T, err error) *ValidationError {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	return ve
}

func TestValidateAcceptsValidArgs(t *testing.T) {
	desc := &ToolDescriptor{Name: "search", Parameters: searchParams}
	if err := desc.Validate(json.RawMessage(`{"query":"go concurrency"}`)); err != nil {
		t.Errorf("Validate = %v, want nil", err)
	}
	// Unknown fields pass; the schema constrains only what it names.
	if err := desc.Validate(json.RawMessage(`{"query":"go","verbose":true}`)); err != nil {
		t.Errorf("Validate with extra field = %v, want nil", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	desc := &ToolDescriptor{Name: "search", Parameters: searchParams}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{}`)))
	if len(ve.Issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(ve.Issues))
	}
	issue := ve.Issues[0]
	if issue.Kind != IssueMissingRequired || issue.Field != "query" {
		t.Errorf("issue = (%s, %q), want (missing_required, query)", issue.Kind, issue.Field)
	}
	if issue.Message != "Missing required: query" {
		t.Errorf("message = %q, want %q", issue.Message, "Missing required: query")
	}
	if got, want := ve.Error(), "invalid arguments for search: Missing required: query"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	desc := &ToolDescriptor{Name: "search", Parameters: searchParams}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"query":42}`)))
	issue := ve.Issues[0]
	if issue.Kind != IssueTypeMismatch {
		t.Errorf("kind = %s, want %s", issue.Kind, IssueTypeMismatch)
	}
	if issue.Want != "string" || issue.Got != "integer" {
		t.Errorf("issue wants %q got %q, want (string, integer)", issue.Want, issue.Got)
	}
	if issue.Message != "Type mismatch: query: expected string, got integer" {
		t.Errorf("message = %q", issue.Message)
	}
}

func TestValidateDistinguishesIntegerFromNumber(t *testing.T) {
	desc := &ToolDescriptor{Name: "typed", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"type": "string"}}
	}`)}

	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"n":1.5}`)))
	if got := ve.Issues[0].Got; got != "number" {
		t.Errorf("1.5 reported as %q, want number", got)
	}
	ve = mustValidationError(t, desc.Validate(json.RawMessage(`{"n":7}`)))
	if got := ve.Issues[0].Got; got != "integer" {
		t.Errorf("7 reported as %q, want integer", got)
	}
}

func TestValidateEnumMismatch(t *testing.T) {
	desc := &ToolDescriptor{Name: "paint", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"color": {"enum": ["red", "green"]}}
	}`)}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"color":"blue"}`)))
	issue := ve.Issues[0]
	if issue.Kind != IssueEnumMismatch || issue.Field != "color" {
		t.Errorf("issue = (%s, %q), want (enum_mismatch, color)", issue.Kind, issue.Field)
	}
	want := `Enum mismatch: color: expected one of ["red", "green"], got "blue"`
	if issue.Message != want {
		t.Errorf("message = %q, want %q", issue.Message, want)
	}
}

func TestValidateMalformedArguments(t *testing.T) {
	desc := &ToolDescriptor{Name: "search", Parameters: searchParams}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"query":`)))
	issue := ve.Issues[0]
	if issue.Got != "malformed JSON" {
		t.Errorf("Got = %q, want %q", issue.Got, "malformed JSON")
	}
	if issue.Message != "Type mismatch: arguments: expected object, got malformed JSON" {
		t.Errorf("message = %q", issue.Message)
	}
}

func TestValidateEmptyArgsAsEmptyObject(t *testing.T) {
	open := &ToolDescriptor{Name: "open", Parameters: json.RawMessage(`{"type":"object"}`)}
	if err := open.Validate(nil); err != nil {
		t.Errorf("Validate(nil) = %v, want nil", err)
	}

	strict := &ToolDescriptor{Name: "strict", Parameters: searchParams}
	ve := mustValidationError(t, strict.Validate(nil))
	if ve.Issues[0].Message != "Missing required: query" {
		t.Errorf("message = %q, want the required check to run on {}", ve.Issues[0].Message)
	}
}

func TestValidateRootTypeMismatch(t *testing.T) {
	// No Parameters defaults to {"type":"object"}.
	desc := &ToolDescriptor{Name: "bare"}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`[1,2]`)))
	issue := ve.Issues[0]
	if issue.Field != "" || issue.Got != "array" {
		t.Errorf("issue = (%q, %q), want root-level array mismatch", issue.Field, issue.Got)
	}
	if issue.Message != "Type mismatch: arguments: expected object, got array" {
		t.Errorf("message = %q", issue.Message)
	}
}

func TestValidateNestedFieldPaths(t *testing.T) {
	desc := &ToolDescriptor{Name: "query", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"filter": {
				"type": "object",
				"properties": {"lang": {"type": "string"}},
				"required": ["lang"]
			}
		}
	}`)}

	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"filter":{}}`)))
	if got := ve.Issues[0].Message; got != "Missing required: filter.lang" {
		t.Errorf("message = %q, want dotted path", got)
	}

	ve = mustValidationError(t, desc.Validate(json.RawMessage(`{"filter":{"lang":3}}`)))
	if got := ve.Issues[0].Message; got != "Type mismatch: filter.lang: expected string, got integer" {
		t.Errorf("message = %q, want dotted path", got)
	}
}

func TestValidateConstraintIssue(t *testing.T) {
	desc := &ToolDescriptor{Name: "search", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string", "minLength": 5}}
	}`)}
	ve := mustValidationError(t, desc.Validate(json.RawMessage(`{"query":"ab"}`)))
	issue := ve.Issues[0]
	if issue.Kind != IssueConstraint {
		t.Errorf("kind = %s, want %s", issue.Kind, IssueConstraint)
	}
	if !strings.HasPrefix(issue.Message, "Invalid argument: query: ") {
		t.Errorf("message = %q, want the constraint label", issue.Message)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	desc := &ToolDescriptor{Name: "form", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"a": {"type": "string"}, "b": {"type": "number"}},
		"required": ["a", "b"]
	}`)}
	args := json.RawMessage(`{"a":5}`)

	var renders []string
	for i := 0; i < 3; i++ {
		ve := mustValidationError(t, desc.Validate(args))
		renders = append(renders, ve.ResultMessage())
	}
	if renders[0] != renders[1] || renders[1] != renders[2] {
		t.Errorf("renders differ across runs: %q", renders)
	}
	if !strings.Contains(renders[0], "Missing required: b") {
		t.Errorf("render = %q, missing the required issue", renders[0])
	}
	if !strings.Contains(renders[0], "Type mismatch: a: expected string, got integer") {
		t.Errorf("render = %q, missing the type issue", renders[0])
	}
}

func TestValidateUncompilableSchema(t *testing.T) {
	desc := &ToolDescriptor{Name: "bad", Parameters: json.RawMessage(`{"type":`)}
	err := desc.Validate(json.RawMessage(`{}`))
	if KindOf(err) != KindConfig {
		t.Errorf("error kind = %q, want %q", KindOf(err), KindConfig)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		t.Error("schema compile failure should not be a ValidationError")
	}
}

func TestValidationErrorRendering(t *testing.T) {
	ve := &ValidationError{Tool: "db_lookup", Issues: []SchemaIssue{
		{Message: "Missing required: table"},
		{Message: "Type mismatch: limit: expected integer, got string"},
	}}
	want := "Missing required: table; Type mismatch: limit: expected integer, got string"
	if got := ve.ResultMessage(); got != want {
		t.Errorf("ResultMessage = %q, want %q", got, want)
	}
	if got := ve.Error(); got != "invalid arguments for db_lookup: "+want {
		t.Errorf("Error = %q", got)
	}
}
