package validation

import "strings"

// ValidationError describes one rejected request field. Field is the JSON
// path ("image.uri", "ports[1]", "metadata[a=b]") or a query parameter name.
// Rule names the validator tag that failed and is empty for checks made
// outside the validator, such as query parsing.
type ValidationError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// ValidationErrors collects every rejected field of one request. It is
// returned as a whole so clients see all problems at once.
type ValidationErrors []*ValidationError

// Error joins the field messages, e.g. "timeout is required; ports[1] must be at most 65535".
func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

// Add records a failed check on field.
func (e *ValidationErrors) Add(field, value, message string) {
	*e = append(*e, &ValidationError{Field: field, Value: value, Message: message})
}

// addRule records a failed validator tag.
func (e *ValidationErrors) addRule(field, rule, value, message string) {
	*e = append(*e, &ValidationError{Field: field, Rule: rule, Value: value, Message: message})
}

// HasErrors reports whether any field was rejected.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}
