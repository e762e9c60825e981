package task

import "fmt"

// ParamKind is the expected kind of a handler parameter value.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindAny    ParamKind = "any"
)

// Shape declares a handler's parameter names, kinds, and which are required.
type Shape struct {
	Params   map[string]ParamKind
	Required []string
}

// Validate checks a payload against the shape. It returns a *ValidationError
// naming the first offending field, or nil if the payload conforms. Unknown
// payload keys are rejected; the core never forwards parameters a handler
// did not declare.
func (s Shape) Validate(payload map[string]any) error {
	for _, name := range s.Required {
		if _, ok := payload[name]; !ok {
			return &ValidationError{Field: name, Reason: "required parameter missing"}
		}
	}

	for name, value := range payload {
		kind, ok := s.Params[name]
		if !ok {
			return &ValidationError{Field: name, Reason: "parameter not declared by handler"}
		}
		if !kindMatches(kind, value) {
			return &ValidationError{
				Field:  name,
				Reason: fmt.Sprintf("expected %s, got %T", kind, value),
			}
		}
	}

	return nil
}

func kindMatches(kind ParamKind, value any) bool {
	switch kind {
	case KindAny:
		return true
	case KindString:
		_, ok := value.(string)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
			return true
		}
		return false
	}
	return false
}
