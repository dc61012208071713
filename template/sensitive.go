package template

// RedactedPlaceholder replaces sensitive values in any serialization meant
// for events or logs.
const RedactedPlaceholder = "[REDACTED]"

// Sensitive wraps a value obtained under auth.*. It redacts itself from JSON
// and string formatting; executors call Reveal to obtain the real value.
//
// Keeping credentials behind this wrapper makes accidental leakage visible
// at the type level: nothing stringifies a Sensitive into an event payload
// without an explicit Reveal.
type Sensitive struct {
	value string
}

// NewSensitive wraps a credential value.
func NewSensitive(v string) Sensitive {
	return Sensitive{value: v}
}

// Reveal returns the wrapped value. Call sites are the audit surface.
func (s Sensitive) Reveal() string {
	return s.value
}

// String implements fmt.Stringer with a redaction marker.
func (s Sensitive) String() string {
	return RedactedPlaceholder
}

// MarshalJSON redacts the value.
func (s Sensitive) MarshalJSON() ([]byte, error) {
	return []byte(`"` + RedactedPlaceholder + `"`), nil
}
