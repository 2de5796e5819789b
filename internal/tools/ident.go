package tools

import "strings"

// Ident is the strong type for a fully qualified tool identifier, serialized
// textually as "namespace.name". Use this type instead of a bare string when
// referencing tools across package boundaries to avoid accidental mixing
// with free-form strings.
type Ident struct {
	Namespace string
	Name      string
}

// NewIdent builds an Ident from its parts.
func NewIdent(namespace, name string) Ident {
	return Ident{Namespace: namespace, Name: name}
}

// String renders the "namespace.name" textual form.
func (id Ident) String() string {
	return id.Namespace + "." + id.Name
}

// ParseIdent splits a "namespace.name" string. The namespace is everything
// before the last dot; callers must control namespace naming to avoid dots.
func ParseIdent(s string) (Ident, bool) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return Ident{}, false
	}
	return Ident{Namespace: s[:i], Name: s[i+1:]}, true
}
