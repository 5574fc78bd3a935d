package pyver

import (
	"strings"
)

// Requirement names a package together with the constraint its versions
// must satisfy. Extras and markers are carried verbatim for the installer;
// resolution treats them as opaque.
type Requirement struct {
	// Name is the package name, stored lowercase.
	Name string `json:"name"`

	// Constraint restricts which versions satisfy the requirement.
	Constraint Constraint `json:"constraint"`

	// Extras are optional feature names requested for the package.
	Extras []string `json:"extras,omitempty"`

	// Markers is the raw environment-marker expression, if any.
	Markers string `json:"markers,omitempty"`
}

// NewRequirement builds a requirement for the given package and constraint.
func NewRequirement(name string, constraint Constraint) Requirement {
	return Requirement{Name: NormalizeName(name), Constraint: constraint}
}

// ParseRequirement parses a requirement string such as
// "flask[async]>=2.0,<3.0; python_version >= '3.8'".
func ParseRequirement(s string) (Requirement, error) {
	var req Requirement

	// Environment markers follow the first ";".
	if i := strings.IndexByte(s, ';'); i >= 0 {
		req.Markers = strings.TrimSpace(s[i+1:])
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return Requirement{}, &ParseError{Input: s, Reason: "empty requirement"}
	}

	// The name ends at the first operator character or extras bracket.
	nameEnd := len(s)
	for i, r := range s {
		if r == '[' || r == '=' || r == '<' || r == '>' || r == '!' || r == '*' {
			nameEnd = i
			break
		}
	}
	req.Name = NormalizeName(strings.TrimSpace(s[:nameEnd]))
	if req.Name == "" {
		return Requirement{}, &ParseError{Input: s, Reason: "requirement has no package name"}
	}
	rest := s[nameEnd:]

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return Requirement{}, &ParseError{Input: s, Reason: "unterminated extras bracket"}
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			extra = strings.TrimSpace(extra)
			if extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
		rest = rest[end+1:]
	}

	constraint, err := ParseConstraint(strings.TrimSpace(rest))
	if err != nil {
		return Requirement{}, err
	}
	req.Constraint = constraint
	return req, nil
}

// String formats the requirement canonically:
// name[extras]constraint; markers. The any-version constraint is omitted.
func (r Requirement) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	if len(r.Extras) > 0 {
		sb.WriteByte('[')
		sb.WriteString(strings.Join(r.Extras, ","))
		sb.WriteByte(']')
	}
	if !r.Constraint.IsAny() {
		sb.WriteString(r.Constraint.String())
	}
	if r.Markers != "" {
		sb.WriteString("; ")
		sb.WriteString(r.Markers)
	}
	return sb.String()
}

// Matches reports whether the version satisfies the requirement's
// constraint.
func (r Requirement) Matches(v Version) bool {
	return r.Constraint.Matches(v)
}

// NormalizeName lowercases a package name and collapses the separator
// characters pip treats as equivalent.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}
