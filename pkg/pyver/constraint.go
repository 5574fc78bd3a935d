package pyver

import (
	"strings"
)

// Op represents a comparison operator in a version constraint clause.
type Op string

const (
	// OpEqual matches exactly one version.
	OpEqual Op = "=="

	// OpGreaterEqual matches versions at or above the boundary.
	OpGreaterEqual Op = ">="

	// OpGreater matches versions strictly above the boundary.
	OpGreater Op = ">"

	// OpLessEqual matches versions at or below the boundary.
	OpLessEqual Op = "<="

	// OpLess matches versions strictly below the boundary.
	OpLess Op = "<"

	// OpNotEqual excludes exactly one version.
	OpNotEqual Op = "!="
)

// Validate checks if the operator is valid.
func (o Op) Validate() error {
	switch o {
	case OpEqual, OpGreaterEqual, OpGreater, OpLessEqual, OpLess, OpNotEqual:
		return nil
	default:
		return &ParseError{Input: string(o), Reason: "invalid constraint operator"}
	}
}

// Clause is a single operator/boundary pair within a constraint.
type Clause struct {
	// Op is the comparison operator.
	Op Op `json:"op"`

	// Version is the boundary version for the comparison.
	Version Version `json:"version"`
}

// Matches reports whether the clause accepts the given version.
func (c Clause) Matches(v Version) bool {
	cmp := v.Compare(c.Version)
	switch c.Op {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpGreaterEqual:
		return cmp >= 0
	case OpGreater:
		return cmp > 0
	case OpLessEqual:
		return cmp <= 0
	case OpLess:
		return cmp < 0
	default:
		return false
	}
}

// String formats the clause as "<op><version>".
func (c Clause) String() string {
	return string(c.Op) + c.Version.String()
}

// Constraint is a conjunction of clauses: a version satisfies the
// constraint only when it satisfies every clause. The zero Constraint
// matches any version.
type Constraint struct {
	// Clauses are the conjunctive operator/boundary pairs.
	Clauses []Clause `json:"clauses,omitempty"`
}

// Any returns a constraint that matches every version.
func Any() Constraint {
	return Constraint{}
}

// ParseConstraint parses a comma-separated constraint expression such as
// ">=1.0,<2.0". A bare version is treated as an exact match, and "*" or an
// empty string matches anything.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Any(), nil
	}

	parts := strings.Split(s, ",")
	clauses := make([]Clause, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return Constraint{}, &ParseError{Input: s, Reason: "empty constraint clause"}
		}
		clause, err := parseClause(part)
		if err != nil {
			return Constraint{}, err
		}
		clauses = append(clauses, clause)
	}

	return Constraint{Clauses: clauses}, nil
}

// MustParseConstraint parses a constraint expression and panics on failure.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// parseClause parses a single operator/version pair. A missing operator
// means exact equality.
func parseClause(s string) (Clause, error) {
	// Longer operators first so ">=" is not read as ">".
	ops := []Op{OpEqual, OpGreaterEqual, OpLessEqual, OpNotEqual, OpGreater, OpLess}
	for _, op := range ops {
		if strings.HasPrefix(s, string(op)) {
			v, err := Parse(strings.TrimSpace(s[len(op):]))
			if err != nil {
				return Clause{}, err
			}
			return Clause{Op: op, Version: v}, nil
		}
	}
	// Support the single "=" spelling as an alias for "==".
	if strings.HasPrefix(s, "=") {
		v, err := Parse(strings.TrimSpace(s[1:]))
		if err != nil {
			return Clause{}, err
		}
		return Clause{Op: OpEqual, Version: v}, nil
	}
	v, err := Parse(s)
	if err != nil {
		return Clause{}, err
	}
	return Clause{Op: OpEqual, Version: v}, nil
}

// Exactly returns a constraint matching only the given version.
func Exactly(v Version) Constraint {
	return Constraint{Clauses: []Clause{{Op: OpEqual, Version: v}}}
}

// Matches reports whether the version satisfies every clause of the
// constraint.
func (c Constraint) Matches(v Version) bool {
	for _, clause := range c.Clauses {
		if !clause.Matches(v) {
			return false
		}
	}
	return true
}

// IsAny reports whether the constraint matches every version.
func (c Constraint) IsAny() bool {
	return len(c.Clauses) == 0
}

// String formats the constraint in its canonical comma-joined form. The
// any-version constraint formats as "*".
func (c Constraint) String() string {
	if c.IsAny() {
		return "*"
	}
	parts := make([]string, len(c.Clauses))
	for i, clause := range c.Clauses {
		parts[i] = clause.String()
	}
	return strings.Join(parts, ",")
}

// Intersect returns a constraint satisfied only by versions satisfying
// both c and other.
func (c Constraint) Intersect(other Constraint) Constraint {
	merged := make([]Clause, 0, len(c.Clauses)+len(other.Clauses))
	merged = append(merged, c.Clauses...)
	merged = append(merged, other.Clauses...)
	return Constraint{Clauses: merged}
}

// Filter returns the versions from the input that satisfy the constraint,
// preserving input order.
func (c Constraint) Filter(versions []Version) []Version {
	out := make([]Version, 0, len(versions))
	for _, v := range versions {
		if c.Matches(v) {
			out = append(out, v)
		}
	}
	return out
}
