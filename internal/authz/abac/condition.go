package abac

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// ConditionSpec is the serialized form of a policy condition. Every
// present field must hold; an empty spec always holds.
type ConditionSpec struct {
	SubjectRoles                []string        `yaml:"subjectRoles,omitempty" json:"subjectRoles,omitempty"`
	ResourceOwnerMatchesSubject bool            `yaml:"resourceOwnerMatchesSubject,omitempty" json:"resourceOwnerMatchesSubject,omitempty"`
	AllOf                       []ConditionSpec `yaml:"allOf,omitempty" json:"allOf,omitempty"`
	AnyOf                       []ConditionSpec `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	Not                         *ConditionSpec  `yaml:"not,omitempty" json:"not,omitempty"`
	Expression                  string          `yaml:"expression,omitempty" json:"expression,omitempty"`
}

func (s ConditionSpec) clone() ConditionSpec {
	out := ConditionSpec{
		SubjectRoles:                append([]string(nil), s.SubjectRoles...),
		ResourceOwnerMatchesSubject: s.ResourceOwnerMatchesSubject,
		Expression:                  s.Expression,
	}
	for _, c := range s.AllOf {
		out.AllOf = append(out.AllOf, c.clone())
	}
	for _, c := range s.AnyOf {
		out.AnyOf = append(out.AnyOf, c.clone())
	}
	if s.Not != nil {
		n := s.Not.clone()
		out.Not = &n
	}
	return out
}

// Condition is a closed union of condition variants. The unexported
// marker method keeps the set of variants to this package.
type Condition interface {
	condition()
}

// SubjectRoles holds when the principal holds any of Roles.
type SubjectRoles struct {
	Roles []string
}

// ResourceOwnerMatch holds when the resource attribute ownerId equals the
// principal's user id.
type ResourceOwnerMatch struct{}

// AllOf holds when every child holds.
type AllOf struct {
	Conditions []Condition
}

// AnyOf holds when at least one child holds.
type AnyOf struct {
	Conditions []Condition
}

// Not negates its child.
type Not struct {
	Condition Condition
}

// Expression is a CEL expression compiled at load time.
type Expression struct {
	Source  string
	program cel.Program
}

func (SubjectRoles) condition()       {}
func (ResourceOwnerMatch) condition() {}
func (AllOf) condition()              {}
func (AnyOf) condition()              {}
func (Not) condition()                {}
func (*Expression) condition()        {}

var errEmptyCondition = errors.New("empty nested condition")

// build converts a spec into a condition tree, compiling expressions with
// env. A nil result means the condition always holds.
func (s *ConditionSpec) build(env *cel.Env) (Condition, error) {
	if s == nil {
		return nil, nil
	}

	var parts []Condition

	if len(s.SubjectRoles) > 0 {
		parts = append(parts, SubjectRoles{Roles: append([]string(nil), s.SubjectRoles...)})
	}
	if s.ResourceOwnerMatchesSubject {
		parts = append(parts, ResourceOwnerMatch{})
	}
	if len(s.AllOf) > 0 {
		children, err := buildChildren(s.AllOf, env)
		if err != nil {
			return nil, fmt.Errorf("allOf: %w", err)
		}
		parts = append(parts, AllOf{Conditions: children})
	}
	if len(s.AnyOf) > 0 {
		children, err := buildChildren(s.AnyOf, env)
		if err != nil {
			return nil, fmt.Errorf("anyOf: %w", err)
		}
		parts = append(parts, AnyOf{Conditions: children})
	}
	if s.Not != nil {
		child, err := s.Not.build(env)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		if child == nil {
			return nil, fmt.Errorf("not: %w", errEmptyCondition)
		}
		parts = append(parts, Not{Condition: child})
	}
	if s.Expression != "" {
		prg, err := compileExpression(env, s.Expression)
		if err != nil {
			return nil, err
		}
		parts = append(parts, &Expression{Source: s.Expression, program: prg})
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return AllOf{Conditions: parts}, nil
	}
}

func buildChildren(specs []ConditionSpec, env *cel.Env) ([]Condition, error) {
	out := make([]Condition, 0, len(specs))
	for i := range specs {
		c, err := specs[i].build(env)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		if c == nil {
			return nil, fmt.Errorf("[%d]: %w", i, errEmptyCondition)
		}
		out = append(out, c)
	}
	return out, nil
}

// restrictedRoles returns the role set a condition requires the principal
// to be within, if the condition implies one.
func restrictedRoles(c Condition) ([]string, bool) {
	switch v := c.(type) {
	case SubjectRoles:
		return v.Roles, true
	case AllOf:
		for _, child := range v.Conditions {
			if roles, ok := restrictedRoles(child); ok {
				return roles, true
			}
		}
		return nil, false
	case AnyOf:
		var union []string
		for _, child := range v.Conditions {
			roles, ok := restrictedRoles(child)
			if !ok {
				return nil, false
			}
			union = append(union, roles...)
		}
		return union, len(v.Conditions) > 0
	default:
		return nil, false
	}
}

// evaluate reports whether c holds for in.
func evaluate(c Condition, in *input) (bool, error) {
	switch v := c.(type) {
	case nil:
		return true, nil
	case SubjectRoles:
		for _, want := range v.Roles {
			if _, ok := in.roles[want]; ok {
				return true, nil
			}
		}
		return false, nil
	case ResourceOwnerMatch:
		owner, ok := in.req.Attributes["ownerId"].(string)
		return ok && owner != "" && owner == in.req.UserID, nil
	case AllOf:
		for _, child := range v.Conditions {
			ok, err := evaluate(child, in)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case AnyOf:
		var firstErr error
		for _, child := range v.Conditions {
			ok, err := evaluate(child, in)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return true, nil
			}
		}
		return false, firstErr
	case Not:
		ok, err := evaluate(v.Condition, in)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case *Expression:
		return evalExpression(v, in)
	default:
		return false, fmt.Errorf("unsupported condition type %T", c)
	}
}
