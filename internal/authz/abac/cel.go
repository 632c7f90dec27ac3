package abac

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
)

// newEnv creates the CEL environment expressions compile against.
//
//	subject        map: id, org_id, roles
//	resource       map: resource attributes plus type and id
//	action         string
//	resource_type  string
//	org_id         string
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource_type", cel.StringType),
		cel.Variable("org_id", cel.StringType),
	)
}

func compileExpression(env *cel.Env, src string) (cel.Program, error) {
	if env == nil {
		return nil, errors.New("expression conditions are not enabled")
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", t)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}
	return prg, nil
}

func evalExpression(e *Expression, in *input) (bool, error) {
	if e.program == nil {
		return false, fmt.Errorf("expression %q was not compiled", e.Source)
	}
	out, _, err := e.program.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", e.Source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", e.Source, out.Value())
	}
	return b, nil
}

// input is the per-request evaluation state shared by all conditions.
type input struct {
	req   *Request
	roles map[string]struct{}
	vars  map[string]interface{}
}

func newInput(req *Request) *input {
	roles := make(map[string]struct{}, len(req.Roles))
	for _, r := range req.Roles {
		roles[r] = struct{}{}
	}
	return &input{req: req, roles: roles}
}

func (in *input) activation() map[string]interface{} {
	if in.vars != nil {
		return in.vars
	}
	resource := make(map[string]interface{}, len(in.req.Attributes)+2)
	for k, v := range in.req.Attributes {
		resource[k] = v
	}
	resource["type"] = in.req.Resource
	resource["id"] = in.req.ResourceID

	in.vars = map[string]interface{}{
		"subject": map[string]interface{}{
			"id":     in.req.UserID,
			"org_id": in.req.OrgID,
			"roles":  append([]string(nil), in.req.Roles...),
		},
		"resource":      resource,
		"action":        in.req.Action,
		"resource_type": in.req.Resource,
		"org_id":        in.req.OrgID,
	}
	return in.vars
}
