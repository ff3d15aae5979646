package ygggo_odbc

import "context"

// ProcedureStatement returns an unsubmitted stored procedure call.
// Output parameters are delivered through OnOutput and Results.Output after
// every statement of the procedure finished.
func (c *Conn) ProcedureStatement(ctx context.Context, name string, params ...ProcParam) *Statement {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Value
	}
	return newStatement(ctx, c, &procedureHandler{name: name, params: params}, name, args)
}

// CallProcedure calls a stored procedure with positional parameters.
func (c *Conn) CallProcedure(ctx context.Context, name string, params ...ProcParam) (*Results, error) {
	return c.run(ctx, c.ProcedureStatement(ctx, name, params...))
}

// CallProcedureNamed calls a stored procedure with parameters taken from a
// struct (db tags, ",out" for output parameters) or a map, in declaration order.
func (c *Conn) CallProcedureNamed(ctx context.Context, name string, arg any) (*Results, error) {
	fields, err := namedFields(arg)
	if err != nil { return nil, err }
	params := make([]ProcParam, len(fields))
	for i, f := range fields {
		params[i] = ProcParam{Name: f.name, Value: f.value, Output: f.output}
	}
	return c.CallProcedure(ctx, name, params...)
}

// In is an input procedure parameter.
func In(name string, value any) ProcParam { return ProcParam{Name: name, Value: value} }

// Out is an output procedure parameter; value seeds its type.
func Out(name string, value any) ProcParam { return ProcParam{Name: name, Value: value, Output: true} }
