package tenant

import (
	"context"
	"fmt"
)

// Kind is a persistence operation kind.
type Kind string

// Operation kinds.
const (
	KindCreate     Kind = "create"
	KindCreateMany Kind = "createMany"
	KindUpsert     Kind = "upsert"
	KindUpdate     Kind = "update"
	KindUpdateMany Kind = "updateMany"
	KindDelete     Kind = "delete"
	KindFind       Kind = "find"
	KindFindMany   Kind = "findMany"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindCreateMany, KindUpsert, KindUpdate, KindUpdateMany,
		KindDelete, KindFind, KindFindMany:
		return true
	}
	return false
}

// IsRead reports whether k only reads.
func (k Kind) IsRead() bool {
	return k == KindFind || k == KindFindMany
}

// IsMutation reports whether k writes.
func (k Kind) IsMutation() bool {
	return k.Valid() && !k.IsRead()
}

// single reports whether k targets exactly one record, so that zero rows
// means the record does not exist for the caller.
func (k Kind) single() bool {
	return k == KindFind || k == KindUpdate || k == KindDelete
}

// Record is one row, keyed by column name.
type Record map[string]interface{}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Args are the operation arguments.
//
//	create, createMany   Data
//	upsert               Where, Create, Update
//	update, updateMany   Where, Update
//	delete               Where
//	find, findMany       Where
type Args struct {
	Data   []Record
	Where  Record
	Create Record
	Update Record
}

// Operation is a persistence operation descriptor.
type Operation struct {
	Model string
	Kind  Kind
	Args  Args
}

// String returns "model.kind".
func (o *Operation) String() string {
	return fmt.Sprintf("%s.%s", o.Model, o.Kind)
}

// Result is passed back unchanged from the persistence layer.
type Result struct {
	// Records returned by reads and by creates.
	Records []Record

	// Affected is the number of rows written or deleted.
	Affected int64
}

// empty reports whether nothing was read or written.
func (r *Result) empty() bool {
	return r == nil || (len(r.Records) == 0 && r.Affected == 0)
}

// Port executes persistence operations.
type Port interface {
	Execute(ctx context.Context, op *Operation) (*Result, error)
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, op *Operation) (*Result, error)

// Execute calls f.
func (f PortFunc) Execute(ctx context.Context, op *Operation) (*Result, error) {
	return f(ctx, op)
}

// Middleware wraps a Port.
type Middleware func(Port) Port

// Chain applies middlewares so that the first one is outermost.
func Chain(port Port, middlewares ...Middleware) Port {
	for i := len(middlewares) - 1; i >= 0; i-- {
		port = middlewares[i](port)
	}
	return port
}
