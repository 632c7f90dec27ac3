package storage

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

var storageTracer = otel.Tracer("tenantgate/storage")

// Port executes tenant.Operation descriptors against the table of each
// registered entity. It applies filters and payloads exactly as given;
// tenant scoping is the job of the guard in front of it.
//
// Single-record kinds (find, update, delete) act on the first row the
// filter matches, ordered by id. Every key of a filter or payload must be
// a column of the table, spelled exactly as the table declares it.
type Port struct {
	db       *gorm.DB
	entities *tenant.EntityRegistry

	// columns caches the column set per table. Schema changes need a
	// new Port.
	columns sync.Map
}

var _ tenant.Port = (*Port)(nil)

// NewPort creates a table port for the registered entities.
func NewPort(db *DB, entities *tenant.EntityRegistry) *Port {
	return &Port{db: db.gorm, entities: entities}
}

// Execute runs op.
func (p *Port) Execute(ctx context.Context, op *tenant.Operation) (*tenant.Result, error) {
	entity, err := p.entities.Lookup(op.Model)
	if err != nil {
		return nil, err
	}

	ctx, span := storageTracer.Start(ctx, "storage.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.table", entity.Table),
			attribute.String("db.operation", string(op.Kind)),
		),
	)
	defer span.End()

	db := p.db.WithContext(ctx)
	if err := p.checkColumns(db, entity.Table, op); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage operation rejected")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	res, err := p.execute(db, entity.Table, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage operation failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", res.Affected))
	return res, nil
}

// checkColumns rejects keys that are not columns of table.
func (p *Port) checkColumns(db *gorm.DB, table string, op *tenant.Operation) error {
	cols, err := p.tableColumns(db, table)
	if err != nil {
		return err
	}

	records := append([]tenant.Record{op.Args.Where, op.Args.Create, op.Args.Update}, op.Args.Data...)
	for _, r := range records {
		for key := range r {
			if _, ok := cols[key]; !ok {
				return fmt.Errorf("%w %q in table %s", ErrUnknownColumn, key, table)
			}
		}
	}
	return nil
}

func (p *Port) tableColumns(db *gorm.DB, table string) (map[string]struct{}, error) {
	if cached, ok := p.columns.Load(table); ok {
		return cached.(map[string]struct{}), nil
	}

	types, err := db.Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}

	cols := make(map[string]struct{}, len(types))
	for _, ct := range types {
		cols[ct.Name()] = struct{}{}
	}
	p.columns.Store(table, cols)
	return cols, nil
}

func (p *Port) execute(db *gorm.DB, table string, op *tenant.Operation) (*tenant.Result, error) {
	switch op.Kind {
	case tenant.KindFind:
		return find(db, table, op.Args.Where, 1)
	case tenant.KindFindMany:
		return find(db, table, op.Args.Where, -1)
	case tenant.KindCreate, tenant.KindCreateMany:
		return create(db, table, op.Args.Data)
	case tenant.KindUpdate:
		return updateOne(db, table, op.Args.Where, op.Args.Update)
	case tenant.KindUpdateMany:
		if len(op.Args.Update) == 0 {
			return &tenant.Result{}, nil
		}
		res := db.Table(table).Where(asMap(op.Args.Where)).Updates(asMap(op.Args.Update))
		if res.Error != nil {
			return nil, res.Error
		}
		return &tenant.Result{Affected: res.RowsAffected}, nil
	case tenant.KindDelete:
		return deleteOne(db, table, op.Args.Where)
	case tenant.KindUpsert:
		return upsert(db, table, op.Args)
	default:
		return nil, fmt.Errorf("unsupported operation kind %q", op.Kind)
	}
}

func find(db *gorm.DB, table string, where tenant.Record, limit int) (*tenant.Result, error) {
	var rows []map[string]interface{}
	q := db.Table(table).Where(asMap(where)).Order(tenant.FieldID)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	res := &tenant.Result{Records: make([]tenant.Record, len(rows))}
	for i, r := range rows {
		res.Records[i] = tenant.Record(r)
	}
	return res, nil
}

func create(db *gorm.DB, table string, rows []tenant.Record) (*tenant.Result, error) {
	res := &tenant.Result{Records: make([]tenant.Record, 0, len(rows))}
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			r := tx.Table(table).Create(asMap(row.Clone()))
			if r.Error != nil {
				return r.Error
			}
			res.Affected += r.RowsAffected
			res.Records = append(res.Records, row.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// firstID returns the id of the first row matching where.
func firstID(db *gorm.DB, table string, where tenant.Record) (interface{}, bool, error) {
	var ids []interface{}
	err := db.Table(table).Where(asMap(where)).Order(tenant.FieldID).Limit(1).Pluck(tenant.FieldID, &ids).Error
	if err != nil {
		return nil, false, err
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	return ids[0], true, nil
}

func updateOne(db *gorm.DB, table string, where, update tenant.Record) (*tenant.Result, error) {
	res := &tenant.Result{}
	err := db.Transaction(func(tx *gorm.DB) error {
		id, ok, err := firstID(tx, table, where)
		if err != nil || !ok {
			return err
		}
		if len(update) == 0 {
			res.Affected = 1
			return nil
		}
		r := tx.Table(table).Where(asMap(where)).Where(tenant.FieldID+" = ?", id).Updates(asMap(update))
		if r.Error != nil {
			return r.Error
		}
		res.Affected = r.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func deleteOne(db *gorm.DB, table string, where tenant.Record) (*tenant.Result, error) {
	res := &tenant.Result{}
	err := db.Transaction(func(tx *gorm.DB) error {
		id, ok, err := firstID(tx, table, where)
		if err != nil || !ok {
			return err
		}
		// id was read under where in this transaction.
		r := tx.Exec("DELETE FROM ? WHERE "+tenant.FieldID+" = ?", clause.Table{Name: table}, id)
		if r.Error != nil {
			return r.Error
		}
		res.Affected = r.RowsAffected
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// upsert updates the first row matching Where with Update, or creates
// Create when nothing matches.
func upsert(db *gorm.DB, table string, args tenant.Args) (*tenant.Result, error) {
	res := &tenant.Result{}
	err := db.Transaction(func(tx *gorm.DB) error {
		id, ok, err := firstID(tx, table, args.Where)
		if err != nil {
			return err
		}
		if ok {
			res.Affected = 1
			if len(args.Update) == 0 {
				return nil
			}
			r := tx.Table(table).Where(tenant.FieldID+" = ?", id).Updates(asMap(args.Update))
			if r.Error != nil {
				return r.Error
			}
			res.Affected = r.RowsAffected
			return nil
		}
		r := tx.Table(table).Create(asMap(args.Create.Clone()))
		if r.Error != nil {
			return r.Error
		}
		res.Affected = r.RowsAffected
		res.Records = []tenant.Record{args.Create.Clone()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// asMap converts a record to the map type gorm recognizes.
func asMap(r tenant.Record) map[string]interface{} {
	if r == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}(r)
}
