package dispatcher

import (
	"context"
	"strings"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/protocol"
	"github.com/fabricgate/corehub/internal/registry"
	"github.com/fabricgate/corehub/internal/store"
)

type wireFieldSpec struct {
	Type     store.FieldType `json:"type"`
	Required bool            `json:"required"`
}

func (d *Dispatcher) handleStore(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	switch req.Type {
	case "store.defineBucket":
		bucket := req.StringField("bucket")
		if strings.HasPrefix(bucket, "_") {
			return nil, gatewayerr.Forbid("system bucket")
		}
		var schema map[string]wireFieldSpec
		if _, err := req.Field("schema", &schema); err != nil {
			return nil, gatewayerr.Validation("invalid schema")
		}
		cfg := store.BucketConfig{Schema: make(map[string]store.FieldSpec, len(schema))}
		for name, spec := range schema {
			cfg.Schema[name] = store.FieldSpec{Type: spec.Type, Required: spec.Required}
		}
		if err := d.cfg.Store.DefineBucket(bucket, cfg); err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"bucket": bucket}, nil

	case "store.dropBucket":
		bucket := req.StringField("bucket")
		if strings.HasPrefix(bucket, "_") {
			return nil, gatewayerr.Forbid("system bucket")
		}
		if err := d.cfg.Store.DropBucket(bucket); err != nil {
			return nil, gatewayerr.As(err)
		}
		if d.cfg.Builtin != nil {
			// spec §4.5: "store.dropBucket(name): delete all _acl rows and
			// _resource_owners rows for that bucket".
			if err := d.cfg.Builtin.DropResource(ctx, "bucket", bucket); err != nil {
				return nil, gatewayerr.As(err)
			}
		}
		return map[string]any{"dropped": true}, nil

	case "store.buckets":
		all := d.cfg.Store.Buckets()
		visible := make([]string, 0, len(all))
		for _, b := range all {
			if !strings.HasPrefix(b, "_") {
				visible = append(visible, b)
			}
		}
		return visible, nil

	case "store.stats":
		return d.cfg.Store.Stats(), nil

	case "store.insert":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		var data map[string]any
		_, _ = req.Field("data", &data)
		doc, err := b.Insert(ctx, store.Doc(data))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return doc, nil

	case "store.get":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		doc, err := b.Get(ctx, req.StringField("id"))
		if err != nil {
			return nil, gatewayerr.NotFoundErr("document")
		}
		return doc, nil

	case "store.update":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		var patch map[string]any
		_, _ = req.Field("data", &patch)
		doc, err := b.Update(ctx, req.StringField("id"), store.Doc(patch))
		if err != nil {
			return nil, gatewayerr.NotFoundErr("document")
		}
		return doc, nil

	case "store.delete":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		ok, err := b.Delete(ctx, req.StringField("id"))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"deleted": ok}, nil

	case "store.all":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		docs, err := b.All(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return docs, nil

	case "store.where":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		docs, err := b.Where(ctx, d.filters(req))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return docs, nil

	case "store.findOne":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		doc, found, err := b.FindOne(ctx, d.filters(req))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		if !found {
			return nil, nil
		}
		return doc, nil

	case "store.count":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		n, err := b.Count(ctx, d.filters(req))
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"count": n}, nil

	case "store.clear":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		n, err := b.Clear(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"cleared": n}, nil

	case "store.first":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		doc, found, err := b.First(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		if !found {
			return nil, nil
		}
		return doc, nil

	case "store.last":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		doc, found, err := b.Last(ctx)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		if !found {
			return nil, nil
		}
		return doc, nil

	case "store.paginate":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		var offset, limit int
		_, _ = req.Field("offset", &offset)
		_, _ = req.Field("limit", &limit)
		docs, total, err := b.Paginate(ctx, offset, limit)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"items": docs, "total": total}, nil

	case "store.sum", "store.avg", "store.min", "store.max":
		b, err := d.bucket(req)
		if err != nil {
			return nil, err
		}
		field := req.StringField("field")
		filters := d.filters(req)
		var value float64
		switch req.Type {
		case "store.sum":
			value, err = b.Sum(ctx, field, filters)
		case "store.avg":
			value, err = b.Avg(ctx, field, filters)
		case "store.min":
			value, err = b.Min(ctx, field, filters)
		default:
			value, err = b.Max(ctx, field, filters)
		}
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		return map[string]any{"value": value}, nil

	case "store.subscribe":
		query := req.StringField("query")
		var params map[string]any
		_, _ = req.Field("params", &params)
		subID, snapshot, err := d.cfg.StoreSubs.Subscribe(ctx, conn.ID, conn.Sender, query, params)
		if err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.AddStoreSub(subID)
		return map[string]any{"subscriptionId": subID, "data": snapshot}, nil

	case "store.unsubscribe":
		subID := req.StringField("subscriptionId")
		if err := d.cfg.StoreSubs.Unsubscribe(subID); err != nil {
			return nil, gatewayerr.As(err)
		}
		conn.RemoveStoreSub(subID)
		return map[string]any{"unsubscribed": true}, nil

	case "store.transaction":
		return d.handleTransaction(ctx, conn, req)

	default:
		return nil, gatewayerr.UnknownOp(req.Type)
	}
}

// bucket resolves the "bucket" field against the Store, mapping an
// undefined bucket onto BUCKET_NOT_DEFINED rather than letting the
// collaborator's own error leak through unmapped.
func (d *Dispatcher) bucket(req *protocol.Request) (store.Bucket, error) {
	name := req.StringField("bucket")
	b, err := d.cfg.Store.Bucket(name)
	if err != nil {
		return nil, gatewayerr.NoBucket(name)
	}
	return b, nil
}

func (d *Dispatcher) filters(req *protocol.Request) []store.Filter {
	var wire []wireFilter
	_, _ = req.Field("filters", &wire)
	return toStoreFilters(wire)
}

// wireTxOp is one operation inside a store.transaction's op list.
type wireTxOp struct {
	Op     string         `json:"op"`
	Bucket string         `json:"bucket"`
	ID     string         `json:"id,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// handleTransaction runs every op in req's "ops" array inside a single
// Store transaction (spec §4.9's transaction wrapping, reused here for
// store.transaction directly): any op naming a system bucket aborts with
// FORBIDDEN (spec §4.6 step 3), and in built-in identity mode every op is
// additionally checked against the caller's ACL/ownership on its bucket
// (spec §4.6 step 6), since the top-level authz check only sees
// store.transaction's own write-tier requirement, not its per-op buckets.
func (d *Dispatcher) handleTransaction(ctx context.Context, conn *registry.Connection, req *protocol.Request) (any, error) {
	var ops []wireTxOp
	if _, err := req.Field("ops", &ops); err != nil || len(ops) == 0 {
		return nil, gatewayerr.Validation("ops must be a non-empty array")
	}

	session := conn.Session()
	results := make([]any, len(ops))
	err := d.cfg.Store.Transaction(ctx, func(tx store.Tx) error {
		for i, op := range ops {
			if strings.HasPrefix(op.Bucket, "_") {
				return gatewayerr.Forbid("system bucket")
			}
			if d.cfg.Builtin != nil {
				perm := txPermission(op.Op)
				allowed, err := d.cfg.Builtin.Authorize(ctx, session, perm, "bucket", op.Bucket)
				if err != nil {
					return err
				}
				if !allowed {
					return gatewayerr.Forbid("No permission for " + op.Op + " on " + op.Bucket)
				}
			}
			b, err := tx.Bucket(op.Bucket)
			if err != nil {
				return gatewayerr.NoBucket(op.Bucket)
			}
			var result any
			switch op.Op {
			case "insert":
				result, err = b.Insert(ctx, store.Doc(op.Data))
			case "update":
				result, err = b.Update(ctx, op.ID, store.Doc(op.Data))
			case "delete":
				result, err = b.Delete(ctx, op.ID)
			case "clear":
				result, err = b.Clear(ctx)
			default:
				return gatewayerr.Validation("unknown transaction op " + op.Op)
			}
			if err != nil {
				return err
			}
			results[i] = result
		}
		return nil
	})
	if err != nil {
		return nil, gatewayerr.As(err)
	}
	return map[string]any{"results": results}, nil
}

func txPermission(op string) string {
	if op == "insert" || op == "update" || op == "delete" || op == "clear" {
		return "write"
	}
	return "read"
}
