package dispatcher

import "github.com/fabricgate/corehub/internal/store"

// wireFilter is the wire shape of one store.where/findOne/count/sum/...
// filter clause: {field, op, value}.
type wireFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

func toStoreFilters(in []wireFilter) []store.Filter {
	out := make([]store.Filter, len(in))
	for i, f := range in {
		out[i] = store.Filter{Field: f.Field, Op: store.Op(f.Op), Value: f.Value}
	}
	return out
}
