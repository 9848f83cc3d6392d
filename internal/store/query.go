package store

import (
	"strings"

	apperrors "github.com/lcwei/shelfsync/internal/errors"
	"github.com/lcwei/shelfsync/internal/logging"
	"github.com/lcwei/shelfsync/internal/models"
)

// Query parameter suffixes. A bare field name is an equality test.
const (
	suffixIn  = "__in"
	suffixGt  = "__gt"
	suffixGte = "__gte"
	suffixLt  = "__lt"
	suffixLte = "__lte"
)

// membership is a single native "any of" lookup.
type membership struct {
	field  string
	values []interface{}
}

// rangeFilter is one suffixed range predicate, applied as a post-filter.
type rangeFilter struct {
	field string
	op    string
	value interface{}
}

// plan partitions where-parameters into the pieces the store can serve
// natively and the pieces applied as a combined filter pass.
type plan struct {
	eq     map[string]interface{} // indexed equality, native lookup
	in     *membership            // at most one membership, native lookup
	ranges []rangeFilter
	post   map[string]interface{} // non-indexed equality
}

func buildPlan(spec TableSpec, params map[string]interface{}) (*plan, error) {
	p := &plan{
		eq:   make(map[string]interface{}),
		post: make(map[string]interface{}),
	}
	for name, value := range params {
		field := name
		for _, s := range []string{suffixIn, suffixGte, suffixLte, suffixGt, suffixLt} {
			if strings.HasSuffix(field, s) {
				field = strings.TrimSuffix(field, s)
				break
			}
		}
		if !validField(field) {
			return nil, apperrors.Newf(apperrors.ErrValidation, "invalid field name %q", field)
		}
		switch {
		case strings.HasSuffix(name, suffixIn):
			field := strings.TrimSuffix(name, suffixIn)
			values, ok := toSlice(value)
			if !ok {
				return nil, apperrors.Newf(apperrors.ErrValidation, "%s requires an array value", name)
			}
			if p.in != nil {
				// Only one membership filter is honored per query.
				logging.Warn("ignoring extra membership filter", map[string]interface{}{
					"table": spec.Name,
					"field": field,
				})
				continue
			}
			p.in = &membership{field: field, values: values}
		case strings.HasSuffix(name, suffixGte):
			p.ranges = append(p.ranges, rangeFilter{field: strings.TrimSuffix(name, suffixGte), op: ">=", value: value})
		case strings.HasSuffix(name, suffixLte):
			p.ranges = append(p.ranges, rangeFilter{field: strings.TrimSuffix(name, suffixLte), op: "<=", value: value})
		case strings.HasSuffix(name, suffixGt):
			p.ranges = append(p.ranges, rangeFilter{field: strings.TrimSuffix(name, suffixGt), op: ">", value: value})
		case strings.HasSuffix(name, suffixLt):
			p.ranges = append(p.ranges, rangeFilter{field: strings.TrimSuffix(name, suffixLt), op: "<", value: value})
		case spec.Indexable(name):
			p.eq[name] = value
		default:
			p.post[name] = value
		}
	}
	return p, nil
}

// Where resolves a flat parameter mapping against one table. The base
// collection comes from the single membership lookup when present, else from
// the indexed equality lookup, else a full scan; range predicates and
// non-indexed equality are then applied as one short-circuited AND filter.
// The result keeps store iteration order.
func (t *Tx) Where(table string, params map[string]interface{}) ([]Row, error) {
	spec, err := t.spec(table)
	if err != nil {
		return nil, err
	}
	p, err := buildPlan(spec, params)
	if err != nil {
		return nil, err
	}

	var base []Row
	switch {
	case p.in != nil:
		// Equality parameters over a membership match are applied as a
		// post-filter, not a compound native lookup.
		for field, value := range p.eq {
			p.post[field] = value
		}
		base, err = t.ByFieldIn(table, p.in.field, p.in.values)
	case len(p.eq) > 0:
		base, err = t.byFields(table, p.eq)
	default:
		base, err = t.All(table)
	}
	if err != nil {
		return nil, err
	}

	if len(p.ranges) == 0 && len(p.post) == 0 {
		return base, nil
	}

	out := base[:0:0]
	for _, row := range base {
		if matches(row.Obj, p) {
			out = append(out, row)
		}
	}
	return out, nil
}

// byFields performs a native lookup over all indexed equality parameters.
func (t *Tx) byFields(table string, eq map[string]interface{}) ([]Row, error) {
	var conds []string
	var args []interface{}
	for field, value := range eq {
		conds = append(conds, "json_extract(data, '$."+field+"') = ?")
		args = append(args, value)
	}
	q := `SELECT key, data, last_fetched FROM "` + table + `" WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY key`
	return t.queryRows(q, args...)
}

// matches applies the combined filter: every range predicate and every
// non-indexed equality must hold.
func matches(obj models.Attrs, p *plan) bool {
	for field, want := range p.post {
		if !valueEqual(obj[field], want) {
			return false
		}
	}
	for _, r := range p.ranges {
		cmp, ok := compare(obj[r.field], r.value)
		if !ok {
			return false
		}
		switch r.op {
		case ">":
			if cmp <= 0 {
				return false
			}
		case ">=":
			if cmp < 0 {
				return false
			}
		case "<":
			if cmp >= 0 {
				return false
			}
		case "<=":
			if cmp > 0 {
				return false
			}
		}
	}
	return true
}

func toSlice(value interface{}) ([]interface{}, bool) {
	switch v := value.(type) {
	case []interface{}:
		return v, true
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]interface{}, len(v))
		for i, f := range v {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func valueEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

// compare orders two attribute values: numerically when both are numeric,
// lexically when both are strings.
func compare(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
