package backend

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Filter is a single column predicate in the row API's operator
// grammar, e.g. eq.abc or in.("a","b").
type Filter struct {
	Column string
	Raw    string
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Raw: "eq." + value}
}

func Neq(column, value string) Filter {
	return Filter{Column: column, Raw: "neq." + value}
}

func Lt(column, value string) Filter {
	return Filter{Column: column, Raw: "lt." + value}
}

func Gt(column, value string) Filter {
	return Filter{Column: column, Raw: "gt." + value}
}

func Is(column, value string) Filter {
	return Filter{Column: column, Raw: "is." + value}
}

// In quotes every value so identifiers containing reserved characters
// survive the trip.
func In(column string, values []string) Filter {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, `"`+strings.ReplaceAll(v, `"`, `\"`)+`"`)
	}

	return Filter{Column: column, Raw: "in.(" + strings.Join(quoted, ",") + ")"}
}

// Order is one sort key of a query.
type Order struct {
	Column     string
	Descending bool
}

func (o Order) encode() string {
	if o.Descending {
		return o.Column + ".desc"
	}

	return o.Column + ".asc"
}

// Query describes a row API read: column projection, predicates, sort
// keys and a pagination window.
type Query struct {
	Columns string
	Filters []Filter
	Order   []Order
	Limit   int
	Offset  int
}

func (q Query) Encode() url.Values {
	params := url.Values{}
	if q.Columns != "" {
		params.Set("select", q.Columns)
	}
	for _, f := range q.Filters {
		params.Add(f.Column, f.Raw)
	}
	if len(q.Order) > 0 {
		keys := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			keys = append(keys, o.encode())
		}
		params.Set("order", strings.Join(keys, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}

	return params
}

func (q Query) String() string {
	return fmt.Sprintf("query{%s}", q.Encode().Encode())
}
