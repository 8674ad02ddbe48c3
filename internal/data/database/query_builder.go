// Package database provides small SQL construction helpers shared by the
// catalog repositories. It covers list-style SELECT queries with optional
// filtering, ordering, and pagination; anything more involved is written as
// plain SQL in the repository that needs it.
package database

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ConditionType is the comparison operator of a WHERE condition.
type ConditionType string

const (
	Equal              ConditionType = "="
	NotEqual           ConditionType = "!="
	GreaterThan        ConditionType = ">"
	LessThan           ConditionType = "<"
	LessThanOrEqual    ConditionType = "<="
	GreaterThanOrEqual ConditionType = ">="
	Like               ConditionType = "LIKE"
	ILike              ConditionType = "ILIKE"
	In                 ConditionType = "IN"
)

// unset marks Limit/Offset as not requested. Zero is a legal value for both,
// so the sentinel has to live outside the valid range.
const unset = -1

// Condition is a single WHERE predicate. Field is sanitized at build time;
// Value is always passed as a bound parameter.
type Condition struct {
	Field string
	Type  ConditionType
	Value any
}

// WhereCond builds a Condition for the given field, operator, and value.
// For In, value must be a slice; an empty slice drops the condition.
func WhereCond(field string, condType ConditionType, value any) Condition {
	return Condition{Field: field, Type: condType, Value: value}
}

// ListQueryOptions collects the parts of a list query. Construct it with
// NewListQueryOptions so the pagination sentinels are initialized.
type ListQueryOptions struct {
	Table      string
	Columns    []string
	Conditions []Condition
	OrderBy    string
	OrderDir   string
	Limit      int
	Offset     int
}

// ListQueryOption mutates ListQueryOptions during construction.
type ListQueryOption func(*ListQueryOptions)

// NewListQueryOptions creates options for a list query against table.
func NewListQueryOptions(table string, opts ...ListQueryOption) *ListQueryOptions {
	options := &ListQueryOptions{
		Table:  table,
		Limit:  unset,
		Offset: unset,
	}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithColumns sets the columns to select. Without it the query selects *.
func WithColumns(cols ...string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Columns = cols
	}
}

// WithCondition appends a WHERE condition. Conditions are ANDed together.
func WithCondition(cond Condition) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.Conditions = append(o.Conditions, cond)
	}
}

// WithOrderBy sets the ordering column and direction. Directions other than
// ASC or DESC fall back to the server default.
func WithOrderBy(column, direction string) ListQueryOption {
	return func(o *ListQueryOptions) {
		o.OrderBy = column
		o.OrderDir = direction
	}
}

// WithLimit sets the LIMIT. Zero is accepted; negatives are ignored.
func WithLimit(limit int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if limit >= 0 {
			o.Limit = limit
		}
	}
}

// WithOffset sets the OFFSET. Zero is accepted; negatives are ignored.
func WithOffset(offset int) ListQueryOption {
	return func(o *ListQueryOptions) {
		if offset >= 0 {
			o.Offset = offset
		}
	}
}

// BuildListQuery renders the options into a SQL string and its bound
// arguments. Identifiers are quoted via pgx; values only ever travel as
// placeholders.
func BuildListQuery(options *ListQueryOptions) (string, []any) {
	if options == nil {
		return "", nil
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	query.WriteString(columnList(options.Columns))
	query.WriteString(" FROM ")
	query.WriteString(sanitizeIdentifier(options.Table))

	whereClause, args := buildWhereClause(options.Conditions)
	if whereClause != "" {
		query.WriteString(" WHERE ")
		query.WriteString(whereClause)
	}

	if options.OrderBy != "" {
		query.WriteString(" ORDER BY ")
		query.WriteString(sanitizeIdentifier(options.OrderBy))
		if dir := strings.ToUpper(options.OrderDir); dir == "ASC" || dir == "DESC" {
			query.WriteString(" ")
			query.WriteString(dir)
		}
	}

	if options.Limit != unset {
		args = append(args, options.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}
	if options.Offset != unset {
		args = append(args, options.Offset)
		fmt.Fprintf(&query, " OFFSET $%d", len(args))
	}

	return query.String(), args
}

// sanitizeIdentifier quotes an identifier, handling qualified names like
// "products.name" by quoting each dotted part.
func sanitizeIdentifier(ident string) string {
	return pgx.Identifier(strings.Split(ident, ".")).Sanitize()
}

func columnList(columns []string) string {
	if len(columns) == 0 {
		return "*"
	}
	sanitized := make([]string, len(columns))
	for i, col := range columns {
		sanitized[i] = sanitizeIdentifier(col)
	}
	return strings.Join(sanitized, ", ")
}

// buildWhereClause renders the conditions, accumulating bound args.
// Malformed conditions are dropped rather than rendered into invalid SQL.
func buildWhereClause(conditions []Condition) (string, []any) {
	rendered := make([]string, 0, len(conditions))
	args := make([]any, 0, len(conditions))

	for _, cond := range conditions {
		if cond.Field == "" {
			continue
		}
		field := sanitizeIdentifier(cond.Field)

		switch cond.Type {
		case In:
			placeholders, inArgs := expandInValues(cond.Value, len(args))
			if len(inArgs) == 0 {
				continue
			}
			args = append(args, inArgs...)
			rendered = append(rendered, fmt.Sprintf("%s IN (%s)", field, placeholders))
		case Equal, NotEqual, GreaterThan, LessThan, LessThanOrEqual, GreaterThanOrEqual, Like, ILike:
			args = append(args, cond.Value)
			rendered = append(rendered, fmt.Sprintf("%s %s $%d", field, cond.Type, len(args)))
		default:
			continue
		}
	}

	return strings.Join(rendered, " AND "), args
}

// expandInValues flattens a slice value into placeholders numbered after the
// already-bound args. Non-slice or empty values yield nothing.
func expandInValues(value any, boundArgs int) (string, []any) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return "", nil
	}

	placeholders := make([]string, rv.Len())
	args := make([]any, rv.Len())
	for i := range rv.Len() {
		placeholders[i] = fmt.Sprintf("$%d", boundArgs+i+1)
		args[i] = rv.Index(i).Interface()
	}
	return strings.Join(placeholders, ", "), args
}
