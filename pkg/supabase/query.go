package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// QueryBuilder builds PostgREST requests for one table.
type QueryBuilder struct {
	client  *Client
	table   string
	columns string
	filters url.Values
	orders  []string
	limit   int
	single  bool
	count   bool
}

// From starts a query against table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table, filters: url.Values{}}
}

// Select chooses the returned columns.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.columns = columns
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	q.filters.Add(column, op+"."+fmt.Sprint(value))
	return q
}

// Eq adds column = value.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Order adds an ORDER BY term.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	q.orders = append(q.orders, column+"."+dir)
	return q
}

// Limit caps the number of rows.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Single asks for exactly one object; zero rows become a 406.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.single = true
	return q
}

func (q *QueryBuilder) path(withSelect bool) string {
	params := url.Values{}
	for k, vs := range q.filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	if withSelect && q.columns != "" {
		params.Set("select", q.columns)
	}
	if len(q.orders) > 0 {
		params.Set("order", strings.Join(q.orders, ","))
	}
	if q.limit > 0 {
		params.Set("limit", strconv.Itoa(q.limit))
	}
	p := "/rest/v1/" + url.PathEscape(q.table)
	if len(params) > 0 {
		p += "?" + params.Encode()
	}
	return p
}

func (q *QueryBuilder) headers(prefer ...string) map[string]string {
	h := map[string]string{}
	if q.single {
		h["Accept"] = "application/vnd.pgrst.object+json"
	}
	if q.count {
		prefer = append(prefer, "count=exact")
	}
	if len(prefer) > 0 {
		h["Prefer"] = strings.Join(prefer, ",")
	}
	return h
}

// Get runs a SELECT and decodes the rows into out.
func (q *QueryBuilder) Get(ctx context.Context, out any) error {
	resp, err := q.client.send(ctx, request{
		name:    "select " + q.table,
		method:  http.MethodGet,
		path:    q.path(true),
		headers: q.headers(),
	})
	if err != nil {
		return err
	}
	return resp.JSON(out)
}

// Count runs a HEAD request and returns the exact row count.
func (q *QueryBuilder) Count(ctx context.Context) (int, error) {
	q.count = true
	q.limit = 0
	resp, err := q.client.send(ctx, request{
		name:    "count " + q.table,
		method:  http.MethodHead,
		path:    q.path(false),
		headers: q.headers(),
	})
	if err != nil {
		return 0, err
	}
	return parseContentRange(resp.Headers.Get("Content-Range"))
}

// parseContentRange reads the total from "0-24/300" or "*/0".
func parseContentRange(v string) (int, error) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, fmt.Errorf("content-range without total: %q", v)
	}
	return strconv.Atoi(v[i+1:])
}

// Insert posts rows and decodes the created representation into out.
func (q *QueryBuilder) Insert(ctx context.Context, rows any, out any) error {
	return q.write(ctx, http.MethodPost, "insert", rows, out)
}

// Update patches matching rows.
func (q *QueryBuilder) Update(ctx context.Context, patch any, out any) error {
	return q.write(ctx, http.MethodPatch, "update", patch, out)
}

// Delete removes matching rows and decodes them into out when non-nil.
func (q *QueryBuilder) Delete(ctx context.Context, out any) error {
	return q.write(ctx, http.MethodDelete, "delete", nil, out)
}

func (q *QueryBuilder) write(ctx context.Context, method, verb string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s: %w", q.table, err)
		}
	}
	prefer := "return=minimal"
	if out != nil {
		prefer = "return=representation"
	}
	r := request{
		name:    verb + " " + q.table,
		method:  method,
		path:    q.path(out != nil),
		body:    body,
		headers: q.headers(prefer),
	}
	if body != nil {
		r.contentType = "application/json"
	}
	resp, err := q.client.send(ctx, r)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.JSON(out)
}

// RPC calls a stored procedure and decodes its result into out.
func (c *Client) RPC(ctx context.Context, fn string, params any, out any) error {
	var body []byte
	if params != nil {
		var err error
		if body, err = json.Marshal(params); err != nil {
			return fmt.Errorf("marshal %s params: %w", fn, err)
		}
	} else {
		body = []byte("{}")
	}
	resp, err := c.send(ctx, request{
		name:        "rpc " + fn,
		method:      http.MethodPost,
		path:        "/rest/v1/rpc/" + url.PathEscape(fn),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.JSON(out)
}
