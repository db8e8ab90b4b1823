package exchange

import (
	"net/http"
	"net/url"
	"strings"
)

// QueryParam is one query string entry. Order and duplicates are significant.
type QueryParam struct {
	Key   string
	Value string
}

// Request carries the headers and query parameters of one exchange call.
//
// Headers behave like a map: setting a key replaces every earlier value.
// Query parameters behave like a list: adding a key appends, and merging
// keeps duplicates in order.
type Request struct {
	Header http.Header
	Query  []QueryParam
}

// NewRequest returns an empty descriptor.
func NewRequest() *Request {
	return &Request{Header: make(http.Header)}
}

// AddHeader sets a header, overwriting any previous value for the key.
func (r *Request) AddHeader(key, value string) *Request {
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	r.Header.Set(key, value)
	return r
}

// AddQuery appends a query parameter.
func (r *Request) AddQuery(key, value string) *Request {
	r.Query = append(r.Query, QueryParam{Key: key, Value: value})
	return r
}

// Merge folds other into r. Headers from other overwrite headers in r; query
// parameters from other are appended after r's own.
func (r *Request) Merge(other *Request) *Request {
	if other == nil {
		return r
	}
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	for key, values := range other.Header {
		r.Header[key] = append([]string(nil), values...)
	}
	r.Query = append(r.Query, other.Query...)
	return r
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return NewRequest()
	}
	return &Request{
		Header: r.Header.Clone(),
		Query:  append([]QueryParam(nil), r.Query...),
	}
}

// Values returns the query parameters as url.Values. Relative order between
// different keys is lost; use Encode for the wire form.
func (r *Request) Values() url.Values {
	values := make(url.Values, len(r.Query))
	for _, p := range r.Query {
		values.Add(p.Key, p.Value)
	}
	return values
}

// Encode renders the query string in insertion order.
func (r *Request) Encode() string {
	if len(r.Query) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range r.Query {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}
