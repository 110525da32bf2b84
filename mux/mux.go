// Package mux implements server-side resource dispatch: longest-prefix
// routing to registered resources, per-method handler tables, If-Match
// and If-None-Match precondition evaluation, and CoRE Link Format
// discovery at /.well-known/core (spec.md section 4.8, RFC 6690).
package mux

import (
	"sort"
	"strings"

	"github.com/mnazarim/CoAP/message"
)

// Response is what a Handler hands back to the dispatcher: a response
// code, options and payload to attach to the reply.
type Response struct {
	Code    message.Code
	Options message.Options
	Payload []byte
}

// HandlerFunc answers one request for a resource once method and
// preconditions have already been checked.
type HandlerFunc func(req *message.Message) (*Response, error)

// Resource is one entry in the site tree: a path, its handlers keyed
// by method code, and the attributes it advertises at
// /.well-known/core (RFC 6690 section 3).
type Resource struct {
	Path       string
	Handlers   map[message.Code]HandlerFunc
	Attributes map[string][]string // e.g. "rt" -> ["oic.r.temperature"], "if" -> [...]
	Observable bool
	ETag       func() []byte // current representation ETag, nil if unsupported
}

// Site is a collection of resources dispatched by longest matching
// path prefix, mirroring how an HTTP mux picks the most specific
// registered route.
type Site struct {
	resources map[string]*Resource
}

// NewSite returns an empty Site.
func NewSite() *Site {
	return &Site{resources: make(map[string]*Resource)}
}

// Handle registers r under its own Path.
func (s *Site) Handle(r *Resource) {
	s.resources[r.Path] = r
}

// Lookup returns the resource whose registered path is the longest
// prefix of path (segment-aligned), or nil.
func (s *Site) Lookup(path string) *Resource {
	var best *Resource
	bestLen := -1
	for p, r := range s.resources {
		if matchesPrefix(p, path) && len(p) > bestLen {
			best, bestLen = r, len(p)
		}
	}
	return best
}

func matchesPrefix(prefix, path string) bool {
	if prefix == path {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Dispatch routes req to the matching resource's handler, evaluating
// If-Match/If-None-Match preconditions first (spec.md section 4.8,
// "Precondition evaluation").
func (s *Site) Dispatch(req *message.Message) (*Response, error) {
	path := req.PathString()
	r := s.Lookup(path)
	if r == nil {
		return &Response{Code: message.NotFound}, nil
	}
	h, ok := r.Handlers[req.Code]
	if !ok {
		return &Response{Code: message.MethodNotAllowed}, nil
	}
	if resp := checkPreconditions(req, r); resp != nil {
		return resp, nil
	}
	return h(req)
}

func checkPreconditions(req *message.Message, r *Resource) *Response {
	if r.ETag == nil {
		return nil
	}
	current := r.ETag()
	if matches := req.Options.Find(message.IfMatch); len(matches) > 0 {
		matched := false
		for _, opt := range matches {
			if len(opt.Value) == 0 || string(opt.Value) == string(current) {
				matched = true
				break
			}
		}
		if !matched {
			return &Response{Code: message.PreconditionFailed}
		}
	}
	if req.Options.Has(message.IfNoneMatch) && current != nil {
		return &Response{Code: message.PreconditionFailed}
	}
	return nil
}

// WellKnownCore is the discovery resource's own path (RFC 6690
// section 1.2.1); it is never included in its own listing.
const WellKnownCore = ".well-known/core"

// RenderCoreLinkFormat builds the /.well-known/core payload (RFC 6690
// section 4.1) for every resource in s, restricted to those matching
// every rt=/if=/href= query present in queries.
func (s *Site) RenderCoreLinkFormat(queries []string) []byte {
	filters := parseFilters(queries)

	paths := make([]string, 0, len(s.resources))
	for p := range s.resources {
		if p == WellKnownCore {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	first := true
	for _, p := range paths {
		r := s.resources[p]
		if !matchesFilters(r, filters) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString("</")
		b.WriteString(p)
		b.WriteByte('>')
		for _, key := range sortedKeys(r.Attributes) {
			for _, v := range r.Attributes[key] {
				b.WriteByte(';')
				b.WriteString(key)
				b.WriteByte('=')
				b.WriteByte('"')
				b.WriteString(v)
				b.WriteByte('"')
			}
		}
		if r.Observable {
			b.WriteString(";obs")
		}
	}
	return []byte(b.String())
}

type filter struct {
	key, value string
}

func parseFilters(queries []string) []filter {
	out := make([]filter, 0, len(queries))
	for _, q := range queries {
		if i := strings.IndexByte(q, '='); i >= 0 {
			out = append(out, filter{key: q[:i], value: q[i+1:]})
		}
	}
	return out
}

func matchesFilters(r *Resource, filters []filter) bool {
	for _, f := range filters {
		if f.key != "rt" && f.key != "if" && f.key != "href" {
			continue
		}
		if f.key == "href" {
			if r.Path != f.value {
				return false
			}
			continue
		}
		vals := r.Attributes[f.key]
		found := false
		for _, v := range vals {
			if v == f.value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ParseQuery splits a "key=value" Uri-Query option, returning ok=false
// if it carries no value (used by callers building custom filters
// beyond rt/if/href).
func ParseQuery(q string) (key, value string, ok bool) {
	i := strings.IndexByte(q, '=')
	if i < 0 {
		return q, "", false
	}
	return q[:i], q[i+1:], true
}
