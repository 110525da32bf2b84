package oscore

import (
	"path"
	"sync"
)

// ContextStore maps request paths to the SecurityContext that should
// protect them, matching by path.Match glob pattern and preferring the
// longest matching pattern (spec.md section 6, "Selecting a security
// context"). A client consults it before sending a request; a server
// consults the companion byKid index keyed by the OSCORE option's
// KID/KID Context when unprotecting an inbound request.
type ContextStore struct {
	mu       sync.RWMutex
	byPrefix map[string]*SecurityContext
	byKid    map[string]*SecurityContext
}

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{
		byPrefix: make(map[string]*SecurityContext),
		byKid:    make(map[string]*SecurityContext),
	}
}

// Add registers sc for requests whose Uri-Path string matches the
// path.Match pattern uriPrefix (e.g. "oscore/hello/*"; the string has
// no scheme or host) and indexes it by its Recipient ID for inbound
// lookups.
func (s *ContextStore) Add(uriPrefix string, sc *SecurityContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPrefix[uriPrefix] = sc
	s.byKid[kidKey(sc.Params.RecipientID, sc.Params.IDContext)] = sc
}

// Remove drops the context registered under uriPrefix.
func (s *ContextStore) Remove(uriPrefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.byPrefix[uriPrefix]; ok {
		delete(s.byKid, kidKey(sc.Params.RecipientID, sc.Params.IDContext))
		delete(s.byPrefix, uriPrefix)
	}
}

// ForURI returns the context whose registered pattern matches uri as a
// whole under path.Match, preferring the longest pattern, or nil if
// none applies.
func (s *ContextStore) ForURI(uri string) *SecurityContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *SecurityContext
	bestLen := -1
	for prefix, sc := range s.byPrefix {
		if ok, _ := path.Match(prefix, uri); ok && len(prefix) > bestLen {
			best, bestLen = sc, len(prefix)
		}
	}
	return best
}

// ForKid returns the context whose Recipient ID/ID Context matches an
// inbound OSCORE option, for unprotecting a received request.
func (s *ContextStore) ForKid(kid, idContext []byte) *SecurityContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byKid[kidKey(kid, idContext)]
}

func kidKey(kid, idContext []byte) string {
	return string(idContext) + "\x00" + string(kid)
}
