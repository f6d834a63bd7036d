package logger

import (
	"net/http"
	"strings"
	"sync"
)

var (
	bodyLogMu       sync.RWMutex
	bodyLogPrefixes = map[string]struct{}{}
)

// AddBodyLogPrefixes opts path prefixes into request-body logging; serverfx
// adds the gateway base path so task/event inputs land in the access log.
func AddBodyLogPrefixes(prefixes ...string) {
	bodyLogMu.Lock()
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p != "" {
			bodyLogPrefixes[p] = struct{}{}
		}
	}
	bodyLogMu.Unlock()
}

// Only log small JSON request bodies on allowlisted prefixes.
func shouldLogBody(r *http.Request, body []byte) bool {
	if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
		return false
	}
	if len(body) == 0 || len(body) > 1<<16 { // 64 KiB cap
		return false
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		return false
	}
	path := r.URL.Path
	bodyLogMu.RLock()
	defer bodyLogMu.RUnlock()
	for p := range bodyLogPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
