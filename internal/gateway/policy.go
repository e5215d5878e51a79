package gateway

import (
	"net/http"
	"path"
	"strings"
)

// Class is a request category from the policy table.
type Class string

const (
	ClassAPI      Class = "api"
	ClassStatic   Class = "static"
	ClassDocument Class = "document"
	ClassOther    Class = "other"
)

// Strategy is how a class is answered.
type Strategy string

const (
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyNetworkThenCache     Strategy = "network-then-cache"
)

var (
	apiPrefixes    = []string{"/api/", "/auth/"}
	staticPrefixes = []string{"/static/", "/icons/", "/assets/"}
	staticExts     = map[string]struct{}{
		".css": {}, ".js": {}, ".mjs": {}, ".map": {},
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".ico": {}, ".avif": {},
	}
)

// Classify maps a request onto the policy table. Rules are checked in
// priority order; the first match wins.
func Classify(r *http.Request) Class {
	p := r.URL.Path
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassAPI
		}
	}
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return ClassStatic
		}
	}
	if _, ok := staticExts[strings.ToLower(path.Ext(p))]; ok {
		return ClassStatic
	}
	if r.Method == http.MethodGet && isNavigation(r) {
		return ClassDocument
	}
	return ClassOther
}

func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// StrategyFor returns the strategy used for class.
func StrategyFor(class Class) Strategy {
	switch class {
	case ClassAPI:
		return StrategyNetworkFirst
	case ClassStatic:
		return StrategyCacheFirst
	case ClassDocument:
		return StrategyStaleWhileRevalidate
	default:
		return StrategyNetworkThenCache
	}
}
