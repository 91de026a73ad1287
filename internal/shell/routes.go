package shell

import "strings"

var publicRoutes = map[string]bool{
	"/":        true,
	"/landing": true,
	"/about":   true,
	"/pricing": true,
	"/privacy": true,
	"/terms":   true,
	"/health":  true,
}

var publicPrefixes = []string{"/legal/"}

// IsPublic reports whether route renders without the local store.
func IsPublic(route string) bool {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	if route != "/" {
		route = strings.TrimSuffix(route, "/")
	}
	if publicRoutes[route] {
		return true
	}
	for _, p := range publicPrefixes {
		if strings.HasPrefix(route, p) || route+"/" == p {
			return true
		}
	}
	return false
}
