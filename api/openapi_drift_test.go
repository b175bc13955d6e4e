package api

import (
	"net/http"
	"slices"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIOperation struct {
	OperationID string `yaml:"operationId"`
}

type openAPIDoc struct {
	Paths map[string]map[string]openAPIOperation `yaml:"paths"`
}

// documentedRoutes returns "METHOD /path" -> operationId from openapi.yaml.
func documentedRoutes(t *testing.T) map[string]string {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "openapi.yaml must parse")

	routes := make(map[string]string)
	for path, methods := range doc.Paths {
		for method, op := range methods {
			if method == "parameters" || strings.HasPrefix(method, "x-") {
				continue
			}
			routes[strings.ToUpper(method)+" "+path] = op.OperationID
		}
	}
	return routes
}

// registeredRoutes walks the router, skipping the documentation routes.
func registeredRoutes(t *testing.T) []string {
	t.Helper()
	// Router only registers handlers, so a zero API is enough.
	var routes []string
	err := chi.Walk((&API{}).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	slices.Sort(routes)
	return routes
}

func TestOpenAPIDrift(t *testing.T) {
	documented := documentedRoutes(t)
	registered := registeredRoutes(t)

	for _, route := range registered {
		assert.Contains(t, documented, route, "route registered but not documented")
	}
	for route := range documented {
		assert.Contains(t, registered, route, "route documented but not registered")
	}
}

func TestOpenAPIOperationIDs(t *testing.T) {
	seen := make(map[string]string)
	for route, id := range documentedRoutes(t) {
		if !assert.NotEmpty(t, id, "%s has no operationId", route) {
			continue
		}
		if prev, dup := seen[id]; dup {
			t.Errorf("operationId %q used by both %s and %s", id, prev, route)
		}
		seen[id] = route
	}
}
