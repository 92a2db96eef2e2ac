package openapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Operation documents one route. RequestBody and the Responses values name
// schemas under components; an empty schema name means no body.
type Operation struct {
	Summary     string
	Tag         string
	Public      bool
	RequestBody string
	Responses   map[int]Response
}

type Response struct {
	Description string
	Schema      string
}

// Generator builds an OpenAPI 3.0 document from the routes registered on an
// echo instance. Undescribed routes are still listed, with a bare summary.
type Generator struct {
	version string
	baseURL string
	ops     map[string]Operation
}

// NewGenerator creates a new OpenAPI document generator.
func NewGenerator(version, baseURL string) *Generator {
	return &Generator{version: version, baseURL: baseURL, ops: make(map[string]Operation)}
}

// Describe attaches documentation to a route, keyed by method and echo path.
func (g *Generator) Describe(method, path string, op Operation) {
	g.ops[method+" "+path] = op
}

// GenerateSpec produces the OpenAPI 3.0 document as a map.
func (g *Generator) GenerateSpec(routes []*echo.Route) map[string]interface{} {
	sorted := make([]*echo.Route, 0, len(routes))
	for _, r := range routes {
		if r.Method == echo.RouteNotFound || r.Method == http.MethodOptions || strings.HasSuffix(r.Path, "*") {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Method < sorted[j].Method
	})

	paths := make(map[string]interface{})
	for _, r := range sorted {
		path, params := convertPath(r.Path)
		item, _ := paths[path].(map[string]interface{})
		if item == nil {
			item = make(map[string]interface{})
			paths[path] = item
		}
		item[strings.ToLower(r.Method)] = g.buildOperation(r, params)
	}

	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Analisa Vet API",
			"version":     g.version,
			"description": "Veterinary lab exam analysis with paid report disclosure",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": componentSchemas(),
			"securitySchemes": map[string]interface{}{
				"bearerAuth": map[string]string{"type": "http", "scheme": "bearer", "bearerFormat": "JWT"},
			},
		},
	}
}

func (g *Generator) buildOperation(r *echo.Route, params []string) map[string]interface{} {
	op, ok := g.ops[r.Method+" "+r.Path]
	if !ok {
		op = Operation{Summary: r.Method + " " + r.Path}
	}

	out := map[string]interface{}{
		"summary":     op.Summary,
		"operationId": operationID(r.Method, r.Path),
	}
	if op.Tag != "" {
		out["tags"] = []string{op.Tag}
	}
	if len(params) > 0 {
		ps := make([]map[string]interface{}, 0, len(params))
		for _, p := range params {
			ps = append(ps, map[string]interface{}{
				"name":     p,
				"in":       "path",
				"required": true,
				"schema":   map[string]string{"type": "string"},
			})
		}
		out["parameters"] = ps
	}
	if op.RequestBody != "" {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content":  jsonContent(op.RequestBody),
		}
	}
	if !op.Public {
		out["security"] = []map[string][]string{{"bearerAuth": {}}}
	}

	responses := make(map[string]interface{})
	for code, resp := range op.Responses {
		responses[strconv.Itoa(code)] = buildResponse(resp)
	}
	if len(responses) == 0 {
		responses["200"] = map[string]string{"description": "OK"}
	}
	if !op.Public {
		responses["401"] = buildResponse(Response{Description: "Missing or invalid bearer token", Schema: "Error"})
	}
	out["responses"] = responses
	return out
}

func buildResponse(resp Response) map[string]interface{} {
	out := map[string]interface{}{"description": resp.Description}
	if resp.Schema != "" {
		out["content"] = jsonContent(resp.Schema)
	}
	return out
}

func jsonContent(schema string) map[string]interface{} {
	return map[string]interface{}{
		"application/json": map[string]interface{}{
			"schema": map[string]string{"$ref": "#/components/schemas/" + schema},
		},
	}
}

// convertPath turns echo ":id" segments into OpenAPI "{id}" templates.
func convertPath(path string) (string, []string) {
	segs := strings.Split(path, "/")
	var params []string
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			params = append(params, s[1:])
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/"), params
}

// operationID builds a camel-case id such as "getApiV1ReportsId".
func operationID(method, path string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	for _, s := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '-' || r == '.' }) {
		s = strings.TrimPrefix(s, ":")
		if s == "" {
			continue
		}
		b.WriteString(strings.ToUpper(s[:1]) + s[1:])
	}
	return b.String()
}

// componentSchemas describes the JSON bodies shared across operations.
func componentSchemas() map[string]interface{} {
	str := map[string]string{"type": "string"}
	num := map[string]string{"type": "number"}
	integer := map[string]string{"type": "integer"}
	ref := func(name string) map[string]string { return map[string]string{"$ref": "#/components/schemas/" + name} }
	arrayOf := func(item interface{}) map[string]interface{} {
		return map[string]interface{}{"type": "array", "items": item}
	}
	object := func(required []string, props map[string]interface{}) map[string]interface{} {
		out := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			out["required"] = required
		}
		return out
	}

	return map[string]interface{}{
		"Error": object([]string{"message"}, map[string]interface{}{
			"message": str,
		}),
		"Measurement": object([]string{"code", "value"}, map[string]interface{}{
			"code":        str,
			"value":       num,
			"unit":        str,
			"measured_at": map[string]string{"type": "string", "format": "date-time"},
		}),
		"Patient": object(nil, map[string]interface{}{
			"name":  str,
			"breed": str,
			"age":   str,
			"sex":   str,
			"tutor": str,
		}),
		"AnalysisRequest": object([]string{"species"}, map[string]interface{}{
			"species":      str,
			"submitted_at": map[string]string{"type": "string", "format": "date-time"},
			"patient":      ref("Patient"),
			"measurements": arrayOf(ref("Measurement")),
			"text":         str,
		}),
		"ValidationError": object([]string{"error", "test_codes"}, map[string]interface{}{
			"error":      str,
			"test_codes": arrayOf(str),
			"issues": arrayOf(object(nil, map[string]interface{}{
				"code":   str,
				"field":  str,
				"reason": str,
			})),
		}),
		"Disclosure": object([]string{"level"}, map[string]interface{}{
			"report_id":    str,
			"level":        map[string]interface{}{"type": "string", "enum": []string{"preview", "full"}},
			"order_status": str,
			"preview":      map[string]string{"type": "object"},
			"report":       map[string]string{"type": "object"},
		}),
		"ExtractedMeasurements": object([]string{"count"}, map[string]interface{}{
			"measurements": arrayOf(ref("Measurement")),
			"count":        integer,
		}),
		"OrderRequest": object([]string{"report_id", "amount", "currency"}, map[string]interface{}{
			"report_id":   str,
			"amount":      map[string]string{"type": "integer", "format": "int64"},
			"currency":    str,
			"payer_email": str,
		}),
		"Order": object([]string{"order_id", "report_id", "status"}, map[string]interface{}{
			"order_id":           map[string]string{"type": "string", "format": "uuid"},
			"report_id":          str,
			"status":             str,
			"checkout_reference": str,
			"checkout_url":       str,
			"amount":             map[string]string{"type": "integer", "format": "int64"},
			"currency":           str,
		}),
		"Page": object([]string{"data", "total"}, map[string]interface{}{
			"data":     arrayOf(map[string]string{"type": "object"}),
			"total":    integer,
			"limit":    integer,
			"offset":   integer,
			"has_more": map[string]string{"type": "boolean"},
		}),
	}
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>Analisa Vet API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "openapi.json",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis],
      layout: "BaseLayout"
    })
  </script>
</body>
</html>`

// RegisterRoutes registers the OpenAPI endpoints. The document is built from
// e's routes on each request, so it reflects everything registered by then.
func (g *Generator) RegisterRoutes(e *echo.Echo, apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec(e.Routes()))
	})
	apiGroup.GET("/docs", func(c echo.Context) error {
		return c.HTML(http.StatusOK, swaggerUIHTML)
	})
}
