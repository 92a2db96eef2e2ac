package main

import (
	"net/http"

	"github.com/luiz1143/Analisa-vet/internal/platform/openapi"
)

func newAPIDocs(version, baseURL string) *openapi.Generator {
	g := openapi.NewGenerator(version, baseURL)
	errResp := func(desc string) openapi.Response { return openapi.Response{Description: desc, Schema: "Error"} }

	g.Describe(http.MethodGet, "/health", openapi.Operation{Summary: "Liveness check", Tag: "ops", Public: true})
	g.Describe(http.MethodGet, "/health/db", openapi.Operation{
		Summary: "Store connectivity check", Tag: "ops", Public: true,
		Responses: map[int]openapi.Response{
			http.StatusOK:                 {Description: "Store reachable"},
			http.StatusServiceUnavailable: {Description: "Store unreachable"},
		},
	})
	g.Describe(http.MethodGet, "/metrics", openapi.Operation{Summary: "Prometheus metrics", Tag: "ops", Public: true})
	g.Describe(http.MethodPost, "/webhooks/payments", openapi.Operation{
		Summary: "Payment provider notification, authenticated by signature", Tag: "payments", Public: true,
		Responses: map[int]openapi.Response{
			http.StatusOK:                 {Description: "Event applied"},
			http.StatusAccepted:           {Description: "Event ignored or parked"},
			http.StatusUnauthorized:       {Description: "Bad signature"},
			http.StatusServiceUnavailable: {Description: "Not applied, redeliver later"},
		},
	})

	g.Describe(http.MethodGet, "/api/v1/reference-ranges", openapi.Operation{
		Summary: "Reference ranges for a species", Tag: "reference-ranges",
		Responses: map[int]openapi.Response{
			http.StatusOK:         {Description: "Ranges"},
			http.StatusBadRequest: errResp("Unknown species"),
		},
	})
	g.Describe(http.MethodPost, "/api/v1/analyses", openapi.Operation{
		Summary: "Submit an exam for analysis", Tag: "analyses", RequestBody: "AnalysisRequest",
		Responses: map[int]openapi.Response{
			http.StatusCreated:             {Description: "Report created, preview disclosed", Schema: "Disclosure"},
			http.StatusBadRequest:          errResp("Malformed body"),
			http.StatusUnprocessableEntity: {Description: "Invalid measurements", Schema: "ValidationError"},
		},
	})
	g.Describe(http.MethodPost, "/api/v1/analyses/extract", openapi.Operation{
		Summary: "Extract measurements from an uploaded PDF, CSV or text file", Tag: "analyses",
		Responses: map[int]openapi.Response{
			http.StatusOK:                   {Description: "Extracted measurements", Schema: "ExtractedMeasurements"},
			http.StatusUnsupportedMediaType: errResp("Unsupported file type"),
			http.StatusUnprocessableEntity:  errResp("Unreadable PDF or no measurements recognized"),
		},
	})
	g.Describe(http.MethodGet, "/api/v1/reports", openapi.Operation{
		Summary: "List the caller's reports as previews", Tag: "reports",
		Responses: map[int]openapi.Response{http.StatusOK: {Description: "Page of previews", Schema: "Page"}},
	})
	g.Describe(http.MethodGet, "/api/v1/reports/:id", openapi.Operation{
		Summary: "Get a report at the disclosure level its orders allow", Tag: "reports",
		Responses: map[int]openapi.Response{
			http.StatusOK:       {Description: "Preview or full report", Schema: "Disclosure"},
			http.StatusNotFound: errResp("Report not found"),
		},
	})
	g.Describe(http.MethodGet, "/api/v1/reports/:id/orders", openapi.Operation{
		Summary: "List orders placed for a report", Tag: "payments",
	})
	g.Describe(http.MethodPost, "/api/v1/orders", openapi.Operation{
		Summary: "Create a checkout order for a report", Tag: "payments", RequestBody: "OrderRequest",
		Responses: map[int]openapi.Response{
			http.StatusCreated:            {Description: "Order created", Schema: "Order"},
			http.StatusNotFound:           errResp("Report not found"),
			http.StatusConflict:           errResp("Report already paid or an order is open"),
			http.StatusServiceUnavailable: errResp("Checkout unavailable or order busy"),
			http.StatusBadGateway:         errResp("Payment provider unavailable"),
		},
	})
	g.Describe(http.MethodGet, "/api/v1/orders/:id", openapi.Operation{
		Summary: "Get an order", Tag: "payments",
		Responses: map[int]openapi.Response{
			http.StatusOK:       {Description: "Order"},
			http.StatusNotFound: errResp("Order not found"),
		},
	})
	g.Describe(http.MethodGet, "/api/v1/admin/parked-events", openapi.Operation{
		Summary: "List webhook events parked for review", Tag: "admin",
		Responses: map[int]openapi.Response{
			http.StatusOK:        {Description: "Page of events", Schema: "Page"},
			http.StatusForbidden: errResp("Admin role required"),
		},
	})
	g.Describe(http.MethodGet, "/api/v1/openapi.json", openapi.Operation{Summary: "This document", Tag: "ops", Public: true})
	g.Describe(http.MethodGet, "/api/v1/docs", openapi.Operation{Summary: "Interactive API docs", Tag: "ops", Public: true})
	return g
}
