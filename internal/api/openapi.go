package api

import "net/http"

func bearer() []any {
	return []any{map[string]any{"BearerAuth": []string{}}}
}

func jsonResponse(description, schemaRef string) map[string]any {
	return map[string]any{
		"description": description,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/" + schemaRef},
			},
		},
	}
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every route
// Server.routes registers.
func buildOpenAPIDoc() map[string]any {
	unauthorized := jsonResponse("Missing or invalid API key", "Error")

	paths := map[string]any{
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness and active run count",
				"responses": map[string]any{
					"200": jsonResponse("Server is up", "Healthz"),
				},
			},
		},
		"/runs": map[string]any{
			"get": map[string]any{
				"operationId": "listRuns",
				"summary":     "Recent runs, newest first",
				"security":    bearer(),
				"parameters": []any{
					map[string]any{"name": "branch", "in": "query", "schema": map[string]any{"type": "string"}},
					map[string]any{"name": "limit", "in": "query", "schema": map[string]any{"type": "integer", "minimum": 1, "maximum": maxListLimit}},
				},
				"responses": map[string]any{
					"200": jsonResponse("Run summaries", "RunList"),
					"400": jsonResponse("Bad query", "Error"),
					"401": unauthorized,
				},
			},
			"post": map[string]any{
				"operationId": "triggerRun",
				"summary":     "Start a pipeline run",
				"security":    bearer(),
				"requestBody": map[string]any{
					"required": false,
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/TriggerRequest"},
						},
					},
				},
				"responses": map[string]any{
					"202": jsonResponse("Run accepted", "TriggerResponse"),
					"400": jsonResponse("Bad request", "Error"),
					"401": unauthorized,
					"503": jsonResponse("Triggers disabled or busy", "Error"),
				},
			},
		},
		"/runs/{runID}": map[string]any{
			"get": map[string]any{
				"operationId": "getRun",
				"summary":     "Full report of one run",
				"security":    bearer(),
				"parameters": []any{
					map[string]any{"name": "runID", "in": "path", "required": true, "schema": map[string]any{"type": "string"}},
				},
				"responses": map[string]any{
					"200": map[string]any{"description": "Run report"},
					"401": unauthorized,
					"404": jsonResponse("Unknown run", "Error"),
				},
			},
		},
		"/events": map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Server-sent stream of run progress",
				"security":    bearer(),
				"parameters": []any{
					map[string]any{"name": "run", "in": "query", "description": "Only this run's events; closes after its run.finished", "schema": map[string]any{"type": "string"}},
					map[string]any{"name": "types", "in": "query", "description": "Comma separated event types", "schema": map[string]any{"type": "string"}},
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
					"401": unauthorized,
				},
			},
		},
	}

	str := map[string]any{"type": "string"}
	schemas := map[string]any{
		"Error": map[string]any{
			"type":       "object",
			"properties": map[string]any{"error": str},
		},
		"Healthz": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"status":         str,
				"uptime_seconds": map[string]any{"type": "integer"},
				"active_runs":    map[string]any{"type": "integer"},
			},
		},
		"TriggerRequest": map[string]any{
			"type":       "object",
			"properties": map[string]any{"branch": str},
		},
		"TriggerResponse": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"run_id": str,
				"branch": str,
				"status": str,
			},
		},
		"RunList": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"runs": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"run_id":      str,
							"branch":      str,
							"status":      map[string]any{"type": "string", "enum": []string{"success", "failure", "cancelled"}},
							"jobs":        map[string]any{"type": "integer"},
							"started_at":  map[string]any{"type": "string", "format": "date-time"},
							"finished_at": map[string]any{"type": "string", "format": "date-time"},
						},
					},
				},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Gantry",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
			"schemas": schemas,
		},
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
