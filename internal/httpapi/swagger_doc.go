//go:build swagger

package httpapi

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {"get": {"summary": "Controller, queue, idle and safety state", "responses": {"200": {"description": "OK"}}}},
        "/queue": {
            "get": {"summary": "List jobs", "parameters": [
                {"name": "status", "in": "query", "type": "string"},
                {"name": "limit", "in": "query", "type": "integer"}
            ], "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Enqueue a quantization job", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}}
        },
        "/queue/populate": {"post": {"summary": "Enqueue configured model/method pairs", "responses": {"200": {"description": "OK"}}}},
        "/jobs/{id}": {"get": {"summary": "Get a job", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/runs": {"get": {"summary": "Run history, newest first", "responses": {"200": {"description": "OK"}}}},
        "/runs/{id}": {"get": {"summary": "Get a run", "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/start": {"post": {"summary": "Start the control loop", "responses": {"200": {"description": "OK"}, "409": {"description": "Halted"}}}},
        "/stop": {"post": {"summary": "Stop admitting jobs", "responses": {"200": {"description": "OK"}}}},
        "/estop": {
            "post": {"summary": "Engage the emergency stop", "responses": {"200": {"description": "OK"}}},
            "delete": {"summary": "Release the emergency stop", "responses": {"200": {"description": "OK"}}}
        },
        "/deploy": {"post": {"summary": "Validate and promote a candidate", "responses": {"200": {"description": "OK"}, "409": {"description": "Halted"}, "422": {"description": "Validation failed"}}}},
        "/restore": {"post": {"summary": "Restore a backup", "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/backups": {"get": {"summary": "Backups and the active model", "responses": {"200": {"description": "OK"}}}},
        "/review/{candidate}": {"get": {"summary": "Samples awaiting human ratings", "parameters": [{"name": "candidate", "in": "path", "required": true, "type": "string"}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/ratings": {"post": {"summary": "Record a human rating", "responses": {"201": {"description": "Created"}}}},
        "/evaluate": {"post": {"summary": "Score and rank candidates", "responses": {"200": {"description": "OK"}, "504": {"description": "Timeout"}}}},
        "/healthz": {"get": {"summary": "Liveness", "responses": {"200": {"description": "OK"}}}},
        "/readyz": {"get": {"summary": "Readiness; 503 while halted", "responses": {"200": {"description": "OK"}, "503": {"description": "Halted"}}}}
    }
}`

// SwaggerInfo holds the exported Swagger metadata.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "quantpilot API",
	Description:      "Control API of the quantization autopilot: queue, safety state, deployment and human review.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
