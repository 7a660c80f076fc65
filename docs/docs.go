// Package docs is generated by swaggo/swag from the handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "post": {
                "description": "Stores the job as PENDING; the worker submits it to the provider.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Create a generation job",
                "parameters": [
                    {"type": "string", "description": "owner of the job", "name": "X-Owner-ID", "in": "header"},
                    {"description": "job type and provider payload", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/httptransport.createJobDTO"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/httptransport.createJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job by id",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/result": {
            "get": {
                "description": "Returns the final stage output as stored.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job result",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/cancel": {
            "post": {
                "description": "Moves a non-terminal job to FAILED. The provider task is not cancelled.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Cancel a job",
                "parameters": [
                    {"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true},
                    {"type": "string", "description": "owner of the job", "name": "X-Owner-ID", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/webhooks/tasks": {
            "post": {
                "description": "HMAC-SHA256 of the raw body in X-Signature (\"sha256=<hex>\").",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["webhooks"],
                "summary": "Provider task notification",
                "parameters": [
                    {"type": "string", "description": "sha256=<hex hmac of body>", "name": "X-Signature", "in": "header", "required": true},
                    {"description": "task status", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/service.Notification"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.webhookResp"}},
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.webhookResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/ops/error-aggregations": {
            "get": {
                "produces": ["application/json"],
                "tags": ["ops"],
                "summary": "Hourly error buckets",
                "parameters": [
                    {"type": "integer", "description": "lookback in hours (default 24)", "name": "hours", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/entity.ErrorAggregation"}}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.ErrorAggregation": {
            "type": "object",
            "properties": {
                "hour": {"type": "string"},
                "endpoint": {"type": "string"},
                "severity": {"type": "string"},
                "category": {"type": "string"},
                "error_count": {"type": "integer"},
                "unique_actors": {"type": "integer"},
                "updated_at": {"type": "string"}
            }
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {"message": {"type": "string"}}
        },
        "httptransport.createJobDTO": {
            "type": "object",
            "properties": {
                "jobType": {"type": "string"},
                "payload": {"type": "object"}
            }
        },
        "httptransport.createJobResp": {
            "type": "object",
            "properties": {"jobId": {"type": "string"}}
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "jobType": {"type": "string"},
                "state": {"type": "string"},
                "stage": {"type": "integer"},
                "attempt": {"type": "integer"},
                "maxAttempts": {"type": "integer"},
                "result": {"type": "object"},
                "failureKind": {"type": "string"},
                "failureReason": {"type": "string"},
                "lastError": {"type": "string"},
                "createdAt": {"type": "string"},
                "updatedAt": {"type": "string"},
                "expiresAt": {"type": "string"}
            }
        },
        "httptransport.webhookResp": {
            "type": "object",
            "properties": {"outcome": {"type": "string"}}
        },
        "service.Notification": {
            "type": "object",
            "properties": {
                "externalTaskId": {"type": "string"},
                "status": {"type": "string"},
                "result": {"type": "object"},
                "error": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Asset Job Orchestrator API",
	Description:      "Async generation jobs driven through external provider pipelines.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
