package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "COI Compliance API",
        "description": "Certificate of insurance collection and approval workflow",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "COI", "description": "COI records, brokers and certificates"},
        {"name": "Broker", "description": "Broker uploads, signature and submission"},
        {"name": "Review", "description": "Admin review, archive and notification retry"},
        {"name": "Documents", "description": "Signed document downloads"}
    ],
    "paths": {
        "/cois": {
            "get": {
                "tags": ["COI"],
                "summary": "List COI records visible to the caller",
                "parameters": [
                    {"name": "status", "in": "query", "type": "string", "description": "Comma separated statuses"},
                    {"name": "projectId", "in": "query", "type": "string"},
                    {"name": "brokerEmail", "in": "query", "type": "string"},
                    {"name": "includeArchived", "in": "query", "type": "boolean"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["COI"],
                "summary": "Add a subcontractor to a project",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateCOIRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Duplicate project and subcontractor", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cois/export": {
            "get": {
                "tags": ["COI"],
                "summary": "Export COI records as CSV",
                "produces": ["text/csv"],
                "responses": {"200": {"description": "CSV file"}}
            }
        },
        "/cois/{id}": {
            "get": {
                "tags": ["COI"],
                "summary": "Get a COI record",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cois/{id}/brokers": {
            "put": {
                "tags": ["COI"],
                "summary": "Replace broker contacts",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/AssignBrokersRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/certificate": {
            "post": {
                "tags": ["COI"],
                "summary": "Generate the main certificate PDF",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/assignment": {
            "get": {
                "tags": ["Broker"],
                "summary": "Policy lines assigned to the calling broker",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "No policies assigned", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cois/{id}/policies/{kind}/document": {
            "post": {
                "tags": ["Broker"],
                "summary": "Upload a policy document",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "kind", "in": "path", "required": true, "type": "string", "enum": ["gl", "umbrella", "auto", "wc"]},
                    {"name": "file", "in": "formData", "required": true, "type": "file"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/signature": {
            "post": {
                "tags": ["Broker"],
                "summary": "Sign the certificate",
                "consumes": ["multipart/form-data", "application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "file", "in": "formData", "type": "file"},
                    {"name": "signerName", "in": "formData", "type": "string"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/readiness": {
            "get": {
                "tags": ["Broker"],
                "summary": "What still blocks the broker's submission",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/submit": {
            "post": {
                "tags": ["Broker"],
                "summary": "Submit for admin review",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Missing documents or signature", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/cois/{id}/approve": {
            "post": {
                "tags": ["Review"],
                "summary": "Approve a record under review",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/reject": {
            "post": {
                "tags": ["Review"],
                "summary": "Reject a record under review",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RejectRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/archive": {
            "post": {
                "tags": ["Review"],
                "summary": "Archive a record",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/unarchive": {
            "post": {
                "tags": ["Review"],
                "summary": "Unarchive a record",
                "parameters": [{"name": "id", "in": "path", "required": true, "type": "string"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/notifications/retry": {
            "post": {
                "tags": ["Review"],
                "summary": "Re-dispatch a notification event",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RetryNotificationRequest"}}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/cois/{id}/audit": {
            "get": {
                "tags": ["Review"],
                "summary": "Audit trail of a record",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/brokers": {
            "get": {
                "tags": ["COI"],
                "summary": "Known broker contacts",
                "parameters": [
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/policies": {
            "get": {
                "tags": ["COI"],
                "summary": "Policy catalog",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/documents/{token}": {
            "get": {
                "tags": ["Documents"],
                "summary": "Download a stored document",
                "security": [],
                "parameters": [{"name": "token", "in": "path", "required": true, "type": "string"}],
                "responses": {
                    "200": {"description": "File"},
                    "403": {"description": "Invalid or expired link", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "BrokerContactInput": {
            "type": "object",
            "required": ["email"],
            "properties": {
                "name": {"type": "string"},
                "email": {"type": "string"},
                "phone": {"type": "string"}
            }
        },
        "CreateCOIRequest": {
            "type": "object",
            "required": ["projectId", "projectName", "gcName", "subcontractorId", "subcontractorName"],
            "properties": {
                "projectId": {"type": "string"},
                "projectName": {"type": "string"},
                "projectState": {"type": "string"},
                "gcId": {"type": "string"},
                "gcName": {"type": "string"},
                "gcEmail": {"type": "string"},
                "subcontractorId": {"type": "string"},
                "subcontractorName": {"type": "string"},
                "tradeType": {"type": "string"},
                "brokerMode": {"type": "string", "enum": ["single", "per_policy"]},
                "broker": {"$ref": "#/definitions/BrokerContactInput"},
                "policyBrokers": {"type": "object", "additionalProperties": {"$ref": "#/definitions/BrokerContactInput"}},
                "optionalPolicies": {"type": "array", "items": {"type": "string"}},
                "requiredPolicies": {"type": "array", "items": {"type": "string"}}
            }
        },
        "AssignBrokersRequest": {
            "type": "object",
            "required": ["brokerMode"],
            "properties": {
                "brokerMode": {"type": "string", "enum": ["single", "per_policy"]},
                "broker": {"$ref": "#/definitions/BrokerContactInput"},
                "policyBrokers": {"type": "object", "additionalProperties": {"$ref": "#/definitions/BrokerContactInput"}}
            }
        },
        "RejectRequest": {
            "type": "object",
            "required": ["reason"],
            "properties": {"reason": {"type": "string"}}
        },
        "RetryNotificationRequest": {
            "type": "object",
            "required": ["event"],
            "properties": {
                "event": {"type": "string", "enum": ["broker_assigned", "review_requested", "approved", "rejected", "broker_confirmation"]}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "limit": {"type": "integer"},
                "offset": {"type": "integer"},
                "count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "details": {"type": "object"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "warnings": {"type": "array", "items": {"type": "string"}},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
