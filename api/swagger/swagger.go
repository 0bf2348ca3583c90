package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Procurement API",
        "description": "Purchase request lifecycle, project budgets and cost ledger",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "tags": [
        {"name": "Requests", "description": "Purchase request workflow"},
        {"name": "Projects", "description": "Projects and their budgets"},
        {"name": "Costs", "description": "Manual budget adjustments"},
        {"name": "Reports", "description": "Request exports"}
    ],
    "paths": {
        "/requests": {
            "get": {
                "tags": ["Requests"],
                "summary": "List requests visible to the caller",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "projectNumbers", "in": "query", "type": "array", "items": {"type": "integer"}, "collectionFormat": "csv"},
                    {"name": "vendor", "in": "query", "type": "string", "description": "Vendor substring"},
                    {"name": "url", "in": "query", "type": "string", "description": "Exact order URL"},
                    {"name": "status", "in": "query", "type": "array", "items": {"type": "string"}, "collectionFormat": "csv"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Requests"],
                "summary": "Create a request, optionally submitting it",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "Idempotency-Key", "in": "header", "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateProcurementRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Not a project member", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/events": {
            "get": {
                "tags": ["Requests"],
                "summary": "Server-sent stream of committed transitions",
                "security": [{"BearerAuth": []}],
                "produces": ["text/event-stream"],
                "responses": {
                    "200": {"description": "Event stream"}
                }
            }
        },
        "/requests/{id}": {
            "get": {
                "tags": ["Requests"],
                "summary": "Get a request with the actions the caller may take",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Requests"],
                "summary": "Edit a saved request or one sent back for updates",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EditProcurementRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Not editable or changed concurrently", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/{id}/history": {
            "get": {
                "tags": ["Requests"],
                "summary": "Request history, oldest first",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/{id}/submit": {
            "post": {
                "tags": ["Requests"],
                "summary": "Submit a saved request for manager approval",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "Idempotency-Key", "in": "header", "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/SubmitRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid transition", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/requests/{id}/transitions": {
            "post": {
                "tags": ["Requests"],
                "summary": "Apply a workflow action",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "Idempotency-Key", "in": "header", "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/TransitionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Role cannot take this action", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Invalid transition or concurrent modification", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "503": {"description": "Storage unavailable", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects": {
            "get": {
                "tags": ["Projects"],
                "summary": "List projects",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "includeInactive", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Projects"],
                "summary": "Create project",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateProjectRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Project number taken", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects/{number}": {
            "get": {
                "tags": ["Projects"],
                "summary": "Get project",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "number", "in": "path", "required": true, "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Projects"],
                "summary": "Change sponsor, name and members",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "number", "in": "path", "required": true, "type": "integer"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EditProjectRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown project", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/projects/{number}/inactivate": {
            "patch": {
                "tags": ["Projects"],
                "summary": "Inactivate project",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "number", "in": "path", "required": true, "type": "integer"}
                ],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/projects/{number}/recalculate": {
            "post": {
                "tags": ["Projects"],
                "summary": "Rebuild available and pending budget from requests and costs",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "number", "in": "path", "required": true, "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/costs": {
            "get": {
                "tags": ["Costs"],
                "summary": "List costs for projects",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "projectNumbers", "in": "query", "type": "array", "items": {"type": "integer"}, "collectionFormat": "csv"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Costs"],
                "summary": "Record a cost against a project budget",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "Idempotency-Key", "in": "header", "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/AddCostRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports": {
            "post": {
                "tags": ["Reports"],
                "summary": "Generate a request report",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReportRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports/download": {
            "get": {
                "tags": ["Reports"],
                "summary": "Download a generated report with a signed token",
                "parameters": [
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File"},
                    "403": {"description": "Expired or invalid token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LineItemInput": {
            "type": "object",
            "required": ["description", "partNumber", "quantity", "unitCost"],
            "properties": {
                "description": {"type": "string"},
                "partNumber": {"type": "string"},
                "itemURL": {"type": "string"},
                "quantity": {"type": "integer", "minimum": 1},
                "unitCost": {"type": "string", "example": "6.42"}
            }
        },
        "CreateProcurementRequest": {
            "type": "object",
            "required": ["projectNumber", "manager", "vendor", "justification", "items"],
            "properties": {
                "projectNumber": {"type": "integer"},
                "manager": {"type": "string"},
                "vendor": {"type": "string"},
                "URL": {"type": "string"},
                "justification": {"type": "string"},
                "additionalInfo": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/LineItemInput"}},
                "submit": {"type": "boolean"}
            }
        },
        "EditProcurementRequest": {
            "type": "object",
            "required": ["manager", "vendor", "justification", "items"],
            "properties": {
                "manager": {"type": "string"},
                "vendor": {"type": "string"},
                "URL": {"type": "string"},
                "justification": {"type": "string"},
                "additionalInfo": {"type": "string"},
                "items": {"type": "array", "items": {"$ref": "#/definitions/LineItemInput"}},
                "submit": {"type": "boolean"},
                "comment": {"type": "string"}
            }
        },
        "SubmitRequest": {
            "type": "object",
            "properties": {
                "comment": {"type": "string"}
            }
        },
        "TransitionRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string", "enum": ["submit", "cancel", "approveManager", "rejectManager", "updateManager", "approveAdmin", "rejectAdmin", "updateAdmin", "updateManagerAdmin", "order", "readyForPickup", "complete"]},
                "comment": {"type": "string"},
                "shippingCost": {"type": "string", "example": "10.00"}
            }
        },
        "CreateProjectRequest": {
            "type": "object",
            "required": ["projectNumber", "sponsorName", "projectName", "defaultBudget"],
            "properties": {
                "projectNumber": {"type": "integer"},
                "sponsorName": {"type": "string"},
                "projectName": {"type": "string"},
                "membersEmails": {"type": "array", "items": {"type": "string"}},
                "defaultBudget": {"type": "string", "example": "1000.00"}
            }
        },
        "EditProjectRequest": {
            "type": "object",
            "required": ["sponsorName", "projectName", "membersEmails"],
            "properties": {
                "sponsorName": {"type": "string"},
                "projectName": {"type": "string"},
                "membersEmails": {"type": "array", "items": {"type": "string"}}
            }
        },
        "AddCostRequest": {
            "type": "object",
            "required": ["projectNumber", "type", "amount", "comment"],
            "properties": {
                "projectNumber": {"type": "integer"},
                "type": {"type": "string", "enum": ["refund", "reimbursement", "funding", "cut"]},
                "amount": {"type": "string"},
                "comment": {"type": "string"}
            }
        },
        "ReportRequest": {
            "type": "object",
            "properties": {
                "projectNumbers": {"type": "array", "items": {"type": "integer"}},
                "vendor": {"type": "string"},
                "studentEmail": {"type": "string"},
                "managerEmail": {"type": "string"},
                "statuses": {"type": "array", "items": {"type": "string"}},
                "format": {"type": "string", "enum": ["csv", "pdf"]}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
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
