package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
	// TokenTypeService authenticates the audio task service on stage callbacks.
	TokenTypeService TokenType = "service"
)

// ServiceRole is the only role a service token may carry.
const ServiceRole = "task_service"

// Claims are the only supported JWT claims shape for this service.
// Operator tokens are scoped to one agency; service tokens carry no agency.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	AgencyID  string    `json:"agency_id,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
