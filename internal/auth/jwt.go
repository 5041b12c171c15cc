package auth

import (
	"errors"
	"time"

	"callpipeline/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

/* ===================== ISSUE TOKENS ===================== */

// IssuePair issues an operator access/refresh pair scoped to agencyID.
func (m *Manager) IssuePair(now time.Time, userID, agencyID, role string) (TokenPair, error) {
	access, err := m.issue(now, Claims{
		UserID:    userID,
		AgencyID:  agencyID,
		Role:      role,
		TokenType: TokenTypeAccess,
	}, m.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	// refresh tokens DO NOT carry role
	refresh, err := m.issue(now, Claims{
		UserID:    userID,
		AgencyID:  agencyID,
		TokenType: TokenTypeRefresh,
	}, m.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
	}, nil
}

// IssueServiceToken issues a long-lived token for the audio task service to sign
// its stage callbacks with.
func (m *Manager) IssueServiceToken(now time.Time, serviceName string, ttl time.Duration) (string, error) {
	if serviceName == "" {
		return "", errors.New("service name required")
	}
	return m.issue(now, Claims{
		UserID:    serviceName,
		Role:      ServiceRole,
		TokenType: TokenTypeService,
	}, ttl)
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)

	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	if err := jwt.NewValidator(opts...).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}

	if claims.TokenType != expected {
		return Claims{}, errors.New("token_type mismatch")
	}
	if claims.UserID == "" {
		return Claims{}, errors.New("user_id missing")
	}

	switch expected {
	case TokenTypeService:
		if claims.Role != ServiceRole {
			return Claims{}, errors.New("service token carries an operator role")
		}
	case TokenTypeAccess:
		if claims.AgencyID == "" {
			return Claims{}, errors.New("agency_id missing")
		}
		if claims.Role == "" {
			return Claims{}, errors.New("role missing in access token")
		}
	case TokenTypeRefresh:
		if claims.AgencyID == "" {
			return Claims{}, errors.New("agency_id missing")
		}
	}

	return claims, nil
}

/* ===================== INTERNAL ISSUE ===================== */

func (m *Manager) issue(now time.Time, claims Claims, ttl time.Duration) (string, error) {
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    m.issuer,
		Audience:  audienceOrNil(m.audience),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

func audienceOrNil(aud string) jwt.ClaimStrings {
	if aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}
