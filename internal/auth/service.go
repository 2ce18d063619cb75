package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Caller roles.
const (
	RoleAdmin     = "admin"
	RoleMember    = "member"
	RoleService   = "service"
	RoleAffiliate = "affiliate"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated caller. WorkspaceID scopes members and metering
// services; AffiliateID scopes affiliates.
type Principal struct {
	UserID      uuid.UUID
	Role        string
	WorkspaceID *uuid.UUID
	AffiliateID *uuid.UUID
}

// CanAccessWorkspace reports whether p may read or meter workspace id.
// A service token without a workspace meters for every workspace.
func (p *Principal) CanAccessWorkspace(id uuid.UUID) bool {
	if p.Role == RoleAdmin || (p.Role == RoleService && p.WorkspaceID == nil) {
		return true
	}
	return p.WorkspaceID != nil && *p.WorkspaceID == id
}

// CanAccessAffiliate reports whether p may act for affiliate id.
func (p *Principal) CanAccessAffiliate(id uuid.UUID) bool {
	if p.Role == RoleAdmin {
		return true
	}
	return p.Role == RoleAffiliate && p.AffiliateID != nil && *p.AffiliateID == id
}

type Service interface {
	IssueToken(p Principal, ttl time.Duration) (string, error)
	ValidateToken(ctx context.Context, token string) (*Principal, error)
}

type service struct {
	secret []byte
}

func NewService(secret []byte) *service {
	return &service{secret: secret}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role        string `json:"role"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AffiliateID string `json:"affiliate_id,omitempty"`
}

func validRole(role string) bool {
	switch role {
	case RoleAdmin, RoleMember, RoleService, RoleAffiliate:
		return true
	}
	return false
}

func (s *service) IssueToken(p Principal, ttl time.Duration) (string, error) {
	if !validRole(p.Role) {
		return "", fmt.Errorf("invalid role %q", p.Role)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: p.Role,
	}
	if p.WorkspaceID != nil {
		c.WorkspaceID = p.WorkspaceID.String()
	}
	if p.AffiliateID != nil {
		c.AffiliateID = p.AffiliateID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (*Principal, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || !validRole(c.Role) {
		return nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrInvalidToken, err)
	}
	p := &Principal{UserID: id, Role: c.Role}
	if p.WorkspaceID, err = optionalUUID(c.WorkspaceID); err != nil {
		return nil, err
	}
	if p.AffiliateID, err = optionalUUID(c.AffiliateID); err != nil {
		return nil, err
	}
	return p, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &id, nil
}
