// Package token issues and verifies the two credential kinds the
// control plane uses: single-use registration tokens that gate agent
// enrollment, and per-agent bearer tokens presented on every transport
// connection.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Prad-v/FlowGate-sub000/pkg/models"
	"github.com/Prad-v/FlowGate-sub000/pkg/store"
)

var (
	// ErrTokenInvalid is returned when a token fails verification for
	// any reason other than expiry.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired is returned for a well-formed but expired token.
	ErrTokenExpired = errors.New("token expired")
)

const (
	registrationTokenBytes = 48
	saltBytes              = 16

	// tokenIDSeparator joins the token id and secret in the presented
	// registration token value.
	tokenIDSeparator = "."
)

// SigningKey is one HMAC key in the agent-token rotation set.
type SigningKey struct {
	ID     string
	Secret []byte
}

// Config tunes token issuance.
type Config struct {
	// AgentTokenTTL bounds agent bearer token lifetime.
	AgentTokenTTL time.Duration
	// RegistrationTokenTTL is the default registration token lifetime.
	RegistrationTokenTTL time.Duration
	// SigningKeys is the rotation set, newest first. The first key
	// signs; every key verifies.
	SigningKeys []SigningKey
}

// Service mints and verifies tokens. Registration tokens are stored
// only as salted digests; agent tokens are stateless HS256 JWTs.
type Service struct {
	cfg    Config
	tokens store.TokenStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a token service over the token store.
func NewService(cfg Config, tokens store.TokenStore, logger *slog.Logger) (*Service, error) {
	if len(cfg.SigningKeys) == 0 {
		return nil, errors.New("token: at least one signing key is required")
	}
	for _, k := range cfg.SigningKeys {
		if k.ID == "" || len(k.Secret) == 0 {
			return nil, errors.New("token: signing keys need an id and a secret")
		}
	}
	if cfg.AgentTokenTTL <= 0 {
		cfg.AgentTokenTTL = 24 * time.Hour
	}
	if cfg.RegistrationTokenTTL <= 0 {
		cfg.RegistrationTokenTTL = time.Hour
	}
	return &Service{
		cfg:    cfg,
		tokens: tokens,
		logger: logger.With("component", "token_service"),
		now:    time.Now,
	}, nil
}

func digest(secret, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return h.Sum(nil)
}

// MintRegistrationToken creates a single-use registration token for an
// organization and returns the plain value. The plain value is never
// stored and cannot be recovered afterwards.
func (s *Service) MintRegistrationToken(ctx context.Context, orgID string, ttl time.Duration) (string, *models.RegistrationToken, error) {
	if ttl <= 0 {
		ttl = s.cfg.RegistrationTokenTTL
	}

	secret := make([]byte, registrationTokenBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generate token secret: %w", err)
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("generate token salt: %w", err)
	}

	now := s.now()
	tok := &models.RegistrationToken{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Digest:    digest(secret, salt),
		Salt:      salt,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokens.CreateRegistrationToken(ctx, tok); err != nil {
		return "", nil, fmt.Errorf("store registration token: %w", err)
	}

	plain := tok.ID + tokenIDSeparator + base64.RawURLEncoding.EncodeToString(secret)
	s.logger.Info("minted registration token", "token_id", tok.ID, "organization_id", orgID, "expires_at", tok.ExpiresAt)
	return plain, tok, nil
}

// RedeemRegistrationToken verifies and consumes a presented
// registration token, returning its record. Consumption is
// single-use: a second redemption of the same token fails.
func (s *Service) RedeemRegistrationToken(ctx context.Context, plain string) (*models.RegistrationToken, error) {
	id, encoded, found := strings.Cut(plain, tokenIDSeparator)
	if !found {
		return nil, ErrTokenInvalid
	}
	secret, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	tok, err := s.tokens.GetRegistrationToken(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load registration token: %w", err)
	}

	if subtle.ConstantTimeCompare(digest(secret, tok.Salt), tok.Digest) != 1 {
		return nil, ErrTokenInvalid
	}

	now := s.now()
	if !now.Before(tok.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !tok.Usable(now) {
		return nil, ErrTokenInvalid
	}

	if err := s.tokens.ConsumeRegistrationToken(ctx, tok.ID, now); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("consume registration token: %w", err)
	}
	tok.ConsumedAt = &now
	return tok, nil
}

// RevokeRegistrationToken invalidates an unconsumed token.
func (s *Service) RevokeRegistrationToken(ctx context.Context, id string) error {
	return s.tokens.RevokeRegistrationToken(ctx, id)
}

// AgentClaims is the payload of an agent bearer token.
type AgentClaims struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"organization_id"`
	jwt.RegisteredClaims
}

const agentTokenSubjectKind = "flowgate-agent"

// MintAgentToken issues a bearer token binding the agent to its
// organization, signed with the newest key in the rotation set.
func (s *Service) MintAgentToken(agentID, orgID string) (string, error) {
	key := s.cfg.SigningKeys[0]
	now := s.now()
	claims := AgentClaims{
		AgentID: agentID,
		OrgID:   orgID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentTokenSubjectKind,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AgentTokenTTL)),
			ID:        uuid.NewString(),
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["kid"] = key.ID
	signed, err := t.SignedString(key.Secret)
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// VerifyAgentToken checks signature, expiry, and subject kind, trying
// every key in the rotation set so tokens signed before a rotation
// remain valid until they expire.
func (s *Service) VerifyAgentToken(raw string) (*AgentClaims, error) {
	var claims AgentClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		kid, _ := t.Header["kid"].(string)
		for _, k := range s.cfg.SigningKeys {
			if k.ID == kid {
				return k.Secret, nil
			}
		}
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.Subject != agentTokenSubjectKind || claims.AgentID == "" {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}
