// Package auth issues and checks the bearer tokens agents use against the
// REST API and the realtime channel.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jordanhubbard/loomdesk/internal/logging"
	"github.com/jordanhubbard/loomdesk/pkg/config"
	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "loomdesk"

// ErrInvalidCredentials hides which half of the login was wrong
var ErrInvalidCredentials = errors.New("invalid agent id or password")

// Claims are carried in every token
type Claims struct {
	AgentID string      `json:"agentId"`
	Role    models.Role `json:"role"`
	jwt.RegisteredClaims
}

type account struct {
	role         models.Role
	passwordHash string
}

// Manager verifies passwords of configured accounts and signs tokens
type Manager struct {
	jwtSecret []byte
	tokenTTL  time.Duration
	accounts  map[string]account
	now       func() time.Time
}

// NewManager creates a manager for cfg.Agents. Without a configured secret a
// random one is generated, so tokens do not survive a restart.
func NewManager(cfg config.SecurityConfig, logger logrus.FieldLogger) *Manager {
	secret := cfg.JWTSecret
	if secret == "" {
		secret = generateRandomSecret(32)
		logging.Component(logger, "auth").Warn("generated random JWT secret for session (not persistent)")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}

	m := &Manager{
		jwtSecret: []byte(secret),
		tokenTTL:  ttl,
		accounts:  make(map[string]account, len(cfg.Agents)),
		now:       time.Now,
	}
	for _, a := range cfg.Agents {
		m.accounts[a.ID] = account{role: a.Role, passwordHash: a.PasswordHash}
	}
	return m
}

// Login checks agentID's password and returns a fresh token
func (m *Manager) Login(agentID, password string) (*models.LoginResponse, error) {
	acct, ok := m.accounts[agentID]
	if !ok || acct.passwordHash == "" {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := m.GenerateToken(agentID, acct.role)
	if err != nil {
		return nil, err
	}
	return &models.LoginResponse{
		Token:     token,
		ExpiresIn: int64(m.tokenTTL.Seconds()),
		AgentID:   agentID,
		Role:      acct.role,
	}, nil
}

// GenerateToken signs a token for agentID
func (m *Manager) GenerateToken(agentID string, role models.Role) (string, error) {
	now := m.now()
	claims := &Claims{
		AgentID: agentID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   agentID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a JWT token and returns its claims
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.jwtSecret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.AgentID == "" {
		return nil, errors.New("invalid token: no agent id")
	}
	return claims, nil
}

// HashPassword produces the bcrypt hash stored in the accounts config
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// generateRandomSecret generates a random hex secret
func generateRandomSecret(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", bytes)
}
