package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrNoSecret     = errors.New("token secret is required")
)

const issuer = "defectcam"

// Claims represents the device token claims
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// DeviceTokenManager signs short-lived HS256 tokens that identify one device
// to the ingestion endpoint. Tokens are cached until shortly before expiry.
type DeviceTokenManager struct {
	secretKey []byte
	deviceID  string
	expiry    time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
	now       func() time.Time
}

// NewDeviceTokenManager creates a token manager for deviceID
func NewDeviceTokenManager(secret, deviceID string, expiry time.Duration) (*DeviceTokenManager, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &DeviceTokenManager{
		secretKey: []byte(secret),
		deviceID:  deviceID,
		expiry:    expiry,
		now:       time.Now,
	}, nil
}

// Token returns a valid token, signing a new one when the cached one is
// within a tenth of its lifetime of expiring
func (m *DeviceTokenManager) Token() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached != "" && now.Before(m.expiresAt.Add(-m.expiry/10)) {
		return m.cached, nil
	}

	token, expiresAt, err := m.GenerateToken(now)
	if err != nil {
		return "", err
	}
	m.cached = token
	m.expiresAt = expiresAt
	return token, nil
}

// GenerateToken signs a new token issued at now
func (m *DeviceTokenManager) GenerateToken(now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(m.expiry)

	claims := &Claims{
		DeviceID: m.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.deviceID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a token signed with secret and returns its claims
func ValidateToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// StaticToken is a fixed per-device token
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}
