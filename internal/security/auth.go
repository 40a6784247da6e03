package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Authenticator validates the credentials of calling services. The routing
// API is consumed by the chat-assistant tool layer, which presents either a
// static API key or a short-lived service JWT.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*CallerInfo, error)
	IssueServiceJWT(serviceID string, ttl time.Duration) (string, error)
}

// CallerInfo identifies the authenticated calling service.
type CallerInfo struct {
	ServiceID string            `json:"service_id"`
	AuthType  string            `json:"auth_type"` // "api_key" or "jwt"
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ServiceClaims are the JWT claims issued to calling services.
type ServiceClaims struct {
	ServiceID string `json:"service_id"`
	jwt.RegisteredClaims
}

// Config holds authentication configuration.
type Config struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

type ctxKey string

const callerKey ctxKey = "caller_info"

// KeyAuthenticator validates API keys against the configured set and service
// JWTs against the shared secret.
type KeyAuthenticator struct {
	config *Config
	logger *logrus.Logger
}

// NewKeyAuthenticator creates the default authenticator.
func NewKeyAuthenticator(config *Config, logger *logrus.Logger) *KeyAuthenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &KeyAuthenticator{config: config, logger: logger}
}

// Authenticate validates a credential as an API key first, then as a JWT.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, credential string) (*CallerInfo, error) {
	if credential == "" {
		return nil, errors.New("credential is required")
	}

	// Constant-time comparison against every configured key.
	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(credential), []byte(validKey)) == 1 {
			return &CallerInfo{
				ServiceID: "key_" + mask(credential),
				AuthType:  "api_key",
			}, nil
		}
	}

	if claims, err := a.validateServiceJWT(credential); err == nil {
		return &CallerInfo{
			ServiceID: claims.ServiceID,
			AuthType:  "jwt",
		}, nil
	}

	return nil, errors.New("invalid credential")
}

// IssueServiceJWT signs a short-lived token for a calling service.
func (a *KeyAuthenticator) IssueServiceJWT(serviceID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = a.config.JWTExpiry
	}
	now := time.Now()

	claims := &ServiceClaims{
		ServiceID: serviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "fulfillment-router",
			Subject:   serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

func (a *KeyAuthenticator) validateServiceJWT(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ServiceClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid service token")
}

// Middleware enforces authentication on all routes except health and docs.
func (a *KeyAuthenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.config.RequireAuth ||
				strings.HasPrefix(r.URL.Path, "/health") ||
				strings.HasPrefix(r.URL.Path, "/docs") {
				next.ServeHTTP(w, r)
				return
			}

			credential := extractCredential(r)
			if credential == "" {
				a.writeUnauthorized(w, "Missing credential")
				return
			}

			caller, err := a.Authenticate(r.Context(), credential)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": clientIP(r),
				}).Warn("Authentication failed")
				a.writeUnauthorized(w, "Invalid credential")
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the authenticated caller, when present.
func CallerFromContext(ctx context.Context) (*CallerInfo, bool) {
	caller, ok := ctx.Value(callerKey).(*CallerInfo)
	return caller, ok
}

func extractCredential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func mask(credential string) string {
	if len(credential) <= 8 {
		return "****"
	}
	return credential[:4] + "****"
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

func (a *KeyAuthenticator) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"message":"%s","type":"authentication_error","code":401},"timestamp":%d}`,
		message, time.Now().Unix())
}
