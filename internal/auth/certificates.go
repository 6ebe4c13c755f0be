package auth

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/config"
	"github.com/rossigee/cms-deployer/pkg/types"
)

const principalKey = "auth.principal"

// Principal is an authenticated API caller.
type Principal struct {
	UserID int64
	Role   int
	// Name is the token owner or the client certificate common name.
	Name string
}

// Validator handles authentication validation
type Validator struct {
	clientCAs      *x509.CertPool
	clientCALoaded bool // Whether client CA certificates were loaded
	certRole       int
	apiTokens      map[string]Principal
}

// NewValidator creates a new authentication validator
func NewValidator(cfg config.Server) (*Validator, error) {
	validator := &Validator{
		clientCAs: x509.NewCertPool(),
		certRole:  cfg.ClientCertRole,
		apiTokens: make(map[string]Principal),
	}

	// Load client CA certificates
	if err := validator.loadClientCAs(cfg.ClientCACert); err != nil {
		return nil, fmt.Errorf("failed to load client CAs: %w", err)
	}

	// Load API tokens
	if err := validator.loadAPITokens(cfg.TokensFile); err != nil {
		return nil, fmt.Errorf("failed to load API tokens: %w", err)
	}

	return validator, nil
}

// loadClientCAs loads client certificate authorities
func (v *Validator) loadClientCAs(caCertPath string) error {
	if caCertPath == "" {
		return nil
	}
	if _, err := os.Stat(caCertPath); os.IsNotExist(err) {
		logrus.WithField("path", caCertPath).Warn("Client CA certificate not found, client certificates disabled")
		return nil
	}

	caCert, err := os.ReadFile(caCertPath) //nolint:gosec // Operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read CA cert: %w", err)
	}

	if !v.clientCAs.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA cert")
	}

	v.clientCALoaded = true
	return nil
}

// loadAPITokens reads `token:user_id:role` lines. Blank lines and lines
// starting with # are ignored.
func (v *Validator) loadAPITokens(tokenFile string) error {
	if tokenFile == "" {
		return nil
	}
	if _, err := os.Stat(tokenFile); os.IsNotExist(err) {
		logrus.WithField("path", tokenFile).Warn("API tokens file not found, token authentication disabled")
		return nil
	}

	content, err := os.ReadFile(tokenFile) //nolint:gosec // Operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read API tokens: %w", err)
	}
	return v.parseAPITokens(content)
}

func (v *Validator) parseAPITokens(content []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, ":")
		if len(fields) != 3 || fields[0] == "" {
			return fmt.Errorf("line %d: expected token:user_id:role", lineNo)
		}
		userID, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid user id: %w", lineNo, err)
		}
		role, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return fmt.Errorf("line %d: invalid role: %w", lineNo, err)
		}

		v.apiTokens[strings.TrimSpace(fields[0])] = Principal{
			UserID: userID,
			Role:   role,
			Name:   "user-" + strconv.FormatInt(userID, 10),
		}
	}
	return scanner.Err()
}

// Middleware returns Gin middleware for authentication
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for API token in header
		if p, ok := v.validateAPIToken(c); ok {
			c.Set(principalKey, p)
			c.Next()
			return
		}

		// Certificate chain validation is handled by the TLS config
		if v.clientCALoaded && c.Request.TLS != nil && len(c.Request.TLS.VerifiedChains) > 0 {
			leaf := c.Request.TLS.VerifiedChains[0][0]
			c.Set(principalKey, Principal{Role: v.certRole, Name: leaf.Subject.CommonName})
			c.Next()
			return
		}

		// No valid authentication found
		c.AbortWithStatusJSON(http.StatusUnauthorized, types.ErrorResponse{
			Error:   "authentication required",
			Message: "provide valid API token or client certificate",
			Code:    http.StatusUnauthorized,
		})
	}
}

// validateAPIToken validates API token from Authorization or X-API-Token headers
func (v *Validator) validateAPIToken(c *gin.Context) (Principal, bool) {
	authHeader := c.GetHeader("Authorization")

	// Check for Bearer token in Authorization header
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		p, found := v.apiTokens[token]
		return p, found
	}

	// Check for X-API-Token header
	if token := c.GetHeader("X-API-Token"); token != "" {
		p, found := v.apiTokens[token]
		return p, found
	}

	return Principal{}, false
}

// PrincipalFrom returns the caller set by Middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

// TLSConfig returns server TLS settings requesting client certificates when a
// client CA is loaded.
func (v *Validator) TLSConfig() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if v.clientCALoaded {
		cfg.ClientCAs = v.clientCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg
}

// IsClientCALoaded returns whether client CA certificates were loaded
func (v *Validator) IsClientCALoaded() bool {
	return v.clientCALoaded
}

// TokenCount returns the number of configured API tokens.
func (v *Validator) TokenCount() int {
	return len(v.apiTokens)
}
