package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rossigee/cms-deployer/internal/config"
)

func TestNewValidator(t *testing.T) {
	validator, err := NewValidator(config.Server{
		ClientCACert: "/nonexistent/ca.pem",
		TokensFile:   "/nonexistent/api-tokens",
	})

	assert.NoError(t, err)
	assert.NotNil(t, validator)
	assert.False(t, validator.IsClientCALoaded())
	assert.Equal(t, 0, validator.TokenCount())
}

func TestLoadAPITokens(t *testing.T) {
	tests := []struct {
		name           string
		content        string
		expectError    bool
		expectedTokens map[string]Principal
	}{
		{
			name:    "valid entries with comments",
			content: "# deploy operators\nabc123:7:4\n\n  ops-token : 9 : 5  \n",
			expectedTokens: map[string]Principal{
				"abc123":    {UserID: 7, Role: 4, Name: "user-7"},
				"ops-token": {UserID: 9, Role: 5, Name: "user-9"},
			},
		},
		{
			name:        "missing role",
			content:     "abc123:7\n",
			expectError: true,
		},
		{
			name:        "non-numeric user id",
			content:     "abc123:admin:4\n",
			expectError: true,
		},
		{
			name:        "empty token",
			content:     ":7:4\n",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "api-tokens")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			validator := &Validator{
				apiTokens: make(map[string]Principal),
			}

			err := validator.loadAPITokens(path)

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expectedTokens, validator.apiTokens)
		})
	}
}

func TestValidateAPIToken(t *testing.T) {
	validator := &Validator{
		apiTokens: map[string]Principal{
			"valid-token":   {UserID: 1, Role: 4},
			"another-token": {UserID: 2, Role: 6},
		},
	}

	tests := []struct {
		name       string
		authHeader string
		apiToken   string
		expected   bool
		userID     int64
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer valid-token",
			expected:   true,
			userID:     1,
		},
		{
			name:     "valid X-API-Token",
			apiToken: "another-token",
			expected: true,
			userID:   2,
		},
		{
			name:       "invalid bearer token",
			authHeader: "Bearer invalid-token",
			expected:   false,
		},
		{
			name:     "invalid X-API-Token",
			apiToken: "invalid-token",
			expected: false,
		},
		{
			name:     "empty headers",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create a fresh gin context for each test
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = &http.Request{Header: make(http.Header)}
			if tt.authHeader != "" {
				c.Request.Header.Set("Authorization", tt.authHeader)
			}
			if tt.apiToken != "" {
				c.Request.Header.Set("X-API-Token", tt.apiToken)
			}
			p, ok := validator.validateAPIToken(c)
			assert.Equal(t, tt.expected, ok)
			assert.Equal(t, tt.userID, p.UserID)
		})
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	validator := &Validator{
		apiTokens: map[string]Principal{"valid-token": {UserID: 3, Role: 4, Name: "user-3"}},
	}

	router := gin.New()
	router.Use(validator.Middleware())
	router.GET("/whoami", func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"name": p.Name, "role": p.Role})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"user-3","role":4}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")
}
