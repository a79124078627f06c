package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestCORSMiddlewarePreflight(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name            string
		allowedOrigins  []string
		origin          string
		wantStatus      int
		wantAllowOrigin string
		wantCredentials bool
	}{
		{
			name:            "any origin without credentials by default",
			origin:          "https://elsewhere.example.org",
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "*",
		},
		{
			name:            "listed origin with credentials",
			allowedOrigins:  []string{"https://map.example.com"},
			origin:          "https://map.example.com",
			wantStatus:      http.StatusNoContent,
			wantAllowOrigin: "https://map.example.com",
			wantCredentials: true,
		},
		{
			name:           "unlisted origin is refused",
			allowedOrigins: []string{"https://map.example.com"},
			origin:         "https://elsewhere.example.org",
			wantStatus:     http.StatusForbidden,
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			router := gin.New()
			router.Use(corsMiddleware(testCase.allowedOrigins))
			router.OPTIONS("/communities/c-1", func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			request := httptest.NewRequest(http.MethodOptions, "/communities/c-1", http.NoBody)
			request.Header.Set("Origin", testCase.origin)
			request.Header.Set("Access-Control-Request-Method", http.MethodPatch)
			request.Header.Set("Access-Control-Request-Headers", "Authorization")

			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, request)

			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if testCase.wantStatus != http.StatusNoContent {
				return
			}
			allowMethods := recorder.Header().Get("Access-Control-Allow-Methods")
			if !strings.Contains(allowMethods, http.MethodPatch) {
				testContext.Fatalf("expected Access-Control-Allow-Methods to include PATCH, got %q", allowMethods)
			}
			if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != testCase.wantAllowOrigin {
				testContext.Fatalf("expected Access-Control-Allow-Origin %q, got %q", testCase.wantAllowOrigin, got)
			}
			credentials := recorder.Header().Get("Access-Control-Allow-Credentials") == "true"
			if credentials != testCase.wantCredentials {
				testContext.Fatalf("expected credentials %t, got %t", testCase.wantCredentials, credentials)
			}
		})
	}
}
