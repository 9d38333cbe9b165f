package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-timetable-api/internal/models"
	appErrors "github.com/noah-isme/sma-timetable-api/pkg/errors"
	"github.com/noah-isme/sma-timetable-api/pkg/logger"
)

type validatorStub struct {
	claims *models.JWTClaims
	err    error
	token  string
}

func (v *validatorStub) ValidateToken(token string) (*models.JWTClaims, error) {
	v.token = token
	return v.claims, v.err
}

func newProtectedRouter(v TokenValidator, roles ...models.UserRole) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/protected", JWT(v), RequireRoles(roles...), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(logger.SchoolIDKey))
	})
	return router
}

func TestJWTMissingHeader(t *testing.T) {
	router := newProtectedRouter(&validatorStub{}, models.RoleAdmin)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTMalformedHeader(t *testing.T) {
	router := newProtectedRouter(&validatorStub{}, models.RoleAdmin)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Token abc")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTInvalidToken(t *testing.T) {
	stub := &validatorStub{err: appErrors.Wrap(errors.New("bad sig"), appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")}
	router := newProtectedRouter(stub, models.RoleAdmin)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "abc", stub.token)
}

func TestJWTExposesSchoolAndEnforcesRole(t *testing.T) {
	stub := &validatorStub{claims: &models.JWTClaims{UserID: "u-1", SchoolID: "school-1", Role: models.RoleAdmin}}
	router := newProtectedRouter(stub, models.RoleAdmin, models.RoleSuperAdmin)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer abc")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "school-1", w.Body.String())

	stub.claims = &models.JWTClaims{UserID: "u-2", SchoolID: "school-1", Role: models.RoleTeacher}
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
}
