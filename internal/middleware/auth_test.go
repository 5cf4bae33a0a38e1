package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ledgersync/internal/model"
	"ledgersync/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeDevices struct {
	byKey map[string]*model.Device
	err   error
}

func (f *fakeDevices) FindByAPIKey(_ context.Context, key string) (*model.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[key], nil
}

func TestDeviceAuthMiddleware(t *testing.T) {
	devices := &fakeDevices{byKey: map[string]*model.Device{
		"k-1": {DeviceID: "till-1", OwnerID: "biz-1", APIKey: "k-1", Status: 1},
	}}
	r := gin.New()
	r.GET("/watch", DeviceAuthMiddleware(devices), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentDevice(c).DeviceID)
	})

	tests := []struct {
		name   string
		header string
		query  string
		code   int
	}{
		{"missing key", "", "", http.StatusUnauthorized},
		{"unknown key", "nope", "", http.StatusForbidden},
		{"header key", "k-1", "", http.StatusOK},
		{"query key", "", "k-1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/watch"
			if tt.query != "" {
				target += "?key=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(DeviceKeyHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, "till-1", w.Body.String())
			}
		})
	}

	devices.err = errors.New("db down")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/watch", nil)
	req.Header.Set(DeviceKeyHeader, "k-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type fakeParser struct{}

func (fakeParser) Parse(token string) (*service.UserClaims, error) {
	if token != "good" {
		return nil, service.ErrTokenInvalid
	}
	return &service.UserClaims{UserID: "u1", Username: "cashier", Role: "operator", OwnerID: "biz-1"}, nil
}

func TestJWTMiddleware(t *testing.T) {
	newRouter := func(devMode bool) *gin.Engine {
		r := gin.New()
		r.GET("/me", JWTMiddleware(fakeParser{}, devMode), func(c *gin.Context) {
			op := service.GetOperatorInfo(c.Request.Context())
			c.String(http.StatusOK, op.Name+"/"+op.OwnerID)
		})
		return r
	}
	call := func(r *gin.Engine, target string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	r := newRouter(false)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", map[string]string{"Authorization": "Bearer bad"}).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", map[string]string{"Authorization": "Basic good"}).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/me", map[string]string{DevPassHeader: "true"}).Code)

	w := call(r, "/me", map[string]string{"Authorization": "Bearer good"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cashier/biz-1", w.Body.String())

	w = call(r, "/me?token=good", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(newRouter(true), "/me", map[string]string{DevPassHeader: "true"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev-admin/", w.Body.String())
}
