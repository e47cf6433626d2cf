package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func serveEnvelope(t *testing.T, register func(r *gin.Engine), method, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-test")
		c.Next()
	})
	register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestFail_ServerErrorLogsAndEnvelopes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "push worker crashed")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal || resp.Message != "push worker crashed" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("5xx should hit the request log, got: %s", buf.String())
	}
}

func TestFail_ClientErrorEnvelope(t *testing.T) {
	w := serveEnvelope(t, func(r *gin.Engine) {
		r.GET("/missing", func(c *gin.Context) {
			Fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		})
	}, http.MethodGet, "/missing")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RequestID != "rid-test" || resp.Code != ErrCodeNotFound || resp.Message != "session not found" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestOK_And_NoContent(t *testing.T) {
	w := serveEnvelope(t, func(r *gin.Engine) {
		r.GET("/created", func(c *gin.Context) {
			ok(c, http.StatusCreated, gin.H{"staged": 3})
		})
	}, http.MethodGet, "/created")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if int(body["staged"].(float64)) != 3 {
		t.Fatalf("unexpected body: %#v", body)
	}

	w = serveEnvelope(t, func(r *gin.Engine) {
		r.DELETE("/gone", func(c *gin.Context) { noContent(c) })
	}, http.MethodDelete, "/gone")
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d with %d bytes", w.Code, w.Body.Len())
	}
}
