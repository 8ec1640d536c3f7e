package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRequestID_Generated(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	var seen string
	e.GET("/x", func(c echo.Context) error {
		seen, _ = c.Get(requestIDKey).(string)
		return c.NoContent(http.StatusOK)
	})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/x", nil))

	if seen == "" {
		t.Fatal("expected a generated request id in context")
	}
	if got := rec.Header().Get(echo.HeaderXRequestID); got != seen {
		t.Errorf("response header %q does not match context id %q", got, seen)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(echo.HeaderXRequestID, "caller-id-1")
	rec := serve(e, req)

	if got := rec.Header().Get(echo.HeaderXRequestID); got != "caller-id-1" {
		t.Errorf("expected caller id echoed back, got %q", got)
	}
}

func TestLogger_WritesRequestLine(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	e.Use(RequestID())
	e.Use(Logger(logger))
	e.GET("/api/status", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	serve(e, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	line := buf.String()
	for _, want := range []string{`"method":"GET"`, `"path":"/api/status"`, `"status":200`, `"request_id"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestLogger_HealthProbeDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	e := echo.New()
	e.Use(Logger(logger))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	serve(e, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if buf.Len() != 0 {
		t.Errorf("health probe should not log at info level, got: %s", buf.String())
	}
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := echo.New()
	e.Use(Recovery(logger))
	e.GET("/boom", func(c echo.Context) error { panic("kaput") })

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), "kaput") {
		t.Errorf("expected panic value in log, got: %s", buf.String())
	}
}
