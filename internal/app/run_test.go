package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("API_BASE_URL", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"watch"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

// TestRun_HealthcheckCommand_Succeeds はhealthcheckサブコマンドが
// /healthz への疎通確認を行うことを検証する。
func TestRun_HealthcheckCommand_Succeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// httptestサーバーのポートをSERVER_PORTとして渡す
	t.Setenv("SERVER_PORT", srv.URL[strings.LastIndex(srv.URL, ":")+1:])

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err != nil {
		t.Errorf("Run(healthcheck) = %v, want nil", err)
	}
}

func TestRun_HealthcheckCommand_FailsOnUnhealthyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	t.Setenv("SERVER_PORT", srv.URL[strings.LastIndex(srv.URL, ":")+1:])

	var buf bytes.Buffer
	if err := Run(&buf, []string{"healthcheck"}); err == nil {
		t.Error("Run(healthcheck) against unhealthy server should return error")
	}
}
