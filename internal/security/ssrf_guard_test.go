package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClient はSSRF防止付きHTTPクライアントの生成をテストする。
func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout, 5*1024*1024)
	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, timeout)
	}

	// safeurlはnet.DialerのControlフックでIPアドレス検証を行うため、
	// Transportが標準のhttp.DefaultTransportではないことを確認する
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport for dial-time IP validation")
	}
}

// TestNewSafeClientBlocksLoopback はSafeClientがループバックへのリクエストを
// ブロックすることをテストする。httptestサーバーは127.0.0.1で起動されるため、
// safeurlが接続時にブロックする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	guard := NewSSRFGuard()
	client := guard.NewSafeClient(5*time.Second, 5*1024*1024)

	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

// TestValidateURL_PublicURL は公開URLの検証が成功することをテストする。
func TestValidateURL_PublicURL(t *testing.T) {
	guard := NewSSRFGuard()

	publicURLs := []string{
		"https://example.com",
		"https://feeds.example.com/rss.xml",
		"http://blog.example.org/feed",
	}

	for _, u := range publicURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err != nil {
				t.Errorf("ValidateURL(%q) returned error: %v", u, err)
			}
		})
	}
}

// TestValidateURL_BlockedAddresses はプライベートIP・ループバック・
// リンクローカル（クラウドメタデータIPを含む）の拒否をテストする。
func TestValidateURL_BlockedAddresses(t *testing.T) {
	guard := NewSSRFGuard()

	blockedURLs := []string{
		"http://10.0.0.1/feed",
		"http://172.16.0.1/feed",
		"http://192.168.1.100/feed",
		"http://127.0.0.1/feed",
		"http://localhost/feed",
		"http://169.254.0.1/feed",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/feed",
		"http://[::1]/feed",
	}

	for _, u := range blockedURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error", u)
			}
		})
	}
}

// TestValidateURL_InvalidURL は無効なURLや許可外スキームの検証が失敗することをテストする。
func TestValidateURL_InvalidURL(t *testing.T) {
	guard := NewSSRFGuard()

	invalidURLs := []string{
		"",
		"not-a-url",
		"ftp://example.com/feed",
		"file:///etc/passwd",
		"gopher://example.com",
	}

	for _, u := range invalidURLs {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error", u)
			}
		})
	}
}

// TestSSRFGuardInterface はSSRFGuardがインターフェースを正しく実装していることをテストする。
func TestSSRFGuardInterface(t *testing.T) {
	var _ SSRFGuardService = NewSSRFGuard()
}
