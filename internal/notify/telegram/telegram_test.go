package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestSendMessage_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: got %s, want POST", r.Method)
		}
		if r.URL.Path != "/botsecret-token/sendMessage" {
			t.Errorf("path: got %q", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type: got %q", got)
		}
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.ChatID != "-100123" || req.ParseMode != "HTML" || req.Text != "<b>hi</b>" {
			t.Errorf("body: got %+v", req)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", srv.Client())
	if err := c.SendMessage(context.Background(), "secret-token", "-100123", "<b>hi</b>"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendMessage_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	err := New(srv.URL, srv.Client()).SendMessage(context.Background(), "tok", "1", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("got %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Description != "Bad Request: chat not found" {
		t.Errorf("APIError: got %+v", apiErr)
	}
}

func TestSendMessage_TransportErrorMasksToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url, nil).SendMessage(context.Background(), "123456:SECRET", "1", "x")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("token leaked in error: %v", err)
	}
	if !strings.Contains(err.Error(), "***") {
		t.Errorf("expected masked token in error: %v", err)
	}
}

func TestSendMessage_NoToken(t *testing.T) {
	t.Parallel()

	if err := New("", nil).SendMessage(context.Background(), "", "1", "x"); !errors.Is(err, ErrNoToken) {
		t.Errorf("got %v, want ErrNoToken", err)
	}
}

func TestMaskToken(t *testing.T) {
	t.Parallel()

	if got := MaskToken("POST https://api/botABC/sendMessage: ABC", "ABC"); got != "POST https://api/bot***/sendMessage: ***" {
		t.Errorf("MaskToken: got %q", got)
	}
	if got := MaskToken("unchanged", ""); got != "unchanged" {
		t.Errorf("MaskToken with empty token: got %q", got)
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	n := Notice{
		Subject:    "Invoice <#42> & more",
		SenderName: "Bob",
		SenderAddr: "bob@example.org",
		Recipient:  "alice@example.com",
		Received:   time.Date(2024, 3, 1, 16, 30, 0, 0, time.UTC),
		Text:       "Total: 5 < 6",
		HTML:       "<p>ignored</p>",
	}

	got := Format(n, shanghai)
	want := "<b>Invoice &lt;#42&gt; &amp; more</b>\n\n" +
		"<b>From:</b> Bob\t&lt;bob@example.org&gt;\n" +
		"<b>To:</b> alice@example.com\n" +
		"<b>Time:</b> 2024-03-02 00:30\n\n" +
		"Total: 5 &lt; 6\n"
	if got != want {
		t.Errorf("Format:\ngot  %q\nwant %q", got, want)
	}
}

func TestFormat_HTMLFallback(t *testing.T) {
	t.Parallel()

	n := Notice{
		Subject: "s",
		HTML:    `<style>p{color:red}</style><p>Hello&nbsp;there</p><p>Second &amp; last</p>`,
	}
	got := Format(n, time.UTC)
	if !strings.HasSuffix(got, "Hello there\nSecond &amp; last\n") {
		t.Errorf("html fallback body: got %q", got)
	}
	if strings.Contains(got, "color:red") {
		t.Error("style content leaked into text")
	}
}

func TestFormat_TruncatesToLimit(t *testing.T) {
	t.Parallel()

	n := Notice{
		Subject: "long",
		Text:    strings.Repeat("界&", 5000),
	}
	got := Format(n, time.UTC)
	if c := utf8.RuneCountInString(got); c > MaxMessageLength {
		t.Errorf("length %d exceeds %d", c, MaxMessageLength)
	}
	if !strings.HasSuffix(got, ellipsis+"\n") {
		t.Error("truncated body should end with an ellipsis")
	}
	body := strings.TrimSuffix(got, ellipsis+"\n")
	if amp := strings.LastIndexByte(body, '&'); amp >= 0 && !strings.Contains(body[amp:], ";") {
		t.Errorf("entity cut in half: %q", body[len(body)-10:])
	}
}

func TestHTMLToText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"line breaks", "a<br>b<br/>c", "a\nb\nc"},
		{"blocks", "<div>one</div><div>two</div>", "one\ntwo"},
		{"entities", "<span>5 &gt; 3 &amp; 2</span>", "5 > 3 & 2"},
		{"collapses blank lines", "<p>a</p><p></p><p></p><p>b</p>", "a\n\nb"},
		{"script dropped", "<script>alert(1)</script>ok", "ok"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HTMLToText(tt.in); got != tt.want {
				t.Errorf("HTMLToText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
