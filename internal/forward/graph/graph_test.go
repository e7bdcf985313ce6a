package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mail-ingest/internal/email"
	"github.com/shineum/mail-ingest/internal/forward"
)

const sampleRaw = "From: Alice <alice@example.org>\r\n" +
	"To: inbox@example.com\r\n" +
	"Subject: Test\r\n" +
	"Message-ID: <m1@example.org>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Body\r\n"

func newTestServers(t *testing.T, graph http.HandlerFunc) *Forwarder {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-token", ExpiresIn: 3600})
	}))
	t.Cleanup(tokenSrv.Close)

	graphSrv := httptest.NewServer(graph)
	t.Cleanup(graphSrv.Close)

	f := newWithOverrides(
		Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "relay@example.com"},
		graphSrv.URL, tokenSrv.URL, graphSrv.Client(),
	)
	f.retryDelay = time.Millisecond
	return f
}

func writeGraphError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(graphErrorResponse{Error: graphError{Code: code, Message: message}})
}

func TestBuildSendMailRequest(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		From:      email.Address{Address: "alice@example.org", Name: "Alice"},
		To:        []email.Address{{Address: "inbox@example.com"}, {Address: "other@example.com"}},
		Cc:        []email.Address{{Address: "cc@example.com"}},
		Subject:   "Report",
		TextBody:  "Plain",
		MessageID: "<m1@example.org>",
		Attachments: []*email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("PDF")},
			{Filename: "logo.png", ContentType: "image/png", ContentID: "logo1", Content: []byte("PNG")},
		},
	}

	req := buildSendMailRequest(msg, "dest@example.net")

	if req.Message.Subject != "Report" {
		t.Errorf("Subject: got %q", req.Message.Subject)
	}
	if req.Message.Body.ContentType != "text" || req.Message.Body.Content != "Plain" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if len(req.Message.ToRecipients) != 1 || req.Message.ToRecipients[0].EmailAddress.Address != "dest@example.net" {
		t.Errorf("ToRecipients: got %+v, want only the forwarding address", req.Message.ToRecipients)
	}
	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Address != "alice@example.org" {
		t.Errorf("ReplyTo: got %+v", req.Message.ReplyTo)
	}
	if len(req.Message.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(req.Message.Attachments))
	}
	if att := req.Message.Attachments[0]; att.ContentBytes != "UERG" || att.IsInline {
		t.Errorf("Attachments[0]: got %+v", att)
	}
	if att := req.Message.Attachments[1]; !att.IsInline || att.ContentID != "logo1" {
		t.Errorf("Attachments[1]: got %+v", att)
	}
	for _, h := range req.Message.Headers {
		if !strings.HasPrefix(strings.ToLower(h.Name), "x-") {
			t.Errorf("custom header %q must start with x-", h.Name)
		}
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Message{TextBody: "Plain", HtmlBody: "<p>HTML</p>"}, "d@example.net")
	if req.Message.Body.ContentType != "html" || req.Message.Body.Content != "<p>HTML</p>" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if req.Message.ReplyTo != nil {
		t.Error("ReplyTo set without an author")
	}
}

func TestBuildSendMailRequest_JSONMarshaling(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Message{Subject: "S", TextBody: "B"}, "d@example.net")
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"toRecipients":[{"emailAddress":{"address":"d@example.net"}}]`, `"saveToSentItems":false`} {
		if !strings.Contains(s, want) {
			t.Errorf("JSON missing %s: %s", want, s)
		}
	}
	if strings.Contains(s, "attachments") || strings.Contains(s, "replyTo") {
		t.Errorf("empty fields should be omitted: %s", s)
	}
}

func TestForwarder_Name(t *testing.T) {
	t.Parallel()

	if got := New(Config{TenantID: "t", Sender: "s@example.com"}).Name(); got != "msgraph" {
		t.Errorf("Name: got %q, want %q", got, "msgraph")
	}
}

func TestForwarder_Success(t *testing.T) {
	t.Parallel()

	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization: got %q", got)
		}
		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject: got %q", body.Message.Subject)
		}
		if body.Message.ToRecipients[0].EmailAddress.Address != "dest@example.net" {
			t.Errorf("recipient: got %+v", body.Message.ToRecipients)
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := f.Forward(context.Background(), &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestForwarder_UnparsableMessage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})

	if err := f.Forward(context.Background(), &forward.Mail{}, "dest@example.net"); err == nil {
		t.Fatal("expected parse error for empty message")
	}
	if calls.Load() != 0 {
		t.Errorf("graph calls: got %d, want 0", calls.Load())
	}
}

func TestForwarder_PermanentErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		status := status
		var calls atomic.Int32
		f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeGraphError(w, status, "Error", "rejected")
		})

		err := f.Forward(context.Background(), &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net")
		var sendErr *sendError
		if !errors.As(err, &sendErr) || !sendErr.permanent {
			t.Errorf("status %d: got %v, want permanent sendError", status, err)
		}
		if calls.Load() != 1 {
			t.Errorf("status %d: calls got %d, want 1 (no retry)", status, calls.Load())
		}
	}
}

func TestForwarder_RetryOn5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			writeGraphError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "Try again")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	if err := f.Forward(context.Background(), &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net"); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("graph calls: got %d, want 3", calls.Load())
	}
}

func TestForwarder_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeGraphError(w, http.StatusBadGateway, "BadGateway", "down")
	})

	err := f.Forward(context.Background(), &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net")
	if err == nil || !strings.Contains(err.Error(), "after 3 retries") {
		t.Fatalf("got %v, want retries exhausted", err)
	}
	if calls.Load() != maxRetries+1 {
		t.Errorf("graph calls: got %d, want %d", calls.Load(), maxRetries+1)
	}
}

func TestForwarder_RetryOn401WithTokenRefresh(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "token-" + string(rune('0'+n)), ExpiresIn: 3600})
	}))
	defer tokenSrv.Close()

	var graphCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		graphCalls.Add(1)
		if r.Header.Get("Authorization") == "Bearer token-1" {
			writeGraphError(w, http.StatusUnauthorized, "Unauthorized", "Token expired")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphSrv.Close()

	f := newWithOverrides(Config{}, graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	if err := f.Forward(context.Background(), &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net"); err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}
	if graphCalls.Load() != 2 {
		t.Errorf("graph calls: got %d, want 2", graphCalls.Load())
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token calls: got %d, want 2", tokenCalls.Load())
	}
}

func TestForwarder_RateLimitWithRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			writeGraphError(w, http.StatusTooManyRequests, "TooManyRequests", "Rate limited")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	if err := f.Forward(ctx, &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net"); err != nil {
		t.Fatalf("expected success after rate limit retry, got: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("graph calls: got %d, want 2", calls.Load())
	}
	if time.Since(start) < time.Second {
		t.Error("Retry-After was not honored")
	}
}

func TestForwarder_ContextCancellation(t *testing.T) {
	t.Parallel()

	f := newTestServers(t, func(w http.ResponseWriter, r *http.Request) {
		writeGraphError(w, http.StatusServiceUnavailable, "ServiceUnavailable", "Down")
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.Forward(ctx, &forward.Mail{Raw: []byte(sampleRaw)}, "dest@example.net"); err == nil {
		t.Error("expected error for cancelled context, got nil")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		permanent  bool
		transient  bool
	}{
		{name: "400 Bad Request", statusCode: 400, permanent: true},
		{name: "401 Unauthorized", statusCode: 401, transient: true},
		{name: "403 Forbidden", statusCode: 403, permanent: true},
		{name: "404 Not Found", statusCode: 404, permanent: true},
		{name: "429 Too Many Requests", statusCode: 429, transient: true},
		{name: "500 Internal Server Error", statusCode: 500, transient: true},
		{name: "503 Service Unavailable", statusCode: 503, transient: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyError(tt.statusCode, "test message", "")
			if err.permanent != tt.permanent {
				t.Errorf("permanent: got %v, want %v", err.permanent, tt.permanent)
			}
			if err.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", err.transient, tt.transient)
			}
		})
	}
}

func TestRetryAfterDelay(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	tests := []struct {
		header  string
		attempt int
		want    time.Duration
	}{
		{"3", 0, 3 * time.Second},
		{"", 1, 2 * time.Second},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 2, 4 * time.Second},
		{"0", 0, 1 * time.Second},
	}
	for _, tt := range tests {
		if got := f.retryAfterDelay(tt.header, tt.attempt); got != tt.want {
			t.Errorf("retryAfterDelay(%q, %d): got %v, want %v", tt.header, tt.attempt, got, tt.want)
		}
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	err := &sendError{message: "test error", statusCode: 500}
	if got, want := err.Error(), "Graph API error (HTTP 500): test error"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}
}
