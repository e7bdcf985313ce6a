package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/mail-ingest/internal/notify/telegram"
	"github.com/shineum/mail-ingest/internal/settings"
	"github.com/shineum/mail-ingest/internal/store"
)

const rawMessage = "From: Bob Example <bob@example.org>\r\n" +
	"To: Alice <alice@x.com>\r\n" +
	"Delivered-To: Alice+News@X.com\r\n" +
	"Subject: Quarterly <numbers>\r\n" +
	"Message-ID: <m1@example.org>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Revenue is up & costs are down.\r\n"

func readHeader(t *testing.T, raw string) textproto.MIMEHeader {
	t.Helper()
	h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(raw))).ReadMIMEHeader()
	if err != nil {
		t.Fatalf("ReadMIMEHeader: %v", err)
	}
	return h
}

// TestHandle_SQLiteEndToEnd runs a delivery through the real parser, the
// SQL stores and the Bot API client.
func TestHandle_SQLiteEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	accounts := store.NewAccountStore(db)
	accountID, err := accounts.Insert(ctx, 3, "alice@x.com")
	if err != nil {
		t.Fatalf("Insert account: %v", err)
	}

	settingStore := store.NewSettingStore(db)
	for k, v := range map[string]string{
		settings.KeyTgBotStatus: "OPEN",
		settings.KeyTgBotToken:  "42:secret",
		settings.KeyTgChatID:    "-1001,-1002",
	} {
		if err := settingStore.Set(ctx, k, v); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}

	var (
		mu    sync.Mutex
		texts = map[string]string{}
	)
	bot := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ChatID string `json:"chat_id"`
			Text   string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		texts[body.ChatID] = body.Text
		mu.Unlock()
		if body.ChatID == "-1001" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was kicked"}`))
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer bot.Close()

	var logs bytes.Buffer
	h := New(Config{
		Settings:    settingStore,
		Accounts:    accounts,
		Roles:       store.NewRoleStore(db),
		Emails:      store.NewEmailStore(db, nil),
		Attachments: store.NewAttachmentStore(db, nil),
		Chat:        telegram.New(bot.URL, bot.Client()),
		Logger:      slog.New(slog.NewJSONHandler(&logs, nil)),
	})

	got := h.Handle(ctx, &Delivery{
		EnvelopeFrom: "bounce@example.org",
		EnvelopeTo:   "catchall@x.com",
		Header:       readHeader(t, rawMessage),
		Raw:          []byte(rawMessage),
	})
	if got != OutcomeDelivered {
		t.Fatalf("outcome: got %q, want %q\nlogs:\n%s", got, OutcomeDelivered, logs.String())
	}

	var row store.Email
	if err := db.GetContext(ctx, &row, `SELECT * FROM email`); err != nil {
		t.Fatalf("query email: %v", err)
	}
	if row.Status != store.StatusReceive || row.IsDel != 0 {
		t.Errorf("row state: status=%q is_del=%d", row.Status, row.IsDel)
	}
	if row.ToEmail != "alice@x.com" || row.ToName != "Alice" || row.AccountID != accountID || row.UserID != 3 {
		t.Errorf("row recipient: %+v", row)
	}
	if row.SendEmail != "bob@example.org" || row.Name != "Bob Example" {
		t.Errorf("row sender: %q (%q)", row.SendEmail, row.Name)
	}

	if len(texts) != 2 {
		t.Fatalf("bot received %d messages, want 2", len(texts))
	}
	if text := texts["-1002"]; !strings.Contains(text, "<b>Quarterly &lt;numbers&gt;</b>") ||
		!strings.Contains(text, "Revenue is up &amp; costs are down.") {
		t.Errorf("unexpected chat text:\n%s", text)
	}
	if strings.Contains(logs.String(), "42:secret") {
		t.Error("bot token leaked into logs")
	}
	if !strings.Contains(logs.String(), "bot was kicked") {
		t.Errorf("failed destination was not logged:\n%s", logs.String())
	}
}

// Not parallel: the counters are process-wide.
func TestHandle_CountsOutcomes(t *testing.T) {
	f := newFixture(map[string]string{settings.KeyReceive: "CLOSE"})
	counter := outcomesTotal.WithLabelValues(string(OutcomeDisabled))
	before := testutil.ToFloat64(counter)

	f.handler().Handle(context.Background(), delivery(nil))
	f.handler().Handle(context.Background(), delivery(nil))

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("disabled outcomes: got %v, want 2", got)
	}
}

func TestHandle_CountsNotifyResults(t *testing.T) {
	f := newFixture(map[string]string{
		settings.KeyTgBotStatus: "OPEN",
		settings.KeyTgChatID:    "1,2",
	})
	f.chat.fail = map[string]bool{"1": true}

	ok := notifyResultsTotal.WithLabelValues(channelChat, "ok")
	failed := notifyResultsTotal.WithLabelValues(channelChat, "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	f.handler().Handle(context.Background(), delivery(nil))

	if got := testutil.ToFloat64(ok) - okBefore; got != 1 {
		t.Errorf("ok results: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(failed) - failedBefore; got != 1 {
		t.Errorf("error results: got %v, want 1", got)
	}
}
