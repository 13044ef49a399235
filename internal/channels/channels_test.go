package channels

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

type fakeAdapter struct {
	name string
	sent []Message
	fail bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Send(ctx context.Context, msg Message) error {
	if f.fail {
		return fmt.Errorf("send failed")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestRegistryDeliver(t *testing.T) {
	r := NewRegistry(logger.Default())
	fake := &fakeAdapter{name: "Telegram"}
	r.Register(fake)
	r.Register(nil)

	// lookup is case-insensitive
	err := r.Deliver(context.Background(), "telegram", Message{Target: "42", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "hi", fake.sent[0].Text)

	err = r.Deliver(context.Background(), "slack", Message{Target: "C1", Text: "hi"})
	assert.Error(t, err)

	fake.fail = true
	err = r.Deliver(context.Background(), "telegram", Message{Target: "42", Text: "hi"})
	assert.Error(t, err)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 100))

	long := strings.Repeat("line one\n", 100)
	chunks := splitMessage(long, 200)
	assert.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 200)
		assert.NotEmpty(t, c)
	}
	// no content lost beyond separators
	joined := strings.Join(chunks, "\n")
	assert.Equal(t, strings.Count(long, "one"), strings.Count(joined, "one"))
}

func signSlack(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySlackSignature(t *testing.T) {
	secret := "8f742231b10e8888abcd99yyyzzz85a5"
	body := []byte(`{"type":"event_callback"}`)
	now := time.Now()
	ts := strconv.FormatInt(now.Unix(), 10)

	sig := signSlack(secret, ts, body)
	assert.True(t, VerifySlackSignature(secret, ts, sig, body, now))

	assert.False(t, VerifySlackSignature(secret, ts, sig, []byte("tampered"), now))
	assert.False(t, VerifySlackSignature("wrong", ts, sig, body, now))
	assert.False(t, VerifySlackSignature(secret, "", sig, body, now))
	assert.False(t, VerifySlackSignature(secret, ts, "", body, now))

	// replay outside the window
	old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	assert.False(t, VerifySlackSignature(secret, old, signSlack(secret, old, body), body, now))
}

func TestSlackSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	s := NewSlack(config.SlackConfig{BotToken: "xoxb-test"}, logger.Default())
	s.apiURL = srv.URL

	err := s.Send(context.Background(), Message{Target: "C024BE91L", Text: "deploy finished"})
	require.NoError(t, err)
	assert.Equal(t, "C024BE91L", got["channel"])
	assert.Equal(t, "deploy finished", got["text"])
}

func TestSlackSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"error":"channel_not_found"}`)
	}))
	defer srv.Close()

	s := NewSlack(config.SlackConfig{BotToken: "xoxb-test"}, logger.Default())
	s.apiURL = srv.URL

	err := s.Send(context.Background(), Message{Target: "C0", Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestWhatsAppSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"messages":[{"id":"wamid.1"}]}`)
	}))
	defer srv.Close()

	w := NewWhatsApp(config.WhatsAppConfig{Token: "tok", PhoneID: "12345"}, logger.Default())
	w.apiURL = srv.URL

	err := w.Send(context.Background(), Message{Target: "15551234567", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", got["messaging_product"])
	assert.Equal(t, "15551234567", got["to"])
}

func TestSignalSendAndReceive(t *testing.T) {
	var sent map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/send":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/receive/"):
			fmt.Fprint(w, `[{"envelope":{"source":"+15550001111","dataMessage":{"message":"status?"}}}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewSignal(config.SignalConfig{Number: "+15559990000", ServiceURL: srv.URL}, logger.Default())
	require.NotNil(t, s)

	var inbound []string
	s.receive(context.Background(), func(ctx context.Context, sender, chat, text string) string {
		inbound = append(inbound, sender+":"+text)
		return "all quiet"
	})

	require.Equal(t, []string{"+15550001111:status?"}, inbound)
	require.NotNil(t, sent)
	assert.Equal(t, "all quiet", sent["message"])
	assert.Equal(t, []interface{}{"+15550001111"}, sent["recipients"])
}

func TestTeamsSend(t *testing.T) {
	var activity map[string]interface{}
	var tokenCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fake-token", r.Header.Get("Authorization"))
		assert.Contains(t, r.URL.Path, "/v3/conversations/conv-1/activities")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&activity))
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		fmt.Fprint(w, `{"access_token":"fake-token","expires_in":3600}`)
	}))
	defer tokens.Close()

	tm := NewTeams(config.TeamsConfig{AppID: "app", AppPassword: "pw"}, logger.Default())
	tm.tokenURL = tokens.URL

	msg := Message{Target: "conv-1", ServiceURL: api.URL, Text: "done"}
	require.NoError(t, tm.Send(context.Background(), msg))
	require.NoError(t, tm.Send(context.Background(), msg))

	assert.Equal(t, 1, tokenCalls, "token is cached across sends")
	assert.Equal(t, "message", activity["type"])
	assert.Equal(t, "done", activity["text"])

	err := tm.Send(context.Background(), Message{Target: "conv-1", Text: "no url"})
	assert.Error(t, err)
}

func TestAdaptersDisabledWithoutCredentials(t *testing.T) {
	log := logger.Default()
	assert.Nil(t, NewSlack(config.SlackConfig{}, log))
	assert.Nil(t, NewWhatsApp(config.WhatsAppConfig{}, log))
	assert.Nil(t, NewTeams(config.TeamsConfig{}, log))
	assert.Nil(t, NewSignal(config.SignalConfig{}, log))

	tg, err := NewTelegram(config.TelegramConfig{}, log)
	require.NoError(t, err)
	assert.Nil(t, tg)
}
