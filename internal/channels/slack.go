package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// Slack posts replies through chat.postMessage and verifies inbound
// Events API requests with the signing secret.
type Slack struct {
	cfg    config.SlackConfig
	logger *logger.Logger
	apiURL string
}

// NewSlack returns nil when no bot token is configured.
func NewSlack(cfg config.SlackConfig, log *logger.Logger) *Slack {
	if cfg.BotToken == "" {
		return nil
	}
	return &Slack{
		cfg:    cfg,
		logger: log.WithFields(zap.String("channel", "slack")),
		apiURL: slackPostMessageURL,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string]string{
		"channel": msg.Target,
		"text":    msg.Text,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.BotToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("slack response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack send rejected: %s", out.Error)
	}
	return nil
}

// slackSignatureWindow rejects replayed requests older than this.
const slackSignatureWindow = 5 * time.Minute

// VerifySignature checks the Events API v0 signature over timestamp+body.
func (s *Slack) VerifySignature(timestamp, signature string, body []byte) bool {
	return VerifySlackSignature(s.cfg.SigningSecret, timestamp, signature, body, time.Now())
}

// VerifySlackSignature implements Slack's v0 HMAC scheme.
func VerifySlackSignature(secret, timestamp, signature string, body []byte, now time.Time) bool {
	if secret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > slackSignatureWindow || age < -slackSignatureWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
