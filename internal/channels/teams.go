package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

const teamsTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"

// Teams replies through the Bot Framework connector. Each message carries
// the service URL and conversation id of the activity that created the
// task, so Target is "<conversationID>" and ServiceURL the tenant endpoint.
type Teams struct {
	cfg      config.TeamsConfig
	logger   *logger.Logger
	tokenURL string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewTeams returns nil when app credentials are missing.
func NewTeams(cfg config.TeamsConfig, log *logger.Logger) *Teams {
	if cfg.AppID == "" || cfg.AppPassword == "" {
		return nil
	}
	return &Teams{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("channel", "teams")),
		tokenURL: teamsTokenURL,
	}
}

func (t *Teams) Name() string { return "teams" }

func (t *Teams) Send(ctx context.Context, msg Message) error {
	if msg.ServiceURL == "" {
		return fmt.Errorf("teams delivery requires a service_url")
	}
	token, err := t.token(ctx)
	if err != nil {
		return err
	}

	activity := map[string]interface{}{
		"type": "message",
		"text": msg.Text,
		"conversation": map[string]string{
			"id": msg.Target,
		},
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(msg.ServiceURL, "/"), url.PathEscape(msg.Target))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("teams send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("teams send: HTTP %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// token fetches and caches a connector access token via client credentials.
func (t *Teams) token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accessToken != "" && time.Now().Before(t.tokenExpiry) {
		return t.accessToken, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.cfg.AppID},
		"client_secret": {t.cfg.AppPassword},
		"scope":         {"https://api.botframework.com/.default"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("teams token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("teams token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("teams token request refused (HTTP %d)", resp.StatusCode)
	}

	t.accessToken = out.AccessToken
	// refresh a minute early
	t.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn-60) * time.Second)
	t.logger.Debug("teams connector token refreshed")
	return t.accessToken, nil
}
