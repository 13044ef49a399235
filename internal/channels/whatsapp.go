package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

const whatsappGraphURL = "https://graph.facebook.com/v19.0"

// WhatsApp sends messages through the Meta Cloud API.
type WhatsApp struct {
	cfg    config.WhatsAppConfig
	logger *logger.Logger
	apiURL string
}

// NewWhatsApp returns nil when credentials are missing.
func NewWhatsApp(cfg config.WhatsAppConfig, log *logger.Logger) *WhatsApp {
	if cfg.Token == "" || cfg.PhoneID == "" {
		return nil
	}
	return &WhatsApp{
		cfg:    cfg,
		logger: log.WithFields(zap.String("channel", "whatsapp")),
		apiURL: whatsappGraphURL,
	}
}

func (w *WhatsApp) Name() string { return "whatsapp" }

// VerifyToken returns the webhook verification token for the GET challenge.
func (w *WhatsApp) VerifyToken() string { return w.cfg.VerifyToken }

func (w *WhatsApp) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"to":                msg.Target,
		"type":              "text",
		"text":              map[string]string{"body": msg.Text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/messages", w.apiURL, w.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.Token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp send: HTTP %d: %s", resp.StatusCode, detail)
	}
	return nil
}
