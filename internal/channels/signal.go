package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// Signal talks to a signal-cli REST gateway.
type Signal struct {
	cfg    config.SignalConfig
	logger *logger.Logger
}

// NewSignal returns nil when the gateway is not configured.
func NewSignal(cfg config.SignalConfig, log *logger.Logger) *Signal {
	if cfg.Number == "" || cfg.ServiceURL == "" {
		return nil
	}
	return &Signal{
		cfg:    cfg,
		logger: log.WithFields(zap.String("channel", "signal")),
	}
}

func (s *Signal) Name() string { return "signal" }

func (s *Signal) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"message":    msg.Text,
		"number":     s.cfg.Number,
		"recipients": []string{msg.Target},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimRight(s.cfg.ServiceURL, "/") + "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("signal send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signal send: HTTP %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// signalEnvelope is the shape returned by /v1/receive.
type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		DataMessage *struct {
			Message string `json:"message"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Poll fetches queued messages on an interval and hands them to handle.
// signal-cli has no push mechanism, so this is plain polling.
func (s *Signal) Poll(ctx context.Context, interval time.Duration, handle InboundHandler) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.receive(ctx, handle)
		}
	}
}

func (s *Signal) receive(ctx context.Context, handle InboundHandler) {
	url := fmt.Sprintf("%s/v1/receive/%s", strings.TrimRight(s.cfg.ServiceURL, "/"), s.cfg.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		s.logger.Debug("signal receive failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	var envelopes []signalEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return
	}
	for _, env := range envelopes {
		dm := env.Envelope.DataMessage
		if dm == nil || strings.TrimSpace(dm.Message) == "" {
			continue
		}
		sender := env.Envelope.Source
		reply := handle(ctx, sender, sender, strings.TrimSpace(dm.Message))
		if reply == "" {
			continue
		}
		if err := s.Send(ctx, Message{Target: sender, Text: reply}); err != nil {
			s.logger.Error("signal reply failed", zap.String("target", sender), zap.Error(err))
		}
	}
}
