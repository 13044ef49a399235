package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/channels"
	"github.com/dispatchd/dispatchd/internal/router"
)

// webhookTimeout bounds background processing of one inbound message.
const webhookTimeout = 5 * time.Minute

// inbound adapts the chat router to the channel adapters' handler shape.
func (g *Gateway) inbound(channel string) channels.InboundHandler {
	return func(ctx context.Context, senderID, chatID, text string) string {
		resp := g.chat.Handle(ctx, router.ChatRequest{
			Channel:  channel,
			SenderID: senderID,
			ChatID:   chatID,
			Text:     text,
		})
		return resp.Text
	}
}

// respond runs the chat router off the request goroutine and delivers the
// reply through the adapter. Webhook handlers return 200 before this runs
// so the channel platform does not retry slow requests.
func (g *Gateway) respond(channel string, req router.ChatRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		g.registry.Typing(ctx, channel, req.ChatID)
		resp := g.chat.Handle(ctx, req)
		if resp.Text == "" {
			return
		}
		if err := g.registry.Deliver(ctx, channel, channels.Message{
			Target:     req.ChatID,
			ServiceURL: req.ServiceURL,
			Text:       resp.Text,
		}); err != nil {
			g.logger.Error("webhook reply delivery failed",
				zap.String("channel", channel), zap.Error(err))
		}
	}()
}

func (g *Gateway) telegramWebhook(c *gin.Context) {
	if !g.allow(c, "telegram") {
		return
	}
	if g.telegram == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "telegram not configured"})
		return
	}
	if secret := g.telegram.WebhookSecret(); secret != "" {
		if c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad secret token"})
			return
		}
	}
	var update tgbotapi.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed update"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		g.telegram.HandleUpdate(ctx, update, g.inbound("telegram"))
	}()
}

// teamsActivity is the subset of the Bot Framework activity schema we read.
type teamsActivity struct {
	Type string `json:"type"`
	Text string `json:"text"`
	From struct {
		ID string `json:"id"`
	} `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	ServiceURL string `json:"serviceUrl"`
}

func (g *Gateway) teamsWebhook(c *gin.Context) {
	if !g.allow(c, "teams") {
		return
	}
	var activity teamsActivity
	if err := c.ShouldBindJSON(&activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})

	if activity.Type != "message" || activity.Text == "" {
		return
	}
	g.respond("teams", router.ChatRequest{
		Channel:    "teams",
		SenderID:   activity.From.ID,
		ChatID:     activity.Conversation.ID,
		Text:       activity.Text,
		ServiceURL: activity.ServiceURL,
	})
}

// whatsappVerify answers Meta's webhook subscription handshake.
func (g *Gateway) whatsappVerify(c *gin.Context) {
	if g.whatsapp == nil {
		c.String(http.StatusNotFound, "whatsapp not configured")
		return
	}
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	if mode == "subscribe" && token != "" && token == g.whatsapp.VerifyToken() {
		c.String(http.StatusOK, c.Query("hub.challenge"))
		return
	}
	c.String(http.StatusForbidden, "verification failed")
}

// whatsappPayload is the subset of the Cloud API webhook we read.
type whatsappPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (g *Gateway) whatsappWebhook(c *gin.Context) {
	if !g.allow(c, "whatsapp") {
		return
	}
	var payload whatsappPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || msg.Text.Body == "" {
					continue
				}
				g.respond("whatsapp", router.ChatRequest{
					Channel:  "whatsapp",
					SenderID: msg.From,
					ChatID:   msg.From,
					Text:     msg.Text.Body,
				})
			}
		}
	}
}

// slackEnvelope covers url_verification and event_callback payloads.
type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Subtype string `json:"subtype"`
		User    string `json:"user"`
		BotID   string `json:"bot_id"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
	} `json:"event"`
}

func (g *Gateway) slackEvents(c *gin.Context) {
	if !g.allow(c, "slack") {
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if g.slack != nil {
		ts := c.GetHeader("X-Slack-Request-Timestamp")
		sig := c.GetHeader("X-Slack-Signature")
		if !g.slack.VerifySignature(ts, sig, body) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
			return
		}
	}

	var envelope slackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	switch envelope.Type {
	case "url_verification":
		c.JSON(http.StatusOK, gin.H{"challenge": envelope.Challenge})
		return
	case "event_callback":
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		ev := envelope.Event
		// bot echoes and edits would loop back into the router
		if ev.Type != "message" || ev.BotID != "" || ev.Subtype != "" || ev.Text == "" {
			return
		}
		g.respond("slack", router.ChatRequest{
			Channel:  "slack",
			SenderID: ev.User,
			ChatID:   ev.Channel,
			Text:     ev.Text,
		})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}
