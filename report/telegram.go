package report

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/logger"
)

// defaultAPI is the public bot API endpoint.
const defaultAPI = "https://api.telegram.org"

// TelegramReporter delivers messages through the bot API. Long texts
// are chunked on line boundaries and sent as consecutive messages.
type TelegramReporter struct {
	// Token is the bot credential.
	Token string
	// API overrides the endpoint, for tests.
	API string
	// Client is the HTTP client used for API calls.
	Client *http.Client

	log *logger.Logger
}

// NewTelegramReporter returns a reporter for the given bot token.
func NewTelegramReporter(token string, log *logger.Logger) *TelegramReporter {
	if log == nil {
		log = logger.Discard()
	}
	return &TelegramReporter{
		Token:  token,
		API:    defaultAPI,
		Client: &http.Client{Timeout: 30 * time.Second},
		log:    log.WithField("component", "report"),
	}
}

type sendMessageRequest struct {
	ChatID         int64  `json:"chat_id"`
	Text           string `json:"text"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send chunks text and posts each chunk as one sendMessage call.
// Delivery stops at the first failed chunk so order is preserved.
func (r *TelegramReporter) Send(ctx context.Context, chatID int64, text string, opts SendOptions) error {
	for _, chunk := range ChunkText(text, ChunkLimit) {
		if err := r.sendOne(ctx, chatID, chunk, opts); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (r *TelegramReporter) sendOne(ctx context.Context, chatID int64, text string, opts SendOptions) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:         chatID,
		Text:           text,
		ParseMode:      opts.Format,
		DisablePreview: opts.DisablePreview,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	url := r.API + "/bot" + r.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	var decoded sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return trace.BadParameter("report: decode bot API response: %v", err)
	}
	if !decoded.OK {
		return trace.BadParameter("report: bot API rejected message: %s", decoded.Description)
	}
	r.log.Debugf("sent %d chars to chat %d", len(text), chatID)
	return nil
}
