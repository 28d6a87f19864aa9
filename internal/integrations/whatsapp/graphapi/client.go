package graphapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Client шлёт текстовые сообщения через Graph API messages endpoint.
// Одна попытка на вызов: non-2xx и таймаут — ошибка, ретраи живут в очереди.
type Client struct {
	baseURL       string
	token         string
	phoneNumberID string
	httpc         *http.Client
}

func New(baseURL, token, phoneNumberID string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v17.0"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		token:         token,
		phoneNumberID: phoneNumberID,
		httpc: &http.Client{
			Timeout: timeout,
		},
	}
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Context          *msgContext  `json:"context,omitempty"`
	Type             string       `json:"type"`
	Text             sendBodyText `json:"text"`
}

type msgContext struct {
	MessageID string `json:"message_id"`
}

type sendBodyText struct {
	Body string `json:"body"`
}

func (c *Client) Send(ctx context.Context, recipientHandle, replyToMessageID, text string) error {
	payload := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipientHandle,
		Type:             "text",
		Text:             sendBodyText{Body: text},
	}
	// Цитируем исходное сообщение, чтобы ответ попал в ту же переписку.
	if replyToMessageID != "" {
		payload.Context = &msgContext{MessageID: replyToMessageID}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal send request")
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("whatsapp graph api http %d", resp.StatusCode)
	}
	return nil
}
