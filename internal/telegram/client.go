// Package telegram wraps the Telegram Bot API calls the platform needs:
// token verification and the post-deploy welcome message.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	appErr "github.com/agent-platform/control-api/pkg/errors"
	"github.com/agent-platform/control-api/pkg/logger"
)

const welcomeText = "Hi, how can I help you?\n\nNice pairing with OpenClaw! 🎉"

// Client calls the Telegram Bot API. The base URL is injectable so tests
// can point it at a local server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) url(token, method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

// BotInfo is the subset of getMe we care about.
type BotInfo struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// VerifyToken checks a bot token against getMe.
func (c *Client) VerifyToken(ctx context.Context, token string) (*BotInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(token, "getMe"), nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "build getMe request failed")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeUnavailable, "telegram getMe failed")
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || !out.OK {
		return nil, appErr.New(appErr.CodeInvalid, "invalid bot token")
	}
	var info BotInfo
	if err := json.Unmarshal(out.Result, &info); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "decode bot info failed")
	}
	return &info, nil
}

// SendWelcomeMessage posts the welcome text to chatID. When chatID is
// empty it is resolved from the bot's latest update, which requires the
// user to have sent /start first.
func (c *Client) SendWelcomeMessage(ctx context.Context, token, chatID string) error {
	if chatID == "" {
		var err error
		chatID, err = c.latestChatID(ctx, token)
		if err != nil {
			return err
		}
		if chatID == "" {
			return appErr.New(appErr.CodeNotFound, "no chat found, send /start to the bot first")
		}
	}

	body, _ := json.Marshal(map[string]string{"chat_id": chatID, "text": welcomeText})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(token, "sendMessage"), bytes.NewReader(body))
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "build sendMessage request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "telegram sendMessage failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return appErr.New(appErr.CodeUnavailable, fmt.Sprintf("telegram sendMessage returned %d", resp.StatusCode))
	}
	logger.L().Info("telegram welcome message sent", zap.String("chat_id", chatID))
	return nil
}

func (c *Client) latestChatID(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(token, "getUpdates"), nil)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "build getUpdates request failed")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeUnavailable, "telegram getUpdates failed")
	}
	defer resp.Body.Close()

	var out struct {
		OK     bool `json:"ok"`
		Result []struct {
			Message struct {
				Chat struct {
					ID int64 `json:"id"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "decode getUpdates failed")
	}
	if !out.OK || len(out.Result) == 0 {
		return "", nil
	}
	last := out.Result[len(out.Result)-1]
	if last.Message.Chat.ID == 0 {
		return "", nil
	}
	return fmt.Sprintf("%d", last.Message.Chat.ID), nil
}
