package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/agent-platform/control-api/internal/api/types"
	"github.com/agent-platform/control-api/internal/models"
	"github.com/agent-platform/control-api/internal/reconciler"
	"github.com/agent-platform/control-api/internal/telegram"
	"github.com/agent-platform/control-api/pkg/logger"
)

type WebsitesHandler struct {
	rec      *reconciler.Reconciler
	tg       *telegram.Client
	validate *validator.Validate
}

func NewWebsitesHandler(rec *reconciler.Reconciler, tg *telegram.Client) *WebsitesHandler {
	return &WebsitesHandler{rec: rec, tg: tg, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Deploy provisions a website with one click. For telegram-flavored sites
// carrying a bot token, a welcome message is sent best-effort; a send
// failure never fails the deployment.
func (h *WebsitesHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req types.WebsiteDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WebsiteType == "" {
		req.WebsiteType = "static"
	}

	d, err := h.rec.Create(r.Context(), &reconciler.CreateSpec{
		UserID:      req.UserID,
		Kind:        models.KindWebsite,
		WebsiteName: req.WebsiteName,
		WebsiteType: req.WebsiteType,
		CustomHTML:  req.CustomHTML,
		BotToken:    req.BotToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	data := types.WebsiteDeployData{Deployment: d}
	if host, ok := strings.CutPrefix(d.Endpoint, "http://"); ok {
		data.SSHAccess = "ssh root@" + host
	}
	if req.BotToken != "" && (req.WebsiteType == "telegram" || req.WebsiteType == "openclaw") {
		if err := h.tg.SendWelcomeMessage(r.Context(), req.BotToken, ""); err != nil {
			logger.L().Warn("telegram welcome message not sent",
				zap.String("deployment_id", d.ID), zap.Error(err))
			data.TelegramInfo = err.Error()
		} else {
			data.TelegramMessageSent = true
		}
	}

	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: data})
}
