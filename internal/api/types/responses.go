package types

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

// WebsiteDeployData augments the deployment record with the extras the
// website flow reports back.
type WebsiteDeployData struct {
	Deployment          interface{} `json:"deployment"`
	SSHAccess           string      `json:"ssh_access,omitempty"`
	TelegramMessageSent bool        `json:"telegram_message_sent"`
	TelegramInfo        string      `json:"telegram_info,omitempty"`
}
