package types

// AgentDeployRequest creates an AI chat agent deployment. Credentials are
// forwarded to the provisioner and never stored.
type AgentDeployRequest struct {
	UserID         string `json:"user_id" validate:"required"`
	BotToken       string `json:"bot_token" validate:"required"`
	Model          string `json:"model"`
	OpenAIAPIKey   string `json:"openai_api_key" validate:"required"`
	OpenAIEndpoint string `json:"openai_endpoint" validate:"omitempty,url"`
	Platform       string `json:"platform" validate:"omitempty,oneof=telegram discord slack"`
}

// WebsiteDeployRequest creates a one-click website deployment.
type WebsiteDeployRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	WebsiteName string `json:"website_name" validate:"required"`
	WebsiteType string `json:"website_type" validate:"omitempty,oneof=static nodejs react telegram openclaw"`
	CustomHTML  string `json:"custom_html"`
	BotToken    string `json:"bot_token"`
}
