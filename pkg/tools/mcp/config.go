package mcp

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	// Name identifies the server in logs and tool routing.
	Name string `yaml:"name" json:"name"`

	// Transport is "streamable-http" (default) or "sse".
	Transport string `yaml:"transport" json:"transport"`

	URL string `yaml:"url" json:"url"`

	// Headers are sent with every request, typically an API key.
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	Auth AuthConfig `yaml:"auth" json:"auth,omitempty"`
}

// AuthConfig selects dynamic authentication for a server. The only
// supported type is "oauth_client_credentials".
type AuthConfig struct {
	Type         string   `yaml:"type" json:"type,omitempty"`
	TokenURL     string   `yaml:"token_url" json:"token_url,omitempty"`
	ClientID     string   `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret string   `yaml:"client_secret" json:"client_secret,omitempty"`
	Scopes       []string `yaml:"scopes" json:"scopes,omitempty"`
}
