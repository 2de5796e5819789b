package http

import (
	"encoding/json"

	"github.com/codemode-dev/codemode/internal/callback"
	"github.com/codemode-dev/codemode/internal/errorkind"
	"github.com/codemode-dev/codemode/internal/mcp"
	"github.com/codemode-dev/codemode/internal/secret"
	"github.com/codemode-dev/codemode/internal/tools"
)

// wire DTOs for the session control surface (spec.md §6). These mirror
// RemoteServerConfig/CallbackConfig but keep secret fields as plain JSON
// strings on the wire — parsed into secret.String only once, here, rather
// than asking secret.String to implement JSON (un)marshaling itself.

type authConfigDTO struct {
	BearerToken string            `json:"bearer_token,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type httpServerConfigDTO struct {
	URL  string         `json:"url"`
	Auth *authConfigDTO `json:"auth,omitempty"`
}

type stdioServerConfigDTO struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

type remoteServerConfigDTO struct {
	Name  string                `json:"name"`
	HTTP  *httpServerConfigDTO  `json:"http,omitempty"`
	Stdio *stdioServerConfigDTO `json:"stdio,omitempty"`
}

func (d remoteServerConfigDTO) toConfig() (mcp.RemoteServerConfig, error) {
	cfg := mcp.RemoteServerConfig{Name: d.Name}
	if d.HTTP != nil {
		httpCfg := mcp.HTTPServerConfig{URL: d.HTTP.URL}
		if d.HTTP.Auth != nil {
			auth, err := d.HTTP.Auth.toAuthConfig()
			if err != nil {
				return mcp.RemoteServerConfig{}, err
			}
			httpCfg.Auth = auth
		}
		cfg.HTTP = &httpCfg
	}
	if d.Stdio != nil {
		cfg.Stdio = &mcp.StdioServerConfig{
			Command: d.Stdio.Command,
			Args:    d.Stdio.Args,
			Env:     d.Stdio.Env,
			Dir:     d.Stdio.Dir,
		}
	}
	return cfg, nil
}

func (d authConfigDTO) toAuthConfig() (*mcp.AuthConfig, error) {
	auth := &mcp.AuthConfig{}
	if d.BearerToken != "" {
		bearer, err := secret.Parse(d.BearerToken)
		if err != nil {
			return nil, err
		}
		auth.Bearer = bearer
	}
	if len(d.Headers) > 0 {
		auth.Headers = make(map[string]secret.String, len(d.Headers))
		for k, raw := range d.Headers {
			parsed, err := secret.Parse(raw)
			if err != nil {
				return nil, err
			}
			auth.Headers[k] = parsed
		}
	}
	return auth, nil
}

type callbackConfigDTO struct {
	Namespace    string          `json:"namespace"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

func (d callbackConfigDTO) toConfig() callback.Config {
	return callback.Config{
		Namespace:    d.Namespace,
		Name:         d.Name,
		Description:  d.Description,
		InputSchema:  d.InputSchema,
		OutputSchema: d.OutputSchema,
	}
}

// --- request bodies ---

type registerServersRequest struct {
	Servers []remoteServerConfigDTO `json:"servers"`
}

type registerToolsRequest struct {
	Tools []callbackConfigDTO `json:"tools"`
}

type functionDetailsRequest struct {
	Functions []string `json:"functions"`
}

func (r functionDetailsRequest) idents() []tools.Ident {
	out := make([]tools.Ident, 0, len(r.Functions))
	for _, f := range r.Functions {
		if id, ok := tools.ParseIdent(f); ok {
			out = append(out, id)
		}
	}
	return out
}

type executeRequest struct {
	Code string `json:"code"`
}

// --- response bodies ---

type sessionCreateResponse struct {
	SessionID string `json:"session_id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type registerServersResponse struct {
	Registered []string `json:"registered"`
	Failed     []string `json:"failed"`
}

type registerToolsResponse struct {
	Registered []string `json:"registered"`
}

type functionSummaryDTO struct {
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type listFunctionsResponse struct {
	Code      string               `json:"code"`
	Functions []functionSummaryDTO `json:"functions"`
}

type functionDetailDTO struct {
	Namespace  string   `json:"namespace"`
	Name       string   `json:"name"`
	InputType  string   `json:"input_type"`
	OutputType string   `json:"output_type"`
	Types      []string `json:"types,omitempty"`
}

type functionDetailsResponse struct {
	Code      string              `json:"code"`
	Functions []functionDetailDTO `json:"functions"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Stdout  string          `json:"stdout"`
	Stderr  string          `json:"stderr"`
	Output  json.RawMessage `json:"output"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newErrorResponse(code, message string, err error) errorResponse {
	resp := errorResponse{Code: code, Message: message}
	if kind, ok := errorkind.KindOf(err); ok {
		resp.Details = string(kind)
	}
	return resp
}
