package handlers

import (
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Council Server</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
        .status { padding: 10px; border-radius: 5px; margin: 10px 0; }
        .connected { background: #d4edda; color: #155724; }
        .disconnected { background: #f8d7da; color: #721c24; }
        code { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
    </style>
</head>
<body>
    <h1>Council Server</h1>
    {{if .Connected}}<div class="status connected">Extension: <strong>Connected</strong></div>
    {{else}}<div class="status disconnected">Extension: <strong>Disconnected</strong></div>{{end}}
    <p>Uptime: {{.UptimeSeconds}} seconds</p>
    <p>Version: {{.Version}}</p>
    <h2>API Endpoints</h2>
    <ul>
        <li><code>GET /health</code> - Health check</li>
        <li><code>POST /prompt</code> - Submit council query</li>
        <li><code>GET /auth-status</code> - Get LLM auth status</li>
        <li><code>GET /requests</code> - List recent requests</li>
        <li><code>GET /requests/:id</code> - Get request by ID</li>
        <li><code>DELETE /requests/:id</code> - Delete request</li>
        <li><code>GET /active-request</code> - Get current pending request</li>
        <li><code>GET /conversations</code> - List conversations (via extension)</li>
        <li><code>GET /conversations/:id</code> - Get conversation (via extension)</li>
        <li><code>DELETE /conversations/:id</code> - Delete conversation (via extension)</li>
        <li><code>WS /ws</code> - WebSocket for extension</li>
    </ul>
</body>
</html>
`))

type indexData struct {
	Connected     bool
	UptimeSeconds int64
	Version       string
}

// Index serves the built-in status page.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTmpl.Execute(w, indexData{
		Connected:     h.Broker.Connected(),
		UptimeSeconds: h.UptimeMs() / 1000,
		Version:       h.Version,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to render status page")
	}
}
