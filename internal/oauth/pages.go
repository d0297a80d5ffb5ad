package oauth

import (
	"html/template"
	"net/http"

	"go.uber.org/zap"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body style="font-family: sans-serif; max-width: 40em; margin: 4em auto;">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Note}}<p><strong>{{.Note}}</strong></p>{{end}}
{{if .Detail}}<pre>{{.Detail}}</pre>{{end}}
<p>This window will close automatically.</p>
<script>setTimeout(function () { window.close(); }, {{.CloseAfterMs}});</script>
</body>
</html>
`))

type page struct {
	Title        string
	Message      string
	Note         string
	Detail       string
	CloseAfterMs int
}

// renderSuccess shows the signed-in page. persisted is false when token
// storage is disabled and the sign-in will not be kept.
func renderSuccess(w http.ResponseWriter, logger *zap.Logger, shopName string, persisted bool) {
	msg := "You are signed in. You can return to your assistant."
	if shopName != "" {
		msg = "You are signed in and " + shopName + " is your default shop. You can return to your assistant."
	}
	var note string
	if !persisted {
		note = "Token storage is not writable, so this sign-in was not saved and tools will still ask you to authenticate. Set ETSY_MCP_TOKEN_PATH to a writable location and restart."
	}
	render(w, logger, http.StatusOK, page{
		Title:        "Authentication successful",
		Message:      msg,
		Note:         note,
		CloseAfterMs: 3000,
	})
}

func renderFailure(w http.ResponseWriter, logger *zap.Logger, err error) {
	render(w, logger, http.StatusInternalServerError, page{
		Title:        "Authentication failed",
		Message:      "Ask your assistant to authenticate again to restart sign-in.",
		Detail:       err.Error(),
		CloseAfterMs: 10000,
	})
}

func render(w http.ResponseWriter, logger *zap.Logger, status int, p page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, p); err != nil {
		logger.Warn("failed to render callback page", zap.Error(err))
	}
}
