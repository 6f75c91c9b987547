package api

import "strings"

// apiDescription is the OpenAPI info text. The ws channel and the SSE stream are
// plain chi routes, so they are described here instead of as operations.
func apiDescription(stream bool) string {
	var b strings.Builder
	b.WriteString("Per-tab browser telemetry captured over CDP. Records are redacted before they are stored; " +
		"network fragments of one request are merged into a single record.\n\n")
	b.WriteString("## Streaming endpoints\n\n")
	b.WriteString("- `GET /ws?tab_id=N`: WebSocket message channel. Each text frame is one message " +
		"(`ADD_RECORD`, `GET_RECORDS`, `DELETE_RECORDS`, `EXIT_CAPTURE`) with the same body as " +
		"`POST /api/v1/messages`. `tab_id` is the sender tab; an explicit `tabId` in the message wins. " +
		"Each frame gets one JSON reply.\n")
	if stream {
		b.WriteString("- `GET /api/v1/stream?tab_id=N`: Server-Sent Events feed of records as they are stored " +
			"(already redacted). Omit `tab_id` to follow every tab; `types=network,console` narrows by record type.\n")
	}
	return b.String()
}

const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <meta name="description" content="tabtrace record store and redaction API" />
  <title>tabtrace API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    hideExport
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`
