package webchat

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/go-go-golems/chatrelay/pkg/conversation"
	"github.com/go-go-golems/chatrelay/pkg/identity"
	"github.com/go-go-golems/chatrelay/pkg/persistence/roomstore"
)

// TranscriptHandler serves the stored transcript of the caller's room. The
// room comes from a verified token only; anonymous callers get 401.
type TranscriptHandler struct {
	store    roomstore.Store
	resolver *identity.Resolver
	md       goldmark.Markdown
	log      zerolog.Logger
}

func NewTranscriptHandler(store roomstore.Store, resolver *identity.Resolver, log zerolog.Logger) *TranscriptHandler {
	return &TranscriptHandler{
		store:    store,
		resolver: resolver,
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM)),
		log:      log.With().Str("component", "transcript").Logger(),
	}
}

type transcriptResponse struct {
	RoomID string              `json:"room_id"`
	Turns  []conversation.Turn `json:"turns"`
}

func (h *TranscriptHandler) load(w http.ResponseWriter, req *http.Request) (string, *conversation.RoomState, bool) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", nil, false
	}
	roomID, ok := h.resolver.Authenticate(identity.TokenFromRequest(req))
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", nil, false
	}
	st, err := h.store.Load(req.Context(), roomID)
	if err != nil {
		h.log.Error().Err(err).Str("room_id", roomID).Msg("load transcript")
		http.Error(w, "failed to load transcript", http.StatusInternalServerError)
		return "", nil, false
	}
	return roomID, st, true
}

// ServeJSON handles GET /transcript.
func (h *TranscriptHandler) ServeJSON(w http.ResponseWriter, req *http.Request) {
	roomID, st, ok := h.load(w, req)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transcriptResponse{RoomID: roomID, Turns: st.Snapshot()})
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Room {{.RoomID}}</title></head>
<body>
<h1>Room {{.RoomID}}</h1>
{{range .Turns}}<section class="turn {{.Role}}">
<h2>{{.Role}}</h2>
{{.Body}}
</section>
{{else}}<p>No messages yet.</p>
{{end}}</body>
</html>
`))

type renderedTurn struct {
	Role string
	Body template.HTML
}

// ServeHTML handles GET /transcript.html. Turn content is rendered as
// markdown; raw HTML in turns is not passed through.
func (h *TranscriptHandler) ServeHTML(w http.ResponseWriter, req *http.Request) {
	roomID, st, ok := h.load(w, req)
	if !ok {
		return
	}
	turns := st.Snapshot()
	data := struct {
		RoomID string
		Turns  []renderedTurn
	}{RoomID: roomID, Turns: make([]renderedTurn, 0, len(turns))}
	for _, t := range turns {
		var buf bytes.Buffer
		if err := h.md.Convert([]byte(t.Content), &buf); err != nil {
			h.log.Warn().Err(err).Str("room_id", roomID).Msg("render turn")
			buf.Reset()
			buf.WriteString("<pre>" + template.HTMLEscapeString(t.Content) + "</pre>")
		}
		data.Turns = append(data.Turns, renderedTurn{Role: string(t.Role), Body: template.HTML(buf.String())})
	}
	var out bytes.Buffer
	if err := transcriptTemplate.Execute(&out, data); err != nil {
		h.log.Error().Err(err).Msg("execute transcript template")
		http.Error(w, "failed to render transcript", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(out.Bytes())
}
