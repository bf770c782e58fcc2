package gateway

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"

	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// dialRequest is the POST /dial body.
type dialRequest struct {
	// To is the destination number in E.164 form.
	To string `json:"to"`

	// Assistant selects the assistant profile for the call. Empty uses the
	// configured default.
	Assistant string `json:"assistant"`
}

type dialResponse struct {
	SID     string `json:"sid,omitempty"`
	Message string `json:"message"`
}

// handleDial places an outbound call whose TwiML connects the media stream
// back to this server.
func (g *Gateway) handleDial(w http.ResponseWriter, r *http.Request) {
	if g.cfg.Twilio == nil {
		httpError(w, http.StatusServiceUnavailable, "outbound dialing is not configured")
		return
	}

	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" {
		httpError(w, http.StatusBadRequest, "to field is required")
		return
	}
	conf := g.conf.Load()
	assistant := req.Assistant
	if assistant == "" {
		assistant = conf.DefaultAssistant
	}
	if _, ok := conf.Assistant(assistant); !ok {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown assistant %q", assistant))
		return
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(conf.Twilio.FromNumber)
	params.SetUrl(fmt.Sprintf("https://%s/twiml?assistant=%s", conf.Server.PublicHost, assistant))
	params.SetMethod("GET")

	resp, err := g.cfg.Twilio.Api.CreateCall(params)
	if err != nil {
		g.log.Error("outbound call creation failed", "to", req.To, "error", err)
		httpError(w, http.StatusBadGateway, "call creation failed")
		return
	}

	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	g.log.Info("outbound call initiated", "to", req.To, "assistant", assistant, "sid", sid)
	writeJSON(w, http.StatusOK, dialResponse{SID: sid, Message: "call initiated"})
}

// handleTwiML returns the voice instructions for a connecting call: open a
// bidirectional media stream to /stream and pass the assistant profile as a
// custom parameter.
func (g *Gateway) handleTwiML(w http.ResponseWriter, r *http.Request) {
	conf := g.conf.Load()
	assistant := r.URL.Query().Get("assistant")
	if assistant == "" {
		assistant = conf.DefaultAssistant
	}
	if _, ok := conf.Assistant(assistant); !ok {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("unknown assistant %q", assistant))
		return
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="wss://%s/stream">
      <Parameter name="assistant_id" value=%s/>
    </Stream>
  </Connect>
</Response>`, conf.Server.PublicHost, xmlAttr(assistant))

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	fmt.Fprint(w, twiml)
}

// xmlAttr renders s as a quoted, escaped XML attribute value.
func xmlAttr(s string) string {
	var buf bytes.Buffer
	buf.WriteByte('"')
	_ = xml.EscapeText(&buf, []byte(s))
	buf.WriteByte('"')
	return buf.String()
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
