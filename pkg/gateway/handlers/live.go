package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	"github.com/atelier-ai/atelier/pkg/gateway/lifecycle"
	"github.com/atelier-ai/atelier/pkg/gateway/live/protocol"
	"github.com/atelier-ai/atelier/pkg/gateway/live/session"
	"github.com/atelier-ai/atelier/pkg/gateway/live/sessions"
	"github.com/atelier-ai/atelier/pkg/gateway/mw"
	"github.com/atelier-ai/atelier/pkg/gateway/ratelimit"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        *studio.Store
	Editor       *editor.Service
	Dialer       upstream.Dialer
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		writeCoreErrorJSON(w, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		msg, code := "invalid hello frame", "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			msg, code = de.Message, de.Code
		}
		h.writeWSError(conn, code, msg)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	if hello.AudioIn.Encoding != "pcm_s16le" || hello.AudioIn.SampleRateHz != upstream.AudioInSampleRateHz || hello.AudioIn.Channels != 1 {
		h.writeWSError(conn, "unsupported", "audio_in must be pcm_s16le @16000Hz mono")
		return
	}
	if hello.AudioOut.Encoding != "pcm_s16le" || hello.AudioOut.SampleRateHz != upstream.AudioOutSampleRateHz || hello.AudioOut.Channels != 1 {
		h.writeWSError(conn, "unsupported", "audio_out must be pcm_s16le @24000Hz mono")
		return
	}

	// The session must already exist; live connections attach to an upload.
	if _, err := h.Store.Get(hello.SessionID); err != nil {
		h.writeWSError(conn, "not_found", "session not found")
		return
	}

	var livePermit *ratelimit.Permit
	if h.Limiter != nil && h.Config.LimitMaxLiveSessions > 0 {
		dec := h.Limiter.AcquireLive(mw.PrincipalKey(r), time.Now())
		if !dec.Allowed {
			h.writeWSError(conn, "rate_limited", "too many active live sessions")
			return
		}
		livePermit = dec.Permit
		defer livePermit.Release()
	}

	startAt := time.Now()
	_ = conn.SetReadDeadline(time.Time{})

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    h.Logger,
		Store:     h.Store,
		Editor:    h.Editor,
		Dialer:    h.Dialer,
		Hello:     hello,
		RequestID: reqID,
		StartTime: startAt,
		Config: session.Config{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			MaxPromptChars:      h.Config.LiveMaxPromptChars,
			PingInterval:        h.Config.LiveWSPingInterval,
			WriteTimeout:        h.Config.LiveWSWriteTimeout,
			ReadTimeout:         h.Config.LiveWSReadTimeout,
			MaxSessionDuration:  h.Config.LiveMaxSessionDuration,
			ReconnectDelay:      h.Config.LiveReconnectDelay,
			MaxBufferedPlayback: h.Config.LiveMaxBufferedPlayback,
			OutboundQueueSize:   128,
			Model:               h.Config.LiveModel,
			VoiceName:           h.Config.VoiceName,
			SystemPrompt:        h.Config.SystemPrompt,
		},
	})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize live session")
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessions.Handle{
			SessionID: hello.SessionID,
			Cancel:    s.Cancel,
			Warn:      s.SendWarning,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error", "session_id", hello.SessionID, "request_id", reqID, "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: true})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}
