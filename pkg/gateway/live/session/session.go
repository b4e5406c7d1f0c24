// Package session implements the live voice-editing engine: one run loop per
// websocket client, bridging the client protocol to the upstream realtime
// connection, the studio session store, and the image editor.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/live/protocol"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

const (
	outboundPriorityQueueSize = 16

	// ToolEditImage and ToolSelectVersion are offered to the voice model.
	ToolEditImage     = "edit_image"
	ToolSelectVersion = "select_version"
)

var errBackpressure = errors.New("live outbound backpressure")

type Config struct {
	MaxAudioFrameBytes  int
	MaxJSONMessageBytes int64
	MaxPromptChars      int
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	ReconnectDelay      time.Duration
	MaxBufferedPlayback time.Duration
	OutboundQueueSize   int
	Model               string
	VoiceName           string
	SystemPrompt        string
}

type Dependencies struct {
	Conn      *websocket.Conn
	Logger    *slog.Logger
	Store     *studio.Store
	Editor    *editor.Service
	Dialer    upstream.Dialer
	Hello     protocol.ClientHello
	RequestID string
	Config    Config
	StartTime time.Time
	Now       func() time.Time
}

// Engine owns one live connection. All protocol state lives in Run's frame;
// the struct carries only what concurrent helpers need.
type Engine struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	store     *studio.Store
	editor    *editor.Service
	dialer    upstream.Dialer
	hello     protocol.ClientHello
	sessionID string
	requestID string
	cfg       Config
	startTime time.Time
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	running  atomic.Bool
	audioGen atomic.Uint64

	clockHaveClient          atomic.Bool
	clockMaxClientMS         atomic.Int64
	clockMaxClientAtUnixNano atomic.Int64
}

type inboundFrame struct {
	data []byte
	err  error
}

// editOutcome is the result of an asynchronous edit, whether it came from a
// model tool call or a typed edit_request.
type editOutcome struct {
	toolCallID string // empty for client edit_request
	toolName   string
	prompt     string
	result     editor.Result
	err        error
}

// lineState tracks the open transcript line for one speaker. Deltas rewrite
// the same line until it is finalized.
type lineState struct {
	index int
	text  string
}

func New(deps Dependencies) (*Engine, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if deps.Editor == nil {
		return nil, fmt.Errorf("editor is required")
	}
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if strings.TrimSpace(deps.Hello.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 64 * 1024
	}
	if deps.Config.MaxPromptChars <= 0 {
		deps.Config.MaxPromptChars = editor.MaxPromptLen
	}
	if deps.Config.ReconnectDelay <= 0 {
		deps.Config.ReconnectDelay = 2 * time.Second
	}
	if deps.Config.MaxBufferedPlayback <= 0 {
		deps.Config.MaxBufferedPlayback = 30 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		conn:             deps.Conn,
		logger:           deps.Logger,
		store:            deps.Store,
		editor:           deps.Editor,
		dialer:           deps.Dialer,
		hello:            deps.Hello,
		sessionID:        deps.Hello.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
	}
	return e, nil
}

func (e *Engine) upstreamConfig() upstream.SessionConfig {
	return upstream.SessionConfig{
		Model:     e.cfg.Model,
		System:    e.cfg.SystemPrompt,
		VoiceName: e.cfg.VoiceName,
		Tools: []upstream.ToolDecl{
			{
				Name:        ToolEditImage,
				Description: "Apply an edit to the image currently shown on the canvas. Describe the change in the prompt.",
				Params: []upstream.ToolParam{
					{Name: "prompt", Type: "string", Description: "The edit to apply, e.g. 'make the sky pink'.", Required: true},
				},
			},
			{
				Name:        ToolSelectVersion,
				Description: "Show an earlier or later version of the image. Version 0 is the original upload.",
				Params: []upstream.ToolParam{
					{Name: "index", Type: "integer", Description: "Zero-based index into the version history.", Required: true},
				},
			},
		},
	}
}

func (e *Engine) Run() error {
	defer e.cancel()
	e.running.Store(true)
	defer e.running.Store(false)

	if e.cfg.MaxJSONMessageBytes > 0 {
		e.conn.SetReadLimit(e.cfg.MaxJSONMessageBytes)
	}
	if e.cfg.ReadTimeout > 0 {
		_ = e.conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		e.conn.SetPongHandler(func(string) error {
			return e.conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           e.conn,
			ctx:          e.ctx,
			pingInterval: e.cfg.PingInterval,
			writeTimeout: e.cfg.WriteTimeout,
			priority:     e.outboundPriority,
			normal:       e.outboundNormal,
			isStale:      e.isStaleGeneration,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	sess, err := e.store.Get(e.sessionID)
	if err != nil {
		_ = e.sendSessionError("not_found", "unknown session", true)
		return e.flushAndWait(writerErrCh)
	}

	up, err := e.dialer.Dial(e.ctx, e.upstreamConfig())
	if err != nil {
		e.logger.Error("live upstream dial failed", "session_id", e.sessionID, "request_id", e.requestID, "error", err)
		_ = e.sendSessionError("upstream_error", "failed to open realtime connection", true)
		return e.flushAndWait(writerErrCh)
	}
	// up is reassigned on reconnect; close whichever connection is current.
	defer func() { _ = up.Close() }()

	readCh := make(chan inboundFrame, 64)
	go e.readLoop(readCh)

	if err := e.sendJSONPriority(protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       e.sessionID,
		AudioIn: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: upstream.AudioInSampleRateHz,
			Channels:     1,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     "pcm_s16le",
			SampleRateHz: upstream.AudioOutSampleRateHz,
			Channels:     1,
		},
		CurrentIndex: sess.CurrentIndex,
		VersionCount: len(sess.Versions),
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  e.cfg.MaxAudioFrameBytes,
			MaxJSONMessageBytes: int(e.cfg.MaxJSONMessageBytes),
			MaxPromptChars:      e.cfg.MaxPromptChars,
		},
	}); err != nil {
		return err
	}

	scheduler := newPlaybackScheduler(upstream.AudioOutSampleRateHz)
	editDoneCh := make(chan editOutcome, 4)

	var wg sync.WaitGroup
	defer func() {
		e.cancel()
		wg.Wait()
	}()

	var (
		events            = up.Events()
		reconnected       bool
		audioSeq          int64
		playbackLagWarned bool
		userLine          = lineState{index: -1}
		assistantLine     = lineState{index: -1}
	)

	flushPlayback := func(reason string) error {
		e.audioGen.Add(1)
		scheduler.Reset()
		return e.sendJSONPriority(protocol.ServerAudioReset{Type: "audio_reset", Reason: reason})
	}

	finalizeLine := func(line *lineState, role studio.TranscriptRole) error {
		if line.index < 0 {
			return nil
		}
		text := normalizeSpace(line.text)
		if err := e.store.UpdateTranscript(e.sessionID, line.index, studio.TranscriptLine{
			Role:      role,
			Text:      text,
			Final:     true,
			Timestamp: e.now().UTC(),
		}); err != nil {
			e.logger.Warn("transcript finalize failed", "session_id", e.sessionID, "error", err)
		}
		frame := protocol.ServerUtteranceFinal{
			Type:      "utterance_final",
			Role:      string(role),
			LineIndex: line.index,
			Text:      text,
		}
		line.index = -1
		line.text = ""
		return e.sendJSON(frame)
	}

	onTranscript := func(ev upstream.TranscriptEvent) error {
		line, role := &userLine, studio.RoleUser
		if ev.Source == upstream.TranscriptOutput {
			line, role = &assistantLine, studio.RoleAssistant
		}
		line.text += ev.Text
		record := studio.TranscriptLine{
			Role:      role,
			Text:      normalizeSpace(line.text),
			Timestamp: e.now().UTC(),
		}
		if line.index < 0 {
			idx, err := e.store.AppendTranscript(e.sessionID, record)
			if err != nil {
				return err
			}
			line.index = idx
		} else if err := e.store.UpdateTranscript(e.sessionID, line.index, record); err != nil {
			e.logger.Warn("transcript update failed", "session_id", e.sessionID, "error", err)
		}
		if e.hello.Features.WantPartialTranscripts || ev.Final {
			if err := e.sendJSON(protocol.ServerTranscriptDelta{
				Type:        "transcript_delta",
				Role:        string(role),
				LineIndex:   line.index,
				IsFinal:     ev.Final,
				Text:        record.Text,
				TimestampMS: e.sessionTimeMS(),
			}); err != nil {
				return err
			}
		}
		if ev.Final {
			return finalizeLine(line, role)
		}
		return nil
	}

	startEdit := func(toolCallID, toolName, prompt string) {
		current, err := e.currentVersionPayload()
		if err != nil {
			select {
			case editDoneCh <- editOutcome{toolCallID: toolCallID, toolName: toolName, prompt: prompt, err: err}:
			case <-e.ctx.Done():
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.editor.Edit(e.ctx, current, prompt)
			select {
			case editDoneCh <- editOutcome{toolCallID: toolCallID, toolName: toolName, prompt: prompt, result: res, err: err}:
			case <-e.ctx.Done():
			}
		}()
	}

	var sessionTimer *time.Timer
	if e.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(e.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	for {
		select {
		case <-e.ctx.Done():
			return nil

		case err := <-writerErrCh:
			return err

		case <-sessionTimerCh():
			_ = e.sendWarning("session_timeout", "maximum session duration reached")
			_ = e.sendSessionError("session_timeout", "session closed after maximum duration", true)
			return e.flushAndWait(writerErrCh)

		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				// Client went away; nothing left to serve.
				return nil
			}
			msg, decErr := protocol.DecodeClientMessage(frame.data)
			if decErr != nil {
				code := "bad_request"
				var de *protocol.DecodeError
				if errors.As(decErr, &de) {
					code = de.Code
				}
				if err := e.sendSessionError(code, decErr.Error(), true); err != nil {
					return err
				}
				return e.flushAndWait(writerErrCh)
			}
			switch m := msg.(type) {
			case protocol.ClientHello:
				if err := e.sendSessionError("bad_request", "hello already received", true); err != nil {
					return err
				}
				return e.flushAndWait(writerErrCh)

			case protocol.ClientAudioFrame:
				audio, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					if err := e.sendSessionError("bad_request", "invalid audio_frame.data_b64", true); err != nil {
						return err
					}
					return e.flushAndWait(writerErrCh)
				}
				if len(audio) > e.cfg.MaxAudioFrameBytes {
					if err := e.sendSessionError("bad_request", "audio frame exceeds max size", true); err != nil {
						return err
					}
					return e.flushAndWait(writerErrCh)
				}
				if m.TimestampMS != nil {
					e.observeClientTimestampMS(*m.TimestampMS)
				}
				if err := up.SendAudio(audio); err != nil {
					_ = e.sendWarning("upstream_error", "failed to forward audio frame")
				}

			case protocol.ClientPlaybackMark:
				if m.TimestampMS != nil {
					e.observeClientTimestampMS(*m.TimestampMS)
				}
				// Marks are where the client tells us where playback really
				// is; if the watermark has run too far ahead the client is
				// not keeping up.
				pending := scheduler.PendingMS(e.sessionTimeMS())
				if pending > e.cfg.MaxBufferedPlayback.Milliseconds() {
					if !playbackLagWarned {
						playbackLagWarned = true
						_ = e.sendWarning("playback_lagging", "scheduled audio is far ahead of client playback")
					}
				} else {
					playbackLagWarned = false
				}

			case protocol.ClientEditRequest:
				prompt := strings.TrimSpace(m.Prompt)
				if utf8.RuneCountInString(prompt) > e.cfg.MaxPromptChars {
					_ = e.sendWarning("bad_request", "edit prompt is too long")
					continue
				}
				startEdit("", "", prompt)

			case protocol.ClientControl:
				switch m.Op {
				case "interrupt":
					if err := finalizeLine(&assistantLine, studio.RoleAssistant); err != nil {
						return e.onSendErr(err, flushPlayback)
					}
					if err := flushPlayback("barge_in"); err != nil {
						return err
					}
				case "end_session":
					e.running.Store(false)
					_ = e.sendWarning("session_end", "session ending by client request")
					return e.flushAndWait(writerErrCh)
				}
			}

		case out := <-editDoneCh:
			if err := e.finishEdit(up, out); err != nil {
				return err
			}

		case ev, ok := <-events:
			if !ok {
				upErr := up.Err()
				if !e.running.Load() {
					return nil
				}
				if reconnected {
					e.logger.Error("live upstream lost after reconnect", "session_id", e.sessionID, "error", upErr)
					_ = e.sendSessionError("upstream_error", "realtime connection lost", true)
					return e.flushAndWait(writerErrCh)
				}
				e.logger.Warn("live upstream dropped, reconnecting", "session_id", e.sessionID, "error", upErr)
				_ = e.sendWarning("upstream_reconnecting", "realtime connection dropped, retrying")
				next, err := redial(e.ctx, e.dialer, e.upstreamConfig(), e.cfg.ReconnectDelay, e.running.Load)
				if err != nil {
					e.logger.Error("live upstream reconnect failed", "session_id", e.sessionID, "error", err)
					_ = e.sendSessionError("upstream_error", "realtime reconnect failed", true)
					return e.flushAndWait(writerErrCh)
				}
				reconnected = true
				up.Close()
				up = next
				events = up.Events()
				// The new connection has no memory of in-flight speech.
				if err := finalizeLine(&assistantLine, studio.RoleAssistant); err != nil {
					return e.onSendErr(err, flushPlayback)
				}
				if err := flushPlayback("reconnect"); err != nil {
					return err
				}
				continue
			}

			switch ev := ev.(type) {
			case upstream.TranscriptEvent:
				if err := onTranscript(ev); err != nil {
					return e.onSendErr(err, flushPlayback)
				}

			case upstream.AudioChunkEvent:
				audioSeq++
				playAt, dur := scheduler.Schedule(e.sessionTimeMS(), len(ev.Data))
				err := e.sendAudioChunk(protocol.ServerAudioChunk{
					Type:       "audio_chunk",
					Seq:        audioSeq,
					PlayAtMS:   playAt,
					DurationMS: dur,
					DataB64:    base64.StdEncoding.EncodeToString(ev.Data),
				})
				if err != nil {
					if err := e.onSendErr(err, flushPlayback); err != nil {
						return err
					}
				}

			case upstream.InterruptedEvent:
				if err := finalizeLine(&assistantLine, studio.RoleAssistant); err != nil {
					return e.onSendErr(err, flushPlayback)
				}
				if err := flushPlayback("interrupted"); err != nil {
					return err
				}

			case upstream.TurnCompleteEvent:
				if err := finalizeLine(&assistantLine, studio.RoleAssistant); err != nil {
					return e.onSendErr(err, flushPlayback)
				}
				if err := e.sendJSON(protocol.ServerTurnComplete{Type: "turn_complete"}); err != nil {
					return e.onSendErr(err, flushPlayback)
				}

			case upstream.ToolCallEvent:
				switch ev.Name {
				case ToolEditImage:
					prompt, _ := ev.Args["prompt"].(string)
					startEdit(ev.ID, ev.Name, strings.TrimSpace(prompt))
				case ToolSelectVersion:
					if err := e.handleSelectVersion(up, ev); err != nil {
						return e.onSendErr(err, flushPlayback)
					}
				default:
					e.logger.Warn("unknown tool call", "session_id", e.sessionID, "tool", ev.Name)
					if err := up.SendToolResult(ev.ID, ev.Name, map[string]any{
						"status": "error",
						"error":  "unknown tool",
					}); err != nil {
						_ = e.sendWarning("upstream_error", "failed to answer tool call")
					}
				}

			case upstream.GoAwayEvent:
				e.logger.Info("upstream go_away", "session_id", e.sessionID, "time_left", ev.TimeLeft)
				_ = e.sendWarning("upstream_go_away", "realtime connection will close shortly")
			}
		}
	}
}

// finishEdit lands one completed edit: append the version, notify the client,
// and answer the tool call if the edit came from one.
func (e *Engine) finishEdit(up upstream.Conn, out editOutcome) error {
	if out.err != nil {
		e.logger.Warn("edit failed", "session_id", e.sessionID, "prompt", out.prompt, "error", out.err)
		if err := e.sendWarning("edit_failed", "could not apply the edit"); err != nil {
			return err
		}
		if out.toolCallID != "" {
			if err := up.SendToolResult(out.toolCallID, out.toolName, map[string]any{
				"status": "error",
				"error":  out.err.Error(),
			}); err != nil {
				_ = e.sendWarning("upstream_error", "failed to answer tool call")
			}
		}
		return nil
	}

	idx, err := e.store.AppendVersion(e.sessionID, out.result.Version)
	if err != nil {
		return err
	}
	sess, err := e.store.Get(e.sessionID)
	if err != nil {
		return err
	}
	if err := e.sendJSON(protocol.ServerVersionAdded{
		Type:         "version_added",
		Index:        idx,
		Prompt:       out.result.Version.Prompt,
		Kind:         string(out.result.Version.Kind),
		DataURI:      out.result.Version.DataURI,
		VersionCount: len(sess.Versions),
	}); err != nil {
		return err
	}
	if out.toolCallID != "" {
		payload := map[string]any{
			"status":        "ok",
			"version_index": idx,
		}
		if out.result.Narration != "" {
			payload["note"] = out.result.Narration
		}
		if err := up.SendToolResult(out.toolCallID, out.toolName, payload); err != nil {
			_ = e.sendWarning("upstream_error", "failed to answer tool call")
		}
		return nil
	}

	// Typed edits happen outside the voice conversation; tell the model so it
	// is not talking about a stale canvas.
	if err := up.SendText(fmt.Sprintf("I just applied this edit myself: %q. The canvas now shows version %d.", out.prompt, idx)); err != nil {
		_ = e.sendWarning("upstream_error", "failed to notify the model of the edit")
	}
	return nil
}

func (e *Engine) handleSelectVersion(up upstream.Conn, ev upstream.ToolCallEvent) error {
	idx, ok := toolArgInt(ev.Args, "index")
	if !ok {
		if err := up.SendToolResult(ev.ID, ev.Name, map[string]any{
			"status": "error",
			"error":  "index must be an integer",
		}); err != nil {
			_ = e.sendWarning("upstream_error", "failed to answer tool call")
		}
		return nil
	}
	version, err := e.store.SelectVersion(e.sessionID, idx)
	if err != nil {
		if serr := up.SendToolResult(ev.ID, ev.Name, map[string]any{
			"status": "error",
			"error":  err.Error(),
		}); serr != nil {
			_ = e.sendWarning("upstream_error", "failed to answer tool call")
		}
		return nil
	}
	if err := e.sendJSON(protocol.ServerVersionSelected{
		Type:    "version_selected",
		Index:   idx,
		Kind:    string(version.Kind),
		DataURI: version.DataURI,
	}); err != nil {
		return err
	}
	if err := up.SendToolResult(ev.ID, ev.Name, map[string]any{
		"status": "ok",
		"index":  idx,
	}); err != nil {
		_ = e.sendWarning("upstream_error", "failed to answer tool call")
	}
	return nil
}

func (e *Engine) currentVersionPayload() (studio.DataURI, error) {
	sess, err := e.store.Get(e.sessionID)
	if err != nil {
		return studio.DataURI{}, err
	}
	current := sess.Current()
	return studio.ParseDataURI(current.DataURI, 0)
}

func toolArgInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// onSendErr converts backpressure into a playback flush so the writer queue
// drains instead of killing the session; other errors are fatal.
func (e *Engine) onSendErr(err error, flush func(reason string) error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errBackpressure) {
		e.logger.Warn("live outbound backpressure, flushing audio", "session_id", e.sessionID)
		return flush("backpressure")
	}
	return err
}

// flushAndWait gives the writer a moment to push priority frames before the
// connection drops.
func (e *Engine) flushAndWait(writerErrCh <-chan error) error {
	e.cancel()
	wait := 100 * time.Millisecond
	if e.cfg.WriteTimeout > 0 && e.cfg.WriteTimeout < wait {
		wait = e.cfg.WriteTimeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	if writerErrCh == nil {
		<-timer.C
		return nil
	}
	select {
	case <-writerErrCh:
	case <-timer.C:
	}
	return nil
}

func (e *Engine) isStaleGeneration(gen uint64) bool {
	return gen != e.audioGen.Load()
}

func (e *Engine) sendAudioChunk(chunk protocol.ServerAudioChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return e.enqueueNormal(outboundFrame{
		isAudio:    true,
		generation: e.audioGen.Load(),
		payload:    payload,
	})
}

func (e *Engine) sendWarning(code, message string) error {
	return e.sendJSON(protocol.ServerWarning{Type: "warning", Code: code, Message: message})
}

func (e *Engine) sendSessionError(code, message string, close bool) error {
	msg := protocol.ServerError{Type: "error", Code: code, Message: message, Close: close}
	if close {
		return e.sendJSONPriority(msg)
	}
	return e.sendJSON(msg)
}

func (e *Engine) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.enqueueNormal(outboundFrame{payload: payload})
}

func (e *Engine) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.enqueuePriority(outboundFrame{payload: payload})
}

func (e *Engine) enqueueNormal(frame outboundFrame) error {
	if frame.isAudio && e.isStaleGeneration(frame.generation) {
		return nil
	}
	select {
	case e.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (e *Engine) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case e.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-e.outboundPriority:
		default:
		}
	}
	select {
	case e.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (e *Engine) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-e.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-e.ctx.Done():
			return
		}
	}
}

// sessionTimeMS is the playback timeline in milliseconds. Once the client has
// reported a timestamp the clock tracks the client's, extrapolated by wall
// time; before that it counts from the session start.
func (e *Engine) sessionTimeMS() int64 {
	now := time.Now
	if e.now != nil {
		now = e.now
	}
	if e.clockHaveClient.Load() {
		maxMS := e.clockMaxClientMS.Load()
		at := e.clockMaxClientAtUnixNano.Load()
		elapsed := (now().UnixNano() - at) / int64(time.Millisecond)
		if elapsed < 0 {
			elapsed = 0
		}
		return maxMS + elapsed
	}
	return now().Sub(e.startTime).Milliseconds()
}

func (e *Engine) observeClientTimestampMS(ts int64) {
	if ts < 0 {
		return
	}
	for {
		current := e.clockMaxClientMS.Load()
		if ts <= current && e.clockHaveClient.Load() {
			return
		}
		if e.clockMaxClientMS.CompareAndSwap(current, ts) {
			now := time.Now
			if e.now != nil {
				now = e.now
			}
			e.clockMaxClientAtUnixNano.Store(now().UnixNano())
			e.clockHaveClient.Store(true)
			return
		}
	}
}

// Cancel aborts the run loop. Used by the tracker on shutdown.
func (e *Engine) Cancel() {
	if e == nil || e.cancel == nil {
		return
	}
	e.running.Store(false)
	e.cancel()
}

// SendWarning pushes a warning frame from outside the run loop.
func (e *Engine) SendWarning(code, message string) error {
	if e == nil {
		return nil
	}
	return e.sendWarning(code, message)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
