package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/live/protocol"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

type toolResultCall struct {
	id      string
	name    string
	payload map[string]any
}

type fakeUpstreamConn struct {
	events      chan upstream.Event
	toolResults []toolResultCall
	texts       []string
	audio       [][]byte
	err         error
	closes      atomic.Int32
}

func newFakeUpstreamConn() *fakeUpstreamConn {
	return &fakeUpstreamConn{events: make(chan upstream.Event, 16)}
}

func (f *fakeUpstreamConn) SendAudio(pcm []byte) error {
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeUpstreamConn) SendText(text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeUpstreamConn) SendToolResult(id, name string, payload map[string]any) error {
	f.toolResults = append(f.toolResults, toolResultCall{id: id, name: name, payload: payload})
	return nil
}

func (f *fakeUpstreamConn) Events() <-chan upstream.Event { return f.events }
func (f *fakeUpstreamConn) Err() error                    { return f.err }

func (f *fakeUpstreamConn) Close() error {
	f.closes.Add(1)
	return nil
}

type fakeDialer struct {
	conns []upstream.Conn
	errs  []error
	calls int
}

func (f *fakeDialer) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Conn, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.conns) {
		return f.conns[i], nil
	}
	return nil, errors.New("no more conns")
}

func testEngine(t *testing.T, store *studio.Store, model upstream.ImageModel) *Engine {
	t.Helper()
	e := &Engine{
		logger:           slog.New(slog.DiscardHandler),
		store:            store,
		editor:           editor.NewService(model),
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, 32),
		now:              time.Now,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	t.Cleanup(e.cancel)
	return e
}

type stubModel struct {
	result upstream.EditResult
	err    error
}

func (s stubModel) EditImage(ctx context.Context, req upstream.EditRequest) (upstream.EditResult, error) {
	return s.result, s.err
}

func newSessionWithImage(t *testing.T, store *studio.Store) studio.Session {
	t.Helper()
	sess, err := store.Create(studio.DataURI{MediaType: "image/png", Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func drainPayloads(ch chan outboundFrame) []string {
	var out []string
	for {
		select {
		case frame := <-ch:
			out = append(out, string(frame.payload))
		default:
			return out
		}
	}
}

// startEngineRun serves one engine over a real websocket and returns the
// client side plus the channel Run's result lands on.
func startEngineRun(t *testing.T, store *studio.Store, dialer upstream.Dialer, cfg Config, sessionID string) (*websocket.Conn, chan error) {
	t.Helper()
	runDone := make(chan error, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			runDone <- err
			return
		}
		e, err := New(Dependencies{
			Conn:   ws,
			Logger: slog.New(slog.DiscardHandler),
			Store:  store,
			Editor: editor.NewService(stubModel{}),
			Dialer: dialer,
			Hello: protocol.ClientHello{
				Type:            "hello",
				ProtocolVersion: protocol.ProtocolVersion1,
				SessionID:       sessionID,
			},
			Config: cfg,
		})
		if err != nil {
			runDone <- err
			return
		}
		runDone <- e.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, runDone
}

func readUntilFrame(t *testing.T, client *websocket.Conn, match func(map[string]any) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = client.SetReadDeadline(deadline)
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("frame %q: %v", data, err)
		}
		if match(frame) {
			return
		}
	}
}

func waitRunDone(t *testing.T, runDone chan error) {
	t.Helper()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestRun_ClosesReconnectedUpstream(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)

	conn1 := newFakeUpstreamConn()
	conn2 := newFakeUpstreamConn()
	dialer := &fakeDialer{conns: []upstream.Conn{conn1, conn2}}

	client, runDone := startEngineRun(t, store, dialer, Config{
		PingInterval:   time.Hour,
		WriteTimeout:   time.Second,
		ReconnectDelay: 5 * time.Millisecond,
	}, sess.ID)

	// First upstream drops; the engine dials the replacement and flushes
	// playback once it is up.
	close(conn1.events)
	readUntilFrame(t, client, func(frame map[string]any) bool {
		return frame["type"] == "audio_reset" && frame["reason"] == "reconnect"
	})

	if err := client.WriteJSON(map[string]string{"type": "control", "op": "end_session"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitRunDone(t, runDone)

	if got := conn1.closes.Load(); got != 1 {
		t.Fatalf("first conn closes = %d, want 1", got)
	}
	if conn2.closes.Load() == 0 {
		t.Fatalf("replacement conn was never closed after the session ended")
	}
}

func TestRun_PlaybackMarkWarnsWhenQueueRunsAhead(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)

	up := newFakeUpstreamConn()
	dialer := &fakeDialer{conns: []upstream.Conn{up}}

	client, runDone := startEngineRun(t, store, dialer, Config{
		PingInterval:        time.Hour,
		WriteTimeout:        time.Second,
		MaxBufferedPlayback: 500 * time.Millisecond,
	}, sess.ID)

	// Two seconds of 24 kHz s16le audio, far past the buffered-playback bound.
	up.events <- upstream.AudioChunkEvent{
		Data:         make([]byte, 2*24000*2),
		SampleRateHz: 24000,
	}
	readUntilFrame(t, client, func(frame map[string]any) bool {
		return frame["type"] == "audio_chunk"
	})

	if err := client.WriteJSON(map[string]any{"type": "playback_mark", "played_ms": 0}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	readUntilFrame(t, client, func(frame map[string]any) bool {
		return frame["type"] == "warning" && frame["code"] == "playback_lagging"
	})

	if err := client.WriteJSON(map[string]string{"type": "control", "op": "end_session"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	waitRunDone(t, runDone)
}

func TestFinishEdit_AppendsVersionAndAnswersTool(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)
	e := testEngine(t, store, stubModel{})
	e.sessionID = sess.ID

	up := newFakeUpstreamConn()
	out := editOutcome{
		toolCallID: "fc-1",
		toolName:   ToolEditImage,
		prompt:     "add a hat",
		result: editor.Result{Version: studio.MediaVersion{
			DataURI: studio.EncodeDataURI("image/png", []byte{4, 5}),
			Prompt:  "add a hat",
			Kind:    studio.MediaKindImage,
		}},
	}
	if err := e.finishEdit(up, out); err != nil {
		t.Fatalf("finishEdit: %v", err)
	}

	got, err := store.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Versions) != 2 || got.CurrentIndex != 1 {
		t.Fatalf("versions=%d current=%d", len(got.Versions), got.CurrentIndex)
	}

	frames := drainPayloads(e.outboundNormal)
	if len(frames) != 1 || !strings.Contains(frames[0], `"type":"version_added"`) {
		t.Fatalf("frames=%v", frames)
	}
	if len(up.toolResults) != 1 {
		t.Fatalf("toolResults=%+v", up.toolResults)
	}
	tr := up.toolResults[0]
	if tr.id != "fc-1" || tr.payload["status"] != "ok" || tr.payload["version_index"] != 1 {
		t.Fatalf("tool result=%+v", tr)
	}
}

func TestFinishEdit_TypedEditNotifiesModel(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)
	e := testEngine(t, store, stubModel{})
	e.sessionID = sess.ID

	up := newFakeUpstreamConn()
	out := editOutcome{
		prompt: "make it blue",
		result: editor.Result{Version: studio.MediaVersion{
			DataURI: studio.EncodeDataURI("image/png", []byte{6}),
			Prompt:  "make it blue",
			Kind:    studio.MediaKindImage,
		}},
	}
	if err := e.finishEdit(up, out); err != nil {
		t.Fatalf("finishEdit: %v", err)
	}

	if len(up.toolResults) != 0 {
		t.Fatalf("typed edit answered a tool call: %+v", up.toolResults)
	}
	if len(up.texts) != 1 || !strings.Contains(up.texts[0], "make it blue") {
		t.Fatalf("texts=%v", up.texts)
	}
}

func TestFinishEdit_ErrorWarnsAndReportsFailure(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)
	e := testEngine(t, store, stubModel{})
	e.sessionID = sess.ID

	up := newFakeUpstreamConn()
	out := editOutcome{
		toolCallID: "fc-2",
		toolName:   ToolEditImage,
		prompt:     "add a hat",
		err:        errors.New("model refused"),
	}
	if err := e.finishEdit(up, out); err != nil {
		t.Fatalf("finishEdit: %v", err)
	}

	got, _ := store.Get(sess.ID)
	if len(got.Versions) != 1 {
		t.Fatalf("version appended on failure: %d", len(got.Versions))
	}
	frames := drainPayloads(e.outboundNormal)
	if len(frames) != 1 || !strings.Contains(frames[0], `"code":"edit_failed"`) {
		t.Fatalf("frames=%v", frames)
	}
	if len(up.toolResults) != 1 || up.toolResults[0].payload["status"] != "error" {
		t.Fatalf("toolResults=%+v", up.toolResults)
	}
}

func TestHandleSelectVersion(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)
	if _, err := store.AppendVersion(sess.ID, studio.MediaVersion{
		DataURI: studio.EncodeDataURI("image/png", []byte{9}),
		Prompt:  "sketch",
		Kind:    studio.MediaKindImage,
	}); err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}

	e := testEngine(t, store, stubModel{})
	e.sessionID = sess.ID
	up := newFakeUpstreamConn()

	err := e.handleSelectVersion(up, upstream.ToolCallEvent{
		ID:   "fc-3",
		Name: ToolSelectVersion,
		Args: map[string]any{"index": float64(0)},
	})
	if err != nil {
		t.Fatalf("handleSelectVersion: %v", err)
	}

	got, _ := store.Get(sess.ID)
	if got.CurrentIndex != 0 {
		t.Fatalf("CurrentIndex=%d", got.CurrentIndex)
	}
	frames := drainPayloads(e.outboundNormal)
	if len(frames) != 1 || !strings.Contains(frames[0], `"type":"version_selected"`) {
		t.Fatalf("frames=%v", frames)
	}
	if len(up.toolResults) != 1 || up.toolResults[0].payload["status"] != "ok" {
		t.Fatalf("toolResults=%+v", up.toolResults)
	}
}

func TestHandleSelectVersion_OutOfRange(t *testing.T) {
	store := studio.NewStore()
	sess := newSessionWithImage(t, store)
	e := testEngine(t, store, stubModel{})
	e.sessionID = sess.ID
	up := newFakeUpstreamConn()

	err := e.handleSelectVersion(up, upstream.ToolCallEvent{
		ID:   "fc-4",
		Name: ToolSelectVersion,
		Args: map[string]any{"index": float64(7)},
	})
	if err != nil {
		t.Fatalf("handleSelectVersion: %v", err)
	}
	if len(up.toolResults) != 1 || up.toolResults[0].payload["status"] != "error" {
		t.Fatalf("toolResults=%+v", up.toolResults)
	}
	got, _ := store.Get(sess.ID)
	if got.CurrentIndex != 0 {
		t.Fatalf("CurrentIndex moved: %d", got.CurrentIndex)
	}
}

func TestToolArgInt(t *testing.T) {
	if v, ok := toolArgInt(map[string]any{"index": float64(3)}, "index"); !ok || v != 3 {
		t.Fatalf("float64: v=%d ok=%v", v, ok)
	}
	if _, ok := toolArgInt(map[string]any{"index": "3"}, "index"); ok {
		t.Fatalf("string should not parse")
	}
	if _, ok := toolArgInt(map[string]any{}, "index"); ok {
		t.Fatalf("missing key should not parse")
	}
}

func TestEnqueuePriority_EvictsWhenFull(t *testing.T) {
	e := testEngine(t, studio.NewStore(), stubModel{})

	for i := 0; i < outboundPriorityQueueSize; i++ {
		e.outboundPriority <- outboundFrame{payload: []byte(`{"type":"warning"}`)}
	}
	if err := e.enqueuePriority(outboundFrame{payload: []byte(`{"type":"error","code":"fresh"}`)}); err != nil {
		t.Fatalf("enqueuePriority: %v", err)
	}

	frames := drainPayloads(e.outboundPriority)
	found := false
	for _, f := range frames {
		if strings.Contains(f, "fresh") {
			found = true
		}
	}
	if !found {
		t.Fatalf("fresh priority frame was not enqueued: %v", frames)
	}
}

func TestEnqueueNormal_Backpressure(t *testing.T) {
	e := testEngine(t, studio.NewStore(), stubModel{})
	e.outboundNormal = make(chan outboundFrame, 1)
	e.outboundNormal <- outboundFrame{payload: []byte(`{}`)}

	err := e.enqueueNormal(outboundFrame{payload: []byte(`{}`)})
	if !errors.Is(err, errBackpressure) {
		t.Fatalf("err=%v, want errBackpressure", err)
	}
}

func TestEnqueueNormal_DropsStaleAudioSilently(t *testing.T) {
	e := testEngine(t, studio.NewStore(), stubModel{})
	e.audioGen.Store(2)

	if err := e.enqueueNormal(outboundFrame{isAudio: true, generation: 1, payload: []byte(`{}`)}); err != nil {
		t.Fatalf("stale audio should be dropped, not fail: %v", err)
	}
	if frames := drainPayloads(e.outboundNormal); len(frames) != 0 {
		t.Fatalf("stale frame enqueued: %v", frames)
	}
}

func TestRedial_SingleAttemptAfterDelay(t *testing.T) {
	conn := newFakeUpstreamConn()
	dialer := &fakeDialer{conns: []upstream.Conn{conn}}

	start := time.Now()
	got, err := redial(context.Background(), dialer, upstream.SessionConfig{}, 20*time.Millisecond, func() bool { return true })
	if err != nil {
		t.Fatalf("redial: %v", err)
	}
	if got != conn {
		t.Fatalf("got wrong conn")
	}
	if dialer.calls != 1 {
		t.Fatalf("calls=%d, want 1", dialer.calls)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("dial happened before the delay: %v", elapsed)
	}
}

func TestRedial_GuardStopsReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	_, err := redial(context.Background(), dialer, upstream.SessionConfig{}, time.Millisecond, func() bool { return false })
	if !errors.Is(err, errSessionStopped) {
		t.Fatalf("err=%v, want errSessionStopped", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("dial attempted after session stopped")
	}
}

func TestRedial_ContextCanceledDuringDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dialer := &fakeDialer{}
	_, err := redial(ctx, dialer, upstream.SessionConfig{}, time.Hour, func() bool { return true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
	if dialer.calls != 0 {
		t.Fatalf("dialed after cancellation")
	}
}

func TestRedial_DialErrorIsFinal(t *testing.T) {
	wantErr := errors.New("no route")
	dialer := &fakeDialer{errs: []error{wantErr}}
	_, err := redial(context.Background(), dialer, upstream.SessionConfig{}, time.Millisecond, func() bool { return true })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err=%v, want %v", err, wantErr)
	}
	if dialer.calls != 1 {
		t.Fatalf("calls=%d, want exactly one attempt", dialer.calls)
	}
}

func TestSessionTimeMS_TracksClientClock(t *testing.T) {
	base := time.Now()
	current := base
	e := testEngine(t, studio.NewStore(), stubModel{})
	e.startTime = base
	e.now = func() time.Time { return current }

	current = base.Add(500 * time.Millisecond)
	if got := e.sessionTimeMS(); got != 500 {
		t.Fatalf("wall clock: got %d", got)
	}

	e.observeClientTimestampMS(2000)
	current = base.Add(600 * time.Millisecond)
	if got := e.sessionTimeMS(); got != 2100 {
		t.Fatalf("client clock: got %d", got)
	}

	// Stale timestamps never move the clock backwards.
	e.observeClientTimestampMS(1000)
	if got := e.sessionTimeMS(); got != 2100 {
		t.Fatalf("clock went backwards: got %d", got)
	}
}

func TestNormalizeSpace(t *testing.T) {
	if got := normalizeSpace("  make   the sky\tpink "); got != "make the sky pink" {
		t.Fatalf("got %q", got)
	}
}
