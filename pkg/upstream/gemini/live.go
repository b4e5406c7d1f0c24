package gemini

import (
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/atelier-ai/atelier/pkg/upstream"
)

// liveConn wraps one Live API session behind upstream.Conn.
type liveConn struct {
	session *genai.Session

	events chan upstream.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func newLiveConn(session *genai.Session) *liveConn {
	c := &liveConn{
		session: session,
		events:  make(chan upstream.Event, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *liveConn) Events() <-chan upstream.Event { return c.events }

// SendAudio forwards one chunk of 16 kHz mono PCM microphone audio.
func (c *liveConn) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     pcm,
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", upstream.AudioInSampleRateHz),
		},
	})
}

// SendText injects typed user input as a completed client turn.
func (c *liveConn) SendText(text string) error {
	if text == "" {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
}

// SendToolResult answers a pending function call.
func (c *liveConn) SendToolResult(id, name string, payload map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.SendToolResponse(genai.LiveToolResponseInput{
		FunctionResponses: []*genai.FunctionResponse{{
			ID:       id,
			Name:     name,
			Response: payload,
		}},
	})
}

func (c *liveConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.session.Close()
	})
	<-c.done
	return nil
}

// Err returns the terminal connection error once Events() is closed.
func (c *liveConn) Err() error {
	<-c.done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *liveConn) setErr(err error) {
	if err == nil {
		return
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *liveConn) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		msg, err := c.session.Receive()
		if err != nil {
			c.setErr(mapGenAIError(err))
			return
		}
		for _, event := range translate(msg) {
			c.emit(event)
		}
	}
}

func (c *liveConn) emit(event upstream.Event) {
	select {
	case c.events <- event:
	default:
		// Avoid deadlocking the read loop if the caller stops consuming.
	}
}

// translate flattens one server message into the events it carries.
func translate(msg *genai.LiveServerMessage) []upstream.Event {
	if msg == nil {
		return nil
	}
	var out []upstream.Event

	if sc := msg.ServerContent; sc != nil {
		if tr := sc.InputTranscription; tr != nil && tr.Text != "" {
			out = append(out, upstream.TranscriptEvent{
				Source: upstream.TranscriptInput,
				Text:   tr.Text,
				Final:  tr.Finished,
			})
		}
		if tr := sc.OutputTranscription; tr != nil && tr.Text != "" {
			out = append(out, upstream.TranscriptEvent{
				Source: upstream.TranscriptOutput,
				Text:   tr.Text,
				Final:  tr.Finished,
			})
		}
		if sc.ModelTurn != nil {
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
					continue
				}
				out = append(out, upstream.AudioChunkEvent{
					Data:         append([]byte(nil), part.InlineData.Data...),
					SampleRateHz: upstream.AudioOutSampleRateHz,
				})
			}
		}
		if sc.Interrupted {
			out = append(out, upstream.InterruptedEvent{})
		}
		if sc.TurnComplete {
			out = append(out, upstream.TurnCompleteEvent{})
		}
	}

	if tc := msg.ToolCall; tc != nil {
		for _, call := range tc.FunctionCalls {
			if call == nil {
				continue
			}
			out = append(out, upstream.ToolCallEvent{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			})
		}
	}

	if ga := msg.GoAway; ga != nil {
		out = append(out, upstream.GoAwayEvent{TimeLeft: fmt.Sprint(ga.TimeLeft)})
	}

	return out
}
