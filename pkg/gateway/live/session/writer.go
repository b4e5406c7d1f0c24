package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one queued JSON payload. Audio frames carry the playback
// generation they were scheduled under; frames from a flushed generation are
// dropped instead of written.
type outboundFrame struct {
	isAudio    bool
	generation uint64
	payload    []byte
}

type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isStale      func(generation uint64) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Hard priority: drain the priority queue before any normal frame.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// A newly-queued priority frame may still preempt a normal frame we
		// already dequeued.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			continue
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	const maxFlushFrames = 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.isAudio && w.isStale != nil && w.isStale(frame.generation) {
		return nil
	}
	if len(frame.payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, frame.payload)
}
