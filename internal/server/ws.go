package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/verbatim/internal/learning"
	"github.com/MrWong99/verbatim/internal/observe"
	"github.com/MrWong99/verbatim/internal/session"
	"github.com/MrWong99/verbatim/internal/transcript"
	"github.com/MrWong99/verbatim/pkg/types"
)

// client is one WebSocket connection and the session it owns.
type client struct {
	srv  *Server
	conn *websocket.Conn
	sess *session.Session
	log  *slog.Logger

	// out feeds the writer goroutine. It is never closed; senders give up
	// once ctx is done.
	out chan any
	ctx context.Context
}

// handleWS upgrades the request and serves the connection until the client
// goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{
		srv:  s,
		conn: conn,
		out:  make(chan any, outboundBuffer),
		ctx:  ctx,
	}
	c.sess = s.sessions.Open(ctx, c.emit)
	c.log = observe.Logger(ctx).With("session_id", c.sess.ID())

	var wg sync.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.writeLoop()
	})

	err = c.readLoop()
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.log.Info("client disconnected")
	case errors.Is(err, context.Canceled):
		c.log.Debug("connection closed")
	default:
		c.log.Warn("connection ended", "err", err)
	}

	cancel()
	if err := s.sessions.Close(c.sess.ID()); err != nil {
		c.log.Warn("closing session", "err", err)
	}
	wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) readLoop() error {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageText:
			c.handleCommand(data)
		case websocket.MessageBinary:
			c.handleAudio(data)
		}
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, c.srv.writeTimeout)
			err := wsjson.Write(ctx, c.conn, msg)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.log.Warn("websocket write failed", "err", err)
				}
				return
			}
		}
	}
}

// send queues msg for the writer. It blocks while the queue is full and
// drops msg once the connection is shutting down.
func (c *client) send(msg any) {
	select {
	case c.out <- msg:
	case <-c.ctx.Done():
	}
}

// emit is the pipeline emitter of this connection's session.
func (c *client) emit(ev transcript.Event) {
	c.send(eventMessage(ev))
}

// fail reports a rejected command to the client. The connection stays open.
func (c *client) fail(msg string, args ...any) {
	c.log.Warn("rejected control message", append([]any{"reason", msg}, args...)...)
	c.send(errorMessage{Type: msgError, Message: msg})
}

// storeFailed reports a learning store error to the client.
func (c *client) storeFailed(op string, err error) {
	if errors.Is(err, learning.ErrInvalidFeedback) {
		c.fail(err.Error())
		return
	}
	c.srv.metrics.RecordStoreError(c.ctx, op)
	c.log.Error("learning store request failed", "op", op, "err", err)
	c.send(errorMessage{Type: msgError, Message: op + " failed"})
}

// tone resolves the tone_mode of a command, defaulting to the session tone.
func (c *client) tone(raw string) (types.ToneMode, bool) {
	if raw == "" {
		return c.sess.Tone(), true
	}
	mode := types.ToneMode(raw)
	if !mode.IsValid() {
		c.fail("unknown tone mode " + raw)
		return "", false
	}
	return mode, true
}

func (c *client) handleCommand(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.fail("malformed control message", "err", err)
		return
	}
	ctx := c.ctx

	switch cmd.Command {
	case cmdStartRecording:
		if c.sess.StartRecording() {
			c.log.Info("recording started")
		}
		c.send(ackMessage{Type: msgRecordingStarted})

	case cmdStopRecording:
		if c.sess.StopRecording() {
			c.log.Info("recording stopped")
		}
		c.send(ackMessage{Type: msgRecordingStopped})

	case cmdSetTone:
		mode := types.ToneMode(cmd.Mode)
		if !c.sess.SetTone(mode) {
			c.fail("unknown tone mode " + cmd.Mode)
			return
		}
		c.log.Info("tone changed", "tone", cmd.Mode)
		c.send(toneMessage{Type: msgToneChanged, Mode: mode})

	case cmdGetHistory:
		items, err := c.srv.learner.History(ctx, cmd.Limit)
		if err != nil {
			c.storeFailed("history", err)
			return
		}
		if items == nil {
			items = []types.HistoryItem{}
		}
		c.send(historyMessage{Type: msgHistory, Items: items})

	case cmdGetStats:
		stats, err := c.srv.learner.Stats(ctx)
		if err != nil {
			c.storeFailed("stats", err)
			return
		}
		c.send(statsMessage{Type: msgStats, Stats: stats})

	case cmdApprove, cmdReject:
		tone, ok := c.tone(cmd.ToneMode)
		if !ok {
			return
		}
		kind := types.FeedbackApprove
		if cmd.Command == cmdReject {
			kind = types.FeedbackReject
		}
		acc, err := c.srv.learner.RecordFeedback(ctx, kind, cmd.Original, cmd.Output, tone)
		if err != nil {
			c.storeFailed("feedback", err)
			return
		}
		c.srv.metrics.RecordFeedback(ctx, string(kind))
		c.send(feedbackMessage{Type: msgFeedbackRecorded, Accuracy: acc})

	case cmdFeedback:
		tone, ok := c.tone(cmd.ToneMode)
		if !ok {
			return
		}
		err := c.srv.learner.RecordCorrection(ctx, cmd.Original, cmd.SystemOutput, cmd.UserCorrection, types.SourceManual, tone)
		if err != nil {
			c.storeFailed("correction", err)
			return
		}
		c.srv.metrics.RecordCorrection(ctx, string(types.SourceManual))
		acc, err := c.srv.learner.Accuracy(ctx)
		if err != nil {
			c.storeFailed("accuracy", err)
			return
		}
		c.send(feedbackMessage{Type: msgFeedbackRecorded, Accuracy: acc})

	case cmdAutoImprove:
		tone, ok := c.tone(cmd.ToneMode)
		if !ok {
			return
		}
		improved, changed, err := c.srv.learner.AutoImprove(ctx, cmd.Original, cmd.WrongOutput, tone)
		if err != nil {
			c.storeFailed("auto_improve", err)
			return
		}
		if changed {
			c.srv.metrics.RecordCorrection(ctx, string(types.SourceAutomatic))
		}
		c.send(improvedMessage{Type: msgAutoImproved, Improved: improved, Changed: changed})

	case cmdTranscript:
		if strings.TrimSpace(cmd.Text) == "" {
			c.fail("transcript text is empty")
			return
		}
		utt := types.Utterance{
			Text:                  cmd.Text,
			ReceivedAt:            c.srv.now(),
			TranscriptionDuration: time.Duration(cmd.DurationMS) * time.Millisecond,
		}
		if err := c.sess.Submit(utt); err != nil {
			c.fail("utterance dropped: "+err.Error(), "err", err)
		}

	default:
		c.fail("unknown command " + cmd.Command)
	}
}

// handleAudio forwards a binary frame to the session's STT stream. Frames
// that arrive while recording is off are ignored.
func (c *client) handleAudio(frame []byte) {
	if !c.sess.Active() {
		return
	}
	rate, pcm, err := decodeFrame(frame)
	if err != nil {
		c.fail("malformed audio frame", "err", err)
		return
	}
	if err := c.sess.Audio(rate, pcm); err != nil && !errors.Is(err, session.ErrClosed) {
		c.log.Warn("forwarding audio failed", "err", err)
	}
}
