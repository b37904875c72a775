package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/proctorlabs/vivace/internal/coordinator"
	"github.com/proctorlabs/vivace/pkg/types"
)

// Binary audio frame layout: 4-byte big-endian sequence number, one flags
// byte, then the audio payload.
const (
	audioFrameHeaderLen = 5
	flagEndOfUtterance  = 0x01
)

// wsEvent is the JSON frame pushed to the client for every session event.
// Audio payloads are not inlined: an "audio" event announces the segment and
// the PCM follows as a separate binary frame, unless TextOnly is set.
type wsEvent struct {
	Type     string `json:"type"`
	State    string `json:"state,omitempty"`
	Text     string `json:"text,omitempty"`
	Segment  int    `json:"segment,omitempty"`
	TextOnly bool   `json:"text_only,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// wsControl is a JSON control frame sent by the client.
type wsControl struct {
	Type string `json:"type"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.coord.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection handler exited")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound frames are handled on their own goroutine so event delivery is
	// never blocked behind a slow reader.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn, sess)
	}()

	s.eventLoop(ctx, conn, sess, readDone)
	conn.Close(websocket.StatusNormalClosure, "session closed")
}

// readLoop consumes client frames until the connection or session closes.
// Binary frames are audio chunks; text frames are JSON control signals.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch typ {
		case websocket.MessageBinary:
			chunk, err := decodeAudioFrame(data)
			if err != nil {
				s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "invalid_frame", Message: err.Error()})
				continue
			}
			s.submitChunk(ctx, conn, sess, chunk)

		case websocket.MessageText:
			var ctl wsControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "invalid_frame", Message: "malformed control frame"})
				continue
			}
			s.handleControl(ctx, conn, sess, ctl)
		}
	}
}

func (s *Server) submitChunk(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session, chunk types.AudioChunk) {
	err := sess.Submit(ctx, chunk)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrOutOfOrderChunk):
		s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "out_of_order_chunk", Message: err.Error()})
	case errors.Is(err, types.ErrTurnInProgress):
		s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "turn_in_progress", Message: "a turn is already in progress"})
	case errors.Is(err, types.ErrSessionEnded):
		conn.Close(websocket.StatusNormalClosure, "session ended")
	default:
		s.logger.Warn("audio submit failed", "session_id", sess.ID(), "error", err)
		s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "internal", Message: "could not process audio"})
	}
}

func (s *Server) handleControl(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session, ctl wsControl) {
	switch ctl.Type {
	case "end_utterance":
		err := sess.EndUtterance(ctx)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrTurnInProgress):
			s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "turn_in_progress", Message: "a turn is already in progress"})
		case errors.Is(err, types.ErrSessionEnded):
			conn.Close(websocket.StatusNormalClosure, "session ended")
		default:
			s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "internal", Message: "could not end utterance"})
		}
	case "barge_in":
		sess.Interrupt(ctx)
	default:
		s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: "invalid_frame", Message: "unknown control type " + ctl.Type})
	}
}

// eventLoop forwards session events to the client until the session ends or
// the reader goroutine stops.
func (s *Server) eventLoop(ctx context.Context, conn *websocket.Conn, sess *coordinator.Session, readDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-sess.Done():
			s.sendEvent(ctx, conn, wsEvent{Type: "state", State: string(coordinator.StateEnded)})
			return
		case ev := <-sess.Events():
			if !s.forwardEvent(ctx, conn, ev) {
				return
			}
			if ev.Type == coordinator.EventState && ev.State == coordinator.StateEnded {
				return
			}
		}
	}
}

// forwardEvent translates one coordinator event to the wire. Returns false
// when the connection is no longer usable.
func (s *Server) forwardEvent(ctx context.Context, conn *websocket.Conn, ev coordinator.Event) bool {
	switch ev.Type {
	case coordinator.EventState:
		return s.sendEvent(ctx, conn, wsEvent{Type: "state", State: string(ev.State)})

	case coordinator.EventTranscript:
		return s.sendEvent(ctx, conn, wsEvent{Type: "transcript", Text: ev.Text})

	case coordinator.EventSentence:
		return s.sendEvent(ctx, conn, wsEvent{Type: "sentence", Text: ev.Text, Segment: ev.SegmentIndex})

	case coordinator.EventAudio:
		if !s.sendEvent(ctx, conn, wsEvent{
			Type:     "audio",
			Segment:  ev.SegmentIndex,
			TextOnly: ev.TextOnly,
		}) {
			return false
		}
		if ev.TextOnly {
			return true
		}
		if err := conn.Write(ctx, websocket.MessageBinary, ev.Audio); err != nil {
			return false
		}
		return true

	case coordinator.EventError:
		msg := ev.Text
		if msg == "" && ev.Err != nil {
			msg = ev.Err.Error()
		}
		return s.sendEvent(ctx, conn, wsEvent{Type: "error", Code: errorCode(ev.Err), Message: msg})
	}
	return true
}

func (s *Server) sendEvent(ctx context.Context, conn *websocket.Conn, ev wsEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "error", err)
		return true
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	return true
}

// decodeAudioFrame parses the binary frame header into an audio chunk.
func decodeAudioFrame(data []byte) (types.AudioChunk, error) {
	if len(data) < audioFrameHeaderLen {
		return types.AudioChunk{}, fmt.Errorf("server: audio frame too short: %d bytes", len(data))
	}
	return types.AudioChunk{
		Seq:            binary.BigEndian.Uint32(data[:4]),
		EndOfUtterance: data[4]&flagEndOfUtterance != 0,
		Data:           data[audioFrameHeaderLen:],
	}, nil
}

// errorCode maps pipeline errors to stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrTranscriptionUnavailable):
		return "transcription_unavailable"
	case errors.Is(err, types.ErrSynthesisUnavailable):
		return "synthesis_unavailable"
	case errors.Is(err, types.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, types.ErrOutOfOrderChunk):
		return "out_of_order_chunk"
	case errors.Is(err, types.ErrTurnInProgress):
		return "turn_in_progress"
	default:
		return "pipeline_error"
	}
}
