package session

import (
	"context"
	"errors"
	"time"

	"github.com/chadiek/voice-core/internal/ambient"
	"github.com/chadiek/voice-core/internal/convstate"
	"github.com/chadiek/voice-core/internal/protocol"
	"github.com/chadiek/voice-core/internal/transport"
)

// dispatch handles one inbound frame. Malformed or unknown frames are dropped.
func (c *Client) dispatch(conn transport.Conn, raw []byte) {
	msg, err := protocol.DecodeServerMessage(raw)
	if err != nil {
		c.rec.RecordProtocolError()
		ev := c.log.Warn().Err(err)
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) && perr.Type != "" {
			ev = ev.Str("type", perr.Type)
		}
		ev.Msg("dropping server message")
		return
	}

	switch m := msg.(type) {
	case protocol.StatusUpdate:
		publish(c, c.statuses, m)

	case protocol.TranscriptionPartial:
		c.mu.Lock()
		c.lastPartial = m.Text
		c.mu.Unlock()
		at := stamp(m.Timestamp)
		c.buffer.AddPartial(ambient.PartialEvent{Text: m.Text, Timestamp: at, Speaker: m.Speaker})
		publish(c, c.transcripts, TranscriptEvent{Text: m.Text, Speaker: m.Speaker, Confidence: m.Confidence, At: at})

	case protocol.TranscriptionFinal:
		c.mu.Lock()
		c.lastPartial = ""
		c.mu.Unlock()
		chunk := c.buffer.AddFinal(ambient.FinalEvent{
			Text:       m.Text,
			Timestamp:  stamp(m.Timestamp),
			Speaker:    m.Speaker,
			Confidence: m.Confidence,
			Source:     "mic",
			Importance: m.Importance,
		})
		score := chunk.Importance
		publish(c, c.transcripts, TranscriptEvent{
			Text:       chunk.Text,
			Final:      true,
			Speaker:    chunk.Speaker,
			Confidence: chunk.Confidence,
			Importance: &score,
			At:         chunk.Timestamp,
		})

	case protocol.AmbientSummary:
		publish(c, c.summaries, m)

	case protocol.ProactiveTrigger:
		publish(c, c.proactive, m)

	case protocol.Keepalive:
		c.sendControl(conn, protocol.ActionPong)

	case protocol.ErrorMessage:
		c.log.Warn().Str("code", m.Code).Str("message", m.Message).Msg("server reported an error")
		c.publishError(KindServer, m.Message, false)

	case protocol.SpeechStarted:
		switch c.machine.State() {
		case convstate.Listening, convstate.Interrupted:
			c.mu.Lock()
			input := c.lastPartial
			c.mu.Unlock()
			c.machine.StartProcessing(input)
		}

	case protocol.SpeechStopped:
		c.log.Debug().Msg("server VAD: speech stopped")

	case protocol.AgentAck:
		c.handleAck(m)

	case protocol.AgentResult:
		c.handleResult(m)
	}
}

// handleAck starts the acknowledgment for a recognized intent. It opens a new
// turn; anything still playing from an older turn is superseded.
func (c *Client) handleAck(m protocol.AgentAck) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.turn++
	turn := c.turn
	c.awaitingResult, c.dropResult = true, false
	ready := make(chan struct{})
	c.ackReady = ready
	ctx := c.runContext()
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(ready)
		if err := c.speaker.StartAck(ctx, m.Intent, m.Params); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Str("intent", m.Intent).Msg("acknowledgment failed")
				c.publishError(KindPlayback, "Could not play the acknowledgment.", false)
			}
			return
		}
		if c.turnChanged(turn) {
			return
		}
		c.toSpeaking(m.Intent)
	}()
}

// handleResult crossfades the answer in over the acknowledgment of the same
// turn and returns to listening once it has played out.
func (c *Client) handleResult(m protocol.AgentResult) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.dropResult {
		c.awaitingResult, c.dropResult = false, false
		c.mu.Unlock()
		c.log.Debug().Msg("dropping result of an interrupted turn")
		return
	}
	c.awaitingResult = false
	turn := c.turn
	ready := c.ackReady
	c.ackReady = nil
	ctx := c.runContext()
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if ready != nil {
			select {
			case <-ready:
			case <-ctx.Done():
				return
			}
		}
		if c.turnChanged(turn) {
			return
		}
		cf, err := c.speaker.AnnounceResult(ctx, m.Text)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("result playback failed")
				c.publishError(KindPlayback, "Could not play the answer.", false)
			}
			return
		}
		if c.turnChanged(turn) {
			c.speaker.Cancel()
			return
		}
		c.toSpeaking(m.Text)
		c.log.Debug().Dur("overlap", cf.Overlap).Msg("result playing")

		select {
		case <-cf.Done:
		case <-ctx.Done():
			return
		}
		if !c.turnChanged(turn) && c.machine.State() == convstate.Speaking {
			c.machine.StopSpeaking()
		}
	}()
}

// toSpeaking moves the machine to speaking along a valid path.
func (c *Client) toSpeaking(text string) {
	switch c.machine.State() {
	case convstate.Speaking:
		return
	case convstate.Interrupted:
		c.machine.StartProcessing(text)
	}
	c.machine.StartSpeaking(text)
}

func (c *Client) turnChanged(turn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn != turn
}

// runContext returns the session context. Caller holds c.mu.
func (c *Client) runContext() context.Context {
	if c.runCtx == nil {
		return context.Background()
	}
	return c.runCtx
}

func stamp(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
