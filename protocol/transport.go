package protocol

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("component", "protocol")

// CommandHandler decodes its arguments from data, advancing it past them.
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the bridge side of the channel: it parses host frames, dispatches the
// commands they carry and acknowledges every frame.
//
// A Transport is driven from a single goroutine; handlers may call SendCommand.
type Transport struct {
	parser        frameParser
	nextSequence  uint8
	output        OutputBuffer
	handler       CommandHandler
	resetCallback func()
}

func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		parser:       frameParser{checkDest: true},
		nextSequence: MessageDest,
		output:       output,
		handler:      handler,
	}
}

// Receive consumes complete frames from input. Responses produced by handlers are written
// to the output buffer ahead of the acknowledgement of the frame that caused them.
func (t *Transport) Receive(input InputBuffer) {
	consumed := t.parser.parse(input.Data(), t.handleFrame, t.encodeAck)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) handleFrame(seq uint8, frame []byte) {
	// A sequence back at the start means the host reconnected.
	if seq == MessageDest && t.nextSequence != MessageDest {
		t.nextSequence = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	// Out-of-order frames are not processed; the acknowledgement tells the host which
	// sequence is expected.
	if seq == t.nextSequence {
		t.nextSequence = nextSeq(seq)
		if err := t.parseFrame(frame); err != nil {
			logger.WithError(err).Warn("command failed")
		}
	}
	t.encodeAck()
}

func (t *Transport) parseFrame(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.parser.desynced = true
			err = errors.Errorf("command handler panic: %v", r)
		}
	}()

	for len(frame) > 0 {
		cmdID, err := DecodeVLQUint(&frame)
		if err != nil {
			t.parser.desynced = true
			return err
		}
		if t.handler == nil {
			return nil
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) encodeAck() {
	t.output.Output(encodeFrame(t.nextSequence, nil))
}

// SendCommand encodes one response frame carrying cmdID and its arguments.
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	t.output.Output(encodeFrame(t.nextSequence, scratch.Result()))
}

// Reset returns the transport to its power-on state.
func (t *Transport) Reset() {
	t.parser.desynced = false
	t.nextSequence = MessageDest
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// NextSequence is the sequence the transport expects from the host.
func (t *Transport) NextSequence() uint8 {
	return t.nextSequence
}
