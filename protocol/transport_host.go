package protocol

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrAckTimeout      = errors.New("ack timeout")
	ErrResponseTimeout = errors.New("response timeout")
)

// Message is one received frame.
type Message struct {
	Sequence uint8
	Payload  []byte
}

// HostTransport is the host side of the channel: it sends commands, waits for their
// acknowledgement and hands response frames to the caller.
type HostTransport struct {
	port io.ReadWriteCloser

	writeMu sync.Mutex
	seq     uint8

	parser      frameParser
	inputBuffer *FifoBuffer

	ackChan      chan *Message
	responseChan chan *Message

	closeOnce sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// NewHostTransport starts reading from port in the background.
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		seq:          MessageDest,
		inputBuffer:  NewFifoBuffer(MessageMax),
		ackChan:      make(chan *Message, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command and waits up to two seconds for its acknowledgement.
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()
	if n := MessageLengthMin + len(payload); n > MessageLengthMax {
		return errors.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	msg := encodeFrame(t.seq, payload)
	n, err := t.port.Write(msg)
	if err != nil {
		return errors.Wrapf(err, "write %s", CommandName(cmdID))
	}
	if n != len(msg) {
		return errors.Errorf("incomplete write: %d/%d bytes", n, len(msg))
	}

	return t.waitForAck(timeout)
}

// waitForAck must be called with writeMu held.
func (t *HostTransport) waitForAck(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.ackChan:
		want := nextSeq(t.seq)
		if ack.Sequence != want {
			// The bridge expects another sequence; adopt it so the next send lines up.
			logger.WithFields(log.Fields{
				"want": want,
				"got":  ack.Sequence,
			}).Warn("nak received")
			t.seq = ack.Sequence
			return errors.Errorf("sequence mismatch: expected 0x%02x, got 0x%02x", want, ack.Sequence)
		}
		t.seq = want
		return nil

	case <-timer.C:
		return errors.Wrapf(ErrAckTimeout, "after %v", timeout)

	case <-t.stopChan:
		return ErrTransportClosed
	}
}

// ReceiveResponse returns the next response frame.
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrResponseTimeout, "after %v", timeout)
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// DiscardResponses drops responses nobody waited for.
func (t *HostTransport) DiscardResponses() int {
	n := 0
	for {
		select {
		case <-t.responseChan:
			n++
		default:
			return n
		}
	}
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if n > 0 {
			t.inputBuffer.Write(buf[:n])
			t.processMessages()
		}
		if err != nil {
			if err == io.EOF || err == io.ErrClosedPipe {
				return
			}
			select {
			case <-t.stopChan:
				return
			default:
			}
			logger.WithError(err).Debug("read failed")
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *HostTransport) processMessages() {
	consumed := t.parser.parse(t.inputBuffer.Data(), t.dispatch, nil)
	t.inputBuffer.Pop(consumed)
}

func (t *HostTransport) dispatch(seq uint8, payload []byte) {
	msg := &Message{Sequence: seq, Payload: append([]byte(nil), payload...)}

	if len(msg.Payload) == 0 {
		select {
		case t.ackChan <- msg:
		default:
			logger.Debug("unexpected ack dropped")
		}
		return
	}

	select {
	case t.responseChan <- msg:
	default:
		// drop the oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the reader and closes the port.
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		err = t.port.Close()
		<-t.doneChan
	})
	return err
}

// Sequence returns the sequence the next command will carry.
func (t *HostTransport) Sequence() uint8 {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.seq
}
