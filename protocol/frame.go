package protocol

// frameParser splits a byte stream into frames and tracks synchronization. After a bad
// length, sequence, sync byte or CRC it discards input up to the next sync byte.
type frameParser struct {
	desynced bool
	// checkDest rejects frames whose sequence lacks the destination bits.
	checkDest bool
}

// parse walks data and calls emit for every valid frame. It returns the number of bytes
// consumed; a trailing partial frame is left in place. onResync runs each time the
// parser regains sync.
func (p *frameParser) parse(data []byte, emit func(seq uint8, payload []byte), onResync func()) int {
	total := len(data)

	for len(data) > 0 {
		if p.desynced {
			pos := -1
			for i, b := range data {
				if b == MessageValueSync {
					pos = i
					break
				}
			}
			if pos < 0 {
				data = nil
				break
			}
			data = data[pos+1:]
			p.desynced = false
			if onResync != nil {
				onResync()
			}
			continue
		}

		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}

		msgLen := int(data[MessagePositionLen])
		if msgLen < MessageLengthMin || msgLen > MessageLengthMax {
			p.desync("bad length")
			continue
		}
		seq := data[MessagePositionSeq]
		if p.checkDest && seq&^MessageSeqMask != MessageDest {
			p.desync("bad sequence")
			continue
		}
		if len(data) < msgLen {
			break
		}
		if data[msgLen-MessageTrailerSync] != MessageValueSync {
			p.desync("missing sync")
			continue
		}

		frameCRC := uint16(data[msgLen-MessageTrailerCRC])<<8 | uint16(data[msgLen-MessageTrailerCRC+1])
		if frameCRC != CRC16(data[:msgLen-MessageTrailerSize]) {
			p.desync("bad crc")
			continue
		}

		emit(seq, data[MessageHeaderSize:msgLen-MessageTrailerSize])
		data = data[msgLen:]
	}

	return total - len(data)
}

func (p *frameParser) desync(reason string) {
	p.desynced = true
	logger.WithField("reason", reason).Debug("frame dropped, resynchronizing")
}

// encodeFrame builds a complete frame around payload.
func encodeFrame(seq uint8, payload []byte) []byte {
	frame := make([]byte, 0, MessageHeaderSize+len(payload)+MessageTrailerSize)
	frame = append(frame, byte(MessageHeaderSize+len(payload)+MessageTrailerSize), seq)
	frame = append(frame, payload...)
	return appendTrailer(frame)
}
