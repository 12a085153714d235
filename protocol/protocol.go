// Package protocol implements the framed command channel between the host and the
// I/O processor bridge.
//
// A frame is: length, sequence, VLQ payload, CRC16 (big endian), sync byte.
// Frames with an empty payload are acknowledgements.
package protocol

// Version of the command channel.
const Version = "1"

// Framing constants.
const (
	MessageMax = 512 // scratch output size

	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageTrailerCRC  = 3
	MessageTrailerSync = 1
	MessageValueSync   = 0x7E
	MessageDest        = 0x10

	MessageSeqMask = 0x0F
)

// Command ids. Every command starts with the connector id it targets.
const (
	CmdStart        uint16 = 1 // connector=%c
	CmdSwitchConfig uint16 = 2 // connector=%c roles=%*s
	CmdWriteReg     uint16 = 3 // connector=%c addr=%u value=%u
	CmdReadReg      uint16 = 4 // connector=%c addr=%u

	RespReadReg uint16 = 16 // connector=%c addr=%u value=%u
	RespStatus  uint16 = 17 // connector=%c code=%*s
)

// Status codes carried by RespStatus.
const (
	StatusOK               = "ok"
	StatusUnknownConnector = "unknown_connector"
	StatusInvalidParams    = "invalid_params"
	StatusError            = "error"
)

// CommandName returns a printable name for a command or response id.
func CommandName(id uint16) string {
	switch id {
	case CmdStart:
		return "start"
	case CmdSwitchConfig:
		return "load_switch_config"
	case CmdWriteReg:
		return "write_reg"
	case CmdReadReg:
		return "read_reg"
	case RespReadReg:
		return "read_reg_response"
	case RespStatus:
		return "status"
	default:
		return "unknown"
	}
}

func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
