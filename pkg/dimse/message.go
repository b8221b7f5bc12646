package dimse

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/suyashkumar/dicom"
)

// Command fields
const (
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
	CFindRQ   uint16 = 0x0020
	CFindRSP  uint16 = 0x8020
	CCancelRQ uint16 = 0x0FFF
)

// Status codes
const (
	StatusSuccess           uint16 = 0x0000
	StatusCancel            uint16 = 0xFE00
	StatusPending           uint16 = 0xFF00
	StatusPendingWarning    uint16 = 0xFF01
	StatusUnableToProcess   uint16 = 0xC000
	StatusIdentifierNoMatch uint16 = 0xA900
)

// PriorityMedium is the default C-FIND priority
const PriorityMedium uint16 = 0x0000

// CommandDataSetType values. Any value other than NoDataSet means a dataset follows.
const (
	NoDataSet      uint16 = 0x0101
	DataSetPresent uint16 = 0x0000
)

const (
	pdvCommand byte = 0x01
	pdvLast    byte = 0x02
)

// Command is a DIMSE command set
type Command struct {
	Field                     uint16
	AffectedSOPClassUID       string
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	Priority                  uint16
	DataSetType               uint16
	Status                    uint16
}

// IsResponse reports whether the command is a response primitive
func (c *Command) IsResponse() bool {
	return c.Field&0x8000 != 0
}

// HasDataSet reports whether a dataset follows the command
func (c *Command) HasDataSet() bool {
	return c.DataSetType != NoDataSet
}

// IsPending reports a C-FIND pending status
func (c *Command) IsPending() bool {
	return c.Status == StatusPending || c.Status == StatusPendingWarning
}

// Encode serializes the command set in implicit VR little endian, the
// encoding mandated for commands.
func (c *Command) Encode() ([]byte, error) {
	var elems []*dicom.Element
	if c.AffectedSOPClassUID != "" {
		elems = append(elems, newElement(tagAffectedSOPClassUID, "UI", []string{c.AffectedSOPClassUID}))
	}
	elems = append(elems, newElement(tagCommandField, "US", []int{int(c.Field)}))
	if c.IsResponse() || c.Field == CCancelRQ {
		elems = append(elems, newElement(tagMessageIDBeingRespondedTo, "US", []int{int(c.MessageIDBeingRespondedTo)}))
	} else {
		elems = append(elems, newElement(tagMessageID, "US", []int{int(c.MessageID)}))
	}
	if c.Field == CFindRQ {
		elems = append(elems, newElement(tagPriority, "US", []int{int(c.Priority)}))
	}
	elems = append(elems, newElement(tagCommandDataSetType, "US", []int{int(c.DataSetType)}))
	if c.IsResponse() {
		elems = append(elems, newElement(tagStatus, "US", []int{int(c.Status)}))
	}

	body, err := writeElements(elems, true)
	if err != nil {
		return nil, err
	}
	length, err := writeElements([]*dicom.Element{
		newElement(tagCommandGroupLength, "UL", []int{len(body)}),
	}, true)
	if err != nil {
		return nil, err
	}
	return append(length, body...), nil
}

// DecodeCommand parses an implicit VR little endian command set
func DecodeCommand(data []byte) (*Command, error) {
	elems, err := readElements(data, true)
	if err != nil {
		return nil, err
	}

	cmd := &Command{DataSetType: NoDataSet}
	seenField := false
	for _, e := range elems {
		if e.Tag.Group != 0x0000 || e.Value == nil {
			continue
		}
		switch e.Tag {
		case tagAffectedSOPClassUID:
			if e.Value.ValueType() == dicom.Strings {
				if values := dicom.MustGetStrings(e.Value); len(values) > 0 {
					cmd.AffectedSOPClassUID = strings.TrimRight(values[0], "\x00 ")
				}
			}
		case tagCommandField:
			cmd.Field, seenField = commandU16(e), true
		case tagMessageID:
			cmd.MessageID = commandU16(e)
		case tagMessageIDBeingRespondedTo:
			cmd.MessageIDBeingRespondedTo = commandU16(e)
		case tagPriority:
			cmd.Priority = commandU16(e)
		case tagCommandDataSetType:
			cmd.DataSetType = commandU16(e)
		case tagStatus:
			cmd.Status = commandU16(e)
		}
	}
	if !seenField {
		return nil, protocolErrorf("command without command field")
	}
	return cmd, nil
}

func commandU16(e *dicom.Element) uint16 {
	if e.Value.ValueType() != dicom.Ints {
		return 0
	}
	values := dicom.MustGetInts(e.Value)
	if len(values) == 0 {
		return 0
	}
	return uint16(values[0])
}

// Message is a DIMSE command with its encoded dataset, if any
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
}

// Conn exchanges PDUs and DIMSE messages over an established transport.
// It is used by both the requesting and the accepting side.
type Conn struct {
	rw         io.ReadWriter
	peerMaxPDU uint32
}

// NewConn wraps rw. peerMaxPDU is the maximum PDU length announced by the
// peer, 0 meaning unlimited.
func NewConn(rw io.ReadWriter, peerMaxPDU uint32) *Conn {
	return &Conn{rw: rw, peerMaxPDU: peerMaxPDU}
}

// ReadPDU reads the next PDU
func (c *Conn) ReadPDU() (byte, []byte, error) {
	return ReadPDU(c.rw)
}

// WritePDU writes a PDU
func (c *Conn) WritePDU(pduType byte, payload []byte) error {
	return WritePDU(c.rw, pduType, payload)
}

// Send writes msg as P-DATA-TF PDUs, fragmenting to the peer's limit
func (c *Conn) Send(msg *Message) error {
	command, err := msg.Command.Encode()
	if err != nil {
		return err
	}
	if err := c.sendFragments(msg.ContextID, pdvCommand, command); err != nil {
		return err
	}
	if msg.Command.HasDataSet() {
		return c.sendFragments(msg.ContextID, 0, msg.Data)
	}
	return nil
}

func (c *Conn) sendFragments(contextID, control byte, data []byte) error {
	maxData := 1 << 20
	if c.peerMaxPDU > 6 && int(c.peerMaxPDU)-6 < maxData {
		maxData = int(c.peerMaxPDU) - 6
	}
	for {
		n := min(len(data), maxData)
		flags := control
		if n == len(data) {
			flags |= pdvLast
		}
		pdv := binary.BigEndian.AppendUint32(nil, uint32(n+2))
		pdv = append(pdv, contextID, flags)
		pdv = append(pdv, data[:n]...)
		if err := c.WritePDU(PDUDataTF, pdv); err != nil {
			return err
		}
		data = data[n:]
		if flags&pdvLast != 0 {
			return nil
		}
	}
}

// Receive reads the next complete DIMSE message. A-ABORT surfaces as
// *AbortError and A-RELEASE-RQ as ErrPeerReleased.
func (c *Conn) Receive() (*Message, error) {
	msg := &Message{}
	var cmdBuf []byte
	commandDone, dataDone := false, false

	for {
		pduType, payload, err := c.ReadPDU()
		if err != nil {
			return nil, err
		}
		switch pduType {
		case PDUDataTF:
		case PDUAbort:
			if len(payload) >= 4 {
				return nil, &AbortError{Source: payload[2], Reason: payload[3]}
			}
			return nil, &AbortError{}
		case PDUReleaseRQ:
			return nil, ErrPeerReleased
		default:
			return nil, protocolErrorf("unexpected PDU type 0x%02x during data transfer", pduType)
		}

		for len(payload) > 0 {
			if len(payload) < 6 {
				return nil, protocolErrorf("truncated PDV item")
			}
			length := int(binary.BigEndian.Uint32(payload[0:4]))
			if length < 2 || len(payload) < 4+length {
				return nil, protocolErrorf("PDV item overruns PDU")
			}
			msg.ContextID = payload[4]
			control := payload[5]
			fragment := payload[6 : 4+length]
			if control&pdvCommand != 0 {
				cmdBuf = append(cmdBuf, fragment...)
				commandDone = control&pdvLast != 0
			} else {
				msg.Data = append(msg.Data, fragment...)
				dataDone = control&pdvLast != 0
			}
			payload = payload[4+length:]
		}

		if !commandDone {
			continue
		}
		if msg.Command == nil {
			if msg.Command, err = DecodeCommand(cmdBuf); err != nil {
				return nil, err
			}
		}
		if !msg.Command.HasDataSet() || dataDone {
			return msg, nil
		}
	}
}
