package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU types
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUDataTF      byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Item types used inside association PDUs
const (
	itemApplicationContext  byte = 0x10
	itemPresentationRQ      byte = 0x20
	itemPresentationAC      byte = 0x21
	itemAbstractSyntax      byte = 0x30
	itemTransferSyntax      byte = 0x40
	itemUserInformation     byte = 0x50
	itemMaximumLength       byte = 0x51
	itemImplementationClass byte = 0x52
	itemImplementationName  byte = 0x55
)

// Well-known UIDs
const (
	ApplicationContextUID  = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass   = "1.2.840.10008.1.1"
	PatientRootFind        = "1.2.840.10008.5.1.4.1.2.1.1"
	StudyRootFind          = "1.2.840.10008.5.1.4.1.2.2.1"
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	implementationClassUID = "1.2.826.0.1.3680043.9.7433.1.2"
	implementationName     = "VIEWERHUB_1"
)

// Presentation context results
const (
	ResultAcceptance           byte = 0
	ResultUserRejection        byte = 1
	ResultAbstractNotSupported byte = 3
	ResultTransferNotSupported byte = 4
)

const (
	fixedAssociateFieldsLength = 68

	defaultMaxPDULength  uint32 = 16384
	maxAcceptedPDULength uint32 = 64 << 20
)

// ReadPDU reads one PDU and returns its type and payload (the bytes after
// the 6-byte header).
func ReadPDU(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxAcceptedPDULength {
		return 0, nil, protocolErrorf("PDU length %d exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

// WritePDU writes a PDU with the given type and payload
func WritePDU(w io.Writer, pduType byte, payload []byte) error {
	buf := make([]byte, 6+len(payload))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	_, err := w.Write(buf)
	return err
}

// PresentationContext is a proposed or negotiated presentation context
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
}

// AssociateRequest is the decoded content of an A-ASSOCIATE-RQ
type AssociateRequest struct {
	CalledAET    string
	CallingAET   string
	Contexts     []PresentationContext
	MaxPDULength uint32
}

// AssociateAccept is the decoded content of an A-ASSOCIATE-AC
type AssociateAccept struct {
	Contexts     []PresentationContext
	MaxPDULength uint32
}

// EncodeAssociateRQ builds the payload of an A-ASSOCIATE-RQ
func EncodeAssociateRQ(req AssociateRequest) []byte {
	buf := associateHeader(req.CalledAET, req.CallingAET)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range req.Contexts {
		body := []byte{pc.ID, 0, 0, 0}
		body = appendItem(body, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			body = appendItem(body, itemTransferSyntax, []byte(ts))
		}
		buf = appendItem(buf, itemPresentationRQ, body)
	}
	return appendItem(buf, itemUserInformation, userInformation(req.MaxPDULength))
}

// EncodeAssociateAC builds the payload of an A-ASSOCIATE-AC answering req
func EncodeAssociateAC(req *AssociateRequest, accepted []PresentationContext, maxPDU uint32) []byte {
	buf := associateHeader(req.CalledAET, req.CallingAET)
	buf = appendItem(buf, itemApplicationContext, []byte(ApplicationContextUID))
	for _, pc := range accepted {
		body := []byte{pc.ID, 0, pc.Result, 0}
		ts := ""
		if len(pc.TransferSyntaxes) > 0 {
			ts = pc.TransferSyntaxes[0]
		}
		body = appendItem(body, itemTransferSyntax, []byte(ts))
		buf = appendItem(buf, itemPresentationAC, body)
	}
	return appendItem(buf, itemUserInformation, userInformation(maxPDU))
}

// EncodeAssociateRJ builds the payload of an A-ASSOCIATE-RJ
func EncodeAssociateRJ(result, source, reason byte) []byte {
	return []byte{0, result, source, reason}
}

// DecodeAssociateRQ parses the payload of an A-ASSOCIATE-RQ
func DecodeAssociateRQ(payload []byte) (*AssociateRequest, error) {
	if len(payload) < fixedAssociateFieldsLength {
		return nil, protocolErrorf("A-ASSOCIATE-RQ too short: %d bytes", len(payload))
	}
	req := &AssociateRequest{
		CalledAET:  strings.TrimSpace(string(payload[4:20])),
		CallingAET: strings.TrimSpace(string(payload[20:36])),
	}
	err := walkItems(payload[fixedAssociateFieldsLength:], func(itemType byte, body []byte) error {
		switch itemType {
		case itemPresentationRQ:
			if len(body) < 4 {
				return protocolErrorf("presentation context item too short")
			}
			pc := PresentationContext{ID: body[0]}
			err := walkItems(body[4:], func(sub byte, value []byte) error {
				switch sub {
				case itemAbstractSyntax:
					pc.AbstractSyntax = trimUID(value)
				case itemTransferSyntax:
					pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(value))
				}
				return nil
			})
			if err != nil {
				return err
			}
			req.Contexts = append(req.Contexts, pc)
		case itemUserInformation:
			req.MaxPDULength = maxLengthOf(body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeAssociateAC parses the payload of an A-ASSOCIATE-AC
func DecodeAssociateAC(payload []byte) (*AssociateAccept, error) {
	if len(payload) < fixedAssociateFieldsLength {
		return nil, protocolErrorf("A-ASSOCIATE-AC too short: %d bytes", len(payload))
	}
	ac := &AssociateAccept{}
	err := walkItems(payload[fixedAssociateFieldsLength:], func(itemType byte, body []byte) error {
		switch itemType {
		case itemPresentationAC:
			if len(body) < 4 {
				return protocolErrorf("presentation context item too short")
			}
			pc := PresentationContext{ID: body[0], Result: body[2]}
			err := walkItems(body[4:], func(sub byte, value []byte) error {
				if sub == itemTransferSyntax {
					pc.TransferSyntaxes = []string{trimUID(value)}
				}
				return nil
			})
			if err != nil {
				return err
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			ac.MaxPDULength = maxLengthOf(body)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

func associateHeader(called, calling string) []byte {
	buf := make([]byte, fixedAssociateFieldsLength)
	binary.BigEndian.PutUint16(buf[0:2], 1)
	copy(buf[4:20], padAET(called))
	copy(buf[20:36], padAET(calling))
	return buf
}

func userInformation(maxPDU uint32) []byte {
	var body []byte
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, maxPDU)
	body = appendItem(body, itemMaximumLength, length)
	body = appendItem(body, itemImplementationClass, []byte(implementationClassUID))
	return appendItem(body, itemImplementationName, []byte(implementationName))
}

func maxLengthOf(userInfo []byte) uint32 {
	var maxLength uint32
	_ = walkItems(userInfo, func(sub byte, value []byte) error {
		if sub == itemMaximumLength && len(value) == 4 {
			maxLength = binary.BigEndian.Uint32(value)
		}
		return nil
	})
	return maxLength
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// walkItems iterates over a sequence of type/reserved/length(2)/value items
func walkItems(data []byte, fn func(itemType byte, value []byte) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return protocolErrorf("truncated item header")
		}
		itemType := data[0]
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) < 4+length {
			return protocolErrorf("item 0x%02x overruns PDU", itemType)
		}
		if err := fn(itemType, data[4:4+length]); err != nil {
			return err
		}
		data = data[4+length:]
	}
	return nil
}

// padAET pads an AE title to 16 bytes with spaces
func padAET(aet string) []byte {
	result := []byte(fmt.Sprintf("%-16s", aet))
	return result[:16]
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
