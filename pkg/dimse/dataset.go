package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"github.com/suyashkumar/dicom/pkg/uid"
)

// sniffWindow is how many bytes dicom.NewParser peeks to guess a transfer
// syntax when no file meta group is present.
const sniffWindow = 100

// Dataset is a flat set of attributes. Sequences are dropped on decode:
// query identifiers never need them.
type Dataset struct {
	elements map[Tag]*dicom.Element
}

// NewDataset creates an empty dataset
func NewDataset() *Dataset {
	return &Dataset{elements: make(map[Tag]*dicom.Element)}
}

// Set stores a text attribute, using the dictionary VR. Several values are
// joined with the DICOM value separator. Set with no values stores an empty
// (universal matching / return key) attribute.
func (d *Dataset) Set(t Tag, values ...string) {
	d.SetVR(t, VROf(t), values...)
}

// SetVR stores a text attribute with an explicit VR
func (d *Dataset) SetVR(t Tag, vr string, values ...string) {
	values = slices.Clone(values)
	// UI is padded with NUL by the writer, everything else with a space
	if len(strings.Join(values, `\`))%2 == 1 && vr != "UI" {
		values[len(values)-1] += " "
	}
	if vr == tag.UnknownVR {
		d.elements[t] = newElement(t, vr, []byte(strings.Join(values, `\`)))
		return
	}
	if values == nil {
		values = []string{}
	}
	d.elements[t] = newElement(t, vr, values)
}

// newElement builds an element from []string, []int or []byte data
func newElement(t Tag, vr string, data any) *dicom.Element {
	value, err := dicom.NewValue(data)
	if err != nil {
		panic(err)
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, vr),
		RawValueRepresentation: vr,
		Value:                  value,
	}
}

// Delete removes t
func (d *Dataset) Delete(t Tag) {
	delete(d.elements, t)
}

// Has reports whether t is present
func (d *Dataset) Has(t Tag) bool {
	_, ok := d.elements[t]
	return ok
}

// String returns the first value of t without padding, or "" when absent
func (d *Dataset) String(t Tag) string {
	values := d.Strings(t)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Strings returns all values of t without padding. Numeric values are
// formatted in decimal; sequences and pixel data yield nil.
func (d *Dataset) Strings(t Tag) []string {
	e, ok := d.elements[t]
	if !ok || e.Value == nil {
		return nil
	}

	var raw string
	switch e.Value.ValueType() {
	case dicom.Strings:
		raw = strings.Join(dicom.MustGetStrings(e.Value), `\`)
	case dicom.Bytes:
		raw = string(dicom.MustGetBytes(e.Value))
	case dicom.Ints:
		var out []string
		for _, v := range dicom.MustGetInts(e.Value) {
			out = append(out, strconv.Itoa(v))
		}
		return out
	case dicom.Floats:
		var out []string
		for _, v := range dicom.MustGetFloats(e.Value) {
			out = append(out, strconv.FormatFloat(v, 'f', -1, 64))
		}
		return out
	default:
		return nil
	}

	raw = strings.TrimRight(raw, "\x00 ")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, `\`)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(strings.Trim(p, "\x00"))
	}
	return parts
}

// Tags returns the attribute tags in ascending order
func (d *Dataset) Tags() []Tag {
	tags := make([]Tag, 0, len(d.elements))
	for t := range d.elements {
		tags = append(tags, t)
	}
	slices.SortFunc(tags, Tag.Compare)
	return tags
}

// Len returns the number of attributes
func (d *Dataset) Len() int {
	return len(d.elements)
}

// Encode serializes the dataset in the given little endian transfer syntax
func (d *Dataset) Encode(transferSyntax string) ([]byte, error) {
	implicit, err := parseTransferSyntax(transferSyntax)
	if err != nil {
		return nil, err
	}

	elems := make([]*dicom.Element, 0, len(d.elements))
	for _, t := range d.Tags() {
		elems = append(elems, d.elements[t])
	}
	return writeElements(elems, implicit)
}

// DecodeDataset parses a little endian dataset
func DecodeDataset(data []byte, transferSyntax string) (*Dataset, error) {
	implicit, err := parseTransferSyntax(transferSyntax)
	if err != nil {
		return nil, err
	}

	elems, err := readElements(data, implicit)
	if err != nil {
		return nil, err
	}
	ds := NewDataset()
	for _, e := range elems {
		if e.Value == nil || e.Value.ValueType() == dicom.Sequences {
			continue
		}
		ds.elements[e.Tag] = e
	}
	return ds, nil
}

// parseTransferSyntax reports whether ts is implicit VR. Only the two
// uncompressed little endian syntaxes are negotiated.
func parseTransferSyntax(ts string) (bool, error) {
	bo, implicit, err := uid.ParseTransferSyntaxUID(ts)
	if err != nil || bo != binary.LittleEndian || ts == uid.DeflatedExplicitVRLittleEndian {
		return false, protocolErrorf("unsupported transfer syntax %s", ts)
	}
	return implicit, nil
}

// writeElements encodes elems in order, without a file meta group
func writeElements(elems []*dicom.Element, implicit bool) ([]byte, error) {
	var buf bytes.Buffer
	w, err := dicom.NewWriter(&buf, dicom.SkipVRVerification())
	if err != nil {
		return nil, err
	}
	w.SetTransferSyntax(binary.LittleEndian, implicit)
	for _, e := range elems {
		if err := w.WriteElement(e); err != nil {
			return nil, protocolErrorf("failed to encode %s: %v", e.Tag, err)
		}
	}
	return buf.Bytes(), nil
}

// readElements decodes the top-level elements of a bare little endian
// stream, as carried in P-DATA-TF fragments.
func readElements(data []byte, implicit bool) ([]*dicom.Element, error) {
	// The parser sniffs ahead before the syntax is forced below. Padding keeps
	// short streams sniffable; reads stop at len(data) so it is never parsed.
	in := io.MultiReader(bytes.NewReader(data), bytes.NewReader(make([]byte, sniffWindow)))
	p, err := dicom.NewParser(in, int64(len(data)), nil,
		dicom.SkipMetadataReadOnNewParserInit(),
		dicom.AllowUnknownSpecificCharacterSet(),
		dicom.SkipPixelData(),
	)
	if p == nil {
		return nil, protocolErrorf("failed to start dataset parser: %v", err)
	}
	p.SetTransferSyntax(binary.LittleEndian, implicit)

	var elems []*dicom.Element
	for {
		e, err := p.Next()
		if errors.Is(err, dicom.ErrorEndOfDICOM) {
			return elems, nil
		}
		if err != nil {
			return nil, protocolErrorf("failed to decode dataset: %v", err)
		}
		elems = append(elems, e)
	}
}
