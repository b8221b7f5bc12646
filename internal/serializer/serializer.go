package serializer

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// Format is a manifest wire format
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

// ContentType returns the media type written for f
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/xml; charset=utf-8"
}

// Negotiate picks the format from an explicit format parameter, else from the
// Accept header. XML is the default.
func Negotiate(format, accept string) Format {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return FormatJSON
	case "xml":
		return FormatXML
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "application/json":
			return FormatJSON
		case "application/xml", "text/xml":
			return FormatXML
		}
	}
	return FormatXML
}

// Write encodes m to w. The access token never leaves the service and the
// build bookkeeping is only part of the JSON form.
func Write(w io.Writer, f Format, m *models.Manifest) error {
	out := *m
	out.AccessToken = ""

	if f == FormatJSON {
		if err := json.NewEncoder(w).Encode(&out); err != nil {
			return fmt.Errorf("failed to encode manifest: %w", err)
		}
		return nil
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := xml.NewEncoder(w).Encode(&out); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return nil
}
