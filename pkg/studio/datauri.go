package studio

import (
	"encoding/base64"
	"strings"

	"github.com/atelier-ai/atelier/pkg/core"
)

// DataURI is a parsed data: URI payload.
type DataURI struct {
	MediaType string
	Data      []byte
}

// Kind maps the media type onto a MediaKind.
func (d DataURI) Kind() MediaKind {
	if strings.HasPrefix(d.MediaType, "video/") {
		return MediaKindVideo
	}
	return MediaKindImage
}

// String re-encodes the payload as a data URI.
func (d DataURI) String() string {
	return "data:" + d.MediaType + ";base64," + base64.StdEncoding.EncodeToString(d.Data)
}

// EncodeDataURI builds a data URI from raw bytes.
func EncodeDataURI(mediaType string, data []byte) string {
	return DataURI{MediaType: mediaType, Data: data}.String()
}

// ParseDataURI decodes a base64 data URI and enforces the decoded size cap.
// Only image/* and video/* media types are accepted; maxBytes <= 0 disables
// the cap.
func ParseDataURI(uri string, maxBytes int64) (DataURI, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("data URI is required", "image_data_uri")
	}
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("payload must be a data: URI", "image_data_uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("data URI is missing its payload", "image_data_uri")
	}

	mediaType, encoding := meta, ""
	if idx := strings.LastIndex(meta, ";"); idx >= 0 {
		mediaType, encoding = meta[:idx], meta[idx+1:]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("data URI must be base64 encoded", "image_data_uri")
	}
	if !strings.HasPrefix(mediaType, "image/") && !strings.HasPrefix(mediaType, "video/") {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("media type must be image/* or video/*", "image_data_uri")
	}
	if maxBytes > 0 {
		// Decoded size upper bound; reject before the expensive decode.
		if est := int64(len(payload)) / 4 * 3; est > maxBytes {
			return DataURI{}, core.NewInvalidRequestErrorWithParam("media payload exceeds the size limit", "image_data_uri")
		}
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("data URI payload is not valid base64", "image_data_uri")
	}
	if len(data) == 0 {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("data URI payload is empty", "image_data_uri")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return DataURI{}, core.NewInvalidRequestErrorWithParam("media payload exceeds the size limit", "image_data_uri")
	}
	return DataURI{MediaType: mediaType, Data: data}, nil
}
