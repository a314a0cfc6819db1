package media

import (
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidDataURI is returned when a value cannot be decoded as an image.
var ErrInvalidDataURI = errors.New("media: invalid data URI")

// DecodeDataURI splits s at the first comma and base64-decodes the rest.
// The part before the comma ("data:image/png;base64") only contributes the
// MIME type; clients that send bare "<mime>;base64,<data>" work too.
func DecodeDataURI(s string) (mime string, data []byte, err error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok || payload == "" {
		return "", nil, ErrInvalidDataURI
	}

	header = strings.TrimPrefix(header, "data:")
	mime, _, _ = strings.Cut(header, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))

	payload = strings.TrimSpace(payload)
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// some clients strip the padding
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return "", nil, ErrInvalidDataURI
		}
	}
	if len(data) == 0 {
		return "", nil, ErrInvalidDataURI
	}
	return mime, data, nil
}

// Extension returns the file extension for an image MIME type, defaulting to
// "jpeg" like the profile pictures of existing accounts.
func Extension(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpeg"
	}
}
