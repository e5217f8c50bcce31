package decoder

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	htmlcharset "golang.org/x/net/html/charset"
)

// DecodeTransfer reverses a part's Content-Transfer-Encoding and
// converts the result to UTF-8. Unknown encodings fall through to
// statistical charset detection over the undecoded bytes.
func DecodeTransfer(payload []byte, transferEncoding, charsetLabel string) string {
	var decoded []byte
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		compact := compactBase64(payload)
		buf, err := base64.StdEncoding.DecodeString(PadBase64(compact))
		if err != nil {
			decoded = payload
		} else {
			decoded = buf
		}
	case "quoted-printable":
		buf, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(payload)))
		if err != nil && len(buf) == 0 {
			decoded = payload
		} else {
			decoded = buf
		}
	case "7bit", "8bit", "binary", "":
		decoded = payload
	default:
		return detectAndConvert(payload)
	}
	return convertCharset(decoded, charsetLabel)
}

// PadBase64 appends '=' until the input length is a multiple of four.
// Some servers emit base64 without trailing padding; tolerate it.
func PadBase64(s string) string {
	if rem := len(s) % 4; rem != 0 {
		return s + strings.Repeat("=", 4-rem)
	}
	return s
}

func compactBase64(payload []byte) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, string(payload))
}

// convertCharset transcodes bytes declared as charsetLabel into UTF-8.
// An empty label means UTF-8 per the decode contract; a label the
// charset registry does not know degrades to statistical detection.
func convertCharset(data []byte, charsetLabel string) string {
	label := strings.ToLower(strings.TrimSpace(charsetLabel))
	if label == "" || label == "utf-8" || label == "us-ascii" {
		return string(data)
	}
	reader, err := htmlcharset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return detectAndConvert(data)
	}
	converted, err := io.ReadAll(reader)
	if err != nil && len(converted) == 0 {
		return detectAndConvert(data)
	}
	return string(converted)
}

// detectAndConvert runs content-based charset detection and transcodes
// with the best guess. It never fails; worst case the raw bytes are
// returned as-is.
func detectAndConvert(data []byte) string {
	encoding, _, _ := htmlcharset.DetermineEncoding(data, "")
	if encoding == nil {
		return string(data)
	}
	converted, err := io.ReadAll(encoding.NewDecoder().Reader(bytes.NewReader(data)))
	if err != nil && len(converted) == 0 {
		return string(data)
	}
	return string(converted)
}
