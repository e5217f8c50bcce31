package decoder

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	stdmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/mailgram-io/mailgram/internal/models"
)

const defaultBodyLimit = 500

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Decoder turns raw MIME bytes into a bounded, cleaned DecodedMessage.
// Decode never fails: any parse or charset ambiguity degrades to
// best-effort output instead of an error.
type Decoder struct {
	bodyLimit   int
	wordDecoder *mime.WordDecoder
}

// Option customizes a Decoder.
type Option func(*Decoder)

// WithBodyLimit overrides the maximum body length in runes.
func WithBodyLimit(limit int) Option {
	return func(d *Decoder) {
		if limit > 0 {
			d.bodyLimit = limit
		}
	}
}

// New builds a Decoder with the default body limit.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		bodyLimit: defaultBodyLimit,
		wordDecoder: &mime.WordDecoder{
			CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
				return htmlcharset.NewReaderLabel(charset, input)
			},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses one raw message. It is a pure function of its input:
// the same bytes always produce the same DecodedMessage.
func (d *Decoder) Decode(raw []byte) *models.DecodedMessage {
	mr, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return d.decodeLegacy(raw)
	}
	defer mr.Close()

	msg := &models.DecodedMessage{
		Subject:   d.decodeHeader(mr.Header.Get("Subject")),
		Sender:    d.decodeHeader(mr.Header.Get("From")),
		Recipient: d.decodeHeader(mr.Header.Get("To")),
		Date:      strings.TrimSpace(mr.Header.Get("Date")),
	}

	plain, html, clean := d.readBodyParts(mr)
	if !clean {
		// The library's decoding reader gave up partway through a part,
		// typically on unpadded base64. Redo the walk by hand so the
		// transfer repair path applies instead of keeping a truncated
		// body.
		return d.decodeLegacy(raw)
	}
	msg.Body = d.finishBody(plain, html)
	return msg
}

// readBodyParts walks the MIME structure and keeps the first HTML and
// first plain-text candidates. Attachments never contribute a body.
// clean reports whether every part decoded without error; an unclean
// walk may have truncated a candidate.
func (d *Decoder) readBodyParts(mr *gomail.Reader) (plain, html string, clean bool) {
	clean = true
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			clean = false
			break
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, ctErr := header.ContentType()
		if ctErr != nil {
			mimeType = "text/plain"
		}
		mimeType = strings.ToLower(strings.TrimSpace(mimeType))

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			clean = false
			continue
		}
		switch {
		case strings.HasPrefix(mimeType, "text/html"):
			if html == "" {
				html = string(body)
			}
		case strings.HasPrefix(mimeType, "text/plain") || mimeType == "":
			if plain == "" {
				plain = string(body)
			}
		}
	}
	return plain, html, clean
}

// decodeLegacy handles messages go-message refuses to parse. Transfer
// encoding and charset are decoded by hand so malformed-but-common
// server output still yields content.
func (d *Decoder) decodeLegacy(raw []byte) *models.DecodedMessage {
	msg := &models.DecodedMessage{}
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		// Not even header/body framing; treat the whole input as body.
		msg.Body = d.finishBody(string(raw), "")
		return msg
	}

	msg.Subject = d.decodeHeader(reader.Header.Get("Subject"))
	msg.Sender = d.decodeHeader(reader.Header.Get("From"))
	msg.Recipient = d.decodeHeader(reader.Header.Get("To"))
	msg.Date = strings.TrimSpace(reader.Header.Get("Date"))

	body, readErr := io.ReadAll(reader.Body)
	if readErr != nil && len(body) == 0 {
		return msg
	}

	contentType := reader.Header.Get("Content-Type")
	charsetLabel := ""
	isHTML := false
	if mediaType, params, ctErr := mime.ParseMediaType(contentType); ctErr == nil {
		charsetLabel = params["charset"]
		isHTML = strings.HasPrefix(mediaType, "text/html")
		if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
			plain, html := readRawParts(bytes.NewReader(body), params["boundary"])
			msg.Body = d.finishBody(plain, html)
			return msg
		}
	}

	decoded := DecodeTransfer(body, reader.Header.Get("Content-Transfer-Encoding"), charsetLabel)
	if isHTML {
		msg.Body = d.finishBody("", decoded)
	} else {
		msg.Body = d.finishBody(decoded, "")
	}
	return msg
}

// readRawParts walks a multipart payload with the transfer encoding
// intact, so each part's payload goes through DecodeTransfer and its
// padding repair. Nested multiparts are descended into; attachments
// are skipped.
func readRawParts(r io.Reader, boundary string) (plain, html string) {
	parts := multipart.NewReader(r, boundary)
	for {
		part, err := parts.NextPart()
		if err != nil {
			return plain, html
		}
		payload, readErr := io.ReadAll(part)
		if readErr != nil && len(payload) == 0 {
			continue
		}
		mediaType, params, ctErr := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if ctErr != nil {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
			nestedPlain, nestedHTML := readRawParts(bytes.NewReader(payload), params["boundary"])
			if plain == "" {
				plain = nestedPlain
			}
			if html == "" {
				html = nestedHTML
			}
			continue
		}
		if disp, _, dispErr := mime.ParseMediaType(part.Header.Get("Content-Disposition")); dispErr == nil && disp == "attachment" {
			continue
		}
		decoded := DecodeTransfer(payload, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if html == "" {
				html = decoded
			}
		case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
			if plain == "" {
				plain = decoded
			}
		}
	}
}

// finishBody selects the HTML candidate over the plain one, cleans it,
// collapses whitespace, and truncates to the configured limit.
func (d *Decoder) finishBody(plain, html string) string {
	var body string
	if html != "" {
		body = CleanHTML(html)
	} else {
		body = plain
	}
	body = CollapseWhitespace(body)
	return truncateRunes(body, d.bodyLimit)
}

// decodeHeader applies RFC 2047 encoded-word decoding. Headers without
// a declared charset are treated as UTF-8; undecodable headers are
// returned verbatim.
func (d *Decoder) decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := d.wordDecoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(decoded)
}

// CollapseWhitespace reduces any whitespace run to a single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
