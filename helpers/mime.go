package helpers

import (
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"
)

func init() {
	// Let go-message decode non-UTF-8 parts instead of failing on them.
	message.CharsetReader = charset.Reader
}

var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeMIMEHeader decodes RFC 2047 encoded-words in a header value.
// Undecodable input is returned as-is.
func DecodeMIMEHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// TextBodyPart is one decoded text/* part of a message.
type TextBodyPart struct {
	ContentType string
	Decoded     string
}

// ExtractTextParts parses a raw message and returns its text/* parts with
// transfer encoding undone. text/html parts are additionally converted to
// plain text so callers can embed them in notifications.
func ExtractTextParts(raw []byte) ([]TextBodyPart, error) {
	entity, err := message.Read(strings.NewReader(string(raw)))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}

	var parts []TextBodyPart
	if err := collectTextParts(entity, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func collectTextParts(entity *message.Entity, out *[]TextBodyPart) error {
	mediaType, _, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return nil
		}
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := collectTextParts(p, out); err != nil {
				return err
			}
		}
	}

	// An entity without an explicit content type is text/plain.
	if mediaType == "" {
		mediaType = "text/plain"
	}
	if !strings.HasPrefix(mediaType, "text/") {
		return nil
	}

	content, err := io.ReadAll(entity.Body)
	if err != nil {
		return err
	}

	decoded := string(content)
	if mediaType == "text/html" {
		decoded = html2text.HTML2Text(decoded)
	}

	*out = append(*out, TextBodyPart{ContentType: mediaType, Decoded: decoded})
	return nil
}
