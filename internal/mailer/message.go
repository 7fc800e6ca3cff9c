package mailer

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

var (
	blockTagPattern  = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
	textPolicy       = bluemonday.StrictPolicy()
)

// PlainText derives a text alternative from an HTML body.
func PlainText(body string) string {
	s := blockTagPattern.ReplaceAllString(body, "$0\n")
	s = html.UnescapeString(textPolicy.Sanitize(s))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinePattern.ReplaceAllString(s, "\n\n"))
}

// Build renders e as an RFC 5322 message with a text/html alternative and
// any attachments.
func Build(e *Email, now time.Time) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	var h mail.Header
	h.Set("MIME-Version", "1.0")
	h.SetDate(now)
	h.SetSubject(e.Subject)
	h.SetAddressList("From", []*mail.Address{{Name: e.FromName, Address: e.From}})
	h.SetAddressList("To", addressList(e.To))
	if len(e.Cc) > 0 {
		h.SetAddressList("Cc", addressList(e.Cc))
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("mailer: message id: %w", err)
	}

	text := e.Text
	if text == "" {
		text = PlainText(e.HTML)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mailer: create writer: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("mailer: create inline: %w", err)
	}
	if err := writeInline(iw, "text/plain", text); err != nil {
		return nil, err
	}
	if e.HTML != "" {
		if err := writeInline(iw, "text/html", e.HTML); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("mailer: close inline: %w", err)
	}

	for _, a := range e.Attachments {
		var ah mail.AttachmentHeader
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		ah.Set("Content-Type", contentType)
		ah.SetFilename(a.Filename)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, fmt.Errorf("mailer: attachment %s: %w", a.Filename, err)
		}
		if _, err := w.Write(a.Content); err != nil {
			return nil, fmt.Errorf("mailer: attachment %s: %w", a.Filename, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("mailer: attachment %s: %w", a.Filename, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("mailer: close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, mediaType, content string) error {
	var ih mail.InlineHeader
	ih.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ih)
	if err != nil {
		return fmt.Errorf("mailer: %s part: %w", mediaType, err)
	}
	if _, err := io.WriteString(w, content); err != nil {
		return fmt.Errorf("mailer: %s part: %w", mediaType, err)
	}
	return w.Close()
}

func addressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
