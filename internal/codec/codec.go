// Package codec parses and serializes RFC 5322 messages as they move
// through the relay: Parse turns raw DATA bytes from an ingress session
// into a header map plus body, and Serialize turns a Message back into
// the wire bytes handed to the upstream SMTP client, injecting any
// header the original message was missing.
package codec

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/mtarelay/internal/model"
)

// orderedHeaderKeys mirrors the teacher's DKIM-reproducibility ordering:
// well-known headers come first in a fixed order, then everything else
// in the order it was first seen.
var orderedHeaderKeys = []string{
	"From", "To", "Cc", "Reply-To", "Subject", "Date", "Message-Id",
}

// Parse splits raw into a case-insensitive, order-preserving header map
// and a body. raw is the exact byte stream an ingress session received
// between DATA and the terminating "."; go-smtp's DotReader has already
// undone dot-stuffing, so Parse does not repeat that step.
//
// Per spec §4.A, the returned body is not the raw DATA tail verbatim:
// a multipart message has its first text/plain part extracted, falling
// back to the first text/html part, then to the single-part payload
// decoded per its Content-Transfer-Encoding. A decode that errors falls
// back to the raw bytes, treated as lossy UTF-8.
func Parse(raw []byte) (*model.HeaderMap, []byte, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	tp := textproto.NewReader(reader)

	headers := model.NewHeaderMap()
	for {
		line, err := tp.ReadContinuedLine()
		if err != nil {
			// EOF with no blank-line separator means a headers-only
			// message (valid, if unusual): fall through with no body.
			break
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, nil, fmt.Errorf("codec: malformed header line %q", line)
		}
		headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	rawBody, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: reading body: %w", err)
	}

	return headers, extractBody(headers, rawBody), nil
}

// EnsureEnvelopeHeaders injects the headers a well-formed message must
// carry but an ingress submission may have omitted: Date, Message-ID,
// From and To. from and to are the SMTP envelope addresses, used only
// when the corresponding header is absent.
func EnsureEnvelopeHeaders(headers *model.HeaderMap, from string, to []string) {
	if !headers.Has("Date") {
		headers.Set("Date", time.Now().UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	}
	if !headers.Has("Message-Id") {
		headers.Set("Message-Id", "<"+uuid.NewString()+"@mtarelay>")
	}
	if !headers.Has("From") && from != "" {
		headers.Set("From", from)
	}
	if !headers.Has("To") && len(to) > 0 {
		headers.Set("To", strings.Join(to, ", "))
	}
}

// droppedOnSerialize names the headers spec §4.A says are not carried
// over when reconstructing: the body stored on Message has already been
// reduced from any original MIME structure to plain content (see
// extractBody), so a stale Content-Type/Content-Transfer-Encoding would
// misdescribe it.
var droppedOnSerialize = map[string]bool{
	"content-type":              true,
	"content-transfer-encoding": true,
}

// Serialize renders headers and body back into an RFC 5322 byte stream
// suitable for handing to net/smtp's DATA writer. Header order follows
// orderedHeaderKeys first, then any remaining headers in the order they
// were set. A header whose value carries a bare CR or LF is dropped
// rather than emitted, since it would otherwise smuggle a forged header
// or command into the reconstructed message (spec §4.A's
// MalformedHeader failure mode; callers are expected to have already
// rejected such values at ingress via ContainsCRLFInjection).
func Serialize(headers *model.HeaderMap, body []byte) []byte {
	var buf bytes.Buffer
	written := make(map[string]bool)

	emit := func(name, value string) {
		key := strings.ToLower(name)
		if written[key] || droppedOnSerialize[key] || ContainsCRLFInjection(value) {
			return
		}
		fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		written[key] = true
	}

	for _, key := range orderedHeaderKeys {
		if v, ok := headers.Get(key); ok {
			emit(canonicalHeaderName(key), v)
		}
	}
	headers.Each(emit)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

func canonicalHeaderName(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

// extractBody implements spec §4.A's body-extraction rule: a multipart
// message yields its first text/plain part, else its first text/html
// part (HTML tags stripped), else the single-part payload decoded per
// its Content-Transfer-Encoding. Any decode failure falls back to the
// raw bytes unchanged, treated as lossy UTF-8 per the spec's failure
// mode ("unknown/erroring decodes fall back to lossy UTF-8").
func extractBody(headers *model.HeaderMap, raw []byte) []byte {
	ct, _ := headers.Get("Content-Type")
	if ct == "" {
		return decodeTransfer(headers, raw)
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return decodeTransfer(headers, raw)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return decodeTransfer(headers, raw)
	}
	boundary, ok := params["boundary"]
	if !ok {
		return decodeTransfer(headers, raw)
	}

	mr := multipart.NewReader(bytes.NewReader(raw), boundary)
	var htmlPart []byte
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		partCT := part.Header.Get("Content-Type")
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(decodedPartReader(part))
		switch {
		case strings.HasPrefix(partCT, "text/plain"):
			return buf.Bytes()
		case strings.HasPrefix(partCT, "text/html") && htmlPart == nil:
			htmlPart = buf.Bytes()
		}
	}
	if htmlPart != nil {
		return []byte(stripTags(string(htmlPart)))
	}
	return decodeTransfer(headers, raw)
}

// decodedPartReader wraps a multipart.Part with its own
// Content-Transfer-Encoding decoder, since multipart.Reader does not
// decode part bodies itself.
func decodedPartReader(part *multipart.Part) io.Reader {
	switch strings.ToLower(part.Header.Get("Content-Transfer-Encoding")) {
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, part)
	case "quoted-printable":
		return quotedprintable.NewReader(part)
	default:
		return part
	}
}

// decodeTransfer decodes a single-part payload per its top-level
// Content-Transfer-Encoding header, falling back to the raw bytes on
// any decode error.
func decodeTransfer(headers *model.HeaderMap, raw []byte) []byte {
	cte, _ := headers.Get("Content-Transfer-Encoding")
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	default:
		return raw
	}
}

// ExtractPreviewText returns a short plain-text rendering of body for
// logging and diagnostics, built on the same extraction rule Parse
// applies to the stored body.
func ExtractPreviewText(headers *model.HeaderMap, body []byte) string {
	return truncate(string(extractBody(headers, body)))
}

func stripTags(html string) string {
	var out strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}

func truncate(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ContainsCRLFInjection reports whether s carries a bare CR or LF, which
// would let a forged header or command smuggle itself into the
// serialized message or an upstream SMTP command line.
func ContainsCRLFInjection(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
