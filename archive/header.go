package archive

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

type headerInfo struct {
	MessageID      string
	Subject        string
	From           string
	To             []string
	Date           time.Time
	HasAttachments bool
}

// readHeader parses only the header block of the message stored at path.
func readHeader(path string) (headerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return headerInfo{}, err
	}
	defer f.Close()

	h, err := textproto.ReadHeader(bufio.NewReader(f))
	if err != nil {
		return headerInfo{}, fmt.Errorf("parse header: %w", err)
	}
	return parseHeader(mail.Header{Header: message.Header{Header: h}}), nil
}

func parseHeader(h mail.Header) headerInfo {
	var info headerInfo

	if id, err := h.MessageID(); err == nil && id != "" {
		info.MessageID = id
	} else {
		info.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	}

	if subject, err := h.Subject(); err == nil {
		info.Subject = subject
	} else {
		info.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		info.From = from[0].String()
	} else {
		info.From = strings.TrimSpace(h.Get("From"))
	}

	for _, field := range []string{"To", "Cc"} {
		addrs, err := h.AddressList(field)
		if err != nil {
			if raw := strings.TrimSpace(h.Get(field)); raw != "" {
				info.To = append(info.To, raw)
			}
			continue
		}
		for _, addr := range addrs {
			info.To = append(info.To, addr.Address)
		}
	}

	if date, err := h.Date(); err == nil {
		info.Date = date
	}

	if mediaType, _, err := h.ContentType(); err == nil && strings.EqualFold(mediaType, "multipart/mixed") {
		info.HasAttachments = true
	}
	if disp, _, err := h.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		info.HasAttachments = true
	}

	return info
}
