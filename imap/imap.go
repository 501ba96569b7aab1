package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-archive/model"
	"github.com/dhcgn/imap-archive/retry"
	"github.com/dhcgn/imap-archive/source"
)

const DefaultDialTimeout = 30 * time.Second

// ErrUIDValidityChanged is returned when a folder was renumbered while the
// run was using it. The folder is retried on the next run.
var ErrUIDValidityChanged = errors.New("uidvalidity changed during sync")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	DialTimeout        time.Duration
}

func (o Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("imap host is empty")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("imap port must be between 1 and 65535")
	}
	if o.Username == "" {
		return fmt.Errorf("imap user is empty")
	}
	return nil
}

// Source reads folders from an IMAP server. The connection is opened lazily
// and re-opened after a transport failure or an operation deadline.
type Source struct {
	opts   Options
	logger *slog.Logger

	client   *imapclient.Client
	selected string
	validity map[string]uint32
}

var _ source.Source = (*Source)(nil)

func New(opts Options, logger *slog.Logger) *Source {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	return &Source{
		opts:     opts,
		logger:   logger,
		validity: make(map[string]uint32),
	}
}

// NewFactory returns a factory producing one independent connection per call.
func NewFactory(opts Options, logger *slog.Logger) source.Factory {
	return func() source.Source {
		return New(opts, logger)
	}
}

func (s *Source) Connect(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *Source) conn(ctx context.Context) (*imapclient.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.selected = ""
	return client, nil
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}
	dialer := &net.Dialer{Timeout: s.opts.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: options.TLSConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	client := imapclient.New(conn, options)
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, &source.AuthError{
				Source:  "imap",
				Message: fmt.Sprintf("authentication failed for %s: %s", s.opts.Username, respErr.Text),
				Err:     err,
			}
		}
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "tls", s.opts.UseTLS)
	}
	return client, nil
}

// do runs fn on a live connection. The connection is closed if ctx ends
// while fn is running, and dropped after transport errors.
func (s *Source) do(ctx context.Context, fn func(c *imapclient.Client) error) error {
	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	err = fn(c)
	if !stop() {
		s.reset()
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	if err != nil && !isResponseError(err) {
		s.reset()
	}
	return err
}

func (s *Source) reset() {
	if s.client == nil {
		return
	}
	_ = s.client.Close()
	s.client = nil
	s.selected = ""
}

func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	var folders []string
	err := s.do(ctx, func(c *imapclient.Client) error {
		mailboxes, err := c.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		folders = folders[:0]
		for _, mbox := range mailboxes {
			if slices.Contains(mbox.Attrs, imapv2.MailboxAttrNoSelect) ||
				slices.Contains(mbox.Attrs, imapv2.MailboxAttrNonExistent) {
				continue
			}
			folders = append(folders, mbox.Mailbox)
		}
		return nil
	})
	return folders, err
}

func (s *Source) SelectFolder(ctx context.Context, folder string) (source.FolderStatus, error) {
	var status source.FolderStatus
	err := s.do(ctx, func(c *imapclient.Client) error {
		data, err := s.selectFolder(c, folder)
		if err != nil {
			return err
		}
		status = source.FolderStatus{
			UIDValidity: data.UIDValidity,
			UIDNext:     uint32(data.UIDNext),
			Messages:    data.NumMessages,
		}
		s.validity[folder] = data.UIDValidity
		return nil
	})
	return status, err
}

func (s *Source) selectFolder(c *imapclient.Client, folder string) (*imapv2.SelectData, error) {
	data, err := c.Select(folder, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		if isResponseError(err) {
			// the server refused this folder; retrying will not help
			return nil, retry.Permanent(fmt.Errorf("select %s: %w", folder, err))
		}
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	s.selected = folder
	return data, nil
}

// ensureSelected re-selects folder after a reconnect and verifies that the
// folder was not renumbered in between.
func (s *Source) ensureSelected(c *imapclient.Client, folder string) error {
	if s.selected == folder {
		return nil
	}
	data, err := s.selectFolder(c, folder)
	if err != nil {
		return err
	}
	if known, ok := s.validity[folder]; ok && known != data.UIDValidity {
		return retry.Permanent(fmt.Errorf("%w: %s %d -> %d", ErrUIDValidityChanged, folder, known, data.UIDValidity))
	}
	s.validity[folder] = data.UIDValidity
	return nil
}

func (s *Source) UIDsSince(ctx context.Context, folder string, since uint32, dates source.DateRange) ([]uint32, error) {
	var uids []uint32
	err := s.do(ctx, func(c *imapclient.Client) error {
		if err := s.ensureSelected(c, folder); err != nil {
			return err
		}
		criteria := &imapv2.SearchCriteria{
			UID:    []imapv2.UIDSet{{imapv2.UIDRange{Start: imapv2.UID(since + 1), Stop: 0}}},
			Since:  dates.Since,
			Before: dates.Before,
		}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("uid search: %w", err)
		}
		uids = filterUIDs(data.AllUIDs(), since)
		return nil
	})
	return uids, err
}

// filterUIDs drops UIDs at or below since and sorts the rest. Servers answer
// "N:*" with the highest UID even when it is below N.
func filterUIDs(found []imapv2.UID, since uint32) []uint32 {
	out := make([]uint32, 0, len(found))
	for _, uid := range found {
		if uint32(uid) > since {
			out = append(out, uint32(uid))
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *Source) FetchSummaries(ctx context.Context, folder string, uids []uint32) ([]model.Summary, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var summaries []model.Summary
	err := s.do(ctx, func(c *imapclient.Client) error {
		if err := s.ensureSelected(c, folder); err != nil {
			return err
		}
		fetchOpts := &imapv2.FetchOptions{
			UID:          true,
			InternalDate: true,
			RFC822Size:   true,
			Envelope:     true,
		}
		bufs, err := c.Fetch(uidSet(uids), fetchOpts).Collect()
		if err != nil {
			return fmt.Errorf("fetch summaries: %w", err)
		}
		summaries = summaries[:0]
		for _, buf := range bufs {
			summaries = append(summaries, summaryFromBuffer(buf))
		}
		return nil
	})
	return summaries, err
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) model.Summary {
	sum := model.Summary{
		UID:          uint32(buf.UID),
		InternalDate: buf.InternalDate,
		Size:         buf.RFC822Size,
	}
	if buf.Envelope != nil {
		sum.MessageID = buf.Envelope.MessageID
	}
	return sum
}

// OpenMessage starts a BODY.PEEK[] fetch and returns the literal as a
// stream. The connection stays busy until the stream is closed.
func (s *Source) OpenMessage(ctx context.Context, folder string, uid uint32) (io.ReadCloser, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	fail := func(err error) error {
		if !stop() {
			s.reset()
			return errors.Join(ctx.Err(), err)
		}
		if isResponseError(err) {
			return &source.MessageError{UID: uid, Err: err}
		}
		s.reset()
		return err
	}

	if err := s.ensureSelected(c, folder); err != nil {
		if !stop() || !isResponseError(err) {
			s.reset()
		}
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	cmd := c.Fetch(uidSet([]uint32{uid}), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})

	msg := cmd.Next()
	if msg == nil {
		if err := cmd.Close(); err != nil {
			return nil, fail(fmt.Errorf("fetch %d: %w", uid, err))
		}
		stop()
		return nil, source.ErrMessageGone
	}

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		body, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok || body.Literal == nil {
			continue
		}
		return &messageStream{src: s, cmd: cmd, literal: body.Literal, stop: stop}, nil
	}

	if err := cmd.Close(); err != nil {
		return nil, fail(fmt.Errorf("fetch %d: %w", uid, err))
	}
	stop()
	return nil, &source.MessageError{UID: uid, Err: errors.New("server returned no body")}
}

type messageStream struct {
	src     *Source
	cmd     *imapclient.FetchCommand
	literal imapv2.LiteralReader
	stop    func() bool
	readErr error
	closed  bool
}

func (m *messageStream) Read(p []byte) (int, error) {
	n, err := m.literal.Read(p)
	if err != nil && err != io.EOF {
		m.readErr = err
	}
	return n, err
}

// Close drains the rest of the literal and completes the FETCH command so the
// connection can be reused.
func (m *messageStream) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	_, drainErr := io.Copy(io.Discard, m.literal)
	err := m.cmd.Close()
	if !m.stop() || m.readErr != nil || drainErr != nil || (err != nil && !isResponseError(err)) {
		m.src.reset()
	}
	if err != nil {
		return err
	}
	return drainErr
}

func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	err := s.client.Close()
	s.client = nil
	s.selected = ""
	return err
}

func uidSet(uids []uint32) imapv2.UIDSet {
	set := make([]imapv2.UID, 0, len(uids))
	for _, uid := range uids {
		set = append(set, imapv2.UID(uid))
	}
	return imapv2.UIDSetNum(set...)
}

// isResponseError reports whether the server answered with NO or BAD, in
// which case the connection itself is still usable.
func isResponseError(err error) bool {
	var respErr *imapv2.Error
	return errors.As(err, &respErr)
}
