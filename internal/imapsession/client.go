package imapsession

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/quillmail/syncd/internal/models"
)

// client adapts go-imap v2 to the Session interface.
type client struct {
	cli  *imapclient.Client
	caps Capabilities
	// updates receives a signal whenever the server pushes unilateral
	// mailbox data (EXISTS, EXPUNGE, FETCH) on the selected folder.
	updates chan struct{}
}

// Dial connects and authenticates a session for the given account.
func Dial(ctx context.Context, account *models.Account, secret string) (Session, error) {
	c := &client{updates: make(chan struct{}, 1)}

	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(seqNum uint32) { c.signal() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) { c.signal() },
			Fetch:   func(msg *imapclient.FetchMessageData) { c.signal() },
		},
	}

	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)

	var cli *imapclient.Client
	var err error
	switch account.Security {
	case models.SecurityNone:
		cli, err = imapclient.DialInsecure(addr, opts)
	case models.SecurityStartTLS:
		cli, err = imapclient.DialStartTLS(addr, opts)
	default:
		cli, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c.cli = cli

	switch account.AuthMode {
	case models.AuthModeNone:
		// Pre-authenticated session, nothing to do.
	case models.AuthModeOAuth2:
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.Username,
			Token:    secret,
		})
		if err := cli.Authenticate(auth); err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("oauth authentication failed for %s: %w", account.Username, err)
		}
	default:
		if err := cli.Login(account.Username, secret).Wait(); err != nil {
			_ = cli.Close()
			return nil, fmt.Errorf("login failed for %s: %w", account.Username, err)
		}
	}

	caps := cli.Caps()
	c.caps = Capabilities{
		CondStore: caps.Has(imap.CapCondStore),
		QResync:   caps.Has(imap.CapQResync),
		Idle:      caps.Has(imap.CapIdle),
		Gmail:     caps.Has(imap.Cap("X-GM-EXT-1")),
	}

	return c, nil
}

func (c *client) signal() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

func (c *client) Capabilities() Capabilities {
	return c.caps
}

func (c *client) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	listed, err := c.cli.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	infos := make([]FolderInfo, 0, len(listed))
	for _, data := range listed {
		info := FolderInfo{
			Path:  data.Mailbox,
			Delim: data.Delim,
		}
		for _, attr := range data.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
				info.NoSelect = true
			case imap.MailboxAttrAll:
				info.Role = models.RoleAll
			case imap.MailboxAttrArchive:
				info.Role = models.RoleArchive
			case imap.MailboxAttrDrafts:
				info.Role = models.RoleDrafts
			case imap.MailboxAttrFlagged:
				info.Role = models.RoleStarred
			case imap.MailboxAttrImportant:
				info.Role = models.RoleImportant
			case imap.MailboxAttrJunk:
				info.Role = models.RoleSpam
			case imap.MailboxAttrSent:
				info.Role = models.RoleSent
			case imap.MailboxAttrTrash:
				info.Role = models.RoleTrash
			}
		}
		infos = append(infos, info)
	}

	return infos, nil
}

func (c *client) Status(ctx context.Context, path string) (*FolderStatus, error) {
	opts := &imap.StatusOptions{
		UIDNext:       true,
		UIDValidity:   true,
		NumMessages:   true,
		HighestModSeq: c.caps.CondStore,
	}
	data, err := c.cli.Status(path, opts).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %q: %w", path, err)
	}

	status := &FolderStatus{
		Path:          path,
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		HighestModSeq: data.HighestModSeq,
	}
	if data.NumMessages != nil {
		status.NumMessages = *data.NumMessages
	}
	return status, nil
}

func (c *client) Select(ctx context.Context, path string) (*FolderStatus, error) {
	opts := &imap.SelectOptions{CondStore: c.caps.CondStore}
	data, err := c.cli.Select(path, opts).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to select %q: %w", path, err)
	}

	return &FolderStatus{
		Path:          path,
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		HighestModSeq: data.HighestModSeq,
		NumMessages:   data.NumMessages,
	}, nil
}

func (c *client) fetchOptions(kind FetchKind) (*imap.FetchOptions, *imap.FetchItemBodySection) {
	opts := &imap.FetchOptions{
		UID:    true,
		Flags:  true,
		ModSeq: c.caps.CondStore,
	}
	var section *imap.FetchItemBodySection
	if kind&FetchHeaders != 0 || kind&FetchBodies != 0 {
		opts.Envelope = true
		opts.InternalDate = true
	}
	if kind&FetchBodies != 0 {
		section = &imap.FetchItemBodySection{Peek: true}
		opts.BodySection = []*imap.FetchItemBodySection{section}
	}
	return opts, section
}

func (c *client) fetch(set imap.UIDSet, opts *imap.FetchOptions, section *imap.FetchItemBodySection) ([]RemoteMessage, error) {
	cmd := c.cli.Fetch(set, opts)
	defer cmd.Close()

	var msgs []RemoteMessage
	for {
		data := cmd.Next()
		if data == nil {
			break
		}
		buf, err := data.Collect()
		if err != nil {
			return nil, fmt.Errorf("failed to collect fetched message: %w", err)
		}
		msgs = append(msgs, fromBuffer(buf, section))
	}

	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	return msgs, nil
}

func (c *client) FetchRange(ctx context.Context, r UIDRange, kind FetchKind) ([]RemoteMessage, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(r.Start), imap.UID(r.End))
	opts, section := c.fetchOptions(kind)
	return c.fetch(set, opts, section)
}

func (c *client) FetchUIDs(ctx context.Context, uids []uint32, kind FetchKind) ([]RemoteMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(imap.UID(uid))
	}
	opts, section := c.fetchOptions(kind)
	return c.fetch(set, opts, section)
}

func (c *client) FetchChangedSince(ctx context.Context, r UIDRange, modseq uint64) ([]RemoteMessage, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(r.Start), imap.UID(r.End))
	opts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		ModSeq:       true,
		ChangedSince: modseq,
	}
	return c.fetch(set, opts, nil)
}

func (c *client) UIDsInRange(ctx context.Context, r UIDRange) ([]uint32, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(r.Start), imap.UID(r.End))
	criteria := &imap.SearchCriteria{UID: []imap.UIDSet{set}}

	data, err := c.cli.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("uid search failed: %w", err)
	}

	found := data.AllUIDs()
	uids := make([]uint32, len(found))
	for i, uid := range found {
		uids[i] = uint32(uid)
	}
	return uids, nil
}

func (c *client) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	// Drain a stale signal so Idle reports only wakeups that arrive
	// while we are actually parked.
	select {
	case <-c.updates:
	default:
	}

	if !c.caps.Idle {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(timeout):
			return false, nil
		case <-c.updates:
			return true, nil
		}
	}

	cmd, err := c.cli.Idle()
	if err != nil {
		return false, fmt.Errorf("failed to start idle: %w", err)
	}

	woke := false
	select {
	case <-ctx.Done():
		_ = cmd.Close()
		return false, ctx.Err()
	case <-time.After(timeout):
	case <-c.updates:
		woke = true
	}

	if err := cmd.Close(); err != nil {
		return woke, fmt.Errorf("failed to stop idle: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return woke, fmt.Errorf("idle ended with error: %w", err)
	}
	return woke, nil
}

func (c *client) Close() error {
	if err := c.cli.Logout().Wait(); err != nil {
		return c.cli.Close()
	}
	return nil
}

func fromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) RemoteMessage {
	// Labels stays empty here: go-imap/v2 has no X-GM-LABELS fetch item,
	// so on Gmail the label linkage derives from the label-folder views
	// built by the folder reconciler instead.
	msg := RemoteMessage{
		UID:    uint32(buf.UID),
		ModSeq: buf.ModSeq,
		Unread: true,
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			msg.Unread = false
		case imap.FlagFlagged:
			msg.Starred = true
		case imap.FlagDraft:
			msg.Draft = true
		case imap.FlagAnswered:
			msg.Answered = true
		case imap.FlagDeleted:
			msg.Deleted = true
		}
	}

	if buf.Envelope != nil {
		env := &Envelope{
			Subject:   buf.Envelope.Subject,
			MessageID: buf.Envelope.MessageID,
			From:      fromAddresses(buf.Envelope.From),
			To:        fromAddresses(buf.Envelope.To),
			CC:        fromAddresses(buf.Envelope.Cc),
			BCC:       fromAddresses(buf.Envelope.Bcc),
			ReplyTo:   fromAddresses(buf.Envelope.ReplyTo),
		}
		if !buf.Envelope.Date.IsZero() {
			date := buf.Envelope.Date
			env.Date = &date
		} else if !buf.InternalDate.IsZero() {
			date := buf.InternalDate
			env.Date = &date
		}
		if len(buf.Envelope.InReplyTo) > 0 {
			env.InReplyTo = buf.Envelope.InReplyTo[0]
		}
		msg.Envelope = env
	}

	if section != nil {
		msg.Raw = buf.FindBodySection(section)
	}

	return msg
}

func fromAddresses(addrs []imap.Address) []Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}
