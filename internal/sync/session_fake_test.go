package sync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quillmail/syncd/internal/imapsession"
	"github.com/quillmail/syncd/internal/models"
)

// fakeSession is an in-memory Session for engine tests. It records every
// fetch so tests can assert on ranges and fetch kinds.
type fakeSession struct {
	caps     imapsession.Capabilities
	boxes    map[string]*fakeMailbox
	order    []string
	selected string

	fetches           []fetchCall
	changedSinceCalls int
}

type fetchCall struct {
	r    imapsession.UIDRange
	kind imapsession.FetchKind
}

type fakeMailbox struct {
	role          models.FolderRole
	uidValidity   uint32
	uidNext       uint32
	highestModSeq uint64
	msgs          map[uint32]imapsession.RemoteMessage
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		caps:  imapsession.Capabilities{},
		boxes: make(map[string]*fakeMailbox),
	}
}

func (s *fakeSession) addMailbox(path string, role models.FolderRole, uidValidity uint32) *fakeMailbox {
	box := &fakeMailbox{
		role:        role,
		uidValidity: uidValidity,
		uidNext:     1,
		msgs:        make(map[uint32]imapsession.RemoteMessage),
	}
	s.boxes[path] = box
	s.order = append(s.order, path)
	return box
}

func (s *fakeSession) removeMailbox(path string) {
	delete(s.boxes, path)
	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (m *fakeMailbox) add(msg imapsession.RemoteMessage) {
	m.msgs[msg.UID] = msg
	if msg.UID >= m.uidNext {
		m.uidNext = msg.UID + 1
	}
	if msg.ModSeq > m.highestModSeq {
		m.highestModSeq = msg.ModSeq
	}
}

func remoteMsg(uid uint32, subject, from string, date time.Time) imapsession.RemoteMessage {
	d := date
	return imapsession.RemoteMessage{
		UID:    uid,
		Unread: true,
		Envelope: &imapsession.Envelope{
			Subject:   subject,
			Date:      &d,
			MessageID: fmt.Sprintf("<%d.%s@example.com>", uid, from),
			From:      []imapsession.Address{{Email: from}},
			To:        []imapsession.Address{{Email: "me@example.com"}},
		},
		Raw: []byte("Subject: " + subject + "\r\n\r\nhello from " + from + "\r\n"),
	}
}

func (s *fakeSession) Capabilities() imapsession.Capabilities {
	return s.caps
}

func (s *fakeSession) ListFolders(ctx context.Context) ([]imapsession.FolderInfo, error) {
	infos := make([]imapsession.FolderInfo, 0, len(s.order))
	for _, path := range s.order {
		infos = append(infos, imapsession.FolderInfo{
			Path:  path,
			Delim: '/',
			Role:  s.boxes[path].role,
		})
	}
	return infos, nil
}

func (s *fakeSession) status(path string) (*imapsession.FolderStatus, error) {
	box, ok := s.boxes[path]
	if !ok {
		return nil, fmt.Errorf("no such mailbox %q", path)
	}
	return &imapsession.FolderStatus{
		Path:          path,
		UIDValidity:   box.uidValidity,
		UIDNext:       box.uidNext,
		HighestModSeq: box.highestModSeq,
		NumMessages:   uint32(len(box.msgs)),
	}, nil
}

func (s *fakeSession) Status(ctx context.Context, path string) (*imapsession.FolderStatus, error) {
	return s.status(path)
}

func (s *fakeSession) Select(ctx context.Context, path string) (*imapsession.FolderStatus, error) {
	st, err := s.status(path)
	if err != nil {
		return nil, err
	}
	s.selected = path
	return st, nil
}

func (s *fakeSession) current() *fakeMailbox {
	if box, ok := s.boxes[s.selected]; ok {
		return box
	}
	return &fakeMailbox{msgs: map[uint32]imapsession.RemoteMessage{}}
}

func inRange(uid uint32, r imapsession.UIDRange) bool {
	return uid >= r.Start && (r.End == 0 || uid <= r.End)
}

// shape trims a stored message down to what the requested fetch kind
// would have retrieved.
func shape(msg imapsession.RemoteMessage, kind imapsession.FetchKind) imapsession.RemoteMessage {
	if kind&(imapsession.FetchHeaders|imapsession.FetchBodies) == 0 {
		msg.Envelope = nil
	}
	if kind&imapsession.FetchBodies == 0 {
		msg.Raw = nil
	}
	return msg
}

func (s *fakeSession) FetchRange(ctx context.Context, r imapsession.UIDRange, kind imapsession.FetchKind) ([]imapsession.RemoteMessage, error) {
	s.fetches = append(s.fetches, fetchCall{r: r, kind: kind})

	box := s.current()
	var out []imapsession.RemoteMessage
	for uid, msg := range box.msgs {
		if inRange(uid, r) {
			out = append(out, shape(msg, kind))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *fakeSession) FetchUIDs(ctx context.Context, uids []uint32, kind imapsession.FetchKind) ([]imapsession.RemoteMessage, error) {
	box := s.current()
	var out []imapsession.RemoteMessage
	for _, uid := range uids {
		if msg, ok := box.msgs[uid]; ok {
			out = append(out, shape(msg, kind))
		}
	}
	return out, nil
}

func (s *fakeSession) FetchChangedSince(ctx context.Context, r imapsession.UIDRange, modseq uint64) ([]imapsession.RemoteMessage, error) {
	s.changedSinceCalls++

	box := s.current()
	var out []imapsession.RemoteMessage
	for uid, msg := range box.msgs {
		if inRange(uid, r) && msg.ModSeq > modseq {
			out = append(out, shape(msg, imapsession.FetchFlags))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *fakeSession) UIDsInRange(ctx context.Context, r imapsession.UIDRange) ([]uint32, error) {
	box := s.current()
	var uids []uint32
	for uid := range box.msgs {
		if inRange(uid, r) {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func (s *fakeSession) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(timeout):
		return false, nil
	}
}

func (s *fakeSession) Close() error {
	return nil
}
