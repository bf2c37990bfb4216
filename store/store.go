// Package store holds the authoritative in-memory state of one board and
// applies one validated mutation at a time. It never touches the network or
// presence; the owning hub serializes all calls, no other path may write.
package store

import (
	"sort"
	"strconv"
	"time"

	"github.com/vijeeshr/quickretro/types"
	"github.com/vijeeshr/quickretro/wire"
)

type Store struct {
	board    *types.Board
	columns  []*types.BoardColumn
	messages map[string]*types.Message
	likes    map[string]map[string]struct{} // message id -> set of liker xids

	nextOrder int64
	maxBytes  int // ceiling for a serialized outbound message envelope
	deleted   bool
	dirty     bool
}

// New builds a store from a persisted snapshot. maxBytes is the configured
// envelope byte ceiling applied to saved messages.
func New(snap *types.BoardSnapshot, maxBytes int) *Store {
	s := &Store{
		board:    snap.Board,
		columns:  snap.Columns,
		messages: make(map[string]*types.Message),
		likes:    make(map[string]map[string]struct{}),
		maxBytes: maxBytes,
	}
	for _, m := range snap.Messages {
		s.messages[m.Id] = m
		if m.Order >= s.nextOrder {
			s.nextOrder = m.Order + 1
		}
	}
	for id, likers := range snap.Likes {
		set := make(map[string]struct{}, len(likers))
		for _, xid := range likers {
			set[xid] = struct{}{}
		}
		s.likes[id] = set
	}
	return s
}

// Snapshot materializes the current state for persistence.
func (s *Store) Snapshot() *types.BoardSnapshot {
	board := *s.board
	columns := make([]*types.BoardColumn, 0, len(s.columns))
	for _, c := range s.columns {
		col := *c
		columns = append(columns, &col)
	}
	likes := make(map[string][]string, len(s.likes))
	for id, set := range s.likes {
		likers := make([]string, 0, len(set))
		for xid := range set {
			likers = append(likers, xid)
		}
		sort.Strings(likers)
		likes[id] = likers
	}
	messages := make([]*types.Message, 0, len(s.messages))
	for _, m := range s.orderedMessages() {
		msg := *m
		messages = append(messages, &msg)
	}
	return &types.BoardSnapshot{Board: &board, Columns: columns, Messages: messages, Likes: likes}
}

func (s *Store) Owner() string { return s.board.Owner }
func (s *Store) Dirty() bool   { return s.dirty }
func (s *Store) ClearDirty()   { s.dirty = false }
func (s *Store) Deleted() bool { return s.deleted }

func (s *Store) guard() error {
	if s.deleted {
		return NotFoundf("board no longer exists")
	}
	return nil
}

func (s *Store) requireOwner(by string) error {
	if by != s.board.Owner {
		return Forbiddenf("only the board owner may do this")
	}
	return nil
}

func (s *Store) column(id string) *types.BoardColumn {
	for _, c := range s.columns {
		if c.Id == id {
			return c
		}
	}
	return nil
}

func (s *Store) orderedMessages() []*types.Message {
	msgs := make([]*types.Message, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Order < msgs[j].Order })
	return msgs
}

func (s *Store) columnOccupied(id string) bool {
	for _, m := range s.messages {
		if m.Category == id {
			return true
		}
	}
	return false
}

// MessageView projects one message for a specific recipient: liked and mine
// are relative to the viewer, the nickname is withheld for anonymous cards.
func (s *Store) MessageView(m *types.Message, viewer string) wire.MessageResponse {
	nickname := m.ByNickname
	if m.Anonymous {
		nickname = ""
	}
	return wire.MessageResponse{
		Typ:        wire.TypeMessage,
		Id:         m.Id,
		ByNickname: nickname,
		Content:    m.Content,
		Category:   m.Category,
		ParentId:   m.ParentId,
		Likes:      s.likesCountString(m.Id),
		Liked:      s.HasLiked(m.Id, viewer),
		Mine:       m.By == viewer,
		Anonymous:  m.Anonymous,
	}
}

// RegisterView assembles the snapshot sent to a joining participant: board
// metadata, the column set, all messages projected for the viewer and the
// remaining countdown. The presence roster is appended by the hub, which
// owns it.
func (s *Store) RegisterView(viewer string, now time.Time) (*wire.RegisterResponse, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	messages := make([]wire.MessageResponse, 0, len(s.messages))
	for _, m := range s.orderedMessages() {
		messages = append(messages, s.MessageView(m, viewer))
	}
	return &wire.RegisterResponse{
		Typ:            wire.TypeRegister,
		BoardName:      s.board.Name,
		BoardTeam:      s.board.Team,
		BoardStatus:    s.board.Status.String(),
		BoardMasking:   s.board.Mask,
		BoardLock:      s.board.Lock,
		IsBoardOwner:   viewer == s.board.Owner,
		TimerRemaining: s.board.TimerRemaining(now),
		Columns:        s.Columns(),
		Messages:       messages,
	}, nil
}

func (s *Store) Columns() []*types.BoardColumn {
	columns := make([]*types.BoardColumn, 0, len(s.columns))
	for _, c := range s.columns {
		col := *c
		columns = append(columns, &col)
	}
	return columns
}

// SetMask toggles card masking. Owner-only; masking is presentation state,
// it never touches messages.
func (s *Store) SetMask(by string, mask bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.requireOwner(by); err != nil {
		return err
	}
	if s.board.Mask == mask {
		return Conflictf("board is already in the requested masking state")
	}
	s.board.Mask = mask
	s.dirty = true
	return nil
}

// SetLock locks or unlocks the board. Locking blocks subsequent add/update
// attempts but never discards already-persisted data.
func (s *Store) SetLock(by string, lock bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.requireOwner(by); err != nil {
		return err
	}
	if s.board.Lock == lock {
		return Conflictf("board is already in the requested lock state")
	}
	s.board.Lock = lock
	s.dirty = true
	return nil
}

// SaveMessage creates a card or comment, or updates the body of an existing
// message authored by the same participant. The serialized outbound
// envelope, including nickname and category overhead, must fit maxBytes.
func (s *Store) SaveMessage(p *wire.SaveMessage, by, nickname string) (*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if s.board.Lock {
		return nil, Conflictf("board is locked")
	}
	if p.Id == "" {
		return nil, Validationf("message id is required")
	}
	col := s.column(p.Category)
	if col == nil {
		return nil, Validationf("column %s does not exist", p.Category)
	}
	if !col.Enabled {
		return nil, Validationf("column %s is disabled", p.Category)
	}
	if p.ParentId != "" {
		parent, ok := s.messages[p.ParentId]
		if !ok {
			return nil, Validationf("parent message %s does not exist", p.ParentId)
		}
		if parent.IsComment() {
			return nil, Validationf("cannot comment on a comment")
		}
	}
	if p.Anonymous {
		nickname = ""
	}
	if err := s.checkMessageSize(p, nickname); err != nil {
		return nil, err
	}

	if existing, ok := s.messages[p.Id]; ok {
		if existing.By != by {
			return nil, Forbiddenf("cannot update someone else's message")
		}
		if existing.Category != p.Category {
			return nil, Validationf("category changes only via the category-change event")
		}
		if existing.ParentId != p.ParentId {
			return nil, Validationf("a message cannot be re-parented")
		}
		existing.Content = p.Content
		existing.Anonymous = p.Anonymous
		if !p.Anonymous {
			existing.ByNickname = nickname
		}
		s.dirty = true
		return existing, nil
	}

	msg := &types.Message{
		Id:         p.Id,
		By:         by,
		ByNickname: nickname,
		Content:    p.Content,
		Category:   p.Category,
		ParentId:   p.ParentId,
		Anonymous:  p.Anonymous,
		Order:      s.nextOrder,
	}
	s.nextOrder++
	s.messages[msg.Id] = msg
	s.dirty = true
	return msg, nil
}

// checkMessageSize measures the canonical outbound projection (zero likes,
// viewer-neutral flags) so the result is identical for every recipient.
func (s *Store) checkMessageSize(p *wire.SaveMessage, nickname string) error {
	if s.maxBytes <= 0 {
		return nil
	}
	probe := wire.MessageResponse{
		Typ:        wire.TypeMessage,
		Id:         p.Id,
		ByNickname: nickname,
		Content:    p.Content,
		Category:   p.Category,
		ParentId:   p.ParentId,
		Likes:      "0",
		Anonymous:  p.Anonymous,
	}
	data, err := wire.Encode(probe)
	if err != nil {
		return Validationf("message cannot be encoded: %s", err)
	}
	if len(data) > s.maxBytes {
		return TooLargef("message envelope is %d bytes, limit is %d", len(data), s.maxBytes)
	}
	return nil
}

// LikeMessage toggles liker-set membership idempotently and returns the new
// count. Liking twice is a no-op, never a double increment.
func (s *Store) LikeMessage(msgId, by string, like bool) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if _, ok := s.messages[msgId]; !ok {
		return 0, Validationf("message %s does not exist", msgId)
	}
	set, ok := s.likes[msgId]
	if !ok {
		set = make(map[string]struct{})
		s.likes[msgId] = set
	}
	if like {
		if _, ok := set[by]; !ok {
			set[by] = struct{}{}
			s.dirty = true
		}
	} else {
		if _, ok := set[by]; ok {
			delete(set, by)
			s.dirty = true
		}
	}
	return len(set), nil
}

func (s *Store) HasLiked(msgId, xid string) bool {
	_, ok := s.likes[msgId][xid]
	return ok
}

func (s *Store) LikesCount(msgId string) int {
	return len(s.likes[msgId])
}

// The frontend expects the like count as a string.
func (s *Store) likesCountString(msgId string) string {
	return strconv.Itoa(len(s.likes[msgId]))
}

// DeleteMessage removes a message. Only the author or the board owner may
// delete; deleting a card cascades to all of its comments. Returns the ids
// of the cascaded comments.
func (s *Store) DeleteMessage(msgId, by string) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	msg, ok := s.messages[msgId]
	if !ok {
		return nil, Validationf("message %s does not exist", msgId)
	}
	if msg.By != by && by != s.board.Owner {
		return nil, Forbiddenf("cannot delete someone else's message")
	}
	comments := make([]string, 0)
	for _, m := range s.orderedMessages() {
		if m.ParentId == msgId {
			comments = append(comments, m.Id)
		}
	}
	for _, id := range comments {
		delete(s.messages, id)
		delete(s.likes, id)
	}
	delete(s.messages, msgId)
	delete(s.likes, msgId)
	s.dirty = true
	return comments, nil
}

// DeleteAll clears all messages, comments and likes but preserves the
// column set and board metadata. Owner-only.
func (s *Store) DeleteAll(by string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.requireOwner(by); err != nil {
		return err
	}
	s.messages = make(map[string]*types.Message)
	s.likes = make(map[string]map[string]struct{})
	s.dirty = true
	return nil
}

// ChangeCategory moves a top-level card (and implicitly its comments) to
// another column. Only the author or the owner may move a card.
func (s *Store) ChangeCategory(p *wire.CategoryChange, by string) (*types.Message, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	msg, ok := s.messages[p.MessageId]
	if !ok {
		return nil, Validationf("message %s does not exist", p.MessageId)
	}
	if msg.IsComment() {
		return nil, Validationf("comments cannot change category")
	}
	if msg.By != by && by != s.board.Owner {
		return nil, Forbiddenf("cannot move someone else's message")
	}
	if p.OldCategory != "" && msg.Category != p.OldCategory {
		return nil, Conflictf("message is no longer in column %s", p.OldCategory)
	}
	col := s.column(p.NewCategory)
	if col == nil {
		return nil, Validationf("column %s does not exist", p.NewCategory)
	}
	if !col.Enabled {
		return nil, Conflictf("column %s is disabled", p.NewCategory)
	}
	msg.Category = p.NewCategory
	s.dirty = true
	return msg, nil
}

// SetTimer starts a countdown of the given seconds, 0 stops it. Owner-only.
// Returns the remaining seconds broadcast to all participants.
func (s *Store) SetTimer(by string, seconds int64, now time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	if err := s.requireOwner(by); err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, Validationf("timer seconds cannot be negative")
	}
	if seconds == 0 {
		s.board.TimerExpiresAtUtc = 0
		s.dirty = true
		return 0, nil
	}
	s.board.TimerExpiresAtUtc = now.UTC().Unix() + seconds
	s.dirty = true
	return seconds, nil
}

// ChangeColumns replaces the column set. Owner-only. The new set must have
// 1 to 5 columns with unique ids, at least one enabled, and may not drop or
// disable a column that still has messages attached.
func (s *Store) ChangeColumns(by string, cols []types.BoardColumn) ([]*types.BoardColumn, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if err := s.requireOwner(by); err != nil {
		return nil, err
	}
	next, err := ValidateColumns(cols)
	if err != nil {
		return nil, err
	}
	byId := make(map[string]*types.BoardColumn, len(next))
	for _, c := range next {
		byId[c.Id] = c
	}
	for _, old := range s.columns {
		if !s.columnOccupied(old.Id) {
			continue
		}
		replacement, ok := byId[old.Id]
		if !ok {
			return nil, Conflictf("column %s still has messages and cannot be removed", old.Id)
		}
		if !replacement.Enabled {
			return nil, Conflictf("column %s still has messages and cannot be disabled", old.Id)
		}
	}
	s.columns = next
	s.dirty = true
	return s.Columns(), nil
}

// ValidateColumns checks the structural column invariants and assigns dense
// positions (1..n over enabled columns, in the order given). Shared with
// the board-creation handler.
func ValidateColumns(cols []types.BoardColumn) ([]*types.BoardColumn, error) {
	if len(cols) == 0 {
		return nil, Validationf("at least one column is required")
	}
	if len(cols) > types.MaxColumns {
		return nil, Conflictf("at most %d columns are allowed", types.MaxColumns)
	}
	seen := make(map[string]struct{}, len(cols))
	enabled := 0
	next := make([]*types.BoardColumn, 0, len(cols))
	pos := 0
	for i := range cols {
		c := cols[i]
		if c.Id == "" {
			return nil, Validationf("column id is required")
		}
		if _, ok := seen[c.Id]; ok {
			return nil, Validationf("duplicate column id %s", c.Id)
		}
		seen[c.Id] = struct{}{}
		if c.Enabled {
			enabled++
			pos++
			c.Position = pos
		} else {
			c.Position = 0
		}
		next = append(next, &c)
	}
	if enabled == 0 {
		return nil, Conflictf("at least one column must remain enabled")
	}
	return next, nil
}

// DeleteBoard marks the board terminal. Owner-only unless forced by the
// expiry sweep. No further mutations are accepted afterwards.
func (s *Store) DeleteBoard(by string, force bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !force {
		if err := s.requireOwner(by); err != nil {
			return err
		}
	}
	s.deleted = true
	s.dirty = true
	return nil
}
