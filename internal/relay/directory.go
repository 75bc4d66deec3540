package relay

import (
	"time"

	"github.com/1ureka/meshchat/internal/protocol"
)

// SessionInfo describes one connected WebSocket session.
type SessionInfo struct {
	Handle      string    `json:"session"`
	UserID      string    `json:"userId,omitempty"`
	Username    string    `json:"username,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	UserAgent   string    `json:"userAgent,omitempty"`
	RemoteAddr  string    `json:"remoteAddr,omitempty"`
}

func (s *SessionInfo) registered() bool { return s.UserID != "" }

// Directory indexes sessions both ways: session handle → info and user
// id → session handle. It is owned by the hub loop and not safe for
// concurrent use.
//
// A session whose user id was taken over by a newer registration is
// orphaned: it stays in the session map, is purged on its own
// disconnect and is never handed the id back. With reclaim set, the id
// returns to the newest orphan still holding it when the current holder
// leaves.
type Directory struct {
	sessions map[string]*SessionInfo
	byUser   map[string]string
	order    []string // handles in connection order
	reclaim  bool
}

// NewDirectory returns an empty directory. reclaim enables handing a
// user id back to an orphaned session.
func NewDirectory(reclaim bool) *Directory {
	return &Directory{
		sessions: make(map[string]*SessionInfo),
		byUser:   make(map[string]string),
		reclaim:  reclaim,
	}
}

// Add records a new, not yet registered session.
func (d *Directory) Add(info SessionInfo) {
	if _, ok := d.sessions[info.Handle]; ok {
		return
	}
	cp := info
	d.sessions[info.Handle] = &cp
	d.order = append(d.order, info.Handle)
}

// Get returns the session with the given handle.
func (d *Directory) Get(handle string) (SessionInfo, bool) {
	s, ok := d.sessions[handle]
	if !ok {
		return SessionInfo{}, false
	}
	return *s, true
}

// Lookup returns the handle of the session currently holding userID.
func (d *Directory) Lookup(userID string) (string, bool) {
	h, ok := d.byUser[userID]
	return h, ok
}

// HeldByOther reports whether a live session other than handle holds userID.
func (d *Directory) HeldByOther(handle, userID string) bool {
	h, ok := d.byUser[userID]
	return ok && h != handle
}

// Register binds userID and username to handle. The latest registration
// of a user id wins the index. Re-registering a session under a new id
// releases its previous id, returned as released when no other session
// took it over.
func (d *Directory) Register(handle, userID, username string) (released string) {
	s, ok := d.sessions[handle]
	if !ok {
		return ""
	}

	prev := s.UserID
	s.UserID = userID
	s.Username = username
	d.byUser[userID] = handle

	if prev != "" && prev != userID && d.unindex(handle, prev) {
		return prev
	}
	return ""
}

// Remove deletes the session. announce reports whether peers should be
// told its user left: always for a registered session, or with reclaim
// only when no live session holds the id any more.
func (d *Directory) Remove(handle string) (info SessionInfo, announce bool) {
	s, ok := d.sessions[handle]
	if !ok {
		return SessionInfo{}, false
	}
	delete(d.sessions, handle)
	for i, h := range d.order {
		if h == handle {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}

	if !s.registered() {
		return *s, false
	}
	released := d.unindex(handle, s.UserID)
	return *s, released || !d.reclaim
}

// unindex drops the userID → handle entry if it points at handle. It
// reports whether no session holds the id afterwards; an entry pointing
// at another session is left alone.
func (d *Directory) unindex(handle, userID string) bool {
	h, ok := d.byUser[userID]
	if !ok {
		return true
	}
	if h != handle {
		return false
	}
	delete(d.byUser, userID)
	if !d.reclaim {
		return true
	}

	for i := len(d.order) - 1; i >= 0; i-- {
		other := d.sessions[d.order[i]]
		if other.Handle != handle && other.UserID == userID {
			d.byUser[userID] = other.Handle
			return false
		}
	}
	return true
}

// Users lists registered sessions in connection order, skipping the
// session with handle except (pass "" to include everyone).
func (d *Directory) Users(except string) []protocol.UserSummary {
	users := make([]protocol.UserSummary, 0, len(d.order))
	for _, h := range d.order {
		s := d.sessions[h]
		if h == except || !s.registered() {
			continue
		}
		users = append(users, protocol.UserSummary{UserID: s.UserID, Username: s.Username})
	}
	return users
}

// Registered returns a copy of every registered session.
func (d *Directory) Registered() []SessionInfo {
	out := make([]SessionInfo, 0, len(d.order))
	for _, h := range d.order {
		if s := d.sessions[h]; s.registered() {
			out = append(out, *s)
		}
	}
	return out
}

// Len returns the number of live sessions, registered or not.
func (d *Directory) Len() int { return len(d.sessions) }
