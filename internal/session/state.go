// AngelaMos | 2026
// state.go

package session

type Status int

const (
	StatusUnknown Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// State is a read-only snapshot of who is signed in on this device.
// IsAuthenticated is always User != nil.
type State struct {
	User            *User
	IsAuthenticated bool
	IsLoading       bool

	resolved bool
}

func initialState() State {
	return State{IsLoading: true}
}

func (s State) Status() Status {
	switch {
	case s.User != nil:
		return StatusAuthenticated
	case !s.resolved:
		return StatusUnknown
	default:
		return StatusUnauthenticated
	}
}

func (s State) clone() State {
	if s.User != nil {
		u := s.User.Clone()
		s.User = &u
	}
	return s
}

// resolveWith settles a check or transition on user (nil for signed out).
func resolveWith(s State, user *User) State {
	if user != nil {
		u := user.Clone()
		s.User = &u
	} else {
		s.User = nil
	}
	s.IsLoading = false
	s.resolved = true
	return s
}

func userOf(sess *ProviderSession) *User {
	if sess == nil || sess.User.ID == "" {
		return nil
	}
	u := sess.User.Clone()
	return &u
}
