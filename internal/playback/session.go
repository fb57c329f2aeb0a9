package playback

import (
	"sync"
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

// PlaySessionData is the detection state of one playback session.
// Events for a session arrive sequentially; mu also guards against the
// asynchronous marker load that may complete mid-session.
type PlaySessionData struct {
	mu sync.Mutex

	sessionID string
	userID    string
	client    string
	item      markers.Item

	// last known markers of the item, copied at session start
	known []markers.Marker
	// known has been populated (from the event or the store)
	hydrated bool

	playbackStart time.Duration
	prevPosition  time.Duration
	prevTime      time.Time

	firstJumpChecked bool
	firstJump        time.Duration
	lastJump         time.Duration
	hasLastJump      bool
	introTriggered   bool

	// position passed maxIntro with no jump, so no intro can be inferred
	introWindowClosed bool

	// maxIntro grows when a cold open pushes the intro past the default bound
	maxIntro time.Duration

	paused        bool
	pausedAt      time.Time
	rateChangedAt time.Time
	rate          float64

	noDetectionButReset bool

	startedAt    time.Time
	lastActivity time.Time
}

func newPlaySessionData(ev Event, now time.Time, cfg Config) *PlaySessionData {
	pos := ev.Position()
	s := &PlaySessionData{
		sessionID:           ev.SessionID,
		userID:              ev.UserID,
		client:              ev.Client,
		item:                ev.Item,
		playbackStart:       pos,
		prevPosition:        pos,
		prevTime:            now,
		maxIntro:            cfg.MaxIntro,
		rate:                1,
		noDetectionButReset: cfg.NoDetectionButReset,
		startedAt:           now,
		lastActivity:        now,
	}
	if ev.Markers != nil {
		s.known = append([]markers.Marker(nil), ev.Markers...)
		s.hydrated = true
	}
	return s
}

// hydrate installs markers loaded from the store unless the session already has them
func (s *PlaySessionData) hydrate(ms []markers.Marker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated {
		return
	}
	s.known = append([]markers.Marker(nil), ms...)
	s.hydrated = true
}

func (s *PlaySessionData) introRange() (start, end time.Duration, ok bool) {
	return markers.IntroRange(s.known)
}

func (s *PlaySessionData) hasIntro() bool {
	_, _, ok := s.introRange()
	return ok
}

func (s *PlaySessionData) hasAnyIntro() bool {
	return len(markers.Filter(s.known, markers.IntroKinds...)) > 0
}

func (s *PlaySessionData) creditsStart() (time.Duration, bool) {
	return markers.CreditsStart(s.known)
}

// markersResolved reports whether every marker kind is known
func (s *PlaySessionData) markersResolved() bool {
	_, hasCredits := s.creditsStart()
	return s.hasIntro() && hasCredits
}

func (s *PlaySessionData) remember(kinds []markers.Kind, ms ...markers.Marker) {
	s.known = markers.Replace(s.known, kinds, ms...)
}

// resetBaseline restarts elapsed/position bookkeeping from pos at now
func (s *PlaySessionData) resetBaseline(pos time.Duration, now time.Time) {
	s.prevPosition = pos
	s.prevTime = now
}

func (s *PlaySessionData) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		SessionID:    s.sessionID,
		UserID:       s.userID,
		Client:       s.client,
		ItemID:       s.item.ID,
		PositionMS:   s.prevPosition.Milliseconds(),
		MaxIntroMS:   s.maxIntro.Milliseconds(),
		Paused:       s.paused,
		Markers:      append([]markers.Marker(nil), s.known...),
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
	}
}
