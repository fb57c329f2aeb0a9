package playback

import (
	"time"

	"github.com/saltyorg/markerplow/internal/markers"
)

// Group is the marker family an update writes
type Group string

const (
	GroupIntro   Group = "intro"
	GroupCredits Group = "credits"
)

// Kinds returns the marker kinds written by an update of g
func (g Group) Kinds() []markers.Kind {
	if g == GroupCredits {
		return markers.CreditsKinds
	}
	return markers.IntroKinds
}

// trigger is a boundary observed by the state machine
type trigger struct {
	group   Group
	markers []markers.Marker
}

func introTrigger(start, end time.Duration) trigger {
	return trigger{group: GroupIntro, markers: markers.Intro(start, end)}
}

func creditsTrigger(start time.Duration) trigger {
	return trigger{group: GroupCredits, markers: []markers.Marker{markers.Credits(start)}}
}

// timeUpdate advances the position bookkeeping and runs jump detection
func (s *PlaySessionData) timeUpdate(pos time.Duration, now time.Time, cfg Config) []trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	defer s.resetBaseline(pos, now)
	if s.paused || s.introTriggered || s.introWindowClosed || s.hasIntro() {
		return nil
	}

	elapsed := max(now.Sub(s.prevTime), 0)
	expected := time.Duration(float64(elapsed) * s.rate)
	moved := pos - s.prevPosition
	jump := absDuration(moved)-expected > cfg.JumpSlack

	if jump && moved > 0 && !s.firstJumpChecked && s.prevPosition < s.maxIntro {
		s.firstJumpChecked = true
		// Cold open: the viewer watched the teaser from the top and then skipped the intro
		if s.playbackStart < cfg.EarlyStart && s.prevPosition > cfg.MinOpeningPlot &&
			pos < s.maxIntro+s.prevPosition {
			s.firstJump = s.prevPosition
			s.maxIntro += s.prevPosition
		}
	}

	if pos < s.maxIntro {
		if jump {
			s.lastJump = pos
			s.hasLastJump = true
		}
		return nil
	}

	if !s.hasLastJump {
		// Played past the bound without skipping anything
		s.introWindowClosed = true
		return nil
	}
	s.introTriggered = true

	var start time.Duration
	if s.firstJump > cfg.MinOpeningPlot {
		start = s.firstJump
	}
	end := s.lastJump
	if end <= start {
		return nil
	}
	t := introTrigger(start, end)
	s.remember(markers.IntroKinds, t.markers...)
	return []trigger{t}
}

func (s *PlaySessionData) pause(pos time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	s.paused = true
	s.pausedAt = now
	s.resetBaseline(pos, now)
}

func (s *PlaySessionData) rateChange(pos time.Duration, rate float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	s.rateChangedAt = now
	if rate > 0 {
		s.rate = rate
	}
	s.resetBaseline(pos, now)
}

// unpause applies the pause marking rules: a short deliberate pause near a
// boundary moves that boundary to the resume position.
func (s *PlaySessionData) unpause(pos time.Duration, now time.Time, cfg Config) []trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
	defer s.resetBaseline(pos, now)

	if !s.paused {
		return nil
	}
	gap := now.Sub(s.pausedAt)
	minGap := cfg.PauseMin
	if !s.rateChangedAt.IsZero() && !s.rateChangedAt.Before(s.pausedAt) {
		minGap = cfg.PauseMinRateChange
	}
	s.paused = false
	s.pausedAt = time.Time{}

	if gap < minGap || gap > cfg.PauseMax {
		return nil
	}

	var out []trigger
	if start, end, ok := s.introRange(); ok {
		diff := pos - end
		if pos < max(s.maxIntro, end) && (diff > cfg.IntroEndTolerance || diff < -cfg.IntroEndTolerance) && pos > start {
			out = append(out, introTrigger(start, pos))
		}
	} else if !s.hasAnyIntro() && s.noDetectionButReset && pos > 0 && pos < s.maxIntro {
		out = append(out, introTrigger(0, pos))
	}

	runtime := s.item.Runtime
	_, hasCredits := s.creditsStart()
	if runtime > 0 && pos >= runtime-cfg.MaxCredits && pos < runtime && (hasCredits || s.noDetectionButReset) {
		out = append(out, creditsTrigger(pos))
	}

	for _, t := range out {
		s.remember(t.group.Kinds(), t.markers...)
	}
	return out
}

// stop records a credits boundary when playback ends inside the credits window
// of an item without one.
func (s *PlaySessionData) stop(pos time.Duration, now time.Time, cfg Config) []trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now

	if pos <= 0 {
		pos = s.prevPosition
	}
	if _, ok := s.creditsStart(); ok {
		return nil
	}
	runtime := s.item.Runtime
	if runtime <= 0 || pos < runtime-cfg.MaxCredits || runtime-pos <= 0 {
		return nil
	}
	t := creditsTrigger(pos)
	s.remember(markers.CreditsKinds, t.markers...)
	return []trigger{t}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
