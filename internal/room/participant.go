package room

import (
	"time"
)

// Role is a participant's capability level, supplied by the surrounding
// application at join time. This subsystem only reads it.
type Role string

const (
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
	RoleAdmin  Role = "admin"
)

// CanMutate reports whether the role may submit document-changing
// operations. This is the single authorization check for every mutating
// event; external services call it through Manager.Authorize.
func (r Role) CanMutate() bool {
	return r == RoleEditor || r == RoleAdmin
}

func (r Role) valid() bool {
	switch r {
	case RoleEditor, RoleViewer, RoleAdmin:
		return true
	}
	return false
}

// Participant is one connected socket in a room. A user with several devices
// has several participants sharing a user_id.
type Participant struct {
	UserID        string
	ConnectionID  string
	Username      string
	Role          Role
	JoinedAt      time.Time
	LastHeartbeat time.Time

	quality *qualityWindow
}

// Info is the wire form of a participant for join responses and presence
// broadcasts.
type Info struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Username     string `json:"username"`
	Role         Role   `json:"role"`
}

func (p *Participant) info() Info {
	return Info{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		Username:     p.Username,
		Role:         p.Role,
	}
}

// qualityWindow keeps the most recent round-trip samples for one connection.
type qualityWindow struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newQualityWindow(size int) *qualityWindow {
	if size <= 0 {
		size = 16
	}
	return &qualityWindow{samples: make([]time.Duration, size)}
}

func (w *qualityWindow) add(rtt time.Duration) {
	w.samples[w.next] = rtt
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.filled = true
	}
}

func (w *qualityWindow) average() (time.Duration, int) {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0, 0
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		sum += w.samples[i]
	}
	return sum / time.Duration(n), n
}

// QualitySummary is one participant's aggregated connection quality, served
// on the connection-quality endpoint.
type QualitySummary struct {
	UserID       string  `json:"user_id"`
	ConnectionID string  `json:"connection_id"`
	Username     string  `json:"username"`
	Samples      int     `json:"samples"`
	AvgRTTMillis float64 `json:"avg_rtt_ms"`
	Quality      string  `json:"quality"` // good | fair | poor | unknown
}

func (p *Participant) qualitySummary() QualitySummary {
	avg, n := p.quality.average()
	s := QualitySummary{
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		Username:     p.Username,
		Samples:      n,
		AvgRTTMillis: float64(avg.Microseconds()) / 1000,
	}
	switch {
	case n == 0:
		s.Quality = "unknown"
	case avg < 100*time.Millisecond:
		s.Quality = "good"
	case avg < 400*time.Millisecond:
		s.Quality = "fair"
	default:
		s.Quality = "poor"
	}
	return s
}
