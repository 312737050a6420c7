// Package usage records finished conversation sessions and aggregates them
// per day for the statistics view.
package usage

import (
	"errors"
	"sort"
	"sync"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	DefaultDays = 30
	MaxDays     = 90
)

var ErrInvalidEvent = errors.New("invalid usage event")

// Event describes one finished session.
type Event struct {
	UserID          string    `json:"user_id"`
	ScenarioID      int       `json:"scenario_id"`
	Level           int       `json:"level"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

func (e Event) Validate() error {
	if e.UserID == "" || e.StartedAt.IsZero() || e.DurationSeconds < 0 {
		return ErrInvalidEvent
	}
	return nil
}

type DayStat struct {
	Date     string  `json:"date"`
	Sessions int     `json:"sessions"`
	Minutes  float64 `json:"minutes"`
}

type bucket struct {
	sessions int
	seconds  float64
}

// Recorder aggregates events per user and UTC day.
type Recorder struct {
	mu    sync.Mutex
	users map[string]map[string]*bucket
}

func NewRecorder() *Recorder {
	return &Recorder{users: make(map[string]map[string]*bucket)}
}

func (r *Recorder) Add(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	day := e.StartedAt.UTC().Format(dateLayout)
	r.mu.Lock()
	defer r.mu.Unlock()
	days, ok := r.users[e.UserID]
	if !ok {
		days = make(map[string]*bucket)
		r.users[e.UserID] = days
	}
	b, ok := days[day]
	if !ok {
		b = new(bucket)
		days[day] = b
	}
	b.sessions++
	b.seconds += e.DurationSeconds
	return nil
}

// Stats returns one entry per day for the last days days ending at now,
// oldest first. Days without sessions are zero.
func (r *Recorder) Stats(userID string, days int, now time.Time) []DayStat {
	days = ClampDays(days)
	end := now.UTC().Truncate(24 * time.Hour)
	out := make([]DayStat, 0, days)

	r.mu.Lock()
	defer r.mu.Unlock()
	user := r.users[userID]
	for i := days - 1; i >= 0; i-- {
		date := end.AddDate(0, 0, -i).Format(dateLayout)
		st := DayStat{Date: date}
		if b, ok := user[date]; ok {
			st.Sessions = b.sessions
			st.Minutes = roundMinutes(b.seconds)
		}
		out = append(out, st)
	}
	return out
}

// Totals sums a stats window.
func Totals(stats []DayStat) (sessions int, minutes float64) {
	for _, s := range stats {
		sessions += s.Sessions
		minutes += s.Minutes
	}
	return sessions, roundMinutes(minutes * 60)
}

// Users lists users with recorded sessions, sorted.
func (r *Recorder) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.users))
	for id := range r.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClampDays keeps a window in [1, MaxDays]; non-positive means DefaultDays.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return DefaultDays
	case days > MaxDays:
		return MaxDays
	default:
		return days
	}
}

func roundMinutes(seconds float64) float64 {
	return float64(int64(seconds/60*100+0.5)) / 100
}
