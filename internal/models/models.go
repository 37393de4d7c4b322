package models

import (
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of an event date.
const DateLayout = "2006-01-02"

type Site struct {
	ID        int64
	Latitude  float64
	Longitude float64
}

type Parameter struct {
	ID        int64
	Slug      string
	Name      string
	IsNumeric bool
	Units     string
}

type ReportStatus struct {
	ID      int64
	Slug    string
	Name    string
	IsValid bool
}

type Event struct {
	ID      int64
	SiteID  int64
	Site    *Site
	Date    time.Time
	IsValid bool
}

// Label renders the event as "<lat>, <lon> on <date>".
func (e Event) Label() string {
	var lat, lon float64
	if e.Site != nil {
		lat, lon = e.Site.Latitude, e.Site.Longitude
	}
	return formatCoord(lat) + ", " + formatCoord(lon) + " on " + e.Date.Format(DateLayout)
}

func formatCoord(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Report is one observer's submission for an event. Values is keyed by
// parameter id and never changes after creation.
type Report struct {
	ID        int64
	EventID   int64
	User      string
	StatusID  int64
	Status    *ReportStatus
	CreatedAt time.Time
	Values    map[int64]Value
}

// IsValid reports whether the report's current status lets it contribute.
func (r Report) IsValid() bool {
	return r.Status != nil && r.Status.IsValid
}

// EventResult is a materialized (event, parameter) value. ReportID names the
// report the value was taken from.
type EventResult struct {
	EventID     int64
	ParameterID int64
	ReportID    int64
	Value       Value
}
