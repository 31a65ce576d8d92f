package life360

import "time"

// AccountID identifies one set of login credentials for the location service.
type AccountID string

// CircleID identifies a sharing Circle as reported by the service.
type CircleID string

// MemberID identifies a trackable Member within one or more Circles.
type MemberID string

// Circle is the decoded form of a raw server Circle record.
type Circle struct {
	ID   CircleID
	Name string
}

// Issues carries the server-reported explanation for missing location data.
type Issues struct {
	Title  string
	Dialog string
}

// Location is the decoded, unit-normalized form of a Member's raw location
// record. GPSAccuracy is in meters and Speed in miles per hour regardless of
// the units used on the wire.
type Location struct {
	Address         string
	AtLocSince      time.Time
	Driving         bool
	GPSAccuracy     int
	LastSeen        time.Time
	Latitude        float64
	Longitude       float64
	Place           string
	Speed           float64
	BatteryCharging bool
	BatteryLevel    int
	WifiOn          bool
}

// Member is the decoded form of a raw server Member record. Location is nil
// when the server did not include location data; SharingLocation reports
// whether the Member shares location with the queried Circle.
type Member struct {
	ID              MemberID
	Name            string
	Avatar          string
	SharingLocation bool
	Issues          Issues
	Location        *Location
}
