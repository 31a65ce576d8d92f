package member

import (
	"time"

	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

const lostConnectionMessage = "The user may have lost connection to the location service."

// NoLocReason explains why a Member's location data is missing. The ordering
// matters: a higher reason sorts later, meaning it is considered the better
// observation when no location is available from any Circle.
type NoLocReason int

const (
	// ReasonNotSet means no observation has produced a reason yet.
	ReasonNotSet NoLocReason = iota
	// ReasonNotFound means the server authoritatively reported the Member
	// gone from the queried Circle.
	ReasonNotFound
	// ReasonNotSharing means the Member does not share location with the
	// queried Circle.
	ReasonNotSharing
	// ReasonUnspecified means location data was absent without explanation.
	ReasonUnspecified
	// ReasonExplicit means the server supplied a human-readable explanation.
	ReasonExplicit
)

// String returns a short name for logs and API payloads.
func (reason NoLocReason) String() string {
	switch reason {
	case ReasonNotFound:
		return "not_found"
	case ReasonNotSharing:
		return "not_sharing"
	case ReasonUnspecified:
		return "unspecified_issue"
	case ReasonExplicit:
		return "server_issue"
	default:
		return "not_set"
	}
}

// LocationDetails is one Member location observation. Places holds the place
// names where the Member might be; aggregation across Circles may produce
// more than one entry, each suffixed with its Circle's name.
type LocationDetails struct {
	Address     string
	AtLocSince  time.Time
	Driving     bool
	GPSAccuracy int
	LastSeen    time.Time
	Latitude    float64
	Longitude   float64
	Places      []string
	Speed       float64
}

// LocationData composes the location details with device state.
type LocationData struct {
	Details         LocationDetails
	BatteryCharging bool
	BatteryLevel    int
	WifiOn          bool
}

// Clone returns a deep copy.
func (locationData *LocationData) Clone() *LocationData {
	if locationData == nil {
		return nil
	}
	cloned := *locationData
	cloned.Details.Places = append([]string(nil), locationData.Details.Places...)
	return &cloned
}

// MemberData is the full ephemeral picture of one Member for one poll cycle:
// static details, the best known location if any, and the reason plus
// optional human-readable message when location is missing.
type MemberData struct {
	Details    snapshot.MemberDetails
	Loc        *LocationData
	LocMissing NoLocReason
	ErrMsg     string
}

// Clone returns a deep copy.
func (memberData MemberData) Clone() MemberData {
	cloned := memberData
	cloned.Loc = memberData.Loc.Clone()
	return cloned
}

// FromServer builds MemberData from a decoded server Member record.
func FromServer(serverMember life360.Member) MemberData {
	details := snapshot.DetailsFromMember(serverMember)

	if !serverMember.SharingLocation {
		return MemberData{Details: details, LocMissing: ReasonNotSharing}
	}

	if serverMember.Location == nil {
		if title := serverMember.Issues.Title; title != "" {
			message := title
			if dialog := serverMember.Issues.Dialog; dialog != "" {
				message = title + ": " + dialog
			}
			return MemberData{Details: details, LocMissing: ReasonExplicit, ErrMsg: message}
		}
		return MemberData{Details: details, LocMissing: ReasonUnspecified, ErrMsg: lostConnectionMessage}
	}

	location := serverMember.Location
	places := []string{}
	if location.Place != "" {
		places = append(places, location.Place)
	}
	return MemberData{
		Details: details,
		Loc: &LocationData{
			Details: LocationDetails{
				Address:     location.Address,
				AtLocSince:  location.AtLocSince,
				Driving:     location.Driving,
				GPSAccuracy: location.GPSAccuracy,
				LastSeen:    location.LastSeen,
				Latitude:    location.Latitude,
				Longitude:   location.Longitude,
				Places:      places,
				Speed:       location.Speed,
			},
			BatteryCharging: location.BatteryCharging,
			BatteryLevel:    location.BatteryLevel,
			WifiOn:          location.WifiOn,
		},
	}
}

// Less orders two observations of the same Member so that the last element
// of a sorted list is the best one to present: any observation with a valid
// location beats any without; among missing locations the more specific
// reason wins; among valid locations the more recently seen wins, and at
// equal recency an observation with a place name beats one without.
func (memberData MemberData) Less(other MemberData) bool {
	if memberData.Loc == nil {
		return other.Loc != nil || memberData.LocMissing < other.LocMissing
	}
	if other.Loc == nil {
		return false
	}
	if !memberData.Loc.Details.LastSeen.Equal(other.Loc.Details.LastSeen) {
		return memberData.Loc.Details.LastSeen.Before(other.Loc.Details.LastSeen)
	}
	return len(memberData.Loc.Details.Places) == 0 && len(other.Loc.Details.Places) > 0
}

// DrivingActive reports whether the Member counts as driving. When a speed
// threshold is configured, reaching it marks the Member driving even if the
// server's own flag is off.
func (memberData MemberData) DrivingActive(drivingSpeed *float64) bool {
	if memberData.Loc == nil {
		return false
	}
	if drivingSpeed != nil && memberData.Loc.Details.Speed >= *drivingSpeed {
		return true
	}
	return memberData.Loc.Details.Driving
}

// Best returns the best observation from a non-empty list per Less ordering.
func Best(observations []MemberData) MemberData {
	best := observations[0]
	for _, observation := range observations[1:] {
		if best.Less(observation) {
			best = observation
		}
	}
	return best
}
