package snapshot

import (
	"maps"
	"sort"

	"github.com/circle-sync/circlesync/internal/life360"
)

// CircleData is the canonical record for one Circle: its display name, the
// accounts that can see it, and the Members known to be in it.
type CircleData struct {
	Name string
	AIDs map[life360.AccountID]struct{}
	MIDs map[life360.MemberID]struct{}
}

// NewCircleData constructs an empty CircleData with the given display name.
func NewCircleData(name string) *CircleData {
	return &CircleData{
		Name: name,
		AIDs: map[life360.AccountID]struct{}{},
		MIDs: map[life360.MemberID]struct{}{},
	}
}

// Clone returns a deep copy.
func (circleData *CircleData) Clone() *CircleData {
	return &CircleData{
		Name: circleData.Name,
		AIDs: maps.Clone(circleData.AIDs),
		MIDs: maps.Clone(circleData.MIDs),
	}
}

// MemberDetails holds the static, rarely-changing fields of a Member.
type MemberDetails struct {
	Name          string
	EntityPicture string
}

// DetailsFromMember extracts the static fields from a decoded server Member.
func DetailsFromMember(member life360.Member) MemberDetails {
	return MemberDetails{Name: member.Name, EntityPicture: member.Avatar}
}

// Snapshot is the canonical picture of known Circles and Members produced by
// one reconciliation pass. Instances are replaced atomically, never mutated
// across a pass boundary.
//
// Invariant: every Circle has at least one account in AIDs, every Member in
// some Circle's MIDs has a MemberDetails entry, and every MemberDetails
// entry is referenced by at least one Circle.
type Snapshot struct {
	Circles       map[life360.CircleID]*CircleData
	MemberDetails map[life360.MemberID]MemberDetails
}

// New constructs an empty Snapshot.
func New() Snapshot {
	return Snapshot{
		Circles:       map[life360.CircleID]*CircleData{},
		MemberDetails: map[life360.MemberID]MemberDetails{},
	}
}

// Clone returns a deep copy.
func (current Snapshot) Clone() Snapshot {
	cloned := New()
	for circleID, circleData := range current.Circles {
		cloned.Circles[circleID] = circleData.Clone()
	}
	cloned.MemberDetails = maps.Clone(current.MemberDetails)
	return cloned
}

// MemberCircles derives the Member-to-Circles index, with Circle identifiers
// in sorted order for deterministic iteration.
func (current Snapshot) MemberCircles() map[life360.MemberID][]life360.CircleID {
	index := map[life360.MemberID][]life360.CircleID{}
	for memberID := range current.MemberDetails {
		index[memberID] = []life360.CircleID{}
	}
	for circleID, circleData := range current.Circles {
		for memberID := range circleData.MIDs {
			index[memberID] = append(index[memberID], circleID)
		}
	}
	for memberID := range index {
		circleIDs := index[memberID]
		sort.Slice(circleIDs, func(left int, right int) bool {
			return circleIDs[left] < circleIDs[right]
		})
	}
	return index
}

// Prune removes the given accounts from every Circle, then re-establishes
// the no-orphan invariant: Circles left without accounts are dropped, and
// Members no longer reachable through any remaining Circle lose their
// MemberDetails entry.
func (current *Snapshot) Prune(removedAccountIDs []life360.AccountID) {
	for circleID, circleData := range current.Circles {
		for _, accountID := range removedAccountIDs {
			delete(circleData.AIDs, accountID)
		}
		if len(circleData.AIDs) == 0 {
			delete(current.Circles, circleID)
		}
	}
	reachable := map[life360.MemberID]struct{}{}
	for _, circleData := range current.Circles {
		for memberID := range circleData.MIDs {
			reachable[memberID] = struct{}{}
		}
	}
	for memberID := range current.MemberDetails {
		if _, isReachable := reachable[memberID]; !isReachable {
			delete(current.MemberDetails, memberID)
		}
	}
}

// Equal reports whether two snapshots carry identical data.
func (current Snapshot) Equal(other Snapshot) bool {
	if len(current.Circles) != len(other.Circles) {
		return false
	}
	if !maps.Equal(current.MemberDetails, other.MemberDetails) {
		return false
	}
	for circleID, circleData := range current.Circles {
		otherData, exists := other.Circles[circleID]
		if !exists || circleData.Name != otherData.Name {
			return false
		}
		if !maps.Equal(circleData.AIDs, otherData.AIDs) || !maps.Equal(circleData.MIDs, otherData.MIDs) {
			return false
		}
	}
	return true
}
