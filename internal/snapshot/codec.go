package snapshot

import (
	"encoding/json"
	"sort"

	"github.com/circle-sync/circlesync/internal/life360"
)

// Persisted wire shape. Account and Member sets serialize as sorted arrays
// so that identical snapshots encode to byte-identical documents.

type persistedCircle struct {
	Name string   `json:"name"`
	AIDs []string `json:"aids"`
	MIDs []string `json:"mids"`
}

type persistedMemberDetails struct {
	Name          string `json:"name"`
	EntityPicture string `json:"entity_picture"`
}

type persistedSnapshot struct {
	Circles    map[string]persistedCircle        `json:"circles"`
	MemDetails map[string]persistedMemberDetails `json:"mem_details"`
}

// Marshal encodes the snapshot into its persisted JSON shape.
func Marshal(current Snapshot) ([]byte, error) {
	persisted := persistedSnapshot{
		Circles:    map[string]persistedCircle{},
		MemDetails: map[string]persistedMemberDetails{},
	}
	for circleID, circleData := range current.Circles {
		persisted.Circles[string(circleID)] = persistedCircle{
			Name: circleData.Name,
			AIDs: sortedAccountIDs(circleData.AIDs),
			MIDs: sortedMemberIDs(circleData.MIDs),
		}
	}
	for memberID, details := range current.MemberDetails {
		persisted.MemDetails[string(memberID)] = persistedMemberDetails{
			Name:          details.Name,
			EntityPicture: details.EntityPicture,
		}
	}
	return json.Marshal(persisted)
}

// Unmarshal decodes a persisted JSON document back into a Snapshot.
func Unmarshal(body []byte) (Snapshot, error) {
	persisted := persistedSnapshot{}
	if decodeErr := json.Unmarshal(body, &persisted); decodeErr != nil {
		return Snapshot{}, decodeErr
	}
	decoded := New()
	for circleID, circle := range persisted.Circles {
		circleData := NewCircleData(circle.Name)
		for _, accountID := range circle.AIDs {
			circleData.AIDs[life360.AccountID(accountID)] = struct{}{}
		}
		for _, memberID := range circle.MIDs {
			circleData.MIDs[life360.MemberID(memberID)] = struct{}{}
		}
		decoded.Circles[life360.CircleID(circleID)] = circleData
	}
	for memberID, details := range persisted.MemDetails {
		decoded.MemberDetails[life360.MemberID(memberID)] = MemberDetails{
			Name:          details.Name,
			EntityPicture: details.EntityPicture,
		}
	}
	return decoded, nil
}

func sortedAccountIDs(accountIDs map[life360.AccountID]struct{}) []string {
	sorted := make([]string, 0, len(accountIDs))
	for accountID := range accountIDs {
		sorted = append(sorted, string(accountID))
	}
	sort.Strings(sorted)
	return sorted
}

func sortedMemberIDs(memberIDs map[life360.MemberID]struct{}) []string {
	sorted := make([]string, 0, len(memberIDs))
	for memberID := range memberIDs {
		sorted = append(sorted, string(memberID))
	}
	sort.Strings(sorted)
	return sorted
}
