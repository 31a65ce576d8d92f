package snapshot_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

func buildSnapshot() snapshot.Snapshot {
	current := snapshot.New()

	circleA := snapshot.NewCircleData("Family")
	circleA.AIDs["alice@example.com"] = struct{}{}
	circleA.AIDs["bob@example.com"] = struct{}{}
	circleA.MIDs["member-1"] = struct{}{}
	circleA.MIDs["member-2"] = struct{}{}
	current.Circles["circle-a"] = circleA

	circleB := snapshot.NewCircleData("Friends")
	circleB.AIDs["bob@example.com"] = struct{}{}
	circleB.MIDs["member-2"] = struct{}{}
	circleB.MIDs["member-3"] = struct{}{}
	current.Circles["circle-b"] = circleB

	current.MemberDetails["member-1"] = snapshot.MemberDetails{Name: "Ada"}
	current.MemberDetails["member-2"] = snapshot.MemberDetails{Name: "Grace"}
	current.MemberDetails["member-3"] = snapshot.MemberDetails{Name: "Alan"}
	return current
}

func TestMemberCircles(t *testing.T) {
	index := buildSnapshot().MemberCircles()

	expected := map[life360.MemberID][]life360.CircleID{
		"member-1": {"circle-a"},
		"member-2": {"circle-a", "circle-b"},
		"member-3": {"circle-b"},
	}
	if diff := cmp.Diff(expected, index); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	testCases := []struct {
		name             string
		removedAccounts  []life360.AccountID
		expectedCircles  []life360.CircleID
		expectedMembers  []life360.MemberID
		forgottenMembers []life360.MemberID
	}{
		{
			name:            "removing one account keeps shared circles",
			removedAccounts: []life360.AccountID{"alice@example.com"},
			expectedCircles: []life360.CircleID{"circle-a", "circle-b"},
			expectedMembers: []life360.MemberID{"member-1", "member-2", "member-3"},
		},
		{
			name:             "removing the sole account drops the circle and its members",
			removedAccounts:  []life360.AccountID{"bob@example.com"},
			expectedCircles:  []life360.CircleID{"circle-a"},
			expectedMembers:  []life360.MemberID{"member-1", "member-2"},
			forgottenMembers: []life360.MemberID{"member-3"},
		},
		{
			name:             "removing every account empties the snapshot",
			removedAccounts:  []life360.AccountID{"alice@example.com", "bob@example.com"},
			expectedCircles:  nil,
			expectedMembers:  nil,
			forgottenMembers: []life360.MemberID{"member-1", "member-2", "member-3"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			current := buildSnapshot()
			current.Prune(testCase.removedAccounts)

			if len(current.Circles) != len(testCase.expectedCircles) {
				t.Fatalf("expected %d circles, got %d", len(testCase.expectedCircles), len(current.Circles))
			}
			for _, circleID := range testCase.expectedCircles {
				if _, exists := current.Circles[circleID]; !exists {
					t.Errorf("expected circle %s to survive", circleID)
				}
			}
			for _, memberID := range testCase.expectedMembers {
				if _, exists := current.MemberDetails[memberID]; !exists {
					t.Errorf("expected member %s to survive", memberID)
				}
			}
			for _, memberID := range testCase.forgottenMembers {
				if _, exists := current.MemberDetails[memberID]; exists {
					t.Errorf("expected member %s to be forgotten", memberID)
				}
			}
		})
	}
}

func TestCloneIsolation(t *testing.T) {
	original := buildSnapshot()
	cloned := original.Clone()

	cloned.Circles["circle-a"].MIDs["member-9"] = struct{}{}
	cloned.MemberDetails["member-9"] = snapshot.MemberDetails{Name: "Ghost"}

	if _, leaked := original.Circles["circle-a"].MIDs["member-9"]; leaked {
		t.Error("clone mutation leaked into the original circle")
	}
	if _, leaked := original.MemberDetails["member-9"]; leaked {
		t.Error("clone mutation leaked into the original details")
	}
}

func TestEqual(t *testing.T) {
	base := buildSnapshot()

	if !base.Equal(buildSnapshot()) {
		t.Error("identically built snapshots should be equal")
	}

	renamed := buildSnapshot()
	renamed.Circles["circle-a"].Name = "Renamed"
	if base.Equal(renamed) {
		t.Error("renamed circle should break equality")
	}

	extraMember := buildSnapshot()
	extraMember.Circles["circle-b"].MIDs["member-4"] = struct{}{}
	if base.Equal(extraMember) {
		t.Error("extra member should break equality")
	}
}

func TestMarshalDeterministic(t *testing.T) {
	first, firstErr := snapshot.Marshal(buildSnapshot())
	if firstErr != nil {
		t.Fatalf("marshal: %v", firstErr)
	}
	second, secondErr := snapshot.Marshal(buildSnapshot())
	if secondErr != nil {
		t.Fatalf("marshal: %v", secondErr)
	}
	if !bytes.Equal(first, second) {
		t.Error("equal snapshots should marshal to identical bytes")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	original := buildSnapshot()

	body, marshalErr := snapshot.Marshal(original)
	if marshalErr != nil {
		t.Fatalf("marshal: %v", marshalErr)
	}
	decoded, unmarshalErr := snapshot.Unmarshal(body)
	if unmarshalErr != nil {
		t.Fatalf("unmarshal: %v", unmarshalErr)
	}
	if !original.Equal(decoded) {
		t.Errorf("round trip lost data: %+v", decoded)
	}
}
