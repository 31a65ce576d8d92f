package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/member"
	"github.com/circle-sync/circlesync/internal/server"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

type fakeDirectory struct {
	states         map[life360.MemberID]member.State
	refreshed      []life360.MemberID
	updateRequests []life360.MemberID
	refreshErr     error
	updateErr      error
}

func (directory *fakeDirectory) Members() []member.State {
	states := make([]member.State, 0, len(directory.states))
	for _, state := range directory.states {
		states = append(states, state)
	}
	return states
}

func (directory *fakeDirectory) Member(memberID life360.MemberID) (member.State, bool) {
	state, exists := directory.states[memberID]
	return state, exists
}

func (directory *fakeDirectory) RefreshMember(_ context.Context, memberID life360.MemberID) error {
	if _, exists := directory.states[memberID]; !exists {
		return member.ErrMemberUnknown
	}
	directory.refreshed = append(directory.refreshed, memberID)
	return directory.refreshErr
}

func (directory *fakeDirectory) RequestLocationUpdate(_ context.Context, memberID life360.MemberID) error {
	if _, exists := directory.states[memberID]; !exists {
		return member.ErrMemberUnknown
	}
	directory.updateRequests = append(directory.updateRequests, memberID)
	return directory.updateErr
}

type fakeTopology struct {
	current snapshot.Snapshot
	options conf.Options
	offline map[life360.AccountID]bool
}

func (topology *fakeTopology) Snapshot() snapshot.Snapshot { return topology.current }
func (topology *fakeTopology) Options() conf.Options       { return topology.options }
func (topology *fakeTopology) AccountOnline(accountID life360.AccountID) bool {
	return !topology.offline[accountID]
}

func locatedState(memberID life360.MemberID, name string, place string) member.State {
	return member.State{
		ID: memberID,
		Data: member.MemberData{
			Details: snapshot.MemberDetails{Name: name},
			Loc: &member.LocationData{
				Details: member.LocationDetails{
					Address:  "1 Main St",
					LastSeen: time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC),
					Places:   []string{place},
					Speed:    20,
				},
				BatteryLevel: 80,
			},
		},
		Addresses: []string{"1 Main St", "2 Main St"},
	}
}

func newTestRouter(t *testing.T, directory *fakeDirectory, topology *fakeTopology, issues *dispatch.IssueRegistry) http.Handler {
	t.Helper()
	if issues == nil {
		issues = dispatch.NewIssueRegistry()
	}
	router, routerErr := server.NewRouter(server.RouterConfig{
		Members:  directory,
		Topology: topology,
		Issues:   issues,
	})
	if routerErr != nil {
		t.Fatalf("new router: %v", routerErr)
	}
	return router
}

func performRequest(t *testing.T, router http.Handler, method string, path string) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(method, path, nil)
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if decodeErr := json.Unmarshal(recorder.Body.Bytes(), &value); decodeErr != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), decodeErr)
	}
	return value
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, &fakeDirectory{}, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/healthz")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody[map[string]string](t, recorder)
	if body["status"] != "ok" {
		t.Errorf("unexpected health payload: %v", body)
	}
}

func TestGetMember(t *testing.T) {
	drivingSpeed := 15.0
	directory := &fakeDirectory{
		states: map[life360.MemberID]member.State{
			"member-1": locatedState("member-1", "Ada", "Home"),
		},
	}
	topology := &fakeTopology{options: conf.Options{Driving: true, DrivingSpeed: &drivingSpeed}}
	router := newTestRouter(t, directory, topology, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/members/member-1")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	body := decodeBody[map[string]any](t, recorder)
	if body["name"] != "Ada" {
		t.Errorf("unexpected name: %v", body["name"])
	}
	if body["state"] != "driving" {
		t.Errorf("expected driving state above the speed threshold, got %v", body["state"])
	}
	location, isObject := body["location"].(map[string]any)
	if !isObject {
		t.Fatalf("expected a location object, got %v", body["location"])
	}
	if location["address"] != "1 Main St / 2 Main St" {
		t.Errorf("expected joined addresses, got %v", location["address"])
	}
	if location["place"] != "Home" {
		t.Errorf("unexpected place: %v", location["place"])
	}
}

func TestGetMemberNotFound(t *testing.T) {
	router := newTestRouter(t, &fakeDirectory{}, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/members/ghost")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestGetMemberWithoutLocation(t *testing.T) {
	directory := &fakeDirectory{
		states: map[life360.MemberID]member.State{
			"member-1": {
				ID: "member-1",
				Data: member.MemberData{
					Details:    snapshot.MemberDetails{Name: "Ada"},
					LocMissing: member.ReasonExplicit,
					ErrMsg:     "Location disabled: Enable location services.",
				},
			},
		},
	}
	router := newTestRouter(t, directory, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/members/member-1")
	body := decodeBody[map[string]any](t, recorder)
	if body["location_missing"] != "server_issue" {
		t.Errorf("expected server_issue reason, got %v", body["location_missing"])
	}
	if body["error_message"] != "Location disabled: Enable location services." {
		t.Errorf("unexpected error message: %v", body["error_message"])
	}
	if _, hasLocation := body["location"]; hasLocation {
		t.Error("expected no location object")
	}
}

func TestAddressDroppedWhenItRepeatsThePlace(t *testing.T) {
	state := locatedState("member-1", "Ada", "Home")
	state.Addresses = []string{"Home"}
	directory := &fakeDirectory{states: map[life360.MemberID]member.State{"member-1": state}}
	router := newTestRouter(t, directory, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/members/member-1")
	body := decodeBody[map[string]any](t, recorder)
	location := body["location"].(map[string]any)
	if _, hasAddress := location["address"]; hasAddress {
		t.Errorf("expected the address to be dropped, got %v", location["address"])
	}
}

func TestListMembers(t *testing.T) {
	directory := &fakeDirectory{
		states: map[life360.MemberID]member.State{
			"member-1": locatedState("member-1", "Ada", "Home"),
			"member-2": locatedState("member-2", "Grace", "Office"),
		},
	}
	router := newTestRouter(t, directory, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/members")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := decodeBody[[]map[string]any](t, recorder)
	if len(body) != 2 {
		t.Errorf("expected two members, got %d", len(body))
	}
}

func TestRefreshMember(t *testing.T) {
	directory := &fakeDirectory{
		states: map[life360.MemberID]member.State{
			"member-1": locatedState("member-1", "Ada", "Home"),
		},
	}
	router := newTestRouter(t, directory, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodPost, "/api/v1/members/member-1/refresh")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if len(directory.updateRequests) != 1 || len(directory.refreshed) != 1 {
		t.Errorf("expected one location update request and one refresh, got %v and %v",
			directory.updateRequests, directory.refreshed)
	}
}

func TestRefreshMemberNotFound(t *testing.T) {
	router := newTestRouter(t, &fakeDirectory{}, &fakeTopology{}, nil)

	recorder := performRequest(t, router, http.MethodPost, "/api/v1/members/ghost/refresh")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestListCircles(t *testing.T) {
	current := snapshot.New()
	circleData := snapshot.NewCircleData("Family")
	circleData.AIDs["alice@example.com"] = struct{}{}
	circleData.AIDs["bob@example.com"] = struct{}{}
	circleData.MIDs["member-1"] = struct{}{}
	current.Circles["circle-a"] = circleData

	router := newTestRouter(t, &fakeDirectory{}, &fakeTopology{current: current}, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/circles")
	body := decodeBody[[]map[string]any](t, recorder)
	if len(body) != 1 {
		t.Fatalf("expected one circle, got %d", len(body))
	}
	if body[0]["id"] != "circle-a" || body[0]["name"] != "Family" {
		t.Errorf("unexpected circle payload: %v", body[0])
	}
	accountsList := body[0]["accounts"].([]any)
	if len(accountsList) != 2 || accountsList[0] != "alice@example.com" {
		t.Errorf("expected sorted accounts, got %v", accountsList)
	}
}

func TestListAccounts(t *testing.T) {
	topology := &fakeTopology{
		options: conf.Options{
			Accounts: map[life360.AccountID]conf.Account{
				"alice@example.com": {Enabled: true},
				"bob@example.com":   {Enabled: false},
			},
		},
		offline: map[life360.AccountID]bool{"alice@example.com": true},
	}
	router := newTestRouter(t, &fakeDirectory{}, topology, nil)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/accounts")
	body := decodeBody[[]map[string]any](t, recorder)
	if len(body) != 2 {
		t.Fatalf("expected two accounts, got %d", len(body))
	}
	if body[0]["id"] != "alice@example.com" || body[0]["enabled"] != true || body[0]["online"] != false {
		t.Errorf("unexpected first account payload: %v", body[0])
	}
	if body[1]["id"] != "bob@example.com" || body[1]["enabled"] != false || body[1]["online"] != true {
		t.Errorf("unexpected second account payload: %v", body[1])
	}
}

func TestListIssues(t *testing.T) {
	issues := dispatch.NewIssueRegistry()
	issues.Create("login_error:alice@example.com", dispatch.SeverityError, "login failed")

	router := newTestRouter(t, &fakeDirectory{}, &fakeTopology{}, issues)

	recorder := performRequest(t, router, http.MethodGet, "/api/v1/issues")
	body := decodeBody[[]map[string]any](t, recorder)
	if len(body) != 1 {
		t.Fatalf("expected one issue, got %d", len(body))
	}
	if body[0]["id"] != "login_error:alice@example.com" || body[0]["severity"] != "error" {
		t.Errorf("unexpected issue payload: %v", body[0])
	}
}
