package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/member"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

const (
	healthRoutePath        = "/healthz"
	membersRoutePath       = "/api/v1/members"
	memberRoutePath        = "/api/v1/members/:mid"
	memberRefreshRoutePath = "/api/v1/members/:mid/refresh"
	circlesRoutePath       = "/api/v1/circles"
	accountsRoutePath      = "/api/v1/accounts"
	issuesRoutePath        = "/api/v1/issues"

	memberIDParameter = "mid"

	healthStatusKey = "status"
	healthStatusOK  = "ok"
	errorKey        = "error"

	errorMessageMemberUnknown = "member not known"
	errorMessageRefreshFailed = "refresh failed"

	logMessageRefreshFailure = "member refresh failure"
	logFieldMemberID         = "member_id"

	addressSeparator   = " / "
	placeSeparator     = ", "
	memberStateDriving = "driving"

	ginModeRelease = "release"
)

// MemberDirectory provides the per-Member state the API serves and the
// operations a client can trigger on a Member.
type MemberDirectory interface {
	Members() []member.State
	Member(memberID life360.MemberID) (member.State, bool)
	RefreshMember(ctx context.Context, memberID life360.MemberID) error
	RequestLocationUpdate(ctx context.Context, memberID life360.MemberID) error
}

// TopologyProvider exposes the reconciled Circle topology and account state.
type TopologyProvider interface {
	Snapshot() snapshot.Snapshot
	Options() conf.Options
	AccountOnline(accountID life360.AccountID) bool
}

// IssueLister exposes the outstanding repair issues.
type IssueLister interface {
	List() []dispatch.Issue
}

// RouterConfig configures the HTTP routing for the service API.
type RouterConfig struct {
	Members  MemberDirectory
	Topology TopologyProvider
	Issues   IssueLister
	Logger   *zap.Logger
}

// NewRouter constructs a Gin engine serving the member, circle, account and
// issue endpoints plus a health probe.
func NewRouter(configuration RouterConfig) (*gin.Engine, error) {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(ginModeRelease)
	engine := gin.New()
	engine.Use(gin.Recovery())

	handler := apiHandler{
		members:  configuration.Members,
		topology: configuration.Topology,
		issues:   configuration.Issues,
		logger:   logger,
	}

	engine.GET(healthRoutePath, handler.healthStatus)
	engine.GET(membersRoutePath, handler.listMembers)
	engine.GET(memberRoutePath, handler.getMember)
	engine.POST(memberRefreshRoutePath, handler.refreshMember)
	engine.GET(circlesRoutePath, handler.listCircles)
	engine.GET(accountsRoutePath, handler.listAccounts)
	engine.GET(issuesRoutePath, handler.listIssues)

	return engine, nil
}

type apiHandler struct {
	members  MemberDirectory
	topology TopologyProvider
	issues   IssueLister
	logger   *zap.Logger
}

type locationPayload struct {
	Address         string    `json:"address,omitempty"`
	AtLocSince      time.Time `json:"at_loc_since"`
	Driving         bool      `json:"driving"`
	GPSAccuracy     int       `json:"gps_accuracy"`
	LastSeen        time.Time `json:"last_seen"`
	Latitude        float64   `json:"latitude"`
	Longitude       float64   `json:"longitude"`
	Place           string    `json:"place,omitempty"`
	Speed           float64   `json:"speed"`
	BatteryCharging bool      `json:"battery_charging"`
	BatteryLevel    int       `json:"battery_level"`
	WifiOn          bool      `json:"wifi_on"`
}

type memberPayload struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	EntityPicture   string           `json:"entity_picture,omitempty"`
	State           string           `json:"state,omitempty"`
	Location        *locationPayload `json:"location,omitempty"`
	LocationMissing string           `json:"location_missing,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	IgnoredReasons  []string         `json:"ignored_update_reasons,omitempty"`
}

type circlePayload struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Accounts []string `json:"accounts"`
	Members  []string `json:"members"`
}

type accountPayload struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Online  bool   `json:"online"`
}

type issuePayload struct {
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (handler apiHandler) healthStatus(ginContext *gin.Context) {
	ginContext.JSON(http.StatusOK, map[string]string{healthStatusKey: healthStatusOK})
}

func (handler apiHandler) listMembers(ginContext *gin.Context) {
	options := handler.topology.Options()
	states := handler.members.Members()
	payloads := make([]memberPayload, 0, len(states))
	for _, state := range states {
		payloads = append(payloads, buildMemberPayload(state, options))
	}
	ginContext.JSON(http.StatusOK, payloads)
}

func (handler apiHandler) getMember(ginContext *gin.Context) {
	memberID := life360.MemberID(ginContext.Param(memberIDParameter))
	state, exists := handler.members.Member(memberID)
	if !exists {
		ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageMemberUnknown})
		return
	}
	ginContext.JSON(http.StatusOK, buildMemberPayload(state, handler.topology.Options()))
}

// refreshMember asks the server to push a new location for the Member and
// then polls once so the response reflects the freshest data available.
func (handler apiHandler) refreshMember(ginContext *gin.Context) {
	memberID := life360.MemberID(ginContext.Param(memberIDParameter))
	requestCtx := ginContext.Request.Context()

	if updateErr := handler.members.RequestLocationUpdate(requestCtx, memberID); updateErr != nil {
		if errors.Is(updateErr, member.ErrMemberUnknown) {
			ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageMemberUnknown})
			return
		}
		handler.logger.Warn(logMessageRefreshFailure,
			zap.String(logFieldMemberID, string(memberID)), zap.Error(updateErr))
	}
	if refreshErr := handler.members.RefreshMember(requestCtx, memberID); refreshErr != nil {
		if errors.Is(refreshErr, member.ErrMemberUnknown) {
			ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageMemberUnknown})
			return
		}
		ginContext.JSON(http.StatusBadGateway, gin.H{errorKey: errorMessageRefreshFailed})
		return
	}

	state, exists := handler.members.Member(memberID)
	if !exists {
		ginContext.JSON(http.StatusNotFound, gin.H{errorKey: errorMessageMemberUnknown})
		return
	}
	ginContext.JSON(http.StatusOK, buildMemberPayload(state, handler.topology.Options()))
}

func (handler apiHandler) listCircles(ginContext *gin.Context) {
	currentSnapshot := handler.topology.Snapshot()
	payloads := make([]circlePayload, 0, len(currentSnapshot.Circles))
	for circleID, circleData := range currentSnapshot.Circles {
		payloads = append(payloads, circlePayload{
			ID:       string(circleID),
			Name:     circleData.Name,
			Accounts: accountIDStrings(circleData.AIDs),
			Members:  memberIDStrings(circleData.MIDs),
		})
	}
	sort.Slice(payloads, func(left int, right int) bool { return payloads[left].ID < payloads[right].ID })
	ginContext.JSON(http.StatusOK, payloads)
}

func (handler apiHandler) listAccounts(ginContext *gin.Context) {
	options := handler.topology.Options()
	payloads := make([]accountPayload, 0, len(options.Accounts))
	for accountID, account := range options.Accounts {
		payloads = append(payloads, accountPayload{
			ID:      string(accountID),
			Enabled: account.Enabled,
			Online:  handler.topology.AccountOnline(accountID),
		})
	}
	sort.Slice(payloads, func(left int, right int) bool { return payloads[left].ID < payloads[right].ID })
	ginContext.JSON(http.StatusOK, payloads)
}

func (handler apiHandler) listIssues(ginContext *gin.Context) {
	issues := handler.issues.List()
	payloads := make([]issuePayload, 0, len(issues))
	for _, issue := range issues {
		payloads = append(payloads, issuePayload{
			ID:        issue.ID,
			Severity:  string(issue.Severity),
			Message:   issue.Message,
			CreatedAt: issue.CreatedAt,
		})
	}
	ginContext.JSON(http.StatusOK, payloads)
}

// buildMemberPayload renders one Member's state. The address joins the
// recent addresses of the current fix and is dropped entirely when it
// repeats the place name. Driving applies the configured speed threshold.
func buildMemberPayload(state member.State, options conf.Options) memberPayload {
	payload := memberPayload{
		ID:             string(state.ID),
		Name:           state.Data.Details.Name,
		EntityPicture:  state.Data.Details.EntityPicture,
		IgnoredReasons: state.IgnoredReasons,
	}
	if state.Data.Loc == nil {
		payload.LocationMissing = state.Data.LocMissing.String()
		payload.ErrorMessage = state.Data.ErrMsg
		return payload
	}

	details := state.Data.Loc.Details
	place := strings.Join(details.Places, placeSeparator)
	address := strings.Join(state.Addresses, addressSeparator)
	if address == "" {
		address = details.Address
	}
	if address == place {
		address = ""
	}

	driving := state.Data.DrivingActive(options.DrivingSpeed)
	if options.Driving && driving {
		payload.State = memberStateDriving
	}

	payload.Location = &locationPayload{
		Address:         address,
		AtLocSince:      details.AtLocSince,
		Driving:         driving,
		GPSAccuracy:     details.GPSAccuracy,
		LastSeen:        details.LastSeen,
		Latitude:        details.Latitude,
		Longitude:       details.Longitude,
		Place:           place,
		Speed:           details.Speed,
		BatteryCharging: state.Data.Loc.BatteryCharging,
		BatteryLevel:    state.Data.Loc.BatteryLevel,
		WifiOn:          state.Data.Loc.WifiOn,
	}
	return payload
}

func accountIDStrings(accountIDs map[life360.AccountID]struct{}) []string {
	values := make([]string, 0, len(accountIDs))
	for accountID := range accountIDs {
		values = append(values, string(accountID))
	}
	sort.Strings(values)
	return values
}

func memberIDStrings(memberIDs map[life360.MemberID]struct{}) []string {
	values := make([]string, 0, len(memberIDs))
	for memberID := range memberIDs {
		values = append(values, string(memberID))
	}
	sort.Strings(values)
	return values
}
