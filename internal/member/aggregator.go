package member

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/circle-sync/circlesync/internal/coordinator"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/request"
	"github.com/circle-sync/circlesync/internal/snapshot"
)

const defaultUpdateInterval = 5 * time.Second

const (
	logMessageLocationIgnored      = "location update ignored"
	logMessageLocationUpdateFailed = "could not request location update"

	logFieldMemberID       = "member_id"
	logFieldIgnoredReasons = "ignored_reasons"

	messageGettingMemberFormat      = "getting member %s from circle %s"
	messageRequestingLocationFormat = "requesting location update for member %s in circle %s"

	ignoredReasonLastSeen    = "last_seen"
	ignoredReasonGPSAccuracy = "gps_accuracy"
)

// ErrMemberUnknown is returned for operations on a Member absent from the
// current snapshot.
var ErrMemberUnknown = errors.New("member not known")

// State is one Member's presentable state: the best observation across all
// of the Member's Circles plus the reasons, if any, why the latest server
// location was held back in favor of the previous one.
type State struct {
	ID             life360.MemberID
	Data           MemberData
	IgnoredReasons []string
	// Addresses holds the distinct street addresses the server has reported
	// for the current location fix, oldest first. The server tends to
	// alternate between two nearby addresses for one spot.
	Addresses []string
}

// AggregatorConfig carries the dependencies for NewAggregator.
type AggregatorConfig struct {
	Coordinator    *coordinator.Coordinator
	Dispatcher     *dispatch.Dispatcher
	Logger         *zap.Logger
	UpdateInterval time.Duration
}

// Aggregator maintains one polling loop per Member known to the snapshot.
// Each loop fans out across the Member's Circles, picks the best observation,
// and retains it for the HTTP layer. Pollers are created and torn down as
// snapshot replacements add and remove Members.
type Aggregator struct {
	coordinator    *coordinator.Coordinator
	dispatcher     *dispatch.Dispatcher
	logger         *zap.Logger
	updateInterval time.Duration

	mutex   sync.Mutex
	pollers map[life360.MemberID]*memberCoordinator

	runCtx       context.Context
	runCancel    context.CancelFunc
	refreshGroup singleflight.Group
	removeSignal func()
}

// NewAggregator builds an Aggregator from the supplied configuration,
// applying the default poll cadence when none is given.
func NewAggregator(configuration AggregatorConfig) *Aggregator {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	updateInterval := configuration.UpdateInterval
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	return &Aggregator{
		coordinator:    configuration.Coordinator,
		dispatcher:     configuration.Dispatcher,
		logger:         logger,
		updateInterval: updateInterval,
		pollers:        map[life360.MemberID]*memberCoordinator{},
	}
}

// Start subscribes to snapshot replacements and refresh signals and begins
// polling every known Member.
func (aggregator *Aggregator) Start(ctx context.Context) {
	aggregator.runCtx, aggregator.runCancel = context.WithCancel(ctx)
	if aggregator.dispatcher != nil {
		aggregator.removeSignal = aggregator.dispatcher.Subscribe(dispatch.SignalMemberRefresh, func(payload string) {
			go aggregator.handleRefreshSignal(payload)
		})
	}
	aggregator.coordinator.AddSnapshotListener(aggregator.applySnapshot)
}

// Stop tears down every poller and waits for their loops to exit.
func (aggregator *Aggregator) Stop() {
	if aggregator.removeSignal != nil {
		aggregator.removeSignal()
	}
	if aggregator.runCancel != nil {
		aggregator.runCancel()
	}
	aggregator.mutex.Lock()
	pollers := make([]*memberCoordinator, 0, len(aggregator.pollers))
	for _, poller := range aggregator.pollers {
		pollers = append(pollers, poller)
	}
	aggregator.pollers = map[life360.MemberID]*memberCoordinator{}
	aggregator.mutex.Unlock()
	for _, poller := range pollers {
		poller.cancel()
		<-poller.done
	}
}

// Member returns the retained state for one Member.
func (aggregator *Aggregator) Member(memberID life360.MemberID) (State, bool) {
	aggregator.mutex.Lock()
	poller, exists := aggregator.pollers[memberID]
	aggregator.mutex.Unlock()
	if !exists {
		return State{}, false
	}
	return poller.state(), true
}

// Members returns the retained state of every known Member, ordered by ID.
func (aggregator *Aggregator) Members() []State {
	aggregator.mutex.Lock()
	pollers := make([]*memberCoordinator, 0, len(aggregator.pollers))
	for _, poller := range aggregator.pollers {
		pollers = append(pollers, poller)
	}
	aggregator.mutex.Unlock()

	states := make([]State, 0, len(pollers))
	for _, poller := range pollers {
		states = append(states, poller.state())
	}
	sort.Slice(states, func(left int, right int) bool { return states[left].ID < states[right].ID })
	return states
}

// RefreshMember runs one immediate poll for the Member, deduplicating
// concurrent requests for the same Member.
func (aggregator *Aggregator) RefreshMember(ctx context.Context, memberID life360.MemberID) error {
	aggregator.mutex.Lock()
	poller, exists := aggregator.pollers[memberID]
	aggregator.mutex.Unlock()
	if !exists {
		return ErrMemberUnknown
	}
	_, refreshErr, _ := aggregator.refreshGroup.Do(string(memberID), func() (any, error) {
		poller.refresh(ctx)
		return nil, nil
	})
	return refreshErr
}

// RequestLocationUpdate asks the server to push a fresh location for the
// Member, trying every Circle and account until one request is accepted.
func (aggregator *Aggregator) RequestLocationUpdate(ctx context.Context, memberID life360.MemberID) error {
	currentSnapshot := aggregator.coordinator.Snapshot()
	if _, known := currentSnapshot.MemberDetails[memberID]; !known {
		return ErrMemberUnknown
	}
	for _, circleID := range currentSnapshot.MemberCircles()[memberID] {
		circleData, exists := currentSnapshot.Circles[circleID]
		if !exists {
			continue
		}
		for _, accountID := range sortedAccountIDSet(circleData.AIDs) {
			client, hasSession := aggregator.coordinator.SessionClient(accountID)
			if !hasSession {
				continue
			}
			_, errorKind := coordinator.ClientExecute(ctx, aggregator.coordinator, accountID,
				fmt.Sprintf(messageRequestingLocationFormat, memberID, circleData.Name),
				func(operationCtx context.Context) (struct{}, error) {
					return struct{}{}, client.RequestLocationUpdate(operationCtx, circleID, memberID)
				})
			if errorKind == request.KindNone {
				return nil
			}
		}
	}
	aggregator.logger.Error(logMessageLocationUpdateFailed, zap.String(logFieldMemberID, string(memberID)))
	return fmt.Errorf("location update for member %s: no account could reach the server", memberID)
}

func (aggregator *Aggregator) handleRefreshSignal(payload string) {
	if payload == "" {
		aggregator.mutex.Lock()
		memberIDs := make([]life360.MemberID, 0, len(aggregator.pollers))
		for memberID := range aggregator.pollers {
			memberIDs = append(memberIDs, memberID)
		}
		aggregator.mutex.Unlock()
		for _, memberID := range memberIDs {
			_ = aggregator.RefreshMember(aggregator.runCtx, memberID)
		}
		return
	}
	_ = aggregator.RefreshMember(aggregator.runCtx, life360.MemberID(payload))
}

// applySnapshot reconciles the poller set with the Members present in a new
// snapshot.
func (aggregator *Aggregator) applySnapshot(data snapshot.Snapshot) {
	aggregator.mutex.Lock()
	var removed []*memberCoordinator
	for memberID, poller := range aggregator.pollers {
		if _, stillKnown := data.MemberDetails[memberID]; !stillKnown {
			removed = append(removed, poller)
			delete(aggregator.pollers, memberID)
		}
	}
	for memberID, details := range data.MemberDetails {
		if _, exists := aggregator.pollers[memberID]; exists {
			continue
		}
		aggregator.pollers[memberID] = aggregator.startPoller(memberID, details)
	}
	aggregator.mutex.Unlock()

	for _, poller := range removed {
		poller.cancel()
	}
}

func (aggregator *Aggregator) startPoller(memberID life360.MemberID, details snapshot.MemberDetails) *memberCoordinator {
	pollCtx, cancel := context.WithCancel(aggregator.runCtx)
	poller := &memberCoordinator{
		aggregator: aggregator,
		memberID:   memberID,
		perCircle:  map[life360.CircleID]MemberData{},
		previous:   MemberData{Details: details},
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go poller.loop(pollCtx, aggregator.updateInterval)
	return poller
}

// circleResult is the outcome of querying one Circle for one Member.
type circleResult struct {
	data MemberData
	ok   bool
	kind request.ErrorKind
}

// memberCoordinator polls one Member across all Circles the Member belongs
// to, caches the last per-Circle observation so NOT_MODIFIED responses can
// reuse it, and retains the processed best observation.
type memberCoordinator struct {
	aggregator *Aggregator
	memberID   life360.MemberID

	mutex          sync.Mutex
	perCircle      map[life360.CircleID]MemberData
	previous       MemberData
	hasPrevious    bool
	ignoredReasons []string
	addresses      []string

	cancel context.CancelFunc
	done   chan struct{}
}

func (member *memberCoordinator) loop(ctx context.Context, interval time.Duration) {
	defer close(member.done)
	member.refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			member.refresh(ctx)
		}
	}
}

func (member *memberCoordinator) state() State {
	member.mutex.Lock()
	defer member.mutex.Unlock()
	return State{
		ID:             member.memberID,
		Data:           member.previous.Clone(),
		IgnoredReasons: append([]string(nil), member.ignoredReasons...),
		Addresses:      append([]string(nil), member.addresses...),
	}
}

// refresh performs one poll cycle: fan out across the Member's Circles,
// merge the per-Circle observations, pick the best one, and run it through
// the update filters before retaining it.
func (member *memberCoordinator) refresh(ctx context.Context) {
	currentSnapshot := member.aggregator.coordinator.Snapshot()
	details, known := currentSnapshot.MemberDetails[member.memberID]
	if !known {
		return
	}
	circleIDs := currentSnapshot.MemberCircles()[member.memberID]
	results := make([]circleResult, len(circleIDs))

	group, groupCtx := errgroup.WithContext(ctx)
	for index, circleID := range circleIDs {
		index, circleID := index, circleID
		group.Go(func() error {
			results[index] = member.fetchFromCircle(groupCtx, currentSnapshot, circleID)
			return nil
		})
	}
	_ = group.Wait()

	member.mutex.Lock()
	defer member.mutex.Unlock()

	fresh := make(map[life360.CircleID]MemberData, len(circleIDs))
	for index, circleID := range circleIDs {
		result := results[index]
		switch {
		case result.ok:
			fresh[circleID] = result.data
		case result.kind == request.KindNotFound:
			fresh[circleID] = MemberData{Details: details, LocMissing: ReasonNotFound}
		default:
			// Not modified since the last poll, or nothing reachable:
			// either way the cached observation stands in.
			if cached, cachedExists := member.perCircle[circleID]; cachedExists {
				fresh[circleID] = cached
			}
		}
	}
	if len(fresh) == 0 {
		return
	}
	member.perCircle = fresh

	observations := make([]MemberData, 0, len(fresh))
	for _, observation := range fresh {
		observations = append(observations, observation)
	}
	best := Best(observations).Clone()
	if best.Loc != nil && len(currentSnapshot.Circles) > 1 {
		best.Loc.Details.Places = mergedPlaces(fresh, currentSnapshot)
	}

	processed := member.applyUpdateFilters(best)
	member.trackAddresses(processed)
	member.previous = processed
	member.hasPrevious = true
}

// trackAddresses maintains the set of addresses reported for the current
// location fix. A new fix resets the set; a new address for the same fix is
// appended, keeping at most the two most recent. Must be called with
// member.mutex held, before member.previous is replaced.
func (member *memberCoordinator) trackAddresses(processed MemberData) {
	if processed.Loc == nil {
		member.addresses = nil
		return
	}
	address := processed.Loc.Details.Address
	sameFix := member.hasPrevious && member.previous.Loc != nil &&
		processed.Loc.Details.AtLocSince.Equal(member.previous.Loc.Details.AtLocSince)
	if !sameFix {
		member.addresses = nil
		if address != "" {
			member.addresses = []string{address}
		}
		return
	}
	if address == "" {
		return
	}
	for _, known := range member.addresses {
		if known == address {
			return
		}
	}
	member.addresses = append(member.addresses, address)
	if len(member.addresses) > 2 {
		member.addresses = member.addresses[len(member.addresses)-2:]
	}
}

// fetchFromCircle tries the Circle's accounts in order until one yields a
// definitive answer for the Member.
func (member *memberCoordinator) fetchFromCircle(ctx context.Context, currentSnapshot snapshot.Snapshot, circleID life360.CircleID) circleResult {
	circleData, exists := currentSnapshot.Circles[circleID]
	if !exists {
		return circleResult{kind: request.KindNoData}
	}
	sawNotFound := false
	for _, accountID := range sortedAccountIDSet(circleData.AIDs) {
		client, hasSession := member.aggregator.coordinator.SessionClient(accountID)
		if !hasSession {
			continue
		}
		serverMember, errorKind := coordinator.ClientExecute(ctx, member.aggregator.coordinator, accountID,
			fmt.Sprintf(messageGettingMemberFormat, member.memberID, circleData.Name),
			func(operationCtx context.Context) (life360.Member, error) {
				return client.CircleMember(operationCtx, circleID, member.memberID, true)
			})
		switch errorKind {
		case request.KindNone:
			return circleResult{data: FromServer(serverMember), ok: true}
		case request.KindNotModified:
			return circleResult{kind: request.KindNotModified}
		case request.KindNotFound:
			sawNotFound = true
		}
	}
	if sawNotFound {
		return circleResult{kind: request.KindNotFound}
	}
	return circleResult{kind: request.KindNoData}
}

// applyUpdateFilters compares a candidate observation against the retained
// one and freezes the location when the candidate's fix is older or less
// accurate than configured limits allow. Must be called with member.mutex
// held.
func (member *memberCoordinator) applyUpdateFilters(candidate MemberData) MemberData {
	if !member.hasPrevious || member.previous.Loc == nil || candidate.Loc == nil {
		member.ignoredReasons = nil
		return candidate
	}
	var reasons []string
	if candidate.Loc.Details.LastSeen.Before(member.previous.Loc.Details.LastSeen) {
		reasons = append(reasons, ignoredReasonLastSeen)
	}
	maxAccuracy := member.aggregator.coordinator.Options().MaxGPSAccuracy
	if maxAccuracy != nil && candidate.Loc.Details.GPSAccuracy > *maxAccuracy {
		reasons = append(reasons, ignoredReasonGPSAccuracy)
	}
	if len(reasons) == 0 {
		member.ignoredReasons = nil
		return candidate
	}
	if !stringSlicesEqual(reasons, member.ignoredReasons) {
		member.aggregator.logger.Warn(logMessageLocationIgnored,
			zap.String(logFieldMemberID, string(member.memberID)),
			zap.Strings(logFieldIgnoredReasons, reasons))
	}
	member.ignoredReasons = reasons
	frozen := candidate
	frozen.Loc = member.previous.Loc.Clone()
	return frozen
}

// mergedPlaces aggregates place names across Circles. A single place stays
// bare; multiple places each carry the name of the Circle that reported
// them.
func mergedPlaces(perCircle map[life360.CircleID]MemberData, currentSnapshot snapshot.Snapshot) []string {
	type placeEntry struct {
		place  string
		circle string
	}
	var entries []placeEntry
	for circleID, observation := range perCircle {
		if observation.Loc == nil {
			continue
		}
		circleName := string(circleID)
		if circleData, exists := currentSnapshot.Circles[circleID]; exists {
			circleName = circleData.Name
		}
		for _, place := range observation.Loc.Details.Places {
			entries = append(entries, placeEntry{place: place, circle: circleName})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(left int, right int) bool {
		if entries[left].circle != entries[right].circle {
			return entries[left].circle < entries[right].circle
		}
		return entries[left].place < entries[right].place
	})
	if len(entries) == 1 {
		return []string{entries[0].place}
	}
	places := make([]string, 0, len(entries))
	for _, entry := range entries {
		places = append(places, fmt.Sprintf("%s (%s)", entry.place, entry.circle))
	}
	return places
}

func sortedAccountIDSet(accountIDs map[life360.AccountID]struct{}) []life360.AccountID {
	sorted := make([]life360.AccountID, 0, len(accountIDs))
	for accountID := range accountIDs {
		sorted = append(sorted, accountID)
	}
	sort.Slice(sorted, func(left int, right int) bool { return sorted[left] < sorted[right] })
	return sorted
}

func stringSlicesEqual(left []string, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
