package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/circle-sync/circlesync/internal/accounts"
	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/request"
	"github.com/circle-sync/circlesync/internal/snapshot"
	"github.com/circle-sync/circlesync/internal/storage"
)

const (
	defaultRefreshInterval        = time.Hour
	messageGettingCircles         = "while getting Circles"
	messageGettingMembersFormat   = "while getting Members in %s Circle"
	logMessageStoreLoadFailed     = "could not load Circles & Members from storage; will wait for data from server"
	logMessageIncompleteRetrieval = "could not retrieve full Circles & Members list from server; will retry"
	logMessageRetrievalComplete   = "Circles & Members list retrieval complete"
	logMessageRetrievalCancelled  = "Circles & Members list retrieval cancelled"
	logMessageUpdateBegin         = "begin updating Circles & Members"
	logMessageUpdateDone          = "updating Circles & Members finished"
	logMessageSaveFailed          = "could not save Circles & Members to storage"
	logFieldElapsed               = "elapsed"
	logFieldCancelled             = "cancelled"
)

// Config configures a Coordinator instance.
type Config struct {
	Manager         *accounts.Manager
	Executor        *request.Executor
	Store           storage.Store
	ConfigStore     *conf.Store
	Issues          *dispatch.IssueRegistry
	Logger          *zap.Logger
	RefreshInterval time.Duration
}

// Coordinator is the Circles & Members reconciliation engine. It fans out
// fetches across every enabled account, merges the per-account views into
// one canonical snapshot, persists it, and reacts to configuration changes
// by rebuilding only the affected per-account resources.
type Coordinator struct {
	logger          *zap.Logger
	manager         *accounts.Manager
	executor        *request.Executor
	store           storage.Store
	configStore     *conf.Store
	issues          *dispatch.IssueRegistry
	refreshInterval time.Duration

	runCtx    context.Context
	runCancel context.CancelFunc

	// updateMutex serializes reconciliation passes: only one is in flight at
	// any time, and the config reactor acquires it to rebuild sessions.
	updateMutex sync.Mutex

	stateMutex        sync.RWMutex
	current           snapshot.Snapshot
	options           conf.Options
	completionPending bool

	gate        *requestGate
	passTasks   *taskGroup
	clientTasks *taskGroup

	backgroundMutex  sync.Mutex
	backgroundActive bool

	listenerMutex     sync.Mutex
	snapshotListeners []func(snapshot.Snapshot)

	reactorMutex         sync.Mutex
	removeConfigListener func()
}

// New constructs a Coordinator from configuration values.
func New(configuration Config) *Coordinator {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	refreshInterval := configuration.RefreshInterval
	if refreshInterval == 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &Coordinator{
		logger:          logger,
		manager:         configuration.Manager,
		executor:        configuration.Executor,
		store:           configuration.Store,
		configStore:     configuration.ConfigStore,
		issues:          configuration.Issues,
		refreshInterval: refreshInterval,
		current:         snapshot.New(),
		gate:            newRequestGate(),
		passTasks:       newTaskGroup(),
		clientTasks:     newTaskGroup(),
	}
}

// Start loads the persisted snapshot, creates account sessions, runs an
// initial reconciliation pass, and starts the periodic refresh task. The
// coordinator runs until Stop or until the context is cancelled.
func (coordinator *Coordinator) Start(ctx context.Context) {
	coordinator.runCtx, coordinator.runCancel = context.WithCancel(ctx)

	loaded, loadErr := coordinator.store.Load(ctx)
	coordinator.stateMutex.Lock()
	if loadErr != nil {
		coordinator.completionPending = true
	} else {
		coordinator.current = loaded
	}
	coordinator.options = coordinator.configStore.Options()
	options := coordinator.options
	coordinator.stateMutex.Unlock()
	if loadErr != nil {
		coordinator.logger.Warn(logMessageStoreLoadFailed, zap.Error(loadErr))
	}

	coordinator.manager.CreateSessions(options, sortedConfAccountIDs(options))
	coordinator.removeConfigListener = coordinator.configStore.AddListener(coordinator.configUpdated)

	coordinator.Refresh(coordinator.runCtx)

	go coordinator.periodicRefresh()
}

// Stop cancels all coordinator work and waits for in-flight tasks.
func (coordinator *Coordinator) Stop() {
	if coordinator.removeConfigListener != nil {
		coordinator.removeConfigListener()
	}
	if coordinator.runCancel != nil {
		coordinator.runCancel()
	}
	coordinator.clientTasks.CancelAndWait()
	coordinator.passTasks.CancelAndWait()
}

// Snapshot returns the current canonical snapshot. The returned value is
// replaced atomically by reconciliation passes and must be treated as
// read-only.
func (coordinator *Coordinator) Snapshot() snapshot.Snapshot {
	coordinator.stateMutex.RLock()
	defer coordinator.stateMutex.RUnlock()
	return coordinator.current
}

// Options returns the options the coordinator currently operates with.
func (coordinator *Coordinator) Options() conf.Options {
	coordinator.stateMutex.RLock()
	defer coordinator.stateMutex.RUnlock()
	return coordinator.options.Clone()
}

// AccountOnline reports an account's last known connectivity state.
func (coordinator *Coordinator) AccountOnline(accountID life360.AccountID) bool {
	return coordinator.manager.Online(accountID)
}

// SessionClient returns the live API client for an account, if the account
// has an active session.
func (coordinator *Coordinator) SessionClient(accountID life360.AccountID) (life360.Client, bool) {
	session, exists := coordinator.manager.Session(accountID)
	if !exists {
		return nil, false
	}
	return session.API, true
}

// AddSnapshotListener registers a callback invoked with every snapshot
// replacement, and immediately with the current snapshot.
func (coordinator *Coordinator) AddSnapshotListener(listener func(snapshot.Snapshot)) {
	coordinator.listenerMutex.Lock()
	coordinator.snapshotListeners = append(coordinator.snapshotListeners, listener)
	coordinator.listenerMutex.Unlock()
	listener(coordinator.Snapshot())
}

// Refresh runs one reconciliation pass. If the pass is incomplete because an
// account's Circle fetch failed, a background pass with indefinite-retry
// semantics is scheduled to fill in the gaps.
func (coordinator *Coordinator) Refresh(ctx context.Context) {
	passCtx, release := coordinator.passTasks.Track(ctx)
	defer release()

	coordinator.updateMutex.Lock()
	defer coordinator.updateMutex.Unlock()

	data, complete, passErr := coordinator.updateData(passCtx, false)
	if passErr != nil {
		coordinator.logger.Warn(logMessageRetrievalCancelled, zap.Error(passErr))
		return
	}
	coordinator.setSnapshot(data)

	if !complete {
		coordinator.stateMutex.Lock()
		coordinator.completionPending = true
		coordinator.stateMutex.Unlock()
		coordinator.logger.Warn(logMessageIncompleteRetrieval)
		coordinator.scheduleBackgroundRetry()
		return
	}
	coordinator.logRetrievalComplete()
}

func (coordinator *Coordinator) periodicRefresh() {
	ticker := time.NewTicker(coordinator.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-coordinator.runCtx.Done():
			return
		case <-ticker.C:
			coordinator.Refresh(coordinator.runCtx)
		}
	}
}

// scheduleBackgroundRetry starts one background pass that retries login and
// rate-limit errors indefinitely until a fully-successful pass happens.
func (coordinator *Coordinator) scheduleBackgroundRetry() {
	coordinator.backgroundMutex.Lock()
	if coordinator.backgroundActive {
		coordinator.backgroundMutex.Unlock()
		return
	}
	coordinator.backgroundActive = true
	coordinator.backgroundMutex.Unlock()

	go func() {
		defer func() {
			coordinator.backgroundMutex.Lock()
			coordinator.backgroundActive = false
			coordinator.backgroundMutex.Unlock()
		}()

		passCtx, release := coordinator.passTasks.Track(coordinator.runCtx)
		defer release()

		coordinator.updateMutex.Lock()
		defer coordinator.updateMutex.Unlock()

		data, _, passErr := coordinator.updateData(passCtx, true)
		if passErr != nil {
			coordinator.logger.Warn(logMessageRetrievalCancelled, zap.Error(passErr))
			return
		}
		coordinator.setSnapshot(data)
		coordinator.logRetrievalComplete()
	}()
}

// updateData performs one fetch-and-merge cycle. With retry set, login and
// rate-limit errors are waited out indefinitely; otherwise whatever data is
// reachable is collected without retrying and the pass is marked incomplete
// when any account's Circle fetch failed.
func (coordinator *Coordinator) updateData(ctx context.Context, retry bool) (snapshot.Snapshot, bool, error) {
	start := time.Now()
	coordinator.logger.Debug(logMessageUpdateBegin)
	data, complete, updateErr := coordinator.doUpdate(ctx, retry)
	coordinator.logger.Debug(logMessageUpdateDone,
		zap.Duration(logFieldElapsed, time.Since(start)),
		zap.Bool(logFieldCancelled, updateErr != nil),
	)
	return data, complete, updateErr
}

func (coordinator *Coordinator) doUpdate(ctx context.Context, retry bool) (snapshot.Snapshot, bool, error) {
	circlePolicy := request.PolicySilent
	if retry {
		circlePolicy = request.PolicyRetry
	}

	// Fan out the Circle fetch to every enabled account in parallel, keeping
	// track of which accounts can see each Circle since a Circle can be seen
	// by more than one account.
	accountIDs := coordinator.manager.AccountIDs()
	type circlesOutcome struct {
		circles []life360.Circle
		kind    request.ErrorKind
	}
	outcomes := make([]circlesOutcome, len(accountIDs))
	fanOut := new(errgroup.Group)
	for index, accountID := range accountIDs {
		index, accountID := index, accountID
		fanOut.Go(func() error {
			session, exists := coordinator.manager.Session(accountID)
			if !exists {
				outcomes[index] = circlesOutcome{kind: request.KindNoData}
				return nil
			}
			circles, kind := request.Execute(ctx, coordinator.executor, accountID, circlePolicy, messageGettingCircles,
				func(operationCtx context.Context) ([]life360.Circle, error) {
					return session.API.Circles(operationCtx)
				})
			outcomes[index] = circlesOutcome{circles: circles, kind: kind}
			return nil
		})
	}
	_ = fanOut.Wait()
	if ctx.Err() != nil {
		return snapshot.Snapshot{}, false, ctx.Err()
	}

	circleErrors := false
	circles := map[life360.CircleID]*snapshot.CircleData{}
	for index, accountID := range accountIDs {
		outcome := outcomes[index]
		if outcome.kind != request.KindNone {
			circleErrors = true
			continue
		}
		for _, rawCircle := range outcome.circles {
			circleData, exists := circles[rawCircle.ID]
			if !exists {
				circleData = snapshot.NewCircleData(rawCircle.Name)
				circles[rawCircle.ID] = circleData
			}
			circleData.AIDs[accountID] = struct{}{}
		}
	}

	// Fetch each Circle's Member roster, recording per-Member static details.
	circleIDs := make([]life360.CircleID, 0, len(circles))
	for circleID := range circles {
		circleIDs = append(circleIDs, circleID)
	}
	sort.Slice(circleIDs, func(left int, right int) bool { return circleIDs[left] < circleIDs[right] })

	rosters := make([][]life360.Member, len(circleIDs))
	rosterKinds := make([]request.ErrorKind, len(circleIDs))
	rosterFanOut := new(errgroup.Group)
	for index, circleID := range circleIDs {
		index, circleID := index, circleID
		rosterFanOut.Go(func() error {
			rosters[index], rosterKinds[index] = coordinator.fetchCircleRoster(ctx, circleID, circles[circleID])
			return nil
		})
	}
	_ = rosterFanOut.Wait()
	if ctx.Err() != nil {
		return snapshot.Snapshot{}, false, ctx.Err()
	}

	memberDetails := map[life360.MemberID]snapshot.MemberDetails{}
	for index, circleID := range circleIDs {
		if rosterKinds[index] != request.KindNone {
			continue
		}
		circleData := circles[circleID]
		for _, member := range rosters[index] {
			circleData.MIDs[member.ID] = struct{}{}
			if _, seen := memberDetails[member.ID]; !seen {
				memberDetails[member.ID] = snapshot.DetailsFromMember(member)
			}
		}
	}

	// If any account's Circle fetch failed we have not seen the full picture,
	// so fill the gaps from the previous snapshot rather than dropping
	// Circles or Members on a transient single-account failure.
	if circleErrors {
		previous := coordinator.Snapshot()
		for circleID, oldCircleData := range previous.Circles {
			if circleData, exists := circles[circleID]; exists {
				for accountID := range oldCircleData.AIDs {
					circleData.AIDs[accountID] = struct{}{}
				}
			} else {
				circles[circleID] = oldCircleData.Clone()
			}
		}
		for memberID, oldDetails := range previous.MemberDetails {
			if _, seen := memberDetails[memberID]; !seen {
				memberDetails[memberID] = oldDetails
			}
		}
	}

	data := snapshot.Snapshot{Circles: circles, MemberDetails: memberDetails}
	pruneOrphanDetails(&data)

	// The storage write is shielded from cancellation so the persisted
	// snapshot is never left partially written; a later pass simply saves
	// again with fresher data.
	if saveErr := coordinator.shieldedSave(ctx, data); saveErr != nil {
		coordinator.logger.Warn(logMessageSaveFailed, zap.Error(saveErr))
	}

	return data, !circleErrors, nil
}

// fetchCircleRoster tries each account that can see the Circle in turn until
// one returns the roster or all fail.
func (coordinator *Coordinator) fetchCircleRoster(
	ctx context.Context,
	circleID life360.CircleID,
	circleData *snapshot.CircleData,
) ([]life360.Member, request.ErrorKind) {
	message := sprintfMembersMessage(circleData.Name)
	for _, accountID := range sortedAccountIDs(circleData.AIDs) {
		session, exists := coordinator.manager.Session(accountID)
		if !exists {
			continue
		}
		members, kind := request.Execute(ctx, coordinator.executor, accountID, request.PolicyLimitedLoginRetry, message,
			func(operationCtx context.Context) ([]life360.Member, error) {
				return session.API.CircleMembers(operationCtx, circleID)
			})
		if kind == request.KindNone {
			return members, request.KindNone
		}
	}
	return nil, request.KindNoData
}

func (coordinator *Coordinator) shieldedSave(ctx context.Context, data snapshot.Snapshot) error {
	saveDone := make(chan error, 1)
	go func() {
		saveDone <- coordinator.store.Save(context.WithoutCancel(ctx), data)
	}()
	return <-saveDone
}

func (coordinator *Coordinator) setSnapshot(data snapshot.Snapshot) {
	coordinator.stateMutex.Lock()
	coordinator.current = data
	coordinator.stateMutex.Unlock()
	coordinator.notifySnapshotListeners(data)
}

func (coordinator *Coordinator) notifySnapshotListeners(data snapshot.Snapshot) {
	coordinator.listenerMutex.Lock()
	listeners := make([]func(snapshot.Snapshot), len(coordinator.snapshotListeners))
	copy(listeners, coordinator.snapshotListeners)
	coordinator.listenerMutex.Unlock()
	for _, listener := range listeners {
		listener(data)
	}
}

// logRetrievalComplete emits the one-time completion message after starting
// from an incomplete or unloadable state.
func (coordinator *Coordinator) logRetrievalComplete() {
	coordinator.stateMutex.Lock()
	pending := coordinator.completionPending
	coordinator.completionPending = false
	coordinator.stateMutex.Unlock()
	if pending {
		coordinator.logger.Warn(logMessageRetrievalComplete)
	}
}

// ClientExecute runs a member-side request through the client-request gate
// so a config-driven session rebuild can quiesce and cancel it safely.
func ClientExecute[T any](
	ctx context.Context,
	coordinator *Coordinator,
	accountID life360.AccountID,
	message string,
	operation func(context.Context) (T, error),
) (T, request.ErrorKind) {
	if gateErr := coordinator.gate.Wait(ctx); gateErr != nil {
		var zero T
		return zero, request.KindNoData
	}
	clientCtx, release := coordinator.clientTasks.Track(ctx)
	defer release()
	return request.Execute(clientCtx, coordinator.executor, accountID, request.PolicyLimitedLoginRetry, message, operation)
}

func pruneOrphanDetails(data *snapshot.Snapshot) {
	reachable := map[life360.MemberID]struct{}{}
	for _, circleData := range data.Circles {
		for memberID := range circleData.MIDs {
			reachable[memberID] = struct{}{}
		}
	}
	for memberID := range data.MemberDetails {
		if _, isReachable := reachable[memberID]; !isReachable {
			delete(data.MemberDetails, memberID)
		}
	}
}

func sprintfMembersMessage(circleName string) string {
	return fmt.Sprintf(messageGettingMembersFormat, circleName)
}

func sortedAccountIDs(accountIDs map[life360.AccountID]struct{}) []life360.AccountID {
	sorted := make([]life360.AccountID, 0, len(accountIDs))
	for accountID := range accountIDs {
		sorted = append(sorted, accountID)
	}
	sort.Slice(sorted, func(left int, right int) bool { return sorted[left] < sorted[right] })
	return sorted
}

func sortedConfAccountIDs(options conf.Options) []life360.AccountID {
	sorted := make([]life360.AccountID, 0, len(options.Accounts))
	for accountID := range options.Accounts {
		sorted = append(sorted, accountID)
	}
	sort.Slice(sorted, func(left int, right int) bool { return sorted[left] < sorted[right] })
	return sorted
}
