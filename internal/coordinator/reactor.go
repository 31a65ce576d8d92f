package coordinator

import (
	"maps"

	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/life360"
)

const (
	loginIssueIDPrefix          = "login_error:"
	logMessageConfigUnchanged   = "config update changed nothing material; ignoring"
	logMessageSessionsRebuilt   = "enabled account set changed; rebuilding sessions"
	logMessageSessionsRefreshed = "account credentials updated in place"
	logFieldRemovedAccounts     = "removed"
	logFieldAddedAccounts       = "added"
)

// configUpdated is the config-change reactor. It runs synchronously on the
// config store's notification path and must stay idempotent: disabling an
// account after a terminal login failure re-enters it with the already
// applied state.
func (coordinator *Coordinator) configUpdated(newOptions conf.Options) {
	coordinator.reactorMutex.Lock()
	defer coordinator.reactorMutex.Unlock()

	coordinator.stateMutex.Lock()
	oldOptions := coordinator.options
	if oldOptions.Equal(newOptions) {
		coordinator.stateMutex.Unlock()
		return
	}
	coordinator.options = newOptions.Clone()
	coordinator.stateMutex.Unlock()

	coordinator.clearResolvedIssues(oldOptions, newOptions)

	oldEnabled := oldOptions.EnabledAccounts()
	newEnabled := newOptions.EnabledAccounts()
	sameEnabledSet := maps.Equal(oldEnabled, newEnabled)
	if sameEnabledSet && oldOptions.Verbosity == newOptions.Verbosity {
		coordinator.logger.Debug(logMessageConfigUnchanged)
		return
	}

	// Accounts that stay enabled get their live capability updated in place
	// instead of being torn down and recreated.
	for accountID, account := range newEnabled {
		if _, wasEnabled := oldEnabled[accountID]; wasEnabled {
			coordinator.manager.UpdateSession(accountID, account.Authorization, newOptions.Verbosity)
		}
	}
	if sameEnabledSet {
		coordinator.logger.Debug(logMessageSessionsRefreshed)
		return
	}

	removed := make([]life360.AccountID, 0)
	for accountID := range oldEnabled {
		if _, stillEnabled := newEnabled[accountID]; !stillEnabled {
			removed = append(removed, accountID)
		}
	}
	added := make([]life360.AccountID, 0)
	for accountID := range newEnabled {
		if _, wasEnabled := oldEnabled[accountID]; !wasEnabled {
			added = append(added, accountID)
		}
	}
	coordinator.logger.Info(logMessageSessionsRebuilt,
		zap.Int(logFieldRemovedAccounts, len(removed)),
		zap.Int(logFieldAddedAccounts, len(added)),
	)

	// Quiesce: block new client requests, then cancel everything in flight
	// and wait for it to fully unwind before touching session state.
	coordinator.gate.Close()
	coordinator.clientTasks.CancelAndWait()
	coordinator.passTasks.CancelAndWait()

	coordinator.updateMutex.Lock()
	coordinator.manager.DestroySessions(removed)
	coordinator.manager.CreateSessions(newOptions, sortedConfAccountIDs(newOptions))

	// Re-establish the no-orphan invariant for the remaining accounts.
	pruned := coordinator.Snapshot().Clone()
	pruned.Prune(removed)
	coordinator.stateMutex.Lock()
	coordinator.current = pruned
	coordinator.stateMutex.Unlock()
	coordinator.updateMutex.Unlock()
	coordinator.notifySnapshotListeners(pruned)

	coordinator.Refresh(coordinator.runCtx)
	coordinator.gate.Open()
}

// clearResolvedIssues deletes login repair issues for accounts that were
// re-enabled (fresh credentials) or removed from the config entirely.
func (coordinator *Coordinator) clearResolvedIssues(oldOptions conf.Options, newOptions conf.Options) {
	if coordinator.issues == nil {
		return
	}
	for accountID, account := range newOptions.Accounts {
		if !account.Enabled {
			continue
		}
		if oldAccount, known := oldOptions.Accounts[accountID]; !known || !oldAccount.Enabled {
			coordinator.issues.Delete(loginIssueIDPrefix + string(accountID))
		}
	}
	for accountID := range oldOptions.Accounts {
		if _, stillConfigured := newOptions.Accounts[accountID]; !stillConfigured {
			coordinator.issues.Delete(loginIssueIDPrefix + string(accountID))
		}
	}
}
