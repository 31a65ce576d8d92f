package accounts

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/life360"
)

const (
	accountNameFormat          = "Account %d"
	verbosityAccountIDNames    = 3
	logMessageSessionCreated   = "created account session"
	logMessageSessionDestroyed = "destroyed account session"
	logMessageSessionUpdated   = "updated account session in place"
	logFieldAccount            = "account"
)

// FailedSignal is a one-shot latch marking an account as terminally failed.
// Once set, every pending and future request for the account short-circuits.
type FailedSignal struct {
	once sync.Once
	done chan struct{}
}

// NewFailedSignal constructs an unset FailedSignal.
func NewFailedSignal() *FailedSignal {
	return &FailedSignal{done: make(chan struct{})}
}

// Set latches the signal. Subsequent calls are no-ops.
func (signal *FailedSignal) Set() {
	signal.once.Do(func() { close(signal.done) })
}

// IsSet reports whether the signal has been latched.
func (signal *FailedSignal) IsSet() bool {
	select {
	case <-signal.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal is latched, for use in
// select statements racing in-flight requests.
func (signal *FailedSignal) Done() <-chan struct{} {
	return signal.done
}

// Session bundles the long-lived per-account resources: the service client
// capability, the failed latch, and the deduplicated online state.
type Session struct {
	API    life360.Client
	failed *FailedSignal

	stateMutex sync.Mutex
	online     bool
}

// Failed returns the session's failed latch.
func (session *Session) Failed() *FailedSignal {
	return session.failed
}

// Online reports the session's last known connectivity state.
func (session *Session) Online() bool {
	session.stateMutex.Lock()
	defer session.stateMutex.Unlock()
	return session.online
}

// SetOnline records the connectivity state and reports whether it changed.
func (session *Session) SetOnline(online bool) bool {
	session.stateMutex.Lock()
	defer session.stateMutex.Unlock()
	if session.online == online {
		return false
	}
	session.online = online
	return true
}

// ClientFactory builds a service client capability for one account.
type ClientFactory func(accountID life360.AccountID, authorization string, name string, verbosity int) life360.Client

// Manager owns one Session per enabled account, creating and destroying them
// as configuration changes. It performs no requests itself.
type Manager struct {
	logger  *zap.Logger
	factory ClientFactory

	mutex    sync.Mutex
	sessions map[life360.AccountID]*Session
	order    []life360.AccountID
}

// NewManager constructs a Manager using the given client factory.
func NewManager(factory ClientFactory, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger,
		factory:  factory,
		sessions: map[life360.AccountID]*Session{},
	}
}

// CreateSessions instantiates sessions for every listed account that is
// enabled in the options. Disabled accounts are skipped entirely. Accounts
// that already have a session are left untouched.
func (manager *Manager) CreateSessions(options conf.Options, accountIDs []life360.AccountID) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	for _, accountID := range accountIDs {
		account, known := options.Accounts[accountID]
		if !known || !account.Enabled {
			continue
		}
		if _, exists := manager.sessions[accountID]; exists {
			continue
		}
		manager.order = append(manager.order, accountID)
		name := displayName(accountID, len(manager.order), options.Verbosity)
		manager.sessions[accountID] = &Session{
			API:    manager.factory(accountID, account.Authorization, name, options.Verbosity),
			failed: NewFailedSignal(),
			online: true,
		}
		manager.logger.Debug(logMessageSessionCreated, zap.String(logFieldAccount, string(accountID)))
	}
}

// DestroySessions tears down the sessions for the listed accounts. The failed
// latch is set so any request still racing the teardown aborts promptly.
func (manager *Manager) DestroySessions(accountIDs []life360.AccountID) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	for _, accountID := range accountIDs {
		session, exists := manager.sessions[accountID]
		if !exists {
			continue
		}
		session.failed.Set()
		delete(manager.sessions, accountID)
		manager.removeFromOrder(accountID)
		manager.logger.Debug(logMessageSessionDestroyed, zap.String(logFieldAccount, string(accountID)))
	}
}

// UpdateSession refreshes the live client capability in place for an account
// that stays enabled across a config change.
func (manager *Manager) UpdateSession(accountID life360.AccountID, authorization string, verbosity int) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	session, exists := manager.sessions[accountID]
	if !exists {
		return
	}
	session.API.SetAuthorization(authorization)
	session.API.SetName(displayName(accountID, manager.orderIndex(accountID)+1, verbosity))
	session.API.SetVerbosity(verbosity)
	manager.logger.Debug(logMessageSessionUpdated, zap.String(logFieldAccount, string(accountID)))
}

// Session returns the session for an account, if one exists.
func (manager *Manager) Session(accountID life360.AccountID) (*Session, bool) {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	session, exists := manager.sessions[accountID]
	return session, exists
}

// AccountIDs returns the accounts with live sessions in creation order.
func (manager *Manager) AccountIDs() []life360.AccountID {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	accountIDs := make([]life360.AccountID, len(manager.order))
	copy(accountIDs, manager.order)
	return accountIDs
}

// Online reports an account's connectivity state. Unknown accounts are
// reported online; a session created by an in-flight config update will
// correct the state once it is first used.
func (manager *Manager) Online(accountID life360.AccountID) bool {
	session, exists := manager.Session(accountID)
	if !exists {
		return true
	}
	return session.Online()
}

func (manager *Manager) orderIndex(accountID life360.AccountID) int {
	for index, orderedID := range manager.order {
		if orderedID == accountID {
			return index
		}
	}
	return 0
}

func (manager *Manager) removeFromOrder(accountID life360.AccountID) {
	for index, orderedID := range manager.order {
		if orderedID == accountID {
			manager.order = append(manager.order[:index], manager.order[index+1:]...)
			return
		}
	}
}

func displayName(accountID life360.AccountID, position int, verbosity int) string {
	if verbosity >= verbosityAccountIDNames {
		return string(accountID)
	}
	return fmt.Sprintf(accountNameFormat, position)
}
