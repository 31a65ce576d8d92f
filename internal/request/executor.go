package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/accounts"
	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
)

const (
	defaultLimitedLoginRetries = 2
	defaultLimitedRetryDelay   = 10 * time.Second
	defaultSteadyRetryDelay    = 5 * time.Minute
	defaultRateLimitMargin     = 10 * time.Second
	defaultLongWaitThreshold   = time.Hour
	loginIssueIDPrefix         = "login_error:"
	loginIssueMessageFormat    = "Login failed for account %s; the account has been disabled. Re-enable it after updating its credentials."
	delayReasonLoginError      = "login error"
	delayReasonRateLimited     = "rate limited"
	logMessageRetryScheduled   = "request failed; will retry"
	logMessageLongWait         = "getting a server response is taking longer than expected"
	logMessageLongWaitDone     = "done trying to get a server response"
	logMessageRequestFailure   = "request failed"
	logMessageAccountRecovered = "fetching data recovered"
	logMessageAccountDisabling = "terminal login failure; disabling account"
	logMessageDisableFailed    = "could not disable account in config"
	logFieldAccount            = "account"
	logFieldContext            = "context"
	logFieldDelay              = "delay"
	logFieldDelayReason        = "reason"
	logFieldLoginRetries       = "login_retries"
	errMessageAccountFailed    = "account marked failed"
)

// ErrorKind classifies a request outcome that produced no usable result.
type ErrorKind int

const (
	// KindNone marks a successful request.
	KindNone ErrorKind = iota
	// KindNoData marks any recoverable failure with nothing usable returned.
	KindNoData
	// KindNotFound marks an authoritative "resource is gone" response.
	KindNotFound
	// KindNotModified marks an unchanged server record; callers reuse their
	// cached value.
	KindNotModified
)

// String returns a short name for logs.
func (kind ErrorKind) String() string {
	switch kind {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindNotModified:
		return "not_modified"
	default:
		return "no_data"
	}
}

// Policy selects how login and rate-limit errors are handled.
type Policy int

const (
	// PolicyLimitedLoginRetry retries login errors a bounded number of times
	// and then escalates terminally. Used for normal foreground requests.
	PolicyLimitedLoginRetry Policy = iota
	// PolicyRetry retries login errors indefinitely with a longer delay and
	// waits out rate limiting. Used for steady-state background passes.
	PolicyRetry
	// PolicySilent classifies login and rate-limit errors quietly as NoData
	// without escalation. Used for best-effort passes that will be retried.
	PolicySilent
)

// ExecutorConfig configures an Executor instance.
type ExecutorConfig struct {
	Manager             *accounts.Manager
	Dispatcher          *dispatch.Dispatcher
	Issues              *dispatch.IssueRegistry
	ConfigStore         *conf.Store
	Logger              *zap.Logger
	Clock               func() time.Time
	LimitedLoginRetries int
	LimitedRetryDelay   time.Duration
	SteadyRetryDelay    time.Duration
	RateLimitMargin     time.Duration
	LongWaitThreshold   time.Duration
}

// Executor wraps single outbound calls with retry policy, failed-signal
// racing, and online/offline status bookkeeping.
type Executor struct {
	manager     *accounts.Manager
	dispatcher  *dispatch.Dispatcher
	issues      *dispatch.IssueRegistry
	configStore *conf.Store
	logger      *zap.Logger
	clock       func() time.Time

	limitedLoginRetries int
	limitedRetryDelay   time.Duration
	steadyRetryDelay    time.Duration
	rateLimitMargin     time.Duration
	longWaitThreshold   time.Duration
}

// NewExecutor constructs an Executor from configuration values.
func NewExecutor(configuration ExecutorConfig) *Executor {
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := configuration.Clock
	if clock == nil {
		clock = time.Now
	}
	executor := &Executor{
		manager:             configuration.Manager,
		dispatcher:          configuration.Dispatcher,
		issues:              configuration.Issues,
		configStore:         configuration.ConfigStore,
		logger:              logger,
		clock:               clock,
		limitedLoginRetries: configuration.LimitedLoginRetries,
		limitedRetryDelay:   configuration.LimitedRetryDelay,
		steadyRetryDelay:    configuration.SteadyRetryDelay,
		rateLimitMargin:     configuration.RateLimitMargin,
		longWaitThreshold:   configuration.LongWaitThreshold,
	}
	if executor.limitedLoginRetries == 0 {
		executor.limitedLoginRetries = defaultLimitedLoginRetries
	}
	if executor.limitedRetryDelay == 0 {
		executor.limitedRetryDelay = defaultLimitedRetryDelay
	}
	if executor.steadyRetryDelay == 0 {
		executor.steadyRetryDelay = defaultSteadyRetryDelay
	}
	if executor.rateLimitMargin == 0 {
		executor.rateLimitMargin = defaultRateLimitMargin
	}
	if executor.longWaitThreshold == 0 {
		executor.longWaitThreshold = defaultLongWaitThreshold
	}
	return executor
}

// Execute runs the operation for the account under the given policy and
// classifies the outcome. The operation races the account's failed signal:
// if the signal fires first the operation context is cancelled and NoData is
// returned without waiting for the call to unwind.
func Execute[T any](
	ctx context.Context,
	executor *Executor,
	accountID life360.AccountID,
	policy Policy,
	message string,
	operation func(context.Context) (T, error),
) (T, ErrorKind) {
	var zero T

	session, exists := executor.manager.Session(accountID)
	if !exists || session.Failed().IsSet() {
		return zero, KindNoData
	}

	start := executor.clock()
	loginRetries := 0
	var delay time.Duration
	delayPending := false
	delayReason := ""
	warned := false

	defer func() {
		if warned {
			executor.logger.Warn(logMessageLongWaitDone, zap.String(logFieldAccount, string(accountID)))
		}
	}()

	for {
		if delayPending {
			if !warned && executor.clock().Sub(start)+delay > executor.longWaitThreshold {
				executor.logger.Warn(logMessageLongWait, zap.String(logFieldAccount, string(accountID)))
				warned = true
			}
			executor.logger.Debug(logMessageRetryScheduled,
				zap.String(logFieldAccount, string(accountID)),
				zap.String(logFieldContext, message),
				zap.String(logFieldDelayReason, delayReason),
				zap.Int(logFieldLoginRetries, loginRetries),
				zap.Duration(logFieldDelay, delay),
			)
			if !executor.sleep(ctx, session.Failed(), delay) {
				return zero, KindNoData
			}
			delayPending = false
		}

		value, operationErr := runRacing(ctx, session.Failed(), operation)
		if operationErr == nil {
			executor.setAccountStatus(accountID, session, true, message, nil)
			return value, KindNone
		}

		switch {
		case errors.Is(operationErr, context.Canceled) || errors.Is(operationErr, context.DeadlineExceeded):
			return zero, KindNoData

		case errors.Is(operationErr, errAccountFailed):
			return zero, KindNoData

		case errors.Is(operationErr, life360.ErrNotFound):
			executor.setAccountStatus(accountID, session, true, message, nil)
			return zero, KindNotFound

		case errors.Is(operationErr, life360.ErrNotModified):
			executor.setAccountStatus(accountID, session, true, message, nil)
			return zero, KindNotModified
		}

		var loginErr *life360.LoginError
		if errors.As(operationErr, &loginErr) {
			session.API.ClearSessionState()

			if policy == PolicyRetry || policy == PolicyLimitedLoginRetry && loginRetries < executor.limitedLoginRetries {
				executor.setAccountStatus(accountID, session, true, message, nil)
				if policy == PolicyRetry {
					delay = executor.steadyRetryDelay
				} else {
					delay = executor.limitedRetryDelay
				}
				delayPending = true
				delayReason = delayReasonLoginError
				loginRetries++
				continue
			}

			treatAsError := policy != PolicySilent
			executor.setAccountStatus(accountID, session, !treatAsError, message, operationErr)
			if treatAsError {
				executor.handleTerminalLoginFailure(accountID, session)
			}
			return zero, KindNoData
		}

		var rateLimitedErr *life360.RateLimitedError
		if errors.As(operationErr, &rateLimitedErr) {
			if policy == PolicyRetry {
				executor.setAccountStatus(accountID, session, true, message, nil)
				delay = rateLimitedErr.RetryAfter + executor.rateLimitMargin
				delayPending = true
				delayReason = delayReasonRateLimited
				continue
			}
			treatAsError := policy != PolicySilent
			executor.setAccountStatus(accountID, session, !treatAsError, message, operationErr)
			return zero, KindNoData
		}

		// Any other recoverable service error: record and give up this cycle.
		executor.setAccountStatus(accountID, session, false, message, operationErr)
		return zero, KindNoData
	}
}

// ExecuteNoResult runs an operation that produces no value.
func ExecuteNoResult(
	ctx context.Context,
	executor *Executor,
	accountID life360.AccountID,
	policy Policy,
	message string,
	operation func(context.Context) error,
) ErrorKind {
	_, kind := Execute(ctx, executor, accountID, policy, message, func(operationCtx context.Context) (struct{}, error) {
		return struct{}{}, operation(operationCtx)
	})
	return kind
}

var errAccountFailed = errors.New(errMessageAccountFailed)

func runRacing[T any](
	ctx context.Context,
	failed *accounts.FailedSignal,
	operation func(context.Context) (T, error),
) (T, error) {
	var zero T
	operationCtx, cancelOperation := context.WithCancel(ctx)
	defer cancelOperation()

	type outcome struct {
		value T
		err   error
	}
	resultChannel := make(chan outcome, 1)
	go func() {
		value, operationErr := operation(operationCtx)
		resultChannel <- outcome{value: value, err: operationErr}
	}()

	select {
	case <-failed.Done():
		cancelOperation()
		<-resultChannel
		return zero, errAccountFailed
	case <-ctx.Done():
		cancelOperation()
		<-resultChannel
		return zero, ctx.Err()
	case result := <-resultChannel:
		return result.value, result.err
	}
}

// sleep waits out the delay, aborting early if the context is cancelled or
// the account's failed signal fires. Returns false when the wait aborted.
func (executor *Executor) sleep(ctx context.Context, failed *accounts.FailedSignal, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-failed.Done():
		return false
	case <-timer.C:
		return true
	}
}

// setAccountStatus funnels every outcome through one deduplicated
// online/offline update. Only actual transitions emit a change signal, and
// only the transition to offline is logged at error level.
func (executor *Executor) setAccountStatus(
	accountID life360.AccountID,
	session *accounts.Session,
	online bool,
	message string,
	cause error,
) {
	if cause != nil {
		if !online && session.Online() {
			executor.logger.Error(logMessageRequestFailure,
				zap.String(logFieldAccount, string(accountID)),
				zap.String(logFieldContext, message),
				zap.Error(cause),
			)
		} else {
			executor.logger.Debug(logMessageRequestFailure,
				zap.String(logFieldAccount, string(accountID)),
				zap.String(logFieldContext, message),
				zap.Error(cause),
			)
		}
	}

	if !session.SetOnline(online) {
		return
	}
	if online {
		executor.logger.Info(logMessageAccountRecovered, zap.String(logFieldAccount, string(accountID)))
	}
	if executor.dispatcher != nil {
		executor.dispatcher.Send(dispatch.SignalAccountStatus, string(accountID))
	}
}

// handleTerminalLoginFailure latches the account's failed signal, raises a
// persistent repair issue, and disables the account in the stored config.
// The config write re-enters the config reactor; that path is idempotent.
func (executor *Executor) handleTerminalLoginFailure(accountID life360.AccountID, session *accounts.Session) {
	if session.Failed().IsSet() {
		return
	}
	session.Failed().Set()

	executor.logger.Error(logMessageAccountDisabling, zap.String(logFieldAccount, string(accountID)))
	if executor.issues != nil {
		executor.issues.Create(
			loginIssueIDPrefix+string(accountID),
			dispatch.SeverityError,
			loginIssueMessage(accountID),
		)
	}
	if executor.configStore == nil {
		return
	}
	// The config store notifies listeners synchronously; disabling from a
	// fresh goroutine keeps the reactor from re-entering the caller's lock.
	go func() {
		updateErr := executor.configStore.Update(func(options *conf.Options) {
			account, known := options.Accounts[accountID]
			if !known {
				return
			}
			account.Enabled = false
			options.Accounts[accountID] = account
		})
		if updateErr != nil {
			executor.logger.Error(logMessageDisableFailed,
				zap.String(logFieldAccount, string(accountID)),
				zap.Error(updateErr),
			)
		}
	}()
}

func loginIssueMessage(accountID life360.AccountID) string {
	return fmt.Sprintf(loginIssueMessageFormat, string(accountID))
}
