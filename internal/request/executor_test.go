package request_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/circle-sync/circlesync/internal/accounts"
	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/request"
)

const testAccountID = life360.AccountID("alice@example.com")

type recordingClient struct {
	clearedCalls int
}

func (client *recordingClient) Circles(context.Context) ([]life360.Circle, error) { return nil, nil }
func (client *recordingClient) CircleMembers(context.Context, life360.CircleID) ([]life360.Member, error) {
	return nil, nil
}
func (client *recordingClient) CircleMember(context.Context, life360.CircleID, life360.MemberID, bool) (life360.Member, error) {
	return life360.Member{}, nil
}
func (client *recordingClient) RequestLocationUpdate(context.Context, life360.CircleID, life360.MemberID) error {
	return nil
}
func (client *recordingClient) SetAuthorization(string) {}
func (client *recordingClient) SetName(string)          {}
func (client *recordingClient) SetVerbosity(int)        {}
func (client *recordingClient) ClearSessionState()      { client.clearedCalls++ }

type executorFixture struct {
	executor    *request.Executor
	manager     *accounts.Manager
	issues      *dispatch.IssueRegistry
	configStore *conf.Store
	client      *recordingClient
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()

	client := &recordingClient{}
	manager := accounts.NewManager(func(life360.AccountID, string, string, int) life360.Client {
		return client
	}, nil)

	configStore := conf.NewStore(filepath.Join(t.TempDir(), "config.json"), nil)
	options := conf.Options{
		Accounts: map[life360.AccountID]conf.Account{
			testAccountID: {Authorization: "token", Enabled: true},
		},
	}
	if saveErr := configStore.Save(options); saveErr != nil {
		t.Fatalf("save config: %v", saveErr)
	}
	manager.CreateSessions(options, []life360.AccountID{testAccountID})

	issues := dispatch.NewIssueRegistry()
	executor := request.NewExecutor(request.ExecutorConfig{
		Manager:             manager,
		Issues:              issues,
		ConfigStore:         configStore,
		LimitedLoginRetries: 1,
		LimitedRetryDelay:   time.Millisecond,
		SteadyRetryDelay:    time.Millisecond,
		RateLimitMargin:     time.Millisecond,
	})

	return &executorFixture{
		executor:    executor,
		manager:     manager,
		issues:      issues,
		configStore: configStore,
		client:      client,
	}
}

// scriptedOperation returns each error in sequence, then succeeds.
func scriptedOperation(value string, operationErrs ...error) func(context.Context) (string, error) {
	remaining := operationErrs
	return func(context.Context) (string, error) {
		if len(remaining) == 0 {
			return value, nil
		}
		next := remaining[0]
		remaining = remaining[1:]
		if next == nil {
			return value, nil
		}
		return "", next
	}
}

func TestExecuteSuccess(t *testing.T) {
	fixture := newExecutorFixture(t)

	value, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "fetching circles", scriptedOperation("payload"))

	if kind != request.KindNone {
		t.Fatalf("expected KindNone, got %v", kind)
	}
	if value != "payload" {
		t.Errorf("expected the operation value, got %q", value)
	}
}

func TestExecuteClassifiesSentinelErrors(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected request.ErrorKind
	}{
		{name: "not found", err: life360.ErrNotFound, expected: request.KindNotFound},
		{name: "not modified", err: life360.ErrNotModified, expected: request.KindNotModified},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newExecutorFixture(t)

			_, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
				request.PolicyLimitedLoginRetry, "fetching member",
				scriptedOperation("", testCase.err, testCase.err, testCase.err))

			if kind != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, kind)
			}
			if !fixture.manager.Online(testAccountID) {
				t.Error("sentinel outcomes should leave the account online")
			}
		})
	}
}

func TestExecuteUnknownAccount(t *testing.T) {
	fixture := newExecutorFixture(t)

	called := false
	_, kind := request.Execute(context.Background(), fixture.executor, "ghost@example.com",
		request.PolicyRetry, "fetching circles", func(context.Context) (string, error) {
			called = true
			return "", nil
		})

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData, got %v", kind)
	}
	if called {
		t.Error("operation should not run without a session")
	}
}

func TestExecuteFailFastAfterFailedLatch(t *testing.T) {
	fixture := newExecutorFixture(t)
	session, _ := fixture.manager.Session(testAccountID)
	session.Failed().Set()

	called := false
	_, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyRetry, "fetching circles", func(context.Context) (string, error) {
			called = true
			return "", nil
		})

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData, got %v", kind)
	}
	if called {
		t.Error("operation should not run for a failed account")
	}
}

func TestExecuteLoginErrorRetriesThenSucceeds(t *testing.T) {
	fixture := newExecutorFixture(t)

	value, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "fetching circles",
		scriptedOperation("payload", &life360.LoginError{Message: "expired token"}))

	if kind != request.KindNone {
		t.Fatalf("expected recovery after one retry, got %v", kind)
	}
	if value != "payload" {
		t.Errorf("expected the operation value, got %q", value)
	}
	if fixture.client.clearedCalls != 1 {
		t.Errorf("expected one session-state clear, got %d", fixture.client.clearedCalls)
	}
	if fixture.issues.Has("login_error:" + string(testAccountID)) {
		t.Error("a recovered login error should not raise an issue")
	}
}

func TestExecuteTerminalLoginFailure(t *testing.T) {
	fixture := newExecutorFixture(t)

	disabled := make(chan conf.Options, 1)
	fixture.configStore.AddListener(func(options conf.Options) {
		if !options.Accounts[testAccountID].Enabled {
			select {
			case disabled <- options:
			default:
			}
		}
	})

	loginErr := &life360.LoginError{Message: "bad credentials"}
	_, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "fetching circles",
		scriptedOperation("", loginErr, loginErr, loginErr))

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData after exhausting retries, got %v", kind)
	}

	session, _ := fixture.manager.Session(testAccountID)
	if !session.Failed().IsSet() {
		t.Error("terminal login failure should latch the failed signal")
	}
	if !fixture.issues.Has("login_error:" + string(testAccountID)) {
		t.Error("terminal login failure should raise a repair issue")
	}
	if len(fixture.issues.List()) != 1 {
		t.Errorf("expected exactly one issue, got %d", len(fixture.issues.List()))
	}

	select {
	case <-disabled:
	case <-time.After(5 * time.Second):
		t.Fatal("account was not disabled in the stored config")
	}

	// Subsequent calls short-circuit without touching the network.
	called := false
	_, kind = request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "fetching circles", func(context.Context) (string, error) {
			called = true
			return "", nil
		})
	if kind != request.KindNoData || called {
		t.Error("requests after a terminal failure should fail fast")
	}
}

func TestExecuteSilentPolicySwallowsLoginError(t *testing.T) {
	fixture := newExecutorFixture(t)

	loginErr := &life360.LoginError{Message: "bad credentials"}
	_, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicySilent, "background fetch", scriptedOperation("", loginErr, loginErr, loginErr))

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData, got %v", kind)
	}
	session, _ := fixture.manager.Session(testAccountID)
	if session.Failed().IsSet() {
		t.Error("silent policy must not latch the failed signal")
	}
	if len(fixture.issues.List()) != 0 {
		t.Error("silent policy must not raise issues")
	}
}

func TestExecuteRateLimitedRetries(t *testing.T) {
	fixture := newExecutorFixture(t)

	rateErr := &life360.RateLimitedError{RetryAfter: time.Millisecond, Message: "slow down"}
	value, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyRetry, "fetching circles", scriptedOperation("payload", rateErr))

	if kind != request.KindNone {
		t.Fatalf("expected recovery after the rate limit window, got %v", kind)
	}
	if value != "payload" {
		t.Errorf("expected the operation value, got %q", value)
	}
}

func TestExecuteServiceErrorMarksOffline(t *testing.T) {
	fixture := newExecutorFixture(t)

	serviceErr := &life360.ServiceError{StatusCode: 500, Message: "backend exploded"}
	_, kind := request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyRetry, "fetching circles", scriptedOperation("", serviceErr))

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData, got %v", kind)
	}
	if fixture.manager.Online(testAccountID) {
		t.Error("a service error should mark the account offline")
	}

	// A later success flips it back.
	_, kind = request.Execute(context.Background(), fixture.executor, testAccountID,
		request.PolicyRetry, "fetching circles", scriptedOperation("payload"))
	if kind != request.KindNone {
		t.Fatalf("expected success, got %v", kind)
	}
	if !fixture.manager.Online(testAccountID) {
		t.Error("a success should mark the account online again")
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	fixture := newExecutorFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, kind := request.Execute(ctx, fixture.executor, testAccountID,
		request.PolicyRetry, "fetching circles", func(operationCtx context.Context) (string, error) {
			<-operationCtx.Done()
			return "", operationCtx.Err()
		})

	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData for a cancelled context, got %v", kind)
	}
}

func TestExecuteNoResult(t *testing.T) {
	fixture := newExecutorFixture(t)

	kind := request.ExecuteNoResult(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "requesting location update", func(context.Context) error {
			return nil
		})
	if kind != request.KindNone {
		t.Fatalf("expected KindNone, got %v", kind)
	}

	kind = request.ExecuteNoResult(context.Background(), fixture.executor, testAccountID,
		request.PolicyLimitedLoginRetry, "requesting location update", func(context.Context) error {
			return errors.New("boom")
		})
	if kind != request.KindNoData {
		t.Fatalf("expected KindNoData, got %v", kind)
	}
}
