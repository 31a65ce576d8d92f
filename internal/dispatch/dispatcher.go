package dispatch

import "sync"

// Signal names connect senders and subscribers without direct coupling.
const (
	// SignalAccountStatus fires when an account's online/offline state
	// transitions. The payload is the account identifier.
	SignalAccountStatus = "account_status"

	// SignalMemberRefresh fires when a Member location refresh is requested
	// out of band. The payload is the member identifier, or an empty string
	// for all Members.
	SignalMemberRefresh = "member_refresh"
)

// Dispatcher is a minimal in-process signal bus. Delivery is synchronous on
// the sending goroutine.
type Dispatcher struct {
	mutex       sync.Mutex
	subscribers map[string]map[int]func(string)
	nextID      int
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{subscribers: map[string]map[int]func(string){}}
}

// Subscribe registers a callback for the named signal and returns a function
// that removes the subscription.
func (dispatcher *Dispatcher) Subscribe(signal string, callback func(payload string)) func() {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	if dispatcher.subscribers[signal] == nil {
		dispatcher.subscribers[signal] = map[int]func(string){}
	}
	subscriptionID := dispatcher.nextID
	dispatcher.nextID++
	dispatcher.subscribers[signal][subscriptionID] = callback
	return func() {
		dispatcher.mutex.Lock()
		defer dispatcher.mutex.Unlock()
		delete(dispatcher.subscribers[signal], subscriptionID)
	}
}

// Send delivers the payload to every subscriber of the named signal.
func (dispatcher *Dispatcher) Send(signal string, payload string) {
	dispatcher.mutex.Lock()
	callbacks := make([]func(string), 0, len(dispatcher.subscribers[signal]))
	for _, callback := range dispatcher.subscribers[signal] {
		callbacks = append(callbacks, callback)
	}
	dispatcher.mutex.Unlock()

	for _, callback := range callbacks {
		callback(payload)
	}
}
