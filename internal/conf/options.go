package conf

import (
	"maps"

	"github.com/circle-sync/circlesync/internal/life360"
)

// Account holds the stored credentials and enablement state for one service
// account.
type Account struct {
	Password      string `json:"password"`
	Authorization string `json:"authorization"`
	Enabled       bool   `json:"enabled"`
}

// Options is the persisted configuration document. Instances are compared
// structurally on every update notification so that no-op updates can be
// short-circuited without tearing down live sessions.
type Options struct {
	Accounts       map[life360.AccountID]Account `json:"accounts"`
	Driving        bool                          `json:"driving"`
	DrivingSpeed   *float64                      `json:"driving_speed"`
	MaxGPSAccuracy *int                          `json:"max_gps_accuracy"`
	Verbosity      int                           `json:"verbosity"`
}

// Equal reports whether two option sets are structurally identical. Pointer
// fields are compared by value, not identity.
func (options Options) Equal(other Options) bool {
	if options.Driving != other.Driving || options.Verbosity != other.Verbosity {
		return false
	}
	if !pointerValuesEqual(options.DrivingSpeed, other.DrivingSpeed) {
		return false
	}
	if !pointerValuesEqual(options.MaxGPSAccuracy, other.MaxGPSAccuracy) {
		return false
	}
	return maps.Equal(options.Accounts, other.Accounts)
}

// EnabledAccounts returns only the accounts whose Enabled flag is set.
func (options Options) EnabledAccounts() map[life360.AccountID]Account {
	enabled := map[life360.AccountID]Account{}
	for accountID, account := range options.Accounts {
		if account.Enabled {
			enabled[accountID] = account
		}
	}
	return enabled
}

// Clone returns a deep copy so callers can mutate the account map without
// affecting the original.
func (options Options) Clone() Options {
	cloned := options
	cloned.Accounts = maps.Clone(options.Accounts)
	if options.DrivingSpeed != nil {
		drivingSpeed := *options.DrivingSpeed
		cloned.DrivingSpeed = &drivingSpeed
	}
	if options.MaxGPSAccuracy != nil {
		maxGPSAccuracy := *options.MaxGPSAccuracy
		cloned.MaxGPSAccuracy = &maxGPSAccuracy
	}
	return cloned
}

func pointerValuesEqual[T comparable](left *T, right *T) bool {
	if left == nil || right == nil {
		return left == right
	}
	return *left == *right
}
