package models

import "time"

// AccountClass distinguishes consumer Microsoft accounts from
// organisational/tenant accounts; it governs which remote search API
// dialect the search router selects.
type AccountClass string

const (
	AccountPersonal   AccountClass = "personal"
	AccountWorkSchool AccountClass = "workSchool"
	AccountUnknown    AccountClass = "unknown"
)

// AccountClassRecord is the persisted accountID -> class mapping consulted
// by the search router before every dispatch.
type AccountClassRecord struct {
	AccountID  string
	Class      AccountClass
	DetectedAt time.Time
}
