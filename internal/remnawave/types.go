package remnawave

import "time"

// Traffic limit reset strategies understood by the panel.
const (
	ResetStrategyNoReset = "NO_RESET"
	ResetStrategyDay     = "DAY"
	ResetStrategyWeek    = "WEEK"
	ResetStrategyMonth   = "MONTH"
)

// Panel user statuses.
const (
	UserStatusActive   = "ACTIVE"
	UserStatusDisabled = "DISABLED"
	UserStatusLimited  = "LIMITED"
	UserStatusExpired  = "EXPIRED"
)

// User is a panel user record.
type User struct {
	UUID                 string    `json:"uuid"`
	ShortUUID            string    `json:"shortUuid"`
	Username             string    `json:"username"`
	Status               string    `json:"status"`
	Tag                  string    `json:"tag,omitempty"`
	TelegramID           *int64    `json:"telegramId,omitempty"`
	ExpireAt             time.Time `json:"expireAt"`
	TrafficLimitBytes    int64     `json:"trafficLimitBytes"`
	UsedTrafficBytes     int64     `json:"usedTrafficBytes"`
	TrafficLimitStrategy string    `json:"trafficLimitStrategy"`
	HWIDDeviceLimit      *int      `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string  `json:"activeInternalSquads"`
	SubscriptionURL      string    `json:"subscriptionUrl"`
	HappCryptoLink       string    `json:"happCryptoLink,omitempty"`
	Description          string    `json:"description,omitempty"`
}

// CreateUserRequest is the payload for creating a panel user.
type CreateUserRequest struct {
	Username             string    `json:"username"`
	Status               string    `json:"status,omitempty"`
	Tag                  string    `json:"tag,omitempty"`
	TelegramID           *int64    `json:"telegramId,omitempty"`
	ExpireAt             time.Time `json:"expireAt"`
	TrafficLimitBytes    int64     `json:"trafficLimitBytes"`
	TrafficLimitStrategy string    `json:"trafficLimitStrategy,omitempty"`
	HWIDDeviceLimit      *int      `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string  `json:"activeInternalSquads,omitempty"`
	Description          string    `json:"description,omitempty"`
}

// UpdateUserRequest is the payload for updating a panel user. Nil fields
// are left untouched by the panel.
type UpdateUserRequest struct {
	UUID                 string     `json:"uuid"`
	Status               *string    `json:"status,omitempty"`
	Tag                  *string    `json:"tag,omitempty"`
	TelegramID           *int64     `json:"telegramId,omitempty"`
	ExpireAt             *time.Time `json:"expireAt,omitempty"`
	TrafficLimitBytes    *int64     `json:"trafficLimitBytes,omitempty"`
	TrafficLimitStrategy *string    `json:"trafficLimitStrategy,omitempty"`
	HWIDDeviceLimit      *int       `json:"hwidDeviceLimit,omitempty"`
	ActiveInternalSquads []string   `json:"activeInternalSquads,omitempty"`
	Description          *string    `json:"description,omitempty"`
}

// UserPage is one page of the panel user listing.
type UserPage struct {
	Users []User `json:"users"`
	Total int    `json:"total"`
}

// InternalSquad is a squad entry from the panel catalog.
type InternalSquad struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}
