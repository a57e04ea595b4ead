package marzban

import "time"

// User is the panel's view of a provisioned account.
type User struct {
	Username            string   `json:"username"`
	Status              string   `json:"status"`
	UsedTraffic         int64    `json:"used_traffic"`
	LifetimeUsedTraffic int64    `json:"lifetime_used_traffic"`
	DataLimit           *int64   `json:"data_limit"`
	Expire              *int64   `json:"expire"`
	SubscriptionURL     string   `json:"subscription_url"`
	Links               []string `json:"links"`
	CreatedAt           string   `json:"created_at"`
}

// ExpireTime converts the epoch expiry into a UTC time. The second value is
// false for accounts that never expire.
func (u *User) ExpireTime() (time.Time, bool) {
	if u == nil || u.Expire == nil || *u.Expire <= 0 {
		return time.Time{}, false
	}
	return time.Unix(*u.Expire, 0).UTC(), true
}

// Limits carries the optional quota fields of create and update calls.
// DataLimit is a raw byte count, Expire is Unix epoch seconds (UTC).
type Limits struct {
	DataLimit *int64
	Expire    *int64
}

// NewLimits builds Limits from a byte quota and an expiry time. Zero values
// leave the corresponding field unset.
func NewLimits(dataLimit int64, expireAt time.Time) Limits {
	var limits Limits
	if dataLimit > 0 {
		limits.DataLimit = &dataLimit
	}
	if !expireAt.IsZero() {
		epoch := expireAt.UTC().Unix()
		limits.Expire = &epoch
	}
	return limits
}

func (l Limits) empty() bool {
	return l.DataLimit == nil && l.Expire == nil
}

type createUserRequest struct {
	Username  string `json:"username"`
	Owner     string `json:"owner,omitempty"`
	DataLimit *int64 `json:"data_limit,omitempty"`
	Expire    *int64 `json:"expire,omitempty"`
}

type modifyUserRequest struct {
	DataLimit *int64 `json:"data_limit,omitempty"`
	Expire    *int64 `json:"expire,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
