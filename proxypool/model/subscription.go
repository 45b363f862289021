package model

import "time"

// SubscriptionStatus 是一次订阅状态检查的结果。
// RemainingLife/ResidualQuota 为负数表示订阅未提供对应信息。
type SubscriptionStatus struct {
	Alive         bool
	Expired       bool
	RemainingLife time.Duration
	ResidualQuota float64 // GB
}

// UnknownStatus 表示订阅未返回任何流量/到期信息。
func UnknownStatus(alive bool) SubscriptionStatus {
	return SubscriptionStatus{Alive: alive, RemainingLife: -1, ResidualQuota: -1}
}

// SubscriptionSource 的 URL 不可变，状态只能整体刷新。
type SubscriptionSource struct {
	URL       string
	Status    SubscriptionStatus
	CheckedAt time.Time
}

// Refresh 返回带有新状态的副本，旧值不会被部分合并。
func (s SubscriptionSource) Refresh(status SubscriptionStatus, at time.Time) SubscriptionSource {
	return SubscriptionSource{URL: s.URL, Status: status, CheckedAt: at}
}
