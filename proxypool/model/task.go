package model

import "github.com/google/uuid"

// TaskConfig 是一次获取任务：直接拉取订阅，或先在站点注册再拉取。
// ID 在同一批次内唯一，用于把执行结果关联回任务。
type TaskConfig struct {
	ID               string
	Name             string
	Sub              string
	Domain           string
	Coupon           string
	InviteCode       string
	BinName          string
	SpecialProtocols bool
	Rigid            bool
}

// NewTaskID 生成批次内唯一的任务 ID。
func NewTaskID() string {
	return uuid.NewString()
}

// Source returns the subscription URL or, for registration tasks, the domain.
func (t TaskConfig) Source() string {
	if t.Sub != "" {
		return t.Sub
	}
	return t.Domain
}
