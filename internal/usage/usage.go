// Package usage 记录每个用户的使用次数与最近一次使用的模式。
package usage

import (
	"context"
	"strings"
	"time"
)

// TimeLayout 是记录中时间字段的格式（本地时间）。
const TimeLayout = "2006-01-02 15:04:05"

// 用户名缺失时的占位。
const noUsername = "N/A"

// Record 是单个用户的持久化记录；JSON 字段名与既有 users.json 保持一致。
type Record struct {
	FirstName  string `json:"first_name"`
	Username   string `json:"username"`
	UsageCount int    `json:"usage_count"`
	FirstUsed  string `json:"first_used"`
	LastUsed   string `json:"last_used"`
	LastMode   string `json:"last_mode"`
}

// Visit 描述一次使用。
type Visit struct {
	UserID    string
	FirstName string
	Username  string
	Mode      string
}

// Store 为用户使用登记。
// Track 对同一 UserID 的并发调用必须串行化，计数不得丢失。
type Store interface {
	Track(ctx context.Context, v Visit) (Record, error)
	Get(ctx context.Context, userID string) (Record, bool, error)
	List(ctx context.Context) (map[string]Record, error)
	Close() error
}

// apply 把一次使用合并进已有记录；首次出现时初始化全部字段。
// 已有记录只更新计数、最近时间与模式。
func apply(rec Record, exists bool, v Visit, now time.Time) Record {
	ts := now.Format(TimeLayout)
	if !exists {
		username := strings.TrimSpace(v.Username)
		if username == "" {
			username = noUsername
		}
		return Record{
			FirstName:  v.FirstName,
			Username:   username,
			UsageCount: 1,
			FirstUsed:  ts,
			LastUsed:   ts,
			LastMode:   v.Mode,
		}
	}
	rec.UsageCount++
	rec.LastUsed = ts
	rec.LastMode = v.Mode
	return rec
}

// Nop 不做任何记录。
type Nop struct{}

func (Nop) Track(_ context.Context, v Visit) (Record, error) {
	return apply(Record{}, false, v, time.Now()), nil
}
func (Nop) Get(context.Context, string) (Record, bool, error)   { return Record{}, false, nil }
func (Nop) List(context.Context) (map[string]Record, error)    { return map[string]Record{}, nil }
func (Nop) Close() error                                       { return nil }

var _ Store = Nop{}
