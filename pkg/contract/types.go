package contract

import "strings"

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 单文档内稳定递增的分段索引（0..n-1）。
type Index int64

// LabelUnknown: 分类缺失或越界时的哨兵值。
const LabelUnknown = "Unknown"

// Mode: 处理模式，绑定一组有序的合法分类标签。
type Mode struct {
	Name   string
	Labels []string
}

// Normalize 将模型返回的标签收敛到 Labels 内。
// 约束：
//  1. 忽略首尾空白与大小写差异，返回 Labels 中的规范写法；
//  2. 空值或集合外的值一律返回 LabelUnknown，绝不透传原值。
func (m Mode) Normalize(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return LabelUnknown
	}
	for _, l := range m.Labels {
		if strings.EqualFold(l, s) {
			return l
		}
	}
	return LabelUnknown
}

// Document: 一次处理的输入（只读）。
type Document struct {
	ID   FileID
	Text string
	Mode Mode
}

// Segment: 文档的连续、不重叠切片。
// 约束：按 Index 顺序拼接全部 Segment.Text 可无损还原原文。
type Segment struct {
	Index Index
	Text  string
}

// First 报告是否为首段；只有首段承担分类职责。
func (s Segment) First() bool { return s.Index == 0 }

// Correction: 解码器从模型响应中取得的有效载荷。
type Correction struct {
	Text           string
	Classification string
}

// CorrectionResult: 单段纠错结果，创建后不可变。
// Err 为 nil 表示成功；非首段 Classification 恒为空。
type CorrectionResult struct {
	Index          Index
	Text           string
	Classification string
	// Attempts: 实际调用次数（含重试）。
	Attempts int
	Err      *CorrectionError
}

// OK 报告该段是否成功纠错。
func (r CorrectionResult) OK() bool { return r.Err == nil }

// WordChange: 词级替换（From → To），空串表示纯新增或纯删除。
type WordChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DiffReport: 原文与终稿的只读对比产物，不作为文档状态持久化。
type DiffReport struct {
	// Identical: 去除首尾空白后两文本相等。
	Identical bool
	// Lines: 去掉头部/hunk 行后的 diff 内容行（不含行尾换行），已按上限截断。
	Lines     []string
	Truncated bool
	Added     int
	Removed   int
	Changes   []WordChange
	// Text: 面向用户的渲染结果。
	Text string
}

func (r DiffReport) String() string { return r.Text }
