package contract

import (
	"context"
	"io"
)

// Assembler: 将各段结果按 Index 线性拼接为全文（单文档）。
// 约束：
//  1. Index 必须自 0 连续递增；
//  2. 不插入额外分隔符，分段自身已携带；
//  3. 不引入跨文档状态；
//  4. 序列违规返回 ErrSeqInvalid。
type Assembler interface {
	Assemble(ctx context.Context, doc FileID, results []CorrectionResult) (io.Reader, error)
}

// SpellChecker: 本地词典二次校对。
// 约束：返回 error 时第一个返回值必须等于输入文本。
type SpellChecker interface {
	Respell(ctx context.Context, text string) (string, error)
}

// Reporter: 纯函数式差异报告，无 I/O。
type Reporter interface {
	Render(original, final string) DiffReport
}
