package contract

import "fmt"

// ValidateResults 校验结果序列：Index 自 0 连续递增。
// 纯函数，无 I/O；违规返回包装 ErrSeqInvalid 的错误。
func ValidateResults(results []CorrectionResult) error {
	for i, r := range results {
		if r.Index != Index(i) {
			return fmt.Errorf("result %d has index %d: %w", i, r.Index, ErrSeqInvalid)
		}
	}
	return nil
}
