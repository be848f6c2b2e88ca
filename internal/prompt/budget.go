package prompt

import (
	"fmt"

	"dockoreksi/pkg/contract"
)

// MakeEstimator 返回近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		return (len(s) + bpt - 1) / bpt
	}
}

// EffectiveMaxTokens 计算预扣固定提示开销后的有效预算。
// 返回 (effectiveMax, overheadTokens)。若 maxTokens<=0，返回 (0,0)。
func EffectiveMaxTokens(pb contract.PromptBuilder, bytesPerToken int, maxTokens int) (int, int) {
	if maxTokens <= 0 {
		return 0, 0
	}
	overhead := pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
	return maxTokens - overhead, overhead
}

// CheckSegmentBudget 校验“最大分段 + 固定开销”不超过单请求 token 上限。
// 纠错输出与输入等长，故分段按两倍计入。maxTokensPerReq<=0 表示不限制。
func CheckSegmentBudget(pb contract.PromptBuilder, bytesPerToken, maxSegmentBytes, maxTokensPerReq int) error {
	eff, overhead := EffectiveMaxTokens(pb, bytesPerToken, maxTokensPerReq)
	if maxTokensPerReq <= 0 {
		return nil
	}
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	need := 2 * ((maxSegmentBytes + bpt - 1) / bpt)
	if need > eff {
		return fmt.Errorf("segment of %d bytes needs ~%d tokens, only %d left after %d prompt overhead: %w",
			maxSegmentBytes, need, eff, overhead, contract.ErrBudgetExceeded)
	}
	return nil
}
