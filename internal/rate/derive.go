package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKeyFromProviderOptions 从客户端原样 Options JSON 中取 API Key，
// 返回 client+sha256(key) 形式的限流分组键；同一把 key 的多个 provider 共享额度。
// 只识别 "api_key" 与 "api_key_env"；mock/flaky 无 key 时使用固定调试 key。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var opts struct {
		APIKey    string `json:"api_key"`
		APIKeyEnv string `json:"api_key_env"`
	}
	// 非法 JSON 视为无 key，由下方统一报错
	_ = json.Unmarshal(raw, &opts)

	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", client, sum[:])), nil
}
