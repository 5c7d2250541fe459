package rate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
)

// DeriveKeyFromProviderOptions 从模型客户端标识与其原样 Options JSON 中提取 API Key，
// 并返回按 client+xxhash(key) 构造的限流分组键；同一凭据的多个 provider 共享额度。
// 仅解析 "api_key" 与 "api_key_env"；mock/flaky 客户端缺省使用内置调试键。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}

	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" && (client == "mock" || client == "flaky") {
		key = "MOCK_DEBUG_KEY"
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s", client)
	}
	return LimitKey(fmt.Sprintf("%s:%016x", client, xxhash.Sum64String(key))), nil
}
