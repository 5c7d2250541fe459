package main

import (
	"bufio"
	"os"
	"strings"
)

// loadDotEnv 读取简单的 .env 并注入进程环境。
// - 文件不存在时忽略；
// - 跳过空行与 # 注释，支持可选前缀 "export "；
// - 成对引号去除，双引号内处理 \n \t \r \" \\；
// - 不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func parseDotEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key, val = strings.TrimSpace(key), strings.TrimSpace(val)
	if !found || key == "" {
		return "", "", false
	}
	if len(val) >= 2 {
		q := val[0]
		if (q == '\'' || q == '"') && val[len(val)-1] == q {
			val = val[1 : len(val)-1]
			if q == '"' {
				val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
			}
		}
	}
	return key, val, true
}

// writeDotEnv 生成 .env 模板；已存在则跳过，不合并。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# langextract .env（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认值\n")
	b.WriteString("# 键名：LANGEXTRACT_ + 配置路径（\".\" 换成 \"_\"，大写）\n\n")
	for _, group := range []struct {
		title string
		keys  []string
	}{
		{"配置来源", []string{"LANGEXTRACT_CONFIG_FILE"}},
		{"运行参数", []string{
			"LANGEXTRACT_INPUTS",
			"LANGEXTRACT_LLM",
			"LANGEXTRACT_LOGGING_LEVEL",
			"LANGEXTRACT_EXTRACT_MAX_WORKERS",
			"LANGEXTRACT_EXTRACT_MAX_CHAR_BUFFER",
			"LANGEXTRACT_EXTRACT_EXTRACTION_PASSES",
			"LANGEXTRACT_EXTRACT_MAX_RETRIES",
			"LANGEXTRACT_EXTRACT_RETRY_DELAY",
			"LANGEXTRACT_CHUNKING_STRATEGY",
			"LANGEXTRACT_CHUNKING_UNIT",
			"LANGEXTRACT_OUTPUT_DIR",
			"LANGEXTRACT_CACHE_ENABLED",
			"LANGEXTRACT_METRICS_ADDR",
		}},
		{"供应商 API Key（由客户端读取）", []string{"OPENAI_API_KEY", "GOOGLE_API_KEY"}},
	} {
		b.WriteString("# " + group.title + "\n")
		for _, k := range group.keys {
			b.WriteString("# " + k + "=\n")
		}
		b.WriteString("\n")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
