package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"langextract/pkg/contract"
)

// Console: 终端进度提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 批次进度单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全；写失败后进入禁用态为 no-op。
type Console struct {
	w       io.Writer
	enabled bool
	isTTY   bool
	debug   bool

	tag map[string]lipgloss.Style

	// 运行期最小状态
	concurrency int
	llm         string
	docsDone    int
	runStart    time.Time

	// 当前文档
	curDoc      string
	chunksTotal int
	chunksDone  int
	errCount    int

	// 输出控制
	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

// NewConsole 构造终端进度提示器。enabled=false 时总是 no-op；debug=true 时输出 Debug 事件。
func NewConsole(w io.Writer, enabled, debug bool) *Console {
	if w == nil {
		w = os.Stderr
	}
	c := &Console{w: w, enabled: enabled, debug: debug}
	// CI 环境视为非 TTY
	if os.Getenv("CI") != "" {
		c.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			c.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	r := lipgloss.NewRenderer(w)
	c.tag = map[string]lipgloss.Style{
		"run":   r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		"doc":   r.NewStyle().Foreground(lipgloss.Color("14")),
		"chunk": r.NewStyle().Foreground(lipgloss.Color("8")),
		"retry": r.NewStyle().Foreground(lipgloss.Color("11")),
		"error": r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		"done":  r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		"fail":  r.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		"ok":    r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		"debug": r.NewStyle().Faint(true),
	}
	return c
}

func (c *Console) label(name string) string {
	s, ok := c.tag[name]
	if !ok {
		return "[" + name + "]"
	}
	return s.Render("[" + name + "]")
}

// RunStart: 记录运行上下文（并发、LLM）。
func (c *Console) RunStart(concurrency int, llm string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.concurrency = concurrency
	c.llm = llm
	c.docsDone = 0
	c.runStart = time.Now()
	c.println(fmt.Sprintf("%s 并发=%d | llm=%s", c.label("run"), concurrency, safe(llm)))
}

// RunFinish: 结束总览。
func (c *Console) RunFinish(ok bool, dur time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	c.println(fmt.Sprintf("%s 全部完成 | 文档 %d | 总用时 %s", c.label(tag), c.docsDone, formatDur(dur)))
}

// Report 实现 contract.ProgressSink。
func (c *Console) Report(ev contract.ProgressEvent) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	switch e := ev.(type) {
	case contract.ProcessingStarted:
		c.curDoc = shortenBase(e.DocumentID, 48)
		c.chunksTotal, c.chunksDone, c.errCount = 0, 0, 0
		c.println(fmt.Sprintf("%s %s | 长度=%d | llm=%s", c.label("doc"), c.curDoc, e.TextLength, safe(joinModel(e.Provider, e.Model))))
	case contract.ChunkingStarted:
		c.chunksTotal = e.ChunkCount
		if !c.isTTY {
			c.println(fmt.Sprintf("%s %s | 计划分块=%d | 策略=%s", c.label("chunk"), c.curDoc, e.ChunkCount, e.Strategy))
		}
	case contract.BatchProgress:
		c.chunksDone, c.chunksTotal = e.ChunksProcessed, e.TotalChunks
		c.progress(e.Pass, e.BatchNumber, e.TotalBatches)
	case contract.RetryAttempt:
		c.clearInline()
		c.println(fmt.Sprintf("%s %s | 分块 %d | 第 %d/%d 次 | 等待 %s", c.label("retry"), e.Operation, e.ChunkID, e.Attempt, e.MaxAttempts, formatDur(e.Delay)))
	case contract.ErrorEvent:
		c.errCount++
		c.clearInline()
		c.println(fmt.Sprintf("%s %s | 分块 %d | %s", c.label("error"), e.Operation, e.ChunkID, safe(e.Message)))
	case contract.ProcessingCompleted:
		c.docsDone++
		status := "done"
		if e.FailedChunks > 0 && e.TotalExtractions == 0 {
			status = "fail"
		}
		c.clearInline()
		c.println(fmt.Sprintf("%s %s | 抽取 %d | 失败分块 %d | 总用时 %s", c.label(status), c.curDoc, e.TotalExtractions, e.FailedChunks, formatDur(e.Elapsed)))
	case contract.DebugEvent:
		if c.debug {
			c.clearInline()
			c.println(fmt.Sprintf("%s %s | %s", c.label("debug"), e.Operation, safe(e.Details)))
		}
	}
}

// progress: 周期性进度（TTY 下 ≥100ms 节流；非 TTY 每批一行）。
func (c *Console) progress(pass, batch, totalBatches int) {
	if !c.isTTY {
		c.println(fmt.Sprintf("%s %s | 轮次 %d | 批次 %d/%d | 分块 %d/%d", c.label("chunk"), c.curDoc, pass, batch, totalBatches, c.chunksDone, c.chunksTotal))
		return
	}
	now := time.Now()
	if now.Sub(c.lastFlush) < 100*time.Millisecond && c.chunksDone < c.chunksTotal {
		return
	}
	c.lastFlush = now
	line := fmt.Sprintf("[doc] %s | 轮次 %d | 进度 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		c.curDoc, pass, c.chunksDone, c.chunksTotal, c.errCount, c.concurrency, formatSince(c.runStart))
	c.printInline(line)
}

func (c *Console) clearInline() {
	if c.isTTY && c.lastLen > 0 {
		c.printInline("")
	}
}

// 内部输出工具
func (c *Console) println(s string) {
	if !c.enabled {
		return
	}
	if _, err := io.WriteString(c.w, s+"\n"); err != nil {
		// 写失败即禁用
		c.enabled = false
	}
	c.lastLen = 0
}

func (c *Console) printInline(s string) {
	if !c.enabled {
		return
	}
	// 清尾：若新行比旧短，填充空格覆盖
	pad := 0
	if l := lipgloss.Width(s); c.lastLen > l {
		pad = c.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(c.w, b.String()); err != nil {
		c.enabled = false
		return
	}
	c.lastLen = lipgloss.Width(s)
}

func joinModel(provider, model string) string {
	switch {
	case provider == "":
		return model
	case model == "":
		return provider
	default:
		return provider + "/" + model
	}
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if base == "" || base == "." {
		return "-"
	}
	if lipgloss.Width(base) <= max {
		return base
	}
	rs := []rune(base)
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	if len(rs) <= cut {
		return string(rs)
	}
	return string(rs[:cut]) + "…"
}

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}

var _ contract.ProgressSink = (*Console)(nil)
