package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfgpkg "langextract/internal/config"
	"langextract/internal/diag"
	"langextract/internal/pipeline"
	"langextract/internal/progress"
	"langextract/pkg/registry"
)

// 退出码：0 成功；1 运行期失败；3 配置/装配失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 3
)

var (
	pipelineRun = pipeline.Run
	newLogger   = diag.NewLogger
)

// exitError 携带退出码。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fail(code int, format string, a ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, a...)}
}

func main() {
	// 在任何 ENV 读取前加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute 运行 CLI 并映射退出码；SIGINT/SIGTERM 取消运行。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(stderr, "%v\n", err)
		}
		return ee.code
	}
	// cobra 自身的参数/旗标错误
	fmt.Fprintf(stderr, "%v\n", err)
	return exitConfig
}

type runFlags struct {
	config string
	status bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := cfgpkg.NewViper()
	var rf runFlags
	cmd := &cobra.Command{
		Use:   "langextract [flags] [paths...]",
		Short: "Extract structured, source-grounded entities from text with an LLM",
		Long: "langextract reads text files (or STDIN with \"-\"), asks the configured LLM for\n" +
			"structured extractions, aligns each extraction back to its source offsets and\n" +
			"writes <file>.json and <file>.jsonl to the output directory.\n\n" +
			"Precedence: flags > LANGEXTRACT_* env (.env) > config file > defaults.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				v.Set("inputs", args)
			}
			return runExtract(cmd.Context(), v, rf, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	f := cmd.Flags()
	f.StringVar(&rf.config, "config", "", "config file (JSON/YAML/TOML); defaults to $LANGEXTRACT_CONFIG_FILE or ./"+cfgpkg.DefaultConfigFile)
	f.BoolVar(&rf.status, "status", true, "terminal progress on stderr")
	f.String("llm", "", "provider name (see provider section; registered clients: "+strings.Join(registry.Names(registry.LanguageModel), ", ")+")")
	f.Int("max-workers", 0, "parallel chunk workers")
	f.Int("max-char-buffer", 0, "documents up to this many bytes are sent in one call")
	f.Int("passes", 0, "extraction passes")
	f.Bool("multipass", false, "re-query only low-yield chunks on later passes")
	f.String("context", "", "additional context appended to every prompt")
	f.String("output", "", "output directory")
	f.Bool("debug", false, "emit debug progress events and debug logs")
	f.Bool("cache", false, "cache identical model calls in memory")
	f.String("log-level", "", "debug|info|warn|error")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	for key, name := range map[string]string{
		"llm":                        "llm",
		"extract.max_workers":        "max-workers",
		"extract.max_char_buffer":    "max-char-buffer",
		"extract.extraction_passes":  "passes",
		"extract.enable_multipass":   "multipass",
		"extract.additional_context": "context",
		"extract.debug":              "debug",
		"output.dir":                 "output",
		"cache.enabled":              "cache",
		"logging.level":              "log-level",
		"metrics.addr":               "metrics-addr",
	} {
		_ = v.BindPFlag(key, f.Lookup(name))
	}

	cmd.AddCommand(newInitCmd(stdout))
	return cmd
}

func newInitCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [dir]",
		Short: "Write " + cfgpkg.DefaultConfigFile + " and .env templates (existing files are kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fail(exitConfig, "init-config: %w", err)
			}
			cfgPath := filepath.Join(dir, cfgpkg.DefaultConfigFile)
			switch err := cfgpkg.WriteTemplate(cfgPath, cfgpkg.DefaultTemplateConfig()); {
			case errors.Is(err, cfgpkg.ErrExists):
				fmt.Fprintf(stdout, "skip %s (exists)\n", cfgPath)
			case err != nil:
				return fail(exitConfig, "init-config: %w", err)
			default:
				fmt.Fprintf(stdout, "wrote %s\n", cfgPath)
			}
			envPath := filepath.Join(dir, ".env")
			if err := writeDotEnv(envPath); err != nil {
				fmt.Fprintf(stdout, ".env skipped: %v\n", err)
			}
			return nil
		},
	}
}

func runExtract(ctx context.Context, v *viper.Viper, rf runFlags, stderr io.Writer) error {
	start := time.Now()
	corrID := uuid.NewString()
	cfg, err := cfgpkg.Load(v, cfgpkg.ResolveConfigFile(rf.config))
	if err == nil {
		err = cfgpkg.Validate(cfg)
	}
	if err != nil {
		// 配置不可用时以默认级别记录首个错误
		boot := newLogger(corrID, "info")
		boot.Error("config", string(diag.Classify(err)), "config invalid", &start)
		_ = boot.Close()
		return fail(exitConfig, "config: %w", err)
	}
	level := cfg.Logging.Level
	if cfg.Extract.Debug {
		level = "debug"
	}
	logger := newLogger(corrID, level)
	defer func() { _ = logger.Close() }()

	if err := preflightCheckOutputDir(cfg.Output.Dir); err != nil {
		logger.Error("config", string(diag.Classify(err)), "output dir not writable", &start)
		return fail(exitConfig, "output dir %s: %w", cfg.Output.Dir, err)
	}

	console := progress.NewConsole(stderr, rf.status, cfg.Extract.Debug)
	asm, err := cfgpkg.Assemble(cfg, progress.Multi{console, progress.NewLog(logger)}, logger)
	if err != nil {
		logger.Error("config", string(diag.Classify(err)), "assemble failed", &start)
		return fail(exitConfig, "assemble: %w", err)
	}
	defer func() { _ = asm.Close() }()

	if addr := strings.TrimSpace(cfg.Metrics.Addr); addr != "" {
		stopMetrics, err := serveMetrics(addr, logger)
		if err != nil {
			return fail(exitConfig, "metrics: %w", err)
		}
		defer stopMetrics()
	}

	logEffective(logger, cfg)
	console.RunStart(cfg.Extract.MaxWorkers, cfg.LLM)
	t := logger.Start("pipeline", "run")
	sum, err := pipelineRun(ctx, asm.IO, asm.Annotator, logger)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "run", "error")
		if code != "" && code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		console.RunFinish(false, time.Since(start))
		return &exitError{code: exitRuntime, err: fmt.Errorf("run: %w", err)}
	}
	t.Finish("run", int64(sum.Extractions))
	diag.IncOp("pipeline", "run", "success")
	diag.ObserveDuration("pipeline", "run", time.Since(start).Milliseconds())
	console.RunFinish(true, time.Since(start))
	return nil
}

// logEffective 以 debug 级别输出生效配置（不含 provider options，避免泄露密钥）。
func logEffective(logger *diag.Logger, cfg cfgpkg.Config) {
	prov, _ := cfgpkg.EffectiveProvider(cfg)
	kv := map[string]string{
		"inputs_count":    strconv.Itoa(len(cfg.Inputs)),
		"llm":             cfg.LLM,
		"provider_client": prov.Client,
		"max_workers":     strconv.Itoa(cfg.Extract.MaxWorkers),
		"max_char_buffer": strconv.Itoa(cfg.Extract.MaxCharBuffer),
		"passes":          strconv.Itoa(cfg.Extract.ExtractionPasses),
		"chunking":        cfg.Chunking.Strategy + "/" + cfg.Chunking.Unit,
		"tokenizer":       cfg.Tokenizer.Name,
		"prompt":          cfg.Prompt.Name,
		"output_dir":      cfg.Output.Dir,
		"cache":           strconv.FormatBool(cfg.Cache.Enabled),
	}
	if m, ok := prov.Options["model"].(string); ok && m != "" {
		kv["model"] = m
	}
	logger.DebugStart("config", "effective", "", "", kv)
}

// serveMetrics 在 addr 上暴露 /metrics；返回的函数用于关闭。
func serveMetrics(addr string, logger *diag.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", diag.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics", "serve failed", map[string]string{"err": err.Error()})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// preflightCheckOutputDir 启动前检查输出目录可写：
// 已存在则试写临时文件；不存在则在父目录试建临时目录。
func preflightCheckOutputDir(dir string) error {
	dir = strings.TrimSpace(dir)
	if st, err := os.Stat(dir); err == nil {
		if !st.IsDir() {
			return fmt.Errorf("not a directory")
		}
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	} else if !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(filepath.Clean(dir))
	for {
		st, err := os.Stat(parent)
		if err == nil {
			if !st.IsDir() {
				return fmt.Errorf("parent %s is not a directory", parent)
			}
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		next := filepath.Dir(parent)
		if next == parent {
			return err
		}
		parent = next
	}
	tmp, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmp)
}
