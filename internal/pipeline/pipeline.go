package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"dockoreksi/internal/diag"
	"dockoreksi/internal/usage"
	"dockoreksi/pkg/contract"
)

// - 逐文档串行：Reader 按文件回调，每个文档独立走完状态机后才写出；
// - 文档内并发：仅纠错调用并发，受 Options.Concurrency 约束；
// - 终态写出：只有 Done 的文档产生工件，失败或取消不留半成品；
// - 首错返回：任一文档失败即停止后续文档并上抛。

// Components 聚合批处理所需组件。
type Components struct {
	Engine
	Reader    contract.Reader
	Extractor contract.Extractor
	Writer    contract.Writer
}

// Settings 批处理运行期配置。
type Settings struct {
	Inputs []string
	Mode   contract.Mode
	Options
	// MaxInputBytes: 单个输入的字节上限；<=0 不限制。
	MaxInputBytes int64
	// Usage 非空且 User.UserID 非空时，每完成一个文档登记一次使用。
	Usage usage.Store
	User  usage.Visit
}

// ErrInputTooLarge: 输入超过 MaxInputBytes。
var ErrInputTooLarge = errors.New("input too large")

// Run 执行批处理：Reader → Extractor → Process → Writer（纠正稿 + 报告）。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	if err := sanity(comp, set); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	rtimer := logger.Start("reader", "iterate")
	err := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser) error {
		defer rc.Close()
		return runOne(ctx, comp, set, logger, fid, rc)
	})
	if err != nil {
		code := diag.Classify(err)
		logger.Error("reader", string(code), "iterate failed", nil)
		diag.IncOp("reader", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("reader", string(code))
		}
		return fmt.Errorf("reader iterate: %w", err)
	}
	rtimer.Finish("iterate", 0)
	diag.IncOp("reader", "finish", "success")
	return nil
}

func runOne(ctx context.Context, comp Components, set Settings, logger *diag.Logger, fid contract.FileID, rc io.Reader) error {
	docID := string(fid)
	start := time.Now()
	ok := false
	classification := ""
	defer func() { diag.GetTerminal().DocFinish(ok, classification, time.Since(start)) }()

	data, err := ReadLimited(rc, set.MaxInputBytes)
	if err != nil {
		logger.ErrorWith("reader", string(diag.Classify(err)), "read failed", &start, docID, "")
		return fmt.Errorf("read %s: %w", docID, err)
	}

	xtimer := logger.StartWith("extractor", "extract", docID, "")
	text, err := comp.Extractor.Extract(ctx, path.Base(docID), data)
	if err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("extractor", string(code), "extract failed", &start, docID, "")
		diag.IncOp("extractor", "error", "error")
		diag.IncError("extractor", string(code))
		return err
	}
	xtimer.Finish("extract", int64(len(text)))
	diag.IncOp("extractor", "finish", "success")

	doc := contract.Document{ID: fid, Text: text, Mode: set.Mode}
	out, err := Process(ctx, comp.Engine, doc, set.Options, logger)
	if err != nil {
		return fmt.Errorf("process %s: %w", docID, err)
	}
	classification = out.Classification

	stem := ArtifactStem(fid)
	if err := write(ctx, comp.Writer, logger, contract.ArtifactID(stem+".txt"), out.Final); err != nil {
		return err
	}
	if err := write(ctx, comp.Writer, logger, contract.ArtifactID(stem+".report.md"), RenderMarkdown(out, set.Mode)); err != nil {
		return err
	}

	if set.Usage != nil && set.User.UserID != "" {
		v := set.User
		v.Mode = set.Mode.Name
		if _, uerr := set.Usage.Track(ctx, v); uerr != nil {
			// 登记失败不影响已写出的结果
			logger.WarnWithKV("usage", string(diag.Classify(uerr)), "usage tracking failed", docID, "", map[string]string{"user_id": v.UserID})
		}
	}
	ok = true
	return nil
}

func write(ctx context.Context, w contract.Writer, logger *diag.Logger, id contract.ArtifactID, body string) error {
	wtimer := logger.StartWith("writer", "write", string(id), "")
	if err := w.Write(ctx, id, strings.NewReader(body)); err != nil {
		code := diag.Classify(err)
		logger.ErrorWith("writer", string(code), "write failed", nil, string(id), "")
		diag.IncOp("writer", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("writer", string(code))
		}
		return fmt.Errorf("writer write: %w", err)
	}
	wtimer.Finish("write", int64(len(body)))
	diag.IncOp("writer", "finish", "success")
	return nil
}

// ArtifactStem 去掉扩展名："docs/surat.pdf" → "docs/surat"；点文件保持原样。
func ArtifactStem(fid contract.FileID) string {
	s := string(fid)
	ext := path.Ext(s)
	if ext == "" || ext == path.Base(s) {
		return s
	}
	return strings.TrimSuffix(s, ext)
}

// ReadLimited 读取全部内容；limit>0 时超限返回 ErrInputTooLarge。
func ReadLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrInputTooLarge, limit)
	}
	return b, nil
}

func sanity(c Components, s Settings) error {
	if c.Reader == nil || c.Extractor == nil || c.Writer == nil {
		return errors.New("pipeline: missing components")
	}
	if err := c.Engine.sanity(); err != nil {
		return err
	}
	if len(s.Inputs) == 0 {
		return errors.New("pipeline: empty inputs")
	}
	if s.Mode.Name == "" {
		return fmt.Errorf("%w: empty mode", contract.ErrUnknownMode)
	}
	if _, err := ParsePolicy(string(s.Policy)); err != nil {
		return err
	}
	return nil
}
