package registry

import (
	"bytes"
	"encoding/json"

	"dockoreksi/pkg/contract"
	linear "dockoreksi/plugins/assembler/linear"
	dcor "dockoreksi/plugins/decoder/correction"
	xdoc "dockoreksi/plugins/extractor/document"
	flaky "dockoreksi/plugins/llmclient/flaky"
	gmi "dockoreksi/plugins/llmclient/gemini"
	mock "dockoreksi/plugins/llmclient/mock"
	oai "dockoreksi/plugins/llmclient/openai"
	ppr "dockoreksi/plugins/prompt/proofread"
	rfs "dockoreksi/plugins/reader/filesystem"
	runi "dockoreksi/plugins/reporter/unified"
	spara "dockoreksi/plugins/segmenter/paragraph"
	sfz "dockoreksi/plugins/speller/fuzzy"
	snone "dockoreksi/plugins/speller/none"
	wfs "dockoreksi/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// 工厂签名：均接收原样 JSON Options。
type (
	NewReader        func(raw json.RawMessage) (contract.Reader, error)
	NewExtractor     func(raw json.RawMessage) (contract.Extractor, error)
	NewSegmenter     func(raw json.RawMessage) (contract.Segmenter, error)
	NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)
	NewLLMClient     func(raw json.RawMessage) (contract.LLMClient, error)
	NewDecoder       func(raw json.RawMessage) (contract.Decoder, error)
	NewAssembler     func(raw json.RawMessage) (contract.Assembler, error)
	NewSpellChecker  func(raw json.RawMessage) (contract.SpellChecker, error)
	NewReporter      func(raw json.RawMessage) (contract.Reporter, error)
	NewWriter        func(raw json.RawMessage) (contract.Writer, error)
)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Extractor 工厂注册表。
var Extractor = map[string]NewExtractor{
	// document: txt/pdf/docx
	"document": func(raw json.RawMessage) (contract.Extractor, error) {
		var opts xdoc.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return xdoc.New(&opts), nil
	},
}

// Segmenter 工厂注册表。
var Segmenter = map[string]NewSegmenter{
	// paragraph: 空行边界贪心打包；strategy=fixed 为定长切分
	"paragraph": func(raw json.RawMessage) (contract.Segmenter, error) {
		var opts spara.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return spara.New(&opts)
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// proofread: PUEBI/KBBI 纠错 + 首段分类
	"proofread": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts ppr.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ppr.New(&opts)
	},
}

// LLMClient 工厂注册表；各客户端自行解析 Options。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// correction: 围栏代码块 → 首尾花括号 的有序提取链
	"correction": func(raw json.RawMessage) (contract.Decoder, error) { return dcor.New(raw) },
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// linear: 按 Index 校验后直接拼接，不插入分隔符
	"linear": func(raw json.RawMessage) (contract.Assembler, error) { return linear.New(raw) },
}

// SpellChecker 工厂注册表。
var SpellChecker = map[string]NewSpellChecker{
	// fuzzy: 内置印尼语词表 + 可选外部词表
	"fuzzy": func(raw json.RawMessage) (contract.SpellChecker, error) {
		var opts sfz.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sfz.New(&opts)
	},
	// none: 关闭本地拼写兜底
	"none": func(raw json.RawMessage) (contract.SpellChecker, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return snone.New(), nil
	},
}

// Reporter 工厂注册表。
var Reporter = map[string]NewReporter{
	// unified: 统一 diff（上下文 2 行，最多 25 行）
	"unified": func(raw json.RawMessage) (contract.Reporter, error) {
		var opts runi.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return runi.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换、corrected_ 前缀可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
