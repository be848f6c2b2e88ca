package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（文件/目录/STDIN）。
// 约束：
// 1) 流式读取，按文件维度回调；
// 2) FileID 稳定且去平台差异化；
// 3) 不做解码/业务解析，仅提供字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// Extractor: 将容器格式（txt/pdf/docx）还原为纯文本。
// 约束：不支持或损坏的输入返回 *ExtractionError，不得 panic。
type Extractor interface {
	Extract(ctx context.Context, name string, data []byte) (string, error)
}

// Segmenter: 将全文切为有序、非空、有界的分段。
type Segmenter interface {
	Segment(ctx context.Context, text string, maxBytes int) ([]Segment, error)
}
