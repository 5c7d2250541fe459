package contract

import (
	"context"
	"io"
)

// Reader: 输入文档源（文件/目录/STDIN），每个文件对应一篇 Document。
// 约束：
// 1) 按文件回调，回调方负责关闭 ReadCloser；
// 2) FileID 稳定且去平台差异化，作为 Document.ID；
// 3) 不做解码，仅提供字节流；
// 4) 不在内部起并发。
type Reader interface {
	Iterate(ctx context.Context, roots []string, yield func(fileID FileID, r io.ReadCloser) error) error
}

// ArtifactID: 持久化工件标识（结果文档、JSONL 边车、原始输出转储）。
type ArtifactID = FileID

// Writer: 将工件以流式方式持久化。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 按字节透传，不读取/修改内容；
//  3. ctx 取消需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Locator: 可选接口，返回工件落盘后的路径（用于 ValidationResult.RawOutputFile）。
type Locator interface {
	Locate(id ArtifactID) (string, error)
}
