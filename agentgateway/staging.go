package agentgateway

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// 上传文件暂存
// ============================================================================

// ErrUploadTooLarge 上传文件超过暂存上限
var ErrUploadTooLarge = errors.New("file exceeds size limit")

// Upload 待上传的文件
type Upload struct {
	Filename string
	Content  io.Reader
}

// Stager 把上传内容写入本地暂存目录
type Stager struct {
	// Dir 暂存目录，为空时使用 os.TempDir()
	Dir string

	// MaxBytes 单个文件上限，<=0 表示不限制
	MaxBytes int64
}

// Stage 暂存文件，返回本地路径与清理函数
//
// 文件名保留原始 base name (平台按扩展名识别类型)，前缀 uuid 避免冲突。
// 清理函数可重复调用；Stage 自身失败时不会留下文件。
func (s *Stager) Stage(u Upload) (string, func(), error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("创建暂存目录失败: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+"-"+sanitizeFilename(u.Filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", nil, fmt.Errorf("创建暂存文件失败: %w", err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", path).Msg("删除暂存文件失败")
			}
		})
	}

	src := u.Content
	if s.MaxBytes > 0 {
		src = io.LimitReader(u.Content, s.MaxBytes+1)
	}
	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("写入暂存文件失败: %w", err)
	}
	if s.MaxBytes > 0 && n > s.MaxBytes {
		cleanup()
		return "", nil, fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, s.MaxBytes)
	}

	return path, cleanup, nil
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
