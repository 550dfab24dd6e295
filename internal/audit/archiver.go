package audit

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ArchiveConfig 归档配置
type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`           // 归档文件存储路径
	CompressLevel int    `mapstructure:"compress_level"` // 压缩级别 (1-9)
}

// archiveFile 归档落盘目标，默认是 *os.File
type archiveFile interface {
	io.Writer
	Sync() error
	Close() error
}

func createArchiveFile(path string) (archiveFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
}

// Archiver 清理前把待删除日志写入 gzip 压缩的 JSON Lines 文件
type Archiver struct {
	dir    string
	level  int
	now    func() time.Time
	create func(path string) (archiveFile, error)
	mu     sync.Mutex
}

// NewArchiver 创建归档器
func NewArchiver(cfg ArchiveConfig) *Archiver {
	if cfg.CompressLevel <= 0 || cfg.CompressLevel > 9 {
		cfg.CompressLevel = gzip.BestCompression
	}
	if cfg.Path == "" {
		cfg.Path = "./archive/operation_logs"
	}
	return &Archiver{dir: cfg.Path, level: cfg.CompressLevel, now: time.Now, create: createArchiveFile}
}

// archiveWriter 一次清理对应一个归档文件，先写 .part，提交时改名
type archiveWriter struct {
	a      *Archiver
	final  string
	part   string
	file   archiveFile
	buf    *bufio.Writer
	gz     *gzip.Writer
	enc    *json.Encoder
	count  int64
	closed bool
}

func (a *Archiver) begin() (*archiveWriter, error) {
	now := a.now().UTC()
	yearDir := filepath.Join(a.dir, now.Format("2006"))
	if err := os.MkdirAll(yearDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建归档目录失败: %w", err)
	}
	// 文件名格式: oplog_20240101T000000Z_<8位随机>.jsonl.gz
	name := fmt.Sprintf("oplog_%s_%s.jsonl.gz", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	final := filepath.Join(yearDir, name)
	part := final + ".part"

	file, err := a.create(part)
	if err != nil {
		return nil, fmt.Errorf("创建归档文件失败: %w", err)
	}
	buf := bufio.NewWriter(file)
	gz, err := gzip.NewWriterLevel(buf, a.level)
	if err != nil {
		file.Close()
		os.Remove(part)
		return nil, fmt.Errorf("创建压缩写入器失败: %w", err)
	}
	enc := json.NewEncoder(gz)
	enc.SetEscapeHTML(false)
	return &archiveWriter{a: a, final: final, part: part, file: file, buf: buf, gz: gz, enc: enc}, nil
}

// Write 追加一批事件
func (w *archiveWriter) Write(batch []*AuditEvent) error {
	for _, ev := range batch {
		if err := w.enc.Encode(ev); err != nil {
			return fmt.Errorf("写入归档失败: %w", err)
		}
		w.count++
	}
	return nil
}

func (w *archiveWriter) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.gz.Close(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Flush 落盘但不改名，写入失败时调用方应放弃删除
func (w *archiveWriter) Flush() error {
	if err := w.close(); err != nil {
		return fmt.Errorf("关闭归档文件失败: %w", err)
	}
	return nil
}

// Commit 落盘并改为正式文件名
func (w *archiveWriter) Commit() (string, error) {
	if err := w.Flush(); err != nil {
		return "", err
	}
	if err := os.Rename(w.part, w.final); err != nil {
		return w.part, fmt.Errorf("归档文件改名失败: %w", err)
	}
	return w.final, nil
}

// Abort 放弃归档并删除临时文件
func (w *archiveWriter) Abort() {
	_ = w.close()
	_ = os.Remove(w.part)
}

// ArchiveInfo 归档文件信息
type ArchiveInfo struct {
	Path     string    `json:"path,omitempty"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
}

// ListArchives 列出归档文件，最新的在前
func (a *Archiver) ListArchives() ([]ArchiveInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var archives []ArchiveInfo
	err := filepath.Walk(a.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".jsonl.gz") {
			archives = append(archives, ArchiveInfo{
				Path:     path,
				Filename: info.Name(),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			})
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(archives, func(i, j int) bool {
		if archives[i].ModTime.Equal(archives[j].ModTime) {
			return archives[i].Filename > archives[j].Filename
		}
		return archives[i].ModTime.After(archives[j].ModTime)
	})
	return archives, nil
}

// OpenArchive 按文件名读取归档目录下的文件
func (a *Archiver) OpenArchive(name string) ([]*AuditEvent, error) {
	if name == "" || name != filepath.Base(name) || !strings.HasSuffix(name, ".jsonl.gz") {
		return nil, validationError("name", "非法的归档文件名")
	}
	archives, err := a.ListArchives()
	if err != nil {
		return nil, storageError("列出归档失败", err)
	}
	for _, info := range archives {
		if info.Filename == name {
			events, err := RestoreArchive(info.Path)
			if err != nil {
				return nil, storageError("读取归档失败", err)
			}
			return events, nil
		}
	}
	return nil, notFoundError("归档文件不存在")
}

// RestoreArchive 读取归档文件，校验和不一致的事件会导致报错
func RestoreArchive(path string) ([]*AuditEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("读取归档文件失败: %w", err)
	}
	defer gz.Close()

	var events []*AuditEvent
	dec := json.NewDecoder(gz)
	for dec.More() {
		var ev AuditEvent
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("解析归档内容失败: %w", err)
		}
		if !VerifyChecksum(&ev) {
			return nil, fmt.Errorf("归档事件 %d 校验和不一致", ev.ID)
		}
		events = append(events, &ev)
	}
	return events, nil
}
