package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"entitytrack/tracking"
)

// Record 一条追踪变化记录（JSONL，一行一条）
type Record struct {
	Time    time.Time              `json:"ts"`
	Room    string                 `json:"room"`
	Kind    string                 `json:"kind"`
	Track   *tracking.TrackEvent   `json:"track,omitempty"`
	Untrack *tracking.UntrackEvent `json:"untrack,omitempty"`
}

// Journal 按小时滚动的 zstd 压缩 JSONL 变化日志
type Journal struct {
	baseDir string
	prefix  string
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJournal(baseDir string, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{baseDir: baseDir, prefix: "transitions", log: log, now: time.Now}
}

// ForRoom 返回绑定房间的 Hooks
func (j *Journal) ForRoom(room string) tracking.Hooks {
	return tracking.HookFuncs{
		Track: func(ev tracking.TrackEvent) {
			j.writeLogged(Record{Room: room, Kind: "track", Track: &ev})
		},
		Untrack: func(ev tracking.UntrackEvent) {
			j.writeLogged(Record{Room: room, Kind: "untrack", Untrack: &ev})
		},
	}
}

func (j *Journal) writeLogged(rec Record) {
	if err := j.Write(rec); err != nil {
		j.log.Warn("journal write failed", zap.String("room", rec.Room), zap.String("kind", rec.Kind), zap.Error(err))
	}
}

func (j *Journal) Write(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.now().UTC()
	if rec.Time.IsZero() {
		rec.Time = ts
	}
	hour := ts.Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	return j.w.WriteByte('\n')
}

// Flush 把缓冲写入压缩流（不结束帧）
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.enc.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

// CurrentPath 当前写入的文件，没有时返回空串
func (j *Journal) CurrentPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.curHour == "" {
		return ""
	}
	return j.pathForHour(j.curHour)
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var err error
	if j.w != nil {
		err = j.w.Flush()
	}
	if j.enc != nil {
		if cerr := j.enc.Close(); err == nil {
			err = cerr
		}
		j.enc = nil
	}
	if j.f != nil {
		if cerr := j.f.Close(); err == nil {
			err = cerr
		}
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	return err
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
}

// ReadJournal 解压并读取一个日志文件（可以包含多个 zstd 帧）
func ReadJournal(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	return decodeRecords(dec)
}

func decodeRecords(r io.Reader) ([]Record, error) {
	var out []Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
