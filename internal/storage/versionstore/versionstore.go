// Package versionstore 在 Badger 中记录最近一次启动使用的配置版本。
package versionstore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	keyCurrent = "config/current"
	keyPrefix  = "config/history/"
)

// Record 一次启动对应的配置版本
type Record struct {
	Version   string    `json:"version"`
	Digest    string    `json:"digest"` // 配置文件内容 sha256
	Bots      []string  `json:"bots"`
	StartedAt time.Time `json:"started_at"`
}

// Changed 与上次记录相比版本或内容是否变化
func (r Record) Changed(prev Record) bool {
	return r.Version != prev.Version || r.Digest != prev.Digest
}

// Digest 计算配置内容摘要
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes；为空则不加密
	ReadOnly      bool
	InMemory      bool
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("versionstore: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path).WithReadOnly(opts.ReadOnly)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密时 Badger 需要索引缓存
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("versionstore: open: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Last 读取上一次写入的记录；从未写入时 ok=false
func (s *Store) Last() (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errors.New("versionstore: not opened")
	}
	var (
		out   Record
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyCurrent))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		return Record{}, false, err
	}
	return out, found, nil
}

// Save 写入当前记录，同时追加一条历史
func (s *Store) Save(r Record) error {
	if s == nil || s.db == nil {
		return errors.New("versionstore: not opened")
	}
	if r.Version == "" {
		return errors.New("versionstore: version is empty")
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	hist := []byte(keyPrefix + r.StartedAt.UTC().Format("20060102T150405.000000000Z"))
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyCurrent), b); err != nil {
			return err
		}
		return txn.Set(hist, b)
	})
}

// History 按时间倒序返回最多 limit 条历史
func (s *Store) History(limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("versionstore: not opened")
	}
	if limit <= 0 {
		limit = 50
	}
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		// 反向迭代需要从前缀的最大值开始
		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var r Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ParseKey 接受 32 字节的 hex 或 base64；空串返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
