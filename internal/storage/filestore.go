// Package storage はプロセスローカルなキーバリュー永続化を提供する。
// 値はすべてプレーンJSONであり、読み取り側は破損エントリを
// 起動失敗にせず破棄することが求められる。
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// ErrQuotaExceeded は書き込みがストレージ容量不足で失敗したことを示す。
// 呼び出し元（ジョブストア）はこれを契機に容量回復処理を行う。
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Store はキーバリュー永続化のインターフェース。
type Store interface {
	// Get は指定キーの値を取得する。存在しない場合は第2戻り値がfalse。
	Get(key string) ([]byte, bool, error)
	// Set は指定キーに値を書き込む。容量不足の場合はErrQuotaExceededを返す。
	Set(key string, value []byte) error
	// Delete は指定キーを削除する。存在しないキーの削除はエラーにしない。
	Delete(key string) error
	// Keys は指定プレフィックスに一致する全キーをソート済みで返す。
	Keys(prefix string) ([]string, error)
}

// FileStore はキーごとに1ファイルのJSONを保存するStore実装。
// 単一プロセスからの利用を前提とし、プロセス内の競合はミューテックスで防ぐ。
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore は指定ディレクトリ配下に保存するFileStoreを生成する。
// ディレクトリが存在しない場合は作成する。
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの作成に失敗: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Get は指定キーの値を取得する。
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("キーの読み取りに失敗 (%s): %w", key, err)
	}
	return data, true, nil
}

// Set は指定キーに値を書き込む。
// 一時ファイルへの書き込みとリネームにより、途中クラッシュでも
// 破損ファイルではなく旧値が残る。
func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return classifyWriteError(key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		os.Remove(tmp)
		return classifyWriteError(key, err)
	}
	return nil
}

// Delete は指定キーを削除する。
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("キーの削除に失敗 (%s): %w", key, err)
	}
	return nil
}

// Keys は指定プレフィックスに一致する全キーをソート済みで返す。
func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの走査に失敗: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := decodeKey(strings.TrimSuffix(e.Name(), ".json"))
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// path はキーに対応するファイルパスを返す。
func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key)+".json")
}

// encodeKey はキーをファイル名として安全な形式にエンコードする。
// パス区切り文字のみ置換し、それ以外はそのまま保持する。
func encodeKey(key string) string {
	r := strings.NewReplacer("/", "%2F", "\\", "%5C")
	return r.Replace(key)
}

// decodeKey はencodeKeyの逆変換を行う。
func decodeKey(name string) string {
	r := strings.NewReplacer("%2F", "/", "%5C", "\\")
	return r.Replace(name)
}

// classifyWriteError は書き込みエラーを分類する。
// ディスク容量・クォータ起因のエラーはErrQuotaExceededとして返す。
func classifyWriteError(key string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("キーの書き込みに失敗 (%s): %w", key, ErrQuotaExceeded)
	}
	return fmt.Errorf("キーの書き込みに失敗 (%s): %w", key, err)
}
