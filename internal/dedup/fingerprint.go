// Package dedup はコンテンツフィンガープリントの計算と
// リモートオーソリティに対する重複判定を提供する。
package dedup

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Fingerprint は正規化済みコンテンツのフィンガープリントを計算する。
// 正規化: 小文字化 → 前後空白の除去 → 連続空白の単一スペースへの圧縮。
// その後UTF-8バイト列のSHA-256を16進文字列で返す。
// 大文字小文字や空白量のみが異なる2つのテキストは同一の投稿とみなされる。
func Fingerprint(text string) string {
	normalized := Normalize(text)
	hash := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hash)
}

// Normalize はフィンガープリント計算前のテキスト正規化を行う。
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	fields := strings.Fields(lowered)
	return strings.Join(fields, " ")
}
