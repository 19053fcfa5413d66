// Package security は外部コンテンツの取得に関わる安全機構を提供する。
//
// ContentSanitizerService は取得した投稿のHTML本文をサニタイズし、
// アーカイブと重複判定に使う安全なプレーンテキストへ変換する。
// bluemondayの厳格ポリシーで全タグを除去したうえで、
// エンティティを復号しテキストとして抽出する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	xhtml "golang.org/x/net/html"
)

// ContentSanitizerService はHTML本文のプレーンテキスト化のインターフェースを定義する。
// 投稿の保存前と指紋計算の前に使用される。
type ContentSanitizerService interface {
	// SanitizeText はHTML本文をプレーンテキストへ変換する。
	// 全タグとscript/style内容を除去し、HTMLエンティティを復号する。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(rawHTML string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyは全てのタグと属性を除去するため、出力にマークアップは残らない。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeText はHTML本文をプレーンテキストへ変換する。
// まずHTMLとしてパースしてscript/styleの内容を捨てながらテキストノードを
// 抽出し、その結果にbluemondayを適用して残存マークアップを除去する。
// パース不能な入力でもxhtml.Parseはエラーを返さずベストエフォートで
// ツリーを構築するため、常に何らかのテキストが得られる。
func (s *contentSanitizer) SanitizeText(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}

	text := extractText(rawHTML)
	clean := s.policy.Sanitize(text)
	return strings.TrimSpace(html.UnescapeString(clean))
}

// extractText はHTMLからテキストノードを抽出して連結する。
// script要素とstyle要素の内容は投稿本文ではないため捨てる。
func extractText(rawHTML string) string {
	doc, err := xhtml.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return rawHTML
	}

	var b strings.Builder
	var walk func(n *xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
