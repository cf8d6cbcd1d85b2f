package pathmatch

import (
	"fmt"
	"path"
	"strings"
)

// separator はパスの区切り文字。
const separator = "/"

// anySegments は0個以上のセグメントにマッチするワイルドカード。
const anySegments = "**"

// Match はpatternがpathにマッチするかどうかを返す。
// 空のセグメントは無視するが、先頭と末尾の区切り文字の有無は区別する。
// 不正なパターンはどのパスにもマッチしない。
func Match(pattern, p string) bool {
	if strings.HasPrefix(pattern, separator) != strings.HasPrefix(p, separator) {
		return false
	}
	pat, segs := split(pattern), split(p)

	// 最初の**までを先頭から照合する
	for len(pat) > 0 && len(segs) > 0 && pat[0] != anySegments {
		if !matchSegment(pat[0], segs[0]) {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	if len(segs) == 0 {
		switch {
		case len(pat) == 0:
			return strings.HasSuffix(pattern, separator) == strings.HasSuffix(p, separator)
		case len(pat) == 1 && pat[0] == "*" && strings.HasSuffix(p, separator):
			return true
		}
	}
	return matchSegments(pat, segs)
}

// Validate はパターンの構文を検証する。
func Validate(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("空のパターンは指定できません")
	}
	for _, seg := range split(pattern) {
		if seg == anySegments {
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return fmt.Errorf("パターン %q の構文が不正: %w", pattern, err)
		}
	}
	return nil
}

// matchSegments はセグメント列同士を照合する。
func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == anySegments {
			for len(pat) > 0 && pat[0] == anySegments {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := range len(segs) + 1 {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if !matchSegment(pat[0], segs[0]) {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

// matchSegment は1セグメントを照合する。
func matchSegment(pattern, seg string) bool {
	ok, err := path.Match(pattern, seg)
	return err == nil && ok
}

// split はパスを空でないセグメントに分割する。
func split(p string) []string {
	return strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
}
