package relay

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseIDs は通知IDの指定を重複の無いint64の並びに正規化する。
//
// 受け付ける形式:
//   - カンマ区切りの文字列（"1,2,3"、各要素の前後の空白は無視する）
//   - JSON配列をデコードした値（[]any。要素は整数値の数値または数字文字列）
//   - []int64 / []int
//
// 空要素、負数、小数、数字以外の要素はErrInvalidIDFormatになる。
// nilや空文字列は空の並びを返す。空かどうかの判定は呼び出し側で行う。
func ParseIDs(v any) ([]int64, error) {
	var ids []int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		for _, tok := range strings.Split(x, ",") {
			id, err := parseIDToken(tok)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	case []any:
		for _, elem := range x {
			id, err := parseIDValue(elem)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	case []int64:
		for _, id := range x {
			if id < 0 {
				return nil, fmt.Errorf("負の通知ID %d: %w", id, ErrInvalidIDFormat)
			}
		}
		ids = append(ids, x...)
	case []int:
		for _, id := range x {
			if id < 0 {
				return nil, fmt.Errorf("負の通知ID %d: %w", id, ErrInvalidIDFormat)
			}
			ids = append(ids, int64(id))
		}
	default:
		return nil, fmt.Errorf("通知IDとして扱えない型 %T: %w", v, ErrInvalidIDFormat)
	}
	return dedupe(ids), nil
}

// parseIDToken は文字列1要素を通知IDとして解釈する。
func parseIDToken(tok string) (int64, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return 0, fmt.Errorf("空の通知ID: %w", ErrInvalidIDFormat)
	}
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("通知ID %q: %w", tok, ErrInvalidIDFormat)
		}
	}
	id, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("通知ID %q: %w", tok, ErrInvalidIDFormat)
	}
	return id, nil
}

// maxExactFloatID はfloat64の通知IDとして受け付ける上限（2^53、この値自体は含まない）。
// 2^53以上の値は丸められている可能性があるため拒否する。
const maxExactFloatID = 1 << 53

// parseIDValue はJSON配列の1要素を通知IDとして解釈する。
func parseIDValue(v any) (int64, error) {
	switch x := v.(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) || x >= maxExactFloatID {
			return 0, fmt.Errorf("通知ID %v: %w", x, ErrInvalidIDFormat)
		}
		return int64(x), nil
	case json.Number:
		return parseIDToken(x.String())
	case string:
		return parseIDToken(x)
	default:
		return 0, fmt.Errorf("通知IDとして扱えない要素 %v: %w", v, ErrInvalidIDFormat)
	}
}

// dedupe は最初に現れた順序を保ったまま重複を取り除く。
func dedupe(ids []int64) []int64 {
	if len(ids) == 0 {
		return ids
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
