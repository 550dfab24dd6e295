package audit

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"golang.org/x/crypto/blake2b"
)

// pageToken 游标分页令牌，固定首页时的快照水位与删除代数
type pageToken struct {
	Generation  int64  `json:"g"`
	Watermark   uint64 `json:"w"`
	Offset      int    `json:"o"`
	PageSize    int    `json:"s"`
	Fingerprint string `json:"f"`
	Total       int64  `json:"t"`
}

func encodePageToken(t pageToken) string {
	b, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodePageToken(s string) (pageToken, error) {
	var t pageToken
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, validationError("pageToken", "分页令牌格式错误")
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, validationError("pageToken", "分页令牌格式错误")
	}
	if t.Offset < 0 || t.PageSize <= 0 {
		return t, validationError("pageToken", "分页令牌内容非法")
	}
	return t, nil
}

// queryFingerprint 计算过滤与排序条件的指纹，防止令牌被用于其他查询
func queryFingerprint(f Filter, s Sort) string {
	payload := struct {
		Filter Filter `json:"f"`
		Scope  string `json:"u"`
		Sort   Sort   `json:"s"`
	}{Filter: f, Scope: f.scopeUsername, Sort: s}
	b, _ := json.Marshal(payload)
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
