// Package etsi はETSI GS QKD 014 鍵配送APIのJSON形式を定義する。
package etsi

import (
	"encoding/base64"
	"fmt"
)

// SAEIDHeader は呼び出し元SAEを示すHTTPヘッダー。
const SAEIDHeader = "X-SAE-ID"

// ExtensionKind は extension_optional / key_extension で鍵種別を表すキー。
const ExtensionKind = "kind"

// Status は GET /api/v1/keys/{slave_SAE_ID}/status のレスポンス。
type Status struct {
	SourceKMEID      string `json:"source_KME_ID"`
	TargetKMEID      string `json:"target_KME_ID"`
	MasterSAEID      string `json:"master_SAE_ID"`
	SlaveSAEID       string `json:"slave_SAE_ID"`
	KeySize          int    `json:"key_size"`
	StoredKeyCount   int    `json:"stored_key_count"`
	MaxKeyCount      int    `json:"max_key_count"`
	MaxKeyPerRequest int    `json:"max_key_per_request"`
	MaxKeySize       int    `json:"max_key_size"`
	MinKeySize       int    `json:"min_key_size"`
}

// KeyRequest は enc_keys のリクエストボディ。
type KeyRequest struct {
	Number            int              `json:"number,omitempty"`
	Size              int              `json:"size,omitempty"`
	ExtensionOptional []map[string]any `json:"extension_optional,omitempty"`
}

// Kind は extension_optional に指定された鍵種別を返す。指定がない場合は空文字。
func (r *KeyRequest) Kind() string {
	for _, ext := range r.ExtensionOptional {
		if v, ok := ext[ExtensionKind].(string); ok {
			return v
		}
	}
	return ""
}

// WithKind は鍵種別の拡張を付与する。
func (r *KeyRequest) WithKind(kind string) *KeyRequest {
	if kind != "" {
		r.ExtensionOptional = append(r.ExtensionOptional, map[string]any{ExtensionKind: kind})
	}
	return r
}

// Key は鍵コンテナ内の1件の鍵。key はBase64で符号化する。
type Key struct {
	KeyID        string         `json:"key_ID"`
	Key          string         `json:"key"`
	KeyExtension map[string]any `json:"key_extension,omitempty"`
}

// NewKey は鍵素材を符号化したKeyを返す。
func NewKey(keyID string, material []byte, kind string) Key {
	k := Key{
		KeyID: keyID,
		Key:   base64.StdEncoding.EncodeToString(material),
	}
	if kind != "" {
		k.KeyExtension = map[string]any{ExtensionKind: kind}
	}
	return k
}

// Material は鍵素材を復号して返す。
func (k Key) Material() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(k.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", k.KeyID, err)
	}
	return b, nil
}

// Kind は key_extension に含まれる鍵種別を返す。
func (k Key) Kind() string {
	if v, ok := k.KeyExtension[ExtensionKind].(string); ok {
		return v
	}
	return ""
}

// KeyContainer は enc_keys / dec_keys のレスポンス。
type KeyContainer struct {
	Keys []Key `json:"keys"`
}

// KeyIDRef は dec_keys で指定する鍵ID。
type KeyIDRef struct {
	KeyID string `json:"key_ID"`
}

// KeyIDs は dec_keys のリクエストボディ。
type KeyIDs struct {
	KeyIDs []KeyIDRef `json:"key_IDs"`
}

// NewKeyIDs は鍵IDの一覧からリクエストボディを組み立てる。
func NewKeyIDs(ids ...string) KeyIDs {
	refs := make([]KeyIDRef, len(ids))
	for i, id := range ids {
		refs[i] = KeyIDRef{KeyID: id}
	}
	return KeyIDs{KeyIDs: refs}
}

// IDs は鍵IDを文字列の一覧で返す。
func (k KeyIDs) IDs() []string {
	ids := make([]string, len(k.KeyIDs))
	for i, ref := range k.KeyIDs {
		ids[i] = ref.KeyID
	}
	return ids
}

// Error はKMが返すエラーレスポンス。
type Error struct {
	Message string           `json:"message"`
	Details []map[string]any `json:"details,omitempty"`
}
