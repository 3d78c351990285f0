package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EnvelopeVersion は封筒フォーマットのバージョン。
// 2以降、暗号化された添付の長さとハッシュは暗号文の内側に置く。
const EnvelopeVersion = 2

// sealedHeaderSize は暗号化前の添付に付与するヘッダーの長さ。内容の長さ(8バイト)とSHA-256。
const sealedHeaderSize = 8 + sha256.Size

const (
	armorHeader    = "-----BEGIN QKD MESSAGE-----"
	armorFooter    = "-----END QKD MESSAGE-----"
	armorLineWidth = 76
)

// Auxiliary は復号に必要な補助データを表す。
type Auxiliary struct {
	IV              []byte `json:"iv,omitempty"`
	PublicKey       []byte `json:"public_key,omitempty"`
	EncapsulatedKey []byte `json:"encapsulated_key,omitempty"`
}

// EncryptedPayload は単一パートの暗号化結果を表す。
// KeyID はKM由来の鍵を使うレベルでのみ設定される。
type EncryptedPayload struct {
	Ciphertext []byte       `json:"ciphertext"`
	Tier       SecurityTier `json:"tier"`
	Algorithm  string       `json:"algorithm"`
	KeyID      string       `json:"key_id,omitempty"`
	Origin     string       `json:"origin,omitempty"`
	Auxiliary  Auxiliary    `json:"auxiliary"`
	CreatedAt  time.Time    `json:"created_at"`
}

// CryptoOptions は暗号化時の相手先情報を表す。
type CryptoOptions struct {
	// PeerEntityID は受信側SAEのID。空の場合は既定の相手先を使う。
	PeerEntityID string
	// ToSelf が true の場合、非対称方式は自分の公開鍵宛てに暗号化する。鍵配送を使うレベルでは使わない。
	ToSelf bool
}

// Attachment は平文の添付ファイルを表す。
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// Message は暗号化前のメッセージを表す。
type Message struct {
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// EncryptedAttachment は封筒内の添付ファイルを表す。
// 暗号化に失敗した添付は Encrypted=false で平文の Content と失敗理由を持つ。
// Size と Checksum は平文のまま運ぶ添付にだけ設定する。
type EncryptedAttachment struct {
	Name          string            `json:"name"`
	MimeType      string            `json:"mime_type"`
	Size          int               `json:"size,omitempty"`
	Checksum      string            `json:"checksum,omitempty"`
	Encrypted     bool              `json:"encrypted"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Payload       *EncryptedPayload `json:"payload,omitempty"`
	Content       []byte            `json:"content,omitempty"`
}

// EncryptedMessageEnvelope は送信用に暗号化されたメッセージを表す。
// 生成後は変更しない。
type EncryptedMessageEnvelope struct {
	Version       int                   `json:"version"`
	Tier          SecurityTier          `json:"tier"`
	RequestedTier SecurityTier          `json:"requested_tier"`
	Subject       *EncryptedPayload     `json:"subject"`
	Body          *EncryptedPayload     `json:"body"`
	Attachments   []EncryptedAttachment `json:"attachments"`
	CreatedAt     time.Time             `json:"created_at"`
}

// FailedAttachments は暗号化されずに運ばれた添付の数を返す。
func (e *EncryptedMessageEnvelope) FailedAttachments() int {
	n := 0
	for _, a := range e.Attachments {
		if !a.Encrypted {
			n++
		}
	}
	return n
}

// DecryptedAttachment は復号後の添付ファイルを表す。
type DecryptedAttachment struct {
	Name          string `json:"name"`
	MimeType      string `json:"mime_type"`
	Content       []byte `json:"content"`
	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
	// Unencrypted は送信側で暗号化に失敗し平文のまま届いた添付を示す。
	Unencrypted bool `json:"unencrypted,omitempty"`
}

// PartFailure は復号に失敗したパートを表す。
type PartFailure struct {
	Part   string `json:"part"`
	Reason string `json:"reason"`
}

// DecryptedMessage は復号結果を表す。失敗したパートはプレースホルダになる。
type DecryptedMessage struct {
	Tier        SecurityTier          `json:"tier"`
	Subject     string                `json:"subject"`
	Body        string                `json:"body"`
	Attachments []DecryptedAttachment `json:"attachments"`
	Failures    []PartFailure         `json:"failures,omitempty"`
}

// FailurePlaceholder は復号失敗パートの表示文字列を返す。
func FailurePlaceholder(reason string) string {
	return fmt.Sprintf("[decryption failed: %s]", reason)
}

// Checksum はSHA-256の16進表現を返す。
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyContent は長さとチェックサムを照合する。
func VerifyContent(content []byte, size int, checksum string) error {
	if len(content) != size {
		return fmt.Errorf("%w: size %d, want %d", ErrChecksumMismatch, len(content), size)
	}
	if Checksum(content) != checksum {
		return fmt.Errorf("%w: sha256 differs", ErrChecksumMismatch)
	}
	return nil
}

// SealAttachment は添付の長さとSHA-256を内容の前に付与したバイト列を返す。
// 暗号化する添付はこの形式で暗号化する。
func SealAttachment(content []byte) []byte {
	sealed := make([]byte, sealedHeaderSize+len(content))
	binary.BigEndian.PutUint64(sealed, uint64(len(content)))
	sum := sha256.Sum256(content)
	copy(sealed[8:sealedHeaderSize], sum[:])
	copy(sealed[sealedHeaderSize:], content)
	return sealed
}

// OpenAttachment は SealAttachment の形式から内容を取り出し、長さとハッシュを照合する。
func OpenAttachment(sealed []byte) ([]byte, error) {
	if len(sealed) < sealedHeaderSize {
		return nil, fmt.Errorf("%w: sealed attachment too short", ErrChecksumMismatch)
	}
	size := binary.BigEndian.Uint64(sealed)
	content := sealed[sealedHeaderSize:]
	if size != uint64(len(content)) {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrChecksumMismatch, len(content), size)
	}
	sum := sha256.Sum256(content)
	if !bytes.Equal(sum[:], sealed[8:sealedHeaderSize]) {
		return nil, fmt.Errorf("%w: sha256 differs", ErrChecksumMismatch)
	}
	return content, nil
}

// ArmorEnvelope は封筒をメール本文に埋め込めるテキスト形式に変換する。
func ArmorEnvelope(env *EncryptedMessageEnvelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)

	var sb strings.Builder
	sb.WriteString(armorHeader)
	sb.WriteByte('\n')
	for len(encoded) > armorLineWidth {
		sb.WriteString(encoded[:armorLineWidth])
		sb.WriteByte('\n')
		encoded = encoded[armorLineWidth:]
	}
	if encoded != "" {
		sb.WriteString(encoded)
		sb.WriteByte('\n')
	}
	sb.WriteString(armorFooter)
	sb.WriteByte('\n')
	return sb.String(), nil
}

// DearmorEnvelope は ArmorEnvelope の出力から封筒を復元する。
func DearmorEnvelope(text string) (*EncryptedMessageEnvelope, error) {
	start := strings.Index(text, armorHeader)
	end := strings.Index(text, armorFooter)
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: armor markers not found", ErrInvalidPayload)
	}
	body := text[start+len(armorHeader) : end]
	body = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, body)

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding armor: %v", ErrInvalidPayload, err)
	}
	return ParseEnvelope(data)
}

// ParseEnvelope はJSONから封筒を復元し、構造を検証する。
func ParseEnvelope(data []byte) (*EncryptedMessageEnvelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env EncryptedMessageEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Version != EnvelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrInvalidPayload, env.Version)
	}
	if !env.Tier.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTierForOperation, env.Tier)
	}
	return &env, nil
}
