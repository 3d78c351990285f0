// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"
)

// KeyKind は鍵の用途を表す。
type KeyKind string

const (
	// KeyKindEncryption は対称鍵導出用のシード鍵を表す。
	KeyKindEncryption KeyKind = "encryption"
	// KeyKindOneTimePad はワンタイムパッド用の鍵を表す。
	KeyKindOneTimePad KeyKind = "one_time_pad"
)

// Valid は既知の鍵種別かどうかを返す。
func (k KeyKind) Valid() bool {
	return k == KeyKindEncryption || k == KeyKindOneTimePad
}

// KeyState は鍵レコードのライフサイクル状態を表す。
// 遷移は available → consumed または available → expired のみ。
type KeyState string

const (
	// KeyStateAvailable は未使用の鍵を表す。
	KeyStateAvailable KeyState = "available"
	// KeyStateConsumed は暗号化に使用済みの鍵を表す。
	KeyStateConsumed KeyState = "consumed"
	// KeyStateExpired は使用されずに失効した鍵を表す。
	KeyStateExpired KeyState = "expired"
)

// KeyRecord は量子鍵配送で得られた鍵素材を表す。
type KeyRecord struct {
	KeyID         string
	Material      []byte
	SizeBits      int
	Kind          KeyKind
	IssuedAt      time.Time
	State         KeyState
	OwnerEntityID string
	PeerEntityID  string
}

// Validate は鍵素材の長さが宣言サイズを満たすか確認する。
func (k *KeyRecord) Validate() error {
	if k.SizeBits <= 0 {
		return fmt.Errorf("%w: %d bits", ErrInvalidKeySize, k.SizeBits)
	}
	if len(k.Material)*8 < k.SizeBits {
		return fmt.Errorf("%w: material %d bits, declared %d bits", ErrInvalidKeySize, len(k.Material)*8, k.SizeBits)
	}
	if !k.Kind.Valid() {
		return fmt.Errorf("unknown key kind %q", k.Kind)
	}
	return nil
}

// Clone は鍵素材を複製したコピーを返す。
// 呼び出し側は使用後に Wipe で素材を消去する。
func (k *KeyRecord) Clone() *KeyRecord {
	c := *k
	c.Material = append([]byte(nil), k.Material...)
	return &c
}

// Metadata は鍵素材を含まないメタデータを返す。
func (k *KeyRecord) Metadata() *KeyMetadata {
	return &KeyMetadata{
		KeyID:         k.KeyID,
		SizeBits:      k.SizeBits,
		Kind:          k.Kind,
		State:         k.State,
		IssuedAt:      k.IssuedAt,
		OwnerEntityID: k.OwnerEntityID,
		PeerEntityID:  k.PeerEntityID,
	}
}

// KeyMetadata は鍵のメタデータを表す（鍵素材を含まない）。
type KeyMetadata struct {
	KeyID         string
	SizeBits      int
	Kind          KeyKind
	State         KeyState
	IssuedAt      time.Time
	OwnerEntityID string
	PeerEntityID  string
}

// AllocateRequest は鍵の新規生成要求を表す。
type AllocateRequest struct {
	Kind          KeyKind
	SizeBits      int
	OwnerEntityID string
	PeerEntityID  string
}

// ReserveRequest は利用可能な鍵の予約要求を表す。
// PeerEntityID と OwnerEntityID が空の場合は条件に含めない。
type ReserveRequest struct {
	Count         int
	Kind          KeyKind
	MinSizeBits   int
	OwnerEntityID string
	PeerEntityID  string
}

// Matches は鍵レコードが予約条件に合致するか返す。状態は見ない。
func (r ReserveRequest) Matches(k *KeyRecord) bool {
	if k.Kind != r.Kind || k.SizeBits < r.MinSizeBits {
		return false
	}
	if r.PeerEntityID != "" && k.PeerEntityID != r.PeerEntityID {
		return false
	}
	if r.OwnerEntityID != "" && k.OwnerEntityID != r.OwnerEntityID {
		return false
	}
	return true
}

// KeyManagerStatus はKMの状態を表す。
type KeyManagerStatus struct {
	Reachable         bool
	AvailableKeyCount int
	LocalKeyCount     int
	RemoteKeyCount    int
	KeySizeBits       int
	MaxKeyCount       int
	MaxKeyPerRequest  int
}

// Wipe はバイト列をゼロで上書きする。
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
