package domain

import (
	"fmt"
	"strings"
)

// SecurityTier はメッセージ単位で選択するセキュリティレベルを表す。
type SecurityTier string

const (
	// TierQuantumSecure はワンタイムパッドによる情報理論的安全性を提供する（レベル1）。
	TierQuantumSecure SecurityTier = "quantum_secure"
	// TierQuantumAided は量子鍵をシードとした対称暗号（レベル2）。
	TierQuantumAided SecurityTier = "quantum_aided"
	// TierPostQuantum は耐量子KEMと対称暗号の組み合わせ（レベル3）。
	TierPostQuantum SecurityTier = "post_quantum"
	// TierStandard は古典的な公開鍵暗号と対称暗号の組み合わせ（レベル4）。
	TierStandard SecurityTier = "standard"
)

// アルゴリズム名。
const (
	AlgorithmOTP           = "OTP-XOR"
	AlgorithmQuantumAided  = "AES-256-GCM+HKDF-SHA512(QKD-256)"
	AlgorithmPostQuantum   = "ML-KEM-768+AES-256-GCM"
	AlgorithmStandard      = "X25519+ChaCha20-Poly1305"
	AlgorithmAES256GCM     = "AES-256-GCM"
	AlgorithmChaCha20      = "ChaCha20-Poly1305"
	AlgorithmMLKEM768      = "ML-KEM-768"
	AlgorithmX25519        = "X25519"
	AlgorithmHKDFSHA512    = "HKDF-SHA-512"
	AlgorithmHKDFSHA256    = "HKDF-SHA-256"
	AlgorithmQKDSeed       = "QKD-256"
	AlgorithmOneTimePadXOR = "XOR"
)

// TierInfo はセキュリティレベルの能力情報を表す。
type TierInfo struct {
	Tier                SecurityTier `json:"tier"`
	Level               int          `json:"level"`
	Algorithm           string       `json:"algorithm"`
	SupportedAlgorithms []string     `json:"supported_algorithms"`
	QuantumResistant    bool         `json:"quantum_resistant"`
	RequiresKeyManager  bool         `json:"requires_key_manager"`
	Description         string       `json:"description"`
}

var tierTable = map[SecurityTier]TierInfo{
	TierQuantumSecure: {
		Tier:                TierQuantumSecure,
		Level:               1,
		Algorithm:           AlgorithmOTP,
		SupportedAlgorithms: []string{AlgorithmOTP, AlgorithmOneTimePadXOR},
		QuantumResistant:    true,
		RequiresKeyManager:  true,
		Description:         "one-time pad with QKD key material, information-theoretic secrecy",
	},
	TierQuantumAided: {
		Tier:                TierQuantumAided,
		Level:               2,
		Algorithm:           AlgorithmQuantumAided,
		SupportedAlgorithms: []string{AlgorithmQuantumAided, AlgorithmAES256GCM, AlgorithmHKDFSHA512, AlgorithmQKDSeed},
		QuantumResistant:    true,
		RequiresKeyManager:  true,
		Description:         "AES-256-GCM keyed from a QKD seed",
	},
	TierPostQuantum: {
		Tier:                TierPostQuantum,
		Level:               3,
		Algorithm:           AlgorithmPostQuantum,
		SupportedAlgorithms: []string{AlgorithmPostQuantum, AlgorithmMLKEM768, AlgorithmAES256GCM, AlgorithmHKDFSHA512},
		QuantumResistant:    true,
		RequiresKeyManager:  false,
		Description:         "ML-KEM-768 key encapsulation with AES-256-GCM",
	},
	TierStandard: {
		Tier:                TierStandard,
		Level:               4,
		Algorithm:           AlgorithmStandard,
		SupportedAlgorithms: []string{AlgorithmStandard, AlgorithmX25519, AlgorithmChaCha20, AlgorithmHKDFSHA256},
		QuantumResistant:    false,
		RequiresKeyManager:  false,
		Description:         "X25519 key agreement with ChaCha20-Poly1305",
	},
}

// AllTiers はレベル順（1から4）の全セキュリティレベルを返す。
func AllTiers() []SecurityTier {
	return []SecurityTier{TierQuantumSecure, TierQuantumAided, TierPostQuantum, TierStandard}
}

// ParseSecurityTier は文字列またはレベル番号からセキュリティレベルを解析する。
func ParseSecurityTier(s string) (SecurityTier, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for _, t := range AllTiers() {
		if v == string(t) || v == fmt.Sprint(tierTable[t].Level) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTierForOperation, s)
}

// Valid は既知のセキュリティレベルかどうかを返す。
func (t SecurityTier) Valid() bool {
	_, ok := tierTable[t]
	return ok
}

// Level はレベル番号（1=最も強い）を返す。未知の場合は0。
func (t SecurityTier) Level() int {
	return tierTable[t].Level
}

// Info は能力情報を返す。
func (t SecurityTier) Info() (TierInfo, error) {
	info, ok := tierTable[t]
	if !ok {
		return TierInfo{}, fmt.Errorf("%w: %q", ErrInvalidTierForOperation, t)
	}
	info.SupportedAlgorithms = append([]string(nil), info.SupportedAlgorithms...)
	return info, nil
}

// Supports はアルゴリズム名がこのレベルで扱えるか返す。
func (t SecurityTier) Supports(algorithm string) bool {
	for _, a := range tierTable[t].SupportedAlgorithms {
		if a == algorithm {
			return true
		}
	}
	return false
}

// Fallback は次に保証の低いレベルを返す。最下位の場合は false。
func (t SecurityTier) Fallback() (SecurityTier, bool) {
	tiers := AllTiers()
	for i, tier := range tiers {
		if tier == t && i+1 < len(tiers) {
			return tiers[i+1], true
		}
	}
	return "", false
}
