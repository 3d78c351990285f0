package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"qkd-mail-crypto/internal/domain"
)

// keyRing は非対称方式のローカル鍵ペアと相手先の公開鍵を保持する。
// ローカル鍵ペアは追加のみで、過去の鍵ペアも復号のために残す。
type keyRing[K any] struct {
	mu      sync.RWMutex
	locals  map[string]K
	current []byte
	peers   map[string][]byte
}

func newKeyRing[K any]() *keyRing[K] {
	return &keyRing[K]{
		locals: make(map[string]K),
		peers:  make(map[string][]byte),
	}
}

func fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func (r *keyRing[K]) addLocal(pub []byte, priv K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locals[fingerprint(pub)] = priv
	r.current = append([]byte(nil), pub...)
}

func (r *keyRing[K]) local(pub []byte) (K, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	priv, ok := r.locals[fingerprint(pub)]
	if !ok {
		var zero K
		return zero, fmt.Errorf("%w: no private key for recipient %s", domain.ErrKeyNotFound, fingerprint(pub)[:16])
	}
	return priv, nil
}

func (r *keyRing[K]) currentPublic() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]byte(nil), r.current...)
}

func (r *keyRing[K]) setPeer(peerID string, pub []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peerID] = append([]byte(nil), pub...)
}

// recipient は暗号化先の公開鍵を返す。toSelf の場合に限り自分の公開鍵を返し、
// 相手先の公開鍵が未登録の場合は ErrPeerKeyNotRegistered を返す。
func (r *keyRing[K]) recipient(peerID string, toSelf bool) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if toSelf {
		return append([]byte(nil), r.current...), nil
	}
	if peerID == "" {
		return nil, fmt.Errorf("%w: no recipient SAE", domain.ErrInvalidSAEID)
	}
	pub, ok := r.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerKeyNotRegistered, peerID)
	}
	return append([]byte(nil), pub...), nil
}

func (r *keyRing[K]) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.locals)
}
