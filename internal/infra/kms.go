package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// errChecksum はKMSとの通信でCRC32Cが一致しない場合のエラー。
var errChecksum = errors.New("kms: crc32c checksum mismatch")

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(data []byte) int64 {
	return int64(crc32.Checksum(data, crc32cTable))
}

// kmsAPI はKMSクライアントのうち使用するメソッド。
type kmsAPI interface {
	Encrypt(ctx context.Context, req *kmspb.EncryptRequest, opts ...gax.CallOption) (*kmspb.EncryptResponse, error)
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
	Close() error
}

// KMSSealer はCloud KMSで鍵素材を暗号化して保存するためのシーラー。
// 鍵IDを追加認証データとして使う。
type KMSSealer struct {
	client  kmsAPI
	keyName string
}

// NewKMSSealer はKMSSealerを生成する。
func NewKMSSealer(ctx context.Context, keyName string) (*KMSSealer, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS_KEY_NAME is required")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSSealer{
		client:  client,
		keyName: keyName,
	}, nil
}

// Seal は鍵素材をCloud KMSで暗号化する。
func (s *KMSSealer) Seal(ctx context.Context, keyID string, material []byte) ([]byte, error) {
	aad := []byte(keyID)
	req := &kmspb.EncryptRequest{
		Name:                              s.keyName,
		Plaintext:                         material,
		PlaintextCrc32C:                   wrapperspb.Int64(crc32c(material)),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(aad)),
	}
	resp, err := s.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	if !resp.VerifiedPlaintextCrc32C || !resp.VerifiedAdditionalAuthenticatedDataCrc32C {
		return nil, fmt.Errorf("encrypting: %w: request corrupted in transit", errChecksum)
	}
	if resp.CiphertextCrc32C != nil && resp.CiphertextCrc32C.Value != crc32c(resp.Ciphertext) {
		return nil, fmt.Errorf("encrypting: %w: response corrupted in transit", errChecksum)
	}
	return resp.Ciphertext, nil
}

// Open はCloud KMSで鍵素材を復号する。
func (s *KMSSealer) Open(ctx context.Context, keyID string, sealed []byte) ([]byte, error) {
	aad := []byte(keyID)
	req := &kmspb.DecryptRequest{
		Name:                              s.keyName,
		Ciphertext:                        sealed,
		CiphertextCrc32C:                  wrapperspb.Int64(crc32c(sealed)),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: wrapperspb.Int64(crc32c(aad)),
	}
	resp, err := s.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if resp.PlaintextCrc32C != nil && resp.PlaintextCrc32C.Value != crc32c(resp.Plaintext) {
		return nil, fmt.Errorf("decrypting: %w", errChecksum)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (s *KMSSealer) Close() error {
	return s.client.Close()
}
