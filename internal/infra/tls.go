package infra

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"qkd-mail-crypto/config"
)

// NewServerTLSConfig はサーバー用のTLS設定を生成する。証明書が未設定の場合は nil を返す。
// クライアントCAを指定した場合、提示されたクライアント証明書を検証し、CNを呼び出し元SAEとして扱う。
func NewServerTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLSCertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSClientCAFile != "" {
		pool, err := loadCertPool(cfg.TLSClientCAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return tlsCfg, nil
}

// newClientTLSConfig はKMクライアント用のTLS設定を生成する。追加設定がない場合は nil を返す。
func newClientTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.KMCAFile == "" && cfg.KMClientCert == "" {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.KMCAFile != "" {
		pool, err := loadCertPool(cfg.KMCAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.KMClientCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.KMClientCert, cfg.KMClientKey)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found in " + path)
	}
	return pool, nil
}
