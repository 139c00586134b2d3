// Package transport 重连会话的字节流：QUIC 单流 + 自签名证书，证书里带节点的 bech32 地址。
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"

	"vledger/logs"
)

// AddressHRP 节点地址的人类可读前缀
const AddressHRP = "vl"

var ErrIdentityMismatch = errors.New("peer certificate does not match its address")

// Identity 节点密钥与由公钥导出的地址
type Identity struct {
	Key     *ecdsa.PrivateKey
	Address string
	cert    tls.Certificate
}

// NewIdentity 生成新的 P256 密钥和对应的自签名证书
func NewIdentity() (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return identityFromKey(key)
}

func identityFromKey(key *ecdsa.PrivateKey) (*Identity, error) {
	addr, err := AddressOf(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	der, err := selfSign(key, addr)
	if err != nil {
		return nil, err
	}
	return &Identity{
		Key:     key,
		Address: addr,
		cert:    tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
	}, nil
}

// AddressOf bech32(hash160(未压缩公钥))，前面加 witness version 0
func AddressOf(pub *ecdsa.PublicKey) (string, error) {
	raw := elliptic.Marshal(pub.Curve, pub.X, pub.Y)
	sum := sha256.Sum256(raw)
	h := ripemd160.New()
	if _, err := h.Write(sum[:]); err != nil {
		return "", err
	}
	converted, err := bech32.ConvertBits(h.Sum(nil), 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(AddressHRP, append([]byte{0x00}, converted...))
}

// selfSign 地址写进 Organization
func selfSign(key *ecdsa.PrivateKey, addr string) ([]byte, error) {
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject: pkix.Name{
			Organization: []string{addr},
			CommonName:   addr,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	return x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
}

// Certificate 用于 tls.Config
func (id *Identity) Certificate() tls.Certificate { return id.cert }

// Save 以 PEM 写出证书和私钥
func (id *Identity) Save(certPath, keyPath string) error {
	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: id.cert.Certificate[0]}); err != nil {
		return err
	}

	keyOut, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	der, err := x509.MarshalECPrivateKey(id.Key)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}); err != nil {
		return err
	}
	logs.Debug("[Transport] identity %s saved to %s / %s", id.Address, certPath, keyPath)
	return nil
}

// LoadIdentity 读取 Save 写出的私钥，证书按当前时间重新签发
func LoadIdentity(keyPath string) (*Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("%s: no EC PRIVATE KEY block", keyPath)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", keyPath, err)
	}
	return identityFromKey(key)
}

// PeerAddress 校验对端证书里的地址确实由证书公钥导出
func PeerAddress(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", fmt.Errorf("%w: no certificate", ErrIdentityMismatch)
	}
	cert := certs[0]
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: key type %T", ErrIdentityMismatch, cert.PublicKey)
	}
	if len(cert.Subject.Organization) != 1 {
		return "", fmt.Errorf("%w: no address", ErrIdentityMismatch)
	}
	want, err := AddressOf(pub)
	if err != nil {
		return "", err
	}
	if got := cert.Subject.Organization[0]; got != want {
		return "", fmt.Errorf("%w: claims %s, key is %s", ErrIdentityMismatch, got, want)
	}
	return want, nil
}

// verifyPeer 自签名证书不走 CA 链，只校验签名和地址
func verifyPeer(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return fmt.Errorf("%w: no certificate", ErrIdentityMismatch)
	}
	c := certs[0]
	if err := c.CheckSignature(c.SignatureAlgorithm, c.RawTBSCertificate, c.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}
	_, err := PeerAddress(certs)
	return err
}
