package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature 动作签名
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

// Signer 交易所动作签名能力（签名协议细节由实现决定）
type Signer interface {
	Sign(action []byte, nonce int64) (Signature, error)
	Address() string
}

// KeySigner secp256k1 私钥签名：keccak256(action || nonce)
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner 从十六进制私钥创建（可带 0x 前缀）
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address 钱包地址
func (s *KeySigner) Address() string {
	return s.address
}

// Digest 待签名摘要
func Digest(action []byte, nonce int64) []byte {
	buf := make([]byte, len(action)+8)
	copy(buf, action)
	binary.BigEndian.PutUint64(buf[len(action):], uint64(nonce))
	return crypto.Keccak256(buf)
}

// Sign 对动作签名
func (s *KeySigner) Sign(action []byte, nonce int64) (Signature, error) {
	sig, err := crypto.Sign(Digest(action, nonce), s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("签名失败: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

// RecoverAddress 从签名恢复地址（校验用）
func RecoverAddress(action []byte, nonce int64, sig Signature) (string, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return "", err
	}
	sBytes, err := hexutil.Decode(sig.S)
	if err != nil {
		return "", err
	}
	raw := make([]byte, 65)
	copy(raw[32-len(r):32], r)
	copy(raw[64-len(sBytes):64], sBytes)
	raw[64] = byte(sig.V - 27)
	pub, err := crypto.SigToPub(Digest(action, nonce), raw)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
