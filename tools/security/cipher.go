package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"PPChat/tools/errs"

	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize      = 16
	NonceSize     = 12
	KeySize       = 32 // AES-256
	ThreadKeySize = 32
	MinIterations = 100_000
	DefaultRounds = 210_000
	tagSize       = 16
)

// EncryptedPayload 落库形态；三个字段都是不透明字节
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext" bson:"ciphertext"`
	IV         []byte `json:"iv" bson:"iv"`
	Salt       []byte `json:"salt" bson:"salt"`
}

// Cipher 会话级消息加解密：每次加密都生成新盐、新 IV，
// 用 PBKDF2-SHA256 从会话密钥派生 AES-256-GCM 密钥。
type Cipher struct {
	iterations int
	rand       io.Reader
}

func NewCipher(iterations int) (*Cipher, error) {
	if iterations < MinIterations {
		return nil, errs.ErrValidation.WrapMsg("kdf iterations below minimum", "iterations", iterations, "min", MinIterations)
	}
	return &Cipher{iterations: iterations, rand: rand.Reader}, nil
}

func (c *Cipher) Iterations() int { return c.iterations }

// GenerateThreadKey 生成会话密钥；保存与分发由 KeyRing 负责
func GenerateThreadKey() ([]byte, error) {
	k := make([]byte, ThreadKeySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, errs.WrapMsg(err, "read random")
	}
	return k, nil
}

func (c *Cipher) derive(threadKey, salt []byte) []byte {
	return pbkdf2.Key(threadKey, salt, c.iterations, KeySize, sha256.New)
}

func (c *Cipher) aead(threadKey, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.derive(threadKey, salt))
	if err != nil {
		return nil, errs.WrapMsg(err, "aes")
	}
	return cipher.NewGCM(block)
}

func (c *Cipher) Encrypt(plaintext, threadKey []byte) (*EncryptedPayload, error) {
	if len(threadKey) == 0 {
		return nil, errs.ErrValidation.WrapMsg("thread key is empty")
	}
	salt := make([]byte, SaltSize)
	iv := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return nil, errs.WrapMsg(err, "read salt")
	}
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, errs.WrapMsg(err, "read iv")
	}
	gcm, err := c.aead(threadKey, salt)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Salt:       salt,
	}, nil
}

// Decrypt 先校验认证标签再返回明文；任何不一致都返回 IntegrityError
func (c *Cipher) Decrypt(p *EncryptedPayload, threadKey []byte) ([]byte, error) {
	if p == nil {
		return nil, errs.ErrIntegrity.WrapMsg("payload is nil")
	}
	if len(threadKey) == 0 {
		return nil, errs.ErrIntegrity.WrapMsg("thread key is empty")
	}
	if len(p.Salt) != SaltSize || len(p.IV) != NonceSize || len(p.Ciphertext) < tagSize {
		return nil, errs.ErrIntegrity.WrapMsg("malformed payload", "salt", len(p.Salt), "iv", len(p.IV), "ciphertext", len(p.Ciphertext))
	}
	gcm, err := c.aead(threadKey, p.Salt)
	if err != nil {
		return nil, errs.ErrIntegrity.WrapMsg("derive key", "err", err)
	}
	plain, err := gcm.Open(nil, p.IV, p.Ciphertext, nil)
	if err != nil {
		return nil, errs.ErrIntegrity.WrapMsg("authentication failed")
	}
	if plain == nil {
		plain = []byte{}
	}
	return plain, nil
}
