// Package password はパスワードの一方向ハッシュ化と検証を提供します。
//
// 生成するハッシュはアルゴリズム・コスト・ソルトを含む自己記述形式
// （bcrypt の $2a$...、argon2id の PHC 文字列）で、検証時は保存値の
// パラメータを使うため、設定のコストを上げても既存ハッシュはそのまま検証できます。
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Algorithm はハッシュアルゴリズムの種別です。
type Algorithm string

const (
	AlgorithmBcrypt   Algorithm = "bcrypt"
	AlgorithmArgon2ID Algorithm = "argon2id"
)

const (
	argon2Prefix = "$argon2id$"

	// bcrypt は先頭72バイトしか使わない
	bcryptMaxInput = 72

	minArgon2MemoryKB uint32 = 8 * 1024
	maxArgon2MemoryKB uint32 = 1024 * 1024
	maxArgon2Time     uint32 = 16
	maxParallelism    uint8  = 16
	minSaltLength     uint32 = 16
	minKeyLength      uint32 = 16
)

// ErrPasswordTooLong は bcrypt の入力上限（72バイト）を超えた場合に返ります。
var ErrPasswordTooLong = bcrypt.ErrPasswordTooLong

// Argon2Params は argon2id のパラメータです。
type Argon2Params struct {
	MemoryKB    uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Config は Hasher の設定です。
type Config struct {
	Algorithm  Algorithm
	BcryptCost int
	Argon2     Argon2Params
}

// DefaultArgon2Params は argon2id の推奨パラメータを返します。
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		MemoryKB:    64 * 1024,
		Time:        3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Hasher はパスワードのハッシュ化と検証を行います。
// 生成後は不変で、並行に利用できます。
type Hasher struct {
	cfg   Config
	dummy string
}

// New は設定を検証して Hasher を返します。
// ユーザーが見つからない場合の検証コストを揃えるためのダミーハッシュもここで作ります。
func New(cfg Config) (*Hasher, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmBcrypt
	}
	if cfg.Argon2.SaltLength == 0 {
		cfg.Argon2.SaltLength = minSaltLength
	}
	if cfg.Argon2.KeyLength == 0 {
		cfg.Argon2.KeyLength = 32
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	h := &Hasher{cfg: cfg}

	seed := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("password: entropy source failed: %w", err)
	}
	dummy, err := h.Hash(base64.RawStdEncoding.EncodeToString(seed))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// Hash はランダムなソルトを使ってパスワードをハッシュ化します。
// 同じ平文でも呼び出しごとに異なる値になります。
func (h *Hasher) Hash(plaintext string) (string, error) {
	switch h.cfg.Algorithm {
	case AlgorithmArgon2ID:
		return h.hashArgon2(plaintext)
	default:
		hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cfg.BcryptCost)
		if err != nil {
			return "", err
		}
		return string(hashed), nil
	}
}

// Verify は平文と保存済みハッシュを比較します。
// 保存値が壊れている場合もエラーにはせず false を返します。
func (h *Hasher) Verify(plaintext, stored string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	switch {
	case isBcrypt(stored):
		if len(plaintext) > bcryptMaxInput {
			// 先頭72バイトが一致しても別のパスワードなので一致とはしない。
			// 処理時間を揃えるため比較自体は行う。
			_ = bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext[:bcryptMaxInput]))
			return false
		}
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(plaintext)) == nil
	case strings.HasPrefix(stored, argon2Prefix):
		parsed, err := parsePHC(stored)
		if err != nil {
			return false
		}
		computed := argon2.IDKey([]byte(plaintext), parsed.salt, parsed.time, parsed.memory, parsed.parallelism, uint32(len(parsed.hash)))
		return subtle.ConstantTimeCompare(computed, parsed.hash) == 1
	default:
		return false
	}
}

// VerifyDummy はダミーハッシュに対して検証を行い、結果を捨てます。
// 存在しないユーザーでも誤ったパスワードと同程度の時間をかけるために使います。
func (h *Hasher) VerifyDummy(plaintext string) {
	_ = h.Verify(plaintext, h.dummy)
}

// NeedsRehash は保存済みハッシュが現在の設定より弱い場合に true を返します。
func (h *Hasher) NeedsRehash(stored string) bool {
	switch {
	case isBcrypt(stored):
		if h.cfg.Algorithm != AlgorithmBcrypt {
			return true
		}
		cost, err := bcrypt.Cost([]byte(stored))
		if err != nil {
			return true
		}
		return cost < h.cfg.BcryptCost
	case strings.HasPrefix(stored, argon2Prefix):
		if h.cfg.Algorithm != AlgorithmArgon2ID {
			return true
		}
		parsed, err := parsePHC(stored)
		if err != nil {
			return true
		}
		p := h.cfg.Argon2
		return parsed.memory < p.MemoryKB ||
			parsed.time < p.Time ||
			parsed.parallelism < p.Parallelism ||
			uint32(len(parsed.hash)) != p.KeyLength
	default:
		return true
	}
}

func (h *Hasher) hashArgon2(plaintext string) (string, error) {
	p := h.cfg.Argon2
	salt := make([]byte, p.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("password: entropy source failed: %w", err)
	}

	hash := argon2.IDKey([]byte(plaintext), salt, p.Time, p.MemoryKB, p.Parallelism, p.KeyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.MemoryKB,
		p.Time,
		p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func isBcrypt(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

type parsedPHC struct {
	memory      uint32
	time        uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

func parsePHC(encoded string) (*parsedPHC, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != string(AlgorithmArgon2ID) {
		return nil, errors.New("invalid PHC format")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(parts[2], "v="))
	if err != nil || !strings.HasPrefix(parts[2], "v=") || version != argon2.Version {
		return nil, errors.New("unsupported argon2 version")
	}

	parsed := &parsedPHC{}
	var memorySet, timeSet, parallelismSet bool
	for _, pair := range strings.Split(parts[3], ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("invalid parameter entry")
		}
		switch kv[0] {
		case "m":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || uint32(v) < minArgon2MemoryKB || uint32(v) > maxArgon2MemoryKB {
				return nil, errors.New("invalid memory parameter")
			}
			parsed.memory = uint32(v)
			memorySet = true
		case "t":
			v, err := strconv.ParseUint(kv[1], 10, 32)
			if err != nil || v < 1 || uint32(v) > maxArgon2Time {
				return nil, errors.New("invalid time parameter")
			}
			parsed.time = uint32(v)
			timeSet = true
		case "p":
			v, err := strconv.ParseUint(kv[1], 10, 8)
			if err != nil || v < 1 || uint8(v) > maxParallelism {
				return nil, errors.New("invalid parallelism parameter")
			}
			parsed.parallelism = uint8(v)
			parallelismSet = true
		default:
			return nil, errors.New("unsupported parameter")
		}
	}
	if !memorySet || !timeSet || !parallelismSet {
		return nil, errors.New("missing parameters")
	}

	if parsed.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || uint32(len(parsed.salt)) < minSaltLength {
		return nil, errors.New("invalid salt")
	}
	if parsed.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || uint32(len(parsed.hash)) < minKeyLength {
		return nil, errors.New("invalid hash")
	}
	return parsed, nil
}

func validateConfig(cfg Config) error {
	switch cfg.Algorithm {
	case AlgorithmBcrypt:
		if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
			return fmt.Errorf("password: bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
		}
	case AlgorithmArgon2ID:
		p := cfg.Argon2
		if p.MemoryKB < minArgon2MemoryKB || p.MemoryKB > maxArgon2MemoryKB {
			return fmt.Errorf("password: argon2 memory must be between %d and %d KB", minArgon2MemoryKB, maxArgon2MemoryKB)
		}
		if p.Time < 1 || p.Time > maxArgon2Time {
			return fmt.Errorf("password: argon2 time must be between 1 and %d", maxArgon2Time)
		}
		if p.Parallelism < 1 || p.Parallelism > maxParallelism {
			return fmt.Errorf("password: argon2 parallelism must be between 1 and %d", maxParallelism)
		}
		if p.SaltLength < minSaltLength {
			return fmt.Errorf("password: argon2 salt length must be >= %d", minSaltLength)
		}
		if p.KeyLength < minKeyLength {
			return fmt.Errorf("password: argon2 key length must be >= %d", minKeyLength)
		}
	default:
		return fmt.Errorf("password: unsupported algorithm %q", cfg.Algorithm)
	}
	return nil
}
