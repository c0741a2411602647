package session

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	formatVersion byte = 1

	// version + userID + issuedAt + 2つの長さバイト
	fixedPayloadSize = 1 + 8 + 8 + 1 + 1
	maxFieldLength   = 255
	maxCookieLength  = 4096

	minSigningKeyLength = 32
)

// KeyMaterial はセッション Cookie の暗号化鍵と署名鍵です。
// 起動時に一度だけ読み込み、プロセスの生存中は変更しません。
type KeyMaterial struct {
	EncryptionKey []byte
	SigningKey    []byte
}

// Validate は鍵長を検証します。
func (k KeyMaterial) Validate() error {
	switch len(k.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("session: encryption key must be 16, 24 or 32 bytes, got %d", len(k.EncryptionKey))
	}
	if len(k.SigningKey) < minSigningKeyLength {
		return fmt.Errorf("session: signing key must be at least %d bytes, got %d", minSigningKeyLength, len(k.SigningKey))
	}
	return nil
}

// Codec は Session を暗号化・署名済みの Cookie 値に変換します。
//
// 暗号方式は securecookie の encrypt-then-MAC（AES-CTR + HMAC-SHA256）で、
// 呼び出しごとにランダムな IV を使います。MAC には Cookie 名と発行時刻も含まれます。
// 鍵以外の状態を持たないため、ロックなしで並行に利用できます。
type Codec struct {
	name string
	sc   *securecookie.SecureCookie
}

// NewCodec は Codec を作成します。maxAge は securecookie のタイムスタンプ検証に使われ、
// 0 の場合は無効になります。
func NewCodec(cookieName string, keys KeyMaterial, maxAge time.Duration) (*Codec, error) {
	if cookieName == "" {
		return nil, errors.New("session: cookie name is required")
	}
	if err := keys.Validate(); err != nil {
		return nil, err
	}

	sc := securecookie.New(cloneBytes(keys.SigningKey), cloneBytes(keys.EncryptionKey))
	sc.SetSerializer(securecookie.NopEncoder{})
	sc.MaxAge(int(maxAge / time.Second))
	sc.MaxLength(maxCookieLength)

	return &Codec{name: cookieName, sc: sc}, nil
}

// Encode はセッションを Cookie 値に変換します。
func (c *Codec) Encode(s *Session) (string, error) {
	payload, err := marshalSession(s)
	if err != nil {
		return "", err
	}
	value, err := c.sc.Encode(c.name, payload)
	if err != nil {
		return "", fmt.Errorf("session: encode failed: %w", err)
	}
	return value, nil
}

// Decode は Cookie 値を検証してセッションに戻します。
// どのような理由で失敗しても ErrMalformedSession だけを返します。
func (c *Codec) Decode(value string) (*Session, error) {
	if value == "" || len(value) > maxCookieLength || strings.ContainsAny(value, "\r\n") {
		return nil, ErrMalformedSession
	}
	// securecookie 自体は非厳格な base64 で復号するため、
	// 捨てられるパディングビットの改変もここで拒否する
	if _, err := base64.URLEncoding.Strict().DecodeString(value); err != nil {
		return nil, ErrMalformedSession
	}

	var payload []byte
	if err := c.sc.Decode(c.name, value, &payload); err != nil {
		return nil, ErrMalformedSession
	}

	s, err := unmarshalSession(payload)
	if err != nil {
		return nil, ErrMalformedSession
	}
	return s, nil
}

// marshalSession は固定の順序でセッションをバイト列にします。
//
//	version(1) | userID(8, BE) | issuedAt unix秒(8, BE) | len(ID)(1) | ID | len(CSRFToken)(1) | CSRFToken
func marshalSession(s *Session) ([]byte, error) {
	if s == nil {
		return nil, errors.New("session: session is nil")
	}
	if err := validateFields(s.ID, s.UserID, s.CSRFToken); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(fixedPayloadSize + len(s.ID) + len(s.CSRFToken))
	buf.WriteByte(formatVersion)

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(s.UserID))
	buf.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(s.IssuedAt.Unix()))
	buf.Write(num[:])

	buf.WriteByte(byte(len(s.ID)))
	buf.WriteString(s.ID)
	buf.WriteByte(byte(len(s.CSRFToken)))
	buf.WriteString(s.CSRFToken)

	return buf.Bytes(), nil
}

func unmarshalSession(data []byte) (*Session, error) {
	if len(data) < fixedPayloadSize {
		return nil, errors.New("payload too short")
	}
	if data[0] != formatVersion {
		return nil, errors.New("unsupported session version")
	}

	userID := int64(binary.BigEndian.Uint64(data[1:9]))
	issuedAt := int64(binary.BigEndian.Uint64(data[9:17]))

	rest := data[17:]
	id, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	csrfToken, rest, err := readField(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, errors.New("trailing bytes")
	}
	if err := validateFields(id, userID, csrfToken); err != nil {
		return nil, err
	}

	return &Session{
		ID:        id,
		UserID:    userID,
		CSRFToken: csrfToken,
		IssuedAt:  time.Unix(issuedAt, 0).UTC(),
	}, nil
}

func readField(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, errors.New("missing field length")
	}
	n := int(data[0])
	data = data[1:]
	if len(data) < n {
		return "", nil, errors.New("field truncated")
	}
	return string(data[:n]), data[n:], nil
}

func validateFields(id string, userID int64, csrfToken string) error {
	if userID <= 0 {
		return errors.New("session: user id must be positive")
	}
	if id == "" || len(id) > maxFieldLength {
		return errors.New("session: invalid session id")
	}
	if csrfToken == "" || len(csrfToken) > maxFieldLength {
		return errors.New("session: invalid csrf token")
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
