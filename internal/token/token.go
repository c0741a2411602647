// Package token は暗号論的に安全なランダムトークンを生成します。
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// MinBytes はトークンに許可する最小バイト数（128ビット）です。
	MinBytes = 16

	csrfTokenBytes = 32
	sessionIDBytes = 16
)

// ErrTooShort は要求されたトークン長が MinBytes 未満の場合に返ります。
var ErrTooShort = errors.New("token: length must be at least 16 bytes")

// Generator はランダムトークンを生成します。
// 状態を持たないため、複数のゴルーチンから同時に利用できます。
type Generator struct {
	source io.Reader
}

// NewGenerator は crypto/rand を乱数源とする Generator を返します。
func NewGenerator() *Generator {
	return &Generator{source: rand.Reader}
}

// Generate は byteLength バイトの乱数を base64url（パディングなし）で返します。
func (g *Generator) Generate(byteLength int) (string, error) {
	if byteLength < MinBytes {
		return "", ErrTooShort
	}
	buf := make([]byte, byteLength)
	if _, err := io.ReadFull(g.reader(), buf); err != nil {
		return "", fmt.Errorf("token: entropy source failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CSRFToken は CSRF 用の 256 ビットトークンを返します。
func (g *Generator) CSRFToken() (string, error) {
	return g.Generate(csrfTokenBytes)
}

// SessionID はセッション識別子を返します。
func (g *Generator) SessionID() (string, error) {
	return g.Generate(sessionIDBytes)
}

func (g *Generator) reader() io.Reader {
	if g == nil || g.source == nil {
		return rand.Reader
	}
	return g.source
}
