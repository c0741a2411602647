package session

import (
	"bytes"
	"crypto/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func randomKeys(t *testing.T) KeyMaterial {
	t.Helper()
	enc := make([]byte, 32)
	sig := make([]byte, 64)
	_, err := rand.Read(enc)
	require.NoError(t, err)
	_, err = rand.Read(sig)
	require.NoError(t, err)
	return KeyMaterial{EncryptionKey: enc, SigningKey: sig}
}

func newTestCodec(t *testing.T, keys KeyMaterial) *Codec {
	t.Helper()
	c, err := NewCodec("bs_session", keys, 24*time.Hour)
	require.NoError(t, err)
	return c
}

func sampleSession() *Session {
	return &Session{
		ID:        "c2Vzc2lvbi1pZC0wMDAx",
		UserID:    42,
		CSRFToken: "T1-9f2c1d4e5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e",
		IssuedAt:  time.Unix(1760000000, 0).UTC(),
	}
}

func requireSameSession(t *testing.T, want, got *Session) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.UserID, got.UserID)
	require.Equal(t, want.CSRFToken, got.CSRFToken)
	require.True(t, want.IssuedAt.Equal(got.IssuedAt), "issuedAt %v != %v", want.IssuedAt, got.IssuedAt)
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	sessions := []*Session{
		sampleSession(),
		{ID: strings.Repeat("i", 255), UserID: 1, CSRFToken: strings.Repeat("t", 255), IssuedAt: time.Unix(0, 0).UTC()},
		{ID: "x", UserID: 1<<62 + 7, CSRFToken: "y", IssuedAt: time.Now().UTC().Truncate(time.Second)},
	}
	for _, s := range sessions {
		value, err := c.Encode(s)
		require.NoError(t, err)

		got, err := c.Decode(value)
		require.NoError(t, err)
		requireSameSession(t, s, got)
	}
}

func TestCodecUsesFreshNonce(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	s := sampleSession()

	a, err := c.Encode(s)
	require.NoError(t, err)
	b, err := c.Encode(s)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	// 暗号文に平文のトークンが含まれないこと
	require.NotContains(t, a, s.CSRFToken)
}

func TestCodecRejectsEveryBitFlip(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	value, err := c.Encode(sampleSession())
	require.NoError(t, err)

	raw := []byte(value)
	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			tampered := bytes.Clone(raw)
			tampered[i] ^= 1 << bit

			got, err := c.Decode(string(tampered))
			if err == nil {
				t.Fatalf("byte %d bit %d: tampered cookie decoded to %v", i, bit, got)
			}
			require.ErrorIs(t, err, ErrMalformedSession)
			require.Nil(t, got)
		}
	}
}

func TestCodecRejectsOtherKeyPair(t *testing.T) {
	previous := newTestCodec(t, randomKeys(t))
	current := newTestCodec(t, randomKeys(t))

	value, err := previous.Encode(sampleSession())
	require.NoError(t, err)

	_, err = current.Decode(value)
	require.ErrorIs(t, err, ErrMalformedSession)
}

func TestCodecRejectsSwappedSigningKey(t *testing.T) {
	keys := randomKeys(t)
	other := randomKeys(t)

	value, err := newTestCodec(t, keys).Encode(sampleSession())
	require.NoError(t, err)

	sameEnc := newTestCodec(t, KeyMaterial{EncryptionKey: keys.EncryptionKey, SigningKey: other.SigningKey})
	_, err = sameEnc.Decode(value)
	require.ErrorIs(t, err, ErrMalformedSession)
}

func TestCodecBindsCookieName(t *testing.T) {
	keys := randomKeys(t)
	a, err := NewCodec("bs_session", keys, time.Hour)
	require.NoError(t, err)
	b, err := NewCodec("other", keys, time.Hour)
	require.NoError(t, err)

	value, err := a.Encode(sampleSession())
	require.NoError(t, err)
	_, err = b.Decode(value)
	require.ErrorIs(t, err, ErrMalformedSession)
}

func TestCodecRejectsMalformedInput(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	value, err := c.Encode(sampleSession())
	require.NoError(t, err)

	inputs := []string{
		"",
		"not base64 !!",
		"YWJj",
		value[:len(value)/2],
		value + "AAAA",
		value[:10] + "\n" + value[10:],
		strings.Repeat("A", maxCookieLength+4),
	}
	for _, in := range inputs {
		got, err := c.Decode(in)
		require.ErrorIs(t, err, ErrMalformedSession, "input %q", in)
		require.Nil(t, got)
	}
}

func TestCodecRejectsStructurallyInvalidPayload(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	valid, err := marshalSession(sampleSession())
	require.NoError(t, err)

	wrongVersion := bytes.Clone(valid)
	wrongVersion[0] = 2

	zeroUser := bytes.Clone(valid)
	for i := 1; i < 9; i++ {
		zeroUser[i] = 0
	}

	payloads := map[string][]byte{
		"empty":         {},
		"short":         valid[:5],
		"wrong version": wrongVersion,
		"zero user":     zeroUser,
		"truncated":     valid[:len(valid)-1],
		"trailing":      append(bytes.Clone(valid), 0x00),
	}
	for name, payload := range payloads {
		// 正しい鍵で署名されていても中身が不正なら拒否する
		value, err := c.sc.Encode(c.name, payload)
		require.NoError(t, err, name)

		got, err := c.Decode(value)
		require.ErrorIs(t, err, ErrMalformedSession, name)
		require.Nil(t, got, name)
	}
}

func TestCodecEncodeValidatesSession(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))

	_, err := c.Encode(nil)
	require.Error(t, err)

	s := sampleSession()
	s.UserID = 0
	_, err = c.Encode(s)
	require.Error(t, err)

	s = sampleSession()
	s.CSRFToken = ""
	_, err = c.Encode(s)
	require.Error(t, err)

	s = sampleSession()
	s.ID = strings.Repeat("a", 256)
	_, err = c.Encode(s)
	require.Error(t, err)
}

func TestNewCodecValidatesKeys(t *testing.T) {
	keys := randomKeys(t)

	_, err := NewCodec("", keys, time.Hour)
	require.Error(t, err)

	_, err = NewCodec("bs_session", KeyMaterial{EncryptionKey: keys.EncryptionKey[:15], SigningKey: keys.SigningKey}, time.Hour)
	require.Error(t, err)

	_, err = NewCodec("bs_session", KeyMaterial{EncryptionKey: keys.EncryptionKey, SigningKey: keys.SigningKey[:31]}, time.Hour)
	require.Error(t, err)

	for _, n := range []int{16, 24, 32} {
		_, err = NewCodec("bs_session", KeyMaterial{EncryptionKey: keys.EncryptionKey[:n], SigningKey: keys.SigningKey[:32]}, time.Hour)
		require.NoError(t, err)
	}
}

func TestCodecDoesNotRetainCallerKeys(t *testing.T) {
	keys := randomKeys(t)
	c := newTestCodec(t, keys)
	value, err := c.Encode(sampleSession())
	require.NoError(t, err)

	for i := range keys.SigningKey {
		keys.SigningKey[i] = 0
	}
	_, err = c.Decode(value)
	require.NoError(t, err)
}

func TestCodecConcurrentUse(t *testing.T) {
	c := newTestCodec(t, randomKeys(t))
	s := sampleSession()

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				value, err := c.Encode(s)
				if err != nil {
					errs <- err
					return
				}
				if _, err := c.Decode(value); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestSessionStringRedactsToken(t *testing.T) {
	s := sampleSession()
	for _, out := range []string{s.String(), s.GoString()} {
		require.NotContains(t, out, s.CSRFToken)
		require.Contains(t, out, "[REDACTED]")
		require.Contains(t, out, s.ID)
	}
	logged, ok := s.MarshalLog().(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "[REDACTED]", logged["csrfToken"])
}
