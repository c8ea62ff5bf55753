package crypto

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/forecastpool/internal/domain"
)

// Well-known hardhat account #0.
const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	msg := []byte("hello forecastpool")
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)

	got, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	other, err := RecoverAddress([]byte("tampered"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestRecoverAddressRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		sig  string
	}{
		{"not hex", "0xzz"},
		{"short", "0x1234"},
		{"bad recovery id", "0x" + strings.Repeat("11", 64) + "05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RecoverAddress([]byte("m"), tt.sig)
			require.ErrorIs(t, err, domain.ErrBadSignature)
		})
	}
}

func TestVerifierRequest(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(5*time.Minute, func() time.Time { return now })

	req := Request{
		Action:   "place_wager",
		Fields:   []Field{{"round", "7"}, {"side", "correct"}, {"amount", "1000"}},
		IssuedAt: now.Add(-time.Minute),
	}
	assert.Equal(t,
		"forecastpool:place_wager\nround=7\nside=correct\namount=1000\nissued_at="+strconv.FormatInt(req.IssuedAt.Unix(), 10),
		string(req.Message()))

	sig, err := s.Sign(req)
	require.NoError(t, err)

	addr, err := v.Verify(req, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	t.Run("field change yields a different signer", func(t *testing.T) {
		changed := req
		changed.Fields = []Field{{"round", "7"}, {"side", "incorrect"}, {"amount", "1000"}}
		addr, err := v.Verify(changed, sig)
		require.NoError(t, err)
		assert.NotEqual(t, s.Address(), addr)
	})

	t.Run("expired", func(t *testing.T) {
		old := req
		old.IssuedAt = now.Add(-10 * time.Minute)
		sig, err := s.Sign(old)
		require.NoError(t, err)
		_, err = v.Verify(old, sig)
		require.ErrorIs(t, err, domain.ErrBadSignature)
	})
}

func TestHMACAuth(t *testing.T) {
	h := &HMACAuth{Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	body := `{"value":"4700000000000"}`

	headers := h.Headers("POST", "/api/feed/price", body, now.Unix())
	ts, sig := headers[HeaderFeedTimestamp], headers[HeaderFeedSignature]

	require.NoError(t, h.Verify("POST", "/api/feed/price", body, ts, sig, now.Add(10*time.Second)))

	err := h.Verify("POST", "/api/feed/price", body+" ", ts, sig, now)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = h.Verify("POST", "/api/feed/price", body, ts, sig, now.Add(2*time.Minute))
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = (&HMACAuth{}).Verify("POST", "/api/feed/price", body, ts, sig, now)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.NotContains(t, h.String(), "s3cret")
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	// Repointing the file at another account breaks authentication.
	tampered := strings.Replace(string(blob), strings.ToLower("f39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), "70997970c51812dc3a010c7d01b50e0d17dc79c8", 1)
	require.NotEqual(t, string(blob), tampered)
	_, err = DecryptKey([]byte(tampered), "pw")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "payout.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	_, err = LoadSigner(KeyConfig{})
	require.Error(t, err)
}
