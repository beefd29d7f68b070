package cryptoutils

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttestationTypeFromString(t *testing.T) {
	attType, err := AttestationTypeFromString("qemu-tdx")
	require.NoError(t, err)
	assert.Equal(t, DCAPAttestation.OID, attType.OID)

	attType, err = AttestationTypeFromString("dummy")
	require.NoError(t, err)
	assert.Equal(t, DummyAttestation.OID, attType.OID)

	_, err = AttestationTypeFromString("sev-snp")
	assert.Error(t, err)
}

func TestRemoteAttestationProviderAttest(t *testing.T) {
	var reportData [64]byte
	copy(reportData[:], []byte("worker account binding"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, "/attest/"))
		assert.Equal(t, hex.EncodeToString(reportData[:]), strings.TrimPrefix(r.URL.Path, "/attest/"))
		_, _ = w.Write([]byte("raw quote bytes"))
	}))
	defer srv.Close()

	provider := &RemoteAttestationProvider{Address: srv.URL}
	assert.Equal(t, DCAPAttestation, provider.AttestationType())

	quote, err := provider.Attest(reportData)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw quote bytes"), quote)
}

func TestRemoteAttestationProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quote generation failed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	provider := &RemoteAttestationProvider{Address: srv.URL}
	_, err := provider.Attest([64]byte{})
	assert.ErrorContains(t, err, "status 500")
}

func TestVerifyDCAPAttestationRejectsGarbage(t *testing.T) {
	_, err := VerifyDCAPAttestation([64]byte{}, []byte("not a quote"))
	assert.Error(t, err)
}
