package paysign

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "checksum-key"

// Provider sample: secret, data object and the digest it publishes.
const (
	sampleKey  = "1a54716c8f0efb2744fb28b6e38b25da7f67a925d98bc1c18bd8faaecadd7675"
	sampleData = `{"orderCode":1760177888,"amount":5000,"description":"DH1760177888","accountNumber":"12345678","reference":"FT25101234","counterAccountName":null,"code":"00","desc":"success"}`
	sampleMsg  = "accountNumber=12345678&amount=5000&code=00&counterAccountName=&desc=success&description=DH1760177888&orderCode=1760177888&reference=FT25101234"
	sampleSig  = "2B516D15D9359D7BA33189616FBBE9F608368109EEC1BDE73ACA521F2936DC2C"
)

func TestSignMatchesKnownDigest(t *testing.T) {
	data, err := Decode([]byte(sampleData))
	require.NoError(t, err)

	assert.Equal(t, sampleMsg, Canonical(data))
	assert.Equal(t, sampleSig, Sign(sampleKey, data))
	assert.True(t, Verify(sampleKey, data, sampleSig))
}

func TestVerifyRejectsEverySingleByteMutation(t *testing.T) {
	for i := 0; i < len(sampleMsg); i++ {
		mutated := []byte(sampleMsg)
		mutated[i] ^= 0x01
		assert.False(t, verifyMessage(sampleKey, string(mutated), sampleSig), "message byte %d", i)
	}

	for i := 0; i < len(sampleSig); i++ {
		mutated := []byte(sampleSig)
		if mutated[i] == '0' {
			mutated[i] = '1'
		} else {
			mutated[i] = '0'
		}
		assert.False(t, verifyMessage(sampleKey, sampleMsg, string(mutated)), "signature byte %d", i)
	}
}

func TestCanonicalSortsKeysAndKeepsNumberLiterals(t *testing.T) {
	data, err := Decode([]byte(`{"orderCode":123456789012,"amount":20000,"desc":"DH1","counterAccountName":null,"ok":true}`))
	require.NoError(t, err)

	assert.Equal(t, "amount=20000&counterAccountName=&desc=DH1&ok=true&orderCode=123456789012", Canonical(data))
}

func TestCanonicalEncodesNestedValuesAsJSON(t *testing.T) {
	data, err := Decode([]byte(`{"b":[1,2],"a":{"x":"y"}}`))
	require.NoError(t, err)

	assert.Equal(t, `a={"x":"y"}&b=[1,2]`, Canonical(data))
}

func TestVerifyAcceptsEitherHexCase(t *testing.T) {
	data := map[string]any{"orderCode": int64(42), "amount": int64(22000)}
	sig := Sign(testKey, data)

	assert.True(t, Verify(testKey, data, sig))
	assert.True(t, Verify(testKey, data, " "+strings.ToLower(sig)+" "))
}

func TestVerifyRejectsAnyMutation(t *testing.T) {
	data := map[string]any{"orderCode": int64(42), "amount": int64(22000)}
	sig := Sign(testKey, data)

	tampered := map[string]any{"orderCode": int64(42), "amount": int64(22001)}
	assert.False(t, Verify(testKey, tampered, sig))
	assert.False(t, Verify("other-key", data, sig))
	assert.False(t, Verify(testKey, data, ""))
	assert.False(t, Verify("", data, sig))

	flipped := []byte(sig)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	assert.False(t, Verify(testKey, data, string(flipped)))
}

func TestDecodeRejectsNonObject(t *testing.T) {
	_, err := Decode([]byte(`null`))
	assert.Error(t, err)
	_, err = Decode([]byte(`[1]`))
	assert.Error(t, err)
}

