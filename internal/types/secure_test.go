package types

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretString_StringIsRedacted(t *testing.T) {
	secret := SecretString("sk_live_abc123")

	assert.Equal(t, "***REDACTED***", secret.String())
	assert.Equal(t, "***REDACTED***", fmt.Sprintf("%v", secret))
	assert.Equal(t, "***REDACTED***", fmt.Sprintf("%s", secret))
}

func TestSecretString_MarshalJSONIsRedacted(t *testing.T) {
	payload := struct {
		Key SecretString `json:"key"`
	}{Key: "whsec_secret_value"}

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"***REDACTED***"}`, string(out))
}

func TestSecretString_Unmask(t *testing.T) {
	secret := SecretString("sk_test_plaintext")
	assert.Equal(t, "sk_test_plaintext", secret.Unmask())
}
