package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailleopard-backend/internal/model"
)

func TestParseStaticSenders(t *testing.T) {
	doc := []byte(`
senders:
  - name: Marketing
    email: marketing@example.com
    host: smtp.example.com
    port: 465
    username: marketing
    password: secret
    encryption: ssl
  - name: Support
    email: support@example.com
    host: ""
    username: support
`)

	profiles, err := ParseStaticSenders(doc)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, "config_0", profiles[0].ID)
	assert.Equal(t, model.EncryptionSSL, profiles[0].Encryption)
	assert.Equal(t, 465, profiles[0].Port)
	assert.Empty(t, profiles[0].Undeclared)
	assert.True(t, profiles[0].Static)

	assert.Equal(t, "config_1", profiles[1].ID)
	assert.Equal(t, "", profiles[1].Host)
	assert.ElementsMatch(t, []string{"port", "password", "encryption"}, profiles[1].Undeclared)
}

func TestParseStaticSendersInvalidYAML(t *testing.T) {
	_, err := ParseStaticSenders([]byte("senders: [::"))
	require.Error(t, err)
}

func TestLoadStaticSendersEmptyPath(t *testing.T) {
	profiles, err := LoadStaticSenders("")
	require.NoError(t, err)
	assert.Nil(t, profiles)
}

func TestDefaultProfileNameFallsBackToAddress(t *testing.T) {
	d := SMTPDefaults{Host: "smtp.example.com", Port: 587, FromAddress: "noreply@example.com", Encryption: "tls"}
	assert.Equal(t, "noreply@example.com", d.DefaultProfile().Name)

	d.FromName = "Mailer"
	assert.Equal(t, "Mailer", d.DefaultProfile().Name)
}
