package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateTestCert returns a throwaway self-signed certificate and its PEM
// key, for exercising TLSConfig's CA/client-certificate loading paths.
func generateTestCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "config-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "8443", cfg.Port)
	assert.False(t, cfg.UseTLS)
	assert.Equal(t, time.Second, cfg.PollTimeout)
	assert.Equal(t, 10*time.Second, cfg.ReceiveTimeout)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
	assert.Equal(t, 5*time.Second, cfg.RetryConnectTimeout)
	assert.Equal(t, time.Second, cfg.BusySleep)
	assert.Equal(t, 60*time.Second, cfg.ResendTimeout)
	assert.Equal(t, 65536, cfg.MaxMessageSize)
	assert.Equal(t, 256, cfg.QueueCapacity)
	assert.Equal(t, 128, cfg.ContextPoolCapacity)
	assert.Equal(t, 30*time.Second, cfg.LEMaxAgeRSSI)
	assert.Equal(t, 168*time.Hour, cfg.LEMaxUnavailability)
	assert.Equal(t, 30*time.Second, cfg.ClassicArtificialAvailability)
}

func TestConfig_TLSConfigNilWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	tlsCfg, err := cfg.TLSConfig()
	assert.NoError(t, err)
	assert.Nil(t, tlsCfg)
}

func TestConfig_TLSConfigSetsServerName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.Host = "gateway.example.com"

	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.Equal(t, "gateway.example.com", tlsCfg.ServerName)
}

func TestConfig_TLSConfigInsecureSkipVerifyPropagates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSInsecureSkipVerify = true

	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg)
	assert.True(t, tlsCfg.InsecureSkipVerify)
}

func TestConfig_TLSConfigLoadsCABundle(t *testing.T) {
	caPEM, _ := generateTestCert(t)
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caPath, caPEM, 0o600))

	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSCAFile = caPath

	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.NotNil(t, tlsCfg.RootCAs)
}

func TestConfig_TLSConfigCAFileMissingReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSCAFile = filepath.Join(t.TempDir(), "does-not-exist.pem")

	_, err := cfg.TLSConfig()
	assert.Error(t, err)
}

func TestConfig_TLSConfigCAFileMalformedReturnsError(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(caPath, []byte("not a certificate"), 0o600))

	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSCAFile = caPath

	_, err := cfg.TLSConfig()
	assert.Error(t, err)
}

func TestConfig_TLSConfigLoadsClientCertificate(t *testing.T) {
	certPEM, keyPEM := generateTestCert(t)
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client-key.pem")
	require.NoError(t, os.WriteFile(certPath, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))

	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSCertFile = certPath
	cfg.TLSKeyFile = keyPath

	tlsCfg, err := cfg.TLSConfig()
	require.NoError(t, err)
	require.Len(t, tlsCfg.Certificates, 1)
}

func TestConfig_TLSConfigCertWithoutKeyReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSCertFile = "cert.pem"

	_, err := cfg.TLSConfig()
	assert.Error(t, err)
}

func TestConfig_TLSConfigKeyWithoutCertReturnsError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UseTLS = true
	cfg.TLSKeyFile = "key.pem"

	_, err := cfg.TLSConfig()
	assert.Error(t, err)
}

func TestConfig_ParsedLogLevelFallsBackToInfo(t *testing.T) {
	cfg := &Config{LogLevel: "not-a-level"}
	assert.Equal(t, logrus.InfoLevel, cfg.ParsedLogLevel())
}

func TestConfig_ParsedLogLevelRecognized(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	assert.Equal(t, logrus.DebugLevel, cfg.ParsedLogLevel())
}

func TestConfig_NewLogger(t *testing.T) {
	cfg := &Config{LogLevel: "warn"}
	logger := cfg.NewLogger()

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
	assert.True(t, formatter.FullTimestamp)
	assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
