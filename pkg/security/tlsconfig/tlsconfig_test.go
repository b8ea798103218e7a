package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

// writeSelfSigned writes a self-signed CA-capable pair and returns the paths.
func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "replica"},
        DNSNames:              []string{"replica"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kder, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)

    dir := t.TempDir()
    certFile = filepath.Join(dir, "cert.pem")
    keyFile = filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}), 0o600))
    return certFile, keyFile
}

func TestOptions_Disabled(t *testing.T) {
    var o Options
    for _, fn := range []func() (*tls.Config, error){o.Server, o.Client, o.ServerHotReload, o.ClientHotReload} {
        cfg, err := fn()
        assert.NoError(t, err)
        assert.Nil(t, cfg)
    }
}

func TestOptions_ServerRequiresKeyPair(t *testing.T) {
    o := Options{Enable: true}
    _, err := o.Server()
    assert.ErrorIs(t, err, ErrMissingKeyPair)
    _, err = o.ServerHotReload()
    assert.ErrorIs(t, err, ErrMissingKeyPair)
}

func TestOptions_MutualTLS(t *testing.T) {
    cert, key := writeSelfSigned(t)
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "replica"}

    t.Run("server", func(t *testing.T) {
        cfg, err := o.ServerHotReload()
        require.NoError(t, err)
        assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
        c, err := cfg.GetCertificate(nil)
        require.NoError(t, err)
        assert.NotEmpty(t, c.Certificate)
    })
    t.Run("client", func(t *testing.T) {
        cfg, err := o.ClientHotReload()
        require.NoError(t, err)
        assert.Equal(t, "replica", cfg.ServerName)
        assert.NotNil(t, cfg.RootCAs)
        c, err := cfg.GetClientCertificate(nil)
        require.NoError(t, err)
        assert.NotEmpty(t, c.Certificate)
    })
    t.Run("handshake", func(t *testing.T) {
        srv, err := o.Server()
        require.NoError(t, err)
        ln, err := tls.Listen("tcp", "127.0.0.1:0", srv)
        require.NoError(t, err)
        defer ln.Close()
        go func() {
            c, err := ln.Accept()
            if err != nil { return }
            _ = c.(*tls.Conn).Handshake()
            c.Close()
        }()
        cli, err := o.Client()
        require.NoError(t, err)
        conn, err := tls.Dial("tcp", ln.Addr().String(), cli)
        require.NoError(t, err)
        require.NoError(t, conn.Handshake())
        conn.Close()
    })
}

func TestOptions_BadCAFile(t *testing.T) {
    dir := t.TempDir()
    junk := filepath.Join(dir, "ca.pem")
    require.NoError(t, os.WriteFile(junk, []byte("not a cert"), 0o600))
    _, err := Options{Enable: true, CAFile: junk}.Client()
    assert.Error(t, err)
    _, err = Options{Enable: true, CAFile: filepath.Join(dir, "missing.pem")}.Client()
    assert.Error(t, err)
}
