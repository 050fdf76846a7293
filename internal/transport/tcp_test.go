package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/gelfbridge/internal/diagnostics"
	"github.com/kraklabs/gelfbridge/internal/emit"
)

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func TestTCPReceiver_FramesInOrder(t *testing.T) {
	addr := freeTCPAddr(t)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv, err := NewTCPReceiver(TCPConfig{
		Addr:             addr,
		MaxInflatedBytes: 8 << 20,
		MaxFrameBytes:    8 << 20,
	}, emit.New(out), counters, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recv.Serve(ctx) }()

	conn := dialTCP(t, addr)
	defer conn.Close()

	frames := []byte(`{"short_message":"one"}` + "\x00" + `{"short_message":"two"}` + "\x00" + `{"short_message":"three"}` + "\x00")
	_, err = conn.Write(frames)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("\n")) == 3
	}, time.Second, 5*time.Millisecond)

	lines := bytes.Split(bytes.TrimRight(out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), `"@mt":"one"`)
	assert.Contains(t, string(lines[1]), `"@mt":"two"`)
	assert.Contains(t, string(lines[2]), `"@mt":"three"`)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestTCPReceiver_FrameTooLargeClosesConnection(t *testing.T) {
	addr := freeTCPAddr(t)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv, err := NewTCPReceiver(TCPConfig{
		Addr:             addr,
		MaxInflatedBytes: 8 << 20,
		MaxFrameBytes:    16,
	}, emit.New(out), counters, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recv.Serve(ctx) }()

	conn := dialTCP(t, addr)
	defer conn.Close()

	_, err = conn.Write(bytes.Repeat([]byte("x"), 64)) // no delimiter, exceeds the 16-byte cap
	require.NoError(t, err)

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(buf)
	assert.Error(t, err) // connection closed by the receiver
}

func TestTCPReceiver_TLSBatchEmitsFramesInOrder(t *testing.T) {
	addr := freeTCPAddr(t)
	certPath, keyPath := writeSelfSignedCert(t)

	out := &syncBuffer{}
	counters := &diagnostics.Counters{}
	recv, err := NewTCPReceiver(TCPConfig{
		Addr:             addr,
		MaxInflatedBytes: 8 << 20,
		MaxFrameBytes:    8 << 20,
		TLSCertPath:      certPath,
		TLSKeyPath:       keyPath,
	}, emit.New(out), counters, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recv.Serve(ctx) }()

	var conn *tls.Conn
	require.Eventually(t, func() bool {
		conn, err = tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		return err == nil
	}, time.Second, 5*time.Millisecond)
	defer conn.Close()

	frames := []byte(`{"short_message":"one"}` + "\x00" + `{"short_message":"two"}` + "\x00" + `{"short_message":"three"}` + "\x00")
	_, err = conn.Write(frames)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bytes.Count(out.Bytes(), []byte("\n")) == 3
	}, time.Second, 5*time.Millisecond)

	lines := bytes.Split(bytes.TrimRight(out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 3)
	assert.Contains(t, string(lines[0]), `"@mt":"one"`)
	assert.Contains(t, string(lines[1]), `"@mt":"two"`)
	assert.Contains(t, string(lines[2]), `"@mt":"three"`)

	// Connection close produces no additional output.
	require.NoError(t, conn.Close())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, bytes.Count(out.Bytes(), []byte("\n")))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestNewTCPReceiver_BadTLSMaterialFailsStartup(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))

	_, err := NewTCPReceiver(TCPConfig{
		Addr:        "127.0.0.1:0",
		TLSCertPath: bad,
		TLSKeyPath:  bad,
	}, emit.New(&syncBuffer{}), &diagnostics.Counters{}, nil)
	require.Error(t, err)
}

// writeSelfSignedCert generates a throwaway localhost certificate for the
// TLS listener tests.
func writeSelfSignedCert(t *testing.T) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certPath, keyPath
}

func dialTCP(t *testing.T, addr string) net.Conn {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return conn
}
