package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ssh"

	"github.com/chute-io/chute/internal/client"
	"github.com/chute-io/chute/internal/filter"
	"github.com/chute-io/chute/internal/stats"
	"github.com/chute-io/chute/internal/wire"
	"github.com/chute-io/chute/internal/xfer"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// startServer runs a server on a loopback port and tears it down with
// the test.
func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	if cfg.Profile.Tag == "" {
		cfg.Profile = xfer.Profile{ZeroCopy: true, Tag: "test"}
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv
}

func fetch(t *testing.T, addr string, opts client.Options, req client.FetchRequest) ([]byte, client.FetchResult, error) {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, opts)
	require.NoError(t, err)
	defer c.Close()

	var buf bytes.Buffer
	res, err := c.Fetch(req, &buf)
	return buf.Bytes(), res, err
}

func TestServerFetchPlainTCP(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 1<<20)
	writeFile(t, root, "blob.bin", data)

	collector := stats.NewCollector()
	srv := startServer(t, Config{Root: root, Stats: collector})

	got, res, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "blob.bin"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, data, got)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.Transfers)
	assert.Equal(t, int64(len(data)), snap.BytesTransferred)
}

func TestServerFetchRange(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 100_000)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root})

	got, res, err := fetch(t, srv.Addr().String(), client.Options{},
		client.FetchRequest{Path: "blob.bin", Offset: 1000, Length: 50_000})
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), res.Bytes)
	assert.Equal(t, data[1000:51_000], got)
}

func TestServerFetchNestedPath(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 4096)
	writeFile(t, root, filepath.Join("a", "b", "blob.bin"), data)

	srv := startServer(t, Config{Root: root})

	got, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "a/b/blob.bin"})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServerFetchTLS(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 1<<18)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root, TLS: true})
	require.NotEmpty(t, srv.Fingerprint())

	got, _, err := fetch(t, srv.Addr().String(),
		client.Options{TLS: true, Fingerprint: srv.Fingerprint()},
		client.FetchRequest{Path: "blob.bin"})
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestServerFetchTLSBadFingerprint(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "blob.bin", []byte("secret"))

	srv := startServer(t, Config{Root: root, TLS: true})

	_, err := client.Dial(context.Background(), srv.Addr().String(),
		client.Options{TLS: true, Fingerprint: "SHA256:bm90IHRoZSByaWdodCBjZXJ0"})
	require.Error(t, err)
}

func TestServerFetchCompression(t *testing.T) {
	root := t.TempDir()
	data := bytes.Repeat([]byte("compressible payload "), 20_000)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root})

	for _, algo := range []string{wire.CompressZstd, wire.CompressLZ4} {
		t.Run(algo, func(t *testing.T) {
			got, res, err := fetch(t, srv.Addr().String(),
				client.Options{Compression: algo},
				client.FetchRequest{Path: "blob.bin"})
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), res.Bytes)
			assert.Equal(t, data, got)
		})
	}
}

func TestServerFetchDigest(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 1<<19)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root})

	got, res, err := fetch(t, srv.Addr().String(), client.Options{},
		client.FetchRequest{Path: "blob.bin", WantDigest: true})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	want := blake3.Sum256(data)
	assert.Equal(t, want[:], res.Digest)
}

func TestServerAuth(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 4096)
	writeFile(t, root, "blob.bin", data)

	newSigner := func() ssh.Signer {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		signer, err := ssh.NewSignerFromKey(priv)
		require.NoError(t, err)
		return signer
	}
	authorized := newSigner()

	keysPath := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(keysPath, ssh.MarshalAuthorizedKey(authorized.PublicKey()), 0o600))

	srv := startServer(t, Config{Root: root, AuthorizedKeys: keysPath})

	t.Run("authorized key", func(t *testing.T) {
		got, _, err := fetch(t, srv.Addr().String(),
			client.Options{Signer: authorized},
			client.FetchRequest{Path: "blob.bin"})
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, _, err := fetch(t, srv.Addr().String(),
			client.Options{Signer: newSigner()},
			client.FetchRequest{Path: "blob.bin"})
		require.Error(t, err)
	})

	t.Run("no key", func(t *testing.T) {
		_, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{})
		require.Error(t, err)
	})
}

func TestServerRejectsTraversal(t *testing.T) {
	parent := t.TempDir()
	writeFile(t, parent, "secret.txt", []byte("outside"))
	root := filepath.Join(parent, "root")
	require.NoError(t, os.Mkdir(root, 0o755))
	writeFile(t, root, "ok.txt", []byte("inside"))

	srv := startServer(t, Config{Root: root})

	for _, path := range []string{"../secret.txt", "a/../../secret.txt", "/etc/passwd", ""} {
		_, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: path})
		assert.Error(t, err, "path %q should be rejected", path)
	}

	got, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "ok.txt"})
	require.NoError(t, err)
	assert.Equal(t, []byte("inside"), got)
}

func TestServerRules(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.bin", []byte("payload"))
	writeFile(t, root, "host.key", []byte("private"))

	rules := filter.NewChain()
	require.NoError(t, rules.AddDeny("*.key"))

	srv := startServer(t, Config{Root: root, Rules: rules})

	_, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "host.key"})
	require.ErrorContains(t, err, "forbidden")

	got, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "data.bin"})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestServerRangeOutOfBounds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "blob.bin", make([]byte, 100))

	srv := startServer(t, Config{Root: root})

	cases := []client.FetchRequest{
		{Path: "blob.bin", Offset: 101},
		{Path: "blob.bin", Offset: 50, Length: 51},
		{Path: "blob.bin", Offset: -1},
		{Path: "blob.bin", Length: -1},
	}
	for _, req := range cases {
		_, _, err := fetch(t, srv.Addr().String(), client.Options{}, req)
		assert.ErrorContains(t, err, "range out of bounds")
	}
}

func TestServerNotFound(t *testing.T) {
	srv := startServer(t, Config{Root: t.TempDir()})

	_, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "missing.bin"})
	require.ErrorContains(t, err, "not found")
}

func TestServerStatsAction(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 8192)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root})

	_, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "blob.bin"})
	require.NoError(t, err)

	c, err := client.Dial(context.Background(), srv.Addr().String(), client.Options{})
	require.NoError(t, err)
	defer c.Close()

	snap, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Transfers)
	assert.Equal(t, int64(len(data)), snap.BytesTransferred)
}

func TestServerBandwidthLimit(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 64*1024)
	writeFile(t, root, "blob.bin", data)

	collector := stats.NewCollector()
	srv := startServer(t, Config{Root: root, BWLimit: 10 << 20, Stats: collector})

	got, _, err := fetch(t, srv.Addr().String(), client.Options{}, client.FetchRequest{Path: "blob.bin"})
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The limiter wrapper hides the raw descriptor, so the transfer
	// must have gone buffered.
	assert.Equal(t, int64(0), collector.Snapshot().ZeroCopyTransfers)
}

func TestServerQUIC(t *testing.T) {
	root := t.TempDir()
	data := randomData(t, 1<<18)
	writeFile(t, root, "blob.bin", data)

	srv := startServer(t, Config{Root: root, QUICListen: "127.0.0.1:0"})
	require.NotNil(t, srv.QUICAddr())

	got, res, err := fetch(t, srv.QUICAddr().String(), client.Options{QUIC: true}, client.FetchRequest{Path: "blob.bin"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Bytes)
	assert.Equal(t, data, got)
}

func TestServerUnknownAction(t *testing.T) {
	srv := startServer(t, Config{Root: t.TempDir()})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	var hello wire.Hello
	require.NoError(t, wire.ReadMessage(conn, &hello))
	assert.Equal(t, ProtocolVersion, hello.Version)
	assert.False(t, hello.AuthRequired)

	require.NoError(t, wire.WriteMessage(conn, wire.Request{Action: "bogus"}))

	var resp wire.Response
	require.NoError(t, wire.ReadMessage(conn, &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "unknown action")
}

func TestNewValidatesRoot(t *testing.T) {
	_, err := New(Config{Root: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	file := writeFile(t, t.TempDir(), "file.txt", []byte("x"))
	_, err = New(Config{Root: file})
	require.Error(t, err)
}
