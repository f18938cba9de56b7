package conncheck

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/viarom/furnivia/internal/dbconfig"
)

type fakeChecker struct {
	err  error
	urls []string
}

func (f *fakeChecker) Check(_ context.Context, url string) error {
	f.urls = append(f.urls, url)
	return f.err
}

func TestValidator_RejectsBadShapeWithoutChecking(t *testing.T) {
	fc := &fakeChecker{}
	v := NewValidator(fc)
	err := v.TestConnection(context.Background(), dbconfig.Config{Type: "cloud", URL: "postgres://h/db"})
	assert.Error(t, err)
	assert.Empty(t, fc.urls)
}

func TestValidator_PropagatesCheckerError(t *testing.T) {
	fc := &fakeChecker{err: errors.New("password authentication failed")}
	v := NewValidator(fc)
	err := v.TestConnection(context.Background(), dbconfig.Default(""))
	assert.EqualError(t, err, "password authentication failed")
	assert.Equal(t, []string{dbconfig.FallbackURL}, fc.urls)
}

// closedPort returns a loopback port nobody listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestPgxChecker_Unreachable(t *testing.T) {
	url := "postgresql://user:password@" + closedPort(t) + "/furnizori_dev?sslmode=disable"
	start := time.Now()
	err := PgxChecker{Timeout: 3 * time.Second}.Check(context.Background(), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connect")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPgxChecker_InvalidURL(t *testing.T) {
	err := PgxChecker{}.Check(context.Background(), "postgresql://%zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid connection string")
}

func TestPgxChecker_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("furnizori_dev"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	v := NewValidator(PgxChecker{Timeout: 10 * time.Second})
	require.NoError(t, v.TestConnection(ctx, dbconfig.Config{Type: dbconfig.TypeLocal, URL: dsn}))

	bad := dbconfig.FromURL(dsn)
	bad.URL = "postgresql://user:wrong@" + bad.Host + ":" + portOf(t, container, ctx) + "/furnizori_dev?sslmode=disable"
	assert.Error(t, v.TestConnection(ctx, bad))
}

func portOf(t *testing.T, c *postgres.PostgresContainer, ctx context.Context) string {
	t.Helper()
	p, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return p.Port()
}

func TestScriptChecker_ProvisionsInDev(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend", "test_connection.py")
	c := ScriptChecker{ScriptPath: path, Dev: true}
	require.NoError(t, c.EnsureScript())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "psycopg2.connect(db_url)")

	missing := ScriptChecker{ScriptPath: filepath.Join(t.TempDir(), "nope.py")}
	assert.Error(t, missing.EnsureScript())
}

func TestScriptChecker_ReportsScriptOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh as the interpreter")
	}
	dir := t.TempDir()
	fail := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(fail, []byte("echo starting\necho \"Connection failed: could not translate host name\"\nexit 1\n"), 0o600))
	ok := filepath.Join(dir, "ok.sh")
	require.NoError(t, os.WriteFile(ok, []byte("echo \"Connection successful\"\n"), 0o600))

	// sh accepts -u (error on unset variables), standing in for python -u.
	err := ScriptChecker{Python: "sh", ScriptPath: fail}.Check(context.Background(), "postgresql://x")
	assert.EqualError(t, err, "Connection failed: could not translate host name")

	assert.NoError(t, ScriptChecker{Python: "sh", ScriptPath: ok}.Check(context.Background(), "postgresql://x"))
}

func TestScriptChecker_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh as the interpreter")
	}
	slow := filepath.Join(t.TempDir(), "slow.sh")
	require.NoError(t, os.WriteFile(slow, []byte("sleep 5\n"), 0o600))
	err := ScriptChecker{Python: "sh", ScriptPath: slow, Timeout: 200 * time.Millisecond}.Check(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
