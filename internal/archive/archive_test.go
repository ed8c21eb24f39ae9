package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stickypool/stickypool/internal/circuit"
	"github.com/stickypool/stickypool/internal/config"
	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/retry"
)

type putCall struct {
	bucket      string
	key         string
	body        string
	contentType string
}

type mockS3 struct {
	mu       sync.Mutex
	calls    []putCall
	failures int
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return nil, fmt.Errorf("service unavailable")
	}
	m.calls = append(m.calls, putCall{
		bucket:      aws.ToString(in.Bucket),
		key:         aws.ToString(in.Key),
		body:        string(body),
		contentType: aws.ToString(in.ContentType),
	})
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) Calls() []putCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]putCall(nil), m.calls...)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestArchiver_Key(t *testing.T) {
	a := NewWithClient(&mockS3{}, Options{Bucket: "logs", Prefix: "stickypool/logs/", Host: "node-1"})
	defer func() { _ = a.Close(context.Background()) }()

	assert.Equal(t, "stickypool/logs/web/node-1/web-info-2024-01-02T03-04-05.1.log",
		a.Key("web", "/var/log/stickypool/web-info-2024-01-02T03-04-05.1.log"))
}

func TestArchiver_Upload(t *testing.T) {
	client := &mockS3{}
	a := NewWithClient(client, Options{Bucket: "logs", Prefix: "p/", Host: "h", Retry: fastRetry()})
	defer func() { _ = a.Close(context.Background()) }()

	file := writeFile(t, "web-error-1.log.gz", "compressed")
	require.NoError(t, a.Upload(context.Background(), "web", file))

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "logs", calls[0].bucket)
	assert.Equal(t, "p/web/h/web-error-1.log.gz", calls[0].key)
	assert.Equal(t, "compressed", calls[0].body)
	assert.Equal(t, "application/gzip", calls[0].contentType)
}

func TestArchiver_UploadRetries(t *testing.T) {
	client := &mockS3{failures: 2}
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true})
	require.NoError(t, err)
	a := NewWithClient(client, Options{Bucket: "logs", Host: "h", Retry: fastRetry(), Metrics: collector})
	defer func() { _ = a.Close(context.Background()) }()

	file := writeFile(t, "web-info-1.log", "line\n")
	require.NoError(t, a.Upload(context.Background(), "web", file))
	require.Len(t, client.Calls(), 1)
	assert.Equal(t, "line\n", client.Calls()[0].body, "the body is re-read on each attempt")

	events := collector.GetMetrics()["events"].(map[string]int64)
	assert.Equal(t, int64(1), events["archive_success"])
}

func TestArchiver_UploadGivesUp(t *testing.T) {
	client := &mockS3{failures: 10}
	a := NewWithClient(client, Options{Bucket: "logs", Host: "h", Retry: fastRetry()})
	defer func() { _ = a.Close(context.Background()) }()

	file := writeFile(t, "web-info-1.log", "line\n")
	err := a.Upload(context.Background(), "web", file)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeArchiveFailed))
	assert.Empty(t, client.Calls())
}

func TestArchiver_MissingFile(t *testing.T) {
	a := NewWithClient(&mockS3{}, Options{Bucket: "logs", Host: "h", Retry: fastRetry()})
	defer func() { _ = a.Close(context.Background()) }()

	err := a.Upload(context.Background(), "web", filepath.Join(t.TempDir(), "gone.log"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeArchiveFailed))
}

func TestArchiver_OnRotateQueuesUntilClose(t *testing.T) {
	client := &mockS3{}
	a := NewWithClient(client, Options{Bucket: "logs", Host: "h", Retry: fastRetry()})

	onRotate := a.OnRotate("web")
	onRotate(writeFile(t, "web-info-1.log", "one"))
	onRotate(writeFile(t, "web-info-2.log", "two"))

	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, client.Calls(), 2)

	assert.False(t, a.Enqueue("web", "late.log"))
	require.NoError(t, a.Close(context.Background()), "close is idempotent")
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), config.ArchiveConfig{Enabled: true}, Options{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestNew_StaticCredentials(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{
		Enabled:         true,
		Bucket:          "logs",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}, Options{Host: "h"})
	require.NoError(t, err)
	assert.Equal(t, "web/h/x.log", a.Key("web", "x.log"))
	require.NoError(t, a.Close(context.Background()))
}

func TestArchiver_CircuitOpensOnRepeatedFailure(t *testing.T) {
	client := &mockS3{failures: 100}
	breaker := circuit.NewBreaker("archive", circuit.Config{MaxFailures: 2, Cooldown: time.Hour})
	a := NewWithClient(client, Options{
		Bucket:  "logs",
		Host:    "h",
		Retry:   retry.Config{MaxAttempts: 1},
		Breaker: breaker,
	})
	defer func() { _ = a.Close(context.Background()) }()

	file := writeFile(t, "web-info-1.log", "line\n")
	for i := 0; i < 2; i++ {
		require.Error(t, a.Upload(context.Background(), "web", file))
	}
	assert.Equal(t, circuit.StateOpen, breaker.State())

	client.mu.Lock()
	left := client.failures
	client.mu.Unlock()

	err := a.Upload(context.Background(), "web", file)
	assert.ErrorIs(t, err, circuit.ErrOpen)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, left, client.failures, "an open circuit does not reach the store")
}
