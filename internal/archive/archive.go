// Package archive uploads rotated log files to S3-compatible storage.
//
// Uploads run on a background goroutine so that log rotation, which calls
// Enqueue while holding the rotator's lock, never waits on the network.
// Object keys are laid out as <prefix><service>/<host>/<file name>.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsv2config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/stickypool/stickypool/internal/circuit"
	"github.com/stickypool/stickypool/internal/config"
	"github.com/stickypool/stickypool/internal/metrics"
	"github.com/stickypool/stickypool/pkg/errors"
	"github.com/stickypool/stickypool/pkg/retry"
	"github.com/stickypool/stickypool/pkg/utils"
)

const queueSize = 64

// PutObjectAPI is the part of the S3 client the archiver uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Options configures an Archiver.
type Options struct {
	Bucket  string
	Prefix  string
	Host    string
	Retry   retry.Config
	Logger  *utils.StructuredLogger
	Metrics *metrics.Collector

	// Transporter, when set, is tried before a plain PutObject.
	Transporter *cargoships3.Transporter

	// Breaker defaults to one that opens after five failed uploads.
	Breaker *circuit.Breaker
}

type job struct {
	service string
	path    string
}

// Archiver uploads rotated files.
type Archiver struct {
	client      PutObjectAPI
	transporter *cargoships3.Transporter
	bucket      string
	prefix      string
	host        string
	retryer     *retry.Retryer
	breaker     *circuit.Breaker
	logger      *utils.StructuredLogger
	metrics     *metrics.Collector

	mu     sync.Mutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// New builds an S3 client from cfg and returns a running Archiver.
func New(ctx context.Context, cfg config.ArchiveConfig, opts Options) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "archive bucket is required").
			WithComponent("archive")
	}

	var loadOpts []func(*awsv2config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsv2config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsv2config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsv2config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, err, "failed to load AWS config").
			WithComponent("archive")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if cfg.UseCargoShip {
		opts.Transporter = cargoships3.NewTransporter(client, awsconfig.S3Config{
			Bucket:       cfg.Bucket,
			StorageClass: awsconfig.StorageClassStandardIA,
			Concurrency:  2,
		})
	}

	opts.Bucket = cfg.Bucket
	opts.Prefix = cfg.Prefix
	return NewWithClient(client, opts), nil
}

// NewWithClient returns a running Archiver that uploads through client.
func NewWithClient(client PutObjectAPI, opts Options) *Archiver {
	if opts.Logger == nil {
		opts.Logger = utils.NewNopLogger()
	}
	if opts.Host == "" {
		opts.Host, _ = os.Hostname()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		}
	}
	opts.Retry.RetryableErrors = append(opts.Retry.RetryableErrors, errors.ErrCodeArchiveFailed)
	logger := opts.Logger.WithComponent("archive")
	if opts.Breaker == nil {
		opts.Breaker = circuit.NewBreaker("archive", circuit.Config{
			MaxFailures: 5,
			Cooldown:    time.Minute,
			OnStateChange: func(name string, from, to circuit.State) {
				logger.Warn("Archive circuit changed state", map[string]interface{}{
					"from": from.String(),
					"to":   to.String(),
				})
			},
		})
	}

	a := &Archiver{
		client:      client,
		transporter: opts.Transporter,
		bucket:      opts.Bucket,
		prefix:      opts.Prefix,
		host:        opts.Host,
		retryer:     retry.New(opts.Retry),
		breaker:     opts.Breaker,
		logger:      logger,
		metrics:     opts.Metrics,
		queue:       make(chan job, queueSize),
		done:        make(chan struct{}),
	}
	go a.run()
	return a
}

// Key returns the object key for a rotated file of service.
func (a *Archiver) Key(service, file string) string {
	return a.prefix + path.Join(service, a.host, filepath.Base(file))
}

// OnRotate returns a rotation callback that queues files of service.
func (a *Archiver) OnRotate(service string) func(string) {
	return func(file string) {
		a.Enqueue(service, file)
	}
}

// Enqueue schedules file for upload. It never blocks and never logs, since
// the caller may hold the lock of the very logger this archiver writes to. A
// full queue or a closed archiver drops the file.
func (a *Archiver) Enqueue(service, file string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return false
	}
	select {
	case a.queue <- job{service: service, path: file}:
		return true
	default:
		a.metrics.ArchiveUpload(false)
		return false
	}
}

func (a *Archiver) run() {
	defer close(a.done)
	for j := range a.queue {
		if err := a.Upload(context.Background(), j.service, j.path); err != nil {
			a.logger.Error("Log archive failed", map[string]interface{}{
				"file":  j.path,
				"error": err.Error(),
			})
		}
	}
}

// Upload sends one file and waits for the result. While the circuit is open
// the file is skipped without contacting the store.
func (a *Archiver) Upload(ctx context.Context, service, file string) error {
	key := a.Key(service, file)
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			return a.put(ctx, key, file)
		})
	})
	a.metrics.ArchiveUpload(err == nil)
	if err != nil {
		return err
	}
	a.logger.Debug("Archived log file", map[string]interface{}{"file": file, "key": key})
	return nil
}

func (a *Archiver) put(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchiveFailed, err, "failed to open rotated file").
			WithComponent("archive").
			WithDetail("file", file)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchiveFailed, err, "failed to stat rotated file").
			WithComponent("archive").
			WithDetail("file", file)
	}

	if a.transporter != nil {
		result, terr := a.transporter.Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       f,
			Size:         info.Size(),
			StorageClass: awsconfig.StorageClassStandardIA,
			Metadata:     map[string]string{"stickypool-host": a.host},
		})
		if terr == nil {
			a.logger.Debug("CargoShip upload completed", map[string]interface{}{
				"key":      key,
				"duration": result.Duration,
			})
			return nil
		}
		a.logger.Warn("CargoShip upload failed, falling back to PutObject", map[string]interface{}{
			"key":   key,
			"error": terr.Error(),
		})
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(errors.ErrCodeArchiveFailed, err, "failed to rewind rotated file").
				WithComponent("archive")
		}
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType(file)),
		StorageClass:  types.StorageClassStandardIa,
		Metadata:      map[string]string{"stickypool-host": a.host},
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeArchiveFailed, err, fmt.Sprintf("put %s", key)).
			WithComponent("archive").
			WithDetail("bucket", a.bucket)
	}
	return nil
}

func contentType(file string) string {
	if strings.HasSuffix(file, ".gz") {
		return "application/gzip"
	}
	return "text/plain; charset=utf-8"
}

// Close stops accepting files and waits for queued uploads, or for ctx.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
