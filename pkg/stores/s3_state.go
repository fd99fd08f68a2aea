package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/openfroyo/shipyard/pkg/state"
)

// ObjectAPI is the subset of the S3 client used by S3StateStore.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config configures an S3StateStore.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint, for S3-compatible servers.
	Endpoint string

	// UsePathStyle addresses buckets by path instead of virtual host.
	UsePathStyle bool
}

// S3StateStore keeps each application's deployment state in one object,
// "<prefix><team>/<app>.state", and its lease in "<key>.lock". Writes use
// S3 conditional requests so concurrent writers cannot overwrite each other.
type S3StateStore struct {
	api    ObjectAPI
	bucket string
	prefix string

	clockMu sync.RWMutex
	now     func() time.Time
}

var _ state.Store = (*S3StateStore)(nil)

// NewS3StateStore loads the default AWS configuration and returns a store
// for cfg.Bucket.
func NewS3StateStore(ctx context.Context, cfg S3Config) (*S3StateStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("state bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3StateStoreWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StateStoreWithAPI returns a store backed by api.
func NewS3StateStoreWithAPI(api ObjectAPI, bucket, prefix string) *S3StateStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3StateStore{api: api, bucket: bucket, prefix: prefix, now: time.Now}
}

// SetClock replaces the time source used for lease expiry.
func (s *S3StateStore) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.now = now
}

func (s *S3StateStore) clock() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.now()
}

func (s *S3StateStore) stateObject(key state.Key) string {
	return s.prefix + string(key)
}

func (s *S3StateStore) lockObject(key state.Key) string {
	return s.prefix + string(key) + ".lock"
}

// get returns the object body and its ETag. A missing object returns
// state.ErrNotFound.
func (s *S3StateStore) get(ctx context.Context, object string) ([]byte, string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", state.ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, object, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, object, err)
	}
	return body, aws.ToString(out.ETag), nil
}

// put writes body. With ifMatch empty the object must not exist yet;
// otherwise its current ETag must equal ifMatch.
func (s *S3StateStore) put(ctx context.Context, object string, body []byte, ifMatch string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(object),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if ifMatch == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(ifMatch)
	}
	_, err := s.api.PutObject(ctx, in)
	return err
}

// Load implements state.Store.
func (s *S3StateStore) Load(ctx context.Context, key state.Key) (*state.DeploymentState, error) {
	body, _, err := s.get(ctx, s.stateObject(key))
	if err != nil {
		return nil, err
	}
	return state.Unmarshal(body)
}

// Save implements state.Store.
func (s *S3StateStore) Save(ctx context.Context, key state.Key, st *state.DeploymentState, expectedSerial int64) error {
	object := s.stateObject(key)

	etag := ""
	if expectedSerial != 0 {
		body, currentTag, err := s.get(ctx, object)
		if errors.Is(err, state.ErrNotFound) {
			return state.ErrStaleState
		}
		if err != nil {
			return err
		}
		current, err := state.Unmarshal(body)
		if err != nil {
			return err
		}
		if current.Serial != expectedSerial {
			return state.ErrStaleState
		}
		etag = currentTag
	}

	next := st.Clone()
	next.Key = key
	next.Serial = expectedSerial + 1
	next.UpdatedAt = s.clock().UTC()
	body, err := state.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode deployment state: %w", err)
	}

	if err := s.put(ctx, object, body, etag); err != nil {
		if isPreconditionFailed(err) {
			return state.ErrStaleState
		}
		return fmt.Errorf("failed to put s3://%s/%s: %w", s.bucket, object, err)
	}

	st.Serial = next.Serial
	st.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete implements state.Store.
func (s *S3StateStore) Delete(ctx context.Context, key state.Key, expectedSerial int64) error {
	object := s.stateObject(key)
	body, etag, err := s.get(ctx, object)
	if errors.Is(err, state.ErrNotFound) {
		if expectedSerial == 0 {
			return nil
		}
		return state.ErrStaleState
	}
	if err != nil {
		return err
	}
	current, err := state.Unmarshal(body)
	if err != nil {
		return err
	}
	if current.Serial != expectedSerial {
		return state.ErrStaleState
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(object),
		IfMatch: aws.String(etag),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return state.ErrStaleState
		}
		return fmt.Errorf("failed to delete s3://%s/%s: %w", s.bucket, object, err)
	}
	return nil
}

// lockRecord is the body of a lease object.
type lockRecord struct {
	ID        string    `json:"id"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *S3StateStore) readLock(ctx context.Context, key state.Key) (*lockRecord, string, error) {
	body, etag, err := s.get(ctx, s.lockObject(key))
	if err != nil {
		return nil, "", err
	}
	var rec lockRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, "", fmt.Errorf("failed to decode lease for %s: %w", key, err)
	}
	return &rec, etag, nil
}

// AcquireLease implements state.Store. An expired lease object is replaced
// conditionally on its ETag so only one contender takes it over.
func (s *S3StateStore) AcquireLease(ctx context.Context, key state.Key, holder string, ttl time.Duration) (*state.Lease, error) {
	now := s.clock()

	etag := ""
	existing, currentTag, err := s.readLock(ctx, key)
	switch {
	case errors.Is(err, state.ErrNotFound):
	case err != nil:
		return nil, err
	case now.Before(existing.ExpiresAt):
		return nil, state.ErrLeaseBusy
	default:
		etag = currentTag
	}

	rec := lockRecord{ID: uuid.NewString(), Holder: holder, ExpiresAt: now.Add(ttl)}
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lease: %w", err)
	}
	if err := s.put(ctx, s.lockObject(key), body, etag); err != nil {
		if isPreconditionFailed(err) {
			return nil, state.ErrLeaseBusy
		}
		return nil, fmt.Errorf("failed to write lease for %s: %w", key, err)
	}
	return &state.Lease{Key: key, ID: rec.ID, Holder: holder, ExpiresAt: rec.ExpiresAt}, nil
}

// RenewLease implements state.Store.
func (s *S3StateStore) RenewLease(ctx context.Context, lease *state.Lease, ttl time.Duration) error {
	existing, etag, err := s.readLock(ctx, lease.Key)
	if errors.Is(err, state.ErrNotFound) {
		return state.ErrLeaseLost
	}
	if err != nil {
		return err
	}
	if existing.ID != lease.ID {
		return state.ErrLeaseLost
	}

	existing.ExpiresAt = s.clock().Add(ttl)
	body, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("failed to encode lease: %w", err)
	}
	if err := s.put(ctx, s.lockObject(lease.Key), body, etag); err != nil {
		if isPreconditionFailed(err) {
			return state.ErrLeaseLost
		}
		return fmt.Errorf("failed to renew lease for %s: %w", lease.Key, err)
	}
	lease.ExpiresAt = existing.ExpiresAt
	return nil
}

// Release implements state.Store.
func (s *S3StateStore) Release(ctx context.Context, lease *state.Lease) error {
	existing, etag, err := s.readLock(ctx, lease.Key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID != lease.ID {
		return nil
	}

	_, err = s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(s.lockObject(lease.Key)),
		IfMatch: aws.String(etag),
	})
	if err != nil && !isPreconditionFailed(err) && !isNotFound(err) {
		return fmt.Errorf("failed to release lease for %s: %w", lease.Key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
