package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/shipyard/pkg/descriptor"
	"github.com/openfroyo/shipyard/pkg/state"
	"github.com/openfroyo/shipyard/pkg/state/statetest"
)

type fakeObject struct {
	body []byte
	etag string
}

// fakeBucket is an in-memory ObjectAPI that honors conditional headers.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	seq     int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string]fakeObject)}
}

func preconditionFailed() error {
	return &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.body)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	current, exists := f.objects[key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, preconditionFailed()
	}
	if in.IfMatch != nil && (!exists || current.etag != aws.ToString(in.IfMatch)) {
		return nil, preconditionFailed()
	}

	f.seq++
	etag := fmt.Sprintf(`"etag-%d"`, f.seq)
	f.objects[key] = fakeObject{body: body, etag: etag}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeBucket) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	current, exists := f.objects[key]
	if in.IfMatch != nil && (!exists || current.etag != aws.ToString(in.IfMatch)) {
		return nil, preconditionFailed()
	}
	delete(f.objects, key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBucket) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func TestS3StateConformance(t *testing.T) {
	statetest.Run(t, func(t *testing.T) (state.Store, func(time.Duration)) {
		store := NewS3StateStoreWithAPI(newFakeBucket(), "platform-state", "deployments")
		var mu sync.Mutex
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		store.SetClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		})
		return store, func(d time.Duration) {
			mu.Lock()
			defer mu.Unlock()
			now = now.Add(d)
		}
	})
}

func TestS3StateObjectLayout(t *testing.T) {
	bucket := newFakeBucket()
	store := NewS3StateStoreWithAPI(bucket, "platform-state", "deployments")
	ctx := context.Background()
	key := state.KeyFor("demo", "demo-api")

	if err := store.Save(ctx, key, state.New(key, descriptor.EnvironmentDev), 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	lease, err := store.AcquireLease(ctx, key, "runner", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}

	want := map[string]bool{
		"deployments/demo/demo-api.state":      true,
		"deployments/demo/demo-api.state.lock": true,
	}
	for _, k := range bucket.keys() {
		if !want[k] {
			t.Errorf("unexpected object %q", k)
		}
		delete(want, k)
	}
	if len(want) != 0 {
		t.Errorf("missing objects: %v", want)
	}

	if err := store.Release(ctx, lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(bucket.keys()) != 1 {
		t.Errorf("lock object not removed: %v", bucket.keys())
	}
}

// racingBucket changes the stored object between the serial check and the
// conditional write.
type racingBucket struct {
	*fakeBucket
	once sync.Once
	race func()
}

func (r *racingBucket) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	r.once.Do(r.race)
	return r.fakeBucket.PutObject(ctx, in, opts...)
}

func TestS3StateConditionalWriteLosesRace(t *testing.T) {
	inner := newFakeBucket()
	ctx := context.Background()
	key := state.KeyFor("demo", "demo-api")

	setup := NewS3StateStoreWithAPI(inner, "platform-state", "")
	if err := setup.Save(ctx, key, state.New(key, descriptor.EnvironmentDev), 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	racing := &racingBucket{fakeBucket: inner}
	racing.race = func() {
		st := state.New(key, descriptor.EnvironmentDev)
		st.Revision = "sha256:other"
		if err := setup.Save(ctx, key, st, 1); err != nil {
			t.Errorf("racing Save() error = %v", err)
		}
	}
	store := NewS3StateStoreWithAPI(racing, "platform-state", "")

	err := store.Save(ctx, key, state.New(key, descriptor.EnvironmentDev), 1)
	if !errors.Is(err, state.ErrStaleState) {
		t.Fatalf("Save() error = %v, want ErrStaleState", err)
	}
	loaded, err := setup.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Revision != "sha256:other" || loaded.Serial != 2 {
		t.Errorf("Load() = revision %q serial %d, want racing writer's state", loaded.Revision, loaded.Serial)
	}
}
